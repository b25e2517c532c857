package storage

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/storage/migrations"
)

// Bootstrap brings the fixed schema up to date from the embedded
// migrations. On unrecoverable failure the handle is marked broken; stores
// must not be built on a broken handle.
func (db *DB) Bootstrap() error {
	logrus.WithFields(logrus.Fields{
		"function": "Bootstrap",
	}).Info("Bootstrapping storage schema")

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		db.broken = true
		return fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		db.broken = true
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		db.broken = true
		return fmt.Errorf("migration instance: %w", err)
	}

	err = m.Up()
	if err == migrate.ErrNoChange {
		err = nil
	}
	if err != nil {
		db.broken = true
		return fmt.Errorf("migration up: %w", err)
	}

	version, dirty, _ := m.Version()
	logrus.WithFields(logrus.Fields{
		"function": "Bootstrap",
		"version":  version,
		"dirty":    dirty,
	}).Info("Storage schema bootstrapped")

	return nil
}
