// Package storage provides the SQLite persistence layer shared by the
// contact, chat, and file stores.
//
// One DB handle backs every store composed into a Messenger. The handle is
// not safe for interleaved use from multiple goroutines; callers either
// serialize access externally or confine each store to one owning goroutine.
//
// Example:
//
//	db, err := storage.Open("messenger.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Bootstrap(); err != nil {
//	    log.Fatal(err)
//	}
package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// DB wraps a SQLite connection configured for engine use.
type DB struct {
	*sql.DB

	broken bool
}

// Open creates a new SQLite connection with WAL mode and the pragmas the
// engine relies on (busy timeout, foreign keys). The path ":memory:" opens
// an in-memory database, used by the test suites.
func Open(path string) (*DB, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"path":     path,
	}).Info("Opening storage database")

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The handle is single-owner; a second connection would only race the
	// window caches.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Broken reports whether schema bootstrap failed unrecoverably. A broken
// handle accepts no further writes from the stores.
func (db *DB) Broken() bool {
	return db.broken
}

// WithTx runs fn inside a transaction, rolling back on any error.
func (db *DB) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WithTx",
				"error":    rbErr.Error(),
			}).Warn("Transaction rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
