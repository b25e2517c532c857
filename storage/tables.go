package storage

import (
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// chatTableDigestLen is the number of hash bytes carried into a chat table
// name. 12 bytes keeps names short while leaving collisions out of reach.
const chatTableDigestLen = 12

// ChatTableName derives the message-table name for a chat from its contact
// id. The derivation is deterministic, so the same chat always maps to the
// same table, and every chat table shares the configured prefix.
func ChatTableName(prefix string, chatID uuid.UUID) string {
	sum := blake2b.Sum256(chatID[:])
	return prefix + hex.EncodeToString(sum[:chatTableDigestLen])
}

// ListChatTables returns the names of every per-chat message table currently
// present, discovered by prefix.
func (db *DB) ListChatTables(prefix string) ([]string, error) {
	rows, err := db.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ? ESCAPE '\'`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list chat tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DropChatTables drops every per-chat message table in one transaction.
func (db *DB) DropChatTables(prefix string) error {
	names, err := db.ListChatTables(prefix)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	return db.WithTx(func(tx *sql.Tx) error {
		for _, name := range names {
			if _, err := tx.Exec(`DROP TABLE "` + name + `"`); err != nil {
				return fmt.Errorf("drop table %q: %w", name, err)
			}
		}
		return nil
	})
}

// escapeLike escapes LIKE wildcards in a literal prefix.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
