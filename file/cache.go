// Package file implements the content-addressed attachment cache.
//
// Outgoing attachments are stored complete in one step, keyed by a file id
// derived from the file's content hash so repeated attach calls for the
// same bytes converge on one record. Incoming attachments pass through an
// explicit two-phase lifecycle: reserved when the metadata arrives inside a
// message, committed once the transferred bytes have landed on disk.
//
// Example:
//
//	cache, err := file.NewCache(db, storage.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	creds, err := cache.CacheOutgoing(author, chat, msg, 0, "/tmp/photo.jpg")
package file

import (
	"database/sql"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/storage"
)

// ErrNotFound indicates a lookup for a file id with no record.
var ErrNotFound = errors.New("file record not found")

// ErrAttachment indicates a file that cannot be cached: missing, irregular,
// over the size limit, or unreadable during hashing.
var ErrAttachment = errors.New("attachment failure")

// Credentials is one attachment record. AttachmentIndex locates the
// corresponding content item inside the owning message's sequence. For a
// reserved incoming record AbsPath and ModTime are not yet valid and
// Committed is false.
type Credentials struct {
	FileID          uuid.UUID
	AuthorID        uuid.UUID
	ChatID          uuid.UUID
	MessageID       uuid.UUID
	AttachmentIndex int
	AbsPath         string
	Name            string
	Size            uint64
	Mime            string
	ModTime         time.Time
	Committed       bool
}

// RemoteDescriptor identifies an attachment whose bytes live with a remote
// author, used when forwarding an attachment that was never materialized
// locally.
type RemoteDescriptor struct {
	FileID uuid.UUID
	Name   string
	Size   uint64
	Mime   string
}

// Cache is the SQLite-backed attachment cache.
type Cache struct {
	db  *storage.DB
	cfg storage.Config
}

// NewCache builds an attachment cache over an initialized database handle.
func NewCache(db *storage.DB, cfg storage.Config) (*Cache, error) {
	if db.Broken() {
		return nil, fmt.Errorf("file cache: storage handle is broken")
	}
	return &Cache{db: db, cfg: cfg}, nil
}

// CacheOutgoing stores a complete outgoing record for a local file. The
// file id is minted from the content hash, so attaching the same bytes
// twice converges on one record (INSERT OR REPLACE).
func (c *Cache) CacheOutgoing(authorID, chatID, messageID uuid.UUID, index int, path string) (*Credentials, error) {
	abspath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrAttachment, path, err)
	}

	info, err := os.Stat(abspath)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %q: %v", ErrAttachment, abspath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %q is not a regular file", ErrAttachment, abspath)
	}
	if c.cfg.MaxAttachmentSize > 0 && info.Size() > c.cfg.MaxAttachmentSize {
		return nil, fmt.Errorf("%w: %q exceeds size limit (%d > %d)",
			ErrAttachment, abspath, info.Size(), c.cfg.MaxAttachmentSize)
	}

	fileID, err := hashFileID(abspath)
	if err != nil {
		return nil, err
	}

	creds := &Credentials{
		FileID:          fileID,
		AuthorID:        authorID,
		ChatID:          chatID,
		MessageID:       messageID,
		AttachmentIndex: index,
		AbsPath:         abspath,
		Name:            filepath.Base(abspath),
		Size:            uint64(info.Size()),
		Mime:            mime.TypeByExtension(filepath.Ext(abspath)),
		ModTime:         info.ModTime(),
		Committed:       true,
	}

	logrus.WithFields(logrus.Fields{
		"function": "CacheOutgoing",
		"file_id":  fileID.String(),
		"name":     creds.Name,
		"size":     creds.Size,
	}).Debug("Caching outgoing file")

	if err := c.upsertOutgoing(creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// CacheOutgoingRemote stores an outgoing record for an attachment whose
// bytes are not local, identified by a remote descriptor. The record has no
// valid path; file requests against it are answered with a file error.
func (c *Cache) CacheOutgoingRemote(authorID, chatID, messageID uuid.UUID, index int, desc RemoteDescriptor) (*Credentials, error) {
	creds := &Credentials{
		FileID:          desc.FileID,
		AuthorID:        authorID,
		ChatID:          chatID,
		MessageID:       messageID,
		AttachmentIndex: index,
		Name:            desc.Name,
		Size:            desc.Size,
		Mime:            desc.Mime,
	}
	if err := c.upsertOutgoing(creds); err != nil {
		return nil, err
	}
	return creds, nil
}

func (c *Cache) upsertOutgoing(creds *Credentials) error {
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO outgoing_files
		 (file_id, author_id, chat_id, message_id, attachment_index, abspath, name, size, mime, modtime)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		creds.FileID.String(), creds.AuthorID.String(), creds.ChatID.String(),
		creds.MessageID.String(), creds.AttachmentIndex, creds.AbsPath,
		creds.Name, int64(creds.Size), creds.Mime, timeToColumn(creds.ModTime))
	if err != nil {
		return fmt.Errorf("store outgoing file %s: %w", creds.FileID, err)
	}
	return nil
}

// ReserveIncoming stores phase one of an incoming attachment: metadata
// known, path and modification time not yet valid. Reserving an already
// known file id is a no-op, so a redelivered message cannot clobber a
// committed record.
func (c *Cache) ReserveIncoming(fileID, authorID, chatID, messageID uuid.UUID, index int, name string, size uint64, mimeType string) error {
	logrus.WithFields(logrus.Fields{
		"function": "ReserveIncoming",
		"file_id":  fileID.String(),
		"name":     name,
		"size":     size,
	}).Debug("Reserving incoming file")

	_, err := c.db.Exec(
		`INSERT OR IGNORE INTO incoming_files
		 (file_id, author_id, chat_id, message_id, attachment_index, abspath, name, size, mime, modtime, committed)
		 VALUES (?, ?, ?, ?, ?, '', ?, ?, ?, 0, 0)`,
		fileID.String(), authorID.String(), chatID.String(), messageID.String(),
		index, name, int64(size), mimeType)
	if err != nil {
		return fmt.Errorf("reserve incoming file %s: %w", fileID, err)
	}
	return nil
}

// CommitIncoming completes phase two once the transferred bytes have
// landed: it fills in the real path, name, size, and modification time from
// the file on disk.
func (c *Cache) CommitIncoming(fileID uuid.UUID, abspath string) (*Credentials, error) {
	abspath, err := filepath.Abs(abspath)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrAttachment, abspath, err)
	}
	info, err := os.Stat(abspath)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %q: %v", ErrAttachment, abspath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %q is not a regular file", ErrAttachment, abspath)
	}

	res, err := c.db.Exec(
		`UPDATE incoming_files
		 SET abspath = ?, name = ?, size = ?, modtime = ?, committed = 1
		 WHERE file_id = ?`,
		abspath, filepath.Base(abspath), info.Size(), timeToColumn(info.ModTime()),
		fileID.String())
	if err != nil {
		return nil, fmt.Errorf("commit incoming file %s: %w", fileID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("commit incoming file %s: %w", fileID, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("commit incoming file %s: %w", fileID, ErrNotFound)
	}

	logrus.WithFields(logrus.Fields{
		"function": "CommitIncoming",
		"file_id":  fileID.String(),
		"abspath":  abspath,
	}).Info("Incoming file committed")

	return c.IncomingFile(fileID)
}

// OutgoingFile returns the outgoing record for a file id.
func (c *Cache) OutgoingFile(fileID uuid.UUID) (*Credentials, error) {
	row := c.db.QueryRow(
		`SELECT file_id, author_id, chat_id, message_id, attachment_index, abspath, name, size, mime, modtime
		 FROM outgoing_files WHERE file_id = ?`, fileID.String())
	creds, err := scanCredentials(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outgoing file %s: %w", fileID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("outgoing file %s: %w", fileID, err)
	}
	creds.Committed = creds.AbsPath != ""
	return creds, nil
}

// IncomingFile returns the incoming record for a file id. A record returned
// with Committed false is reserved but not yet downloadable.
func (c *Cache) IncomingFile(fileID uuid.UUID) (*Credentials, error) {
	row := c.db.QueryRow(
		`SELECT file_id, author_id, chat_id, message_id, attachment_index, abspath, name, size, mime, modtime, committed
		 FROM incoming_files WHERE file_id = ?`, fileID.String())
	creds, err := scanCredentials(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("incoming file %s: %w", fileID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("incoming file %s: %w", fileID, err)
	}
	return creds, nil
}

// OutgoingForChat lists the outgoing records of one chat, ordered by
// message id then attachment index.
func (c *Cache) OutgoingForChat(chatID uuid.UUID) ([]Credentials, error) {
	return c.listForChat(chatID, "outgoing_files", false)
}

// IncomingForChat lists the incoming records of one chat, ordered by
// message id then attachment index.
func (c *Cache) IncomingForChat(chatID uuid.UUID) ([]Credentials, error) {
	return c.listForChat(chatID, "incoming_files", true)
}

func (c *Cache) listForChat(chatID uuid.UUID, table string, incoming bool) ([]Credentials, error) {
	cols := "file_id, author_id, chat_id, message_id, attachment_index, abspath, name, size, mime, modtime"
	if incoming {
		cols += ", committed"
	}
	rows, err := c.db.Query(
		`SELECT `+cols+` FROM `+table+` WHERE chat_id = ? ORDER BY message_id, attachment_index`,
		chatID.String())
	if err != nil {
		return nil, fmt.Errorf("list %s for chat %s: %w", table, chatID, err)
	}
	defer func() { _ = rows.Close() }()

	var list []Credentials
	for rows.Next() {
		creds, err := scanCredentials(rows, incoming)
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		if !incoming {
			creds.Committed = creds.AbsPath != ""
		}
		list = append(list, *creds)
	}
	return list, rows.Err()
}

// RemoveBroken sweeps both tables inside one transaction and deletes every
// record whose backing path no longer exists. Reserved incoming records
// have no valid path yet and are left alone. Returns the number of records
// removed.
func (c *Cache) RemoveBroken() (int, error) {
	removed := 0
	err := c.db.WithTx(func(tx *sql.Tx) error {
		for _, table := range []string{"outgoing_files", "incoming_files"} {
			query := `SELECT file_id, abspath FROM ` + table + ` WHERE abspath != ''`
			if table == "incoming_files" {
				query += ` AND committed = 1`
			}
			rows, err := tx.Query(query)
			if err != nil {
				return fmt.Errorf("sweep %s: %w", table, err)
			}

			var broken []string
			for rows.Next() {
				var id, abspath string
				if err := rows.Scan(&id, &abspath); err != nil {
					_ = rows.Close()
					return fmt.Errorf("scan %s: %w", table, err)
				}
				if _, err := os.Stat(abspath); err != nil {
					broken = append(broken, id)
				}
			}
			if err := rows.Err(); err != nil {
				_ = rows.Close()
				return fmt.Errorf("sweep %s: %w", table, err)
			}
			_ = rows.Close()

			for _, id := range broken {
				if _, err := tx.Exec(`DELETE FROM `+table+` WHERE file_id = ?`, id); err != nil {
					return fmt.Errorf("delete broken record %s: %w", id, err)
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "RemoveBroken",
			"removed":  removed,
		}).Info("Pruned broken file records")
	}
	return removed, nil
}

// Clear empties both tables without touching any bytes on disk.
func (c *Cache) Clear() error {
	return c.db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM outgoing_files`); err != nil {
			return fmt.Errorf("clear outgoing files: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM incoming_files`); err != nil {
			return fmt.Errorf("clear incoming files: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredentials(row rowScanner, incoming bool) (*Credentials, error) {
	var creds Credentials
	var fileText, authorText, chatText, messageText string
	var size, modtime int64
	dest := []any{
		&fileText, &authorText, &chatText, &messageText,
		&creds.AttachmentIndex, &creds.AbsPath, &creds.Name, &size, &creds.Mime, &modtime,
	}
	if incoming {
		dest = append(dest, &creds.Committed)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	if creds.FileID, err = uuid.Parse(fileText); err != nil {
		return nil, fmt.Errorf("parse file id %q: %w", fileText, err)
	}
	if creds.AuthorID, err = uuid.Parse(authorText); err != nil {
		return nil, fmt.Errorf("parse author id %q: %w", authorText, err)
	}
	if creds.ChatID, err = uuid.Parse(chatText); err != nil {
		return nil, fmt.Errorf("parse chat id %q: %w", chatText, err)
	}
	if creds.MessageID, err = uuid.Parse(messageText); err != nil {
		return nil, fmt.Errorf("parse message id %q: %w", messageText, err)
	}
	creds.Size = uint64(size)
	creds.ModTime = columnToTime(modtime)
	return &creds, nil
}

func timeToColumn(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func columnToTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
