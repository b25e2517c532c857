package chat

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/content"
	"github.com/opd-ai/chatcore/file"
	"github.com/opd-ai/chatcore/storage"
)

// Store is the durable message log of one chat plus its windowed read
// cache. A Store is single-owner; it holds plain local cache state and must
// not be shared between goroutines without external serialization.
type Store struct {
	db      *storage.DB
	cfg     storage.Config
	chatID  uuid.UUID
	ownerID uuid.UUID
	table   string
	ser     content.Serializer
	files   *file.Cache

	page page
}

// page is the one cached window: a contiguous, sort-order-specific slice of
// rows plus an id-to-index map for point lookups inside the window.
type page struct {
	offset int
	spec   SortSpec
	rows   []Message
	index  map[uuid.UUID]int
	valid  bool
	dirty  bool
}

// NewStore opens the message log for one chat, creating its table on first
// access. ownerID is the local self contact; messages composed through
// Create are authored by it.
func NewStore(db *storage.DB, cfg storage.Config, chatID, ownerID uuid.UUID, ser content.Serializer, files *file.Cache) (*Store, error) {
	if db.Broken() {
		return nil, fmt.Errorf("chat store: storage handle is broken")
	}
	if cfg.MessageWindowSize <= 0 {
		cfg.MessageWindowSize = storage.DefaultConfig().MessageWindowSize
	}

	s := &Store{
		db:      db,
		cfg:     cfg,
		chatID:  chatID,
		ownerID: ownerID,
		table:   storage.ChatTableName(cfg.ChatTablePrefix, chatID),
		ser:     ser,
		files:   files,
	}

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS "` + s.table + `" (
		message_id        TEXT PRIMARY KEY,
		author_id         TEXT NOT NULL,
		creation_time     INTEGER NOT NULL,
		modification_time INTEGER NOT NULL,
		delivered_time    INTEGER,
		read_time         INTEGER,
		content           BLOB NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("create chat table %q: %w", s.table, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewStore",
		"chat_id":  chatID.String(),
		"table":    s.table,
	}).Debug("Chat store opened")
	return s, nil
}

// ChatID returns the contact id the chat targets.
func (s *Store) ChatID() uuid.UUID {
	return s.chatID
}

func (s *Store) markDirty() {
	s.page.dirty = true
}

// Create allocates a fresh message id, inserts an empty row authored by the
// chat's owner, and returns an editor bound to it. Saving the editor with
// no content deletes the row again.
func (s *Store) Create() (*Editor, error) {
	id := uuid.New()
	now := time.Now()

	empty, err := s.ser.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("serialize empty content: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO "`+s.table+`" (message_id, author_id, creation_time, modification_time, content)
		 VALUES (?, ?, ?, ?, ?)`,
		id.String(), s.ownerID.String(), now.UnixMilli(), now.UnixMilli(), empty)
	if err != nil {
		return nil, fmt.Errorf("insert message %s: %w", id, err)
	}
	s.markDirty()

	logrus.WithFields(logrus.Fields{
		"function":   "Create",
		"chat_id":    s.chatID.String(),
		"message_id": id.String(),
	}).Debug("Message created")

	return &Editor{store: s, id: id, authorID: s.ownerID}, nil
}

// Open returns an editor bound to an existing message, preloaded with its
// current content.
func (s *Store) Open(messageID uuid.UUID) (*Editor, error) {
	msg, err := s.Message(messageID)
	if err != nil {
		return nil, err
	}
	return &Editor{
		store:    s,
		id:       msg.ID,
		authorID: msg.AuthorID,
		items:    append(content.Content(nil), msg.Content...),
	}, nil
}

// SaveIncoming ingests a message received from a peer. Ingestion is
// idempotent: a new id is inserted, a known id is updated only when the
// stored content or timestamp actually differs, and an authorship change is
// rejected as inconsistent data.
func (s *Store) SaveIncoming(messageID, authorID uuid.UUID, t time.Time, items content.Content) error {
	data, err := s.ser.Marshal(items)
	if err != nil {
		return fmt.Errorf("serialize incoming content: %w", err)
	}

	var storedAuthor string
	var storedMod int64
	var storedData []byte
	err = s.db.QueryRow(
		`SELECT author_id, modification_time, content FROM "`+s.table+`" WHERE message_id = ?`,
		messageID.String()).Scan(&storedAuthor, &storedMod, &storedData)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(
			`INSERT INTO "`+s.table+`" (message_id, author_id, creation_time, modification_time, content)
			 VALUES (?, ?, ?, ?, ?)`,
			messageID.String(), authorID.String(), t.UnixMilli(), t.UnixMilli(), data)
		if err != nil {
			return fmt.Errorf("insert incoming message %s: %w", messageID, err)
		}
		s.markDirty()
		return nil

	case err != nil:
		return fmt.Errorf("load incoming message %s: %w", messageID, err)
	}

	if storedAuthor != authorID.String() {
		return fmt.Errorf("incoming message %s authored by %s, stored author %s: %w",
			messageID, authorID, storedAuthor, ErrAuthorMismatch)
	}

	// Redundant resends are common after reconnects; skip the write (and
	// the cache invalidation) when nothing changed.
	if storedMod == t.UnixMilli() && bytes.Equal(storedData, data) {
		return nil
	}

	_, err = s.db.Exec(
		`UPDATE "`+s.table+`" SET content = ?, modification_time = ? WHERE message_id = ?`,
		data, t.UnixMilli(), messageID.String())
	if err != nil {
		return fmt.Errorf("update incoming message %s: %w", messageID, err)
	}
	s.markDirty()
	return nil
}

// Message returns the message with the given id, consulting the cached
// window's index first.
func (s *Store) Message(messageID uuid.UUID) (*Message, error) {
	if s.page.valid && !s.page.dirty {
		if idx, ok := s.page.index[messageID]; ok {
			msg := s.page.rows[idx]
			return &msg, nil
		}
	}

	row := s.db.QueryRow(
		`SELECT message_id, author_id, creation_time, modification_time, delivered_time, read_time, content
		 FROM "`+s.table+`" WHERE message_id = ?`, messageID.String())
	msg, err := s.scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", messageID, err)
	}
	return msg, nil
}

// MessageAt returns the message at the given offset under the given sort
// specification, reading through the window cache.
func (s *Store) MessageAt(offset int, spec SortSpec) (*Message, error) {
	if offset < 0 {
		return nil, fmt.Errorf("message at %d: %w", offset, ErrMessageNotFound)
	}
	spec = spec.Normalize()

	if s.needRefetch(offset, 1, spec) {
		if err := s.fetchPage(offset, spec); err != nil {
			return nil, err
		}
	}

	idx := offset - s.page.offset
	if idx >= len(s.page.rows) {
		return nil, fmt.Errorf("message at %d: %w", offset, ErrMessageNotFound)
	}
	msg := s.page.rows[idx]
	return &msg, nil
}

// needRefetch implements the window-cache rule: refetch iff the page is
// dirty, the sort specification changed, or the requested range is not
// fully contained in the cached window.
func (s *Store) needRefetch(offset, limit int, spec SortSpec) bool {
	if !s.page.valid || s.page.dirty {
		return true
	}
	if s.page.spec != spec {
		return true
	}
	return offset < s.page.offset || offset+limit > s.page.offset+len(s.page.rows)
}

func (s *Store) fetchPage(offset int, spec SortSpec) error {
	rows, err := s.db.Query(
		`SELECT message_id, author_id, creation_time, modification_time, delivered_time, read_time, content
		 FROM "`+s.table+`" `+spec.orderBy()+` LIMIT ? OFFSET ?`,
		s.cfg.MessageWindowSize, offset)
	if err != nil {
		return fmt.Errorf("fetch message window at %d: %w", offset, err)
	}
	defer func() { _ = rows.Close() }()

	pageRows := make([]Message, 0, s.cfg.MessageWindowSize)
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return fmt.Errorf("scan message window: %w", err)
		}
		index[msg.ID] = len(pageRows)
		pageRows = append(pageRows, *msg)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("fetch message window at %d: %w", offset, err)
	}

	s.page = page{offset: offset, spec: spec, rows: pageRows, index: index, valid: true}

	logrus.WithFields(logrus.Fields{
		"function": "fetchPage",
		"chat_id":  s.chatID.String(),
		"offset":   offset,
		"rows":     len(pageRows),
	}).Debug("Message window refreshed")
	return nil
}

// LastMessage returns the newest message by creation time.
func (s *Store) LastMessage() (*Message, error) {
	row := s.db.QueryRow(
		`SELECT message_id, author_id, creation_time, modification_time, delivered_time, read_time, content
		 FROM "` + s.table + `" ORDER BY creation_time DESC, message_id DESC LIMIT 1`)
	msg, err := s.scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("last message: %w", ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("last message: %w", err)
	}
	return msg, nil
}

// ForEach streams up to limit messages under the given sort specification.
// A limit of zero or less means no limit. A non-nil error from fn stops the
// iteration and is returned.
func (s *Store) ForEach(fn func(m *Message) error, spec SortSpec, limit int) error {
	query := `SELECT message_id, author_id, creation_time, modification_time, delivered_time, read_time, content
		 FROM "` + s.table + `" ` + spec.Normalize().orderBy()
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("iterate messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	return rows.Err()
}

// MarkDelivered records the delivery acknowledgement. The write is
// monotone: an already-set timestamp is kept, so repeating the call is
// harmless. A missing message id is reported as ErrMessageNotFound.
func (s *Store) MarkDelivered(messageID uuid.UUID, t time.Time) error {
	return s.markStatus("delivered_time", messageID, t)
}

// MarkRead records the read acknowledgement with the same monotone,
// idempotent semantics as MarkDelivered.
func (s *Store) MarkRead(messageID uuid.UUID, t time.Time) error {
	return s.markStatus("read_time", messageID, t)
}

func (s *Store) markStatus(column string, messageID uuid.UUID, t time.Time) error {
	res, err := s.db.Exec(
		`UPDATE "`+s.table+`" SET `+column+` = COALESCE(`+column+`, ?) WHERE message_id = ?`,
		t.UnixMilli(), messageID.String())
	if err != nil {
		return fmt.Errorf("mark %s on %s: %w", column, messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark %s on %s: %w", column, messageID, err)
	}
	if n == 0 {
		return fmt.Errorf("mark %s on %s: %w", column, messageID, ErrMessageNotFound)
	}
	s.markDirty()
	return nil
}

// Count returns the number of messages in the chat.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM "` + s.table + `"`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// UnreadCount returns the number of messages from peers that have not been
// marked read.
func (s *Store) UnreadCount() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM "`+s.table+`" WHERE read_time IS NULL AND author_id != ?`,
		s.ownerID.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread messages: %w", err)
	}
	return n, nil
}

// Clear empties the log, keeping the table.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM "` + s.table + `"`); err != nil {
		return fmt.Errorf("clear chat %s: %w", s.chatID, err)
	}
	s.markDirty()
	return nil
}

// Wipe drops the log and its table. The store must not be used afterwards;
// re-accessing the chat creates a fresh table.
func (s *Store) Wipe() error {
	if _, err := s.db.Exec(`DROP TABLE IF EXISTS "` + s.table + `"`); err != nil {
		return fmt.Errorf("wipe chat %s: %w", s.chatID, err)
	}
	s.page = page{}
	return nil
}

func (s *Store) deleteMessage(messageID uuid.UUID) error {
	if _, err := s.db.Exec(
		`DELETE FROM "`+s.table+`" WHERE message_id = ?`, messageID.String()); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	s.markDirty()
	return nil
}

func (s *Store) saveContent(messageID uuid.UUID, items content.Content, t time.Time) error {
	data, err := s.ser.Marshal(items)
	if err != nil {
		return fmt.Errorf("serialize content: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE "`+s.table+`" SET content = ?, modification_time = ? WHERE message_id = ?`,
		data, t.UnixMilli(), messageID.String())
	if err != nil {
		return fmt.Errorf("save message %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save message %s: %w", messageID, err)
	}
	if n == 0 {
		return fmt.Errorf("save message %s: %w", messageID, ErrMessageNotFound)
	}
	s.markDirty()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var idText, authorText string
	var creation, modification int64
	var delivered, read sql.NullInt64
	var data []byte
	if err := row.Scan(&idText, &authorText, &creation, &modification, &delivered, &read, &data); err != nil {
		return nil, err
	}

	var err error
	if msg.ID, err = uuid.Parse(idText); err != nil {
		return nil, fmt.Errorf("parse message id %q: %w", idText, err)
	}
	if msg.AuthorID, err = uuid.Parse(authorText); err != nil {
		return nil, fmt.Errorf("parse author id %q: %w", authorText, err)
	}
	msg.CreationTime = time.UnixMilli(creation)
	msg.ModificationTime = time.UnixMilli(modification)
	if delivered.Valid {
		msg.DeliveredTime = time.UnixMilli(delivered.Int64)
	}
	if read.Valid {
		msg.ReadTime = time.UnixMilli(read.Int64)
	}
	if msg.Content, err = s.ser.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("decode content of %s: %w", idText, err)
	}
	return &msg, nil
}
