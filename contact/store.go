package contact

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/storage"
)

// Store is the SQLite-backed contact store. It keeps one bounded read
// window over the contact table; the window is replaced by range reads and
// dropped wholesale by any mutation.
//
// A Store is single-owner: it holds plain local cache state and must not be
// shared between goroutines without external serialization.
type Store struct {
	db     *storage.DB
	cfg    storage.Config
	window window
}

// window is the cached contiguous page of decoded contacts, ordered by id.
type window struct {
	offset int
	rows   []Contact
	valid  bool
}

// NewStore builds a contact store over an initialized database handle.
func NewStore(db *storage.DB, cfg storage.Config) (*Store, error) {
	if db.Broken() {
		return nil, fmt.Errorf("contact store: storage handle is broken")
	}
	if cfg.ContactWindowSize <= 0 {
		cfg.ContactWindowSize = storage.DefaultConfig().ContactWindowSize
	}
	return &Store{db: db, cfg: cfg}, nil
}

func (s *Store) invalidate() {
	s.window.valid = false
	s.window.rows = nil
}

// Add inserts a contact. Adding a group atomically enrolls its creator as
// the first member; if either step fails nothing is persisted. Adding a
// person forces CreatorID to equal the contact's own id.
func (s *Store) Add(c *Contact) error {
	if !c.Kind.Valid() {
		return fmt.Errorf("add contact: invalid kind %d", c.Kind)
	}
	if c.Kind != KindGroup {
		c.CreatorID = c.ID
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Add",
		"contact_id": c.ID.String(),
		"kind":       c.Kind.String(),
	}).Debug("Adding contact")

	err := s.db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO contacts (id, creator_id, alias, avatar, description, extra, kind)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID.String(), c.CreatorID.String(), c.Alias, c.Avatar, c.Description, c.Extra, c.Kind)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("add contact %s: %w", c.ID, ErrDuplicateID)
			}
			return fmt.Errorf("insert contact %s: %w", c.ID, err)
		}

		if c.Kind == KindGroup {
			_, err = tx.Exec(
				`INSERT INTO group_members (group_id, member_id) VALUES (?, ?)`,
				c.ID.String(), c.CreatorID.String())
			if err != nil {
				return fmt.Errorf("enroll group creator %s: %w", c.CreatorID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidate()
	return nil
}

// Update rewrites the mutable fields of an existing contact. ID and Kind
// never change.
func (s *Store) Update(c *Contact) error {
	res, err := s.db.Exec(
		`UPDATE contacts SET alias = ?, avatar = ?, description = ?, extra = ? WHERE id = ?`,
		c.Alias, c.Avatar, c.Description, c.Extra, c.ID.String())
	if err != nil {
		return fmt.Errorf("update contact %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update contact %s: %w", c.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update contact %s: %w", c.ID, ErrNotFound)
	}

	s.invalidate()
	return nil
}

// Get returns the contact with the given id. The read window is consulted
// first; a miss falls through to storage without being cached, only range
// reads populate the window.
func (s *Store) Get(id uuid.UUID) (*Contact, error) {
	if s.window.valid {
		for i := range s.window.rows {
			if s.window.rows[i].ID == id {
				c := s.window.rows[i]
				return &c, nil
			}
		}
	}

	row := s.db.QueryRow(
		`SELECT id, creator_id, alias, avatar, description, extra, kind
		 FROM contacts WHERE id = ?`, id.String())
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get contact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %s: %w", id, err)
	}
	return c, nil
}

// At returns the contact at the given offset of the id-ordered contact
// list, refreshing the read window when the offset falls outside it.
func (s *Store) At(offset int) (*Contact, error) {
	if offset < 0 {
		return nil, fmt.Errorf("contact at %d: %w", offset, ErrNotFound)
	}

	if !s.window.valid || offset < s.window.offset || offset >= s.window.offset+len(s.window.rows) {
		if err := s.fetchWindow(offset); err != nil {
			return nil, err
		}
	}

	idx := offset - s.window.offset
	if idx >= len(s.window.rows) {
		return nil, fmt.Errorf("contact at %d: %w", offset, ErrNotFound)
	}
	c := s.window.rows[idx]
	return &c, nil
}

func (s *Store) fetchWindow(offset int) error {
	rows, err := s.db.Query(
		`SELECT id, creator_id, alias, avatar, description, extra, kind
		 FROM contacts ORDER BY id LIMIT ? OFFSET ?`,
		s.cfg.ContactWindowSize, offset)
	if err != nil {
		return fmt.Errorf("fetch contact window at %d: %w", offset, err)
	}
	defer func() { _ = rows.Close() }()

	page := make([]Contact, 0, s.cfg.ContactWindowSize)
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return fmt.Errorf("scan contact window: %w", err)
		}
		page = append(page, *c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("fetch contact window at %d: %w", offset, err)
	}

	s.window = window{offset: offset, rows: page, valid: true}

	logrus.WithFields(logrus.Fields{
		"function": "fetchWindow",
		"offset":   offset,
		"rows":     len(page),
	}).Debug("Contact window refreshed")
	return nil
}

// Remove deletes a contact. Removing a group cascades to its membership
// rows; removing a person makes it leave every group it belongs to.
func (s *Store) Remove(id uuid.UUID) error {
	existing, err := s.Get(id)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Remove",
		"contact_id": id.String(),
		"kind":       existing.Kind.String(),
	}).Debug("Removing contact")

	err = s.db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM contacts WHERE id = ?`, id.String()); err != nil {
			return fmt.Errorf("delete contact %s: %w", id, err)
		}

		var memberColumn string
		if existing.Kind == KindGroup {
			memberColumn = "group_id"
		} else {
			memberColumn = "member_id"
		}
		if _, err := tx.Exec(
			`DELETE FROM group_members WHERE `+memberColumn+` = ?`, id.String()); err != nil {
			return fmt.Errorf("delete memberships of %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidate()
	return nil
}

// ForEach calls fn for every contact in id order. A non-nil error from fn
// stops the iteration and is returned.
func (s *Store) ForEach(fn func(c *Contact) error) error {
	rows, err := s.db.Query(
		`SELECT id, creator_id, alias, avatar, description, extra, kind
		 FROM contacts ORDER BY id`)
	if err != nil {
		return fmt.Errorf("iterate contacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return fmt.Errorf("scan contact: %w", err)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of stored contacts.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM contacts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count contacts: %w", err)
	}
	return n, nil
}

// Self returns the distinguished self contact, or ErrNotFound when it has
// not been initialized yet.
func (s *Store) Self() (*Contact, error) {
	var c Contact
	var idText string
	err := s.db.QueryRow(
		`SELECT id, alias, avatar, description, extra FROM self WHERE slot = 0`).
		Scan(&idText, &c.Alias, &c.Avatar, &c.Description, &c.Extra)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("self contact: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("self contact: %w", err)
	}
	c.ID, err = uuid.Parse(idText)
	if err != nil {
		return nil, fmt.Errorf("self contact id: %w", err)
	}
	c.CreatorID = c.ID
	c.Kind = KindPerson
	return &c, nil
}

// SetSelf stores the self contact. Self is always a person and lives in its
// own single-row table, apart from the regular contact list.
func (s *Store) SetSelf(c *Contact) error {
	_, err := s.db.Exec(
		`INSERT INTO self (slot, id, alias, avatar, description, extra)
		 VALUES (0, ?, ?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET
			id = excluded.id,
			alias = excluded.alias,
			avatar = excluded.avatar,
			description = excluded.description,
			extra = excluded.extra`,
		c.ID.String(), c.Alias, c.Avatar, c.Description, c.Extra)
	if err != nil {
		return fmt.Errorf("store self contact: %w", err)
	}
	return nil
}

// Group returns a reference object for membership operations on the given
// group contact.
func (s *Store) Group(id uuid.UUID) (*Group, error) {
	c, err := s.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("group %s: %w", id, ErrGroupNotFound)
		}
		return nil, err
	}
	if c.Kind != KindGroup {
		return nil, fmt.Errorf("group %s is a %s: %w", id, c.Kind, ErrGroupNotFound)
	}
	return &Group{store: s, id: id}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*Contact, error) {
	var c Contact
	var idText, creatorText string
	if err := row.Scan(&idText, &creatorText, &c.Alias, &c.Avatar, &c.Description, &c.Extra, &c.Kind); err != nil {
		return nil, err
	}
	var err error
	if c.ID, err = uuid.Parse(idText); err != nil {
		return nil, fmt.Errorf("parse contact id %q: %w", idText, err)
	}
	if c.CreatorID, err = uuid.Parse(creatorText); err != nil {
		return nil, fmt.Errorf("parse creator id %q: %w", creatorText, err)
	}
	return &c, nil
}

// isUniqueViolation sniffs SQLite's unique-constraint failure without
// binding to driver error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
