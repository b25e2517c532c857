// Package contact implements the durable contact and group-membership model.
//
// Contacts are persons, groups, or channels, identified by client-generated
// ids that are never reused. Group membership is a many-to-many relation
// restricted to person members; a group always enrolls its creator at
// creation time.
//
// Example:
//
//	store, err := contact.NewStore(db, storage.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	alice := &contact.Contact{ID: uuid.New(), Alias: "alice", Kind: contact.KindPerson}
//	if err := store.Add(alice); err != nil {
//	    log.Fatal(err)
//	}
package contact

import (
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound indicates a lookup for a contact id that does not exist.
var ErrNotFound = errors.New("contact not found")

// ErrGroupNotFound indicates a group operation on an id that is missing or
// is not a group.
var ErrGroupNotFound = errors.New("group not found")

// ErrUnsuitableMember indicates an attempt to enroll a non-person contact
// into a group.
var ErrUnsuitableMember = errors.New("contact is not a person and cannot be a group member")

// ErrDuplicateID indicates an insert with an id that already exists.
var ErrDuplicateID = errors.New("contact id already exists")

// Kind classifies a contact.
type Kind uint8

const (
	// KindPerson is an individual peer.
	KindPerson Kind = iota + 1
	// KindGroup is a multi-member conversation owned by its creator.
	KindGroup
	// KindChannel is a one-to-many broadcast conversation.
	KindChannel
)

// Valid reports whether the kind is one of the defined values.
func (k Kind) Valid() bool {
	return k == KindPerson || k == KindGroup || k == KindChannel
}

// String returns the kind's name for logs.
func (k Kind) String() string {
	switch k {
	case KindPerson:
		return "person"
	case KindGroup:
		return "group"
	case KindChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// Contact is one row of the contact table. ID and Kind are immutable after
// creation; the remaining fields are host-editable. For a person CreatorID
// equals ID; for a group it names the member who created it.
type Contact struct {
	ID          uuid.UUID
	CreatorID   uuid.UUID
	Alias       string
	Avatar      []byte
	Description string
	Extra       string
	Kind        Kind
}
