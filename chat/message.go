// Package chat implements the per-conversation message store.
//
// One chat is one conversation addressed by a contact id (a person or a
// group). Each chat owns a durable append-mostly message table whose
// identity is derived from the chat id, wrapped with a windowed in-process
// read cache. Messages carry an ordered content sequence that is replaced
// as a whole on edit.
package chat

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/chatcore/content"
)

// ErrMessageNotFound indicates a lookup or status update for a message id
// with no row in the chat.
var ErrMessageNotFound = errors.New("message not found")

// ErrAuthorMismatch indicates an incoming message whose stored row was
// written by a different author. Authorship never changes; this is a hard
// consistency error.
var ErrAuthorMismatch = errors.New("message author mismatch")

// Status is the author-side view of a message's lifecycle, derived from the
// delivery timestamps. The engine does not persist a separate state column;
// the timestamps are the source of truth and their ordering is not
// enforced.
type Status uint8

const (
	// StatusPending means no delivery acknowledgement has been observed.
	StatusPending Status = iota
	// StatusAwaitingRead means the message was delivered but not yet read.
	StatusAwaitingRead
	// StatusRead means the read acknowledgement closed the lifecycle.
	StatusRead
)

// Message is one row of a chat's message table. DeliveredTime and ReadTime
// are zero until the corresponding acknowledgement arrives.
type Message struct {
	ID               uuid.UUID
	AuthorID         uuid.UUID
	CreationTime     time.Time
	ModificationTime time.Time
	DeliveredTime    time.Time
	ReadTime         time.Time
	Content          content.Content
}

// Status derives the lifecycle position from the acknowledgement
// timestamps.
func (m *Message) Status() Status {
	switch {
	case !m.ReadTime.IsZero():
		return StatusRead
	case !m.DeliveredTime.IsZero():
		return StatusAwaitingRead
	default:
		return StatusPending
	}
}
