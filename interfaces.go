package chatcore

import (
	"github.com/google/uuid"

	"github.com/opd-ai/chatcore/chat"
	"github.com/opd-ai/chatcore/contact"
	"github.com/opd-ai/chatcore/file"
)

// ContactStore is the contact and group-membership store the Messenger
// orchestrates. The SQLite implementation lives in the contact package;
// another storage engine plugs in by satisfying this interface.
type ContactStore interface {
	Add(c *contact.Contact) error
	Update(c *contact.Contact) error
	Get(id uuid.UUID) (*contact.Contact, error)
	At(offset int) (*contact.Contact, error)
	Remove(id uuid.UUID) error
	ForEach(fn func(c *contact.Contact) error) error
	Count() (int, error)
	Self() (*contact.Contact, error)
	SetSelf(c *contact.Contact) error
	Group(id uuid.UUID) (*contact.Group, error)
}

// ChatStore resolves the per-chat message logs.
type ChatStore interface {
	Chat(chatID uuid.UUID) (*chat.Store, error)
	Wipe(chatID uuid.UUID) error
	WipeAll() error
}

// FileCache is the attachment cache for outgoing and incoming transfers.
type FileCache interface {
	CacheOutgoing(authorID, chatID, messageID uuid.UUID, index int, path string) (*file.Credentials, error)
	CacheOutgoingRemote(authorID, chatID, messageID uuid.UUID, index int, desc file.RemoteDescriptor) (*file.Credentials, error)
	ReserveIncoming(fileID, authorID, chatID, messageID uuid.UUID, index int, name string, size uint64, mimeType string) error
	CommitIncoming(fileID uuid.UUID, abspath string) (*file.Credentials, error)
	OutgoingFile(fileID uuid.UUID) (*file.Credentials, error)
	IncomingFile(fileID uuid.UUID) (*file.Credentials, error)
	OutgoingForChat(chatID uuid.UUID) ([]file.Credentials, error)
	IncomingForChat(chatID uuid.UUID) ([]file.Credentials, error)
	RemoveBroken() (int, error)
	Clear() error
}

var (
	_ ContactStore = (*contact.Store)(nil)
	_ ChatStore    = (*chat.Manager)(nil)
	_ FileCache    = (*file.Cache)(nil)
)
