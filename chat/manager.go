package chat

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/content"
	"github.com/opd-ai/chatcore/file"
	"github.com/opd-ai/chatcore/storage"
)

// Manager opens and caches the per-chat stores sharing one database
// handle. Chats are created on first access and never deleted implicitly.
type Manager struct {
	db      *storage.DB
	cfg     storage.Config
	ownerID uuid.UUID
	ser     content.Serializer
	files   *file.Cache

	stores map[uuid.UUID]*Store
}

// NewManager builds a chat manager. ownerID is the local self contact id,
// recorded as the author of every composed message.
func NewManager(db *storage.DB, cfg storage.Config, ownerID uuid.UUID, ser content.Serializer, files *file.Cache) (*Manager, error) {
	if db.Broken() {
		return nil, fmt.Errorf("chat manager: storage handle is broken")
	}
	if ser == nil {
		ser = content.Binary{}
	}
	return &Manager{
		db:      db,
		cfg:     cfg,
		ownerID: ownerID,
		ser:     ser,
		files:   files,
		stores:  make(map[uuid.UUID]*Store),
	}, nil
}

// Chat returns the store for the chat addressed by the given contact id,
// opening (and creating) it on first access.
func (m *Manager) Chat(chatID uuid.UUID) (*Store, error) {
	if s, ok := m.stores[chatID]; ok {
		return s, nil
	}
	s, err := NewStore(m.db, m.cfg, chatID, m.ownerID, m.ser, m.files)
	if err != nil {
		return nil, err
	}
	m.stores[chatID] = s
	return s, nil
}

// Wipe drops one chat's log and storage and forgets its store.
func (m *Manager) Wipe(chatID uuid.UUID) error {
	s, err := m.Chat(chatID)
	if err != nil {
		return err
	}
	if err := s.Wipe(); err != nil {
		return err
	}
	delete(m.stores, chatID)
	return nil
}

// WipeAll drops every chat table discovered by the configured prefix and
// forgets all open stores.
func (m *Manager) WipeAll() error {
	if err := m.db.DropChatTables(m.cfg.ChatTablePrefix); err != nil {
		return err
	}
	m.stores = make(map[uuid.UUID]*Store)

	logrus.WithFields(logrus.Fields{
		"function": "WipeAll",
	}).Info("All chat tables dropped")
	return nil
}
