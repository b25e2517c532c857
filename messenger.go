// Package chatcore implements an embeddable personal-messaging engine.
//
// The engine maintains a local contact and group graph, one durable message
// log per conversation, a binary wire protocol for exchanging messages
// between peers, and a content-addressed cache for file attachments. It is
// consumed by a host application that supplies the transport moving bytes
// between peers and receives lifecycle callbacks.
//
// Example:
//
//	options := chatcore.NewOptions()
//	options.DatabasePath = "alice.db"
//	options.SelfAlias = "alice"
//
//	messenger, err := chatcore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer messenger.Close()
//
//	messenger.OnDispatchData(func(addressee uuid.UUID, data []byte) error {
//	    return transport.Send(addressee, data)
//	})
//	messenger.OnMessageReceived(func(chatID, messageID uuid.UUID) {
//	    fmt.Printf("message %s in chat %s\n", messageID, chatID)
//	})
//
//	// Hand every packet arriving from the network to the engine.
//	messenger.ProcessIncomingData(sender, packet)
package chatcore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/chat"
	"github.com/opd-ai/chatcore/contact"
	"github.com/opd-ai/chatcore/content"
	"github.com/opd-ai/chatcore/file"
	"github.com/opd-ai/chatcore/storage"
	"github.com/opd-ai/chatcore/wire"
)

// ErrChatNotFound indicates a chat whose owning contact is unknown.
var ErrChatNotFound = errors.New("chat not found")

// ErrBadConversationType indicates a conversation target that cannot carry
// messages, such as a channel contact.
var ErrBadConversationType = errors.New("bad conversation type")

// Messenger orchestrates the contact store, the per-chat message logs, and
// the attachment cache behind one public API. All public methods are
// serialized by an internal lock; the stores themselves stay single-owner.
type Messenger struct {
	opts     *Options
	db       *storage.DB
	contacts ContactStore
	chats    ChatStore
	files    FileCache
	ser      content.Serializer
	self     contact.Contact
	cb       callbacks

	mu sync.Mutex
}

// New creates a Messenger over the configured database, bootstrapping the
// schema and the self contact on first run.
func New(opts *Options) (*Messenger, error) {
	if opts == nil {
		opts = NewOptions()
	}
	ser := opts.Serializer
	if ser == nil {
		ser = content.Binary{}
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"database": opts.DatabasePath,
	}).Info("Creating messenger")

	db, err := storage.Open(opts.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := db.Bootstrap(); err != nil {
		_ = db.Close()
		return nil, err
	}

	contacts, err := contact.NewStore(db, opts.Storage)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	self, err := contacts.Self()
	if errors.Is(err, contact.ErrNotFound) {
		self = &contact.Contact{
			ID:    uuid.New(),
			Alias: opts.SelfAlias,
			Kind:  contact.KindPerson,
		}
		self.CreatorID = self.ID
		if err := contacts.SetSelf(self); err != nil {
			_ = db.Close()
			return nil, err
		}
		logrus.WithFields(logrus.Fields{
			"function": "New",
			"self_id":  self.ID.String(),
		}).Info("Self contact initialized")
	} else if err != nil {
		_ = db.Close()
		return nil, err
	}

	files, err := file.NewCache(db, opts.Storage)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	chats, err := chat.NewManager(db, opts.Storage, self.ID, ser, files)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Messenger{
		opts:     opts,
		db:       db,
		contacts: contacts,
		chats:    chats,
		files:    files,
		ser:      ser,
		self:     *self,
		cb:       defaultCallbacks(),
	}, nil
}

// Close releases the underlying storage handle.
func (m *Messenger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Close()
}

// Self returns the distinguished self contact.
func (m *Messenger) Self() contact.Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// UpdateSelf rewrites the self contact's mutable fields.
func (m *Messenger) UpdateSelf(alias, description, extra string, avatar []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.self.Alias = alias
	m.self.Description = description
	m.self.Extra = extra
	m.self.Avatar = avatar
	return m.contacts.SetSelf(&m.self)
}

// AddContact inserts a person, group, or channel contact. Adding a group
// enrolls its creator atomically.
func (m *Messenger) AddContact(c *contact.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.contacts.Add(c); err != nil {
		return err
	}
	m.cb.contactAdded(c.ID)
	return nil
}

// UpdateContact rewrites a contact's mutable fields.
func (m *Messenger) UpdateContact(c *contact.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.contacts.Update(c); err != nil {
		return err
	}
	m.cb.contactUpdated(c.ID)
	return nil
}

// RemoveContact deletes a contact with the cascading membership removal
// the contact store defines. The contact's chat, if any, is untouched;
// chats are never deleted implicitly.
func (m *Messenger) RemoveContact(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.contacts.Remove(id); err != nil {
		return err
	}
	m.cb.contactRemoved(id)
	return nil
}

// Contact returns a stored contact by id.
func (m *Messenger) Contact(id uuid.UUID) (*contact.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contacts.Get(id)
}

// ContactAt returns the contact at the given offset of the id-ordered
// list.
func (m *Messenger) ContactAt(offset int) (*contact.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contacts.At(offset)
}

// ForEachContact iterates all contacts in id order.
func (m *Messenger) ForEachContact(fn func(c *contact.Contact) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contacts.ForEach(fn)
}

// ContactCount returns the number of stored contacts.
func (m *Messenger) ContactCount() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contacts.Count()
}

// NewGroup creates a group owned by self, enrolls self as its creator, and
// returns the group contact.
func (m *Messenger) NewGroup(alias string) (*contact.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := &contact.Contact{
		ID:        uuid.New(),
		CreatorID: m.self.ID,
		Alias:     alias,
		Kind:      contact.KindGroup,
	}
	if err := m.contacts.Add(g); err != nil {
		return nil, err
	}
	m.cb.contactAdded(g.ID)
	return g, nil
}

// Group returns the membership reference object for a group contact.
func (m *Messenger) Group(id uuid.UUID) (*contact.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contacts.Group(id)
}

// AddGroupMember enrolls a person into a group and pushes the updated
// snapshot to every member.
func (m *Messenger) AddGroupMember(groupID, memberID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, err := m.contacts.Group(groupID)
	if err != nil {
		return err
	}
	added, err := group.AddMember(memberID)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}

	m.cb.groupMembersUpdated(groupID, []uuid.UUID{memberID}, nil)
	return m.syncGroupLocked(groupID)
}

// RemoveGroupMember removes a person from a group and pushes the updated
// snapshot, including to the removed member so it can drop the group.
func (m *Messenger) RemoveGroupMember(groupID, memberID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, err := m.contacts.Group(groupID)
	if err != nil {
		return err
	}
	removed, err := group.RemoveMember(memberID)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}

	m.cb.groupMembersUpdated(groupID, nil, []uuid.UUID{memberID})

	// The removed member still needs to hear about it: an empty snapshot
	// tells it to drop the group locally.
	empty, err := wire.Encode(&wire.GroupMembers{GroupID: groupID})
	if err != nil {
		return err
	}
	if memberID != m.self.ID {
		if err := m.cb.dispatchData(memberID, empty); err != nil {
			return fmt.Errorf("dispatch group removal to %s: %w", memberID, err)
		}
	}
	return m.syncGroupLocked(groupID)
}

// RemoveGroup announces the group's removal to every member, then deletes
// it locally.
func (m *Messenger) RemoveGroup(groupID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, err := m.contacts.Group(groupID)
	if err != nil {
		return err
	}
	members, err := group.MemberIDs()
	if err != nil {
		return err
	}

	data, err := wire.Encode(&wire.GroupMembers{GroupID: groupID})
	if err != nil {
		return err
	}
	for _, member := range members {
		if member == m.self.ID {
			continue
		}
		if err := m.cb.dispatchData(member, data); err != nil {
			return fmt.Errorf("dispatch group removal to %s: %w", member, err)
		}
	}

	if err := m.contacts.Remove(groupID); err != nil {
		return err
	}
	m.cb.contactRemoved(groupID)
	return nil
}

// SyncGroup pushes the group's contact credentials and full membership
// snapshot to every member except self.
func (m *Messenger) SyncGroup(groupID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncGroupLocked(groupID)
}

func (m *Messenger) syncGroupLocked(groupID uuid.UUID) error {
	g, err := m.contacts.Get(groupID)
	if err != nil {
		return err
	}
	group, err := m.contacts.Group(groupID)
	if err != nil {
		return err
	}
	members, err := group.MemberIDs()
	if err != nil {
		return err
	}

	creds, err := wire.Encode(&wire.ContactCredentials{
		ID:          g.ID,
		CreatorID:   g.CreatorID,
		Alias:       g.Alias,
		Avatar:      g.Avatar,
		Description: g.Description,
		Extra:       g.Extra,
		Kind:        uint8(g.Kind),
	})
	if err != nil {
		return err
	}
	snapshot, err := wire.Encode(&wire.GroupMembers{GroupID: groupID, Members: members})
	if err != nil {
		return err
	}

	for _, member := range members {
		if member == m.self.ID {
			continue
		}
		if err := m.cb.dispatchData(member, creds); err != nil {
			return fmt.Errorf("dispatch group credentials to %s: %w", member, err)
		}
		if err := m.cb.dispatchData(member, snapshot); err != nil {
			return fmt.Errorf("dispatch group snapshot to %s: %w", member, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "syncGroupLocked",
		"group_id": groupID.String(),
		"members":  len(members),
	}).Debug("Group snapshot pushed")
	return nil
}

// AdvertiseSelf sends the self contact's credentials to one addressee.
func (m *Messenger) AdvertiseSelf(addressee uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := wire.Encode(&wire.ContactCredentials{
		ID:          m.self.ID,
		CreatorID:   m.self.ID,
		Alias:       m.self.Alias,
		Avatar:      m.self.Avatar,
		Description: m.self.Description,
		Extra:       m.self.Extra,
		Kind:        uint8(contact.KindPerson),
	})
	if err != nil {
		return err
	}
	return m.cb.dispatchData(addressee, data)
}

// Chat returns the message store of the conversation addressed by the
// given contact id, creating it on first access. The owning contact must
// exist.
func (m *Messenger) Chat(contactID uuid.UUID) (*chat.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatLocked(contactID)
}

func (m *Messenger) chatLocked(contactID uuid.UUID) (*chat.Store, error) {
	if _, err := m.contacts.Get(contactID); err != nil {
		if errors.Is(err, contact.ErrNotFound) {
			return nil, fmt.Errorf("chat %s: %w", contactID, ErrChatNotFound)
		}
		return nil, err
	}
	return m.chats.Chat(contactID)
}

// WipeChat drops one conversation's log and storage.
func (m *Messenger) WipeChat(contactID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chats.Wipe(contactID)
}

// WipeAllChats drops every conversation's storage.
func (m *Messenger) WipeAllChats() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chats.WipeAll()
}

// Files exposes the attachment cache for host-driven transfer completion
// and maintenance.
func (m *Messenger) Files() FileCache {
	return m.files
}

// DispatchMessage encodes a message and multicasts it: once to the
// addressee of a person chat, or individually to every current group
// member except self. The chat id carried on the wire follows the
// addressing rule: the sender's own id for a personal conversation, the
// group id unchanged for a group conversation.
func (m *Messenger) DispatchMessage(chatID, messageID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, err := m.contacts.Get(chatID)
	if err != nil {
		if errors.Is(err, contact.ErrNotFound) {
			return fmt.Errorf("dispatch into chat %s: %w", chatID, ErrChatNotFound)
		}
		return err
	}

	store, err := m.chats.Chat(chatID)
	if err != nil {
		return err
	}
	msg, err := store.Message(messageID)
	if err != nil {
		return err
	}
	data, err := m.ser.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("serialize message %s: %w", messageID, err)
	}

	var wireChatID uuid.UUID
	var addressees []uuid.UUID
	switch target.Kind {
	case contact.KindPerson:
		wireChatID = m.self.ID
		addressees = []uuid.UUID{chatID}
	case contact.KindGroup:
		wireChatID = chatID
		group, err := m.contacts.Group(chatID)
		if err != nil {
			return err
		}
		members, err := group.MemberIDs()
		if err != nil {
			return err
		}
		for _, member := range members {
			if member != m.self.ID {
				addressees = append(addressees, member)
			}
		}
	default:
		return fmt.Errorf("dispatch into %s chat %s: %w", target.Kind, chatID, ErrBadConversationType)
	}

	packet, err := wire.Encode(&wire.RegularMessage{
		MessageID:        messageID,
		AuthorID:         m.self.ID,
		ChatID:           wireChatID,
		ModificationTime: msg.ModificationTime.UnixMilli(),
		Content:          data,
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "DispatchMessage",
		"chat_id":    chatID.String(),
		"message_id": messageID.String(),
		"addressees": len(addressees),
	}).Info("Dispatching message")

	for _, addressee := range addressees {
		if err := m.cb.dispatchData(addressee, packet); err != nil {
			return fmt.Errorf("dispatch message %s to %s: %w", messageID, addressee, err)
		}
	}
	return nil
}

// MarkMessageRead records locally that a peer message was read and sends
// the read notification back to its author.
func (m *Messenger) MarkMessageRead(chatID, messageID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	store, err := m.chatLocked(chatID)
	if err != nil {
		return err
	}
	msg, err := store.Message(messageID)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := store.MarkRead(messageID, now); err != nil {
		return err
	}
	if msg.AuthorID == m.self.ID {
		return nil
	}

	data, err := wire.Encode(&wire.ReadNotification{
		MessageID: messageID,
		ChatID:    m.notificationChatID(chatID),
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return err
	}
	return m.cb.dispatchData(msg.AuthorID, data)
}

// RequestFile asks the author of a reserved incoming attachment for its
// bytes. The host completes the transfer by calling
// Files().CommitIncoming once they land.
func (m *Messenger) RequestFile(fileID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	creds, err := m.files.IncomingFile(fileID)
	if err != nil {
		return err
	}

	data, err := wire.Encode(&wire.FileRequest{FileID: fileID})
	if err != nil {
		return err
	}
	return m.cb.dispatchData(creds.AuthorID, data)
}

// notificationChatID applies the addressing rule for outgoing
// notifications: personal conversations carry the sender's own id, group
// conversations carry the group id unchanged.
func (m *Messenger) notificationChatID(chatID uuid.UUID) uuid.UUID {
	target, err := m.contacts.Get(chatID)
	if err == nil && target.Kind != contact.KindPerson {
		return chatID
	}
	return m.self.ID
}
