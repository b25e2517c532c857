package chatcore

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/chat"
	"github.com/opd-ai/chatcore/contact"
	"github.com/opd-ai/chatcore/wire"
)

// ProcessIncomingData decodes one packet received from the given sender
// and applies it. The host calls this for every datagram its transport
// delivers; malformed or unexpected packets are rejected with an error
// and leave the stores untouched.
func (m *Messenger) ProcessIncomingData(sender uuid.UUID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload, err := wire.Decode(data)
	if err != nil {
		return fmt.Errorf("packet from %s: %w", sender, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ProcessIncomingData",
		"sender":   sender.String(),
		"type":     int(payload.Type()),
	}).Debug("Handling incoming packet")

	switch p := payload.(type) {
	case *wire.ContactCredentials:
		return m.handleContactCredentials(sender, p)
	case *wire.GroupMembers:
		return m.handleGroupMembers(sender, p)
	case *wire.RegularMessage:
		return m.handleRegularMessage(sender, p)
	case *wire.DeliveryNotification:
		return m.handleDeliveryNotification(sender, p)
	case *wire.ReadNotification:
		return m.handleReadNotification(sender, p)
	case *wire.FileRequest:
		return m.handleFileRequest(sender, p)
	case *wire.FileError:
		m.cb.fileError(sender, p.FileID)
		return nil
	default:
		return fmt.Errorf("packet from %s: %w", sender, wire.ErrBadPacketType)
	}
}

// handleContactCredentials upserts the advertised contact.
func (m *Messenger) handleContactCredentials(sender uuid.UUID, p *wire.ContactCredentials) error {
	kind := contact.Kind(p.Kind)
	if !kind.Valid() {
		return fmt.Errorf("credentials from %s: kind %d: %w", sender, p.Kind, contact.ErrUnsuitableMember)
	}

	c := &contact.Contact{
		ID:          p.ID,
		CreatorID:   p.CreatorID,
		Alias:       p.Alias,
		Avatar:      p.Avatar,
		Description: p.Description,
		Extra:       p.Extra,
		Kind:        kind,
	}

	err := m.contacts.Add(c)
	switch {
	case err == nil:
		m.cb.contactAdded(c.ID)
		return nil
	case errors.Is(err, contact.ErrDuplicateID):
		if err := m.contacts.Update(c); err != nil {
			return err
		}
		m.cb.contactUpdated(c.ID)
		return nil
	default:
		return err
	}
}

// handleGroupMembers reconciles a group's membership against a snapshot
// from its owner. An empty snapshot removes the group locally.
func (m *Messenger) handleGroupMembers(sender uuid.UUID, p *wire.GroupMembers) error {
	if len(p.Members) == 0 {
		err := m.contacts.Remove(p.GroupID)
		if errors.Is(err, contact.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		m.cb.contactRemoved(p.GroupID)
		return nil
	}

	group, err := m.contacts.Group(p.GroupID)
	if err != nil {
		return fmt.Errorf("group snapshot from %s: %w", sender, err)
	}
	diff, err := group.Update(p.Members)
	if err != nil {
		return err
	}
	if !diff.Empty() {
		m.cb.groupMembersUpdated(p.GroupID, diff.Added, diff.Removed)
	}
	return nil
}

// handleRegularMessage stores a peer message, marks it delivered locally,
// and acknowledges delivery to the author. Attachment items are reserved
// in the incoming file cache so the host can request their bytes later.
func (m *Messenger) handleRegularMessage(sender uuid.UUID, p *wire.RegularMessage) error {
	// A personal message arrives addressed with the author's own id,
	// which on this side names the conversation with that contact. Group
	// ids pass through unchanged.
	chatID := p.ChatID
	if chatID == p.AuthorID {
		chatID = sender
	}

	if _, err := m.contacts.Get(chatID); err != nil {
		if errors.Is(err, contact.ErrNotFound) {
			return fmt.Errorf("message %s into chat %s: %w", p.MessageID, chatID, ErrChatNotFound)
		}
		return err
	}

	items, err := m.ser.Unmarshal(p.Content)
	if err != nil {
		return fmt.Errorf("message %s from %s: %w", p.MessageID, sender, err)
	}

	store, err := m.chats.Chat(chatID)
	if err != nil {
		return err
	}

	for _, idx := range items.Attachments() {
		item := items[idx]
		mimeType := mime.TypeByExtension(filepath.Ext(item.Name))
		if err := m.files.ReserveIncoming(item.FileID, p.AuthorID, chatID, p.MessageID, idx, item.Name, item.Size, mimeType); err != nil {
			return err
		}
	}

	modTime := time.UnixMilli(p.ModificationTime)
	if err := store.SaveIncoming(p.MessageID, p.AuthorID, modTime, items); err != nil {
		return err
	}

	now := time.Now()
	if err := store.MarkDelivered(p.MessageID, now); err != nil {
		return err
	}

	ack, err := wire.Encode(&wire.DeliveryNotification{
		MessageID: p.MessageID,
		ChatID:    m.notificationChatID(chatID),
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := m.cb.dispatchData(p.AuthorID, ack); err != nil {
		return fmt.Errorf("acknowledge message %s to %s: %w", p.MessageID, p.AuthorID, err)
	}

	m.cb.messageReceived(chatID, p.MessageID)
	return nil
}

// handleDeliveryNotification records a peer's delivery acknowledgement of
// a message this side authored.
func (m *Messenger) handleDeliveryNotification(sender uuid.UUID, p *wire.DeliveryNotification) error {
	store, err := m.resolveNotificationChat(sender, p.ChatID)
	if err != nil {
		return err
	}
	if err := store.MarkDelivered(p.MessageID, time.UnixMilli(p.Timestamp)); err != nil {
		return err
	}
	m.cb.messageDelivered(store.ChatID(), p.MessageID)
	return nil
}

// handleReadNotification records a peer's read acknowledgement.
func (m *Messenger) handleReadNotification(sender uuid.UUID, p *wire.ReadNotification) error {
	store, err := m.resolveNotificationChat(sender, p.ChatID)
	if err != nil {
		return err
	}
	if err := store.MarkRead(p.MessageID, time.UnixMilli(p.Timestamp)); err != nil {
		return err
	}
	m.cb.messageRead(store.ChatID(), p.MessageID)
	return nil
}

// resolveNotificationChat maps a notification's wire chat id back to the
// local conversation. A notification about a personal chat carries the
// peer's own id, which here names the conversation with the sender.
func (m *Messenger) resolveNotificationChat(sender, chatID uuid.UUID) (*chat.Store, error) {
	if chatID == sender || chatID == m.self.ID {
		chatID = sender
	}
	return m.chatLocked(chatID)
}

// handleFileRequest serves a requested outgoing file via the host's file
// dispatch hook, or reports it as unavailable.
func (m *Messenger) handleFileRequest(sender uuid.UUID, p *wire.FileRequest) error {
	creds, err := m.files.OutgoingFile(p.FileID)
	if err != nil || creds.AbsPath == "" {
		return m.replyFileError(sender, p.FileID)
	}
	if err := m.cb.dispatchFile(sender, p.FileID, creds.AbsPath); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFileRequest",
			"file_id":  p.FileID.String(),
			"sender":   sender.String(),
			"error":    err.Error(),
		}).Warn("File dispatch failed")
		return m.replyFileError(sender, p.FileID)
	}
	return nil
}

func (m *Messenger) replyFileError(addressee, fileID uuid.UUID) error {
	data, err := wire.Encode(&wire.FileError{FileID: fileID})
	if err != nil {
		return err
	}
	return m.cb.dispatchData(addressee, data)
}
