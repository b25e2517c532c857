package chatcore

import "github.com/google/uuid"

// DispatchDataFunc sends one encoded packet to one contact. Retry and
// acknowledgement are the transport's responsibility; the engine never
// buffers undelivered packets. The hook runs with the engine's lock held,
// so it must hand the packet off (queue it, write it to a socket) rather
// than call back into the Messenger synchronously.
type DispatchDataFunc func(addressee uuid.UUID, data []byte) error

// DispatchFileFunc serves a locally cached file to a requesting contact.
type DispatchFileFunc func(addressee, fileID uuid.UUID, path string) error

// MessageEventFunc observes a message lifecycle event in one chat.
type MessageEventFunc func(chatID, messageID uuid.UUID)

// ContactEventFunc observes a contact mutation.
type ContactEventFunc func(contactID uuid.UUID)

// GroupMembersUpdatedFunc observes a membership reconciliation with the
// concrete added and removed sets actually applied.
type GroupMembersUpdatedFunc func(groupID uuid.UUID, added, removed []uuid.UUID)

// FileErrorFunc observes a peer reporting a requested file as unavailable.
type FileErrorFunc func(sender, fileID uuid.UUID)

// callbacks holds the host's hooks. Every hook has a no-op default, so a
// host wires only what it needs.
type callbacks struct {
	dispatchData DispatchDataFunc
	dispatchFile DispatchFileFunc

	messageReceived  MessageEventFunc
	messageDelivered MessageEventFunc
	messageRead      MessageEventFunc

	contactAdded   ContactEventFunc
	contactUpdated ContactEventFunc
	contactRemoved ContactEventFunc

	groupMembersUpdated GroupMembersUpdatedFunc
	fileError           FileErrorFunc
}

func defaultCallbacks() callbacks {
	return callbacks{
		dispatchData:        func(uuid.UUID, []byte) error { return nil },
		dispatchFile:        func(uuid.UUID, uuid.UUID, string) error { return nil },
		messageReceived:     func(uuid.UUID, uuid.UUID) {},
		messageDelivered:    func(uuid.UUID, uuid.UUID) {},
		messageRead:         func(uuid.UUID, uuid.UUID) {},
		contactAdded:        func(uuid.UUID) {},
		contactUpdated:      func(uuid.UUID) {},
		contactRemoved:      func(uuid.UUID) {},
		groupMembersUpdated: func(uuid.UUID, []uuid.UUID, []uuid.UUID) {},
		fileError:           func(uuid.UUID, uuid.UUID) {},
	}
}

// OnDispatchData sets the transport hook carrying encoded packets to a
// single addressee. Group traffic fans out as one call per member.
func (m *Messenger) OnDispatchData(fn DispatchDataFunc) {
	if fn != nil {
		m.cb.dispatchData = fn
	}
}

// OnDispatchFile sets the hook serving a requested file's bytes.
func (m *Messenger) OnDispatchFile(fn DispatchFileFunc) {
	if fn != nil {
		m.cb.dispatchFile = fn
	}
}

// OnMessageReceived sets the hook fired when a peer message lands.
func (m *Messenger) OnMessageReceived(fn MessageEventFunc) {
	if fn != nil {
		m.cb.messageReceived = fn
	}
}

// OnMessageDelivered sets the hook fired when a dispatched message is
// acknowledged as delivered.
func (m *Messenger) OnMessageDelivered(fn MessageEventFunc) {
	if fn != nil {
		m.cb.messageDelivered = fn
	}
}

// OnMessageRead sets the hook fired when a dispatched message is
// acknowledged as read.
func (m *Messenger) OnMessageRead(fn MessageEventFunc) {
	if fn != nil {
		m.cb.messageRead = fn
	}
}

// OnContactAdded sets the hook fired after a contact is inserted.
func (m *Messenger) OnContactAdded(fn ContactEventFunc) {
	if fn != nil {
		m.cb.contactAdded = fn
	}
}

// OnContactUpdated sets the hook fired after a contact mutation.
func (m *Messenger) OnContactUpdated(fn ContactEventFunc) {
	if fn != nil {
		m.cb.contactUpdated = fn
	}
}

// OnContactRemoved sets the hook fired after a contact is removed.
func (m *Messenger) OnContactRemoved(fn ContactEventFunc) {
	if fn != nil {
		m.cb.contactRemoved = fn
	}
}

// OnGroupMembersUpdated sets the hook fired after membership changes, with
// the concrete applied diff.
func (m *Messenger) OnGroupMembersUpdated(fn GroupMembersUpdatedFunc) {
	if fn != nil {
		m.cb.groupMembersUpdated = fn
	}
}

// OnFileError sets the hook fired when a peer reports a requested file as
// unavailable.
func (m *Messenger) OnFileError(fn FileErrorFunc) {
	if fn != nil {
		m.cb.fileError = fn
	}
}
