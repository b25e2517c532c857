package chatcore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatcore/chat"
	"github.com/opd-ai/chatcore/contact"
	"github.com/opd-ai/chatcore/wire"
)

// testNet queues packets between in-process engines and delivers them when
// pumped, the way an asynchronous transport would.
type testNet struct {
	t       *testing.T
	engines map[uuid.UUID]*Messenger
	queue   []queuedPacket
	sent    int
}

type queuedPacket struct {
	from, to uuid.UUID
	data     []byte
}

func newTestNet(t *testing.T) *testNet {
	return &testNet{t: t, engines: make(map[uuid.UUID]*Messenger)}
}

func (n *testNet) attach(m *Messenger) {
	self := m.Self().ID
	n.engines[self] = m
	m.OnDispatchData(func(addressee uuid.UUID, data []byte) error {
		n.sent++
		n.queue = append(n.queue, queuedPacket{from: self, to: addressee, data: data})
		return nil
	})
}

// pump delivers queued packets, including any sent in response, until the
// network is quiet.
func (n *testNet) pump() {
	n.t.Helper()
	for len(n.queue) > 0 {
		pkt := n.queue[0]
		n.queue = n.queue[1:]
		target, ok := n.engines[pkt.to]
		if !ok {
			continue
		}
		if err := target.ProcessIncomingData(pkt.from, pkt.data); err != nil {
			n.t.Fatalf("deliver packet %s -> %s: %v", pkt.from, pkt.to, err)
		}
	}
}

func newTestMessenger(t *testing.T, alias string) *Messenger {
	t.Helper()
	opts := NewOptions()
	opts.DatabasePath = ":memory:"
	opts.SelfAlias = alias
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// introduce makes two engines know each other as person contacts.
func introduce(t *testing.T, a, b *Messenger) {
	t.Helper()
	selfA, selfB := a.Self(), b.Self()
	require.NoError(t, a.AddContact(&contact.Contact{ID: selfB.ID, Alias: selfB.Alias, Kind: contact.KindPerson}))
	require.NoError(t, b.AddContact(&contact.Contact{ID: selfA.ID, Alias: selfA.Alias, Kind: contact.KindPerson}))
}

func TestNewPersistsSelf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")

	opts := NewOptions()
	opts.DatabasePath = path
	opts.SelfAlias = "alice"
	m, err := New(opts)
	require.NoError(t, err)
	firstID := m.Self().ID
	assert.Equal(t, "alice", m.Self().Alias)
	assert.NotEqual(t, uuid.UUID{}, firstID)
	require.NoError(t, m.Close())

	m, err = New(opts)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()
	assert.Equal(t, firstID, m.Self().ID, "self id must survive reopen")
}

func TestPersonalMessageRoundTrip(t *testing.T) {
	net := newTestNet(t)
	alice := newTestMessenger(t, "alice")
	bob := newTestMessenger(t, "bob")
	net.attach(alice)
	net.attach(bob)
	introduce(t, alice, bob)

	var received []uuid.UUID
	bob.OnMessageReceived(func(chatID, messageID uuid.UUID) {
		received = append(received, messageID)
	})
	var delivered []uuid.UUID
	alice.OnMessageDelivered(func(chatID, messageID uuid.UUID) {
		delivered = append(delivered, messageID)
	})

	chatWithBob, err := alice.Chat(bob.Self().ID)
	require.NoError(t, err)
	ed, err := chatWithBob.Create()
	require.NoError(t, err)
	ed.AddText("hello bob")
	require.NoError(t, ed.Save())

	sentBefore := net.sent
	require.NoError(t, alice.DispatchMessage(bob.Self().ID, ed.ID()))
	assert.Equal(t, sentBefore+1, net.sent, "personal dispatch must send exactly one packet")
	net.pump()

	require.Len(t, received, 1)
	assert.Equal(t, ed.ID(), received[0])

	// Bob stored the message in his chat with alice, marked delivered.
	chatWithAlice, err := bob.Chat(alice.Self().ID)
	require.NoError(t, err)
	msg, err := chatWithAlice.Message(ed.ID())
	require.NoError(t, err)
	assert.Equal(t, alice.Self().ID, msg.AuthorID)
	assert.Equal(t, "hello bob", string(msg.Content[0].Payload))
	assert.False(t, msg.DeliveredTime.IsZero())

	unread, err := chatWithAlice.UnreadCount()
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	// The delivery acknowledgement reached alice's copy.
	require.Len(t, delivered, 1)
	msg, err = chatWithBob.Message(ed.ID())
	require.NoError(t, err)
	assert.Equal(t, chat.StatusAwaitingRead, msg.Status())
}

func TestReadNotificationRoundTrip(t *testing.T) {
	net := newTestNet(t)
	alice := newTestMessenger(t, "alice")
	bob := newTestMessenger(t, "bob")
	net.attach(alice)
	net.attach(bob)
	introduce(t, alice, bob)

	chatWithBob, err := alice.Chat(bob.Self().ID)
	require.NoError(t, err)
	ed, err := chatWithBob.Create()
	require.NoError(t, err)
	ed.AddText("read me")
	require.NoError(t, ed.Save())
	require.NoError(t, alice.DispatchMessage(bob.Self().ID, ed.ID()))
	net.pump()

	var readEvents int
	alice.OnMessageRead(func(chatID, messageID uuid.UUID) { readEvents++ })

	require.NoError(t, bob.MarkMessageRead(alice.Self().ID, ed.ID()))
	net.pump()

	assert.Equal(t, 1, readEvents)
	msg, err := chatWithBob.Message(ed.ID())
	require.NoError(t, err)
	assert.Equal(t, chat.StatusRead, msg.Status())

	chatWithAlice, err := bob.Chat(alice.Self().ID)
	require.NoError(t, err)
	unread, err := chatWithAlice.UnreadCount()
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestMessageEditResend(t *testing.T) {
	net := newTestNet(t)
	alice := newTestMessenger(t, "alice")
	bob := newTestMessenger(t, "bob")
	net.attach(alice)
	net.attach(bob)
	introduce(t, alice, bob)

	chatWithBob, err := alice.Chat(bob.Self().ID)
	require.NoError(t, err)
	ed, err := chatWithBob.Create()
	require.NoError(t, err)
	ed.AddText("first version")
	require.NoError(t, ed.Save())
	require.NoError(t, alice.DispatchMessage(bob.Self().ID, ed.ID()))
	net.pump()

	ed, err = chatWithBob.Open(ed.ID())
	require.NoError(t, err)
	ed.Clear()
	ed.AddText("second version")
	require.NoError(t, ed.Save())
	require.NoError(t, alice.DispatchMessage(bob.Self().ID, ed.ID()))
	net.pump()

	chatWithAlice, err := bob.Chat(alice.Self().ID)
	require.NoError(t, err)
	msg, err := chatWithAlice.Message(ed.ID())
	require.NoError(t, err)
	assert.Equal(t, "second version", string(msg.Content[0].Payload))
	n, err := chatWithAlice.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "edit resend must not duplicate the message")
}

func TestDispatchRejections(t *testing.T) {
	alice := newTestMessenger(t, "alice")

	t.Run("unknown chat", func(t *testing.T) {
		err := alice.DispatchMessage(uuid.New(), uuid.New())
		assert.ErrorIs(t, err, ErrChatNotFound)
	})

	t.Run("channel conversation", func(t *testing.T) {
		ch := &contact.Contact{ID: uuid.New(), Alias: "news", Kind: contact.KindChannel}
		require.NoError(t, alice.AddContact(ch))
		store, err := alice.Chat(ch.ID)
		require.NoError(t, err)
		ed, err := store.Create()
		require.NoError(t, err)
		ed.AddText("x")
		require.NoError(t, ed.Save())

		err = alice.DispatchMessage(ch.ID, ed.ID())
		assert.ErrorIs(t, err, ErrBadConversationType)
	})

	t.Run("unknown message", func(t *testing.T) {
		p := &contact.Contact{ID: uuid.New(), Kind: contact.KindPerson}
		require.NoError(t, alice.AddContact(p))
		err := alice.DispatchMessage(p.ID, uuid.New())
		assert.ErrorIs(t, err, chat.ErrMessageNotFound)
	})
}

func TestAdvertiseSelf(t *testing.T) {
	net := newTestNet(t)
	alice := newTestMessenger(t, "alice")
	bob := newTestMessenger(t, "bob")
	net.attach(alice)
	net.attach(bob)

	// Bob does not know alice yet.
	var added []uuid.UUID
	bob.OnContactAdded(func(id uuid.UUID) { added = append(added, id) })

	require.NoError(t, alice.AdvertiseSelf(bob.Self().ID))
	net.pump()

	require.Len(t, added, 1)
	c, err := bob.Contact(alice.Self().ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Alias)
	assert.Equal(t, contact.KindPerson, c.Kind)

	// Advertising again after a rename updates in place.
	var updated int
	bob.OnContactUpdated(func(id uuid.UUID) { updated++ })
	require.NoError(t, alice.UpdateSelf("alice v2", "", "", nil))
	require.NoError(t, alice.AdvertiseSelf(bob.Self().ID))
	net.pump()

	assert.Equal(t, 1, updated)
	c, err = bob.Contact(alice.Self().ID)
	require.NoError(t, err)
	assert.Equal(t, "alice v2", c.Alias)
}

func TestGroupLifecycle(t *testing.T) {
	net := newTestNet(t)
	alice := newTestMessenger(t, "alice")
	bob := newTestMessenger(t, "bob")
	carol := newTestMessenger(t, "carol")
	net.attach(alice)
	net.attach(bob)
	net.attach(carol)
	introduce(t, alice, bob)
	introduce(t, alice, carol)
	introduce(t, bob, carol)

	group, err := alice.NewGroup("the gang")
	require.NoError(t, err)

	require.NoError(t, alice.AddGroupMember(group.ID, bob.Self().ID))
	require.NoError(t, alice.AddGroupMember(group.ID, carol.Self().ID))
	net.pump()

	// Both members learned the group and its full membership.
	for _, m := range []*Messenger{bob, carol} {
		c, err := m.Contact(group.ID)
		require.NoError(t, err)
		assert.Equal(t, "the gang", c.Alias)
		assert.Equal(t, contact.KindGroup, c.Kind)

		g, err := m.Group(group.ID)
		require.NoError(t, err)
		n, err := g.MemberCount()
		require.NoError(t, err)
		assert.Equal(t, 3, n, "alias %s", m.Self().Alias)
	}

	t.Run("group message fans out", func(t *testing.T) {
		var bobGot, carolGot int
		bob.OnMessageReceived(func(chatID, messageID uuid.UUID) {
			assert.Equal(t, group.ID, chatID)
			bobGot++
		})
		carol.OnMessageReceived(func(chatID, messageID uuid.UUID) { carolGot++ })

		store, err := alice.Chat(group.ID)
		require.NoError(t, err)
		ed, err := store.Create()
		require.NoError(t, err)
		ed.AddText("hi all")
		require.NoError(t, ed.Save())

		sentBefore := net.sent
		require.NoError(t, alice.DispatchMessage(group.ID, ed.ID()))
		assert.Equal(t, sentBefore+2, net.sent, "one packet per member except self")
		net.pump()

		assert.Equal(t, 1, bobGot)
		assert.Equal(t, 1, carolGot)
	})

	t.Run("member removal propagates", func(t *testing.T) {
		var removedAtCarol bool
		carol.OnContactRemoved(func(id uuid.UUID) {
			if id == group.ID {
				removedAtCarol = true
			}
		})

		require.NoError(t, alice.RemoveGroupMember(group.ID, carol.Self().ID))
		net.pump()

		// Carol got the empty snapshot and dropped the group.
		assert.True(t, removedAtCarol)
		_, err := carol.Contact(group.ID)
		assert.ErrorIs(t, err, contact.ErrNotFound)

		// Bob's view shrank to two members.
		g, err := bob.Group(group.ID)
		require.NoError(t, err)
		n, err := g.MemberCount()
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("group removal propagates", func(t *testing.T) {
		require.NoError(t, alice.RemoveGroup(group.ID))
		net.pump()

		_, err := bob.Contact(group.ID)
		assert.ErrorIs(t, err, contact.ErrNotFound)
		_, err = alice.Contact(group.ID)
		assert.ErrorIs(t, err, contact.ErrNotFound)
	})
}

func TestAttachmentTransfer(t *testing.T) {
	net := newTestNet(t)
	alice := newTestMessenger(t, "alice")
	bob := newTestMessenger(t, "bob")
	net.attach(alice)
	net.attach(bob)
	introduce(t, alice, bob)

	payload := []byte("file payload bytes")
	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	// Alice serves file bytes by "transferring" them to a path bob picks.
	downloads := t.TempDir()
	var servedTo uuid.UUID
	alice.OnDispatchFile(func(addressee, fileID uuid.UUID, abspath string) error {
		servedTo = addressee
		data, err := os.ReadFile(abspath)
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(downloads, "report.pdf"), data, 0o600)
	})

	chatWithBob, err := alice.Chat(bob.Self().ID)
	require.NoError(t, err)
	ed, err := chatWithBob.Create()
	require.NoError(t, err)
	ed.AddText("here you go")
	require.NoError(t, ed.Attach(path))
	require.NoError(t, ed.Save())
	require.NoError(t, alice.DispatchMessage(bob.Self().ID, ed.ID()))
	net.pump()

	// Bob's side holds a reserved incoming record carrying the metadata.
	chatWithAlice, err := bob.Chat(alice.Self().ID)
	require.NoError(t, err)
	msg, err := chatWithAlice.Message(ed.ID())
	require.NoError(t, err)
	attachments := msg.Content.Attachments()
	require.Len(t, attachments, 1)
	fileID := msg.Content[attachments[0]].FileID

	reserved, err := bob.Files().IncomingFile(fileID)
	require.NoError(t, err)
	assert.False(t, reserved.Committed)
	assert.Equal(t, "report.pdf", reserved.Name)
	assert.Equal(t, uint64(len(payload)), reserved.Size)
	assert.Equal(t, alice.Self().ID, reserved.AuthorID)

	// Bob requests the bytes; alice serves them through her file hook.
	require.NoError(t, bob.RequestFile(fileID))
	net.pump()
	assert.Equal(t, bob.Self().ID, servedTo)

	committed, err := bob.Files().CommitIncoming(fileID, filepath.Join(downloads, "report.pdf"))
	require.NoError(t, err)
	assert.True(t, committed.Committed)
	assert.Equal(t, uint64(len(payload)), committed.Size)
}

func TestFileRequestUnavailable(t *testing.T) {
	net := newTestNet(t)
	alice := newTestMessenger(t, "alice")
	bob := newTestMessenger(t, "bob")
	net.attach(alice)
	net.attach(bob)
	introduce(t, alice, bob)

	var failed []uuid.UUID
	bob.OnFileError(func(sender, fileID uuid.UUID) { failed = append(failed, fileID) })

	// Alice never cached this file, so her engine answers the request
	// with a file error packet.
	unknown := uuid.New()
	request, err := wire.Encode(&wire.FileRequest{FileID: unknown})
	require.NoError(t, err)
	require.NoError(t, alice.ProcessIncomingData(bob.Self().ID, request))
	net.pump()

	require.Len(t, failed, 1)
	assert.Equal(t, unknown, failed[0])
}

func TestIncomingMessageFromUnknownContact(t *testing.T) {
	net := newTestNet(t)
	alice := newTestMessenger(t, "alice")
	bob := newTestMessenger(t, "bob")
	net.attach(alice)

	// Only alice knows bob; bob's engine has never heard of alice.
	require.NoError(t, alice.AddContact(&contact.Contact{ID: bob.Self().ID, Kind: contact.KindPerson}))

	store, err := alice.Chat(bob.Self().ID)
	require.NoError(t, err)
	ed, err := store.Create()
	require.NoError(t, err)
	ed.AddText("who dis")
	require.NoError(t, ed.Save())
	require.NoError(t, alice.DispatchMessage(bob.Self().ID, ed.ID()))

	pkt := net.queue[0]
	err = bob.ProcessIncomingData(pkt.from, pkt.data)
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestProcessIncomingRejectsGarbage(t *testing.T) {
	alice := newTestMessenger(t, "alice")

	assert.Error(t, alice.ProcessIncomingData(uuid.New(), nil))
	assert.Error(t, alice.ProcessIncomingData(uuid.New(), []byte{0xEE, 0x01}))
}

func TestWipeChat(t *testing.T) {
	alice := newTestMessenger(t, "alice")
	peer := &contact.Contact{ID: uuid.New(), Kind: contact.KindPerson}
	require.NoError(t, alice.AddContact(peer))

	store, err := alice.Chat(peer.ID)
	require.NoError(t, err)
	ed, err := store.Create()
	require.NoError(t, err)
	ed.AddText("x")
	require.NoError(t, ed.Save())

	require.NoError(t, alice.WipeChat(peer.ID))

	store, err = alice.Chat(peer.ID)
	require.NoError(t, err)
	n, err := store.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatcore.toml")
	body := `
database_path = "custom.db"
self_alias = "carol"
message_window_size = 32
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, "custom.db", opts.DatabasePath)
	assert.Equal(t, "carol", opts.SelfAlias)
	assert.Equal(t, 32, opts.Storage.MessageWindowSize)
	// Untouched fields keep their defaults.
	assert.Equal(t, "chat_", opts.Storage.ChatTablePrefix)
	assert.NotNil(t, opts.Serializer)

	_, err = LoadOptions(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
