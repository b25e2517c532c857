package chat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatcore/content"
	"github.com/opd-ai/chatcore/file"
)

func TestEditorAttach(t *testing.T) {
	store, owner := newTestStore(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("attachment body"), 0o600))

	ed, err := store.Create()
	require.NoError(t, err)
	ed.AddText("see attached")
	require.NoError(t, ed.Attach(path))
	require.NoError(t, ed.Save())

	msg, err := store.Message(ed.ID())
	require.NoError(t, err)
	require.Len(t, msg.Content, 2)

	item := msg.Content[1]
	assert.Equal(t, content.KindAttachment, item.Kind)
	assert.Equal(t, "notes.txt", item.Name)
	assert.Equal(t, uint64(len("attachment body")), item.Size)
	assert.NotEqual(t, uuid.UUID{}, item.FileID)

	// The index recorded in the cache must point back at the item.
	creds, err := store.files.OutgoingFile(item.FileID)
	require.NoError(t, err)
	assert.Equal(t, 1, creds.AttachmentIndex)
	assert.Equal(t, owner, creds.AuthorID)
	assert.Equal(t, store.ChatID(), creds.ChatID)
	assert.Equal(t, ed.ID(), creds.MessageID)
}

func TestEditorAttachMissingFile(t *testing.T) {
	store, _ := newTestStore(t)

	ed, err := store.Create()
	require.NoError(t, err)
	err = ed.Attach(filepath.Join(t.TempDir(), "missing.bin"))
	assert.ErrorIs(t, err, file.ErrAttachment)
	assert.Empty(t, ed.Items(), "failed attach must not leave an item behind")
}

func TestEditorAttachRemote(t *testing.T) {
	store, _ := newTestStore(t)

	desc := file.RemoteDescriptor{
		FileID: uuid.New(),
		Name:   "forwarded.pdf",
		Size:   4096,
		Mime:   "application/pdf",
	}

	ed, err := store.Create()
	require.NoError(t, err)
	require.NoError(t, ed.AttachRemote(desc))
	require.NoError(t, ed.Save())

	msg, err := store.Message(ed.ID())
	require.NoError(t, err)
	require.Len(t, msg.Content, 1)
	assert.Equal(t, desc.FileID, msg.Content[0].FileID)
	assert.Equal(t, desc.Name, msg.Content[0].Name)

	creds, err := store.files.OutgoingFile(desc.FileID)
	require.NoError(t, err)
	assert.Empty(t, creds.AbsPath, "remote attachment must carry no local path")
}

func TestManagerChatCaching(t *testing.T) {
	store, _ := newTestStore(t)
	mgr, err := NewManager(store.db, store.cfg, store.ownerID, nil, store.files)
	require.NoError(t, err)

	chatID := uuid.New()
	first, err := mgr.Chat(chatID)
	require.NoError(t, err)
	second, err := mgr.Chat(chatID)
	require.NoError(t, err)
	assert.Same(t, first, second, "repeated access must reuse the store")

	other, err := mgr.Chat(uuid.New())
	require.NoError(t, err)
	assert.NotSame(t, first, other)
}

func TestManagerWipe(t *testing.T) {
	store, _ := newTestStore(t)
	mgr, err := NewManager(store.db, store.cfg, store.ownerID, nil, store.files)
	require.NoError(t, err)

	chatID := uuid.New()
	s, err := mgr.Chat(chatID)
	require.NoError(t, err)
	ed, err := s.Create()
	require.NoError(t, err)
	ed.AddText("doomed")
	require.NoError(t, ed.Save())

	require.NoError(t, mgr.Wipe(chatID))

	// Re-accessing creates a fresh, empty log.
	s, err = mgr.Chat(chatID)
	require.NoError(t, err)
	n, err := s.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManagerWipeAll(t *testing.T) {
	store, _ := newTestStore(t)
	mgr, err := NewManager(store.db, store.cfg, store.ownerID, nil, store.files)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		s, err := mgr.Chat(uuid.New())
		require.NoError(t, err)
		ed, err := s.Create()
		require.NoError(t, err)
		ed.AddText("x")
		require.NoError(t, ed.Save())
	}

	require.NoError(t, mgr.WipeAll())

	names, err := store.db.ListChatTables(store.cfg.ChatTablePrefix)
	require.NoError(t, err)
	assert.Empty(t, names)
}
