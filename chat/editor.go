package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/audio"
	"github.com/opd-ai/chatcore/content"
	"github.com/opd-ai/chatcore/file"
)

// waveformBuckets is the resolution of the audio summaries the editor
// produces.
const waveformBuckets = 64

// Editor accumulates the content sequence of one message and writes it
// back in one step. An editor comes from Create (fresh message) or Open
// (existing message); in both cases Save replaces the whole sequence, and
// saving an empty sequence deletes the message.
type Editor struct {
	store    *Store
	id       uuid.UUID
	authorID uuid.UUID
	items    content.Content
}

// ID returns the message id the editor is bound to.
func (e *Editor) ID() uuid.UUID {
	return e.id
}

// Items returns the accumulated sequence.
func (e *Editor) Items() content.Content {
	return e.items
}

// Clear drops the accumulated sequence. Saving afterwards deletes the
// message.
func (e *Editor) Clear() {
	e.items = nil
}

// AddText appends a plain-text item.
func (e *Editor) AddText(s string) {
	e.items = append(e.items, content.Text(s))
}

// AddHTML appends an HTML item.
func (e *Editor) AddHTML(s string) {
	e.items = append(e.items, content.HTML(s))
}

// AddEmoji appends an emoji item.
func (e *Editor) AddEmoji(s string) {
	e.items = append(e.items, content.Emoji(s))
}

// AddAudio decodes the given Opus frames and appends a compact waveform
// summary item. The raw audio itself travels as an attachment; the summary
// is what peers render before downloading.
func (e *Editor) AddAudio(frames [][]byte) error {
	summary, err := audio.SummarizeOpus(frames, waveformBuckets)
	if err != nil {
		return fmt.Errorf("summarize audio: %w", err)
	}
	e.items = append(e.items, content.AudioSummary(summary))
	return nil
}

// AddLiveVideoSignal appends an opaque live-video signalling item.
func (e *Editor) AddLiveVideoSignal(signal []byte) {
	e.items = append(e.items, content.LiveVideoSignal(signal))
}

// Attach caches the local file as an outgoing attachment and appends an
// item referencing the minted credentials. The item's position in the
// sequence is recorded as the credentials' attachment index.
func (e *Editor) Attach(path string) error {
	index := len(e.items)
	creds, err := e.store.files.CacheOutgoing(e.authorID, e.store.chatID, e.id, index, path)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Attach",
		"message_id": e.id.String(),
		"file_id":    creds.FileID.String(),
		"index":      index,
	}).Debug("Attachment cached")

	e.items = append(e.items, content.Attachment(creds.FileID, creds.Name, creds.Size))
	return nil
}

// AttachRemote references an attachment whose bytes remain with a remote
// author, used when forwarding content that was never materialized locally.
func (e *Editor) AttachRemote(desc file.RemoteDescriptor) error {
	index := len(e.items)
	creds, err := e.store.files.CacheOutgoingRemote(e.authorID, e.store.chatID, e.id, index, desc)
	if err != nil {
		return err
	}
	e.items = append(e.items, content.Attachment(creds.FileID, creds.Name, creds.Size))
	return nil
}

// Save writes the accumulated sequence back: content plus a fresh
// modification time. An empty sequence is not retained; the message row is
// deleted instead.
func (e *Editor) Save() error {
	if e.items.Empty() {
		logrus.WithFields(logrus.Fields{
			"function":   "Save",
			"message_id": e.id.String(),
		}).Debug("Empty content, deleting message")
		return e.store.deleteMessage(e.id)
	}
	if err := e.items.Validate(); err != nil {
		return err
	}
	return e.store.saveContent(e.id, e.items, time.Now())
}
