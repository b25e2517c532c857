// Package content defines the ordered content items a message carries and
// the serializer that turns them into stored or wire bytes.
//
// A message's content is a sequence of tagged items. Edits replace the whole
// sequence; items are never diffed individually.
//
// Example:
//
//	items := content.Content{
//	    content.Text("hello"),
//	    content.HTML("<b>hello</b>"),
//	}
//	data, err := content.Binary{}.Marshal(items)
package content

import (
	"bytes"

	"github.com/google/uuid"
)

// Kind tags a content item with its MIME-like type.
type Kind uint8

const (
	// KindText is plain UTF-8 text.
	KindText Kind = iota + 1
	// KindHTML is HTML markup.
	KindHTML
	// KindEmoji is a standalone emoji sequence.
	KindEmoji
	// KindAudioSummary is a compact waveform summary of an audio clip.
	KindAudioSummary
	// KindLiveVideoSignal is an opaque live-video signalling blob.
	KindLiveVideoSignal
	// KindAttachment references a file held by the attachment cache.
	KindAttachment
)

// Valid reports whether the kind is one of the defined item kinds.
func (k Kind) Valid() bool {
	return k >= KindText && k <= KindAttachment
}

// Item is one element of a message's content sequence. FileID, Name, and
// Size are meaningful only when Kind is KindAttachment.
type Item struct {
	Kind    Kind
	Payload []byte

	FileID uuid.UUID
	Name   string
	Size   uint64
}

// Content is the ordered item sequence of one message.
type Content []Item

// Text builds a plain-text item.
func Text(s string) Item {
	return Item{Kind: KindText, Payload: []byte(s)}
}

// HTML builds an HTML item.
func HTML(s string) Item {
	return Item{Kind: KindHTML, Payload: []byte(s)}
}

// Emoji builds an emoji item.
func Emoji(s string) Item {
	return Item{Kind: KindEmoji, Payload: []byte(s)}
}

// AudioSummary builds a waveform-summary item.
func AudioSummary(summary []byte) Item {
	return Item{Kind: KindAudioSummary, Payload: summary}
}

// LiveVideoSignal builds a live-video signalling item.
func LiveVideoSignal(signal []byte) Item {
	return Item{Kind: KindLiveVideoSignal, Payload: signal}
}

// Attachment builds an item referencing a cached file.
func Attachment(fileID uuid.UUID, name string, size uint64) Item {
	return Item{Kind: KindAttachment, FileID: fileID, Name: name, Size: size}
}

// Equal reports whether two items are identical, including attachment
// metadata.
func (i Item) Equal(other Item) bool {
	return i.Kind == other.Kind &&
		bytes.Equal(i.Payload, other.Payload) &&
		i.FileID == other.FileID &&
		i.Name == other.Name &&
		i.Size == other.Size
}

// Equal reports whether two content sequences are identical item for item.
func (c Content) Equal(other Content) bool {
	if len(c) != len(other) {
		return false
	}
	for idx := range c {
		if !c[idx].Equal(other[idx]) {
			return false
		}
	}
	return true
}

// Empty reports whether the sequence carries no items. An empty sequence is
// never persisted; saving it deletes the message.
func (c Content) Empty() bool {
	return len(c) == 0
}

// Attachments returns the indices of every attachment item, in order. The
// index doubles as the attachment_index recorded in file credentials.
func (c Content) Attachments() []int {
	var idx []int
	for i := range c {
		if c[i].Kind == KindAttachment {
			idx = append(idx, i)
		}
	}
	return idx
}
