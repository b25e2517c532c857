package content

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMalformedContent indicates serialized content that cannot be decoded.
var ErrMalformedContent = errors.New("malformed serialized content")

// MaxItems bounds the number of items one message may carry.
const MaxItems = 4096

// MaxPayloadSize bounds a single item payload, guarding decode against
// hostile length prefixes.
const MaxPayloadSize = 16 << 20

// Serializer converts a content sequence to and from bytes. The chat store
// uses one serializer for its content column and the wire layer reuses the
// same bytes inside regular_message packets, so alternate backends plug in
// here.
type Serializer interface {
	Marshal(c Content) ([]byte, error)
	Unmarshal(data []byte) (Content, error)
}

// Binary is the default serializer: big-endian, length-prefixed records,
// one leading kind byte per item.
//
// Layout: [count:u32] then per item [kind:u8][payload len:u32][payload]
// and, for attachment items, [file id:16][name len:u16][name][size:u64].
type Binary struct{}

// Marshal encodes the sequence.
func (Binary) Marshal(c Content) ([]byte, error) {
	if len(c) > MaxItems {
		return nil, fmt.Errorf("%w: %d items exceeds limit", ErrMalformedContent, len(c))
	}

	buf := make([]byte, 0, 64)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c)))
	for i := range c {
		item := &c[i]
		if len(item.Payload) > MaxPayloadSize {
			return nil, fmt.Errorf("%w: item %d payload too large", ErrMalformedContent, i)
		}
		buf = append(buf, byte(item.Kind))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(item.Payload)))
		buf = append(buf, item.Payload...)

		if item.Kind == KindAttachment {
			if len(item.Name) > 0xFFFF {
				return nil, fmt.Errorf("%w: item %d name too long", ErrMalformedContent, i)
			}
			buf = append(buf, item.FileID[:]...)
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(item.Name)))
			buf = append(buf, item.Name...)
			buf = binary.BigEndian.AppendUint64(buf, item.Size)
		}
	}
	return buf, nil
}

// Unmarshal decodes a sequence produced by Marshal.
func (Binary) Unmarshal(data []byte) (Content, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformedContent)
	}
	count := binary.BigEndian.Uint32(data[:4])
	if count > MaxItems {
		return nil, fmt.Errorf("%w: %d items exceeds limit", ErrMalformedContent, count)
	}
	data = data[4:]

	items := make(Content, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 5 {
			return nil, fmt.Errorf("%w: truncated item %d", ErrMalformedContent, i)
		}
		item := Item{Kind: Kind(data[0])}
		payloadLen := binary.BigEndian.Uint32(data[1:5])
		data = data[5:]
		if payloadLen > MaxPayloadSize || uint32(len(data)) < payloadLen {
			return nil, fmt.Errorf("%w: item %d payload length", ErrMalformedContent, i)
		}
		if payloadLen > 0 {
			item.Payload = append([]byte(nil), data[:payloadLen]...)
		}
		data = data[payloadLen:]

		if item.Kind == KindAttachment {
			if len(data) < 16+2 {
				return nil, fmt.Errorf("%w: truncated attachment %d", ErrMalformedContent, i)
			}
			copy(item.FileID[:], data[:16])
			nameLen := binary.BigEndian.Uint16(data[16:18])
			data = data[18:]
			if len(data) < int(nameLen)+8 {
				return nil, fmt.Errorf("%w: truncated attachment name %d", ErrMalformedContent, i)
			}
			item.Name = string(data[:nameLen])
			data = data[nameLen:]
			item.Size = binary.BigEndian.Uint64(data[:8])
			data = data[8:]
		}

		items = append(items, item)
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedContent, len(data))
	}
	return items, nil
}

// zeroFileID is handy for validation sites that reject unset attachment ids.
var zeroFileID uuid.UUID

// Validate checks structural invariants: every kind must be defined,
// attachment items must carry a file id, non-attachment items must not
// carry attachment metadata.
func (c Content) Validate() error {
	for i := range c {
		item := &c[i]
		if !item.Kind.Valid() {
			return fmt.Errorf("%w: item %d has unknown kind %d", ErrMalformedContent, i, item.Kind)
		}
		if item.Kind == KindAttachment {
			if item.FileID == zeroFileID {
				return fmt.Errorf("%w: attachment %d has no file id", ErrMalformedContent, i)
			}
			continue
		}
		if item.FileID != zeroFileID || item.Name != "" || item.Size != 0 {
			return fmt.Errorf("%w: item %d carries attachment metadata", ErrMalformedContent, i)
		}
	}
	return nil
}
