package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// maxFieldSize bounds any single length-prefixed field, guarding decode
// against hostile prefixes.
const maxFieldSize = 64 << 20

func appendUint32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

func appendUint64(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

func appendBytes(buf, b []byte) ([]byte, error) {
	if len(b) > maxFieldSize {
		return nil, fmt.Errorf("%w: field of %d bytes", ErrBadPacketType, len(b))
	}
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...), nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > maxFieldSize {
		return nil, fmt.Errorf("%w: field of %d bytes", ErrBadPacketType, len(s))
	}
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...), nil
}

// reader consumes payload fields in order, latching the first error so call
// sites stay linear.
type reader struct {
	data []byte
	err  error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrTruncatedPacket, what)
	}
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.data) < 1 {
		r.fail("byte field")
		return 0
	}
	b := r.data[0]
	r.data = r.data[1:]
	return b
}

func (r *reader) uuid() uuid.UUID {
	var id uuid.UUID
	if r.err != nil {
		return id
	}
	if len(r.data) < 16 {
		r.fail("id field")
		return id
	}
	copy(id[:], r.data[:16])
	r.data = r.data[16:]
	return id
}

func (r *reader) uint32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.data) < 4 {
		r.fail("uint32 field")
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[:4])
	r.data = r.data[4:]
	return v
}

func (r *reader) uint64() uint64 {
	if r.err != nil {
		return 0
	}
	if len(r.data) < 8 {
		r.fail("uint64 field")
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[:8])
	r.data = r.data[8:]
	return v
}

func (r *reader) bytes() []byte {
	n := r.uint32()
	if r.err != nil {
		return nil
	}
	if n > maxFieldSize || uint32(len(r.data)) < n {
		r.fail("variable field")
		return nil
	}
	if n == 0 {
		return nil
	}
	b := append([]byte(nil), r.data[:n]...)
	r.data = r.data[n:]
	return b
}

func (r *reader) string() string {
	return string(r.bytes())
}
