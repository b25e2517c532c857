// Package wire implements the binary packet layer exchanged between peers.
//
// Every packet starts with a one-byte discriminator followed by the payload
// fields in fixed order, big-endian, with length prefixes on variable-size
// fields. The discriminator is always decoded before any payload byte.
//
// Example:
//
//	data, err := wire.Encode(&wire.FileRequest{FileID: id})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	payload, err := wire.Decode(data)
//	switch p := payload.(type) {
//	case *wire.FileRequest:
//	    serveFile(p.FileID)
//	}
package wire

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PacketType identifies the kind of a packet.
type PacketType byte

const (
	// PacketContactCredentials advertises a full contact snapshot, used
	// for self or for a group.
	PacketContactCredentials PacketType = iota + 1
	// PacketGroupMembers carries a full membership snapshot. An empty
	// member list signals that the group was removed.
	PacketGroupMembers
	// PacketRegularMessage carries message content, for both the original
	// send and every edit resend.
	PacketRegularMessage
	// PacketDeliveryNotification acknowledges that a message landed.
	PacketDeliveryNotification
	// PacketReadNotification acknowledges that a message was read.
	PacketReadNotification
	// PacketFileRequest asks the author for an attachment's bytes.
	PacketFileRequest
	// PacketFileError reports that a requested file is unavailable.
	PacketFileError
)

// ErrBadPacketType indicates an unknown or malformed discriminator.
var ErrBadPacketType = errors.New("bad packet type")

// ErrTruncatedPacket indicates a payload shorter than its fields require.
var ErrTruncatedPacket = errors.New("truncated packet")

// Payload is one decoded packet body.
type Payload interface {
	// Type returns the discriminator the payload is framed with.
	Type() PacketType

	appendPayload(buf []byte) ([]byte, error)
	readPayload(r *reader) error
}

// Encode frames a payload into transmittable bytes: discriminator first,
// then the payload fields.
func Encode(p Payload) ([]byte, error) {
	buf := []byte{byte(p.Type())}
	return p.appendPayload(buf)
}

// Decode parses the discriminator and then the payload. Unknown
// discriminators are rejected with ErrBadPacketType before any payload byte
// is touched.
func Decode(data []byte) (Payload, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty packet", ErrTruncatedPacket)
	}

	var p Payload
	switch PacketType(data[0]) {
	case PacketContactCredentials:
		p = &ContactCredentials{}
	case PacketGroupMembers:
		p = &GroupMembers{}
	case PacketRegularMessage:
		p = &RegularMessage{}
	case PacketDeliveryNotification:
		p = &DeliveryNotification{}
	case PacketReadNotification:
		p = &ReadNotification{}
	case PacketFileRequest:
		p = &FileRequest{}
	case PacketFileError:
		p = &FileError{}
	default:
		return nil, fmt.Errorf("%w: discriminator %d", ErrBadPacketType, data[0])
	}

	r := &reader{data: data[1:]}
	if err := p.readPayload(r); err != nil {
		return nil, err
	}
	if len(r.data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadPacketType, len(r.data))
	}
	return p, nil
}

// ContactCredentials is the full snapshot of one contact.
type ContactCredentials struct {
	ID          uuid.UUID
	CreatorID   uuid.UUID
	Alias       string
	Avatar      []byte
	Description string
	Extra       string
	Kind        uint8
}

// Type implements Payload.
func (*ContactCredentials) Type() PacketType { return PacketContactCredentials }

func (p *ContactCredentials) appendPayload(buf []byte) ([]byte, error) {
	buf = append(buf, p.ID[:]...)
	buf = append(buf, p.CreatorID[:]...)
	buf, err := appendString(buf, p.Alias)
	if err != nil {
		return nil, err
	}
	if buf, err = appendBytes(buf, p.Avatar); err != nil {
		return nil, err
	}
	if buf, err = appendString(buf, p.Description); err != nil {
		return nil, err
	}
	if buf, err = appendString(buf, p.Extra); err != nil {
		return nil, err
	}
	return append(buf, p.Kind), nil
}

func (p *ContactCredentials) readPayload(r *reader) error {
	p.ID = r.uuid()
	p.CreatorID = r.uuid()
	p.Alias = r.string()
	p.Avatar = r.bytes()
	p.Description = r.string()
	p.Extra = r.string()
	p.Kind = r.byte()
	return r.err
}

// GroupMembers is the full membership snapshot of one group, sent by its
// owner after every membership change. An empty Members list tells the
// receiver to drop the group locally.
type GroupMembers struct {
	GroupID uuid.UUID
	Members []uuid.UUID
}

// Type implements Payload.
func (*GroupMembers) Type() PacketType { return PacketGroupMembers }

func (p *GroupMembers) appendPayload(buf []byte) ([]byte, error) {
	buf = append(buf, p.GroupID[:]...)
	buf = appendUint32(buf, uint32(len(p.Members)))
	for _, m := range p.Members {
		buf = append(buf, m[:]...)
	}
	return buf, nil
}

func (p *GroupMembers) readPayload(r *reader) error {
	p.GroupID = r.uuid()
	count := r.uint32()
	if r.err != nil {
		return r.err
	}
	if uint64(count)*16 > uint64(len(r.data)) {
		return fmt.Errorf("%w: member count %d", ErrTruncatedPacket, count)
	}
	if count > 0 {
		p.Members = make([]uuid.UUID, count)
		for i := range p.Members {
			p.Members[i] = r.uuid()
		}
	}
	return r.err
}

// RegularMessage carries one message's serialized content. The same packet
// is used for the original send and for every subsequent edit; receivers
// treat it as idempotent full-content replacement.
type RegularMessage struct {
	MessageID        uuid.UUID
	AuthorID         uuid.UUID
	ChatID           uuid.UUID
	ModificationTime int64
	Content          []byte
}

// Type implements Payload.
func (*RegularMessage) Type() PacketType { return PacketRegularMessage }

func (p *RegularMessage) appendPayload(buf []byte) ([]byte, error) {
	buf = append(buf, p.MessageID[:]...)
	buf = append(buf, p.AuthorID[:]...)
	buf = append(buf, p.ChatID[:]...)
	buf = appendUint64(buf, uint64(p.ModificationTime))
	return appendBytes(buf, p.Content)
}

func (p *RegularMessage) readPayload(r *reader) error {
	p.MessageID = r.uuid()
	p.AuthorID = r.uuid()
	p.ChatID = r.uuid()
	p.ModificationTime = int64(r.uint64())
	p.Content = r.bytes()
	return r.err
}

// DeliveryNotification closes the dispatch half of the message state
// machine. ChatID is the sender's own id for a personal conversation and
// the group id for a group conversation.
type DeliveryNotification struct {
	MessageID uuid.UUID
	ChatID    uuid.UUID
	Timestamp int64
}

// Type implements Payload.
func (*DeliveryNotification) Type() PacketType { return PacketDeliveryNotification }

func (p *DeliveryNotification) appendPayload(buf []byte) ([]byte, error) {
	buf = append(buf, p.MessageID[:]...)
	buf = append(buf, p.ChatID[:]...)
	return appendUint64(buf, uint64(p.Timestamp)), nil
}

func (p *DeliveryNotification) readPayload(r *reader) error {
	p.MessageID = r.uuid()
	p.ChatID = r.uuid()
	p.Timestamp = int64(r.uint64())
	return r.err
}

// ReadNotification closes the read half of the message state machine. The
// ChatID addressing rule matches DeliveryNotification.
type ReadNotification struct {
	MessageID uuid.UUID
	ChatID    uuid.UUID
	Timestamp int64
}

// Type implements Payload.
func (*ReadNotification) Type() PacketType { return PacketReadNotification }

func (p *ReadNotification) appendPayload(buf []byte) ([]byte, error) {
	buf = append(buf, p.MessageID[:]...)
	buf = append(buf, p.ChatID[:]...)
	return appendUint64(buf, uint64(p.Timestamp)), nil
}

func (p *ReadNotification) readPayload(r *reader) error {
	p.MessageID = r.uuid()
	p.ChatID = r.uuid()
	p.Timestamp = int64(r.uint64())
	return r.err
}

// FileRequest asks the author of an attachment for its bytes.
type FileRequest struct {
	FileID uuid.UUID
}

// Type implements Payload.
func (*FileRequest) Type() PacketType { return PacketFileRequest }

func (p *FileRequest) appendPayload(buf []byte) ([]byte, error) {
	return append(buf, p.FileID[:]...), nil
}

func (p *FileRequest) readPayload(r *reader) error {
	p.FileID = r.uuid()
	return r.err
}

// FileError reports that a requested file is not available from its author.
type FileError struct {
	FileID uuid.UUID
}

// Type implements Payload.
func (*FileError) Type() PacketType { return PacketFileError }

func (p *FileError) appendPayload(buf []byte) ([]byte, error) {
	return append(buf, p.FileID[:]...), nil
}

func (p *FileError) readPayload(r *reader) error {
	p.FileID = r.uuid()
	return r.err
}
