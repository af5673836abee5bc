// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package wire defines messages exchanged by channels and the codec
// used to encode their payloads.
package wire

import (
	"encoding/binary"
	"math"

	"github.com/nxgtw/actor-ipc/shm"

	"github.com/pkg/errors"
)

// HeaderSize is the size of an encoded message header.
const HeaderSize = 32

// ControlRouting is the routing id of channel-level control messages.
const ControlRouting int32 = math.MaxInt32

// MaxAppType is the largest type id an application message may use.
const MaxAppType = ReservedTypeBase - 1

// Reserved control message types, occupying the top of the 16-bit type space.
const (
	ManagedEndpointBoundType   uint32 = 0xFFF5
	ManagedEndpointDroppedType uint32 = 0xFFF6
	ImpendingShutdownType      uint32 = 0xFFF7
	BuildIDType                uint32 = 0xFFF8
	ChannelOpenedType          uint32 = 0xFFF9
	ShmemDestroyedType         uint32 = 0xFFFA
	ShmemCreatedType           uint32 = 0xFFFB
	GoodbyeType                uint32 = 0xFFFC
	CancelType                 uint32 = 0xFFFD
	BuildIDsMatchType          uint32 = 0xFFFE
	HelloType                  uint32 = 0xFFFF

	ReservedTypeBase = ManagedEndpointBoundType
)

var (
	// ErrReservedType is returned when an application message uses a control type id.
	ErrReservedType = errors.New("message type id is reserved")
	// ErrFraming is returned for malformed or misaligned data.
	ErrFraming = errors.New("framing error")
	// ErrTruncated is returned when a message ends before all fields were read.
	ErrTruncated = errors.New("message truncated")
)

// IsReservedType returns true for control message type ids.
func IsReservedType(typ uint32) bool {
	return typ >= ReservedTypeBase
}

// Header is the fixed part of every message.
type Header struct {
	PayloadSize           uint32
	Routing               int32
	Type                  uint32
	Flags                 Flags
	Seqno                 int32
	RemoteStackDepthGuess uint32
	LocalStackDepth       uint32
	NumHandles            uint32
}

// MarshalTo writes the header into b, which must be at least HeaderSize bytes long.
func (h *Header) MarshalTo(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], h.PayloadSize)
	le.PutUint32(b[4:], uint32(h.Routing))
	le.PutUint32(b[8:], h.Type)
	le.PutUint32(b[12:], uint32(h.Flags))
	le.PutUint32(b[16:], uint32(h.Seqno))
	le.PutUint32(b[20:], h.RemoteStackDepthGuess)
	le.PutUint32(b[24:], h.LocalStackDepth)
	le.PutUint32(b[28:], h.NumHandles)
}

// UnmarshalHeader decodes a header from b.
func UnmarshalHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrTruncated
	}
	le := binary.LittleEndian
	h := Header{
		PayloadSize:           le.Uint32(b[0:]),
		Routing:               int32(le.Uint32(b[4:])),
		Type:                  le.Uint32(b[8:]),
		Flags:                 Flags(le.Uint32(b[12:])),
		Seqno:                 int32(le.Uint32(b[16:])),
		RemoteStackDepthGuess: le.Uint32(b[20:]),
		LocalStackDepth:       le.Uint32(b[24:]),
		NumHandles:            le.Uint32(b[28:]),
	}
	if h.PayloadSize%4 != 0 {
		return Header{}, errors.Wrap(ErrFraming, "unaligned payload size")
	}
	return h, nil
}

// Message is a typed record sent over a channel.
// A message owns its handles until they are taken by a Reader or the message is closed.
type Message struct {
	Header
	Payload []byte
	Handles []*shm.Handle
}

// NewMessage returns an empty application message.
func NewMessage(routing int32, typ uint32, flags Flags) (*Message, error) {
	if IsReservedType(typ) {
		return nil, errors.Wrapf(ErrReservedType, "type %#x", typ)
	}
	return &Message{Header: Header{Routing: routing, Type: typ, Flags: flags}}, nil
}

// NewControlMessage returns a control message of a reserved type.
func NewControlMessage(typ uint32) *Message {
	if !IsReservedType(typ) {
		panic("not a control message type")
	}
	return &Message{Header: Header{Routing: ControlRouting, Type: typ, Flags: FlagsControl}}
}

// NewReply returns a reply for the given sync message.
func NewReply(call *Message) *Message {
	flags := call.Flags & (FlagSync | FlagInterrupt | priorityMask)
	return &Message{Header: Header{
		Routing: call.Routing,
		Type:    call.Type,
		Flags:   flags | FlagReply,
		Seqno:   call.Seqno,
	}}
}

// NewErrorReply returns a reply, which reports that the call could not be processed.
func NewErrorReply(call *Message) *Message {
	reply := NewReply(call)
	reply.Flags |= FlagReplyError
	return reply
}

// IsControl returns true for channel-level messages.
func (m *Message) IsControl() bool {
	return m.Routing == ControlRouting && IsReservedType(m.Type)
}

// IsSync returns true for messages, which block the sender until a reply comes.
func (m *Message) IsSync() bool {
	return m.Flags.Has(FlagSync) || m.Flags.Has(FlagInterrupt)
}

// IsReply returns true for replies to sync messages.
func (m *Message) IsReply() bool {
	return m.Flags.Has(FlagReply)
}

// Size returns the encoded size of the message.
func (m *Message) Size() int {
	return HeaderSize + len(m.Payload)
}

// Close releases all handles, which were not taken from the message.
func (m *Message) Close() {
	for i, h := range m.Handles {
		if h != nil {
			h.Close()
			m.Handles[i] = nil
		}
	}
}

// SetPayload replaces message payload and handles with the data from w.
func (m *Message) SetPayload(w *Writer) error {
	payload, handles, err := w.finish()
	if err != nil {
		return err
	}
	m.Payload, m.Handles = payload, handles
	m.PayloadSize = uint32(len(payload))
	m.NumHandles = uint32(len(handles))
	return nil
}

// Encode returns the header followed by the payload.
func (m *Message) Encode() []byte {
	m.PayloadSize = uint32(len(m.Payload))
	m.NumHandles = uint32(len(m.Handles))
	result := make([]byte, HeaderSize+len(m.Payload))
	m.Header.MarshalTo(result)
	copy(result[HeaderSize:], m.Payload)
	return result
}

// Decode parses an encoded message. handles become owned by the message.
func Decode(b []byte, handles []*shm.Handle) (*Message, error) {
	h, err := UnmarshalHeader(b)
	if err != nil {
		return nil, err
	}
	if int(h.PayloadSize) != len(b)-HeaderSize {
		return nil, errors.Wrapf(ErrFraming, "payload size %d, frame has %d bytes", h.PayloadSize, len(b)-HeaderSize)
	}
	if int(h.NumHandles) != len(handles) {
		return nil, errors.Wrapf(ErrFraming, "%d handles expected, got %d", h.NumHandles, len(handles))
	}
	return &Message{Header: h, Payload: b[HeaderSize:], Handles: handles}, nil
}
