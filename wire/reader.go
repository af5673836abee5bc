// Copyright 2016 Aleksandr Demakin. All rights reserved.

package wire

import (
	"encoding/binary"

	"github.com/nxgtw/actor-ipc/shm"

	"github.com/pkg/errors"
)

// Reader deserializes a message payload written by Writer.
// After the first error all reads return zero values and Err returns it.
type Reader struct {
	msg  *Message
	data []byte
	pos  int
	err  error
}

// NewReader returns a reader over msg's payload.
func NewReader(msg *Message) *Reader {
	return &Reader{msg: msg, data: msg.Payload}
}

// Err returns the first error occurred.
func (r *Reader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < alignedLen(n) {
		r.fail(errors.Wrapf(ErrTruncated, "%d bytes requested at offset %d of %d", n, r.pos, len(r.data)))
		return nil
	}
	result := r.data[r.pos : r.pos+n]
	r.pos += alignedLen(n)
	return result
}

func (r *Reader) readWord() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadBool reads a boolean.
func (r *Reader) ReadBool() bool {
	v := r.readWord()
	if v > 1 {
		r.fail(errors.Wrapf(ErrFraming, "invalid bool value %d", v))
		return false
	}
	return v == 1
}

// ReadUint32 reads an unsigned integer.
func (r *Reader) ReadUint32() uint32 {
	return r.readWord()
}

// ReadInt32 reads a signed integer.
func (r *Reader) ReadInt32() int32 {
	return int32(r.readWord())
}

// ReadUint64 reads an unsigned 64-bit integer.
func (r *Reader) ReadUint64() uint64 {
	lo := r.readWord()
	hi := r.readWord()
	return uint64(hi)<<32 | uint64(lo)
}

// ReadInt64 reads a signed 64-bit integer.
func (r *Reader) ReadInt64() int64 {
	return int64(r.ReadUint64())
}

// ReadLen reads a length prefix and checks it against the remaining data.
func (r *Reader) ReadLen() int {
	n := int(r.readWord())
	if r.err == nil && n > r.Remaining() {
		// a length may also describe out-of-band data, so only a sanity check here.
		if n > maxLength {
			r.fail(errors.Wrapf(ErrFraming, "length %d is too large", n))
			return 0
		}
	}
	return n
}

// ReadBytes reads a length-prefixed byte slice. The result refers to the payload.
func (r *Reader) ReadBytes() []byte {
	return r.ReadRaw(r.ReadLen())
}

// ReadString reads a length-prefixed string.
func (r *Reader) ReadString() string {
	return string(r.ReadBytes())
}

// ReadRaw reads n bytes and the padding after them.
func (r *Reader) ReadRaw(n int) []byte {
	return r.next(n)
}

// ReadHandle takes the ownership of the next handle of the message.
func (r *Reader) ReadHandle() *shm.Handle {
	idx := int(r.readWord())
	if r.err != nil {
		return nil
	}
	if idx >= len(r.msg.Handles) || r.msg.Handles[idx] == nil {
		r.fail(errors.Wrapf(ErrFraming, "invalid handle index %d", idx))
		return nil
	}
	h := r.msg.Handles[idx]
	r.msg.Handles[idx] = nil
	return h
}
