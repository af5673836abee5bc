// Copyright 2016 Aleksandr Demakin. All rights reserved.

package wire

import (
	"encoding/binary"
	"math"

	"github.com/nxgtw/actor-ipc/shm"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

var (
	payloadPool bytebufferpool.Pool
	zeroPad     [4]byte
)

func alignedLen(n int) int {
	return (n + 3) &^ 3
}

// Writer serializes message payloads. Every field occupies a multiple of 4 bytes.
// Handles are stored beside the bytes and referenced by their index.
// After the first error all writes are ignored and Err returns it.
type Writer struct {
	buf     *bytebufferpool.ByteBuffer
	handles []*shm.Handle
	err     error
}

// NewWriter returns a writer with a pooled buffer.
// The buffer is returned to the pool by Message.SetPayload or Release.
func NewWriter() *Writer {
	return &Writer{buf: payloadPool.Get()}
}

// Err returns the first error occurred.
func (w *Writer) Err() error {
	return w.err
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	if w.buf == nil {
		return 0
	}
	return w.buf.Len()
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) writeWord(v uint32) {
	if w.err != nil {
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

// WriteBool writes a boolean.
func (w *Writer) WriteBool(v bool) {
	var word uint32
	if v {
		word = 1
	}
	w.writeWord(word)
}

// WriteUint32 writes an unsigned integer.
func (w *Writer) WriteUint32(v uint32) {
	w.writeWord(v)
}

// WriteInt32 writes a signed integer.
func (w *Writer) WriteInt32(v int32) {
	w.writeWord(uint32(v))
}

// WriteUint64 writes an unsigned 64-bit integer.
func (w *Writer) WriteUint64(v uint64) {
	w.writeWord(uint32(v))
	w.writeWord(uint32(v >> 32))
}

// WriteInt64 writes a signed 64-bit integer.
func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

// WriteLen writes a length prefix.
func (w *Writer) WriteLen(n int) {
	if n < 0 || uint64(n) > math.MaxUint32 {
		w.fail(errors.Errorf("invalid length %d", n))
		return
	}
	w.writeWord(uint32(n))
}

// WriteBytes writes a length-prefixed byte slice.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteLen(len(b))
	w.WriteRaw(b)
}

// WriteString writes a length-prefixed string.
func (w *Writer) WriteString(s string) {
	w.WriteLen(len(s))
	if w.err != nil {
		return
	}
	w.buf.WriteString(s)
	w.pad(len(s))
}

// WriteRaw writes b without a length prefix, padding it to 4 bytes.
func (w *Writer) WriteRaw(b []byte) {
	if w.err != nil {
		return
	}
	w.buf.Write(b)
	w.pad(len(b))
}

func (w *Writer) pad(n int) {
	if rem := alignedLen(n) - n; rem > 0 {
		w.buf.Write(zeroPad[:rem])
	}
}

// WriteHandle transfers the ownership of h to the message.
func (w *Writer) WriteHandle(h *shm.Handle) {
	if h == nil || !h.Valid() {
		w.fail(shm.ErrInvalidHandle)
		return
	}
	if w.err != nil {
		h.Close()
		return
	}
	w.writeWord(uint32(len(w.handles)))
	w.handles = append(w.handles, h)
}

// Release returns the buffer to the pool and closes all written handles.
func (w *Writer) Release() {
	for _, h := range w.handles {
		h.Close()
	}
	w.handles = nil
	if w.buf != nil {
		payloadPool.Put(w.buf)
		w.buf = nil
	}
}

func (w *Writer) finish() ([]byte, []*shm.Handle, error) {
	if w.buf == nil {
		return nil, nil, errors.New("writer is released")
	}
	if w.err != nil {
		err := w.err
		w.Release()
		return nil, nil, err
	}
	payload := append([]byte(nil), w.buf.B...)
	handles := w.handles
	w.handles = nil
	w.Release()
	return payload, handles, nil
}
