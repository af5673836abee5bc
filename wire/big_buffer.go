// Copyright 2016 Aleksandr Demakin. All rights reserved.

package wire

import (
	"github.com/nxgtw/actor-ipc/internal/helper"
	"github.com/nxgtw/actor-ipc/shm"

	"github.com/pkg/errors"
)

// ErrMoved is returned when a BigBuffer is used after it was written into a message.
var ErrMoved = errors.New("big buffer was moved")

// BigBuffer is a single blob, which lives either on the heap or in shared memory.
// Writing it into a message moves its storage, so it cannot be sent twice.
type BigBuffer struct {
	size   int
	data   []byte
	handle *shm.Handle
	region *shm.Mapping
	moved  bool
}

// NewBigBuffer allocates a zeroed buffer of size bytes.
// Buffers above the spill threshold are allocated in shared memory.
func (c Codec) NewBigBuffer(size int) (*BigBuffer, error) {
	if size < 0 || size > maxLength {
		return nil, errors.Errorf("invalid big buffer size %d", size)
	}
	if size > c.SpillThreshold {
		handle, region, err := helper.CreateWritableRegion(size, false, c.ShmOptions...)
		if err == nil {
			return &BigBuffer{size: size, data: region.Data()[:size], handle: handle, region: region}, nil
		}
	}
	return &BigBuffer{size: size, data: make([]byte, size)}, nil
}

// BigBufferFrom wraps data. The buffer takes the ownership of the slice.
func BigBufferFrom(data []byte) *BigBuffer {
	return &BigBuffer{size: len(data), data: data}
}

// Data returns buffer contents, or nil if the buffer was moved or closed.
func (b *BigBuffer) Data() []byte {
	return b.data
}

// Size returns the buffer length.
func (b *BigBuffer) Size() int {
	return b.size
}

// Shared returns true, if the buffer is backed by shared memory.
func (b *BigBuffer) Shared() bool {
	return b.region != nil
}

// Moved returns true, if the buffer was written into a message.
func (b *BigBuffer) Moved() bool {
	return b.moved
}

// Close releases the storage.
func (b *BigBuffer) Close() error {
	b.data = nil
	if b.region == nil {
		return nil
	}
	err := b.region.Close()
	b.handle.Close()
	b.region, b.handle = nil, nil
	return err
}

// WriteBigBuffer writes b into w and moves its storage out.
// Shared memory buffers are transferred without copying.
func (c Codec) WriteBigBuffer(w *Writer, b *BigBuffer) error {
	if b.moved {
		return ErrMoved
	}
	defer func() {
		b.moved = true
		b.Close()
	}()
	if b.region == nil || !c.hasSelector(b.size) {
		return c.WriteBuffer(w, b.data)
	}
	if err := b.region.Close(); err != nil {
		return err
	}
	w.WriteLen(b.size)
	w.WriteBool(true)
	w.WriteHandle(b.handle)
	b.region, b.handle = nil, nil
	return w.Err()
}

// ReadBigBuffer reads a buffer written by WriteBigBuffer.
// Shared memory data is exposed without copying.
func (c Codec) ReadBigBuffer(r *Reader) (*BigBuffer, error) {
	br, err := c.NewBufferReader(r)
	if err != nil {
		return nil, err
	}
	if br.Shared() {
		b := &BigBuffer{size: br.length, data: br.region.Data()[:br.length], handle: br.handle, region: br.region}
		br.handle, br.region = nil, nil
		return b, nil
	}
	data, err := br.Next(br.Len())
	if err != nil {
		return nil, err
	}
	return BigBufferFrom(append(make([]byte, 0, len(data)), data...)), nil
}
