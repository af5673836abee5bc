// Copyright 2016 Aleksandr Demakin. All rights reserved.

package wire

import (
	"github.com/nxgtw/actor-ipc/internal/helper"
	"github.com/nxgtw/actor-ipc/shm"

	"github.com/pkg/errors"
)

const (
	// DefaultThreshold is the default size above which buffers are moved to shared memory.
	DefaultThreshold = 64 * 1024

	maxLength = 1 << 30
)

// Codec decides how variable-length buffers are encoded.
// Buffers larger than SelectorThreshold are preceded by a boolean telling
// whether the data is inline or in shared memory. Buffers larger than
// SpillThreshold are put into shared memory. Both sides of a channel must use
// the same thresholds.
type Codec struct {
	SelectorThreshold int
	SpillThreshold    int
	ShmOptions        []shm.Option
}

// DefaultCodec returns a codec with default thresholds.
func DefaultCodec() Codec {
	return Codec{SelectorThreshold: DefaultThreshold, SpillThreshold: DefaultThreshold}
}

// Validate checks the thresholds.
func (c Codec) Validate() error {
	if c.SelectorThreshold < 0 || c.SpillThreshold < 0 {
		return errors.New("negative codec threshold")
	}
	if c.SelectorThreshold > c.SpillThreshold {
		return errors.Errorf("selector threshold %d exceeds spill threshold %d", c.SelectorThreshold, c.SpillThreshold)
	}
	return nil
}

func (c Codec) hasSelector(length int) bool {
	return length > c.SelectorThreshold
}

// BufferWriter writes a buffer of a known length in one or more chunks.
// Every chunk except the last must have a length divisible by 4.
type BufferWriter struct {
	w       *Writer
	length  int
	written int
	handle  *shm.Handle
	region  *shm.Mapping
	closed  bool
}

// NewBufferWriter starts a buffer of length bytes.
// If creating shared memory fails, the data is written inline.
func (c Codec) NewBufferWriter(w *Writer, length int) *BufferWriter {
	bw := &BufferWriter{w: w, length: length}
	w.WriteLen(length)
	if !c.hasSelector(length) {
		return bw
	}
	if length > c.SpillThreshold {
		handle, region, err := helper.CreateWritableRegion(length, false, c.ShmOptions...)
		if err == nil {
			bw.handle, bw.region = handle, region
			w.WriteBool(true)
			return bw
		}
	}
	w.WriteBool(false)
	return bw
}

// Shared returns true, if the data goes to shared memory.
func (bw *BufferWriter) Shared() bool {
	return bw.handle != nil
}

// Write writes the next chunk. It panics if a previous chunk was misaligned,
// or if more bytes than announced are written.
func (bw *BufferWriter) Write(p []byte) (int, error) {
	if bw.closed {
		return 0, errors.New("buffer writer is closed")
	}
	if bw.written%4 != 0 {
		panic(errors.Wrapf(ErrFraming, "partial write of %d bytes is not 4-byte aligned", bw.written))
	}
	if bw.written+len(p) > bw.length {
		panic(errors.Wrapf(ErrFraming, "buffer overflow: %d of %d bytes", bw.written+len(p), bw.length))
	}
	if bw.region != nil {
		copy(bw.region.Data()[bw.written:], p)
	} else if bw.w.err == nil {
		bw.w.buf.Write(p)
	}
	bw.written += len(p)
	return len(p), nil
}

// Close finishes the buffer. For shared memory buffers the handle is
// appended to the message only here.
func (bw *BufferWriter) Close() error {
	if bw.closed {
		return nil
	}
	bw.closed = true
	if bw.written != bw.length {
		err := errors.Wrapf(ErrFraming, "%d bytes written, %d announced", bw.written, bw.length)
		bw.w.fail(err)
		bw.abort()
		return err
	}
	if bw.region == nil {
		if bw.w.err == nil {
			bw.w.pad(bw.written)
		}
		return bw.w.err
	}
	if err := bw.region.Close(); err != nil {
		bw.w.fail(err)
		bw.handle.Close()
		return err
	}
	bw.w.WriteHandle(bw.handle)
	bw.handle, bw.region = nil, nil
	return bw.w.err
}

func (bw *BufferWriter) abort() {
	if bw.region != nil {
		bw.region.Close()
		bw.handle.Close()
		bw.handle, bw.region = nil, nil
	}
}

// WriteBuffer writes data choosing between inline and shared memory encoding.
func (c Codec) WriteBuffer(w *Writer, data []byte) error {
	bw := c.NewBufferWriter(w, len(data))
	bw.Write(data)
	return bw.Close()
}

// BufferReader reads a buffer written by BufferWriter.
// Every read except the last must have a length divisible by 4.
type BufferReader struct {
	r      *Reader
	length int
	read   int
	handle *shm.Handle
	region *shm.Mapping
}

// NewBufferReader reads the buffer's length and location.
func (c Codec) NewBufferReader(r *Reader) (*BufferReader, error) {
	length := r.ReadLen()
	shared := false
	if c.hasSelector(length) {
		shared = r.ReadBool()
	}
	if r.err != nil {
		return nil, r.err
	}
	br := &BufferReader{r: r, length: length}
	if !shared {
		if r.Remaining() < alignedLen(length) {
			r.fail(errors.Wrapf(ErrTruncated, "inline buffer of %d bytes, %d remaining", length, r.Remaining()))
			return nil, r.err
		}
		return br, nil
	}
	handle := r.ReadHandle()
	if r.err != nil {
		return nil, r.err
	}
	region, err := helper.MapReceived(handle, length)
	if err != nil {
		handle.Close()
		r.fail(errors.Wrap(ErrFraming, err.Error()))
		return nil, r.err
	}
	if region.Size() < length {
		region.Close()
		handle.Close()
		r.fail(errors.Wrapf(ErrFraming, "mapped %d bytes, %d expected", region.Size(), length))
		return nil, r.err
	}
	br.handle, br.region = handle, region
	return br, nil
}

// Len returns the total buffer length.
func (br *BufferReader) Len() int {
	return br.length
}

// Shared returns true, if the data lives in shared memory.
func (br *BufferReader) Shared() bool {
	return br.region != nil
}

// Next returns the next n bytes. The result is valid until Close.
func (br *BufferReader) Next(n int) ([]byte, error) {
	if n < 0 || br.read+n > br.length {
		return nil, errors.Wrapf(ErrTruncated, "%d bytes requested, %d left", n, br.length-br.read)
	}
	if br.read%4 != 0 {
		return nil, errors.Wrapf(ErrFraming, "partial read of %d bytes is not 4-byte aligned", br.read)
	}
	var result []byte
	if br.region != nil {
		result = br.region.Data()[br.read : br.read+n]
	} else {
		r := br.r
		if r.err != nil {
			return nil, r.err
		}
		result = r.data[r.pos : r.pos+n]
		r.pos += n
		if br.read+n == br.length {
			r.pos += alignedLen(br.length) - br.length
		}
	}
	br.read += n
	return result, nil
}

// Close releases shared memory, if any.
func (br *BufferReader) Close() error {
	if br.region == nil {
		return nil
	}
	err := br.region.Close()
	br.handle.Close()
	br.region, br.handle = nil, nil
	return err
}

// ReadBuffer reads a whole buffer and returns a copy of it.
func (c Codec) ReadBuffer(r *Reader) ([]byte, error) {
	br, err := c.NewBufferReader(r)
	if err != nil {
		return nil, err
	}
	defer br.Close()
	data, err := br.Next(br.Len())
	if err != nil {
		return nil, err
	}
	return append(make([]byte, 0, len(data)), data...), nil
}
