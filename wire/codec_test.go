// Copyright 2016 Aleksandr Demakin. All rights reserved.

package wire

import (
	"testing"

	"github.com/nxgtw/actor-ipc/shm"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*13 + 1)
	}
	return data
}

func roundTrip(t *testing.T, c Codec, data []byte) ([]byte, *Message) {
	a := assert.New(t)
	m, err := NewMessage(1, 1, 0)
	if !a.NoError(err) {
		return nil, nil
	}
	w := NewWriter()
	w.WriteUint32(0xabcd)
	if !a.NoError(c.WriteBuffer(w, data)) {
		return nil, nil
	}
	w.WriteBool(true)
	if !a.NoError(m.SetPayload(w)) {
		return nil, nil
	}
	r := NewReader(m)
	a.Equal(uint32(0xabcd), r.ReadUint32())
	result, err := c.ReadBuffer(r)
	if !a.NoError(err) {
		return nil, nil
	}
	a.True(r.ReadBool())
	a.NoError(r.Err())
	a.Zero(r.Remaining())
	return result, m
}

func TestCodecRoundTrip(t *testing.T) {
	a := assert.New(t)
	c := Codec{SelectorThreshold: 16, SpillThreshold: 64}
	for _, n := range []int{0, 1, 3, 16, 17, 63, 64, 65, 5000} {
		data := testData(n)
		result, m := roundTrip(t, c, data)
		if !a.Equal(data, result, "length %d", n) {
			return
		}
		if n > c.SpillThreshold {
			a.Len(m.Handles, 1)
		} else {
			a.Len(m.Handles, 0)
		}
	}
}

func TestCodecDefaultThresholds(t *testing.T) {
	a := assert.New(t)
	c := DefaultCodec()
	a.NoError(c.Validate())
	data := testData(DefaultThreshold + 1)
	result, m := roundTrip(t, c, data)
	a.Equal(data, result)
	a.Len(m.Handles, 1)
	a.Less(len(m.Payload), 64)
	a.Error(Codec{SelectorThreshold: 10, SpillThreshold: 5}.Validate())
}

func TestCodecSelectorOmitted(t *testing.T) {
	a := assert.New(t)
	c := Codec{SelectorThreshold: 16, SpillThreshold: 64}
	w := NewWriter()
	a.NoError(c.WriteBuffer(w, testData(16)))
	a.Equal(4+16, w.Len())
	w.Release()
	w = NewWriter()
	a.NoError(c.WriteBuffer(w, testData(17)))
	a.Equal(4+4+20, w.Len())
	w.Release()
}

func TestBufferWriterChunks(t *testing.T) {
	a := assert.New(t)
	for _, c := range []Codec{{SelectorThreshold: 0, SpillThreshold: 0}, DefaultCodec()} {
		data := testData(10)
		w := NewWriter()
		bw := c.NewBufferWriter(w, len(data))
		bw.Write(data[:4])
		bw.Write(data[4:8])
		bw.Write(data[8:])
		a.NoError(bw.Close())
		m := &Message{}
		if !a.NoError(m.SetPayload(w)) {
			return
		}
		r := NewReader(m)
		br, err := c.NewBufferReader(r)
		if !a.NoError(err) {
			return
		}
		a.Equal(c.SpillThreshold == 0, br.Shared())
		first, err := br.Next(8)
		a.NoError(err)
		a.Equal(data[:8], first)
		last, err := br.Next(2)
		a.NoError(err)
		a.Equal(data[8:], last)
		_, err = br.Next(1)
		a.Equal(ErrTruncated, errors.Cause(err))
		a.NoError(br.Close())
		a.Zero(r.Remaining())
	}
}

func TestBufferWriterAlignment(t *testing.T) {
	a := assert.New(t)
	w := NewWriter()
	defer w.Release()
	bw := DefaultCodec().NewBufferWriter(w, 10)
	bw.Write([]byte{1, 2, 3})
	a.Panics(func() { bw.Write([]byte{4}) })
	bw = DefaultCodec().NewBufferWriter(w, 2)
	a.Panics(func() { bw.Write([]byte{1, 2, 3}) })
}

func TestBufferReaderAlignment(t *testing.T) {
	a := assert.New(t)
	c := DefaultCodec()
	w := NewWriter()
	a.NoError(c.WriteBuffer(w, testData(12)))
	m := &Message{}
	if !a.NoError(m.SetPayload(w)) {
		return
	}
	br, err := c.NewBufferReader(NewReader(m))
	if !a.NoError(err) {
		return
	}
	_, err = br.Next(3)
	a.NoError(err)
	_, err = br.Next(4)
	a.Equal(ErrFraming, errors.Cause(err))
}

func TestBufferWriterShortWrite(t *testing.T) {
	a := assert.New(t)
	c := Codec{SpillThreshold: 0}
	w := NewWriter()
	bw := c.NewBufferWriter(w, 8)
	a.True(bw.Shared())
	bw.Write([]byte{1, 2, 3, 4})
	a.Equal(ErrFraming, errors.Cause(bw.Close()))
	m := &Message{}
	a.Error(m.SetPayload(w))
}

func TestCodecTruncated(t *testing.T) {
	a := assert.New(t)
	c := DefaultCodec()
	w := NewWriter()
	w.WriteLen(100)
	m := &Message{}
	if !a.NoError(m.SetPayload(w)) {
		return
	}
	_, err := c.ReadBuffer(NewReader(m))
	a.Equal(ErrTruncated, errors.Cause(err))
}

func TestCodecForgedSharedLength(t *testing.T) {
	a := assert.New(t)
	c := Codec{SelectorThreshold: 0, SpillThreshold: 0}
	h, err := shm.Create(10, false)
	if !a.NoError(err) {
		return
	}
	w := NewWriter()
	w.WriteLen(h.Size() + 1)
	w.WriteBool(true)
	w.WriteHandle(h)
	m := &Message{}
	if !a.NoError(m.SetPayload(w)) {
		return
	}
	_, err = c.ReadBuffer(NewReader(m))
	a.Equal(ErrFraming, errors.Cause(err))
	m.Close()
}

func TestReaderHandleIndex(t *testing.T) {
	a := assert.New(t)
	h, err := shm.Create(1, false)
	if !a.NoError(err) {
		return
	}
	w := NewWriter()
	w.WriteHandle(h)
	w.WriteUint32(5)
	m := &Message{}
	if !a.NoError(m.SetPayload(w)) {
		return
	}
	a.Equal(uint32(1), m.NumHandles)
	r := NewReader(m)
	got := r.ReadHandle()
	a.NotNil(got)
	defer got.Close()
	a.Nil(m.Handles[0])
	r = NewReader(m)
	a.Nil(r.ReadHandle())
	a.Equal(ErrFraming, errors.Cause(r.Err()))
	a.Nil(r.ReadHandle())
}

func TestReaderInvalidBool(t *testing.T) {
	a := assert.New(t)
	w := NewWriter()
	w.WriteUint32(2)
	m := &Message{}
	if !a.NoError(m.SetPayload(w)) {
		return
	}
	r := NewReader(m)
	a.False(r.ReadBool())
	a.Equal(ErrFraming, errors.Cause(r.Err()))
}

func TestBigBuffer(t *testing.T) {
	a := assert.New(t)
	c := Codec{SelectorThreshold: 32, SpillThreshold: 32}
	for _, size := range []int{8, 4096} {
		b, err := c.NewBigBuffer(size)
		if !a.NoError(err) {
			return
		}
		a.Equal(size > 32, b.Shared())
		copy(b.Data(), testData(size))
		w := NewWriter()
		a.NoError(c.WriteBigBuffer(w, b))
		a.True(b.Moved())
		a.Nil(b.Data())
		a.Equal(ErrMoved, c.WriteBigBuffer(w, b))
		m := &Message{}
		if !a.NoError(m.SetPayload(w)) {
			return
		}
		received, err := c.ReadBigBuffer(NewReader(m))
		if !a.NoError(err) {
			return
		}
		a.Equal(size > 32, received.Shared())
		a.Equal(testData(size), received.Data())
		a.NoError(received.Close())
		a.Nil(received.Data())
	}
}

func TestBigBufferFrom(t *testing.T) {
	a := assert.New(t)
	c := Codec{SelectorThreshold: 4, SpillThreshold: 8}
	b := BigBufferFrom(testData(100))
	a.False(b.Shared())
	w := NewWriter()
	a.NoError(c.WriteBigBuffer(w, b))
	m := &Message{}
	if !a.NoError(m.SetPayload(w)) {
		return
	}
	a.Len(m.Handles, 1)
	received, err := c.ReadBigBuffer(NewReader(m))
	if a.NoError(err) {
		a.Equal(testData(100), received.Data())
		received.Close()
	}
}
