// Copyright 2015 Aleksandr Demakin. All rights reserved.

package mmf

import (
	"io"
	"os"
	"testing"

	ipc "github.com/nxgtw/actor-ipc"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func testFile(t *testing.T, size int) *os.File {
	f, err := os.CreateTemp("", "mmf-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		f.Close()
		os.Remove(f.Name())
	})
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestMmfOpen(t *testing.T) {
	a := assert.New(t)
	size := 4 * os.Getpagesize()
	file := testFile(t, size)
	mr, err := NewMemoryRegion(file, ipc.RightsRead, 0, size)
	if !a.NoError(err) {
		return
	}
	a.Equal(size, mr.Size())
	a.Equal(ipc.RightsRead, mr.Rights())
	a.NoError(mr.Close())
	mr, err = NewMemoryRegion(file, ipc.RightsRead, 1000, size-1000)
	if a.NoError(err) {
		a.Equal(size-1000, len(mr.Data()))
		a.NoError(mr.Close())
	}
	_, err = NewMemoryRegion(file, ipc.RightsRead, int64(size-1024), 1025)
	a.Error(err)
	_, err = NewMemoryRegion(file, ipc.RightsRead, 0, 0)
	a.Error(err)
	_, err = NewMemoryRegion(file, ipc.RightsNone, 0, size)
	a.Error(err)
}

func TestMmfCloseTwice(t *testing.T) {
	a := assert.New(t)
	size := os.Getpagesize()
	file := testFile(t, size)
	mr, err := NewMemoryRegion(file, ipc.RightsReadWrite, 0, size)
	if !a.NoError(err) {
		return
	}
	a.False(mr.Closed())
	a.NoError(mr.Close())
	a.True(mr.Closed())
	a.Nil(mr.Data())
	a.NoError(mr.Close())
	a.Equal(ipc.RightsNone, mr.Rights())
}

func TestMmfSharedView(t *testing.T) {
	a := assert.New(t)
	size := 2 * os.Getpagesize()
	file := testFile(t, size)
	rw, err := NewMemoryRegion(file, ipc.RightsReadWrite, 0, size)
	if !a.NoError(err) {
		return
	}
	defer rw.Close()
	ro, err := NewMemoryRegion(file, ipc.RightsRead, 0, size)
	if !a.NoError(err) {
		return
	}
	defer ro.Close()
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	wr := NewMemoryRegionWriter(rw)
	n, err := wr.WriteAt(data, 128)
	a.NoError(err)
	a.Equal(len(data), n)
	actual := make([]byte, len(data))
	rd := NewMemoryRegionReader(ro)
	n, err = rd.ReadAt(actual, 128)
	a.NoError(err)
	a.Equal(len(data), n)
	a.Equal(data, actual)
	n, err = wr.WriteAt(data, int64(size-4))
	a.Equal(4, n)
	a.Equal(io.EOF, err)
}

func TestMmfProtect(t *testing.T) {
	a := assert.New(t)
	ps := os.Getpagesize()
	file := testFile(t, 2*ps)
	rw, err := NewMemoryRegion(file, ipc.RightsReadWrite, 0, 2*ps)
	if !a.NoError(err) {
		return
	}
	defer rw.Close()
	a.NoError(rw.Protect(0, 2*ps, ipc.RightsRead))
	a.Equal(ipc.RightsRead, rw.Rights())
	a.NoError(rw.Protect(0, 2*ps, ipc.RightsReadWrite))
	rw.Data()[ps] = 1
	a.NoError(rw.Protect(10, 10, ipc.RightsNone))
	a.Error(rw.Protect(ps, 2*ps, ipc.RightsRead))
	a.NoError(rw.Protect(0, ps, ipc.RightsReadWrite))
	a.Equal(byte(1), rw.Data()[ps])
}

func TestMmfWriterCopy(t *testing.T) {
	a := assert.New(t)
	size := os.Getpagesize()
	in := testFile(t, size)
	out := testFile(t, size)
	inRegion, err := NewMemoryRegion(in, ipc.RightsReadWrite, 0, size)
	if !a.NoError(err) {
		return
	}
	defer inRegion.Close()
	for i := range inRegion.Data() {
		inRegion.Data()[i] = byte(i)
	}
	outRegion, err := NewMemoryRegion(out, ipc.RightsReadWrite, 0, size)
	if !a.NoError(err) {
		return
	}
	defer outRegion.Close()
	written, err := io.Copy(NewMemoryRegionWriter(outRegion), NewMemoryRegionReader(inRegion))
	a.NoError(err)
	a.Equal(int64(size), written)
	a.Equal(inRegion.Data(), outRegion.Data())
}

func TestMmfReaderWriterAccess(t *testing.T) {
	a := assert.New(t)
	size := os.Getpagesize()
	file := testFile(t, size)
	rw, err := NewMemoryRegion(file, ipc.RightsReadWrite, 0, size)
	if !a.NoError(err) {
		return
	}
	ro, err := NewMemoryRegion(file, ipc.RightsRead, 0, size)
	if !a.NoError(err) {
		return
	}
	defer ro.Close()

	_, err = NewMemoryRegionWriter(ro).Write([]byte("x"))
	a.Equal(ErrAccessDenied, errors.Cause(err))

	wr := NewMemoryRegionWriter(rw)
	n, err := wr.Write([]byte("abc"))
	a.NoError(err)
	a.Equal(3, n)
	n, err = wr.Write([]byte("def"))
	a.NoError(err)
	a.Equal(3, n)

	rd := NewMemoryRegionReader(ro)
	buf := make([]byte, 4)
	n, err = rd.Read(buf)
	a.NoError(err)
	a.Equal("abcd", string(buf[:n]))
	rest, err := io.ReadAll(rd)
	a.NoError(err)
	a.Equal(size-4, len(rest))
	a.Equal("ef", string(rest[:2]))
	n, err = rd.Read(buf)
	a.Equal(0, n)
	a.Equal(io.EOF, err)

	a.NoError(rw.Protect(0, size, ipc.RightsNone))
	_, err = NewMemoryRegionReader(rw).ReadAt(buf, 0)
	a.Equal(ErrAccessDenied, errors.Cause(err))
	a.NoError(rw.Close())
	_, err = NewMemoryRegionReader(rw).ReadAt(buf, 0)
	a.Equal(ErrUnmapped, err)
	_, err = wr.Write([]byte("g"))
	a.Equal(ErrUnmapped, err)
	a.Equal(ErrUnmapped, rw.Protect(0, size, ipc.RightsRead))
}
