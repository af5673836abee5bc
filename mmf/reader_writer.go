// Copyright 2016 Aleksandr Demakin. All rights reserved.

package mmf

import (
	"io"

	ipc "github.com/nxgtw/actor-ipc"

	"github.com/pkg/errors"
)

var (
	// ErrUnmapped is returned by readers and writers of a closed region.
	ErrUnmapped = errors.New("memory region is not mapped")
	// ErrAccessDenied is returned, if the mapping's current rights do not allow the operation.
	ErrAccessDenied = errors.New("memory region access denied")
)

// view returns the mapped bytes of the region, bounded by its size,
// if the region is mapped with at least the given rights.
func view(region *MemoryRegion, need ipc.Rights) ([]byte, error) {
	data := region.Data()
	if data == nil {
		return nil, ErrUnmapped
	}
	if rights := region.Rights(); rights < need {
		return nil, errors.Wrapf(ErrAccessDenied, "mapping is %s", rights)
	}
	return data[:region.Size()], nil
}

// MemoryRegionReader reads the contents of a mapping sequentially or at offsets.
// Each call checks, that the region is still mapped, so a reader outliving
// its mapping fails instead of faulting. The reader keeps the region alive.
type MemoryRegionReader struct {
	region *MemoryRegion
	pos    int64
}

// NewMemoryRegionReader returns a reader starting at the beginning of region.
func NewMemoryRegionReader(region *MemoryRegion) *MemoryRegionReader {
	return &MemoryRegionReader{region: region}
}

// ReadAt implements io.ReaderAt.
func (r *MemoryRegionReader) ReadAt(p []byte, off int64) (int, error) {
	data, err := view(r.region, ipc.RightsRead)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, errors.Errorf("invalid offset %d", off)
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Read implements io.Reader.
func (r *MemoryRegionReader) Read(p []byte) (int, error) {
	n, err := r.ReadAt(p, r.pos)
	r.pos += int64(n)
	if n > 0 && err == io.EOF {
		err = nil
	}
	return n, err
}

// MemoryRegionWriter fills a writable mapping. Writes past the end
// are truncated and return io.EOF.
// Only whole-mapping protection changes are seen by the rights check.
type MemoryRegionWriter struct {
	region *MemoryRegion
	pos    int64
}

// NewMemoryRegionWriter returns a writer starting at the beginning of region.
func NewMemoryRegionWriter(region *MemoryRegion) *MemoryRegionWriter {
	return &MemoryRegionWriter{region: region}
}

// WriteAt implements io.WriterAt.
func (w *MemoryRegionWriter) WriteAt(p []byte, off int64) (int, error) {
	data, err := view(w.region, ipc.RightsReadWrite)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, errors.Errorf("invalid offset %d", off)
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(data[off:], p)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Write implements io.Writer.
func (w *MemoryRegionWriter) Write(p []byte) (int, error) {
	n, err := w.WriteAt(p, w.pos)
	w.pos += int64(n)
	return n, err
}
