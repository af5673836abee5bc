// Copyright 2015 Aleksandr Demakin. All rights reserved.

// Package mmf maps shared memory handles into the process' address space.
package mmf

import (
	"os"
	"runtime"

	ipc "github.com/nxgtw/actor-ipc"

	"github.com/pkg/errors"
)

var (
	mmapOffsetMultiple = int64(os.Getpagesize())
)

// Mappable is an object, which can return a handle,
// that can be used as a file descriptor for mmap.
type Mappable interface {
	Fd() uintptr
}

// MemoryRegion is a mmapped area of a memory object.
// Warning. The internal object has a finalizer set,
// so the region will be unmapped during the gc.
// Keep a reference to the region while its Data() is in use.
type MemoryRegion struct {
	*memoryRegion
}

// NewMemoryRegion creates a new mapping.
//	object - an object to mmap.
//	rights - mapping access rights. RightsNone is not allowed.
//	offset - offset in bytes from the beginning of the object.
//	size - mapping size.
func NewMemoryRegion(object Mappable, rights ipc.Rights, offset int64, size int) (*MemoryRegion, error) {
	if size <= 0 {
		return nil, errors.New("invalid mapping size")
	}
	impl, err := newMemoryRegion(object, rights, offset, size)
	if err != nil {
		return nil, err
	}
	runtime.SetFinalizer(impl, func(region *memoryRegion) {
		region.Close()
	})
	return &MemoryRegion{impl}, nil
}

// Close unmaps the region so that it cannot be longer used.
// Calling Close more than once is a no-op.
func (region *MemoryRegion) Close() error {
	return region.memoryRegion.Close()
}

// Data returns region's mapped data or nil, if the region was closed.
func (region *MemoryRegion) Data() []byte {
	return region.memoryRegion.Data()
}

// Size returns mapping size.
func (region *MemoryRegion) Size() int {
	return region.memoryRegion.Size()
}

// Rights returns current access rights of the whole mapping.
func (region *MemoryRegion) Rights() ipc.Rights {
	return region.memoryRegion.Rights()
}

// Closed returns true, if the region has been unmapped.
func (region *MemoryRegion) Closed() bool {
	return region.memoryRegion.Data() == nil
}

// Protect changes access rights of the pages covering [off, off+length).
func (region *MemoryRegion) Protect(off, length int, rights ipc.Rights) error {
	return region.memoryRegion.Protect(off, length, rights)
}

// calcMmapOffsetFixup returns a value X,
// so that  offset - X is a valid mmap offset.
func calcMmapOffsetFixup(offset int64) int64 {
	return (offset - (offset/mmapOffsetMultiple)*mmapOffsetMultiple)
}
