// Copyright 2015 Aleksandr Demakin. All rights reserved.

//go:build darwin || freebsd || linux

package mmf

import (
	"sync"

	ipc "github.com/nxgtw/actor-ipc"
	"github.com/nxgtw/actor-ipc/internal/allocator"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type memoryRegion struct {
	mut        sync.Mutex
	data       []byte
	size       int
	pageOffset int64
	rights     ipc.Rights
}

func newMemoryRegion(obj Mappable, rights ipc.Rights, offset int64, size int) (*memoryRegion, error) {
	prot, err := protFromRights(rights)
	if err != nil {
		return nil, errors.Wrap(err, "memory region flags check failed")
	}
	if rights == ipc.RightsNone {
		return nil, errors.New("cannot map a region without access rights")
	}
	if size, err = checkMmapSize(obj, offset, size); err != nil {
		return nil, errors.Wrap(err, "size check failed")
	}
	pageOffset := calcMmapOffsetFixup(offset)
	var data []byte
	if data, err = unix.Mmap(int(obj.Fd()), offset-pageOffset, size+int(pageOffset), prot, unix.MAP_SHARED); err != nil {
		return nil, errors.Wrap(err, "mmap failed")
	}
	return &memoryRegion{data: data, size: size, pageOffset: pageOffset, rights: rights}, nil
}

func (region *memoryRegion) Close() error {
	region.mut.Lock()
	defer region.mut.Unlock()
	if region.data != nil {
		err := unix.Munmap(region.data)
		region.data = nil
		region.pageOffset = 0
		region.size = 0
		region.rights = ipc.RightsNone
		return errors.Wrap(err, "munmap failed")
	}
	return nil
}

func (region *memoryRegion) Data() []byte {
	region.mut.Lock()
	defer region.mut.Unlock()
	if region.data == nil {
		return nil
	}
	return region.data[region.pageOffset:]
}

func (region *memoryRegion) Size() int {
	region.mut.Lock()
	defer region.mut.Unlock()
	return region.size
}

func (region *memoryRegion) Rights() ipc.Rights {
	region.mut.Lock()
	defer region.mut.Unlock()
	return region.rights
}

func (region *memoryRegion) Protect(off, length int, rights ipc.Rights) error {
	prot, err := protFromRights(rights)
	if err != nil {
		return err
	}
	region.mut.Lock()
	defer region.mut.Unlock()
	if region.data == nil {
		return ErrUnmapped
	}
	pages, ok := allocator.PageRange(region.data, off+int(region.pageOffset), length, int(mmapOffsetMultiple))
	if !ok {
		return errors.Errorf("invalid protection range [%d, %d)", off, off+length)
	}
	if err := unix.Mprotect(pages, prot); err != nil {
		return errors.Wrap(err, "mprotect failed")
	}
	if off == 0 && length >= region.size {
		region.rights = rights
	}
	return nil
}

func protFromRights(rights ipc.Rights) (int, error) {
	switch rights {
	case ipc.RightsNone:
		return unix.PROT_NONE, nil
	case ipc.RightsRead:
		return unix.PROT_READ, nil
	case ipc.RightsReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE, nil
	default:
		return 0, errors.Errorf("invalid memory region rights %d", rights)
	}
}

// we need this check on unix, because you can actually mmap more bytes,
// then the size of the object, which can cause unexpected problems.
func checkMmapSize(obj Mappable, offset int64, size int) (int, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(int(obj.Fd()), &stat); err != nil {
		return 0, errors.Wrap(err, "fstat failed")
	}
	if int64(size)+offset > stat.Size {
		return 0, errors.New("invalid mapping length")
	}
	return size, nil
}
