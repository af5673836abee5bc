// Copyright 2015 Aleksandr Demakin. All rights reserved.

// Package shm implements anonymous shared memory objects, which can be mapped,
// duplicated for transfer to other processes and frozen into an immutable state.
package shm

import (
	"os"
	"runtime"
	"sync"

	ipc "github.com/nxgtw/actor-ipc"
	"github.com/nxgtw/actor-ipc/internal/common"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidHandle is returned for operations on a closed or frozen-away handle.
	ErrInvalidHandle = errors.New("invalid shared memory handle")
	// ErrFrozen is returned when an operation would weaken the guarantees of a frozen object.
	ErrFrozen = errors.New("shared memory is frozen")
	// ErrNotFreezable is returned by Freeze on handles created without that capability,
	// or the ones, which were cloned.
	ErrNotFreezable = errors.New("shared memory handle is not freezable")
	// ErrMapped is returned by Freeze if the handle still has live mappings.
	ErrMapped = errors.New("shared memory handle is still mapped")
	// ErrUnsafeHandle is returned by Map if the handle does not refer to an anonymous shared memory object.
	ErrUnsafeHandle = errors.New("unsafe shared memory handle")
	// ErrTooLarge is returned if the requested mapping exceeds the object size.
	ErrTooLarge = errors.New("mapping size exceeds object size")
)

// Option configures a handle.
type Option func(*options)

type options struct {
	stats *Stats
}

// WithStats makes the handle and all its mappings report to the given counters.
func WithStats(stats *Stats) Option {
	return func(o *options) {
		o.stats = stats
	}
}

func makeOptions(opts []Option) options {
	var result options
	for _, opt := range opts {
		opt(&result)
	}
	return result
}

// Handle is a reference to an OS shared memory object.
// Handles are not safe to be used after Close, Freeze, or passing the ownership to other processes.
// Warning. The internal object has a finalizer set,
// so the object will be closed during the gc.
type Handle struct {
	*handle
}

type handle struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	size      int
	rights    ipc.Rights
	freezable bool
	frozen    bool
	mappings  int
	stats     *Stats
}

func newHandle(impl *handle) *Handle {
	impl.stats.handleOpened()
	runtime.SetFinalizer(impl, func(h *handle) {
		h.Close()
	})
	return &Handle{impl}
}

// Create allocates a new shared memory object of at least size bytes.
// The size is rounded up to the page size.
//	freezable - if true, the object can later be converted into an immutable one with Freeze.
func Create(size int, freezable bool, opts ...Option) (*Handle, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid shared memory size %d", size)
	}
	o := makeOptions(opts)
	size = ipc.PageAlignedSize(size)
	file, path, err := createObject(size, freezable)
	if err != nil {
		return nil, err
	}
	o.stats.handleCreated()
	return newHandle(&handle{
		file:      file,
		path:      path,
		size:      size,
		rights:    ipc.RightsReadWrite,
		freezable: freezable,
		stats:     o.stats,
	}), nil
}

// HandleFromFd takes the ownership of a received descriptor and
// reconstructs its state from the OS. The resulting handle is never freezable.
func HandleFromFd(fd uintptr, opts ...Option) (*Handle, error) {
	o := makeOptions(opts)
	file := os.NewFile(fd, "shm")
	if file == nil {
		return nil, ErrInvalidHandle
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "stat failed")
	}
	mode, err := common.AccessMode(int(fd))
	if err != nil {
		file.Close()
		return nil, err
	}
	rights := ipc.RightsRead
	if mode == os.O_RDWR {
		rights = ipc.RightsReadWrite
	}
	return newHandle(&handle{
		file:   file,
		size:   int(fi.Size()),
		rights: rights,
		frozen: isFrozen(file) || rights == ipc.RightsRead,
		stats:  o.stats,
	}), nil
}

// Fd returns the descriptor of the object or ^uintptr(0), if the handle is invalid.
func (h *handle) Fd() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return ^uintptr(0)
	}
	return h.file.Fd()
}

// Size returns the page-aligned size of the object.
func (h *handle) Size() int {
	return h.size
}

// Rights returns the access rights of the handle.
func (h *handle) Rights() ipc.Rights {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return ipc.RightsNone
	}
	return h.rights
}

// Freezable returns true, if Freeze can still be called on the handle.
func (h *handle) Freezable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file != nil && h.freezable
}

// Frozen returns true, if the handle refers to an immutable object.
func (h *handle) Frozen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frozen
}

// Valid returns true, if the handle was not closed.
func (h *handle) Valid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file != nil
}

// Close releases the handle. Existing mappings stay valid.
// Calling Close more than once is a no-op.
func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked()
}

func (h *handle) closeLocked() error {
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	if h.path != "" {
		os.Remove(h.path)
		h.path = ""
	}
	h.file = nil
	h.stats.handleClosed()
	runtime.SetFinalizer(h, nil)
	return errors.Wrap(err, "close failed")
}

// Clone duplicates the handle, so that it can be sent to another process.
// The source handle is no longer freezable after that, as the duplicate
// may be used to write into the object at any time.
func (h *handle) Clone() (*Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil, ErrInvalidHandle
	}
	fd, err := common.CloseOnExecDup(int(h.file.Fd()))
	if err != nil {
		return nil, err
	}
	h.freezable = false
	if h.path != "" {
		// the name is needed only to reopen the object while freezing.
		os.Remove(h.path)
		h.path = ""
	}
	return newHandle(&handle{
		file:   os.NewFile(uintptr(fd), h.file.Name()),
		size:   h.size,
		rights: h.rights,
		frozen: h.frozen,
		stats:  h.stats,
	}), nil
}

// Freeze converts the object into a read-only one.
// It returns a new read-only, non-freezable handle and invalidates the original one.
// The handle must be freezable, writable and must not have live mappings.
func (h *handle) Freeze() (*Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil, ErrInvalidHandle
	}
	if !h.freezable {
		return nil, ErrNotFreezable
	}
	if h.rights != ipc.RightsReadWrite {
		return nil, ErrFrozen
	}
	if h.mappings > 0 {
		return nil, ErrMapped
	}
	ro, err := freezeObject(h.file, h.path)
	if err != nil {
		return nil, err
	}
	h.path = ""
	if err := h.closeLocked(); err != nil {
		ro.Close()
		return nil, err
	}
	h.stats.frozen()
	return newHandle(&handle{
		file:   ro,
		size:   h.size,
		rights: ipc.RightsRead,
		frozen: true,
		stats:  h.stats,
	}), nil
}

// Map maps the first size bytes of the object into the address space
// with the rights of the handle. It fails, if the handle does not refer to
// an anonymous shared memory object.
func (h *handle) Map(size int) (*Mapping, error) {
	return h.mapObject(size, true)
}

// MapUnsafe is the same as Map, but it does not check the object.
// Use it only for handles of a trusted origin.
func (h *handle) MapUnsafe(size int) (*Mapping, error) {
	return h.mapObject(size, false)
}

func (h *handle) mapObject(size int, safe bool) (*Mapping, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil, ErrInvalidHandle
	}
	if safe {
		if err := checkMappable(h.file); err != nil {
			return nil, err
		}
	}
	if size > h.size {
		return nil, ErrTooLarge
	}
	m, err := newMapping(h, size)
	if err != nil {
		return nil, err
	}
	h.mappings++
	return m, nil
}

func (h *handle) unmapped() {
	h.mu.Lock()
	h.mappings--
	h.mu.Unlock()
}
