// Copyright 2016 Aleksandr Demakin. All rights reserved.

package shm

import (
	"sync"

	ipc "github.com/nxgtw/actor-ipc"
	"github.com/nxgtw/actor-ipc/mmf"
)

// Mapping is a process-local view of a shared memory object.
type Mapping struct {
	mu     sync.Mutex
	region *mmf.MemoryRegion
	owner  *handle
	frozen bool
	size   int
}

func newMapping(owner *handle, size int) (*Mapping, error) {
	region, err := mmf.NewMemoryRegion(owner.file, owner.rights, 0, size)
	if err != nil {
		return nil, err
	}
	owner.stats.mapped(size)
	return &Mapping{region: region, owner: owner, frozen: owner.frozen, size: size}, nil
}

// Data returns mapped bytes or nil, if the mapping was closed.
func (m *Mapping) Data() []byte {
	return m.region.Data()
}

// NewReader returns a reader over the mapped bytes.
func (m *Mapping) NewReader() *mmf.MemoryRegionReader {
	return mmf.NewMemoryRegionReader(m.region)
}

// NewWriter returns a writer, which fills the mapping from its start.
func (m *Mapping) NewWriter() *mmf.MemoryRegionWriter {
	return mmf.NewMemoryRegionWriter(m.region)
}

// Size returns the mapping size.
func (m *Mapping) Size() int {
	return m.size
}

// Rights returns current access rights of the mapping.
func (m *Mapping) Rights() ipc.Rights {
	return m.region.Rights()
}

// Frozen returns true, if the mapping belongs to a frozen object.
func (m *Mapping) Frozen() bool {
	return m.frozen
}

// Closed returns true, if the mapping was unmapped.
func (m *Mapping) Closed() bool {
	return m.region.Closed()
}

// Protect changes access rights of the pages covering [off, off+length).
// It always fails for frozen objects.
func (m *Mapping) Protect(off, length int, rights ipc.Rights) error {
	if m.frozen {
		return ErrFrozen
	}
	return m.region.Protect(off, length, rights)
}

// Close unmaps the memory. Calling Close more than once is a no-op.
func (m *Mapping) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == nil {
		return nil
	}
	err := m.region.Close()
	m.owner.stats.unmapped(m.size)
	m.owner.unmapped()
	m.owner = nil
	return err
}
