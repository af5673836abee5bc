// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package shmem implements shared memory segments owned by an actor tree.
//
// A segment is created by one side with Table.Allocate, which also produces a
// control message announcing the segment to the peer. Both sides keep the
// segment in their tables until it is destroyed by either of them, or until
// the channel goes away and Table.DestroyAll is called.
//
// Segments have a single logical owner. Writing a segment into a message
// revokes local access until the segment comes back in another message.
package shmem

import (
	"sync"

	ipc "github.com/nxgtw/actor-ipc"
	"github.com/nxgtw/actor-ipc/shm"
)

// Segment is a shared memory region registered in a Table.
type Segment struct {
	id     int32
	size   int
	unsafe bool

	mu        sync.Mutex
	handle    *shm.Handle
	mapping   *shm.Mapping
	revoked   bool
	protected bool
	destroyed bool
}

// ID returns the segment id, unique within one actor tree.
func (s *Segment) ID() int32 {
	return s.id
}

// Size returns the logical size requested by the allocating side.
func (s *Segment) Size() int {
	return s.size
}

// RegionSize returns the size of the mapped region.
func (s *Segment) RegionSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapping == nil {
		return 0
	}
	return s.mapping.Size()
}

// Unsafe returns true for segments, which are never revoked on send.
func (s *Segment) Unsafe() bool {
	return s.unsafe
}

// Data returns the first Size bytes of the region.
// It returns nil, if the segment was sent to the peer or destroyed.
func (s *Segment) Data() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked || s.mapping == nil {
		return nil
	}
	return s.mapping.Data()[:s.size]
}

// Revoked returns true, if the segment was sent and not received back.
func (s *Segment) Revoked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked
}

// Destroyed returns true, if the segment was removed from its table.
func (s *Segment) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// revoke takes local access away. With protect set, the pages become inaccessible.
func (s *Segment) revoke(protect bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	if s.unsafe || s.revoked {
		return nil
	}
	if protect {
		if err := s.mapping.Protect(0, s.mapping.Size(), ipc.RightsNone); err != nil {
			return err
		}
		s.protected = true
	}
	s.revoked = true
	return nil
}

// restore gives local access back after the segment was received.
func (s *Segment) restore() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	if s.protected {
		if err := s.mapping.Protect(0, s.mapping.Size(), ipc.RightsReadWrite); err != nil {
			return err
		}
		s.protected = false
	}
	s.revoked = false
	return nil
}

// release unmaps the region. It returns false, if it was already released.
func (s *Segment) release() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return false
	}
	s.destroyed = true
	if s.mapping != nil {
		s.mapping.Close()
		s.mapping = nil
	}
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	return true
}
