// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package snapshot builds immutable shared memory artifacts.
// A Builder creates a writable region, lets the caller fill it in place,
// and then freezes it into a read-only handle, which can be shared with
// any number of peers, none of which can ever regain write access.
package snapshot

import (
	"github.com/nxgtw/actor-ipc/internal/helper"
	"github.com/nxgtw/actor-ipc/mmf"
	"github.com/nxgtw/actor-ipc/shm"

	"github.com/pkg/errors"
)

var (
	// ErrInitialized is returned by Init on an already initialized builder.
	ErrInitialized = errors.New("snapshot builder is already initialized")
	// ErrNotInitialized is returned by Finalize if Init was not called.
	ErrNotInitialized = errors.New("snapshot builder is not initialized")
	// ErrFinalized is returned when the builder is used after Finalize.
	ErrFinalized = errors.New("snapshot builder is finalized")
)

type state int

const (
	stateUninit state = iota
	stateInitialized
	stateFinalized
)

// Builder is a one-shot constructor of a read-only snapshot.
type Builder struct {
	state   state
	handle  *shm.Handle
	mapping *shm.Mapping
	writer  *mmf.MemoryRegionWriter
	opts    []shm.Option
}

// NewBuilder returns an uninitialized builder. opts are passed to the shared memory object.
func NewBuilder(opts ...shm.Option) *Builder {
	return &Builder{opts: opts}
}

// Init creates a freezable region of size bytes and maps it read-write.
func (b *Builder) Init(size int) error {
	switch b.state {
	case stateInitialized:
		return ErrInitialized
	case stateFinalized:
		return ErrFinalized
	}
	handle, mapping, err := helper.CreateWritableRegion(size, true, b.opts...)
	if err != nil {
		return err
	}
	b.handle, b.mapping = handle, mapping
	b.writer = mapping.NewWriter()
	b.state = stateInitialized
	return nil
}

// Write appends p to the data written so far.
// It returns io.EOF if p does not fit into the region.
func (b *Builder) Write(p []byte) (int, error) {
	if b.state != stateInitialized {
		return 0, ErrNotInitialized
	}
	return b.writer.Write(p)
}

// Memory returns the writable bytes of an initialized builder, or nil.
func (b *Builder) Memory() []byte {
	if b.state != stateInitialized {
		return nil
	}
	return b.mapping.Data()
}

// Finalize unmaps the region, freezes it and returns the read-only handle.
// The builder holds no resources afterwards, even if an error is returned.
func (b *Builder) Finalize() (*shm.Handle, error) {
	switch b.state {
	case stateUninit:
		return nil, ErrNotInitialized
	case stateFinalized:
		return nil, ErrFinalized
	}
	b.state = stateFinalized
	handle, mapping := b.handle, b.mapping
	b.handle, b.mapping, b.writer = nil, nil, nil
	defer handle.Close()
	if err := mapping.Close(); err != nil {
		return nil, errors.Wrap(err, "unmap failed")
	}
	ro, err := handle.Freeze()
	if err != nil {
		return nil, errors.Wrap(err, "freeze failed")
	}
	return ro, nil
}
