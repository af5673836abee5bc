// Copyright 2016 Aleksandr Demakin. All rights reserved.

package shmem

import (
	"fmt"

	ipc "github.com/nxgtw/actor-ipc"
	"github.com/nxgtw/actor-ipc/internal/helper"
	"github.com/nxgtw/actor-ipc/internal/logging"
	"github.com/nxgtw/actor-ipc/shm"
	"github.com/nxgtw/actor-ipc/wire"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrSizeMismatch is returned, if a message claims a segment size larger than its region.
	ErrSizeMismatch = errors.New("segment size does not match the shared region")
	// ErrDoubleFree is returned, if a segment is destroyed twice.
	ErrDoubleFree = errors.New("segment is already destroyed")
	// ErrDestroyed is returned for operations on a destroyed segment.
	ErrDestroyed = errors.New("segment is destroyed")
	// ErrUnknownSegment is returned, if a message references a segment, which is not in the table.
	ErrUnknownSegment = errors.New("unknown segment")
	// ErrRevoked is returned, if a segment is sent again before it comes back.
	ErrRevoked = errors.New("segment was sent to the peer")
)

// Observer is notified about segments entering and leaving a table.
type Observer interface {
	SegmentAllocated()
	SegmentDestroyed()
}

// Options configure a Table.
type Options struct {
	// Protect makes sent segments inaccessible with page protection and turns misuse into panics.
	Protect    bool
	Logger     *zap.Logger
	Observer   Observer
	ShmOptions []shm.Option
}

// Table tracks the segments of one actor tree.
type Table struct {
	segments cmap.ConcurrentMap[int32, *Segment]
	nextID   func() int32
	opts     Options
	log      *zap.Logger
}

func shardID(id int32) uint32 {
	return uint32(id)
}

// NewTable returns an empty table. nextID allocates ids for new segments.
func NewTable(nextID func() int32, opts Options) *Table {
	return &Table{
		segments: cmap.NewWithCustomShardingFunction[int32, *Segment](shardID),
		nextID:   nextID,
		opts:     opts,
		log:      logging.OrNop(opts.Logger).With(zap.String("component", "shmem")),
	}
}

// Allocate creates a segment of at least size bytes and registers it.
// The returned message announces the segment to the peer and must be sent
// before any message referencing the segment.
func (t *Table) Allocate(size int, unsafe bool) (*Segment, *wire.Message, error) {
	if size <= 0 {
		return nil, nil, errors.Errorf("invalid segment size %d", size)
	}
	handle, mapping, err := helper.CreateWritableRegion(ipc.PageAlignedSize(size), false, t.opts.ShmOptions...)
	if err != nil {
		return nil, nil, err
	}
	dup, err := handle.Clone()
	if err != nil {
		mapping.Close()
		handle.Close()
		return nil, nil, errors.Wrap(err, "failed to clone segment handle")
	}
	seg := &Segment{id: t.nextID(), size: size, unsafe: unsafe, handle: handle, mapping: mapping}
	msg, err := createdMessage(seg.id, size, unsafe, dup)
	if err != nil {
		seg.release()
		return nil, nil, err
	}
	t.segments.Set(seg.id, seg)
	t.allocated()
	t.log.Debug("segment allocated", zap.Int32("segment", seg.id), zap.Int("size", size))
	return seg, msg, nil
}

// Receive registers a segment announced by the peer.
// If the id is already known, the existing segment is returned.
func (t *Table) Receive(msg *wire.Message) (*Segment, error) {
	if msg.Type != wire.ShmemCreatedType {
		return nil, errors.Wrapf(wire.ErrFraming, "message type %#x is not a segment announcement", msg.Type)
	}
	r := wire.NewReader(msg)
	id := r.ReadInt32()
	size := r.ReadLen()
	unsafe := r.ReadBool()
	handle := r.ReadHandle()
	if err := r.Err(); err != nil {
		if handle != nil {
			handle.Close()
		}
		return nil, errors.Wrap(err, "malformed segment announcement")
	}
	if size <= 0 || size > handle.Size() {
		handle.Close()
		return nil, errors.Wrapf(ErrSizeMismatch, "segment %d: size %d, region %d", id, size, handle.Size())
	}
	if seg, ok := t.segments.Get(id); ok {
		handle.Close()
		if seg.size != size {
			return nil, errors.Wrapf(ErrSizeMismatch, "segment %d is already known with size %d", id, seg.size)
		}
		return seg, nil
	}
	mapping, err := helper.MapReceived(handle, handle.Size())
	if err != nil {
		handle.Close()
		return nil, err
	}
	seg := &Segment{id: id, size: size, unsafe: unsafe, handle: handle, mapping: mapping}
	if !t.segments.SetIfAbsent(id, seg) {
		seg.release()
		existing, _ := t.segments.Get(id)
		return existing, nil
	}
	t.allocated()
	t.log.Debug("segment received", zap.Int32("segment", id), zap.Int("size", size))
	return seg, nil
}

// Lookup returns the segment with the given id.
func (t *Table) Lookup(id int32) (*Segment, bool) {
	return t.segments.Get(id)
}

// Len returns the number of registered segments.
func (t *Table) Len() int {
	return t.segments.Count()
}

// Destroy unmaps the segment and removes it from the table.
// The returned message tells the peer to drop the segment too.
func (t *Table) Destroy(seg *Segment) (*wire.Message, error) {
	if !t.segments.RemoveCb(seg.id, func(key int32, v *Segment, exists bool) bool {
		return exists && v == seg
	}) || !seg.release() {
		return nil, t.misuse(errors.Wrapf(ErrDoubleFree, "segment %d", seg.id))
	}
	t.destroyed()
	t.log.Debug("segment destroyed", zap.Int32("segment", seg.id))
	return destroyedMessage(seg.id)
}

// OnDestroyed handles the peer's notification about a destroyed segment.
// Unknown ids are ignored, as both sides may destroy a segment at the same time.
func (t *Table) OnDestroyed(msg *wire.Message) error {
	if msg.Type != wire.ShmemDestroyedType {
		return errors.Wrapf(wire.ErrFraming, "message type %#x is not a segment removal", msg.Type)
	}
	r := wire.NewReader(msg)
	id := r.ReadInt32()
	if err := r.Err(); err != nil {
		return errors.Wrap(err, "malformed segment removal")
	}
	seg, ok := t.segments.Pop(id)
	if !ok {
		t.log.Debug("removal of unknown segment", zap.Int32("segment", id))
		return nil
	}
	if seg.release() {
		t.destroyed()
	}
	return nil
}

// DestroyAll unmaps all segments without notifying the peer.
// It is used, when the channel is gone.
func (t *Table) DestroyAll() int {
	var count int
	for _, id := range t.segments.Keys() {
		seg, ok := t.segments.Pop(id)
		if !ok {
			continue
		}
		if seg.release() {
			t.destroyed()
			count++
		}
	}
	if count > 0 {
		t.log.Info("forced segment teardown", zap.Int("count", count))
	}
	return count
}

func (t *Table) misuse(err error) error {
	if t.opts.Protect {
		panic(fmt.Sprintf("shmem: %v", err))
	}
	t.log.Warn("segment misuse", zap.Error(err))
	return err
}

func (t *Table) allocated() {
	if t.opts.Observer != nil {
		t.opts.Observer.SegmentAllocated()
	}
}

func (t *Table) destroyed() {
	if t.opts.Observer != nil {
		t.opts.Observer.SegmentDestroyed()
	}
}

func createdMessage(id int32, size int, unsafe bool, handle *shm.Handle) (*wire.Message, error) {
	w := wire.NewWriter()
	w.WriteInt32(id)
	w.WriteLen(size)
	w.WriteBool(unsafe)
	w.WriteHandle(handle)
	msg := wire.NewControlMessage(wire.ShmemCreatedType)
	if err := msg.SetPayload(w); err != nil {
		return nil, err
	}
	return msg, nil
}

func destroyedMessage(id int32) (*wire.Message, error) {
	w := wire.NewWriter()
	w.WriteInt32(id)
	msg := wire.NewControlMessage(wire.ShmemDestroyedType)
	if err := msg.SetPayload(w); err != nil {
		return nil, err
	}
	return msg, nil
}
