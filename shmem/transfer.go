// Copyright 2016 Aleksandr Demakin. All rights reserved.

package shmem

import (
	"github.com/nxgtw/actor-ipc/wire"

	"github.com/pkg/errors"
)

// WriteSegment writes a reference to seg and revokes local access to it.
// The peer must have received the announcement of seg before the message.
func (t *Table) WriteSegment(w *wire.Writer, seg *Segment) error {
	if seg.Destroyed() {
		return t.misuse(errors.Wrapf(ErrDestroyed, "segment %d", seg.id))
	}
	if !seg.unsafe && seg.Revoked() {
		return t.misuse(errors.Wrapf(ErrRevoked, "segment %d", seg.id))
	}
	w.WriteInt32(seg.id)
	w.WriteLen(seg.size)
	if err := w.Err(); err != nil {
		return err
	}
	return seg.revoke(t.opts.Protect)
}

// ReadSegment reads a segment reference and gives local access back.
// A size different from the registered one, or exceeding the region, is a framing error.
func (t *Table) ReadSegment(r *wire.Reader) (*Segment, error) {
	id := r.ReadInt32()
	size := r.ReadLen()
	if err := r.Err(); err != nil {
		return nil, err
	}
	seg, ok := t.segments.Get(id)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSegment, "segment %d", id)
	}
	if size != seg.size || size > seg.RegionSize() {
		return nil, errors.Wrapf(ErrSizeMismatch, "segment %d: size %d, registered %d", id, size, seg.size)
	}
	if err := seg.restore(); err != nil {
		return nil, err
	}
	return seg, nil
}
