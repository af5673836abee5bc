// Copyright 2016 Aleksandr Demakin. All rights reserved.

package main

import (
	"context"
	"io"

	ipc "github.com/nxgtw/actor-ipc"
	"github.com/nxgtw/actor-ipc/actor"
	"github.com/nxgtw/actor-ipc/wire"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	kindRoot actor.Kind = iota + 1
	kindWorker
)

// message types of the worker protocol.
const (
	blobType uint32 = iota + 1
	segmentType
	snapshotType
)

type probeRoot struct {
	actor.Protocol
	codec   wire.Codec
	log     *zap.Logger
	workers chan *probeWorker
}

func newProbeRoot(codec wire.Codec, log *zap.Logger) *probeRoot {
	r := &probeRoot{codec: codec, log: log, workers: make(chan *probeWorker, 1)}
	r.Init(r, kindRoot)
	return r
}

func (r *probeRoot) Proto() *actor.Protocol {
	return &r.Protocol
}

func (r *probeRoot) ActorDestroy(reason actor.DestroyReason) {
	r.log.Debug("root destroyed", zap.Stringer("reason", reason))
}

func (r *probeRoot) OnMessageReceived(ctx context.Context, msg *wire.Message) actor.Result {
	return actor.Fail(r, "root does not accept messages")
}

func (r *probeRoot) OnCallReceived(ctx context.Context, msg *wire.Message) (*wire.Message, actor.Result) {
	return nil, actor.Fail(r, "root does not accept calls")
}

// AllocManaged implements actor.Allocator.
func (r *probeRoot) AllocManaged(kind actor.Kind) (actor.Actor, error) {
	if kind != kindWorker {
		return nil, errors.Errorf("unknown actor kind %d", kind)
	}
	w := newProbeWorker(r.codec, r.log)
	select {
	case r.workers <- w:
	default:
	}
	return w, nil
}

// probeWorker checks the data it receives and replies with its checksum.
type probeWorker struct {
	actor.Protocol
	codec wire.Codec
	log   *zap.Logger
}

func newProbeWorker(codec wire.Codec, log *zap.Logger) *probeWorker {
	w := &probeWorker{codec: codec, log: log}
	w.Init(w, kindWorker)
	return w
}

func (w *probeWorker) Proto() *actor.Protocol {
	return &w.Protocol
}

func (w *probeWorker) ActorDestroy(reason actor.DestroyReason) {
	w.log.Debug("worker destroyed", zap.Int32("routing", w.ID()), zap.Stringer("reason", reason))
}

func (w *probeWorker) OnMessageReceived(ctx context.Context, msg *wire.Message) actor.Result {
	return actor.Fail(w, "worker does not accept messages")
}

func (w *probeWorker) OnCallReceived(ctx context.Context, msg *wire.Message) (*wire.Message, actor.Result) {
	var (
		sum  uint64
		flag bool
		err  error
	)
	r := wire.NewReader(msg)
	switch msg.Type {
	case blobType:
		sum, flag, err = w.checkBlob(r)
	case segmentType:
		sum, err = w.checkSegment(r)
	case snapshotType:
		sum, flag, err = w.checkSnapshot(r)
	default:
		err = errors.Errorf("unknown message type %d", msg.Type)
	}
	if err != nil {
		return nil, actor.Fail(w, err.Error())
	}
	reply := wire.NewReply(msg)
	out := wire.NewWriter()
	out.WriteUint64(sum)
	out.WriteBool(flag)
	if err := reply.SetPayload(out); err != nil {
		return nil, actor.Fail(w, err.Error())
	}
	return reply, actor.Ok()
}

// checkBlob returns the checksum of a big buffer and whether it came in shared memory.
func (w *probeWorker) checkBlob(r *wire.Reader) (uint64, bool, error) {
	buf, err := w.codec.ReadBigBuffer(r)
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to read blob")
	}
	defer buf.Close()
	return xxhash.Sum64(buf.Data()), buf.Shared(), nil
}

func (w *probeWorker) checkSegment(r *wire.Reader) (uint64, error) {
	seg, err := w.Toplevel().Segments().ReadSegment(r)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read segment")
	}
	return xxhash.Sum64(seg.Data()), nil
}

// checkSnapshot returns the checksum of a snapshot and whether it is read-only.
func (w *probeWorker) checkSnapshot(r *wire.Reader) (uint64, bool, error) {
	size := r.ReadLen()
	h := r.ReadHandle()
	if err := r.Err(); err != nil {
		return 0, false, errors.Wrap(err, "failed to read snapshot")
	}
	defer h.Close()
	if size > h.Size() {
		return 0, false, errors.Wrapf(wire.ErrFraming, "snapshot size %d exceeds the region", size)
	}
	m, err := h.Map(h.Size())
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to map snapshot")
	}
	defer m.Close()
	digest := xxhash.New()
	if _, err := io.CopyN(digest, m.NewReader(), int64(size)); err != nil {
		return 0, false, errors.Wrap(err, "failed to read snapshot")
	}
	return digest.Sum64(), h.Frozen() && m.Rights() == ipc.RightsRead, nil
}
