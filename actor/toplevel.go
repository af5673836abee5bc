// Copyright 2016 Aleksandr Demakin. All rights reserved.

package actor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nxgtw/actor-ipc/channel"
	"github.com/nxgtw/actor-ipc/executor"
	"github.com/nxgtw/actor-ipc/internal/logging"
	"github.com/nxgtw/actor-ipc/shm"
	"github.com/nxgtw/actor-ipc/shmem"
	"github.com/nxgtw/actor-ipc/wire"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options configure a Toplevel.
type Options struct {
	Channel channel.Options
	// Debug turns lifecycle misuse into panics and protects sent segments.
	Debug           bool
	Logger          *zap.Logger
	SegmentObserver shmem.Observer
	ShmOptions      []shm.Option
}

// Toplevel is the root of an actor tree. It owns the channel and implements its listener.
type Toplevel struct {
	root     Actor
	ch       *channel.Channel
	target   *executor.Target
	arena    *Arena
	routes   cmap.ConcurrentMap[int32, *Protocol]
	segments *shmem.Table
	lastID   atomic.Int32
	opts     Options
	log      *zap.Logger

	connected   chan struct{}
	connectOnce sync.Once
	done        chan struct{}
	closeOnce   sync.Once
	mu          sync.Mutex
	err         error
}

var _ channel.Listener = (*Toplevel)(nil)

func routeShard(id int32) uint32 {
	return uint32(id)
}

// NewToplevel creates a tree with root at its top. All actors of the tree run on target.
func NewToplevel(root Actor, target *executor.Target, opts Options) *Toplevel {
	p := root.Proto()
	if p.self == nil {
		panic("actor: protocol is not initialized")
	}
	if opts.Channel.Logger == nil {
		opts.Channel.Logger = opts.Logger
	}
	tl := &Toplevel{
		root:      root,
		target:    target,
		arena:     NewArena(),
		routes:    cmap.NewWithCustomShardingFunction[int32, *Protocol](routeShard),
		opts:      opts,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	tl.ch = channel.New(tl, target, opts.Channel)
	tl.log = logging.OrNop(opts.Logger).With(zap.String("channel", tl.ch.ID()))
	tl.segments = shmem.NewTable(tl.nextID, shmem.Options{
		Protect:    opts.Debug,
		Logger:     tl.log,
		Observer:   opts.SegmentObserver,
		ShmOptions: opts.ShmOptions,
	})
	p.id, p.toplevel = wire.ControlRouting, tl
	tl.routes.Set(p.id, p)
	return tl
}

// Root returns the toplevel actor.
func (tl *Toplevel) Root() Actor {
	return tl.root
}

// Channel returns the channel of the tree.
func (tl *Toplevel) Channel() *channel.Channel {
	return tl.ch
}

// Target returns the executor of the tree.
func (tl *Toplevel) Target() *executor.Target {
	return tl.target
}

// Segments returns the segment table used to write and read segment references.
func (tl *Toplevel) Segments() *shmem.Table {
	return tl.segments
}

// Open connects the tree over link.
func (tl *Toplevel) Open(link channel.Link, side channel.Side) error {
	if err := tl.connectRoot(side); err != nil {
		return err
	}
	if err := tl.ch.Open(link, side); err != nil {
		tl.teardown(err, FailedConstructor)
		return err
	}
	return nil
}

// OpenThread connects two trees living in the same process. tl becomes the parent.
func (tl *Toplevel) OpenThread(peer *Toplevel) error {
	if err := tl.connectRoot(channel.SideParent); err != nil {
		return err
	}
	if err := peer.connectRoot(channel.SideChild); err != nil {
		return err
	}
	return tl.ch.OpenThread(peer.ch)
}

func (tl *Toplevel) connectRoot(side channel.Side) error {
	p := tl.root.Proto()
	p.side = side
	return p.OnConnected()
}

// WaitConnected waits until the peer says hello.
func (tl *Toplevel) WaitConnected(ctx context.Context) error {
	select {
	case <-tl.connected:
		return nil
	case <-tl.done:
		return errors.Wrap(ErrManagerGone, "channel closed before connecting")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel. The tree is destroyed on the executor afterwards.
func (tl *Toplevel) Close() {
	tl.ch.Close()
}

// Done is closed after the tree was destroyed.
func (tl *Toplevel) Done() <-chan struct{} {
	return tl.done
}

// Err returns the error, which closed the channel.
func (tl *Toplevel) Err() error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.err
}

// Lookup returns the actor with the given routing id.
func (tl *Toplevel) Lookup(id int32) (Actor, bool) {
	p, ok := tl.routes.Get(id)
	if !ok {
		return nil, false
	}
	return p.self, true
}

// AllocShmem creates a segment and announces it to the peer.
func (tl *Toplevel) AllocShmem(size int, unsafe bool) (*shmem.Segment, error) {
	if !tl.root.Proto().CanSend() {
		return nil, tl.root.Proto().cannotSend()
	}
	seg, msg, err := tl.segments.Allocate(size, unsafe)
	if err != nil {
		return nil, err
	}
	if err := tl.ch.Send(msg); err != nil {
		tl.segments.Destroy(seg)
		return nil, errors.Wrap(err, "failed to announce segment")
	}
	return seg, nil
}

// DeallocShmem destroys a segment on both sides.
func (tl *Toplevel) DeallocShmem(seg *shmem.Segment) error {
	msg, err := tl.segments.Destroy(seg)
	if err != nil {
		return err
	}
	if err := tl.ch.Send(msg); err != nil && errors.Cause(err) != channel.ErrClosed {
		return err
	}
	return nil
}

// LookupShmem returns the segment with the given id.
func (tl *Toplevel) LookupShmem(id int32) (*shmem.Segment, bool) {
	return tl.segments.Lookup(id)
}

func (tl *Toplevel) nextID() int32 {
	if tl.root.Proto().side == channel.SideChild {
		return tl.lastID.Add(-1)
	}
	return tl.lastID.Add(1)
}

// peerAllocated returns true for ids, which the peer is allowed to allocate.
func (tl *Toplevel) peerAllocated(id int32) bool {
	if id == 0 || id == wire.ControlRouting {
		return false
	}
	if tl.root.Proto().side == channel.SideChild {
		return id > 0
	}
	return id < 0
}

func (tl *Toplevel) misuse(err error) error {
	if tl.opts.Debug {
		panic(fmt.Sprintf("actor: %v", err))
	}
	tl.log.Warn("actor misuse", zap.Error(err))
	return err
}

func (tl *Toplevel) fail(p *Protocol, reason string) error {
	err := errors.Errorf("actor %d of kind %d failed: %s", p.id, p.kind, reason)
	tl.log.Error("actor failure", zap.Int32("routing", p.id), zap.String("reason", reason))
	tl.ch.CloseWithError(err)
	return err
}

func (tl *Toplevel) route(msg *wire.Message) (*Protocol, bool) {
	p, ok := tl.routes.Get(msg.Routing)
	if !ok || !p.CanRecv() {
		tl.log.Debug("dropping message for a dead actor",
			zap.Int32("routing", msg.Routing),
			zap.Uint32("type", msg.Type))
		return nil, false
	}
	return p, true
}

// OnMessageReceived implements channel.Listener.
func (tl *Toplevel) OnMessageReceived(ctx context.Context, msg *wire.Message) error {
	if wire.IsReservedType(msg.Type) {
		return tl.handleReserved(msg)
	}
	p, ok := tl.route(msg)
	if !ok {
		return nil
	}
	p.self.OnMessageReceived(ctx, msg)
	return nil
}

// OnCallReceived implements channel.Listener.
func (tl *Toplevel) OnCallReceived(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	p, ok := tl.route(msg)
	if !ok {
		return nil, errors.Wrapf(ErrRouteNotFound, "routing %d", msg.Routing)
	}
	reply, res := p.self.OnCallReceived(ctx, msg)
	if !res.IsOk() {
		if reply != nil {
			reply.Close()
		}
		return nil, res.Err()
	}
	return reply, nil
}

func (tl *Toplevel) handleReserved(msg *wire.Message) error {
	switch msg.Type {
	case wire.ShmemCreatedType:
		_, err := tl.segments.Receive(msg)
		return err
	case wire.ShmemDestroyedType:
		return tl.segments.OnDestroyed(msg)
	case wire.ManagedEndpointBoundType:
		return tl.onConstructed(msg)
	case wire.ManagedEndpointDroppedType:
		if p, ok := tl.route(msg); ok && p.manager != nil {
			p.DestroySubtree(Deletion)
		}
		return nil
	default:
		return errors.Wrapf(wire.ErrFraming, "unexpected control message %#x", msg.Type)
	}
}

func (tl *Toplevel) onConstructed(msg *wire.Message) error {
	r := wire.NewReader(msg)
	id := r.ReadInt32()
	kind := Kind(r.ReadInt32())
	if err := r.Err(); err != nil {
		return errors.Wrap(err, "malformed constructor")
	}
	if !tl.peerAllocated(id) {
		return errors.Wrapf(wire.ErrFraming, "peer cannot allocate actor id %d", id)
	}
	manager, ok := tl.route(msg)
	if !ok {
		return nil
	}
	alloc, ok := manager.self.(Allocator)
	if !ok {
		return errors.Errorf("actor %d cannot manage actors of kind %d", manager.id, kind)
	}
	child, err := alloc.AllocManaged(kind)
	if err != nil {
		return errors.Wrapf(err, "failed to allocate actor of kind %d", kind)
	}
	c := child.Proto()
	if c.kind != kind {
		return errors.Errorf("allocated actor has kind %d, expected %d", c.kind, kind)
	}
	if err := c.SetManagerAndRegister(manager.self, id); err != nil {
		return err
	}
	return c.OnConnected()
}

// OnChannelConnected implements channel.Listener.
func (tl *Toplevel) OnChannelConnected(peerPid int) {
	tl.log.Debug("peer connected", zap.Int("pid", peerPid))
	tl.connectOnce.Do(func() {
		close(tl.connected)
	})
}

// OnChannelClose implements channel.Listener.
func (tl *Toplevel) OnChannelClose() {
	tl.teardown(nil, NormalShutdown)
}

// OnChannelError implements channel.Listener.
func (tl *Toplevel) OnChannelError(err error) {
	tl.teardown(err, AbnormalShutdown)
}

// ShouldContinueFromReplyTimeout implements channel.Listener.
func (tl *Toplevel) ShouldContinueFromReplyTimeout() bool {
	if h, ok := tl.root.(ReplyTimeoutHandler); ok {
		return h.ShouldContinueFromReplyTimeout()
	}
	return false
}

func (tl *Toplevel) teardown(err error, reason DestroyReason) {
	tl.closeOnce.Do(func() {
		tl.mu.Lock()
		tl.err = err
		tl.mu.Unlock()
		tl.root.Proto().DestroySubtree(reason)
		tl.segments.DestroyAll()
		close(tl.done)
	})
}
