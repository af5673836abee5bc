// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package channel implements message channels between two endpoints,
// which live either in different processes or in different goroutines.
//
// A Channel owns a Link (the transport), delivers incoming messages to a
// Listener on an executor.Target in order, and implements blocking calls
// with nested call processing. All mutable state is guarded by the
// channel's Monitor.
package channel

import (
	"context"
	"os"
	"sync"

	"github.com/nxgtw/actor-ipc/executor"
	"github.com/nxgtw/actor-ipc/internal/logging"
	"github.com/nxgtw/actor-ipc/wire"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Channel is one end of a bidirectional message channel.
type Channel struct {
	id       string
	opts     Options
	log      *zap.Logger
	obs      Observer
	listener Listener
	target   *executor.Target

	monitor *Monitor
	cond    *sync.Cond

	// the fields below are guarded by the monitor.
	link      Link
	state     State
	side      Side
	peerPid   int
	nextSeqno int32
	pending   []*wire.Message
	deferred  []*wire.Message
	calls     []*transaction
	replies   map[int32]*wire.Message
	abandoned map[int32]struct{}
	cancelled map[int32]struct{}
	serving   map[int32]struct{}
	// number of peer's calls being processed.
	incomingDepth    int
	peerShuttingDown bool
	goodbyeReceived  bool
	buildIDVerified  bool
}

// New creates a closed channel. Incoming messages are delivered to listener on target.
func New(listener Listener, target *executor.Target, opts Options) *Channel {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	ch := &Channel{
		id:        opts.ID,
		opts:      opts,
		listener:  listener,
		target:    target,
		monitor:   NewMonitor(),
		obs:       opts.Observer,
		replies:   make(map[int32]*wire.Message),
		abandoned: make(map[int32]struct{}),
		cancelled: make(map[int32]struct{}),
		serving:   make(map[int32]struct{}),
	}
	if ch.obs == nil {
		ch.obs = nopObserver{}
	}
	ch.log = logging.OrNop(opts.Logger).With(zap.String("channel", ch.id))
	ch.cond = ch.monitor.newCond()
	return ch
}

// ID returns the channel id.
func (ch *Channel) ID() string {
	return ch.id
}

// Monitor returns the lock guarding the channel.
func (ch *Channel) Monitor() *Monitor {
	return ch.monitor
}

// Target returns the executor messages are dispatched on.
func (ch *Channel) Target() *executor.Target {
	return ch.target
}

// Logger returns the channel logger.
func (ch *Channel) Logger() *zap.Logger {
	return ch.log
}

// Open starts the channel over link.
func (ch *Channel) Open(link Link, side Side) error {
	defer ch.monitor.Hold()()
	return ch.openLocked(link, side)
}

func (ch *Channel) openLocked(link Link, side Side) error {
	if err := ch.attachLocked(link, side); err != nil {
		return err
	}
	return ch.helloLocked()
}

func (ch *Channel) attachLocked(link Link, side Side) error {
	if ch.state != StateClosed || ch.link != nil {
		return errors.New("channel is already opened")
	}
	if side == SideUnknown {
		return errors.New("channel side must be known")
	}
	ch.link, ch.side, ch.state = link, side, StateOpening
	if err := link.Start(ch); err != nil {
		ch.link, ch.state = nil, StateClosed
		return errors.Wrap(err, "failed to start link")
	}
	return nil
}

func (ch *Channel) helloLocked() error {
	hello := wire.NewControlMessage(wire.HelloType)
	w := wire.NewWriter()
	w.WriteInt32(int32(os.Getpid()))
	if err := hello.SetPayload(w); err != nil {
		return err
	}
	buildID := wire.NewControlMessage(wire.BuildIDType)
	w = wire.NewWriter()
	w.WriteString(ch.opts.BuildID)
	if err := buildID.SetPayload(w); err != nil {
		return err
	}
	if err := ch.sendLocked(hello); err != nil {
		return err
	}
	return ch.sendLocked(buildID)
}

// OpenThread connects ch and peer, which must live in the same process.
// ch becomes the parent side. Both channels must not be opened before.
func (ch *Channel) OpenThread(peer *Channel) error {
	if ch == peer {
		return errors.New("cannot connect a channel to itself")
	}
	// the peer adopts our monitor before anyone can use it.
	peer.monitor = ch.monitor
	peer.cond = ch.monitor.newCond()
	defer ch.monitor.Hold()()
	if err := peer.attachLocked(&ThreadLink{peer: ch}, SideChild); err != nil {
		return err
	}
	if err := ch.attachLocked(&ThreadLink{peer: peer}, SideParent); err != nil {
		return err
	}
	if err := peer.helloLocked(); err != nil {
		return err
	}
	return ch.helloLocked()
}

// State returns current channel state.
func (ch *Channel) State() State {
	defer ch.monitor.Hold()()
	return ch.state
}

// Side returns the side of the channel.
func (ch *Channel) Side() Side {
	defer ch.monitor.Hold()()
	return ch.side
}

// IsClosed returns true, if the channel can no longer be used.
func (ch *Channel) IsClosed() bool {
	defer ch.monitor.Hold()()
	return ch.isClosedLocked()
}

func (ch *Channel) isClosedLocked() bool {
	return ch.state == StateClosed || ch.state == StateError || ch.state == StateClosing
}

func (ch *Channel) canSendLocked() bool {
	return ch.state == StateOpening || ch.state == StateConnected
}

// PeerPid returns the pid of the peer, or 0 if it is not yet known.
func (ch *Channel) PeerPid() int {
	defer ch.monitor.Hold()()
	return ch.peerPid
}

// QueuedCount returns the number of messages waiting for dispatch or transmission.
func (ch *Channel) QueuedCount() int {
	defer ch.monitor.Hold()()
	n := len(ch.pending)
	if ch.link != nil {
		n += ch.link.QueuedCount()
	}
	return n
}

// Send transmits an async message. The channel takes the ownership of msg.
func (ch *Channel) Send(msg *wire.Message) error {
	if msg.IsSync() || msg.IsReply() {
		msg.Close()
		return errors.New("sync messages must be sent with Call")
	}
	defer ch.monitor.Hold()()
	return ch.sendLocked(msg)
}

func (ch *Channel) sendLocked(msg *wire.Message) error {
	ch.monitor.AssertHeld()
	if !ch.canSendLocked() {
		msg.Close()
		return ErrClosed
	}
	if !msg.IsReply() {
		msg.Seqno = ch.nextSeqnoLocked()
	}
	ch.obs.MessageSent(msg)
	if err := ch.link.SendMessage(msg); err != nil {
		return errors.Wrap(err, "send failed")
	}
	return nil
}

func (ch *Channel) nextSeqnoLocked() int32 {
	if ch.side == SideChild {
		ch.nextSeqno--
	} else {
		ch.nextSeqno++
	}
	return ch.nextSeqno
}

// Echo delivers msg to our own listener as if it was sent by the peer.
func (ch *Channel) Echo(msg *wire.Message) error {
	defer ch.monitor.Hold()()
	if !ch.canSendLocked() {
		msg.Close()
		return ErrClosed
	}
	ch.enqueueLocked(msg)
	return nil
}

// NotifyImpendingShutdown tells the peer that this process is about to exit,
// so that the peer treats a following disconnect as a normal close.
func (ch *Channel) NotifyImpendingShutdown() error {
	defer ch.monitor.Hold()()
	return ch.sendLocked(wire.NewControlMessage(wire.ImpendingShutdownType))
}

// Close closes the channel, telling the peer goodbye.
// The listener's OnChannelClose is called on the executor.
func (ch *Channel) Close() {
	defer ch.monitor.Hold()()
	if !ch.canSendLocked() {
		return
	}
	ch.state = StateClosing
	ch.link.SendMessage(wire.NewControlMessage(wire.GoodbyeType))
	ch.shutdownLocked(StateClosed, nil)
}

// CloseWithError fails the channel. The listener's OnChannelError is called on the executor.
func (ch *Channel) CloseWithError(err error) {
	defer ch.monitor.Hold()()
	ch.errorLocked(err)
}

func (ch *Channel) errorLocked(err error) {
	ch.monitor.AssertHeld()
	if ch.state == StateClosed || ch.state == StateError || ch.state == StateClosing {
		return
	}
	if ch.goodbyeReceived || ch.peerShuttingDown {
		ch.log.Debug("link error after peer shutdown", zap.Error(err))
		ch.shutdownLocked(StateClosed, nil)
		return
	}
	ch.log.Error("channel error", zap.Error(err))
	ch.obs.ChannelError(err)
	ch.shutdownLocked(StateError, err)
}

func (ch *Channel) shutdownLocked(state State, err error) {
	ch.state = state
	if ch.link != nil {
		ch.link.Close()
	}
	for _, msg := range ch.pending {
		msg.Close()
	}
	for _, msg := range ch.deferred {
		msg.Close()
	}
	ch.pending, ch.deferred = nil, nil
	ch.cond.Broadcast()
	ch.post(func(ctx context.Context) {
		if err != nil {
			ch.listener.OnChannelError(err)
		} else {
			ch.listener.OnChannelClose()
		}
	})
}

func (ch *Channel) post(task executor.Task) {
	if err := ch.target.Dispatch(task); err != nil {
		ch.log.Warn("executor is stopped, dropping task")
	}
}

// receive is called by links, which do not hold the monitor.
func (ch *Channel) receive(msg *wire.Message) {
	defer ch.monitor.Hold()()
	ch.receiveLocked(msg)
}

// onLinkError is called by links, which do not hold the monitor.
func (ch *Channel) onLinkError(err error) {
	defer ch.monitor.Hold()()
	ch.errorLocked(err)
}

func (ch *Channel) receiveLocked(msg *wire.Message) {
	ch.monitor.AssertHeld()
	if ch.state == StateClosed || ch.state == StateError {
		msg.Close()
		return
	}
	ch.obs.MessageReceived(msg)
	if msg.IsControl() && ch.handleControlLocked(msg) {
		return
	}
	if msg.IsReply() {
		ch.receiveReplyLocked(msg)
		return
	}
	ch.enqueueLocked(msg)
}

func (ch *Channel) receiveReplyLocked(msg *wire.Message) {
	if _, ok := ch.abandoned[msg.Seqno]; ok {
		delete(ch.abandoned, msg.Seqno)
		msg.Close()
		return
	}
	for _, call := range ch.calls {
		if call.seqno == msg.Seqno {
			ch.replies[msg.Seqno] = msg
			ch.cond.Broadcast()
			return
		}
	}
	ch.log.Warn("unexpected reply", zap.Int32("seqno", msg.Seqno), zap.Int32("routing", msg.Routing))
	msg.Close()
}

// enqueueLocked adds an incoming message to the dispatch queue.
func (ch *Channel) enqueueLocked(msg *wire.Message) {
	if msg.Flags.Has(wire.FlagCompress) && len(ch.pending) > 0 {
		last := ch.pending[len(ch.pending)-1]
		if sameStream(last, msg) {
			ch.pending[len(ch.pending)-1] = msg
			last.Close()
			return
		}
	} else if msg.Flags.Has(wire.FlagCompressAll) {
		kept := ch.pending[:0]
		for _, queued := range ch.pending {
			if sameStream(queued, msg) {
				queued.Close()
				continue
			}
			kept = append(kept, queued)
		}
		ch.pending = kept
	}
	ch.pending = append(ch.pending, msg)
	if msg.IsSync() {
		ch.cond.Broadcast()
	}
	ch.post(ch.dispatchOne)
}

func sameStream(a, b *wire.Message) bool {
	return a.Routing == b.Routing && a.Type == b.Type && !a.IsSync()
}

// dispatchOne delivers the oldest pending message.
// Tasks may outnumber the messages, extra tasks do nothing.
func (ch *Channel) dispatchOne(ctx context.Context) {
	ch.monitor.Lock()
	if len(ch.pending) == 0 || ch.isClosedLocked() {
		ch.monitor.Unlock()
		return
	}
	msg := ch.pending[0]
	ch.pending[0] = nil
	ch.pending = ch.pending[1:]
	ch.monitor.Unlock()
	ch.dispatch(ctx, msg)
}

// dispatch hands msg to the listener. Handles the listener did not take are closed afterwards.
func (ch *Channel) dispatch(ctx context.Context, msg *wire.Message) {
	defer msg.Close()
	if msg.IsSync() {
		ch.dispatchCall(ctx, msg)
		return
	}
	if err := ch.listener.OnMessageReceived(ctx, msg); err != nil {
		ch.onProcessingError(msg, err)
	}
}

func (ch *Channel) dispatchCall(ctx context.Context, call *wire.Message) {
	defer call.Close()
	ch.monitor.Lock()
	ch.incomingDepth++
	ch.serving[call.Seqno] = struct{}{}
	ch.monitor.Unlock()

	handled := false
	defer func() {
		if handled {
			return
		}
		// the listener panicked, the caller still gets an answer.
		defer ch.monitor.Hold()()
		ch.incomingDepth--
		delete(ch.serving, call.Seqno)
		if _, ok := ch.cancelled[call.Seqno]; ok {
			delete(ch.cancelled, call.Seqno)
			return
		}
		ch.sendLocked(wire.NewErrorReply(call))
	}()
	reply, err := ch.listener.OnCallReceived(ctx, call)
	handled = true

	defer ch.monitor.Hold()()
	ch.incomingDepth--
	delete(ch.serving, call.Seqno)
	if _, ok := ch.cancelled[call.Seqno]; ok {
		delete(ch.cancelled, call.Seqno)
		if reply != nil {
			reply.Close()
		}
		return
	}
	if err != nil {
		if reply != nil {
			reply.Close()
		}
		ch.sendLocked(wire.NewErrorReply(call))
		ch.processingErrorLocked(call, err)
		return
	}
	if reply == nil {
		reply = wire.NewReply(call)
	} else {
		template := wire.NewReply(call)
		reply.Routing, reply.Type, reply.Seqno = template.Routing, template.Type, template.Seqno
		reply.Flags |= template.Flags
	}
	if err := ch.sendLocked(reply); err != nil && err != ErrClosed {
		ch.log.Warn("failed to send reply", zap.Int32("seqno", call.Seqno), zap.Error(err))
	}
}

func (ch *Channel) onProcessingError(msg *wire.Message, err error) {
	defer ch.monitor.Hold()()
	ch.processingErrorLocked(msg, err)
}

func (ch *Channel) processingErrorLocked(msg *wire.Message, err error) {
	ch.errorLocked(errors.Wrapf(err, "processing message type %#x for routing %d", msg.Type, msg.Routing))
}
