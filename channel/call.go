// Copyright 2016 Aleksandr Demakin. All rights reserved.

package channel

import (
	"context"
	"time"

	"github.com/nxgtw/actor-ipc/wire"

	"go.uber.org/zap"
)

// transaction is an outgoing call waiting for its reply.
type transaction struct {
	seqno     int32
	raceLost  bool
	timedOut  bool
	cancelled bool
}

// Call sends a sync message and blocks until the reply comes.
// While waiting, calls from the peer are processed on the calling goroutine.
// Call must be invoked from a task running on the channel's executor.
// The channel takes the ownership of msg, the caller owns the reply.
func (ch *Channel) Call(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	if !ch.target.IsCurrent(ctx) {
		msg.Close()
		return nil, ErrNotOnWorker
	}
	if !msg.Flags.Has(wire.FlagInterrupt) {
		msg.Flags |= wire.FlagSync
	}
	started := time.Now()
	ch.monitor.Lock()
	defer ch.monitor.Unlock()
	if !ch.canSendLocked() {
		msg.Close()
		return nil, ErrClosed
	}
	msg.RemoteStackDepthGuess = uint32(ch.incomingDepth)
	msg.LocalStackDepth = uint32(len(ch.calls) + 1)
	if err := ch.sendLocked(msg); err != nil {
		return nil, err
	}
	t := &transaction{seqno: msg.Seqno}
	ch.calls = append(ch.calls, t)
	defer func() {
		ch.calls = ch.calls[:len(ch.calls)-1]
		ch.obs.CallFinished(time.Since(started))
		if len(ch.calls) == 0 {
			ch.flushDeferredLocked()
		}
	}()
	return ch.waitLocked(ctx, t)
}

func (ch *Channel) waitLocked(ctx context.Context, t *transaction) (*wire.Message, error) {
	stopCtx := context.AfterFunc(ctx, func() {
		defer ch.monitor.Hold()()
		t.cancelled = true
		ch.cond.Broadcast()
	})
	defer stopCtx()
	var timer *time.Timer
	armTimer := func() {
		if ch.opts.ReplyTimeout <= 0 {
			return
		}
		timer = time.AfterFunc(ch.opts.ReplyTimeout, func() {
			defer ch.monitor.Hold()()
			t.timedOut = true
			ch.cond.Broadcast()
		})
	}
	armTimer()
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		if reply, ok := ch.replies[t.seqno]; ok {
			delete(ch.replies, t.seqno)
			if reply.Flags.Has(wire.FlagReplyError) {
				reply.Close()
				if t.raceLost || ch.rejectRacingCallLocked() {
					return nil, ErrInterruptRace
				}
				return nil, ErrRemoteError
			}
			return reply, nil
		}
		if ch.state != StateConnected && ch.state != StateOpening {
			return nil, ErrClosed
		}
		if t.cancelled {
			ch.abandonLocked(t)
			return nil, ctx.Err()
		}
		if t.timedOut {
			t.timedOut = false
			var keepWaiting bool
			ch.monitor.unlocked(func() {
				keepWaiting = ch.listener.ShouldContinueFromReplyTimeout()
			})
			if !keepWaiting {
				ch.abandonLocked(t)
				return nil, ErrReplyTimeout
			}
			armTimer()
			continue
		}
		if call := ch.nextIncomingCallLocked(); call != nil {
			if ch.resolveRaceLocked(t, call) {
				ch.monitor.unlocked(func() {
					ch.dispatchCall(ch.target.Context(), call)
				})
			}
			continue
		}
		ch.monitor.wait(ch.cond)
	}
}

// abandonLocked stops waiting for the reply and tells the peer.
func (ch *Channel) abandonLocked(t *transaction) {
	ch.abandoned[t.seqno] = struct{}{}
	ch.log.Warn("abandoning call", zap.Int32("seqno", t.seqno))
	if ch.canSendLocked() {
		ch.sendCancelLocked(t.seqno)
	}
}

// nextIncomingCallLocked removes the first queued call of the peer from the dispatch queue.
func (ch *Channel) nextIncomingCallLocked() *wire.Message {
	for i, msg := range ch.pending {
		if msg.IsSync() {
			ch.pending = append(ch.pending[:i], ch.pending[i+1:]...)
			return msg
		}
	}
	return nil
}

// resolveRaceLocked decides what to do with an incoming call, while t is waiting.
// It returns true, if the call must be processed now.
// A race is detected when the peer sent its call not knowing about our calls in flight.
func (ch *Channel) resolveRaceLocked(t *transaction, call *wire.Message) bool {
	if int(call.RemoteStackDepthGuess) >= len(ch.calls) {
		return true
	}
	ch.log.Debug("call race",
		zap.Int32("seqno", t.seqno),
		zap.Int32("incoming", call.Seqno),
		zap.Stringer("side", ch.side))
	winner := ch.opts.RacePolicy.winner()
	switch {
	case winner == SideUnknown:
		t.raceLost = true
		ch.sendLocked(wire.NewErrorReply(call))
		call.Close()
		return false
	case winner == ch.side:
		ch.deferred = append(ch.deferred, call)
		return false
	default:
		return true
	}
}

// rejectRacingCallLocked is called on an error reply, which came before we
// looked at the racing call of the peer. The peer rejected our call, so we reject its call too.
func (ch *Channel) rejectRacingCallLocked() bool {
	if ch.opts.RacePolicy != RaceError {
		return false
	}
	for i, msg := range ch.pending {
		if msg.IsSync() && int(msg.RemoteStackDepthGuess) < len(ch.calls) {
			ch.pending = append(ch.pending[:i], ch.pending[i+1:]...)
			ch.sendLocked(wire.NewErrorReply(msg))
			msg.Close()
			return true
		}
	}
	return false
}

// flushDeferredLocked queues the calls postponed because of races.
func (ch *Channel) flushDeferredLocked() {
	if len(ch.deferred) == 0 {
		return
	}
	deferred := ch.deferred
	ch.deferred = nil
	ch.pending = append(deferred, ch.pending...)
	for range deferred {
		ch.post(ch.dispatchOne)
	}
}

// Reply is a helper for listeners, which returns an empty reply for call.
func Reply(call *wire.Message) *wire.Message {
	return wire.NewReply(call)
}
