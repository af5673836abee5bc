// Copyright 2016 Aleksandr Demakin. All rights reserved.

package channel

import (
	"context"

	"github.com/nxgtw/actor-ipc/wire"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// handleControlLocked processes channel-level messages.
// It returns false for control messages, which belong to the listener.
func (ch *Channel) handleControlLocked(msg *wire.Message) bool {
	switch msg.Type {
	case wire.HelloType:
		r := wire.NewReader(msg)
		pid := int(r.ReadInt32())
		if err := r.Err(); err != nil {
			ch.errorLocked(errors.Wrap(err, "malformed hello"))
			return true
		}
		ch.peerPid = pid
		if ch.state == StateOpening {
			ch.state = StateConnected
			ch.log.Debug("channel connected", zap.Int("peer", pid), zap.Stringer("side", ch.side))
			ch.post(func(context.Context) {
				ch.listener.OnChannelConnected(pid)
			})
		}
	case wire.BuildIDType:
		r := wire.NewReader(msg)
		id := r.ReadString()
		if err := r.Err(); err != nil {
			ch.errorLocked(errors.Wrap(err, "malformed build id"))
			return true
		}
		if id != ch.opts.BuildID {
			ch.errorLocked(errors.Wrapf(ErrBuildIDMismatch, "peer build %q, ours %q", id, ch.opts.BuildID))
			return true
		}
		ch.sendLocked(wire.NewControlMessage(wire.BuildIDsMatchType))
	case wire.BuildIDsMatchType:
		ch.buildIDVerified = true
	case wire.GoodbyeType:
		ch.goodbyeReceived = true
		if ch.canSendLocked() {
			ch.shutdownLocked(StateClosed, nil)
		}
	case wire.ImpendingShutdownType:
		ch.peerShuttingDown = true
	case wire.CancelType:
		r := wire.NewReader(msg)
		seqno := r.ReadInt32()
		if err := r.Err(); err != nil {
			ch.errorLocked(errors.Wrap(err, "malformed cancel"))
			return true
		}
		ch.cancelLocked(seqno)
	default:
		return false
	}
	return true
}

// cancelLocked drops a queued call of the peer, or the reply to a call being processed.
func (ch *Channel) cancelLocked(seqno int32) {
	if _, ok := ch.serving[seqno]; ok {
		ch.cancelled[seqno] = struct{}{}
		return
	}
	for _, queue := range []*[]*wire.Message{&ch.pending, &ch.deferred} {
		for i, msg := range *queue {
			if msg.IsSync() && msg.Seqno == seqno {
				msg.Close()
				*queue = append((*queue)[:i], (*queue)[i+1:]...)
				return
			}
		}
	}
}

func (ch *Channel) sendCancelLocked(seqno int32) {
	msg := wire.NewControlMessage(wire.CancelType)
	w := wire.NewWriter()
	w.WriteInt32(seqno)
	if err := msg.SetPayload(w); err != nil {
		return
	}
	ch.sendLocked(msg)
}

// BuildIDVerified returns true, if the peer confirmed our build id.
func (ch *Channel) BuildIDVerified() bool {
	defer ch.monitor.Hold()()
	return ch.buildIDVerified
}
