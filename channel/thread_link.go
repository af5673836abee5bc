// Copyright 2016 Aleksandr Demakin. All rights reserved.

package channel

import (
	"github.com/nxgtw/actor-ipc/wire"
)

// ThreadLink connects two channels in the same process.
// Both channels share one monitor, so sending is a direct call
// of the peer's receive routine, without any serialization.
type ThreadLink struct {
	peer *Channel
}

// Start implements Link.
func (l *ThreadLink) Start(ch *Channel) error {
	if l.peer.monitor != ch.monitor {
		panic("thread link channels must share the monitor")
	}
	return nil
}

// SendMessage implements Link.
func (l *ThreadLink) SendMessage(msg *wire.Message) error {
	if l.peer == nil {
		msg.Close()
		return ErrClosed
	}
	l.peer.monitor.AssertHeld()
	l.peer.receiveLocked(msg)
	return nil
}

// Close implements Link. A peer, which is still open, sees the channel failing.
func (l *ThreadLink) Close() {
	peer := l.peer
	l.peer = nil
	if peer != nil {
		peer.errorLocked(ErrPeerGone)
	}
}

// QueuedCount implements Link. Messages are never queued by a thread link.
func (l *ThreadLink) QueuedCount() int {
	return 0
}
