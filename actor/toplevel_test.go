// Copyright 2016 Aleksandr Demakin. All rights reserved.

package actor

import (
	"context"
	"testing"

	"github.com/nxgtw/actor-ipc/channel"
	"github.com/nxgtw/actor-ipc/shmem"
	"github.com/nxgtw/actor-ipc/wire"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestConstructSendCall(t *testing.T) {
	a := assert.New(t)
	events := &eventLog{}
	parentRoot := newTestActor("parent", kindRoot, events)
	childRoot := newTestActor("child", kindRoot, events)
	parent, child := newThreadTrees(t, parentRoot, childRoot, Options{})
	a.Equal(channel.SideParent, parentRoot.Side())
	a.Equal(channel.SideChild, childRoot.Side())
	a.Equal(wire.ControlRouting, parentRoot.ID())

	w := newTestActor("worker", kindWorker, events)
	run(t, parent.Target(), func(ctx context.Context) {
		a.NoError(parentRoot.Construct(w))
	})
	a.Equal(int32(1), w.ID())
	peer := waitFor(t, childRoot.allocated)
	run(t, child.Target(), func(ctx context.Context) {
		a.Equal(w.ID(), peer.ID())
		a.Equal(Connected, peer.LinkStatus())
		a.Equal([]Actor{peer}, childRoot.Managed(kindWorker))
	})

	a.NoError(w.Send(newTestMessage(t, "hello")))
	a.Equal("hello", waitFor(t, peer.received))

	run(t, parent.Target(), func(ctx context.Context) {
		reply, err := w.Call(ctx, newTestMessage(t, "ping"))
		if a.NoError(err) {
			a.Equal("re:ping", payloadString(reply))
			reply.Close()
		}
		got, err := w.Weak().Get(ctx)
		a.NoError(err)
		a.True(got == Actor(w))
	})

	run(t, child.Target(), func(ctx context.Context) {
		reply, err := peer.Call(ctx, newTestMessage(t, "pong"))
		if a.NoError(err) {
			a.Equal("re:pong", payloadString(reply))
		}
	})

	run(t, parent.Target(), func(ctx context.Context) {
		a.NoError(w.Delete())
	})
	a.Equal(Deletion, waitFor(t, w.reasons))
	a.Equal(Deletion, waitFor(t, peer.reasons))
	a.True(w.deallocated.Load())
	run(t, child.Target(), func(ctx context.Context) {
		a.True(peer.deallocated.Load())
		_, ok := child.Lookup(w.ID())
		a.False(ok)
	})
	run(t, parent.Target(), func(ctx context.Context) {
		_, err := w.Weak().Get(ctx)
		a.Equal(ErrActorGone, err)
	})
}

func TestCallToDeletedActor(t *testing.T) {
	a := assert.New(t)
	events := &eventLog{}
	parentRoot := newTestActor("parent", kindRoot, events)
	childRoot := newTestActor("child", kindRoot, events)
	parent, child := newThreadTrees(t, parentRoot, childRoot, Options{})
	w := newTestActor("worker", kindWorker, events)
	run(t, parent.Target(), func(ctx context.Context) {
		a.NoError(parentRoot.Construct(w))
	})
	peer := waitFor(t, childRoot.allocated)
	run(t, child.Target(), func(ctx context.Context) {
		peer.DestroySubtree(Deletion)
	})
	run(t, parent.Target(), func(ctx context.Context) {
		_, err := w.Call(ctx, newTestMessage(t, "ping"))
		a.Equal(channel.ErrRemoteError, errors.Cause(err))
	})
	waitDone(t, child.Done())
	a.Equal(ErrRouteNotFound, errors.Cause(child.Err()))
}

func TestCloseDestroysTrees(t *testing.T) {
	a := assert.New(t)
	events := &eventLog{}
	parentRoot := newTestActor("parent", kindRoot, events)
	childRoot := newTestActor("child", kindRoot, events)
	parent, child := newThreadTrees(t, parentRoot, childRoot, Options{})
	w := newTestActor("worker", kindWorker, events)
	run(t, parent.Target(), func(ctx context.Context) {
		a.NoError(parentRoot.Construct(w))
	})
	peer := waitFor(t, childRoot.allocated)

	parent.Close()
	waitDone(t, parent.Done())
	waitDone(t, child.Done())
	a.NoError(parent.Err())
	a.NoError(child.Err())
	a.Equal(NormalShutdown, waitFor(t, w.reasons))
	a.Equal(NormalShutdown, waitFor(t, parentRoot.reasons))
	a.Equal(NormalShutdown, waitFor(t, peer.reasons))
	a.Equal(NormalShutdown, waitFor(t, childRoot.reasons))
	a.Equal(Destroyed, parentRoot.LinkStatus())
	a.Equal(Destroyed, peer.LinkStatus())
	a.Equal(ErrCannotSend, errors.Cause(w.Send(newTestMessage(t, "late"))))
}

func TestSegmentsOverThreadLink(t *testing.T) {
	a := assert.New(t)
	events := &eventLog{}
	parentRoot := newTestActor("parent", kindRoot, events)
	childRoot := newTestActor("child", kindRoot, events)
	parent, child := newThreadTrees(t, parentRoot, childRoot, Options{})

	seg, err := parent.AllocShmem(100, false)
	if !a.NoError(err) {
		return
	}
	a.Equal(int32(1), seg.ID())
	copy(seg.Data(), "shared")
	run(t, child.Target(), func(ctx context.Context) {
		peer, ok := child.LookupShmem(seg.ID())
		if a.True(ok) {
			a.Equal(100, peer.Size())
			a.Equal("shared", string(peer.Data()[:6]))
		}
	})
	a.NoError(parent.DeallocShmem(seg))
	a.Equal(shmem.ErrDoubleFree, errors.Cause(parent.DeallocShmem(seg)))
	run(t, child.Target(), func(ctx context.Context) {
		a.Equal(0, child.Segments().Len())
	})
	a.Equal(0, parent.Segments().Len())

	seg, err = child.AllocShmem(10, true)
	if !a.NoError(err) {
		return
	}
	a.Equal(int32(-1), seg.ID())
	run(t, parent.Target(), func(ctx context.Context) {
		_, ok := parent.LookupShmem(seg.ID())
		a.True(ok)
	})
	child.Close()
	waitDone(t, parent.Done())
	waitDone(t, child.Done())
	a.Equal(0, parent.Segments().Len())
	a.Equal(0, child.Segments().Len())
	a.True(seg.Destroyed())
}

func TestActorFailureClosesChannel(t *testing.T) {
	a := assert.New(t)
	events := &eventLog{}
	parentRoot := newTestActor("parent", kindRoot, events)
	childRoot := newTestActor("child", kindRoot, events)
	childRoot.onMessage = func(ctx context.Context, msg *wire.Message) Result {
		return Fail(childRoot, "unexpected "+payloadString(msg))
	}
	parent, child := newThreadTrees(t, parentRoot, childRoot, Options{})
	a.NoError(parentRoot.Send(newTestMessage(t, "input")))
	waitDone(t, child.Done())
	waitDone(t, parent.Done())
	a.Contains(child.Err().Error(), "unexpected input")
	a.Equal(channel.ErrPeerGone, errors.Cause(parent.Err()))
	a.Equal(AbnormalShutdown, waitFor(t, childRoot.reasons))
	a.Equal(AbnormalShutdown, waitFor(t, parentRoot.reasons))
}
