// Copyright 2016 Aleksandr Demakin. All rights reserved.

package actor

import (
	"testing"

	"github.com/nxgtw/actor-ipc/channel"
	"github.com/nxgtw/actor-ipc/wire"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestTeardownOrder(t *testing.T) {
	a := assert.New(t)
	tl, root, events := newTree(t, Options{})
	if !a.NoError(root.OnConnected()) {
		return
	}
	p := addChild(t, root, "P", kindWorker, events)
	c1 := addChild(t, p, "C1", kindWorker, events)
	c2 := addChild(t, p, "C2", kindItem, events)
	g := addChild(t, c1, "G", kindItem, events)
	a.Equal([]Actor{c1}, p.Managed(kindWorker))
	a.Equal([]Actor{c2}, p.Managed(kindItem))
	a.True(p.Manager() == Actor(root))
	a.True(p.Toplevel() == tl)

	extra, ok := c2.Proxy()
	a.True(ok)
	p.DestroySubtree(Deletion)
	a.Equal([]string{"G", "C1", "C2", "P"}, events.list())
	a.Equal(Deletion, waitFor(t, p.reasons))
	for _, c := range []*testActor{c1, c2, g} {
		a.Equal(AncestorDeletion, waitFor(t, c.reasons))
	}
	a.Equal(Destroyed, p.LinkStatus())
	a.Equal(Destroyed, g.LinkStatus())
	a.Equal(Doomed, c2.LinkStatus())
	a.False(c2.deallocated.Load())
	a.True(extra.Release())
	a.Equal(Destroyed, c2.LinkStatus())
	a.True(c2.deallocated.Load())
	a.Empty(root.Managed(kindWorker))
	for _, id := range []int32{p.ID(), c1.ID(), c2.ID(), g.ID()} {
		_, ok := tl.Lookup(id)
		a.False(ok)
	}

	late := newTestActor("late", kindItem, events)
	err := late.SetManagerAndRegister(p, 0)
	a.Equal(ErrManagerGone, errors.Cause(err))
	a.Equal(int32(0), late.ID())

	p.DestroySubtree(Deletion)
	a.Len(events.list(), 4)
}

func TestIDsBySide(t *testing.T) {
	a := assert.New(t)
	tl, root, events := newTree(t, Options{})
	root.side = channel.SideChild
	c1 := addChild(t, root, "c1", kindItem, events)
	c2 := addChild(t, root, "c2", kindItem, events)
	a.Equal(int32(-1), c1.ID())
	a.Equal(int32(-2), c2.ID())
	a.Equal(channel.SideChild, c1.Side())
	got, ok := tl.Lookup(-2)
	a.True(ok)
	a.True(got == Actor(c2))

	_, root, events = newTree(t, Options{})
	root.side = channel.SideParent
	a.Equal(int32(1), addChild(t, root, "c1", kindItem, events).ID())
	a.Equal(int32(2), addChild(t, root, "c2", kindItem, events).ID())

	dup := newTestActor("dup", kindItem, events)
	err := dup.SetManagerAndRegister(root, 2)
	a.Equal(wire.ErrFraming, errors.Cause(err))
	a.Nil(dup.Toplevel())
}

func TestPeerAllocated(t *testing.T) {
	a := assert.New(t)
	tl, root, _ := newTree(t, Options{})
	root.side = channel.SideParent
	a.True(tl.peerAllocated(-3))
	a.False(tl.peerAllocated(3))
	a.False(tl.peerAllocated(0))
	a.False(tl.peerAllocated(wire.ControlRouting))
	root.side = channel.SideChild
	a.True(tl.peerAllocated(3))
	a.False(tl.peerAllocated(-3))
}

func TestLinkStatus(t *testing.T) {
	a := assert.New(t)
	_, root, events := newTree(t, Options{})
	c := newTestActor("c", kindItem, events)
	a.Equal(Inactive, c.LinkStatus())
	a.False(c.CanSend())
	a.False(c.CanRecv())
	a.Error(c.OnConnected())
	a.NoError(c.SetManagerAndRegister(root, 0))
	a.NoError(c.OnConnected())
	a.True(c.CanSend())
	a.True(c.CanRecv())
	a.Error(c.OnConnected())
	a.True(c.advance(Doomed))
	a.False(c.CanSend())
	a.True(c.CanRecv())
	a.False(c.advance(Connected))
	a.Equal(Doomed, c.LinkStatus())
	a.Equal("doomed", c.LinkStatus().String())
	a.Equal(ErrCannotSend, errors.Cause(c.Send(newTestMessage(t, "x"))))
}

func TestDebugMisusePanics(t *testing.T) {
	a := assert.New(t)
	_, root, events := newTree(t, Options{Debug: true})
	c := newTestActor("c", kindItem, events)
	a.NoError(c.SetManagerAndRegister(root, 0))
	a.Panics(func() {
		c.Send(newTestMessage(t, "x"))
	})
	a.Panics(func() {
		c.SetManagerAndRegister(root, 0)
	})
	a.Panics(func() {
		var bad testActor
		bad.Init(newTestActor("other", kindItem, events), kindItem)
	})
}

func TestResult(t *testing.T) {
	a := assert.New(t)
	a.True(Ok().IsOk())
	a.NoError(Ok().Err())
	res := Fail(newTestActor("lonely", kindItem, &eventLog{}), "no tree")
	a.False(res.IsOk())
	a.Contains(res.Err().Error(), "no tree")
	a.Equal("failed constructor", FailedConstructor.String())
}
