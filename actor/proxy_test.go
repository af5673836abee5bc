// Copyright 2016 Aleksandr Demakin. All rights reserved.

package actor

import (
	"context"
	"testing"

	"github.com/nxgtw/actor-ipc/executor"

	"github.com/stretchr/testify/assert"
)

func TestLifecycleProxy(t *testing.T) {
	a := assert.New(t)
	arena := NewArena()
	x := newTestActor("x", kindItem, &eventLog{})
	p := arena.Insert(x)
	got, ok := p.Get()
	a.True(ok)
	a.True(got == Actor(x))
	clone, ok := p.Clone()
	a.True(ok)
	a.True(p.Release())
	a.Equal(Inactive, x.LinkStatus())
	_, ok = clone.Get()
	a.True(ok)
	a.True(clone.Release())
	a.Equal(Destroyed, x.LinkStatus())
	a.True(x.deallocated.Load())
	a.Equal(0, arena.Len())

	_, ok = p.Get()
	a.False(ok)
	a.False(p.Release())
	_, ok = p.Clone()
	a.False(ok)

	y := newTestActor("y", kindItem, &eventLog{})
	q := arena.Insert(y)
	a.Equal(p.index, q.index)
	_, ok = p.Get()
	a.False(ok)
	got, ok = q.Get()
	a.True(ok)
	a.True(got == Actor(y))
	a.Equal(1, arena.Len())

	var zero LifecycleProxy
	_, ok = zero.Get()
	a.False(ok)
	a.False(zero.Release())
}

func TestWeakLifecycleProxy(t *testing.T) {
	a := assert.New(t)
	target := executor.New("weak", nil)
	defer target.Stop()
	x := newTestActor("x", kindItem, &eventLog{})
	p := NewArena().Insert(x)
	w := WeakLifecycleProxy{proxy: p, target: target}
	a.Equal(target, w.Target())

	_, err := w.Get(context.Background())
	a.Equal(ErrWrongExecutor, err)
	var got Actor
	a.NoError(target.Run(context.Background(), func(ctx context.Context) {
		got, err = w.Get(ctx)
	}))
	a.NoError(err)
	a.True(got == Actor(x))

	p.Release()
	a.NoError(target.Run(context.Background(), func(ctx context.Context) {
		got, err = w.Get(ctx)
	}))
	a.Equal(ErrActorGone, err)
	a.Nil(got)

	var unbound WeakLifecycleProxy
	_, err = unbound.Get(context.Background())
	a.Equal(ErrWrongExecutor, err)
}
