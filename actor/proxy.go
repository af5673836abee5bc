// Copyright 2016 Aleksandr Demakin. All rights reserved.

package actor

import (
	"context"
	"sync"

	"github.com/nxgtw/actor-ipc/executor"
)

// Arena holds actors, which are referenced by lifecycle proxies.
// A slot is reused after the last reference to its actor is released,
// with a new generation, so stale proxies see the actor as gone.
type Arena struct {
	mu    sync.Mutex
	slots []arenaSlot
	free  []int
	live  int
}

type arenaSlot struct {
	actor Actor
	gen   uint32
	refs  int
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Len returns the number of actors in the arena.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Insert places actor into the arena and returns its first reference.
func (a *Arena) Insert(actor Actor) LifecycleProxy {
	a.mu.Lock()
	defer a.mu.Unlock()
	var idx int
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = len(a.slots)
		a.slots = append(a.slots, arenaSlot{})
	}
	slot := &a.slots[idx]
	slot.actor, slot.refs = actor, 1
	a.live++
	return LifecycleProxy{arena: a, index: idx, gen: slot.gen}
}

// slotLocked returns the slot, if p still refers to a live actor.
func (a *Arena) slotLocked(p LifecycleProxy) *arenaSlot {
	if p.index < 0 || p.index >= len(a.slots) {
		return nil
	}
	slot := &a.slots[p.index]
	if slot.gen != p.gen || slot.actor == nil {
		return nil
	}
	return slot
}

// LifecycleProxy is a counted reference to an actor.
// The zero value refers to nothing. Every proxy obtained from Insert or Clone
// must be released exactly once.
type LifecycleProxy struct {
	arena *Arena
	index int
	gen   uint32
}

// Get returns the actor, until the last reference to it is released.
func (p LifecycleProxy) Get() (Actor, bool) {
	if p.arena == nil {
		return nil, false
	}
	p.arena.mu.Lock()
	defer p.arena.mu.Unlock()
	slot := p.arena.slotLocked(p)
	if slot == nil {
		return nil, false
	}
	return slot.actor, true
}

// Clone returns a new reference to the same actor.
// It returns false, if the actor is already gone.
func (p LifecycleProxy) Clone() (LifecycleProxy, bool) {
	if p.arena == nil {
		return LifecycleProxy{}, false
	}
	p.arena.mu.Lock()
	defer p.arena.mu.Unlock()
	slot := p.arena.slotLocked(p)
	if slot == nil {
		return LifecycleProxy{}, false
	}
	slot.refs++
	return p, true
}

// Release drops the reference. Dropping the last one moves the actor
// to Destroyed and calls its ActorDealloc. It returns false for stale proxies.
func (p LifecycleProxy) Release() bool {
	if p.arena == nil {
		return false
	}
	a := p.arena
	a.mu.Lock()
	slot := a.slotLocked(p)
	if slot == nil {
		a.mu.Unlock()
		return false
	}
	slot.refs--
	if slot.refs > 0 {
		a.mu.Unlock()
		return true
	}
	actor := slot.actor
	slot.actor = nil
	slot.gen++
	a.free = append(a.free, p.index)
	a.live--
	a.mu.Unlock()

	actor.Proto().advance(Destroyed)
	if d, ok := actor.(Deallocator); ok {
		d.ActorDealloc()
	}
	return true
}

// WeakLifecycleProxy refers to an actor without keeping it alive.
// It may be passed to any goroutine, but dereferenced only on the actor's executor.
type WeakLifecycleProxy struct {
	proxy  LifecycleProxy
	target *executor.Target
}

// Get returns the actor, if ctx belongs to the actor's executor and the actor is alive.
func (w WeakLifecycleProxy) Get(ctx context.Context) (Actor, error) {
	if w.target == nil || !w.target.IsCurrent(ctx) {
		return nil, ErrWrongExecutor
	}
	actor, ok := w.proxy.Get()
	if !ok {
		return nil, ErrActorGone
	}
	return actor, nil
}

// Target returns the executor the actor is bound to.
func (w WeakLifecycleProxy) Target() *executor.Target {
	return w.target
}
