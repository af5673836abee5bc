// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package actor implements trees of typed message endpoints over a channel.
//
// Every tree has a Toplevel, which owns the channel, the routing table and
// the shared memory segments of the tree. Concrete actors embed Protocol and
// implement Actor:
//
//	type worker struct {
//		actor.Protocol
//	}
//
//	func (w *worker) Proto() *actor.Protocol { return &w.Protocol }
//
// An actor is bound to the executor of its toplevel. Its link status only
// moves forward: Inactive, Connected, Doomed, Destroyed.
package actor

import (
	"context"

	"github.com/nxgtw/actor-ipc/wire"

	"github.com/pkg/errors"
)

var (
	// ErrManagerGone is returned, when registering an actor under a manager, which is being destroyed.
	ErrManagerGone = errors.New("manager actor is gone")
	// ErrCannotSend is returned, when an actor, which is not connected, sends a message.
	ErrCannotSend = errors.New("actor cannot send")
	// ErrWrongExecutor is returned by WeakLifecycleProxy.Get outside of the actor's executor.
	ErrWrongExecutor = errors.New("actor is accessed outside of its executor")
	// ErrActorGone is returned by WeakLifecycleProxy.Get after the actor was destroyed.
	ErrActorGone = errors.New("actor is destroyed")
	// ErrRouteNotFound is returned for calls to unknown actors.
	ErrRouteNotFound = errors.New("no actor for the routing id")
)

// Kind is a protocol kind tag. Managed actors are grouped by kind.
type Kind int32

// Actor is implemented by every concrete actor type.
type Actor interface {
	// Proto returns the embedded protocol state.
	Proto() *Protocol
	// ActorDestroy is called once, after all managed actors were destroyed.
	ActorDestroy(reason DestroyReason)
	// OnMessageReceived handles an async message routed to the actor.
	OnMessageReceived(ctx context.Context, msg *wire.Message) Result
	// OnCallReceived handles a sync message and returns the reply.
	OnCallReceived(ctx context.Context, msg *wire.Message) (*wire.Message, Result)
}

// Allocator is implemented by actors, which manage actors constructed by the peer.
type Allocator interface {
	AllocManaged(kind Kind) (Actor, error)
}

// Deallocator is implemented by actors, which need to know when the last reference is gone.
type Deallocator interface {
	ActorDealloc()
}

// ReplyTimeoutHandler may be implemented by a toplevel actor to keep waiting for slow replies.
type ReplyTimeoutHandler interface {
	ShouldContinueFromReplyTimeout() bool
}

// LinkStatus is the lifecycle state of an actor.
type LinkStatus int32

// link statuses, in the only allowed order.
const (
	Inactive LinkStatus = iota
	Connected
	Doomed
	Destroyed
)

func (s LinkStatus) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Connected:
		return "connected"
	case Doomed:
		return "doomed"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// DestroyReason tells ActorDestroy why the actor goes away.
type DestroyReason int

// destroy reasons.
const (
	Deletion DestroyReason = iota
	AncestorDeletion
	NormalShutdown
	AbnormalShutdown
	FailedConstructor
)

func (r DestroyReason) String() string {
	return [...]string{"deletion", "ancestor deletion", "normal shutdown", "abnormal shutdown", "failed constructor"}[r]
}

// Result is the outcome of an actor's message handler.
// A failed result is reported to the toplevel when it is created.
type Result struct {
	err error
}

// Ok returns a successful result.
func Ok() Result {
	return Result{}
}

// Fail reports the failure of a and returns a failed result.
// If a belongs to a tree, its channel is closed with an error.
func Fail(a Actor, reason string) Result {
	p := a.Proto()
	if p.toplevel == nil {
		return Result{err: errors.Errorf("actor %d failed: %s", p.id, reason)}
	}
	return Result{err: p.toplevel.fail(p, reason)}
}

// IsOk returns true for successful results.
func (r Result) IsOk() bool {
	return r.err == nil
}

// Err returns the failure or nil.
func (r Result) Err() error {
	return r.err
}
