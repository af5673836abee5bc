// Copyright 2016 Aleksandr Demakin. All rights reserved.

package channel

import (
	"context"
	"time"

	"github.com/nxgtw/actor-ipc/wire"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned for operations on a closed channel.
	ErrClosed = errors.New("channel is closed")
	// ErrReplyTimeout is returned by Call, when waiting for a reply was abandoned.
	ErrReplyTimeout = errors.New("reply timeout")
	// ErrInterruptRace is returned by Call, if both sides called each other
	// at the same time and the race policy is RaceError.
	ErrInterruptRace = errors.New("interrupt race")
	// ErrRemoteError is returned by Call, if the peer failed to process the call.
	ErrRemoteError = errors.New("peer failed to process the call")
	// ErrPeerGone is returned, when the peer process has exited.
	ErrPeerGone = errors.New("peer process is gone")
	// ErrBuildIDMismatch is returned, when the peer runs a different build.
	ErrBuildIDMismatch = errors.New("build id mismatch")
	// ErrNotOnWorker is returned by Call, if it is not called from the channel's executor.
	ErrNotOnWorker = errors.New("call must be made on the channel's executor")
)

// Side tells which end of a channel an endpoint is.
type Side int

// channel sides.
const (
	SideUnknown Side = iota
	SideParent
	SideChild
)

func (s Side) String() string {
	switch s {
	case SideParent:
		return "parent"
	case SideChild:
		return "child"
	default:
		return "unknown"
	}
}

// State is a channel state.
type State int

// channel states.
const (
	StateClosed State = iota
	StateOpening
	StateConnected
	StateClosing
	StateError
)

func (s State) String() string {
	return [...]string{"closed", "opening", "connected", "closing", "error"}[s]
}

// RacePolicy decides who wins, if both sides send a call to each other at the same time.
type RacePolicy int

// race policies.
const (
	RaceChildWins RacePolicy = iota
	RaceParentWins
	RaceError
)

// ParseRacePolicy converts "child", "parent" or "error" into a policy.
func ParseRacePolicy(s string) (RacePolicy, error) {
	switch s {
	case "child", "":
		return RaceChildWins, nil
	case "parent":
		return RaceParentWins, nil
	case "error":
		return RaceError, nil
	default:
		return 0, errors.Errorf("unknown race policy %q", s)
	}
}

func (p RacePolicy) winner() Side {
	switch p {
	case RaceChildWins:
		return SideChild
	case RaceParentWins:
		return SideParent
	default:
		return SideUnknown
	}
}

// Listener receives channel events. All methods are called on the channel's executor.
type Listener interface {
	// OnMessageReceived handles an async message. An error is fatal for the channel.
	OnMessageReceived(ctx context.Context, msg *wire.Message) error
	// OnCallReceived handles a sync message and returns the reply.
	// An error makes the channel send an error reply and then fail.
	OnCallReceived(ctx context.Context, msg *wire.Message) (*wire.Message, error)
	// OnChannelConnected is called once the peer's hello is received.
	OnChannelConnected(peerPid int)
	// OnChannelClose is called after the channel was closed normally.
	OnChannelClose()
	// OnChannelError is called after the channel failed.
	OnChannelError(err error)
	// ShouldContinueFromReplyTimeout tells whether a timed out call should keep waiting.
	ShouldContinueFromReplyTimeout() bool
}

// Observer receives channel statistics.
type Observer interface {
	MessageSent(msg *wire.Message)
	MessageReceived(msg *wire.Message)
	CallFinished(d time.Duration)
	ChannelError(err error)
}

// Options configure a channel.
type Options struct {
	// ID is used in logs and metrics. A random one is generated if empty.
	ID string
	// ReplyTimeout is the time after which ShouldContinueFromReplyTimeout is asked. Zero means no timeout.
	ReplyTimeout time.Duration
	RacePolicy   RacePolicy
	// BuildID must be the same on both sides.
	BuildID  string
	Logger   *zap.Logger
	Observer Observer
}

// Link is a transport used by a channel. All methods are called with the channel's monitor held.
type Link interface {
	// Start binds the link to the channel.
	Start(ch *Channel) error
	// SendMessage transmits the message, taking the ownership of it.
	SendMessage(msg *wire.Message) error
	// Close releases the link. Queued messages are still delivered.
	Close()
	// QueuedCount returns the number of messages waiting to be transmitted.
	QueuedCount() int
}

type nopObserver struct{}

func (nopObserver) MessageSent(*wire.Message)     {}
func (nopObserver) MessageReceived(*wire.Message) {}
func (nopObserver) CallFinished(time.Duration)    {}
func (nopObserver) ChannelError(error)            {}
