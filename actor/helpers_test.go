// Copyright 2016 Aleksandr Demakin. All rights reserved.

package actor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nxgtw/actor-ipc/executor"
	"github.com/nxgtw/actor-ipc/wire"

	"github.com/stretchr/testify/require"
)

const (
	kindRoot Kind = iota + 1
	kindWorker
	kindItem

	testType    = 10
	waitTimeout = 5 * time.Second
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type testActor struct {
	Protocol
	name        string
	events      *eventLog
	reasons     chan DestroyReason
	received    chan string
	allocated   chan *testActor
	onMessage   func(ctx context.Context, msg *wire.Message) Result
	deallocated atomic.Bool
}

func newTestActor(name string, kind Kind, events *eventLog) *testActor {
	a := &testActor{
		name:      name,
		events:    events,
		reasons:   make(chan DestroyReason, 1),
		received:  make(chan string, 16),
		allocated: make(chan *testActor, 4),
	}
	a.Init(a, kind)
	return a
}

func (a *testActor) Proto() *Protocol {
	return &a.Protocol
}

func (a *testActor) ActorDestroy(reason DestroyReason) {
	a.events.add(a.name)
	a.reasons <- reason
}

func (a *testActor) OnMessageReceived(ctx context.Context, msg *wire.Message) Result {
	if a.onMessage != nil {
		return a.onMessage(ctx, msg)
	}
	a.received <- payloadString(msg)
	return Ok()
}

func (a *testActor) OnCallReceived(ctx context.Context, msg *wire.Message) (*wire.Message, Result) {
	reply := wire.NewReply(msg)
	w := wire.NewWriter()
	w.WriteString("re:" + payloadString(msg))
	if err := reply.SetPayload(w); err != nil {
		return nil, Fail(a, err.Error())
	}
	return reply, Ok()
}

func (a *testActor) AllocManaged(kind Kind) (Actor, error) {
	child := newTestActor(a.name+"/managed", kind, a.events)
	a.allocated <- child
	return child, nil
}

func (a *testActor) ActorDealloc() {
	a.deallocated.Store(true)
}

func payloadString(msg *wire.Message) string {
	if len(msg.Payload) == 0 {
		return ""
	}
	return wire.NewReader(msg).ReadString()
}

func newTestMessage(t *testing.T, payload string) *wire.Message {
	msg, err := wire.NewMessage(0, testType, 0)
	require.NoError(t, err)
	w := wire.NewWriter()
	w.WriteString(payload)
	require.NoError(t, msg.SetPayload(w))
	return msg
}

func waitFor[T any](t *testing.T, c chan T) T {
	select {
	case v := <-c:
		return v
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out")
	}
	var zero T
	return zero
}

func waitDone(t *testing.T, done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out")
	}
}

func run(t *testing.T, target *executor.Target, fn func(ctx context.Context)) {
	require.NoError(t, target.Run(context.Background(), fn))
}

func newTree(t *testing.T, opts Options) (*Toplevel, *testActor, *eventLog) {
	target := executor.New("tree", nil)
	t.Cleanup(target.Stop)
	events := &eventLog{}
	root := newTestActor("root", kindRoot, events)
	return NewToplevel(root, target, opts), root, events
}

func addChild(t *testing.T, manager Actor, name string, kind Kind, events *eventLog) *testActor {
	c := newTestActor(name, kind, events)
	require.NoError(t, c.SetManagerAndRegister(manager, 0))
	require.NoError(t, c.OnConnected())
	return c
}

// newThreadTrees connects two trees with the given roots over a thread link.
func newThreadTrees(t *testing.T, parentRoot, childRoot *testActor, opts Options) (*Toplevel, *Toplevel) {
	parentTarget := executor.New("parent", nil)
	childTarget := executor.New("child", nil)
	t.Cleanup(func() {
		parentTarget.Stop()
		childTarget.Stop()
	})
	parent := NewToplevel(parentRoot, parentTarget, opts)
	child := NewToplevel(childRoot, childTarget, opts)
	require.NoError(t, parent.OpenThread(child))
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, parent.WaitConnected(ctx))
	require.NoError(t, child.WaitConnected(ctx))
	return parent, child
}
