// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package executor implements serial execution targets.
// Every actor is bound to one Target, and all its non thread-safe
// state is touched only by tasks running there.
package executor

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/nxgtw/actor-ipc/internal/logging"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrStopped is returned when a task is dispatched to a stopped target.
var ErrStopped = errors.New("executor is stopped")

// Task is a unit of work. ctx identifies the target it runs on.
type Task func(ctx context.Context)

type ctxKey struct{}

var lastID atomic.Uint64

const batchSize = 16

// Target runs tasks one at a time in dispatch order on its own goroutine.
type Target struct {
	id    uint64
	name  string
	tasks *queue.Queue
	log   *zap.Logger
	ctx   context.Context
	done  chan struct{}
	stop  sync.Once
}

// New starts a new target.
func New(name string, log *zap.Logger) *Target {
	t := &Target{
		id:    lastID.Add(1),
		name:  name,
		tasks: queue.New(batchSize),
		log:   logging.OrNop(log).With(zap.String("executor", name)),
		done:  make(chan struct{}),
	}
	t.ctx = context.WithValue(context.Background(), ctxKey{}, t)
	go t.loop()
	return t
}

// FromContext returns the target the calling task runs on, or nil.
func FromContext(ctx context.Context) *Target {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(ctxKey{}).(*Target)
	return t
}

// Bind returns a copy of ctx, which identifies t.
func (t *Target) Bind(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// ID returns a process-unique id of the target.
func (t *Target) ID() uint64 {
	return t.id
}

// Name returns the target name.
func (t *Target) Name() string {
	return t.name
}

// IsCurrent returns true, if ctx was passed to a task running on t.
func (t *Target) IsCurrent(ctx context.Context) bool {
	return FromContext(ctx) == t
}

// Context returns the base context of tasks.
func (t *Target) Context() context.Context {
	return t.ctx
}

// Dispatch queues the task.
func (t *Target) Dispatch(task Task) error {
	if err := t.tasks.Put(task); err != nil {
		return ErrStopped
	}
	return nil
}

// Run dispatches fn and waits for it to complete. If called from a task
// running on t, fn is executed immediately.
func (t *Target) Run(ctx context.Context, fn Task) error {
	if t.IsCurrent(ctx) {
		fn(ctx)
		return nil
	}
	finished := make(chan struct{})
	if err := t.Dispatch(func(ctx context.Context) {
		defer close(finished)
		fn(ctx)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-t.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued tasks.
func (t *Target) Len() int {
	return int(t.tasks.Len())
}

// Stop discards queued tasks and waits for the running one to finish.
// It must not be called from a task running on t.
func (t *Target) Stop() {
	t.stop.Do(func() {
		if dropped := t.tasks.Dispose(); len(dropped) > 0 {
			t.log.Debug("dropped queued tasks", zap.Int("count", len(dropped)))
		}
	})
	<-t.done
}

// Done is closed when the target has stopped.
func (t *Target) Done() <-chan struct{} {
	return t.done
}

func (t *Target) loop() {
	defer close(t.done)
	for {
		items, err := t.tasks.Get(batchSize)
		if err != nil {
			return
		}
		for _, item := range items {
			t.run(item.(Task))
		}
	}
}

func (t *Target) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("task panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	task(t.ctx)
}
