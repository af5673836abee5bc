// Copyright 2016 Aleksandr Demakin. All rights reserved.

package channel

import (
	"fmt"

	"github.com/nxgtw/actor-ipc/internal/logging"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultIOWorkers is the default number of goroutines of an IOThread.
const DefaultIOWorkers = 64

// IOThread runs blocking transport loops of process links.
// Each link takes two workers: a reader and a writer.
type IOThread struct {
	pool *ants.Pool
	log  *zap.Logger
}

type antsLogger struct {
	log *zap.SugaredLogger
}

func (l antsLogger) Printf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

// NewIOThread creates a pool of size goroutines.
func NewIOThread(size int, log *zap.Logger) (*IOThread, error) {
	if size <= 0 {
		size = DefaultIOWorkers
	}
	log = logging.OrNop(log).With(zap.String("component", "io"))
	pool, err := ants.NewPool(size,
		ants.WithLogger(antsLogger{log: log.Sugar()}),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error("io loop panicked", zap.String("panic", fmt.Sprint(p)))
		}),
		ants.WithNonblocking(true),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create io pool")
	}
	return &IOThread{pool: pool, log: log}, nil
}

// Go runs fn on the pool. It fails, if all workers are busy.
func (t *IOThread) Go(fn func()) error {
	if err := t.pool.Submit(fn); err != nil {
		return errors.Wrap(err, "io pool")
	}
	return nil
}

// Running returns the number of busy workers.
func (t *IOThread) Running() int {
	return t.pool.Running()
}

// Close releases the pool. Running loops are not interrupted.
func (t *IOThread) Close() {
	t.pool.Release()
}
