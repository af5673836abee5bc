// Copyright 2016 Aleksandr Demakin. All rights reserved.

package channel

import (
	"sync"
	"sync/atomic"
)

// Monitor is the lock guarding the state of a channel and its link.
// Two channels connected with a thread link share one monitor.
type Monitor struct {
	mu   sync.Mutex
	held atomic.Bool
}

// NewMonitor returns a new monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Lock acquires the monitor.
func (m *Monitor) Lock() {
	m.mu.Lock()
	m.held.Store(true)
}

// Unlock releases the monitor.
func (m *Monitor) Unlock() {
	m.held.Store(false)
	m.mu.Unlock()
}

// Hold acquires the monitor and returns a function releasing it:
//	defer m.Hold()()
func (m *Monitor) Hold() func() {
	m.Lock()
	return m.Unlock
}

// AssertHeld panics, if the monitor is not held by anyone.
func (m *Monitor) AssertHeld() {
	if !m.held.Load() {
		panic("channel monitor is not held")
	}
}

// unlocked runs fn with the monitor released. The monitor is held again
// when unlocked returns, also when fn panics.
func (m *Monitor) unlocked(fn func()) {
	m.Unlock()
	defer m.Lock()
	fn()
}

func (m *Monitor) newCond() *sync.Cond {
	return sync.NewCond(&m.mu)
}

// wait releases the monitor while waiting on c.
func (m *Monitor) wait(c *sync.Cond) {
	m.held.Store(false)
	c.Wait()
	m.held.Store(true)
}
