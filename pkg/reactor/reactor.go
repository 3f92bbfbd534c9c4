// Timer reactor for periodic ACE host work
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package reactor runs periodic host work (runout polling, the health
// watchdog) as timers fired from one dispatch goroutine. Times are
// seconds on the reactor's monotonic clock.
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

var ErrReactorClosed = errors.New("reactor: reactor closed")

// TimerCallback runs when a timer is due and returns the next wake
// time; NEVER parks the timer until UpdateTimer.
type TimerCallback func(eventtime float64) float64

// Timer is a registered timer.
type Timer struct {
	id       uint64
	callback TimerCallback

	mu       sync.Mutex
	waketime float64
	running  bool
	// pending holds an UpdateTimer issued while the callback ran.
	pending    float64
	hasPending bool
}

// Waketime returns when the timer fires next.
func (t *Timer) Waketime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

// Completion carries the result of work done on the reactor.
type Completion struct {
	result interface{}
	done   chan struct{}
	once   sync.Once
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Test reports whether the result is available.
func (c *Completion) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Complete stores the result; later calls are ignored.
func (c *Completion) Complete(result interface{}) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Wait blocks for the result or until ctx ends.
func (c *Completion) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Mutex is a FIFO lock whose state can be inspected, used to serialize
// long operations and report whether one is running.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

func (m *Mutex) Lock() {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()
	<-ch
}

// TryLock takes the lock only if it is free.
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// Unlock hands the lock to the oldest waiter, if any.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waiters) > 0 {
		ch := m.waiters[0]
		m.waiters = m.waiters[1:]
		close(ch)
		return
	}
	m.locked = false
}

// Test reports whether the mutex is held.
func (m *Mutex) Test() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// Reactor owns the timers.
type Reactor struct {
	mu     sync.Mutex
	timers []*Timer
	nextID atomic.Uint64
	calls  []func(eventtime float64)

	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	start   time.Time
}

func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		start:  time.Now(),
	}
}

// Monotonic returns seconds since the reactor was created.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.start).Seconds()
}

func (r *Reactor) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RegisterTimer adds a timer first due at waketime.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	t := &Timer{id: r.nextID.Add(1), callback: callback, waketime: waketime}
	r.mu.Lock()
	r.timers = append(r.timers, t)
	r.mu.Unlock()
	r.kick()
	return t
}

// UnregisterTimer removes a timer. A callback already running finishes.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	timer.mu.Lock()
	timer.waketime = NEVER
	timer.hasPending = false
	timer.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			return
		}
	}
}

// UpdateTimer reschedules a timer. Called from inside its own callback
// it overrides the callback's return value.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	timer.mu.Lock()
	if timer.running {
		timer.pending = waketime
		timer.hasPending = true
	} else {
		timer.waketime = waketime
	}
	timer.mu.Unlock()
	r.kick()
}

// Callback runs fn once on the dispatch goroutine.
func (r *Reactor) Callback(fn func(eventtime float64) interface{}) *Completion {
	c := newCompletion()
	if !r.running.Load() && r.ctx.Err() != nil {
		c.Complete(ErrReactorClosed)
		return c
	}
	r.mu.Lock()
	r.calls = append(r.calls, func(eventtime float64) { c.Complete(fn(eventtime)) })
	r.mu.Unlock()
	r.kick()
	return c
}

// Pause sleeps until waketime or until the reactor ends.
func (r *Reactor) Pause(waketime float64) float64 {
	now := r.Monotonic()
	if waketime <= now {
		return now
	}
	if waketime >= NEVER {
		<-r.ctx.Done()
		return r.Monotonic()
	}
	t := time.NewTimer(time.Duration((waketime - now) * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.ctx.Done():
	}
	return r.Monotonic()
}

// Run starts dispatching.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatchLoop()
}

// End stops dispatching; Wait blocks until the loop has exited.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

func (r *Reactor) Wait() { r.wg.Wait() }

// Running reports whether the dispatch loop is active.
func (r *Reactor) Running() bool { return r.running.Load() && r.ctx.Err() == nil }

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()
	for r.ctx.Err() == nil {
		eventtime := r.Monotonic()
		r.runCalls(eventtime)
		delay := r.fireTimers(eventtime)
		if delay <= 0 {
			continue
		}
		if delay > 1 {
			delay = 1
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(time.Duration(delay * float64(time.Second)))
		select {
		case <-idle.C:
		case <-r.wake:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Reactor) runCalls(eventtime float64) {
	r.mu.Lock()
	calls := r.calls
	r.calls = nil
	r.mu.Unlock()
	for _, fn := range calls {
		fn(eventtime)
	}
}

// fireTimers runs every due timer and returns seconds until the next.
func (r *Reactor) fireTimers(eventtime float64) float64 {
	r.mu.Lock()
	timers := append([]*Timer(nil), r.timers...)
	r.mu.Unlock()

	next := NEVER
	for _, t := range timers {
		t.mu.Lock()
		if eventtime >= t.waketime {
			t.waketime = NEVER
			t.running = true
			t.mu.Unlock()

			nw := t.callback(eventtime)

			t.mu.Lock()
			t.running = false
			if t.hasPending {
				nw = t.pending
				t.hasPending = false
			}
			t.waketime = nw
		}
		if t.waketime < next {
			next = t.waketime
		}
		t.mu.Unlock()
	}
	return next - r.Monotonic()
}
