// Package loop implements the single-threaded event loop: it ticks the
// I/O reactor, the timer wheel, the HTTP multi-driver and the fiber
// manager, drains the microtask and next-tick queues in the prescribed
// order, and computes an idle sleep that never oversleeps the next
// deadline.
package loop

import (
	"log/slog"
	"time"

	"github.com/evloop/evloop/internal/fiber"
	"github.com/evloop/evloop/internal/httpmulti"
	"github.com/evloop/evloop/internal/promise"
	"github.com/evloop/evloop/internal/reactor"
	"github.com/evloop/evloop/internal/timer"
)

// DefaultIdleSleepCap bounds how long a tick will block in the reactor
// when no timer or HTTP transfer is pending (overridable via
// Config.IdleSleepCap).
const DefaultIdleSleepCap = 20 * time.Millisecond

// Config tunes loop behavior.
type Config struct {
	IdleSleepCap time.Duration
}

// Loop is the event loop (module E): it owns and ticks the reactor, timer
// wheel, HTTP multi-driver and fiber manager, plus its own microtask and
// next-tick queues.
type Loop struct {
	cfg Config

	Reactor *reactor.Reactor
	Timers  *timer.Wheel
	HTTP    *httpmulti.Driver
	Fibers  *fiber.Manager

	microtasks []func()
	nextTick   []func()

	running bool

	// external is how other goroutines inject work onto this loop without
	// taking a lock on loop-owned state: Post appends under mu, and each
	// tick drains it into nextTick before running the rest of the phases.
	mu       chanMutex
	external []func()
}

// chanMutex is a 1-capacity channel used as a mutex, reserved for true
// goroutine boundaries rather than sprinkled through loop-owned state.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	c := make(chanMutex, 1)
	c <- struct{}{}
	return c
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// New builds a loop with the given reactor poller backend.
func New(cfg Config, poller reactor.Poller) *Loop {
	if cfg.IdleSleepCap <= 0 {
		cfg.IdleSleepCap = DefaultIdleSleepCap
	}
	l := &Loop{
		cfg:     cfg,
		Reactor: reactor.New(poller),
		Timers:  timer.New(nil),
		mu:      newChanMutex(),
	}
	l.HTTP = httpmulti.New()
	l.Fibers = fiber.NewManager(l)
	return l
}

// ScheduleMicrotask implements promise.Scheduler (and fiber.Scheduler):
// the microtask queue is shared by the promise graph and the fiber
// manager's await continuations.
func (l *Loop) ScheduleMicrotask(fn func()) {
	l.microtasks = append(l.microtasks, fn)
}

// ScheduleNextTick queues fn to run at the very start of the next tick,
// before timers and I/O dispatch.
func (l *Loop) ScheduleNextTick(fn func()) {
	l.nextTick = append(l.nextTick, fn)
}

// Post is safe to call from any goroutine: it queues fn to run as a
// next-tick callback on the loop goroutine. This is the one place
// cross-goroutine synchronization is needed; everything else under
// Loop is owned by the loop goroutine alone.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.external = append(l.external, fn)
	l.mu.Unlock()
}

func (l *Loop) drainExternal() {
	l.mu.Lock()
	ext := l.external
	l.external = nil
	l.mu.Unlock()
	l.nextTick = append(l.nextTick, ext...)
}

// Resolve creates an already-fulfilled promise bound to this loop.
func (l *Loop) Resolve(value any) *promise.Promise { return promise.Resolve(l, value) }

// Reject creates an already-rejected promise bound to this loop.
func (l *Loop) Reject(reason error) *promise.Promise { return promise.Reject(l, reason) }

// NewPromise creates a pending promise bound to this loop.
func (l *Loop) NewPromise(executor func(resolve func(any), reject func(error))) *promise.Promise {
	return promise.New(l, executor)
}

// Delay returns a promise that fulfills with nil after d.
func (l *Loop) Delay(d time.Duration) *promise.Promise {
	var id timer.ID
	return promise.NewCancellable(l, func(resolve func(any), reject func(error)) {
		id = l.Timers.Add(d, func() { resolve(nil) })
	}, func() {
		l.Timers.Cancel(id)
	})
}

// Tick runs exactly one iteration of the per-tick algorithm:
//  1. Drain next-tick queue fully.
//  2. Fire due timers.
//  3. Run one unit of HTTP progress.
//  4. Resume at most one fiber.
//  5. Drain the microtask queue fully.
//  6. Compute idle sleep.
//  7. Poll the reactor and dispatch.
func (l *Loop) Tick() {
	l.drainExternal()

	nt := l.nextTick
	l.nextTick = nil
	for _, fn := range nt {
		fn()
	}

	l.Timers.FireDue()

	l.HTTP.Tick()

	l.Fibers.Tick()

	l.drainMicrotasks()

	sleep := l.idleSleep()
	l.Reactor.Poll(sleep)
}

func (l *Loop) drainMicrotasks() {
	for len(l.microtasks) > 0 {
		mt := l.microtasks
		l.microtasks = nil
		for _, fn := range mt {
			fn()
		}
	}
}

// idleSleep computes min(timer next-delay, http next-poll-timeout, cap),
// clamped below at 0. A -1 ("null", nothing pending) from either source is
// treated as "no opinion" and does not constrain the sleep.
func (l *Loop) idleSleep() time.Duration {
	cap := l.cfg.IdleSleepCap
	sleep := cap

	if td := l.Timers.NextDelay(); td >= 0 && td < sleep {
		sleep = td
	}
	if ht := l.HTTP.NextPollTimeout(); ht >= 0 && ht < sleep {
		sleep = ht
	}
	if sleep < 0 {
		sleep = 0
	}
	return sleep
}

// Idle reports whether every loop-owned queue is empty: the loop may
// terminate once this holds (unless Stop was already requested, in which
// case Run exits regardless).
func (l *Loop) Idle() bool {
	return l.Timers.Len() == 0 &&
		l.Fibers.Count() == 0 &&
		l.HTTP.Len() == 0 &&
		l.Reactor.Len() == 0 &&
		len(l.microtasks) == 0 &&
		len(l.nextTick) == 0 &&
		len(l.external) == 0
}

// Stop requests termination; Run finishes its current tick and exits.
func (l *Loop) Stop() {
	l.running = false
}

// Run ticks the loop until Stop is called or every queue quiesces.
func (l *Loop) Run() {
	l.running = true
	for l.running {
		l.Tick()
		if l.Idle() {
			break
		}
	}
	slog.Debug("loop stopped")
}
