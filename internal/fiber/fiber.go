// Package fiber keeps suspended cooperative tasks and resumes them when
// their awaited promise settles. A fiber's body runs on its own goroutine,
// but a channel rendezvous with the loop goroutine ensures at most one
// fiber's code is ever actually executing: the loop only ever unblocks one
// fiber per Tick, and that fiber runs until it either returns or blocks
// again on Await, handing control straight back.
package fiber

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/evloop/evloop/internal/promise"
)

// Scheduler is what a fiber needs from its host loop: a microtask queue
// (shared with the promise graph) and the ability to register a resume
// callback against whatever promise the fiber is awaiting.
type Scheduler interface {
	promise.Scheduler
}

// State is a fiber's lifecycle stage.
type State int32

const (
	Runnable State = iota
	Suspended
	Done
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Suspended:
		return "suspended"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// resumeMsg is handed from the loop goroutine to the fiber goroutine when
// its awaited promise settles.
type resumeMsg struct {
	value any
	err   error
}

// Fiber is a suspended cooperative task: a goroutine that only ever runs
// between a resume handoff and its next Await call (or return).
type Fiber struct {
	ID    string
	state State

	toFiber  chan resumeMsg // loop -> fiber: deliver an await's result
	fromBody chan struct{}  // fiber -> loop: body is blocked again, or done

	current *Manager // manager this fiber is registered with, for Await
	pending resumeMsg // value/err queued for the next resume
	result  any
	err     error
}

// State reports the fiber's current lifecycle stage.
func (f *Fiber) State() State { return f.state }

// Result returns the fiber's final return value and error, valid once
// State() == Done.
func (f *Fiber) Result() (any, error) { return f.result, f.err }

// Manager is the Fiber/Task Manager (module D): it owns the set of live
// fibers and resumes at most one per Tick call.
type Manager struct {
	sched    Scheduler
	runnable []*Fiber // fibers whose toFiber channel has already been sent to and are mid-flight
	all      map[*Fiber]struct{}

	// active is set for the duration of a fiber body actually running, so
	// Await can find which Fiber is calling it (the body runs on its own
	// goroutine but only one body is ever unblocked at a time).
	active *Fiber
}

// NewManager returns an empty fiber manager bound to sched's microtask
// queue (fibers resolve their awaits through the same queue promises use).
func NewManager(sched Scheduler) *Manager {
	return &Manager{sched: sched, all: make(map[*Fiber]struct{})}
}

// Spawn starts thunk on its own goroutine and registers it as a fiber. The
// goroutine blocks immediately (rendezvous) until the manager's first Tick
// resumes it, so thunk never races with other fiber bodies.
func (m *Manager) Spawn(thunk func(y *Yielder) (any, error)) *Fiber {
	f := &Fiber{
		ID:       uuid.New().String(),
		state:    Runnable,
		toFiber:  make(chan resumeMsg),
		fromBody: make(chan struct{}),
	}
	f.current = m
	m.all[f] = struct{}{}
	m.runnable = append(m.runnable, f)

	y := &Yielder{f: f, m: m}
	go func() {
		<-f.toFiber // wait for the manager's go-ahead before running any body code
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("fiber panic: %v", r)
			}
			f.state = Done
			delete(m.all, f)
			f.fromBody <- struct{}{}
		}()
		v, err := thunk(y)
		f.result, f.err = v, err
	}()
	return f
}

// Tick resumes at most one runnable fiber: it unblocks the fiber's
// goroutine with whatever value/err was queued for it, waits for that
// fiber to either finish or suspend again on an Await, then returns. It
// reports whether a fiber actually ran.
func (m *Manager) Tick() bool {
	if len(m.runnable) == 0 {
		return false
	}
	f := m.runnable[0]
	m.runnable = m.runnable[1:]

	m.active = f
	f.toFiber <- f.pending
	<-f.fromBody
	m.active = nil
	return true
}

// Count reports the number of fibers still alive (runnable or suspended).
func (m *Manager) Count() int {
	return len(m.all)
}

// Yielder is the capability a fiber body uses to await a promise; it is
// handed to the thunk passed to Spawn.
type Yielder struct {
	f *Fiber
	m *Manager
}

// Await parks the calling fiber until p settles, then returns p's
// fulfilled value, or the rejection reason as an error. It must only be
// called from within the fiber's own thunk.
func (y *Yielder) Await(p *promise.Promise) (any, error) {
	f := y.f
	m := y.m

	f.state = Suspended
	p.Then(
		func(v any) (any, error) {
			f.pending = resumeMsg{value: v}
			m.runnable = append(m.runnable, f)
			return nil, nil
		},
		func(err error) (any, error) {
			f.pending = resumeMsg{err: err}
			m.runnable = append(m.runnable, f)
			return nil, nil
		},
	)

	f.fromBody <- struct{}{} // hand control back to the loop goroutine
	msg := <-f.toFiber       // blocks until Tick resumes this fiber
	f.state = Runnable
	return msg.value, msg.err
}
