// Package promise implements an eager, single-assignment future with
// then/catch/finally chaining, combinators and cancellation that propagates
// to a chain's root cancellable.
//
// All state mutation happens on the scheduler's loop goroutine: a Promise
// carries no mutex. Continuations are never invoked synchronously from
// Then/Catch/Finally — they are always dispatched through the scheduler's
// microtask queue, even when the parent has already settled.
package promise

import (
	"errors"
	"fmt"
)

// State is the lifecycle stage of a Promise.
type State int32

const (
	Pending State = iota
	Fulfilled
	Rejected
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ErrCancelled is the canonical reason attached to a Cancelled promise.
var ErrCancelled = errors.New("promise cancelled")

// Scheduler is the subset of the event loop a Promise needs: a place to
// drop continuation callbacks so they never run synchronously.
type Scheduler interface {
	ScheduleMicrotask(fn func())
}

// CancelHandler is invoked at most once when a promise is cancelled.
type CancelHandler func()

// continuation is one registered pair of (onFulfilled, onRejected) plus the
// promise it feeds.
type continuation struct {
	onFulfilled func(v any) (any, error)
	onRejected  func(err error) (any, error)
	downstream  *Promise
}

// Promise is a single-assignment future.
type Promise struct {
	sched Scheduler

	state  State
	value  any
	reason error

	conts []continuation

	// root is the cancellable this promise's chain belongs to. A promise
	// created via NewCancellable is its own root; a promise produced by
	// Then/Catch/Finally inherits its parent's root.
	root *Promise

	cancelFired   bool
	cancelHandler CancelHandler
	// cancelledAfterSettle marks that Cancel() arrived after this (root)
	// promise had already settled to Fulfilled. The settled value is kept
	// (invariant: one terminal transition), but continuations not yet run
	// are redirected to a cancellation rejection.
	cancelledAfterSettle bool
}

// New creates a pending promise and immediately runs the executor with
// resolve/reject callbacks. A panic in the executor rejects the promise.
func New(sched Scheduler, executor func(resolve func(any), reject func(error))) *Promise {
	p := &Promise{sched: sched, state: Pending}
	p.root = p

	defer func() {
		if r := recover(); r != nil {
			p.reject(panicToError(r))
		}
	}()
	executor(p.resolve, p.reject)
	return p
}

// NewCancellable is like New but additionally registers a cancel handler,
// invoked at most once by Cancel().
func NewCancellable(sched Scheduler, executor func(resolve func(any), reject func(error)), onCancel CancelHandler) *Promise {
	p := New(sched, executor)
	p.cancelHandler = onCancel
	return p
}

// Resolve returns an already-fulfilled promise.
func Resolve(sched Scheduler, value any) *Promise {
	return New(sched, func(resolve func(any), _ func(error)) { resolve(value) })
}

// Reject returns an already-rejected promise.
func Reject(sched Scheduler, reason error) *Promise {
	return New(sched, func(_ func(any), reject func(error)) { reject(reason) })
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", r)
}

// State returns the current state.
func (p *Promise) State() State {
	return p.state
}

// Value returns the fulfilled value (valid only once State()==Fulfilled).
func (p *Promise) Value() any {
	return p.value
}

// Reason returns the rejection reason (valid once State()==Rejected/Cancelled).
func (p *Promise) Reason() error {
	return p.reason
}

// resolve settles the promise as Fulfilled, unless it already settled, or
// the value is itself a promise (in which case this promise adopts its
// eventual state).
func (p *Promise) resolve(value any) {
	if p.state != Pending {
		return
	}
	if inner, ok := value.(*Promise); ok {
		inner.then(p.resolve, func(err error) (any, error) { p.reject(err); return nil, nil })
		return
	}
	p.state = Fulfilled
	p.value = value
	p.drain()
}

// reject settles the promise as Rejected, unless it already settled.
func (p *Promise) reject(reason error) {
	if p.state != Pending {
		return
	}
	p.state = Rejected
	p.reason = reason
	p.drain()
}

// drain schedules every pending continuation as a microtask. Invariant 2:
// continuations never run synchronously from resolve/reject/then.
func (p *Promise) drain() {
	conts := p.conts
	p.conts = nil
	for _, c := range conts {
		c := c
		p.sched.ScheduleMicrotask(func() { p.run(c) })
	}
}

// run executes one continuation against this (now-settled) promise's state,
// honoring root cancellation skip semantics.
func (p *Promise) run(c continuation) {
	root := p.root
	if root.cancelFired && root.cancelledAfterSettle && p.state == Fulfilled {
		c.downstream.reject(ErrCancelled)
		return
	}

	switch p.state {
	case Fulfilled:
		if c.onFulfilled == nil {
			c.downstream.resolve(p.value)
			return
		}
		p.invoke(c.onFulfilled, p.value, c.downstream)
	case Rejected, Cancelled:
		if c.onRejected == nil {
			c.downstream.reject(p.reason)
			return
		}
		p.invokeErr(c.onRejected, p.reason, c.downstream)
	}
}

func (p *Promise) invoke(fn func(v any) (any, error), v any, downstream *Promise) {
	defer func() {
		if r := recover(); r != nil {
			downstream.reject(panicToError(r))
		}
	}()
	out, err := fn(v)
	if err != nil {
		downstream.reject(err)
		return
	}
	downstream.resolve(out)
}

func (p *Promise) invokeErr(fn func(err error) (any, error), reason error, downstream *Promise) {
	defer func() {
		if r := recover(); r != nil {
			downstream.reject(panicToError(r))
		}
	}()
	out, err := fn(reason)
	if err != nil {
		downstream.reject(err)
		return
	}
	downstream.resolve(out)
}

// Then registers fulfillment/rejection transforms and returns a new promise
// for the result. Either transform may be nil, in which case the state
// forwards unchanged. Per invariant 4, a continuation registered on an
// already-settled promise is scheduled as a microtask, never run inline.
func (p *Promise) Then(onFulfilled func(v any) (any, error), onRejected func(err error) (any, error)) *Promise {
	downstream := &Promise{sched: p.sched, state: Pending, root: p.root}
	c := continuation{onFulfilled: onFulfilled, onRejected: onRejected, downstream: downstream}

	if p.state == Pending {
		p.conts = append(p.conts, c)
	} else {
		p.sched.ScheduleMicrotask(func() { p.run(c) })
	}
	return downstream
}

// Catch is Then(nil, onRejected).
func (p *Promise) Catch(onRejected func(err error) (any, error)) *Promise {
	return p.Then(nil, onRejected)
}

// Finally runs h unconditionally on settlement. Its return value never
// overrides the adopted state, but a panic from h rejects the chain (via the
// same recover path as Then's onFulfilled/onRejected).
func (p *Promise) Finally(h func()) *Promise {
	return p.Then(
		func(v any) (any, error) { h(); return v, nil },
		func(e error) (any, error) { h(); return nil, e },
	)
}

// Cancel cancels the root of this promise's chain. Idempotent; the cancel
// handler fires at most once. If the root is still Pending it transitions
// to Cancelled/Rejected(ErrCancelled). If it already settled to Fulfilled,
// the value is retained but not-yet-run downstream continuations are
// redirected to a cancellation rejection.
func (p *Promise) Cancel() {
	root := p.root
	if root.cancelFired {
		return
	}
	root.cancelFired = true
	if root.cancelHandler != nil {
		h := root.cancelHandler
		root.cancelHandler = nil
		h()
	}

	switch root.state {
	case Pending:
		root.state = Cancelled
		root.reason = ErrCancelled
		root.drain()
	case Fulfilled:
		root.cancelledAfterSettle = true
	default:
		// already Rejected/Cancelled: nothing further to do.
	}
}

// SetCancelHandler installs (or replaces) the cancel handler on this
// promise's root. The last handler registered wins.
func (p *Promise) SetCancelHandler(h CancelHandler) {
	p.root.cancelHandler = h
}

// IsCancelled reports whether this promise's chain root has been cancelled.
func (p *Promise) IsCancelled() bool {
	return p.root.cancelFired
}

// then is the internal any->any chaining primitive used by resolve() when
// adopting an inner promise's state and by combinators.
func (p *Promise) then(onFulfilled func(any), onRejected func(error) (any, error)) *Promise {
	return p.Then(
		func(v any) (any, error) { onFulfilled(v); return nil, nil },
		onRejected,
	)
}
