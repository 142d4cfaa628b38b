// Package pool implements a bounded pool of MySQL connections with a
// FIFO waiter queue, a Transaction handle that pins a connection for its
// lifetime, and a PreparedStatement handle that does the same for the
// life of one prepared statement.
package pool

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/evloop/evloop/internal/mysql/conn"
	"github.com/evloop/evloop/internal/promise"
	"github.com/evloop/evloop/internal/reactor"
	"github.com/evloop/evloop/internal/timer"
)

// Scheduler is what the pool and the connections it dials need from the
// host loop.
type Scheduler interface {
	ScheduleMicrotask(fn func())
	Post(fn func())
}

// Config configures a Pool's target server and sizing.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
	TLS      bool

	MinConns       int
	MaxConns       int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
}

func (c Config) connOptions() conn.Options {
	return conn.Options{
		Host: c.Host, Port: c.Port,
		Username: c.Username, Password: c.Password, Database: c.Database,
		TLS: c.TLS,
	}
}

type pooledConn struct {
	c         *conn.Conn
	createdAt time.Time
	idleSince time.Time
}

// waiter is one Acquire() call blocked on pool exhaustion, held in arrival
// order so Release() always serves the longest-waiting caller first.
type waiter struct {
	resolve func(any)
	reject  func(error)
	timerID timer.ID
	done    bool
}

// Pool is the bounded MySQL connection pool (module I).
type Pool struct {
	sched   Scheduler
	reactor *reactor.Reactor
	timers  *timer.Wheel
	cfg     Config

	idle    []*pooledConn
	active  map[*conn.Conn]*pooledConn
	total   int
	waiters []*waiter

	exhaustedCount int64
	closed         bool
}

// New returns a Pool bound to cfg; it dials connections lazily on demand
// (call WarmUp to pre-create cfg.MinConns idle connections up front).
func New(sched Scheduler, r *reactor.Reactor, timers *timer.Wheel, cfg Config) *Pool {
	return &Pool{
		sched:   sched,
		reactor: r,
		timers:  timers,
		cfg:     cfg,
		active:  make(map[*conn.Conn]*pooledConn),
	}
}

// WarmUp dials cfg.MinConns connections ahead of demand and returns a
// promise that resolves once all have either succeeded or failed; a
// partial failure still resolves (the pool just starts smaller).
func (p *Pool) WarmUp() *promise.Promise {
	want := p.cfg.MinConns - p.total
	if want <= 0 {
		return promise.Resolve(p.sched, nil)
	}
	pending := want
	return promise.New(p.sched, func(resolve func(any), _ func(error)) {
		finish := func() {
			pending--
			if pending == 0 {
				resolve(nil)
			}
		}
		for i := 0; i < want; i++ {
			p.total++
			p.dial().Then(
				func(v any) (any, error) {
					pc := v.(*pooledConn)
					pc.idleSince = time.Now()
					p.idle = append(p.idle, pc)
					finish()
					return nil, nil
				},
				func(err error) (any, error) {
					p.total--
					slog.Warn("mysql pool warm-up connection failed", "err", err)
					finish()
					return nil, nil
				},
			)
		}
	})
}

// Acquire returns a promise resolving to a *conn.Conn exclusively owned
// by the caller until Release is called. Cancelling the returned promise
// while it is still waiting removes it from the FIFO queue.
func (p *Pool) Acquire() *promise.Promise {
	var w *waiter
	pr := promise.NewCancellable(p.sched, func(resolve func(any), reject func(error)) {
		p.tryAcquire(resolve, reject, &w)
	}, func() {
		if w != nil && !w.done {
			w.done = true
			p.removeWaiter(w)
			if w.timerID != 0 {
				p.timers.Cancel(w.timerID)
			}
		}
	})
	return pr
}

func (p *Pool) tryAcquire(resolve func(any), reject func(error), wOut **waiter) {
	if p.closed {
		reject(fmt.Errorf("mysql pool: closed"))
		return
	}

	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.expired(pc) {
			p.total--
			pc.c.Close()
			continue
		}
		p.active[pc.c] = pc
		resolve(pc.c)
		return
	}

	if p.total < p.cfg.MaxConns {
		p.total++
		p.dial().Then(
			func(v any) (any, error) {
				pc := v.(*pooledConn)
				p.active[pc.c] = pc
				resolve(pc.c)
				return nil, nil
			},
			func(err error) (any, error) {
				p.total--
				reject(err)
				p.serveNextWaiter()
				return nil, nil
			},
		)
		return
	}

	p.exhaustedCount++
	w := &waiter{resolve: resolve, reject: reject}
	*wOut = w
	p.waiters = append(p.waiters, w)
	if p.cfg.AcquireTimeout > 0 {
		w.timerID = p.timers.Add(p.cfg.AcquireTimeout, func() {
			if w.done {
				return
			}
			w.done = true
			p.removeWaiter(w)
			w.reject(fmt.Errorf("mysql pool: acquire timeout after %s", p.cfg.AcquireTimeout))
		})
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// serveNextWaiter hands the head of the FIFO queue a freshly dialed
// connection after a dial failure frees up pool headroom, retrying the
// acquire from the top rather than giving the waiter a connection
// directly (the pool may now be able to serve it from idle too).
func (p *Pool) serveNextWaiter() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	if w.timerID != 0 {
		p.timers.Cancel(w.timerID)
	}
	var next *waiter
	p.tryAcquire(w.resolve, w.reject, &next)
}

func (p *Pool) dial() *promise.Promise {
	c := conn.New(p.sched, p.reactor, p.cfg.connOptions())
	return c.Connect().Then(
		func(v any) (any, error) {
			return &pooledConn{c: c, createdAt: time.Now()}, nil
		},
		nil,
	)
}

func (p *Pool) expired(pc *pooledConn) bool {
	if p.cfg.MaxLifetime > 0 && time.Since(pc.createdAt) > p.cfg.MaxLifetime {
		return true
	}
	if p.cfg.IdleTimeout > 0 && time.Since(pc.idleSince) > p.cfg.IdleTimeout {
		return true
	}
	return false
}

// Release returns c to the pool's idle set, or hands it directly to the
// longest-waiting Acquire() caller if one is queued.
func (p *Pool) Release(c *conn.Conn) {
	pc, ok := p.active[c]
	if !ok {
		return
	}
	delete(p.active, c)

	if p.closed || c.State() == conn.Disconnected {
		p.total--
		c.Close()
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if w.timerID != 0 {
			p.timers.Cancel(w.timerID)
		}
		w.done = true
		p.active[c] = pc
		w.resolve(c)
		return
	}

	pc.idleSince = time.Now()
	p.idle = append(p.idle, pc)
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Active    int
	Idle      int
	Total     int
	Waiting   int
	Exhausted int64
}

// Stats returns a snapshot of the pool's current occupancy.
func (p *Pool) Stats() Stats {
	return Stats{
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   len(p.waiters),
		Exhausted: p.exhaustedCount,
	}
}

// Close closes every idle and active connection and rejects any queued
// waiters; subsequent Acquire calls reject immediately.
func (p *Pool) Close() {
	if p.closed {
		return
	}
	p.closed = true
	for _, pc := range p.idle {
		pc.c.Close()
	}
	p.idle = nil
	for _, pc := range p.active {
		pc.c.Close()
	}
	p.active = make(map[*conn.Conn]*pooledConn)
	for _, w := range p.waiters {
		if w.timerID != 0 {
			p.timers.Cancel(w.timerID)
		}
		w.reject(fmt.Errorf("mysql pool: closed"))
	}
	p.waiters = nil
	p.total = 0
}

// ReapIdle closes idle connections that have exceeded IdleTimeout or
// MaxLifetime; intended to be driven periodically off the Timer Wheel
// rather than a dedicated goroutine, since pool state is loop-owned.
func (p *Pool) ReapIdle() int {
	if p.cfg.IdleTimeout <= 0 && p.cfg.MaxLifetime <= 0 {
		return 0
	}
	kept := p.idle[:0]
	closed := 0
	for _, pc := range p.idle {
		if p.expired(pc) {
			pc.c.Close()
			p.total--
			closed++
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
	return closed
}
