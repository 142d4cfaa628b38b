// Package httpmulti drives many concurrent HTTP transfers against a
// single multiplexed Transport, surfacing a per-request completion
// callback. Per the normalized message surface, it consumes a minimal
// Request/Response contract rather than any particular fluent builder or
// PSR-7-shaped message type — those remain external-collaborator
// concerns.
package httpmulti

import (
	"context"
	"time"
)

// Request is the normalized outbound message.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// Response is the normalized inbound message.
type Response struct {
	Status      int
	Headers     map[string]string
	Body        []byte
	HTTPVersion string
}

// Callback is invoked once per request, exactly once, on completion,
// cancellation, or error.
type Callback func(err error, resp *Response)

// ErrCancelled is the error passed to a request's callback when it is
// cancelled before completion.
var ErrCancelled = errCancelled{}

type errCancelled struct{}

func (errCancelled) Error() string { return "cancelled" }

// Transport performs one request, blocking until it completes or ctx is
// done. The driver runs each active slot's RoundTrip on its own
// goroutine and reports completion back through a channel, which keeps
// the loop itself non-blocking while still bounding concurrency via
// MaxConcurrent.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// ID identifies a submitted request for Cancel.
type ID uint64

type slot struct {
	id     ID
	req    *Request
	cb     Callback
	cancel context.CancelFunc
	done   bool
}

// completion is handed back from a slot's goroutine once its RoundTrip
// returns.
type completion struct {
	id   ID
	resp *Response
	err  error
}

// Driver is the HTTP Multi-Driver (module C). It owns a single Transport
// and a bounded number of concurrent in-flight requests.
type Driver struct {
	transport     Transport
	maxConcurrent int

	nextID  ID
	pending []*slot          // queued, not yet started (backpressure)
	active  map[ID]*slot
	results chan completion
}

// New returns a driver with an in-memory default transport removed: the
// caller must set Transport via SetTransport (or use NewWithTransport)
// before any request can actually complete; an un-set transport ends
// every request with ErrNoTransport so misconfiguration fails loudly
// instead of hanging.
func New() *Driver {
	return NewWithTransport(nil, 16)
}

// NewWithTransport returns a driver bound to transport with the given
// concurrency cap (minimum 1).
func NewWithTransport(transport Transport, maxConcurrent int) *Driver {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Driver{
		transport:     transport,
		maxConcurrent: maxConcurrent,
		active:        make(map[ID]*slot),
		results:       make(chan completion, 64),
	}
}

// SetTransport installs the backing Transport.
func (d *Driver) SetTransport(t Transport) { d.transport = t }

// ErrNoTransport is reported to a request's callback if no Transport has
// been configured.
var ErrNoTransport = errNoTransport{}

type errNoTransport struct{}

func (errNoTransport) Error() string { return "httpmulti: no transport configured" }

// Add enqueues req; cb fires exactly once on completion. Returns the slot
// id for Cancel.
func (d *Driver) Add(req *Request, cb Callback) ID {
	d.nextID++
	s := &slot{id: d.nextID, req: req, cb: cb}
	d.pending = append(d.pending, s)
	return s.id
}

// Cancel cancels a pending or active request. Returns false if the id is
// unknown or already completed. A cancelled request's callback still
// fires, with ErrCancelled.
func (d *Driver) Cancel(id ID) bool {
	for i, s := range d.pending {
		if s.id == id {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			cb := s.cb
			cb(ErrCancelled, nil)
			return true
		}
	}
	if s, ok := d.active[id]; ok && !s.done {
		if s.cancel != nil {
			s.cancel()
		}
		return true
	}
	return false
}

// NextPollTimeout reports how long the driver is willing to let the loop
// sleep: 0 while it has pending slots to start or active requests whose
// completions Tick collects from the results channel, -1 ("null") when it
// has nothing outstanding at all.
func (d *Driver) NextPollTimeout() time.Duration {
	if len(d.pending) > 0 {
		return 0
	}
	if len(d.active) > 0 {
		return 0
	}
	return -1
}

// Tick advances the driver by one unit: start pending slots up to the
// concurrency cap, and deliver any completions that have already arrived
// without blocking.
func (d *Driver) Tick() {
	for len(d.active) < d.maxConcurrent && len(d.pending) > 0 {
		s := d.pending[0]
		d.pending = d.pending[1:]
		d.start(s)
	}

	for {
		select {
		case c := <-d.results:
			d.complete(c)
		default:
			return
		}
	}
}

func (d *Driver) start(s *slot) {
	d.active[s.id] = s
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.req.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, s.req.Timeout)
		prevCancel := cancel
		s.cancel = func() { timeoutCancel(); prevCancel() }
	}

	transport := d.transport
	go func() {
		if transport == nil {
			d.results <- completion{id: s.id, err: ErrNoTransport}
			return
		}
		resp, err := transport.RoundTrip(ctx, s.req)
		if ctx.Err() == context.Canceled || (ctx.Err() != nil && err == nil) {
			err = ErrCancelled
		}
		d.results <- completion{id: s.id, resp: resp, err: err}
	}()
}

func (d *Driver) complete(c completion) {
	s, ok := d.active[c.id]
	if !ok || s.done {
		return
	}
	s.done = true
	delete(d.active, c.id)
	s.cb(c.err, c.resp)
}

// Len reports the number of requests the driver still considers
// outstanding (pending + active), used by the loop's idle check.
func (d *Driver) Len() int {
	return len(d.pending) + len(d.active)
}
