package loop

import (
	"context"
	"testing"
	"time"

	"github.com/evloop/evloop/internal/httpmulti"
	"github.com/evloop/evloop/internal/reactor"
)

// nopPoller is a Poller that never reports anything ready; it lets tests
// run Tick() without a real fd set.
type nopPoller struct {
	waited []time.Duration
}

func (p *nopPoller) Add(fd int, dir reactor.Direction) error    { return nil }
func (p *nopPoller) Remove(fd int, dir reactor.Direction) error { return nil }
func (p *nopPoller) Wait(timeout time.Duration) ([]reactor.Ready, error) {
	p.waited = append(p.waited, timeout)
	return nil, nil
}
func (p *nopPoller) Close() error { return nil }

func TestMicrotaskOrderingScenario(t *testing.T) {
	p := &nopPoller{}
	l := New(Config{}, p)

	var log []int
	prom := l.Resolve(1)
	prom.Then(func(v any) (any, error) {
		log = append(log, v.(int))
		return nil, nil
	}, nil)
	log = append(log, 0)

	l.Tick()

	want := []int{0, 1}
	if len(log) != len(want) || log[0] != want[0] || log[1] != want[1] {
		t.Fatalf("got %v, want %v", log, want)
	}
}

func TestNextTickRunsBeforeTimers(t *testing.T) {
	p := &nopPoller{}
	l := New(Config{}, p)

	var order []string
	l.ScheduleNextTick(func() { order = append(order, "nexttick") })
	l.Timers.Add(0, func() { order = append(order, "timer") })

	l.Tick()

	if len(order) != 2 || order[0] != "nexttick" || order[1] != "timer" {
		t.Fatalf("got %v, want [nexttick timer]", order)
	}
}

func TestIdleSleepRespectsNearestTimerDeadline(t *testing.T) {
	p := &nopPoller{}
	l := New(Config{IdleSleepCap: 50 * time.Millisecond}, p)

	l.Timers.Add(5*time.Millisecond, func() {})
	l.Tick()

	if len(p.waited) != 1 {
		t.Fatalf("poller was not invoked")
	}
	if p.waited[0] > 10*time.Millisecond {
		t.Fatalf("got sleep=%v, want <= ~5ms (bounded by timer deadline, not the 50ms cap)", p.waited[0])
	}
}

func TestIdleSleepClampedToCapWhenNothingPending(t *testing.T) {
	p := &nopPoller{}
	l := New(Config{IdleSleepCap: 20 * time.Millisecond}, p)

	l.Tick()

	if len(p.waited) != 1 || p.waited[0] != 20*time.Millisecond {
		t.Fatalf("got %v, want [20ms]", p.waited)
	}
}

func TestRunTerminatesWhenQuiescent(t *testing.T) {
	p := &nopPoller{}
	l := New(Config{}, p)

	done := false
	l.Resolve(nil).Then(func(v any) (any, error) {
		done = true
		return nil, nil
	}, nil)

	l.Run()

	if !done {
		t.Fatal("loop exited before draining pending work")
	}
	if !l.Idle() {
		t.Fatal("loop exited while not idle and Stop was never called")
	}
}

func TestPostFromAnotherGoroutineRunsAsNextTick(t *testing.T) {
	p := &nopPoller{}
	l := New(Config{}, p)

	ran := make(chan struct{})
	go func() {
		l.Post(func() { close(ran) })
	}()

	_, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		l.Tick()
		select {
		case <-ran:
			return
		default:
		}
	}
}

func TestHTTPCompletionDeliveredThroughLoop(t *testing.T) {
	p := &nopPoller{}
	l := New(Config{}, p)
	l.HTTP = httpmulti.NewWithTransport(fakeOKTransport{}, 4)

	done := make(chan struct{})
	l.HTTP.Add(&httpmulti.Request{Method: "GET", URL: "http://x"}, func(err error, resp *httpmulti.Response) {
		close(done)
	})

	deadline := time.After(2 * time.Second)
	for {
		l.Tick()
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("timed out waiting for HTTP completion via loop ticks")
		default:
		}
	}
}

type fakeOKTransport struct{}

func (fakeOKTransport) RoundTrip(ctx context.Context, req *httpmulti.Request) (*httpmulti.Response, error) {
	return &httpmulti.Response{Status: 200}, nil
}
