package fiber

import (
	"errors"
	"testing"

	"github.com/evloop/evloop/internal/promise"
)

// queueScheduler is a minimal Scheduler: a FIFO microtask queue drained
// explicitly by the test, standing in for the loop's own microtask phase.
type queueScheduler struct {
	q []func()
}

func (s *queueScheduler) ScheduleMicrotask(fn func()) {
	s.q = append(s.q, fn)
}

func (s *queueScheduler) drainAll() {
	for len(s.q) > 0 {
		fn := s.q[0]
		s.q = s.q[1:]
		fn()
	}
}

func TestSpawnRunsToCompletionWithoutAwait(t *testing.T) {
	sched := &queueScheduler{}
	m := NewManager(sched)

	f := m.Spawn(func(y *Yielder) (any, error) {
		return 42, nil
	})

	if !m.Tick() {
		t.Fatal("Tick reported no runnable fiber")
	}

	if f.State() != Done {
		t.Fatalf("got state=%v, want Done", f.State())
	}
	v, err := f.Result()
	if err != nil || v != 42 {
		t.Fatalf("got v=%v err=%v, want 42/nil", v, err)
	}
}

func TestSpawnAwaitsPendingPromiseAndResumes(t *testing.T) {
	sched := &queueScheduler{}
	m := NewManager(sched)

	var resolveFn func(any)
	p := promise.New(sched, func(resolve func(any), reject func(error)) {
		resolveFn = resolve
	})

	f := m.Spawn(func(y *Yielder) (any, error) {
		v, err := y.Await(p)
		if err != nil {
			return nil, err
		}
		return v.(int) + 1, nil
	})

	m.Tick() // runs until the fiber suspends on Await
	if f.State() != Suspended {
		t.Fatalf("got state=%v, want Suspended", f.State())
	}

	resolveFn(41)
	sched.drainAll() // delivers the Then continuation that marks the fiber runnable

	if !m.Tick() {
		t.Fatal("fiber did not become runnable after its awaited promise settled")
	}

	v, err := f.Result()
	if err != nil || v != 42 {
		t.Fatalf("got v=%v err=%v, want 42/nil", v, err)
	}
}

func TestAwaitRejectionSurfacesAsError(t *testing.T) {
	sched := &queueScheduler{}
	m := NewManager(sched)

	wantErr := errors.New("boom")
	p := promise.Reject(sched, wantErr)

	f := m.Spawn(func(y *Yielder) (any, error) {
		_, err := y.Await(p)
		return nil, err
	})

	m.Tick()
	sched.drainAll()
	m.Tick()

	_, err := f.Result()
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}

func TestTickResumesAtMostOneFiberPerCall(t *testing.T) {
	sched := &queueScheduler{}
	m := NewManager(sched)

	var ran []int
	m.Spawn(func(y *Yielder) (any, error) { ran = append(ran, 1); return nil, nil })
	m.Spawn(func(y *Yielder) (any, error) { ran = append(ran, 2); return nil, nil })

	m.Tick()
	if len(ran) != 1 {
		t.Fatalf("got %v after one Tick, want exactly one fiber to have run", ran)
	}
	m.Tick()
	if len(ran) != 2 {
		t.Fatalf("got %v after two Ticks, want both fibers to have run", ran)
	}
}
