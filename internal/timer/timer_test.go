package timer

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestNextDelayNilWhenEmpty(t *testing.T) {
	w := New(nil)
	if d := w.NextDelay(); d != -1 {
		t.Fatalf("got %v, want -1 (null)", d)
	}
}

func TestNextDelayZeroWhenPastDue(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	w := New(clk.now)
	w.Add(10*time.Millisecond, func() {})
	clk.advance(20 * time.Millisecond)
	if d := w.NextDelay(); d != 0 {
		t.Fatalf("got %v, want 0", d)
	}
}

func TestFireDueFiresOnlyExpired(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	w := New(clk.now)

	var fired []int
	w.Add(10*time.Millisecond, func() { fired = append(fired, 1) })
	w.Add(50*time.Millisecond, func() { fired = append(fired, 2) })

	clk.advance(20 * time.Millisecond)
	n := w.FireDue()
	if n != 1 || len(fired) != 1 || fired[0] != 1 {
		t.Fatalf("got n=%d fired=%v, want 1 timer firing [1]", n, fired)
	}
	if w.Len() != 1 {
		t.Fatalf("got %d pending, want 1", w.Len())
	}
}

func TestFireDueSameDeadlineArrivalOrder(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	w := New(clk.now)

	var order []int
	w.Add(10*time.Millisecond, func() { order = append(order, 1) })
	w.Add(10*time.Millisecond, func() { order = append(order, 2) })
	w.Add(10*time.Millisecond, func() { order = append(order, 3) })

	clk.advance(10 * time.Millisecond)
	w.FireDue()

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	w := New(clk.now)

	fired := false
	id := w.Add(10*time.Millisecond, func() { fired = true })
	if !w.Cancel(id) {
		t.Fatal("Cancel on a live timer returned false")
	}
	if w.Cancel(id) {
		t.Fatal("Cancel on an already-cancelled timer returned true")
	}

	clk.advance(20 * time.Millisecond)
	w.FireDue()
	if fired {
		t.Fatal("cancelled timer fired")
	}
}

func TestFireDueCallbackSchedulingNewTimerDoesNotReenterThisPass(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	w := New(clk.now)

	var count int
	var w2 *Wheel = w
	w.Add(10*time.Millisecond, func() {
		count++
		w2.Add(10*time.Millisecond, func() { count++ })
	})

	clk.advance(10 * time.Millisecond)
	n := w.FireDue()
	if n != 1 || count != 1 {
		t.Fatalf("got n=%d count=%d, want 1/1 (new timer must wait for next pass)", n, count)
	}
}
