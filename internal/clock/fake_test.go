package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// TestFakeFiresInDeadlineOrder verifies callbacks run in deadline order and
// that the clock reads the deadline while a callback runs.
func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(epoch)

	var order []string
	var seenAt []time.Duration
	record := func(name string) func() {
		return func() {
			order = append(order, name)
			seenAt = append(seenAt, c.Since(epoch))
		}
	}

	c.AfterFunc(3*time.Second, record("c"))
	c.AfterFunc(1*time.Second, record("a"))
	c.AfterFunc(2*time.Second, record("b"))

	c.Advance(2 * time.Second)
	if got := len(order); got != 2 {
		t.Fatalf("fired %d timers after 2s, want 2", got)
	}

	c.Advance(5 * time.Second)
	want := []string{"a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if seenAt[0] != time.Second || seenAt[2] != 3*time.Second {
		t.Errorf("callbacks observed times %v", seenAt)
	}
	if got := c.Since(epoch); got != 7*time.Second {
		t.Errorf("clock at %v after advancing, want 7s", got)
	}
}

// TestFakeStop verifies a stopped timer never fires.
func TestFakeStop(t *testing.T) {
	c := NewFake(epoch)

	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("Stop on a pending timer returned false")
	}
	if tm.Stop() {
		t.Error("second Stop returned true")
	}

	c.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

// TestFakeRescheduleInsideWindow verifies a self-rescheduling callback keeps
// firing within a single Advance.
func TestFakeRescheduleInsideWindow(t *testing.T) {
	c := NewFake(epoch)

	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	if count != 10 {
		t.Errorf("ticked %d times in 10s, want 10", count)
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
}
