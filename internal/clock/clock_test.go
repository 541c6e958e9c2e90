package clock

import (
	"testing"
	"time"
)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })

	c.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v, want [a b]", order)
	}
	if got := c.Pending(); len(got) != 1 || got[0] != time.Second {
		t.Fatalf("Pending = %v, want [1s]", got)
	}
}

func TestFakeStop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestFakeCallbackSchedulesWithinAdvance(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var at []time.Time
	c.AfterFunc(time.Second, func() {
		at = append(at, c.Now())
		c.AfterFunc(time.Second, func() { at = append(at, c.Now()) })
	})
	c.Advance(5 * time.Second)
	if len(at) != 2 {
		t.Fatalf("fired %d callbacks, want 2", len(at))
	}
	if at[1].Sub(at[0]) != time.Second {
		t.Fatalf("nested timer fired after %v, want 1s", at[1].Sub(at[0]))
	}
	if !c.Now().Equal(time.Unix(5, 0)) {
		t.Fatalf("Now = %v, want 5s", c.Now())
	}
}
