package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFunc(t *testing.T) {
	t.Run("fires at deadline", func(t *testing.T) {
		c := Fake(epoch)
		fired := 0
		c.AfterFunc(2*time.Second, func() { fired++ })

		c.Advance(1999 * time.Millisecond)
		if fired != 0 {
			t.Fatalf("fired early: %d", fired)
		}
		c.Advance(time.Millisecond)
		if fired != 1 {
			t.Fatalf("fired = %d, want 1", fired)
		}
		c.Advance(time.Hour)
		if fired != 1 {
			t.Fatalf("fired again: %d", fired)
		}
	})

	t.Run("stop cancels", func(t *testing.T) {
		c := Fake(epoch)
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
		if c.Pending() != 0 {
			t.Fatalf("Pending = %d, want 0", c.Pending())
		}
	})

	t.Run("deadline order and chained timers", func(t *testing.T) {
		c := Fake(epoch)
		var order []string
		c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
		c.AfterFunc(time.Second, func() {
			order = append(order, "a")
			c.AfterFunc(time.Second, func() { order = append(order, "b") })
		})

		c.Advance(5 * time.Second)
		want := []string{"a", "b", "c"}
		if len(order) != len(want) {
			t.Fatalf("order = %v, want %v", order, want)
		}
		for i := range want {
			if order[i] != want[i] {
				t.Fatalf("order = %v, want %v", order, want)
			}
		}
		if got := c.Now(); !got.Equal(epoch.Add(5 * time.Second)) {
			t.Fatalf("Now = %v", got)
		}
	})

	t.Run("callback sees its own deadline", func(t *testing.T) {
		c := Fake(epoch)
		var seen time.Time
		c.AfterFunc(time.Second, func() { seen = c.Now() })
		c.Advance(10 * time.Second)
		if !seen.Equal(epoch.Add(time.Second)) {
			t.Fatalf("callback saw %v", seen)
		}
	})
}

func TestFakeNextDeadline(t *testing.T) {
	c := Fake(epoch)
	if _, ok := c.NextDeadline(); ok {
		t.Fatal("expected no deadline")
	}
	c.AfterFunc(5*time.Second, func() {})
	c.AfterFunc(2*time.Second, func() {})
	d, ok := c.NextDeadline()
	if !ok || d != 2*time.Second {
		t.Fatalf("NextDeadline = %v, %v", d, ok)
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.AfterFunc(time.Second, func() { close(done) })
	}()
	c.WaitForTimers(1)
	c.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}
}
