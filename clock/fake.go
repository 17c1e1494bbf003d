package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time moves only on Advance; callbacks
// whose deadline is reached run synchronously in the goroutine calling
// Advance, in deadline order. Do not call Advance from inside a callback.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	seq      uint64
	callback func()
	done     bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock reaches now+d. A non-positive
// d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}

	c.mu.Lock()
	c.seq++
	t := &fakeTimer{deadline: c.now.Add(d), seq: c.seq, callback: f}
	c.pending = append(c.pending, t)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.done {
			return false
		}
		t.done = true
		c.removeLocked(t)
		c.changed.Broadcast()
		return true
	}}
}

// Advance moves the clock forward by d and runs every callback that falls
// due, including callbacks scheduled by other callbacks within the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.changed.Broadcast()
			c.mu.Unlock()
			return
		}
		next.done = true
		c.removeLocked(next)
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		c.changed.Broadcast()
		c.mu.Unlock()

		next.callback()
	}
}

// Pending returns the number of registered callbacks that have not run or
// been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// NextDeadline returns the time remaining until the earliest pending
// callback, and false if none is pending.
func (c *FakeClock) NextDeadline() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return 0, false
	}
	c.sortLocked()
	return c.pending[0].deadline.Sub(c.now), true
}

// WaitForTimers blocks until at least n callbacks are pending. Use it when a
// timer is registered from another goroutine.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	if len(c.pending) == 0 {
		return nil
	}
	c.sortLocked()
	if c.pending[0].deadline.After(target) {
		return nil
	}
	return c.pending[0]
}

func (c *FakeClock) sortLocked() {
	sort.Slice(c.pending, func(i, j int) bool {
		if c.pending[i].deadline.Equal(c.pending[j].deadline) {
			return c.pending[i].seq < c.pending[j].seq
		}
		return c.pending[i].deadline.Before(c.pending[j].deadline)
	})
}

func (c *FakeClock) removeLocked(t *fakeTimer) {
	for i, p := range c.pending {
		if p == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}
