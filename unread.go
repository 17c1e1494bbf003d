package opschat

import "sync"

// UnreadCounter counts messages that arrived while the messaging surface was
// closed. Opening the surface resets it.
type UnreadCounter struct {
	mu    sync.Mutex
	count int
	open  bool
}

// NewUnreadCounter creates a counter with the surface closed.
func NewUnreadCounter() *UnreadCounter {
	return &UnreadCounter{}
}

// SetOpen reports the surface visibility. A closed-to-open transition resets
// the count to zero. It returns the resulting count and whether it changed.
func (u *UnreadCounter) SetOpen(open bool) (int, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	wasOpen := u.open
	u.open = open
	if open && !wasOpen && u.count != 0 {
		u.count = 0
		return 0, true
	}
	return u.count, false
}

// Observe accounts for one inbound message. It returns the resulting count and
// whether it changed.
func (u *UnreadCounter) Observe() (int, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.open {
		return u.count, false
	}
	u.count++
	return u.count, true
}

// Count returns the current number of unread messages.
func (u *UnreadCounter) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.count
}

// IsOpen reports the last visibility reported through SetOpen.
func (u *UnreadCounter) IsOpen() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.open
}

// Reset zeroes the count and marks the surface closed.
func (u *UnreadCounter) Reset() {
	u.mu.Lock()
	u.count = 0
	u.open = false
	u.mu.Unlock()
}
