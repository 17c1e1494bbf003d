package opschat

import (
	"sync"
	"time"

	"github.com/coreweb-ops/opschat/clock"
)

// DefaultTypingIdle is how long after the last keystroke the local user is
// reported as no longer typing.
const DefaultTypingIdle = 2 * time.Second

// ============================================================================
// Remote typing set
// ============================================================================

// TypingTracker holds the users currently typing, at most one entry per user,
// in the order they started.
type TypingTracker struct {
	mu      sync.RWMutex
	entries []TypingEntry
}

// NewTypingTracker creates an empty tracker.
func NewTypingTracker() *TypingTracker {
	return &TypingTracker{}
}

// Start records entry. A second start for the same user refreshes the name and
// keeps the position. It returns true if the set changed.
func (t *TypingTracker) Start(entry TypingEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.UserID == entry.UserID {
			if e.UserName == entry.UserName {
				return false
			}
			t.entries[i].UserName = entry.UserName
			return true
		}
	}
	t.entries = append(t.entries, entry)
	return true
}

// Stop removes the entry for userID. Stopping an absent user is a no-op that
// returns false.
func (t *TypingTracker) Stop(userID UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.UserID == userID {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Entries returns a snapshot of who is typing.
func (t *TypingTracker) Entries() []TypingEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]TypingEntry(nil), t.entries...)
}

// Clear removes every entry.
func (t *TypingTracker) Clear() {
	t.mu.Lock()
	t.entries = nil
	t.mu.Unlock()
}

// ============================================================================
// Local typing debounce
// ============================================================================

// typingDebouncer turns keystrokes of the local user into at most one
// typing_start per burst and one typing_stop after the idle period. send is
// expected to drop the command when the connection is not open.
type typingDebouncer struct {
	mu     sync.Mutex
	clock  clock.Clock
	idle   time.Duration
	send   func(CommandType)
	typing bool
	timer  *clock.Timer
	seq    uint64
}

func newTypingDebouncer(c clock.Clock, idle time.Duration, send func(CommandType)) *typingDebouncer {
	return &typingDebouncer{clock: c, idle: idle, send: send}
}

// Keystroke marks the local user as typing and restarts the idle timer.
func (d *typingDebouncer) Keystroke() {
	d.mu.Lock()
	start := !d.typing
	d.typing = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	if start {
		d.send(CommandTypingStart)
	}

	timer := d.clock.AfterFunc(d.idle, func() { d.expire(seq) })
	d.mu.Lock()
	if d.seq == seq {
		d.timer = timer
	} else {
		timer.Stop()
	}
	d.mu.Unlock()
}

func (d *typingDebouncer) expire(seq uint64) {
	d.mu.Lock()
	if seq != d.seq || !d.typing {
		d.mu.Unlock()
		return
	}
	d.typing = false
	d.timer = nil
	d.mu.Unlock()

	d.send(CommandTypingStop)
}

// Stop ends the current burst immediately. It sends typing_stop only if the
// user was marked typing.
func (d *typingDebouncer) Stop() {
	d.mu.Lock()
	if !d.typing {
		d.mu.Unlock()
		return
	}
	d.typing = false
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	d.send(CommandTypingStop)
}

// Reset forgets the burst without sending anything.
func (d *typingDebouncer) Reset() {
	d.mu.Lock()
	d.typing = false
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
}

// Typing reports whether the local user is marked typing.
func (d *typingDebouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}
