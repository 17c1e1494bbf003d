// Package clock provides the time source used by the chat session for its
// reconnect and typing timers.
//
// Production code uses Real. Tests use Fake, which stands still until
// Advance is called and runs due callbacks synchronously, so timer-driven
// behavior can be asserted without sleeping.
package clock

import "time"

// Clock is the subset of the time package the session depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels the
	// pending call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a scheduled callback.
type Timer struct {
	stop func() bool
}

// Stop cancels the callback. It returns false if the callback already ran or
// the timer was already stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}
