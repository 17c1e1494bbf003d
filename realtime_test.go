package opschat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"

	"github.com/coreweb-ops/opschat/clock"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once

	mu          sync.Mutex
	readErr     error
	closeCode   int
	closeReason string
	written     [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closeCode == 0 {
		c.closeCode = code
		c.closeReason = reason
	}
	c.mu.Unlock()
	c.serverClose(code, reason)
	return nil
}

// serverClose ends the connection as if the peer sent a close frame.
func (c *fakeConn) serverClose(code int, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.readErr = websocket.CloseError{Code: websocket.StatusCode(code), Reason: reason}
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) closedWith() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

func (c *fakeConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) dial(ctx context.Context) (frameConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func newTestManager(logger *zap.Logger, d *fakeDialer) (*connManager, *clock.FakeClock) {
	c := clock.Fake(time.Unix(0, 0))
	return newConnManager(c, logger, d.dial), c
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// ============================================================================
// Connect / Disconnect
// ============================================================================

func TestConnManagerConnect(t *testing.T) {
	t.Run("opens once", func(t *testing.T) {
		d := &fakeDialer{}
		m, _ := newTestManager(zap.NewNop(), d)
		defer m.Disconnect()

		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		if d.count() != 1 {
			t.Fatalf("dials = %d, want 1", d.count())
		}
		if s := m.State(); s.Phase != PhaseOpen || s.ReconnectAttempt != 0 {
			t.Fatalf("state = %+v", s)
		}
	})

	t.Run("requires session", func(t *testing.T) {
		d := &fakeDialer{}
		m, _ := newTestManager(zap.NewNop(), d)
		m.ready = func() bool { return false }

		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		if d.count() != 0 || m.State().Phase != PhaseIdle {
			t.Fatalf("dials = %d, state = %+v", d.count(), m.State())
		}
	})

	t.Run("frames in arrival order", func(t *testing.T) {
		d := &fakeDialer{}
		m, _ := newTestManager(zap.NewNop(), d)
		var mu sync.Mutex
		var got []string
		m.onFrame = func(data []byte) {
			mu.Lock()
			got = append(got, string(data))
			mu.Unlock()
		}
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer m.Disconnect()

		conn := d.last()
		for _, f := range []string{"a", "b", "c"} {
			conn.frames <- []byte(f)
		}
		waitUntil(t, "frames", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 3
		})
		if got[0] != "a" || got[1] != "b" || got[2] != "c" {
			t.Fatalf("frames = %v", got)
		}
	})
}

func TestConnManagerDisconnect(t *testing.T) {
	t.Run("closes normally and suppresses reconnect", func(t *testing.T) {
		d := &fakeDialer{}
		m, c := newTestManager(zap.NewNop(), d)
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		conn := d.last()

		m.Disconnect()
		code, reason := conn.closedWith()
		if code != CloseNormal || reason != "User disconnected" {
			t.Fatalf("closed with %d %q", code, reason)
		}
		s := m.State()
		if s.Phase != PhaseIdle || s.ReconnectAttempt != DefaultMaxReconnectAttempts {
			t.Fatalf("state = %+v", s)
		}

		// The read loop observes the close; it must not schedule anything.
		time.Sleep(20 * time.Millisecond)
		if c.Pending() != 0 || d.count() != 1 {
			t.Fatalf("pending = %d, dials = %d", c.Pending(), d.count())
		}

		m.Disconnect()
		if m.State().Phase != PhaseIdle {
			t.Fatal("second Disconnect changed state")
		}
	})

	t.Run("cancels pending reconnect", func(t *testing.T) {
		d := &fakeDialer{fail: true}
		m, c := newTestManager(zap.NewNop(), d)
		_ = m.Connect(context.Background())
		if c.Pending() != 1 {
			t.Fatalf("pending = %d, want 1", c.Pending())
		}
		m.Disconnect()
		if c.Pending() != 0 {
			t.Fatalf("pending = %d after Disconnect", c.Pending())
		}
		c.Advance(time.Minute)
		if d.count() != 1 {
			t.Fatalf("dials = %d, want 1", d.count())
		}
	})

	t.Run("connect after disconnect", func(t *testing.T) {
		d := &fakeDialer{}
		m, _ := newTestManager(zap.NewNop(), d)
		_ = m.Connect(context.Background())
		m.Disconnect()
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer m.Disconnect()
		if s := m.State(); s.Phase != PhaseOpen || s.ReconnectAttempt != 0 {
			t.Fatalf("state = %+v", s)
		}
	})
}

// ============================================================================
// Reconnect policy
// ============================================================================

func TestConnManagerBackoff(t *testing.T) {
	d := &fakeDialer{fail: true}
	m, c := newTestManager(zaptest.NewLogger(t), d)

	type scheduled struct {
		attempt int
		delay   time.Duration
	}
	var events []scheduled
	m.onReconnecting = func(attempt int, delay time.Duration) {
		events = append(events, scheduled{attempt, delay})
	}

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}

	for i, want := range DefaultReconnectDelays {
		next, ok := c.NextDeadline()
		if !ok || next != want {
			t.Fatalf("reconnect %d: next = %v, %v; want %v", i+1, next, ok, want)
		}
		c.Advance(want)
	}

	if c.Pending() != 0 {
		t.Fatalf("pending = %d after cap", c.Pending())
	}
	if d.count() != 1+DefaultMaxReconnectAttempts {
		t.Fatalf("dials = %d, want %d", d.count(), 1+DefaultMaxReconnectAttempts)
	}
	c.Advance(time.Hour)
	if d.count() != 1+DefaultMaxReconnectAttempts {
		t.Fatalf("reconnected after cap: dials = %d", d.count())
	}
	if len(events) != DefaultMaxReconnectAttempts {
		t.Fatalf("reconnecting events = %d", len(events))
	}
	for i, e := range events {
		if e.attempt != i+1 || e.delay != DefaultReconnectDelays[i] {
			t.Fatalf("event %d = %+v", i, e)
		}
	}

	// An online signal resets the counter and retries immediately.
	d.setFail(false)
	if err := m.NetworkOnline(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()
	if s := m.State(); s.Phase != PhaseOpen || s.ReconnectAttempt != 0 {
		t.Fatalf("state = %+v", s)
	}
}

func TestConnManagerClose(t *testing.T) {
	t.Run("fatal codes never reconnect", func(t *testing.T) {
		for _, code := range []int{CloseUnauthorized, CloseConnectionLimit, 4999} {
			d := &fakeDialer{}
			m, c := newTestManager(zap.NewNop(), d)
			if err := m.Connect(context.Background()); err != nil {
				t.Fatal(err)
			}
			d.last().serverClose(code, "nope")
			waitUntil(t, "closed", func() bool { return m.State().Phase == PhaseClosed })

			c.Advance(time.Hour)
			if c.Pending() != 0 || d.count() != 1 {
				t.Fatalf("code %d: pending = %d, dials = %d", code, c.Pending(), d.count())
			}
		}
	})

	t.Run("non-fatal close reconnects and resets counter", func(t *testing.T) {
		d := &fakeDialer{}
		m, c := newTestManager(zap.NewNop(), d)
		var states []Phase
		var mu sync.Mutex
		m.onState = func(s ConnectionState) {
			mu.Lock()
			states = append(states, s.Phase)
			mu.Unlock()
		}
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer m.Disconnect()

		d.last().serverClose(1001, "going away")
		c.WaitForTimers(1)
		if next, _ := c.NextDeadline(); next != time.Second {
			t.Fatalf("first delay = %v", next)
		}

		c.Advance(time.Second)
		if d.count() != 2 {
			t.Fatalf("dials = %d, want 2", d.count())
		}
		if s := m.State(); s.Phase != PhaseOpen || s.ReconnectAttempt != 0 {
			t.Fatalf("state = %+v", s)
		}

		mu.Lock()
		defer mu.Unlock()
		want := []Phase{PhaseConnecting, PhaseOpen, PhaseClosed, PhaseConnecting, PhaseOpen}
		if len(states) != len(want) {
			t.Fatalf("states = %v, want %v", states, want)
		}
		for i := range want {
			if states[i] != want[i] {
				t.Fatalf("states = %v, want %v", states, want)
			}
		}
	})

	t.Run("delays clamp to last value", func(t *testing.T) {
		m, _ := newTestManager(zap.NewNop(), &fakeDialer{})
		if got := m.delayLocked(9); got != 10*time.Second {
			t.Fatalf("delay(9) = %v", got)
		}
	})
}

func TestConnManagerSend(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(zap.NewNop(), d)

	if err := m.Send(context.Background(), CommandTypingStart); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()
	if err := m.Send(context.Background(), CommandTypingStop); err != nil {
		t.Fatal(err)
	}
	if w := d.last().writes(); len(w) != 1 || w[0] != `{"type":"typing_stop"}` {
		t.Fatalf("writes = %v", w)
	}
}

func TestCloseStatus(t *testing.T) {
	code, reason := closeStatus(websocket.CloseError{Code: 4001, Reason: "Unauthorized"})
	if code != CloseUnauthorized || reason != "Unauthorized" {
		t.Fatalf("closeStatus = %d %q", code, reason)
	}
	code, _ = closeStatus(errors.New("EOF"))
	if code != CloseAbnormal {
		t.Fatalf("closeStatus(EOF) = %d", code)
	}
	if !IsFatalClose(CloseUnauthorized) || IsFatalClose(CloseNormal) {
		t.Fatal("IsFatalClose")
	}
}
