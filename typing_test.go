package opschat

import (
	"sync"
	"testing"
	"time"

	"github.com/coreweb-ops/opschat/clock"
)

func TestTypingTracker(t *testing.T) {
	t.Run("start is idempotent", func(t *testing.T) {
		tr := NewTypingTracker()
		if !tr.Start(TypingEntry{UserID: "2", UserName: "Bo"}) {
			t.Fatal("first start reported no change")
		}
		if tr.Start(TypingEntry{UserID: "2", UserName: "Bo"}) {
			t.Fatal("repeated start reported a change")
		}
		if n := len(tr.Entries()); n != 1 {
			t.Fatalf("entries = %d, want 1", n)
		}
	})

	t.Run("stop absent user", func(t *testing.T) {
		tr := NewTypingTracker()
		tr.Start(TypingEntry{UserID: "2", UserName: "Bo"})
		if tr.Stop("3") {
			t.Fatal("stop of absent user reported a change")
		}
		if !tr.Stop("2") {
			t.Fatal("stop of present user reported no change")
		}
		if len(tr.Entries()) != 0 {
			t.Fatal("entry not removed")
		}
	})

	t.Run("keeps start order", func(t *testing.T) {
		tr := NewTypingTracker()
		tr.Start(TypingEntry{UserID: "2", UserName: "Bo"})
		tr.Start(TypingEntry{UserID: "3", UserName: "Cy"})
		tr.Start(TypingEntry{UserID: "2", UserName: "Bob"})
		e := tr.Entries()
		if len(e) != 2 || e[0].UserID != "2" || e[0].UserName != "Bob" || e[1].UserID != "3" {
			t.Fatalf("entries = %+v", e)
		}
	})
}

type commandLog struct {
	mu   sync.Mutex
	sent []CommandType
}

func (l *commandLog) send(c CommandType) {
	l.mu.Lock()
	l.sent = append(l.sent, c)
	l.mu.Unlock()
}

func (l *commandLog) get() []CommandType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CommandType(nil), l.sent...)
}

func assertCommands(t *testing.T, got []CommandType, want ...CommandType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("commands = %v, want %v", got, want)
		}
	}
}

func TestTypingDebouncer(t *testing.T) {
	t.Run("single keystroke", func(t *testing.T) {
		c := clock.Fake(time.Unix(0, 0))
		log := &commandLog{}
		d := newTypingDebouncer(c, DefaultTypingIdle, log.send)

		d.Keystroke()
		assertCommands(t, log.get(), CommandTypingStart)

		c.Advance(DefaultTypingIdle)
		assertCommands(t, log.get(), CommandTypingStart, CommandTypingStop)
		if d.Typing() {
			t.Fatal("still typing after idle timeout")
		}
	})

	t.Run("burst refreshes timer", func(t *testing.T) {
		c := clock.Fake(time.Unix(0, 0))
		log := &commandLog{}
		d := newTypingDebouncer(c, DefaultTypingIdle, log.send)

		for i := 0; i < 5; i++ {
			d.Keystroke()
			c.Advance(time.Second)
		}
		assertCommands(t, log.get(), CommandTypingStart)
		if c.Pending() != 1 {
			t.Fatalf("pending timers = %d, want 1", c.Pending())
		}

		c.Advance(time.Second)
		assertCommands(t, log.get(), CommandTypingStart, CommandTypingStop)
	})

	t.Run("forced stop", func(t *testing.T) {
		c := clock.Fake(time.Unix(0, 0))
		log := &commandLog{}
		d := newTypingDebouncer(c, DefaultTypingIdle, log.send)

		d.Keystroke()
		d.Stop()
		c.Advance(time.Minute)
		assertCommands(t, log.get(), CommandTypingStart, CommandTypingStop)

		d.Stop()
		assertCommands(t, log.get(), CommandTypingStart, CommandTypingStop)
	})

	t.Run("reset sends nothing", func(t *testing.T) {
		c := clock.Fake(time.Unix(0, 0))
		log := &commandLog{}
		d := newTypingDebouncer(c, DefaultTypingIdle, log.send)

		d.Keystroke()
		d.Reset()
		c.Advance(time.Minute)
		assertCommands(t, log.get(), CommandTypingStart)

		d.Keystroke()
		assertCommands(t, log.get(), CommandTypingStart, CommandTypingStart)
	})
}
