package opschat

import (
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Observers
// ============================================================================

type reconnectEvent struct {
	attempt int
	delay   time.Duration
}

// observers holds the registered callbacks of a Session. Callbacks run
// synchronously on the goroutine that produced the change, so they see changes
// in order; a panicking callback is logged and does not affect the others.
type observers struct {
	logger *zap.Logger

	mu             sync.RWMutex
	onMessages     []func([]Message)
	onNewMessage   []func(Message)
	onTyping       []func([]TypingEntry)
	onUnread       []func(int)
	onState        []func(ConnectionState)
	onReconnecting []func(reconnectEvent)
	onConnected    []func([]OnlineUser)
	onServerError  []func(string)
}

func notify[T any](logger *zap.Logger, event string, handlers []func(T), v T) {
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("observer panicked", zap.String("event", event), zap.Any("panic", r))
				}
			}()
			h(v)
		}()
	}
}

func snapshot[T any](mu *sync.RWMutex, handlers []func(T)) []func(T) {
	mu.RLock()
	defer mu.RUnlock()
	return slices.Clone(handlers)
}

func (o *observers) messages(msgs []Message) {
	notify(o.logger, "messages", snapshot(&o.mu, o.onMessages), msgs)
}

func (o *observers) newMessage(m Message) {
	notify(o.logger, "new_message", snapshot(&o.mu, o.onNewMessage), m)
}

func (o *observers) typing(entries []TypingEntry) {
	notify(o.logger, "typing", snapshot(&o.mu, o.onTyping), entries)
}

func (o *observers) unread(n int) {
	notify(o.logger, "unread", snapshot(&o.mu, o.onUnread), n)
}

func (o *observers) state(s ConnectionState) {
	notify(o.logger, "state", snapshot(&o.mu, o.onState), s)
}

func (o *observers) reconnecting(attempt int, delay time.Duration) {
	notify(o.logger, "reconnecting", snapshot(&o.mu, o.onReconnecting), reconnectEvent{attempt: attempt, delay: delay})
}

func (o *observers) connected(users []OnlineUser) {
	notify(o.logger, "connected", snapshot(&o.mu, o.onConnected), users)
}

func (o *observers) serverError(msg string) {
	notify(o.logger, "error", snapshot(&o.mu, o.onServerError), msg)
}

// ============================================================================
// Event dispatcher
// ============================================================================

// dispatcher decodes inbound frames and applies them to the session state.
type dispatcher struct {
	store  *MessageStore
	typing *TypingTracker
	unread *UnreadCounter
	obs    *observers
	logger *zap.Logger

	// self is excluded from the typing set.
	self UserID

	// setOnline records the online users from the latest acknowledgement. It
	// runs inside apply.
	setOnline func([]OnlineUser)
}

// applyFunc runs a state mutation for one frame. It returns false without
// running f if the session the frame belongs to has ended.
type applyFunc func(f func()) bool

func applyAlways(f func()) bool {
	f()
	return true
}

// handle processes one raw frame. Frames that cannot be decoded are dropped.
// Observers are notified after apply returns.
func (d *dispatcher) handle(data []byte, apply applyFunc) {
	frame, err := DecodeFrame(data)
	if err != nil {
		if errors.Is(err, ErrUnknownFrame) {
			d.logger.Debug("ignoring frame", zap.Error(err))
			return
		}
		d.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	if apply == nil {
		apply = applyAlways
	}
	d.dispatch(frame, apply)
}

func (d *dispatcher) dispatch(frame Frame, apply applyFunc) {
	switch f := frame.(type) {
	case *ConnectedFrame:
		if !apply(func() {
			if d.setOnline != nil {
				d.setOnline(f.OnlineUsers)
			}
		}) {
			d.stale(frame)
			return
		}
		d.logger.Info("realtime session acknowledged",
			zap.String("user_id", f.UserID.String()),
			zap.Int("online_users", len(f.OnlineUsers)))
		d.obs.connected(f.OnlineUsers)

	case *NewMessageFrame:
		d.newMessage(f.Message, apply)

	case *TypingStartFrame:
		if f.Entry.UserID == d.self {
			return
		}
		var entries []TypingEntry
		changed := false
		if !apply(func() {
			if changed = d.typing.Start(f.Entry); changed {
				entries = d.typing.Entries()
			}
		}) {
			d.stale(frame)
			return
		}
		if changed {
			d.obs.typing(entries)
		}

	case *TypingStopFrame:
		var entries []TypingEntry
		changed := false
		if !apply(func() {
			if changed = d.typing.Stop(f.UserID); changed {
				entries = d.typing.Entries()
			}
		}) {
			d.stale(frame)
			return
		}
		if changed {
			d.obs.typing(entries)
		}

	case *ErrorFrame:
		if !apply(func() {}) {
			d.stale(frame)
			return
		}
		d.logger.Warn("server error frame", zap.String("message", f.Message))
		d.obs.serverError(f.Message)
	}
}

func (d *dispatcher) newMessage(m Message, apply applyFunc) {
	m.Status = ""

	var (
		inserted      bool
		msgs          []Message
		unreadCount   int
		unreadChanged bool
		typingChanged bool
		entries       []TypingEntry
	)
	if !apply(func() {
		if inserted = d.store.Insert(m); !inserted {
			return
		}
		msgs = d.store.Messages()
		unreadCount, unreadChanged = d.unread.Observe()
		if typingChanged = d.typing.Stop(m.SenderID); typingChanged {
			entries = d.typing.Entries()
		}
	}) {
		d.logger.Debug("message from a closed session discarded", zap.String("id", m.ID.String()))
		return
	}
	if !inserted {
		d.logger.Debug("duplicate message discarded", zap.String("id", m.ID.String()))
		return
	}

	d.obs.newMessage(m)
	d.obs.messages(msgs)
	if unreadChanged {
		d.obs.unread(unreadCount)
	}
	if typingChanged {
		d.obs.typing(entries)
	}
}

func (d *dispatcher) stale(frame Frame) {
	d.logger.Debug("frame from a closed session discarded", zap.String("type", string(frame.Type())))
}
