package opschat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coreweb-ops/opschat/clock"
)

// commandTimeout bounds the write of a typing command.
const commandTimeout = 5 * time.Second

// ============================================================================
// Options
// ============================================================================

type SessionOption func(*Session)

// WithClock replaces the time source of the reconnect and typing timers.
func WithClock(c clock.Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

func WithSessionLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReconnectDelays sets the reconnect backoff sequence. Non-positive
// delays are ignored.
func WithReconnectDelays(delays ...time.Duration) SessionOption {
	return func(s *Session) {
		var valid []time.Duration
		for _, d := range delays {
			if d > 0 {
				valid = append(valid, d)
			}
		}
		if len(valid) > 0 {
			s.delays = valid
		}
	}
}

func WithMaxReconnectAttempts(n int) SessionOption {
	return func(s *Session) {
		if n >= 0 {
			s.maxAttempts = n
		}
	}
}

func WithTypingIdle(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.typingIdle = d
		}
	}
}

func withDialer(dial dialFunc) SessionOption {
	return func(s *Session) { s.dial = dial }
}

// ============================================================================
// Session
// ============================================================================

// Session is the chat state of one signed-in user: the message sequence, who
// is typing, the unread count and the live connection. Create one per login
// and Close it on logout.
//
// Session is safe for concurrent use. Observer callbacks run synchronously on
// the goroutine that caused the change and must not block.
type Session struct {
	client   *Client
	identity Identity
	logger   *zap.Logger
	clock    clock.Clock

	delays      []time.Duration
	maxAttempts int
	typingIdle  time.Duration
	dial        dialFunc

	store     *MessageStore
	typing    *TypingTracker
	unread    *UnreadCounter
	obs       *observers
	conn      *connManager
	debouncer *typingDebouncer
	disp      *dispatcher

	mu             sync.Mutex
	gen            uint64
	active         bool
	historyLoading bool
	online         []OnlineUser
}

// NewSession creates the session state for identity. Nothing happens on the
// network until Start or Connect.
func NewSession(client *Client, identity Identity, opts ...SessionOption) *Session {
	s := &Session{
		client:      client,
		identity:    identity,
		logger:      client.Logger(),
		clock:       clock.Real(),
		delays:      DefaultReconnectDelays,
		maxAttempts: DefaultMaxReconnectAttempts,
		typingIdle:  DefaultTypingIdle,
		dial:        client.dial,
		active:      true,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.store = NewMessageStore()
	s.typing = NewTypingTracker()
	s.unread = NewUnreadCounter()
	s.obs = &observers{logger: s.logger}

	s.conn = newConnManager(s.clock, s.logger.Named("realtime"), s.dial)
	s.conn.delays = s.delays
	s.conn.maxAttempts = s.maxAttempts
	s.conn.ready = s.hasSession
	s.conn.onFrame = s.handleFrame
	s.conn.onState = s.obs.state
	s.conn.onReconnecting = s.obs.reconnecting

	s.debouncer = newTypingDebouncer(s.clock, s.typingIdle, s.sendCommand)

	s.disp = &dispatcher{
		store:     s.store,
		typing:    s.typing,
		unread:    s.unread,
		obs:       s.obs,
		logger:    s.logger,
		self:      identity.UserID,
		setOnline: s.setOnlineLocked,
	}
	return s
}

func (s *Session) hasSession() bool {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	return active && s.client.HasSession()
}

func (s *Session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) handleFrame(data []byte) {
	s.mu.Lock()
	active, gen := s.active, s.gen
	s.mu.Unlock()
	if !active {
		return
	}
	s.dispatchFrame(gen, data)
}

// dispatchFrame applies a frame read while generation gen was current. State
// changes are made under mu and dropped if Close ran in between.
func (s *Session) dispatchFrame(gen uint64, data []byte) {
	s.disp.handle(data, func(f func()) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.active || s.gen != gen {
			return false
		}
		f()
		return true
	})
}

// setOnlineLocked is called with mu held.
func (s *Session) setOnlineLocked(users []OnlineUser) {
	s.online = append([]OnlineUser(nil), users...)
}

// sendCommand writes a typing command. Commands are dropped without error when
// the connection is not open.
func (s *Session) sendCommand(cmd CommandType) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := s.conn.Send(ctx, cmd); err != nil && !errors.Is(err, ErrNotConnected) {
		s.logger.Debug("typing command not sent", zap.String("type", string(cmd)), zap.Error(err))
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start opens the live connection and loads history once. Both are attempted;
// their errors are joined. A failed connection keeps retrying in the
// background.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()

	connErr := s.conn.Connect(ctx)
	histErr := s.LoadHistory(ctx)
	return errors.Join(connErr, histErr)
}

// LoadHistory fetches the latest messages once per session. It is a no-op if
// history was already applied or a load is in flight. After a failure the
// store stays as it was and a later call retries.
func (s *Session) LoadHistory(ctx context.Context) error {
	if !s.hasSession() {
		return nil
	}
	s.mu.Lock()
	if s.historyLoading || s.store.Loaded() {
		s.mu.Unlock()
		return nil
	}
	s.historyLoading = true
	gen := s.gen
	s.mu.Unlock()

	msgs, err := s.client.Messages.List(ctx)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.logger.Debug("discarding history from a previous session")
		return nil
	}
	s.historyLoading = false
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("history load failed", zap.Error(err))
		return fmt.Errorf("load history: %w", err)
	}
	applied := s.store.ApplyHistory(msgs)
	s.mu.Unlock()

	if applied {
		s.logger.Debug("history loaded", zap.Int("count", len(msgs)))
		s.obs.messages(s.store.Messages())
	}
	return nil
}

// Connect opens the live connection if there is a session and none is open.
func (s *Session) Connect(ctx context.Context) error {
	return s.conn.Connect(ctx)
}

// Disconnect closes the live connection and stops automatic reconnects until
// Connect or NetworkOnline is called.
func (s *Session) Disconnect() {
	s.debouncer.Reset()
	s.conn.Disconnect()
}

// NetworkOnline reports that the host regained network access. The reconnect
// counter is reset and a connection is attempted immediately.
func (s *Session) NetworkOnline(ctx context.Context) error {
	return s.conn.NetworkOnline(ctx)
}

// Close ends the session: the connection is closed, all state is cleared and
// responses still in flight are ignored when they arrive. Start may be called
// again afterwards for a new login.
func (s *Session) Close() {
	s.mu.Lock()
	s.active = false
	s.gen++
	s.historyLoading = false
	s.online = nil
	s.store.Clear()
	s.typing.Clear()
	s.unread.Reset()
	s.mu.Unlock()

	s.debouncer.Reset()
	s.conn.Disconnect()

	s.obs.messages(nil)
	s.obs.typing(nil)
	s.obs.unread(0)
}

// Logout closes the session and ends it on the server.
func (s *Session) Logout(ctx context.Context) error {
	s.Close()
	return s.client.Auth.Logout(ctx)
}

// ============================================================================
// Operations
// ============================================================================

// SendMessage posts content with an optimistic local record. Empty content or
// a missing session is ignored. The local record is replaced in place by the
// stored message on success, or marked failed; failed records are never
// retried.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len([]rune(content)) > MaxContentLength {
		return ErrContentTooLong
	}
	if !s.hasSession() {
		return nil
	}

	tempID := NewTemporaryID()
	s.mu.Lock()
	gen := s.gen
	s.store.AppendPending(Message{
		ID:         tempID,
		Content:    content,
		SenderID:   s.identity.UserID,
		SenderName: s.identity.Name,
		CreatedAt:  s.clock.Now().UTC().Format(time.RFC3339Nano),
	})
	s.mu.Unlock()
	s.obs.messages(s.store.Messages())

	s.debouncer.Stop()

	confirmed, err := s.client.Messages.Send(ctx, content)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.logger.Debug("discarding send result from a previous session", zap.String("temp_id", tempID.String()))
		return err
	}
	if err != nil {
		s.store.MarkFailed(tempID)
	} else {
		s.store.Confirm(tempID, *confirmed)
	}
	s.mu.Unlock()
	s.obs.messages(s.store.Messages())

	if err != nil {
		s.logger.Warn("send failed", zap.String("temp_id", tempID.String()), zap.Error(err))
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// HandleTyping records a keystroke of the local user.
func (s *Session) HandleTyping() {
	if !s.isActive() {
		return
	}
	s.debouncer.Keystroke()
}

// SetSurfaceOpen reports whether the messaging surface is visible. Opening it
// resets the unread count.
func (s *Session) SetSurfaceOpen(open bool) {
	if n, changed := s.unread.SetOpen(open); changed {
		s.obs.unread(n)
	}
}

func (s *Session) MarkSurfaceOpen()   { s.SetSurfaceOpen(true) }
func (s *Session) MarkSurfaceClosed() { s.SetSurfaceOpen(false) }

// ============================================================================
// Readers
// ============================================================================

func (s *Session) Identity() Identity { return s.identity }

// Messages returns the message sequence in display order.
func (s *Session) Messages() []Message { return s.store.Messages() }

// TypingUsers returns the remote users currently typing.
func (s *Session) TypingUsers() []TypingEntry { return s.typing.Entries() }

func (s *Session) UnreadCount() int { return s.unread.Count() }

func (s *Session) State() ConnectionState { return s.conn.State() }

func (s *Session) IsConnected() bool { return s.conn.State().Phase == PhaseOpen }

// OnlineUsers returns the users reported online when the connection was last
// acknowledged.
func (s *Session) OnlineUsers() []OnlineUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OnlineUser(nil), s.online...)
}

// ============================================================================
// Observers
// ============================================================================

// OnMessages registers a handler called with the full sequence after every
// change.
func (s *Session) OnMessages(h func([]Message)) {
	s.obs.mu.Lock()
	s.obs.onMessages = append(s.obs.onMessages, h)
	s.obs.mu.Unlock()
}

// OnNewMessage registers a handler for each message accepted from the live
// stream.
func (s *Session) OnNewMessage(h func(Message)) {
	s.obs.mu.Lock()
	s.obs.onNewMessage = append(s.obs.onNewMessage, h)
	s.obs.mu.Unlock()
}

// OnTyping registers a handler for changes to the typing set.
func (s *Session) OnTyping(h func([]TypingEntry)) {
	s.obs.mu.Lock()
	s.obs.onTyping = append(s.obs.onTyping, h)
	s.obs.mu.Unlock()
}

// OnUnread registers a handler for unread count changes.
func (s *Session) OnUnread(h func(int)) {
	s.obs.mu.Lock()
	s.obs.onUnread = append(s.obs.onUnread, h)
	s.obs.mu.Unlock()
}

// OnState registers a handler for connection state changes.
func (s *Session) OnState(h func(ConnectionState)) {
	s.obs.mu.Lock()
	s.obs.onState = append(s.obs.onState, h)
	s.obs.mu.Unlock()
}

// OnReconnecting registers a handler called when a reconnect is scheduled.
func (s *Session) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.obs.mu.Lock()
	s.obs.onReconnecting = append(s.obs.onReconnecting, func(e reconnectEvent) { h(e.attempt, e.delay) })
	s.obs.mu.Unlock()
}

// OnConnected registers a handler for the server's connection acknowledgement.
func (s *Session) OnConnected(h func([]OnlineUser)) {
	s.obs.mu.Lock()
	s.obs.onConnected = append(s.obs.onConnected, h)
	s.obs.mu.Unlock()
}

// OnServerError registers a handler for server error frames.
func (s *Session) OnServerError(h func(message string)) {
	s.obs.mu.Lock()
	s.obs.onServerError = append(s.obs.onServerError, h)
	s.obs.mu.Unlock()
}
