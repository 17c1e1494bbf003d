package opschat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/coreweb-ops/opschat/clock"
)

// ============================================================================
// Connection state
// ============================================================================

// Phase is the lifecycle position of the live connection.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseClosed     Phase = "closed"
)

// ConnectionState is a snapshot of the connection manager.
type ConnectionState struct {
	Phase            Phase
	ReconnectAttempt int
}

// Close codes. Codes at or above CloseCodeFatal are reserved by the server for
// failures that must not be retried.
const (
	CloseNormal          = 1000
	CloseAbnormal        = 1006
	CloseCodeFatal       = 4000
	CloseUnauthorized    = 4001
	CloseConnectionLimit = 4002
)

// DefaultMaxReconnectAttempts caps automatic reconnects after the last
// successful open.
const DefaultMaxReconnectAttempts = 5

// DefaultDialTimeout bounds the handshake of a reconnect attempt.
const DefaultDialTimeout = 10 * time.Second

const readLimit = 64 << 10

// DefaultReconnectDelays is indexed by the reconnect attempt; attempts past the
// end reuse the last delay.
var DefaultReconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	10 * time.Second,
}

// ErrNotConnected is returned when a command is sent without an open connection.
var ErrNotConnected = errors.New("not connected")

// IsFatalClose reports whether a close code forbids reconnecting.
func IsFatalClose(code int) bool { return code >= CloseCodeFatal }

// ============================================================================
// Transport
// ============================================================================

// frameConn is one established connection carrying whole frames.
type frameConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

type dialFunc func(ctx context.Context) (frameConn, error)

// wsConn adapts a nhooyr websocket connection.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

// dialWebSocket opens the realtime endpoint, presenting the session cookie.
func dialWebSocket(ctx context.Context, wsURL string, httpClient *http.Client, cookie string) (frameConn, error) {
	header := http.Header{}
	if cookie != "" {
		header.Set("Cookie", cookie)
	}

	// The websocket library rejects clients with a Timeout, and the jar would
	// duplicate the explicit cookie header.
	hc := *httpClient
	hc.Timeout = 0
	hc.Jar = nil

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: &hc,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return &wsConn{conn: conn}, nil
}

// closeStatus extracts the close code from a read error. Errors without a
// close frame count as an abnormal closure.
func closeStatus(err error) (int, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason
	}
	return CloseAbnormal, err.Error()
}

// ============================================================================
// Connection manager
// ============================================================================

// connManager owns at most one live connection and the reconnect policy.
// Decoded business data never passes through it; raw frames are handed to
// onFrame in arrival order from a single read goroutine.
type connManager struct {
	clock       clock.Clock
	logger      *zap.Logger
	dial        dialFunc
	delays      []time.Duration
	maxAttempts int
	dialTimeout time.Duration

	// ready reports whether a user session exists. It is called without
	// holding mu.
	ready func() bool

	onFrame        func(data []byte)
	onState        func(ConnectionState)
	onReconnecting func(attempt int, delay time.Duration)

	mu         sync.Mutex
	phase      Phase
	attempt    int
	conn       frameConn
	gen        uint64
	cancelRead context.CancelFunc
	timer      *clock.Timer
	timerSeq   uint64
}

func newConnManager(c clock.Clock, logger *zap.Logger, dial dialFunc) *connManager {
	return &connManager{
		clock:       c,
		logger:      logger,
		dial:        dial,
		delays:      DefaultReconnectDelays,
		maxAttempts: DefaultMaxReconnectAttempts,
		dialTimeout: DefaultDialTimeout,
		phase:       PhaseIdle,
	}
}

// State returns the current phase and attempt counter.
func (m *connManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *connManager) stateLocked() ConnectionState {
	return ConnectionState{Phase: m.phase, ReconnectAttempt: m.attempt}
}

// Connect opens a connection unless one is open or being opened, or there is
// no session. It returns after the handshake. A failed handshake is handled
// like an abnormal close and schedules a reconnect.
func (m *connManager) Connect(ctx context.Context) error {
	if m.ready != nil && !m.ready() {
		m.logger.Debug("connect skipped: no session")
		return nil
	}

	m.mu.Lock()
	if m.phase == PhaseOpen || m.phase == PhaseConnecting {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	m.phase = PhaseConnecting
	state := m.stateLocked()
	m.mu.Unlock()
	m.emitState(state)

	conn, err := m.dial(ctx)

	m.mu.Lock()
	if gen != m.gen {
		// Disconnected while dialing.
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close(CloseNormal, "User disconnected")
		}
		return nil
	}
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("realtime connect failed", zap.Error(err))
		m.handleClose(gen, CloseAbnormal, err.Error())
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	m.conn = conn
	m.cancelRead = cancel
	m.phase = PhaseOpen
	m.attempt = 0
	state = m.stateLocked()
	m.mu.Unlock()

	m.logger.Info("realtime connected")
	m.emitState(state)

	go m.readLoop(readCtx, gen, conn)
	return nil
}

func (m *connManager) readLoop(ctx context.Context, gen uint64, conn frameConn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			code, reason := closeStatus(err)
			m.handleClose(gen, code, reason)
			return
		}
		if !m.current(gen) {
			return
		}
		if m.onFrame != nil {
			m.onFrame(data)
		}
	}
}

func (m *connManager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// handleClose is the single place reconnect decisions are made.
func (m *connManager) handleClose(gen uint64, code int, reason string) {
	m.mu.Lock()
	if gen != m.gen || (m.phase != PhaseOpen && m.phase != PhaseConnecting) {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	m.phase = PhaseClosed
	state := m.stateLocked()

	fatal := IsFatalClose(code)
	exhausted := m.attempt >= m.maxAttempts
	var (
		delay time.Duration
		seq   uint64
		next  int
	)
	if !fatal && !exhausted {
		delay = m.delayLocked(m.attempt)
		m.timerSeq++
		seq = m.timerSeq
		next = m.attempt + 1
	}
	m.mu.Unlock()

	m.logger.Info("realtime closed", zap.Int("code", code), zap.String("reason", reason))
	m.emitState(state)

	switch {
	case fatal:
		m.logger.Warn("realtime closed by server, not reconnecting", zap.Int("code", code), zap.String("reason", reason))
		return
	case exhausted:
		m.logger.Warn("max reconnect attempts reached", zap.Int("attempts", m.maxAttempts))
		return
	}

	m.logger.Info("realtime reconnect scheduled", zap.Int("attempt", next), zap.Duration("delay", delay))
	timer := m.clock.AfterFunc(delay, func() { m.fireReconnect(seq) })
	m.mu.Lock()
	if m.timerSeq == seq {
		m.timer = timer
	} else {
		timer.Stop()
	}
	m.mu.Unlock()

	if m.onReconnecting != nil {
		m.onReconnecting(next, delay)
	}
}

func (m *connManager) delayLocked(attempt int) time.Duration {
	if len(m.delays) == 0 {
		return DefaultReconnectDelays[len(DefaultReconnectDelays)-1]
	}
	if attempt >= len(m.delays) {
		return m.delays[len(m.delays)-1]
	}
	return m.delays[attempt]
}

func (m *connManager) fireReconnect(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq || m.phase != PhaseClosed {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.attempt++
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()
	_ = m.Connect(ctx)
}

func (m *connManager) stopTimerLocked() {
	m.timerSeq++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Disconnect cancels any pending reconnect, suppresses further automatic
// reconnects and closes the live connection with a normal closure. It is
// idempotent.
func (m *connManager) Disconnect() {
	m.mu.Lock()
	m.stopTimerLocked()
	m.attempt = m.maxAttempts
	m.gen++
	conn := m.conn
	m.conn = nil
	cancel := m.cancelRead
	m.cancelRead = nil
	changed := m.phase != PhaseIdle
	m.phase = PhaseIdle
	state := m.stateLocked()
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(CloseNormal, "User disconnected"); err != nil {
			m.logger.Debug("close realtime connection", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	if changed {
		m.logger.Info("realtime disconnected")
		m.emitState(state)
	}
}

// NetworkOnline resets the attempt counter and connects immediately.
func (m *connManager) NetworkOnline(ctx context.Context) error {
	m.mu.Lock()
	m.attempt = 0
	m.stopTimerLocked()
	m.mu.Unlock()
	return m.Connect(ctx)
}

// Send writes one outbound command. It returns ErrNotConnected if the
// connection is not open.
func (m *connManager) Send(ctx context.Context, cmd CommandType) error {
	m.mu.Lock()
	conn := m.conn
	open := m.phase == PhaseOpen
	m.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}
	return conn.Write(ctx, encodeCommand(cmd))
}

func (m *connManager) emitState(s ConnectionState) {
	if m.onState != nil {
		m.onState(s)
	}
}
