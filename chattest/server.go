// Package chattest runs an in-process chat server speaking the same REST and
// WebSocket protocol as the dashboard backend, for tests.
package chattest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	historyLimit     = 50
	maxContentLength = 5000
	writeWait        = 5 * time.Second
)

// User is an account known to the server.
type User struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	FullName    string `json:"full_name"`
	WorkspaceID int64  `json:"workspace_id"`
}

// Message is a stored message as serialized by the server.
type Message struct {
	ID         int64  `json:"id"`
	Content    string `json:"content"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	CreatedAt  string `json:"created_at"`
}

// Command is a client-to-server frame received on a WebSocket.
type Command struct {
	UserID int64
	Type   string
}

type account struct {
	user User
	csrf string
}

type peer struct {
	conn    *websocket.Conn
	user    User
	writeMu sync.Mutex
}

func (p *peer) writeJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(v)
}

func (p *peer) close(code int, reason string) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = p.conn.Close()
}

type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Server is a fake chat backend. The zero value is not usable; call New.
type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mu         sync.Mutex
	accounts   map[string]account
	messages   []Message
	nextID     int64
	peers      map[*peer]struct{}
	commands   []Command
	dials      int
	connLimit  int
	failStatus int
	failDetail string
	hold       chan struct{}
}

// New starts a server. Close it when done.
func New() *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		accounts: make(map[string]account),
		peers:    make(map[*peer]struct{}),
		nextID:   1,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router := gin.New()
	router.GET("/auth/me", s.authenticated(s.getMe))
	router.POST("/auth/logout", s.logout)
	router.GET("/internal/messages", s.authenticated(s.listMessages))
	router.POST("/internal/messages", s.authenticated(s.sendMessage))
	router.GET("/ws/internal-messages", s.serveWS)

	s.httpServer = httptest.NewServer(router)
	return s
}

// URL is the base URL of the server.
func (s *Server) URL() string { return s.httpServer.URL }

// Close disconnects every client and stops the server.
func (s *Server) Close() {
	s.CloseConnections(websocket.CloseGoingAway, "server shutdown")
	s.httpServer.Close()
}

// AddUser registers an account reachable with the session cookie token. A
// non-empty csrf makes POST requests require a matching X-CSRF-Token header.
func (s *Server) AddUser(token, csrf string, u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[token] = account{user: u, csrf: csrf}
}

// Seed stores messages as if they had been sent earlier, oldest first.
func (s *Server) Seed(sender User, contents ...string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(contents))
	for _, c := range contents {
		out = append(out, s.storeLocked(sender, c))
	}
	return out
}

func (s *Server) storeLocked(sender User, content string) Message {
	m := Message{
		ID:         s.nextID,
		Content:    content,
		SenderID:   sender.ID,
		SenderName: sender.FullName,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.nextID++
	s.messages = append(s.messages, m)
	return m
}

// SetConnectionLimit caps concurrent WebSocket connections. Zero removes the
// cap.
func (s *Server) SetConnectionLimit(n int) {
	s.mu.Lock()
	s.connLimit = n
	s.mu.Unlock()
}

// FailSends makes every POST /internal/messages fail with status and detail.
// A zero status restores normal behavior.
func (s *Server) FailSends(status int, detail string) {
	s.mu.Lock()
	s.failStatus = status
	s.failDetail = detail
	s.mu.Unlock()
}

// HoldSends blocks POST /internal/messages until the returned func is
// called.
func (s *Server) HoldSends() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.hold = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.hold == ch {
				s.hold = nil
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Messages returns every stored message.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Commands returns the typing commands received so far.
func (s *Server) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// Dials returns how many WebSocket upgrades were attempted, including
// rejected ones.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Connections returns the number of registered WebSocket clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// WaitFor polls cond until it holds or timeout elapses.
func (s *Server) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Push sends a frame to every connected client.
func (s *Server) Push(frameType string, payload any) {
	for _, p := range s.snapshotPeers() {
		_ = p.writeJSON(frame{Type: frameType, Payload: payload})
	}
}

// PushRaw writes data verbatim to every connected client.
func (s *Server) PushRaw(data []byte) {
	for _, p := range s.snapshotPeers() {
		p.writeMu.Lock()
		_ = p.conn.WriteMessage(websocket.TextMessage, data)
		p.writeMu.Unlock()
	}
}

// CloseConnections closes every WebSocket with code and reason.
func (s *Server) CloseConnections(code int, reason string) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[*peer]struct{})
	s.mu.Unlock()

	for _, p := range peers {
		p.close(code, reason)
	}
}

func (s *Server) snapshotPeers() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

// ============================================================================
// REST handlers
// ============================================================================

func (s *Server) lookup(token string) (account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[token]
	return a, ok
}

func (s *Server) authenticated(next func(*gin.Context, account)) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie("access_token")
		if err != nil || token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
			return
		}
		a, ok := s.lookup(token)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Could not validate credentials"})
			return
		}
		if c.Request.Method != http.MethodGet && a.csrf != "" && c.GetHeader("X-CSRF-Token") != a.csrf {
			c.JSON(http.StatusForbidden, gin.H{"detail": "CSRF token missing or invalid"})
			return
		}
		next(c, a)
	}
}

func (s *Server) getMe(c *gin.Context, a account) {
	c.JSON(http.StatusOK, a.user)
}

func (s *Server) logout(c *gin.Context) {
	c.SetCookie("access_token", "", -1, "/", "", false, true)
	c.SetCookie("csrf_token", "", -1, "/", "", false, false)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (s *Server) listMessages(c *gin.Context, a account) {
	s.mu.Lock()
	msgs := s.messages
	if len(msgs) > historyLimit {
		msgs = msgs[len(msgs)-historyLimit:]
	}
	out := append([]Message{}, msgs...)
	s.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (s *Server) sendMessage(c *gin.Context, a account) {
	var body struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"msg": err.Error()}}})
		return
	}

	s.mu.Lock()
	hold := s.hold
	s.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-c.Request.Context().Done():
			return
		}
	}

	s.mu.Lock()
	status, detail := s.failStatus, s.failDetail
	s.mu.Unlock()
	if status != 0 {
		c.JSON(status, gin.H{"detail": detail})
		return
	}

	content := strings.TrimSpace(body.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Message cannot be empty"})
		return
	}
	if len([]rune(content)) > maxContentLength {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Message too long (max 5000 chars)"})
		return
	}

	s.mu.Lock()
	m := s.storeLocked(a.user, content)
	s.mu.Unlock()

	s.broadcast(frame{Type: "new_message", Payload: m}, a.user.ID)
	c.JSON(http.StatusOK, m)
}

// broadcast sends f to every peer except those of excludeUser.
func (s *Server) broadcast(f frame, excludeUser int64) {
	for _, p := range s.snapshotPeers() {
		if p.user.ID == excludeUser {
			continue
		}
		_ = p.writeJSON(f)
	}
}

// ============================================================================
// WebSocket
// ============================================================================

func (s *Server) serveWS(c *gin.Context) {
	s.mu.Lock()
	s.dials++
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn}

	token, _ := c.Cookie("access_token")
	a, ok := s.lookup(token)
	if token == "" || !ok {
		_ = p.writeJSON(frame{Type: "error", Payload: gin.H{"message": "Authentication failed"}})
		p.close(4001, "Unauthorized")
		return
	}
	p.user = a.user

	s.mu.Lock()
	if s.connLimit > 0 && len(s.peers) >= s.connLimit {
		s.mu.Unlock()
		_ = p.writeJSON(frame{Type: "error", Payload: gin.H{"message": "Workspace connection limit reached"}})
		p.close(4002, "Connection limit")
		return
	}
	s.peers[p] = struct{}{}
	online := s.onlineLocked()
	s.mu.Unlock()

	_ = p.writeJSON(frame{Type: "connected", Payload: gin.H{
		"user_id":      a.user.ID,
		"workspace_id": a.user.WorkspaceID,
		"online_users": online,
	}})

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &in) != nil || in.Type == "" {
			continue
		}
		if in.Type != "typing_start" && in.Type != "typing_stop" {
			continue
		}
		s.mu.Lock()
		s.commands = append(s.commands, Command{UserID: a.user.ID, Type: in.Type})
		s.mu.Unlock()
		s.broadcast(frame{Type: in.Type, Payload: gin.H{
			"user_id":   a.user.ID,
			"user_name": a.user.FullName,
		}}, a.user.ID)
	}
}

func (s *Server) onlineLocked() []gin.H {
	seen := make(map[int64]bool)
	out := []gin.H{}
	for p := range s.peers {
		if seen[p.user.ID] {
			continue
		}
		seen[p.user.ID] = true
		out = append(out, gin.H{"id": p.user.ID, "name": p.user.FullName})
	}
	return out
}
