// Package opschat is a Go client for the operations dashboard's internal team
// chat.
//
// The REST side lists and sends messages; a Session keeps one live WebSocket
// connection per signed-in user and reconciles history, optimistic sends,
// live frames, typing indicators and the unread count.
//
// Example:
//
//	client := opschat.NewClient(
//		opschat.WithBaseURL("https://ops.example.com"),
//		opschat.WithSession(accessToken, csrfToken),
//	)
//
//	me, _ := client.Auth.Me(ctx)
//	session := opschat.NewSession(client, me.Identity())
//	session.OnMessages(func(msgs []opschat.Message) { render(msgs) })
//	session.Start(ctx)
//	defer session.Close()
//
//	session.SendMessage(ctx, "Deploy is done")
package opschat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

const (
	DefaultBaseURL       = "http://localhost:8000"
	DefaultTimeout       = 30 * time.Second
	DefaultWebSocketPath = "/ws/internal-messages"

	// MaxContentLength is the longest message body the server accepts, in
	// characters.
	MaxContentLength = 5000

	SessionCookie = "access_token"
	CSRFCookie    = "csrf_token"
	CSRFHeader    = "X-CSRF-Token"
)

var (
	// ErrNoSession is returned by REST calls made without a session cookie.
	ErrNoSession = errors.New("no session")

	// ErrContentTooLong is returned for message bodies over MaxContentLength.
	ErrContentTooLong = fmt.Errorf("message too long (max %d chars)", MaxContentLength)
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat REST endpoints and builds realtime connections.
// The session is carried by cookies, as a browser would.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	logger     *zap.Logger

	accessToken string
	csrfToken   string

	Auth     *AuthClient
	Messages *MessagesClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithWebSocketURL overrides the realtime endpoint derived from the base URL.
func WithWebSocketURL(u string) ClientOption {
	return func(c *Client) { c.wsURL = u }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSession seeds the session cookies. csrfToken may be empty for read-only
// use.
func WithSession(accessToken, csrfToken string) ClientOption {
	return func(c *Client) {
		c.accessToken = accessToken
		c.csrfToken = csrfToken
	}
}

// NewClient creates a chat client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	// Work on a copy so a caller-supplied client is never mutated.
	hc := *c.httpClient
	if hc.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err == nil {
			hc.Jar = jar
		}
	}
	c.httpClient = &hc

	if c.accessToken != "" {
		c.SetSession(c.accessToken, c.csrfToken)
	}

	c.Auth = &AuthClient{client: c}
	c.Messages = &MessagesClient{client: c}
	return c
}

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Logger returns the client's logger.
func (c *Client) Logger() *zap.Logger { return c.logger }

// SetSession stores the session and CSRF cookies for the base URL.
func (c *Client) SetSession(accessToken, csrfToken string) {
	c.accessToken = accessToken
	c.csrfToken = csrfToken

	u, err := url.Parse(c.baseURL)
	if err != nil || c.httpClient.Jar == nil {
		return
	}
	cookies := []*http.Cookie{{Name: SessionCookie, Value: accessToken, Path: "/"}}
	if csrfToken != "" {
		cookies = append(cookies, &http.Cookie{Name: CSRFCookie, Value: csrfToken, Path: "/"})
	}
	c.httpClient.Jar.SetCookies(u, cookies)
}

// ClearSession forgets every cookie.
func (c *Client) ClearSession() {
	c.accessToken = ""
	c.csrfToken = ""
	if jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List}); err == nil {
		c.httpClient.Jar = jar
	}
}

// HasSession reports whether a session cookie is present.
func (c *Client) HasSession() bool {
	return c.cookie(SessionCookie) != ""
}

func (c *Client) cookie(name string) string {
	u, err := url.Parse(c.baseURL)
	if err != nil || c.httpClient.Jar == nil {
		if name == SessionCookie {
			return c.accessToken
		}
		if name == CSRFCookie {
			return c.csrfToken
		}
		return ""
	}
	for _, ck := range c.httpClient.Jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

// cookieHeader renders the base URL's cookies for the WebSocket handshake.
func (c *Client) cookieHeader() string {
	u, err := url.Parse(c.baseURL)
	if err != nil || c.httpClient.Jar == nil {
		if c.accessToken == "" {
			return ""
		}
		return (&http.Cookie{Name: SessionCookie, Value: c.accessToken}).String()
	}
	parts := make([]string, 0, 2)
	for _, ck := range c.httpClient.Jar.Cookies(u) {
		parts = append(parts, (&http.Cookie{Name: ck.Name, Value: ck.Value}).String())
	}
	return strings.Join(parts, "; ")
}

// WebSocketURL returns the realtime endpoint: the configured override, or the
// base URL with ws/wss matching http/https.
func (c *Client) WebSocketURL() string {
	if c.wsURL != "" {
		return c.wsURL
	}
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + DefaultWebSocketPath
}

// dial opens a realtime connection carrying the current session cookies.
func (c *Client) dial(ctx context.Context) (frameConn, error) {
	return dialWebSocket(ctx, c.WebSocketURL(), c.httpClient, c.cookieHeader())
}

// ============================================================================
// Internal request helper
// ============================================================================

func isUnsafeMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if isUnsafeMethod(method) {
		if token := c.cookie(CSRFCookie); token != "" {
			req.Header.Set(CSRFHeader, token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// newAPIError decodes the server's {"detail": ...} error body. Validation
// errors carry a structured detail; it is kept as raw JSON.
func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return &APIError{Status: status, Detail: strings.TrimSpace(string(body))}
	}
	var detail string
	if err := json.Unmarshal(payload.Detail, &detail); err == nil {
		return &APIError{Status: status, Detail: detail}
	}
	return &APIError{Status: status, Detail: string(payload.Detail)}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// IsRateLimited reports whether err is a 429 from the server.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// ============================================================================
// Auth
// ============================================================================

// User is the signed-in account as reported by the server.
type User struct {
	ID          UserID `json:"id"`
	Email       string `json:"email"`
	FullName    string `json:"full_name"`
	WorkspaceID UserID `json:"workspace_id"`
}

// Identity returns the chat identity of the user.
func (u *User) Identity() Identity {
	return Identity{UserID: u.ID, Name: u.FullName}
}

type AuthClient struct{ client *Client }

// Me returns the user owning the current session.
func (a *AuthClient) Me(ctx context.Context) (*User, error) {
	if !a.client.HasSession() {
		return nil, ErrNoSession
	}
	data, err := a.client.doRequest(ctx, http.MethodGet, "/auth/me", nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// Logout ends the session on the server and clears the local cookies. The
// local cookies are cleared even when the request fails.
func (a *AuthClient) Logout(ctx context.Context) error {
	defer a.client.ClearSession()
	if !a.client.HasSession() {
		return nil
	}
	_, err := a.client.doRequest(ctx, http.MethodPost, "/auth/logout", nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

type MessagesClient struct{ client *Client }

// List returns the latest page of workspace messages, oldest first.
func (m *MessagesClient) List(ctx context.Context) ([]Message, error) {
	if !m.client.HasSession() {
		return nil, ErrNoSession
	}
	data, err := m.client.doRequest(ctx, http.MethodGet, "/internal/messages", nil)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// Send posts a message and returns the stored record with its durable id.
func (m *MessagesClient) Send(ctx context.Context, content string) (*Message, error) {
	if !m.client.HasSession() {
		return nil, ErrNoSession
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("message cannot be empty")
	}
	if len([]rune(content)) > MaxContentLength {
		return nil, ErrContentTooLong
	}
	data, err := m.client.doRequest(ctx, http.MethodPost, "/internal/messages", map[string]string{"content": content})
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}
