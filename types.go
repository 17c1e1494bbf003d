package opschat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ============================================================================
// Identifiers
// ============================================================================

// tempIDPrefix marks identifiers minted locally for optimistic records. The
// server never assigns ids in this format.
const tempIDPrefix = "temp_"

// MessageID identifies a message. It is either a durable id assigned by the
// server (decimal on the wire) or a temporary id minted by NewTemporaryID.
type MessageID string

// NewTemporaryID returns a fresh temporary message id.
func NewTemporaryID() MessageID {
	return MessageID(tempIDPrefix + uuid.NewString())
}

// IsTemporary reports whether the id was minted locally.
func (id MessageID) IsTemporary() bool {
	return strings.HasPrefix(string(id), tempIDPrefix)
}

func (id MessageID) String() string { return string(id) }

func (id MessageID) MarshalJSON() ([]byte, error) { return marshalID(string(id)) }

func (id *MessageID) UnmarshalJSON(data []byte) error {
	s, err := unmarshalID(data)
	if err != nil {
		return err
	}
	*id = MessageID(s)
	return nil
}

// UserID identifies a workspace user. The server sends integers; the value is
// kept in its decimal string form.
type UserID string

func (id UserID) String() string { return string(id) }

func (id UserID) MarshalJSON() ([]byte, error) { return marshalID(string(id)) }

func (id *UserID) UnmarshalJSON(data []byte) error {
	s, err := unmarshalID(data)
	if err != nil {
		return err
	}
	*id = UserID(s)
	return nil
}

// marshalID writes numeric ids as JSON numbers so they round-trip with the
// server's integer columns.
func marshalID(s string) ([]byte, error) {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

func unmarshalID(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", fmt.Errorf("invalid id %s: %w", data, err)
	}
	return n.String(), nil
}

// ============================================================================
// Messages
// ============================================================================

// DeliveryStatus tracks the server-confirmed state of a locally sent message.
// The zero value means settled: the record came from history or the live
// stream.
type DeliveryStatus string

const (
	StatusSending DeliveryStatus = "sending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// Message is one internal chat message.
type Message struct {
	ID         MessageID      `json:"id"`
	Content    string         `json:"content"`
	SenderID   UserID         `json:"sender_id"`
	SenderName string         `json:"sender_name"`
	CreatedAt  string         `json:"created_at"`
	Status     DeliveryStatus `json:"status,omitempty"`
}

// Pending reports whether the message still waits for the server.
func (m Message) Pending() bool { return m.Status == StatusSending }

// ============================================================================
// Presence and typing
// ============================================================================

// TypingEntry is one user currently typing.
type TypingEntry struct {
	UserID   UserID `json:"user_id"`
	UserName string `json:"user_name"`
}

// OnlineUser is reported by the server when the connection is acknowledged.
type OnlineUser struct {
	ID   UserID `json:"id"`
	Name string `json:"name"`
}

// Identity is the signed-in user that owns a Session.
type Identity struct {
	UserID UserID
	Name   string
}

// ============================================================================
// Errors
// ============================================================================

// APIError is returned for non-2xx REST responses.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Detail)
}
