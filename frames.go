package opschat

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// Inbound frames
// ============================================================================

// FrameType is the tag of an inbound frame.
type FrameType string

const (
	FrameConnected   FrameType = "connected"
	FrameNewMessage  FrameType = "new_message"
	FrameTypingStart FrameType = "typing_start"
	FrameTypingStop  FrameType = "typing_stop"
	FrameError       FrameType = "error"
)

var (
	// ErrUnknownFrame is returned by DecodeFrame for a well-formed frame with a
	// tag this client does not handle.
	ErrUnknownFrame = errors.New("unknown frame type")

	// ErrMalformedFrame is returned by DecodeFrame when the frame cannot be
	// decoded.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is one decoded server-to-client frame. The concrete type is one of
// *ConnectedFrame, *NewMessageFrame, *TypingStartFrame, *TypingStopFrame or
// *ErrorFrame.
type Frame interface {
	Type() FrameType
	isFrame()
}

// ConnectedFrame acknowledges an authenticated connection.
type ConnectedFrame struct {
	UserID      UserID       `json:"user_id"`
	WorkspaceID UserID       `json:"workspace_id"`
	OnlineUsers []OnlineUser `json:"online_users"`
}

// NewMessageFrame carries a full message record.
type NewMessageFrame struct {
	Message Message
}

// TypingStartFrame reports a remote user typing.
type TypingStartFrame struct {
	Entry TypingEntry
}

// TypingStopFrame reports a remote user no longer typing.
type TypingStopFrame struct {
	UserID UserID `json:"user_id"`
}

// ErrorFrame is a server-side diagnostic.
type ErrorFrame struct {
	Message string `json:"message"`
}

func (*ConnectedFrame) Type() FrameType   { return FrameConnected }
func (*NewMessageFrame) Type() FrameType  { return FrameNewMessage }
func (*TypingStartFrame) Type() FrameType { return FrameTypingStart }
func (*TypingStopFrame) Type() FrameType  { return FrameTypingStop }
func (*ErrorFrame) Type() FrameType       { return FrameError }

func (*ConnectedFrame) isFrame()   {}
func (*NewMessageFrame) isFrame()  {}
func (*TypingStartFrame) isFrame() {}
func (*TypingStopFrame) isFrame()  {}
func (*ErrorFrame) isFrame()       {}

// envelope is the wire format for every frame in both directions.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeFrame decodes one inbound frame. Errors wrap ErrMalformedFrame or
// ErrUnknownFrame.
func DecodeFrame(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	switch FrameType(env.Type) {
	case FrameConnected:
		f := &ConnectedFrame{}
		if err := decodePayload(env, f); err != nil {
			return nil, err
		}
		return f, nil

	case FrameNewMessage:
		f := &NewMessageFrame{}
		if err := decodePayload(env, &f.Message); err != nil {
			return nil, err
		}
		if f.Message.ID == "" {
			return nil, fmt.Errorf("%w: new_message without id", ErrMalformedFrame)
		}
		return f, nil

	case FrameTypingStart:
		f := &TypingStartFrame{}
		if err := decodePayload(env, &f.Entry); err != nil {
			return nil, err
		}
		if f.Entry.UserID == "" {
			return nil, fmt.Errorf("%w: typing_start without user_id", ErrMalformedFrame)
		}
		return f, nil

	case FrameTypingStop:
		f := &TypingStopFrame{}
		if err := decodePayload(env, f); err != nil {
			return nil, err
		}
		if f.UserID == "" {
			return nil, fmt.Errorf("%w: typing_stop without user_id", ErrMalformedFrame)
		}
		return f, nil

	case FrameError:
		f := &ErrorFrame{}
		if err := decodePayload(env, f); err != nil {
			return nil, err
		}
		return f, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
}

func decodePayload(env envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, env.Type, err)
	}
	return nil
}

// ============================================================================
// Outbound commands
// ============================================================================

// CommandType is the tag of a client-to-server frame.
type CommandType string

const (
	CommandTypingStart CommandType = "typing_start"
	CommandTypingStop  CommandType = "typing_stop"
)

// encodeCommand builds an outbound frame. Commands carry no payload; the
// server infers the sender from the session.
func encodeCommand(t CommandType) []byte {
	data, _ := json.Marshal(envelope{Type: string(t)})
	return data
}
