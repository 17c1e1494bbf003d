package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/coreweb-ops/opschat"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ============================================================================
// NATS bridge
// ============================================================================

// bridgeEvent is the payload republished for every inbound event.
type bridgeEvent struct {
	Kind    string                `json:"kind"`
	At      time.Time             `json:"at"`
	Message *opschat.Message      `json:"message,omitempty"`
	Typing  []opschat.TypingEntry `json:"typing,omitempty"`
}

// subject returns "<prefix>.<kind>".
func (e bridgeEvent) subject(prefix string) string {
	return prefix + "." + e.Kind
}

// natsBridge republishes session events to a NATS server so other tools can
// follow the channel without holding a WebSocket.
type natsBridge struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

func newNatsBridge(url, prefix string, logger *zap.Logger) (*natsBridge, error) {
	nc, err := nats.Connect(url,
		nats.Name("opschat-watch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &natsBridge{nc: nc, prefix: prefix, logger: logger}, nil
}

func (b *natsBridge) PublishMessage(m opschat.Message) {
	b.publish(bridgeEvent{Kind: "message", At: time.Now().UTC(), Message: &m})
}

func (b *natsBridge) PublishTyping(entries []opschat.TypingEntry) {
	b.publish(bridgeEvent{Kind: "typing", At: time.Now().UTC(), Typing: entries})
}

func (b *natsBridge) publish(e bridgeEvent) {
	msg, err := e.natsMsg(b.prefix)
	if err != nil {
		b.logger.Warn("encode bridge event", zap.String("kind", e.Kind), zap.Error(err))
		return
	}
	if err := b.nc.PublishMsg(msg); err != nil {
		b.logger.Warn("publish failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (e bridgeEvent) natsMsg(prefix string) (*nats.Msg, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(e.subject(prefix))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	return msg, nil
}

// Close flushes pending publishes.
func (b *natsBridge) Close() error {
	return b.nc.Drain()
}
