// Package mq carries domain events to whatever delivers them: email
// senders, audit sinks or the operator's `events tail`.
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Channels published by the board.
const (
	ChannelEmailVerification = "email.verification"
	ChannelPasswordReset     = "email.password_reset"
	ChannelIdentityDeleted   = "identity.deleted"
	ChannelRoleChanged       = "identity.role_changed"
)

// Channels lists every channel the board publishes on.
func Channels() []string {
	return []string{
		ChannelEmailVerification,
		ChannelPasswordReset,
		ChannelIdentityDeleted,
		ChannelRoleChanged,
	}
}

// Message is a broker-agnostic delivery.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a message. Return an error to nack it.
type Handler func(ctx context.Context, msg Message) error

// Backend is implemented by each broker.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// Event is the JSON envelope of every published message.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Publisher encodes domain payloads into events on a backend.
type Publisher struct {
	backend Backend
	now     func() time.Time
}

func NewPublisher(backend Backend) *Publisher {
	return &Publisher{backend: backend, now: time.Now}
}

// Publish wraps payload in an Event and sends it on channel.
func (p *Publisher) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", channel, err)
	}
	event := Event{
		ID:         uuid.NewString(),
		Type:       channel,
		OccurredAt: p.now().UTC(),
		Data:       data,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", channel, err)
	}

	messageID, err := p.backend.Publish(ctx, channel, body, map[string]string{
		"event_id":   event.ID,
		"event_type": channel,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	slog.Default().DebugContext(ctx, "event published",
		"module", "mq",
		"operation", "publish",
		"outcome", "success",
		"channel", channel,
		"event_id", event.ID,
		"message_id", messageID,
	)
	return nil
}

// Subscribe decodes events from channel until ctx is done.
func (p *Publisher) Subscribe(ctx context.Context, channel string, handle func(context.Context, Event) error) error {
	return p.backend.Subscribe(ctx, channel, func(ctx context.Context, msg Message) error {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Default().WarnContext(ctx, "dropping undecodable event",
				"module", "mq",
				"operation", "subscribe",
				"outcome", "failure",
				"channel", channel,
				"message_id", msg.ID,
				"error", err,
			)
			return nil
		}
		return handle(ctx, event)
	})
}

func (p *Publisher) Close() error {
	return p.backend.Close()
}
