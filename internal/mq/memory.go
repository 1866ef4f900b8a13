package mq

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryBackend delivers messages inside the process. It is the default
// when no broker is configured and keeps every published message so that
// tests and local runs can inspect them.
type MemoryBackend struct {
	mu          sync.Mutex
	published   map[string][]Message
	subscribers map[string][]chan Message
	closed      bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		published:   make(map[string][]Message),
		subscribers: make(map[string][]chan Message),
	}
}

func (m *MemoryBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("memory channel is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errors.New("memory backend closed")
	}

	msg := Message{ID: uuid.NewString(), Data: append([]byte(nil), data...), Attributes: attrs}
	m.published[channel] = append(m.published[channel], msg)
	for _, sub := range m.subscribers[channel] {
		select {
		case sub <- msg:
		default:
			slog.Default().WarnContext(ctx, "memory subscriber is full, message dropped",
				"module", "mq",
				"operation", "publish",
				"channel", channel,
			)
		}
	}
	return msg.ID, nil
}

func (m *MemoryBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("memory channel is required")
	}

	deliveries := make(chan Message, 64)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("memory backend closed")
	}
	m.subscribers[channel] = append(m.subscribers[channel], deliveries)
	m.mu.Unlock()

	defer m.unsubscribe(channel, deliveries)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-deliveries:
			_ = handler(ctx, msg)
		}
	}
}

// Published returns a copy of the messages sent on channel.
func (m *MemoryBackend) Published(channel string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published[channel]...)
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryBackend) unsubscribe(channel string, deliveries chan Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[channel]
	for i, sub := range subs {
		if sub == deliveries {
			m.subscribers[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
