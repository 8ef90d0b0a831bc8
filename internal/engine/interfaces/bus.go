package interfaces

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Handler receives one bus message.
type Handler func(ctx context.Context, topic string, payload []byte)

// Bus is the publish/subscribe transport the engine talks to.
type Bus interface {
	Subscribe(pattern string, handler Handler) error
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// MatchSubject reports whether topic matches pattern. Tokens are separated by
// "." or "/"; "*" matches one token and a trailing ">" or "#" matches the rest.
func MatchSubject(pattern, topic string) bool {
	p := SplitTopic(pattern)
	t := SplitTopic(topic)
	for i, token := range p {
		if token == ">" || token == "#" {
			return i == len(p)-1 && len(t) > i
		}
		if i >= len(t) {
			return false
		}
		if token != "*" && token != "+" && token != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}

// SplitTopic splits a topic on "." and "/", dropping empty tokens.
func SplitTopic(topic string) []string {
	return strings.FieldsFunc(topic, func(r rune) bool { return r == '.' || r == '/' })
}

type subscription struct {
	pattern string
	handler Handler
}

// MemoryBus is an in-process bus for single-binary deployments and tests.
// Retained messages are replayed to new matching subscribers.
type MemoryBus struct {
	mu       sync.RWMutex
	subs     []subscription
	retained map[string][]byte
}

// NewMemoryBus constructs a new bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{retained: make(map[string][]byte)}
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryBus) Subscribe(pattern string, handler Handler) error {
	if handler == nil {
		return errors.New("memory bus: nil handler")
	}
	if strings.TrimSpace(pattern) == "" {
		return errors.New("memory bus: empty pattern")
	}
	b.mu.Lock()
	b.subs = append(b.subs, subscription{pattern: pattern, handler: handler})
	replay := make(map[string][]byte)
	for topic, payload := range b.retained {
		if MatchSubject(pattern, topic) {
			replay[topic] = payload
		}
	}
	b.mu.Unlock()

	for topic, payload := range replay {
		handler(context.Background(), topic, payload)
	}
	return nil
}

// Publish delivers the payload to every matching handler, synchronously.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if strings.TrimSpace(topic) == "" {
		return errors.New("memory bus: empty topic")
	}
	data := append([]byte(nil), payload...)

	b.mu.Lock()
	if retain {
		b.retained[topic] = data
	}
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if MatchSubject(sub.pattern, topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(ctx, topic, data)
	}
	return nil
}

// Retained returns the last retained payload of a topic.
func (b *MemoryBus) Retained(topic string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	payload, ok := b.retained[topic]
	return payload, ok
}
