package pubsub

import (
	"context"
	"sync"
)

// InMemory is a simple in-memory broker.
// It's suitable for single-process applications, testing, and development.
// Messages are not persisted and are lost if no subscribers are active.
type InMemory struct {
	mu     sync.RWMutex
	table  *topicTable
	closed bool
}

// NewInMemory creates a new in-memory broker.
func NewInMemory() *InMemory {
	return &InMemory{table: newTopicTable()}
}

// Publish sends a message to all subscribers of the topic.
// If no subscribers exist, the message is dropped (fire-and-forget).
// It blocks only while a subscriber's queue is full.
func (m *InMemory) Publish(ctx context.Context, topic string, payload []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := m.table.get(topic)
	m.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	// Copy payload so the publisher can reuse its buffer
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	for _, d := range subs {
		if err := d.deliver(ctx, payloadCopy); err != nil {
			return err
		}
	}

	return nil
}

// Subscribe registers a handler for the specified topic.
func (m *InMemory) Subscribe(ctx context.Context, topic string, handler Handler) (Unsubscribe, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	d := m.table.add(topic, handler)

	return func(context.Context) error {
		m.mu.Lock()
		m.table.remove(topic, d.id)
		m.mu.Unlock()

		d.stop()
		return nil
	}, nil
}

// Subscribers returns the number of active subscriptions for topic.
func (m *InMemory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.table.count(topic)
}

// Close stops all subscriptions and prevents new ones.
func (m *InMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true

	for _, d := range m.table.drain() {
		d.stop()
	}

	return nil
}
