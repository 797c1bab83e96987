// Package subscription wraps one broker registration with a single delivery
// callback.
//
// A Subscription owns the registration from New until the first successful
// Unsubscribe. Payloads that parse as JSON are decoded before they reach the
// callback; anything else is passed through unchanged.
package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/erlorenz/topicbridge/jsoncodec"
	"github.com/erlorenz/topicbridge/pubsub"
)

// Message is a normalized delivery.
type Message struct {
	Topic string `json:"topic"`
	// Payload is the decoded JSON value, or the raw payload as a string
	// (or []byte when it is not valid UTF-8).
	Payload any `json:"payload"`
}

// Subscription is a single broker registration. It is owned by its creator
// and must not be shared.
type Subscription struct {
	topic     string
	onMessage func(Message)

	// Deliveries are dropped while an unsubscribe is in flight and after one
	// has succeeded.
	removing atomic.Int32
	stopped  atomic.Bool

	mu          sync.Mutex
	registered  bool
	unsubscribe pubsub.Unsubscribe
}

// New registers onMessage with broker under topic.
func New(ctx context.Context, broker pubsub.Subscriber, topic string, onMessage func(Message)) (*Subscription, error) {
	s := &Subscription{
		topic:     topic,
		onMessage: onMessage,
	}

	unsubscribe, err := broker.Subscribe(ctx, topic, s.deliver)
	if err != nil {
		return nil, &pubsub.BrokerError{Op: "subscribe", Topic: topic, Err: err}
	}

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.registered = true
	s.mu.Unlock()

	return s, nil
}

func (s *Subscription) deliver(topic string, payload []byte) {
	if s.stopped.Load() || s.removing.Load() > 0 {
		return
	}
	s.onMessage(Message{Topic: topic, Payload: Normalize(payload)})
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Active reports whether the broker registration is still in place.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.registered
}

// Unsubscribe removes the broker registration. No callback starts while it
// runs or after it has succeeded. It is safe to call concurrently and
// repeatedly: once one call has succeeded, later calls return nil without
// touching the broker. A failed call leaves the registration in place and
// delivering, so it can be retried.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.removing.Add(1)
	defer s.removing.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.registered {
		return nil
	}

	if err := s.unsubscribe(ctx); err != nil {
		return &pubsub.BrokerError{Op: "unsubscribe", Topic: s.topic, Err: err}
	}
	s.registered = false
	s.stopped.Store(true)
	return nil
}

// Normalize decodes payload if it is a JSON document. Otherwise it returns
// the payload as a string, or as []byte when it is not valid UTF-8.
func Normalize(payload []byte) any {
	if jsoncodec.Valid(payload) {
		if v, err := jsoncodec.DecodeValue(payload); err == nil {
			return v
		}
	}
	if utf8.Valid(payload) {
		return string(payload)
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out
}
