// Package pubsub provides the topic-based broker the bridges are built on.
//
// The package defines low-level interfaces for publishing and subscribing to
// topics with []byte payloads. Topics are opaque strings matched exactly.
// Subscribing returns an Unsubscribe handle that removes exactly that
// registration and returns once the broker will no longer deliver to it.
//
// Three implementations are provided:
//   - InMemory: single-process pub/sub
//   - Postgres: LISTEN/NOTIFY-based, multi-process pub/sub
//   - Watermill: adapter over any Watermill publisher/subscriber pair
package pubsub

import (
	"context"
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrClosed is returned when operations are attempted on a closed broker.
	ErrClosed = errors.New("pubsub: broker is closed")
)

// Handler receives every message published to a subscribed topic.
// Calls for a single subscription are made in publish order, one at a time.
type Handler func(topic string, payload []byte)

// Unsubscribe removes a subscription from the broker. It blocks until the
// broker confirms removal or ctx is done. Calling it again after it has
// succeeded is a no-op.
type Unsubscribe func(ctx context.Context) error

// Publisher publishes messages to topics.
type Publisher interface {
	// Publish sends a message to the specified topic.
	// Publishing is fire-and-forget: if no subscribers exist, the message is dropped.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Close releases any resources held by the publisher.
	Close() error
}

// Subscriber subscribes to topics and receives messages via handlers.
type Subscriber interface {
	// Subscribe registers a handler for the specified topic.
	// Multiple subscribers to the same topic each receive a copy of every message.
	//
	// ctx bounds the registration itself. The subscription stays active until
	// the returned Unsubscribe is called or the broker is closed.
	Subscribe(ctx context.Context, topic string, handler Handler) (Unsubscribe, error)

	// Close releases any resources held by the subscriber and stops all handlers.
	Close() error
}

// Broker combines Publisher and Subscriber interfaces.
type Broker interface {
	Publisher
	Subscriber
}

// BrokerError reports a failed subscribe, unsubscribe or publish.
type BrokerError struct {
	Op    string
	Topic string
	Err   error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("pubsub: %s %q: %v", e.Op, e.Topic, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}
