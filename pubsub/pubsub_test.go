package pubsub_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/erlorenz/topicbridge/pubsub"
)

type delivery struct {
	topic   string
	payload []byte
}

// testBroker runs a common test suite against any broker implementation.
func testBroker(t *testing.T, createBroker func() pubsub.Broker, cleanup func()) {
	t.Helper()

	tests := []struct {
		name string
		test func(t *testing.T, broker pubsub.Broker)
	}{
		{"PublishWithNoSubscribers", testPublishWithNoSubscribers},
		{"SingleSubscriber", testSingleSubscriber},
		{"MultipleSubscribers", testMultipleSubscribers},
		{"MultipleTopics", testMultipleTopics},
		{"Unsubscribe", testUnsubscribe},
		{"DeliveryOrder", testDeliveryOrder},
		{"PublisherContextCancellation", testPublisherContextCancellation},
		{"CloseBroker", testCloseBroker},
		{"PayloadIsolation", testPayloadIsolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := createBroker()
			defer broker.Close()
			if cleanup != nil {
				defer cleanup()
			}
			tt.test(t, broker)
		})
	}
}

func subscribe(t *testing.T, broker pubsub.Broker, topic string, ch chan<- delivery) pubsub.Unsubscribe {
	t.Helper()

	unsubscribe, err := broker.Subscribe(context.Background(), topic, func(topic string, payload []byte) {
		ch <- delivery{topic: topic, payload: payload}
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return unsubscribe
}

func testPublishWithNoSubscribers(t *testing.T, broker pubsub.Broker) {
	// Should not error even with no subscribers (fire-and-forget)
	err := broker.Publish(context.Background(), "test-topic", []byte("hello"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func testSingleSubscriber(t *testing.T, broker pubsub.Broker) {
	ctx := context.Background()
	received := make(chan delivery, 1)

	subscribe(t, broker, "test-topic", received)

	// Give subscriber time to set up (especially for Postgres)
	time.Sleep(50 * time.Millisecond)

	if err := broker.Publish(ctx, "test-topic", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.topic != "test-topic" {
			t.Errorf("Expected topic 'test-topic', got %q", msg.topic)
		}
		if string(msg.payload) != "hello" {
			t.Errorf("Expected 'hello', got %q", msg.payload)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func testMultipleSubscribers(t *testing.T, broker pubsub.Broker) {
	ctx := context.Background()
	chans := []chan delivery{make(chan delivery, 1), make(chan delivery, 1), make(chan delivery, 1)}

	for _, ch := range chans {
		subscribe(t, broker, "test-topic", ch)
	}

	time.Sleep(50 * time.Millisecond)

	broker.Publish(ctx, "test-topic", []byte("broadcast"))

	timeout := time.After(1 * time.Second)
	for i, ch := range chans {
		select {
		case msg := <-ch:
			if string(msg.payload) != "broadcast" {
				t.Errorf("Subscriber %d: expected 'broadcast', got %q", i+1, msg.payload)
			}
		case <-timeout:
			t.Fatalf("Subscriber %d: timeout waiting for message", i+1)
		}
	}
}

func testMultipleTopics(t *testing.T, broker pubsub.Broker) {
	ctx := context.Background()
	receivedA := make(chan delivery, 1)
	receivedB := make(chan delivery, 1)

	subscribe(t, broker, "topic-a", receivedA)
	subscribe(t, broker, "topic-b", receivedB)

	time.Sleep(50 * time.Millisecond)

	broker.Publish(ctx, "topic-a", []byte("message-a"))

	select {
	case msg := <-receivedA:
		if string(msg.payload) != "message-a" {
			t.Errorf("Expected 'message-a', got %q", msg.payload)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for topic-a message")
	}

	select {
	case msg := <-receivedB:
		t.Errorf("topic-b should not receive message, got %q", msg.payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func testUnsubscribe(t *testing.T, broker pubsub.Broker) {
	ctx := context.Background()
	received := make(chan delivery, 10)

	unsubscribe := subscribe(t, broker, "test-topic", received)

	time.Sleep(50 * time.Millisecond)

	broker.Publish(ctx, "test-topic", []byte("message-1"))

	select {
	case msg := <-received:
		if string(msg.payload) != "message-1" {
			t.Errorf("Expected 'message-1', got %q", msg.payload)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for message-1")
	}

	if err := unsubscribe(ctx); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := unsubscribe(ctx); err != nil {
		t.Fatalf("Second Unsubscribe failed: %v", err)
	}

	broker.Publish(ctx, "test-topic", []byte("message-2"))

	select {
	case msg := <-received:
		t.Errorf("Should not receive after unsubscribe, got %q", msg.payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func testDeliveryOrder(t *testing.T, broker pubsub.Broker) {
	ctx := context.Background()
	received := make(chan delivery, 20)

	subscribe(t, broker, "test-topic", received)

	time.Sleep(50 * time.Millisecond)

	for i := range 20 {
		if err := broker.Publish(ctx, "test-topic", []byte(fmt.Sprintf("m%02d", i))); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	for i := range 20 {
		select {
		case msg := <-received:
			if want := fmt.Sprintf("m%02d", i); string(msg.payload) != want {
				t.Fatalf("message %d: expected %q, got %q", i, want, msg.payload)
			}
		case <-time.After(1 * time.Second):
			t.Fatalf("Timeout waiting for message %d", i)
		}
	}
}

func testPublisherContextCancellation(t *testing.T, broker pubsub.Broker) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := broker.Publish(ctx, "test-topic", []byte("hello"))
	if err == nil {
		t.Log("Publish with canceled context succeeded (implementation-specific)")
	}
}

func testCloseBroker(t *testing.T, broker pubsub.Broker) {
	ctx := context.Background()

	broker.Subscribe(ctx, "test-topic", func(string, []byte) {})

	if err := broker.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Operations after close should fail
	if err := broker.Publish(ctx, "test-topic", []byte("hello")); err != pubsub.ErrClosed {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}

	if _, err := broker.Subscribe(ctx, "test-topic", func(string, []byte) {}); err != pubsub.ErrClosed {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}

	if err := broker.Close(); err != pubsub.ErrClosed {
		t.Errorf("Expected ErrClosed on double close, got %v", err)
	}
}

func testPayloadIsolation(t *testing.T, broker pubsub.Broker) {
	ctx := context.Background()
	var mu sync.Mutex
	var received []byte
	done := make(chan struct{})

	broker.Subscribe(ctx, "test-topic", func(_ string, payload []byte) {
		mu.Lock()
		received = payload
		if len(payload) > 0 {
			payload[0] = 'X'
		}
		mu.Unlock()
		close(done)
	})

	time.Sleep(50 * time.Millisecond)

	original := []byte("hello")
	if err := broker.Publish(ctx, "test-topic", original); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for message")
	}

	if string(original) != "hello" {
		t.Errorf("Original payload was modified: %q", original)
	}

	mu.Lock()
	if string(received) != "Xello" {
		t.Errorf("Unexpected received payload: %q", received)
	}
	mu.Unlock()
}

// Benchmark publishing with varying numbers of subscribers
func benchmarkPublish(b *testing.B, broker pubsub.Broker, numSubscribers int) {
	ctx := context.Background()

	for range numSubscribers {
		broker.Subscribe(ctx, "bench-topic", func(string, []byte) {})
	}

	time.Sleep(50 * time.Millisecond)

	payload := []byte("benchmark message")

	b.ResetTimer()
	for b.Loop() {
		broker.Publish(ctx, "bench-topic", payload)
	}
}
