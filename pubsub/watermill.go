package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/erlorenz/topicbridge/ids"
)

// Watermill adapts a Watermill publisher/subscriber pair to Broker, so any
// Watermill transport (Kafka, AMQP, NATS, SQL, ...) can back the bridges.
type Watermill struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter

	mu     sync.Mutex
	next   uint64
	subs   map[uint64]*watermillSubscription
	closed bool
}

type watermillSubscription struct {
	topic  string
	cancel context.CancelFunc
	exited chan struct{}
}

// NewWatermill wraps pub and sub. Both are closed by Close.
func NewWatermill(pub message.Publisher, sub message.Subscriber, logger watermill.LoggerAdapter) *Watermill {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Watermill{
		publisher:  pub,
		subscriber: sub,
		logger:     logger,
		subs:       make(map[uint64]*watermillSubscription),
	}
}

// NewGoChannel returns a Watermill broker backed by the in-process gochannel
// pub/sub. Publish waits for subscribers to ack, which keeps per-subscription
// delivery in publish order.
func NewGoChannel(logger watermill.LoggerAdapter) *Watermill {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            defaultQueueSize,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return NewWatermill(ps, ps, logger)
}

// Publish sends payload as a single Watermill message.
func (w *Watermill) Publish(ctx context.Context, topic string, payload []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	msg := message.NewMessage(ids.New(), payloadCopy)
	msg.SetContext(ctx)

	return w.publisher.Publish(topic, msg)
}

// Subscribe starts consuming topic. Messages are acked after the handler
// returns.
func (w *Watermill) Subscribe(ctx context.Context, topic string, handler Handler) (Unsubscribe, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(context.Background())
	messages, err := w.subscriber.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, err
	}

	w.next++
	id := w.next
	s := &watermillSubscription{
		topic:  topic,
		cancel: cancel,
		exited: make(chan struct{}),
	}
	w.subs[id] = s

	go w.consume(subCtx, s, messages, handler)

	return func(ctx context.Context) error {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()

		s.cancel()
		select {
		case <-s.exited:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, nil
}

func (w *Watermill) consume(ctx context.Context, s *watermillSubscription, messages <-chan *message.Message, handler Handler) {
	defer close(s.exited)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				msg.Nack()
				return
			}
			handler(s.topic, msg.Payload)
			msg.Ack()
		}
	}
}

// Close cancels every subscription and closes the underlying publisher and
// subscriber.
func (w *Watermill) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	subs := w.subs
	w.subs = make(map[uint64]*watermillSubscription)
	w.mu.Unlock()

	for _, s := range subs {
		s.cancel()
		<-s.exited
	}

	var errs []error
	if err := w.subscriber.Close(); err != nil {
		errs = append(errs, err)
	}
	if any(w.publisher) != any(w.subscriber) {
		if err := w.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
