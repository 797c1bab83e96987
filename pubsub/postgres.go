package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// maxNotifyPayload is PostgreSQL's NOTIFY payload limit.
	maxNotifyPayload = 8000
	// maxChannelName is the identifier length PostgreSQL keeps for channel names.
	maxChannelName = 63
)

// Postgres is a broker that uses PostgreSQL's LISTEN/NOTIFY for pub/sub.
// It's suitable for multi-process deployments where several bridge instances
// share one database.
//
// Like InMemory, it provides no durability: messages are lost if no
// subscribers are listening.
type Postgres struct {
	pool      *pgxpool.Pool
	mu        sync.Mutex
	table     *topicTable
	listeners map[string]*topicListener
	closed    bool
}

// topicListener owns the dedicated connection LISTENing on one topic.
// ready is closed once LISTEN has run or failed; err is only read after it.
type topicListener struct {
	topic  string
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	err    error
	exited chan struct{}
}

func newTopicListener(topic string) *topicListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &topicListener{
		topic:  topic,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// NewPostgres creates a new Postgres broker using the provided connection pool.
// The pool must remain open for the lifetime of the broker.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pool:      pool,
		table:     newTopicTable(),
		listeners: make(map[string]*topicListener),
	}
}

// Publish sends a message to all subscribers of the topic across all processes.
func (p *Postgres) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if err := validChannel(topic); err != nil {
		return err
	}
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("pubsub: payload exceeds PostgreSQL NOTIFY limit of %d bytes", maxNotifyPayload)
	}

	_, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", topic, string(payload))
	return err
}

// Subscribe registers a handler for the specified topic.
// Handlers for the same topic share a single LISTEN connection, which is
// released when the last of them unsubscribes. The connection is set up
// outside the broker lock, so a slow pool only delays subscribers of the
// same topic.
func (p *Postgres) Subscribe(ctx context.Context, topic string, handler Handler) (Unsubscribe, error) {
	if err := validChannel(topic); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	tl, ok := p.listeners[topic]
	if !ok {
		tl = newTopicListener(topic)
		p.listeners[topic] = tl
	}
	d := p.table.add(topic, handler)
	p.mu.Unlock()

	if !ok {
		p.start(ctx, tl)
	}

	select {
	case <-tl.ready:
	case <-ctx.Done():
		p.unsubscribe(context.Background(), d)
		return nil, ctx.Err()
	}
	if tl.err != nil {
		p.unsubscribe(context.Background(), d)
		return nil, fmt.Errorf("failed to create listener for topic %q: %w", topic, tl.err)
	}

	return func(ctx context.Context) error {
		return p.unsubscribe(ctx, d)
	}, nil
}

// start runs LISTEN for tl and hands the connection to dispatch. On failure
// tl is dropped from the broker so the next subscriber starts a new one.
func (p *Postgres) start(ctx context.Context, tl *topicListener) {
	conn, err := p.listen(ctx, tl.topic)
	if err != nil {
		tl.err = err
		p.forget(tl)
		close(tl.exited)
		close(tl.ready)
		return
	}
	close(tl.ready)
	go p.dispatch(tl, conn)
}

// forget removes tl unless it has already been replaced.
func (p *Postgres) forget(tl *topicListener) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listeners[tl.topic] == tl {
		delete(p.listeners, tl.topic)
	}
}

func (p *Postgres) unsubscribe(ctx context.Context, d *dispatcher) error {
	p.mu.Lock()
	removed, last := p.table.remove(d.topic, d.id)
	var tl *topicListener
	if last {
		tl = p.listeners[d.topic]
		delete(p.listeners, d.topic)
	}
	p.mu.Unlock()

	d.stop()
	if !removed || tl == nil {
		return nil
	}

	tl.cancel()
	select {
	case <-tl.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// listen acquires a dedicated connection and starts LISTEN on topic.
func (p *Postgres) listen(ctx context.Context, topic string) (*pgxpool.Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{topic}.Sanitize()); err != nil {
		conn.Release()
		return nil, err
	}
	return conn, nil
}

// dispatch waits for notifications and hands them to the topic's dispatchers.
// If the connection fails the listener is forgotten, and the next Subscribe
// on the topic starts a new one that also serves the existing handlers.
func (p *Postgres) dispatch(tl *topicListener, conn *pgxpool.Conn) {
	ctx := tl.ctx
	defer close(tl.exited)
	defer conn.Release()
	defer func() {
		// The connection returns to the pool, so it must stop listening.
		_, _ = conn.Exec(context.Background(), "UNLISTEN "+pgx.Identifier{tl.topic}.Sanitize())
	}()

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.forget(tl)
			}
			return
		}

		p.mu.Lock()
		subs := p.table.get(tl.topic)
		p.mu.Unlock()

		payload := []byte(notification.Payload)
		for _, d := range subs {
			if err := d.deliver(ctx, payload); err != nil {
				return
			}
		}
	}
}

// Close stops all listeners and handlers. The pool is not closed as it may
// be shared with other components.
func (p *Postgres) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true

	listeners := p.listeners
	p.listeners = make(map[string]*topicListener)
	subs := p.table.drain()
	p.mu.Unlock()

	for _, d := range subs {
		d.stop()
	}
	for _, tl := range listeners {
		tl.cancel()
		<-tl.exited
	}

	return nil
}

func validChannel(topic string) error {
	if topic == "" {
		return errors.New("pubsub: topic is required")
	}
	if len(topic) > maxChannelName {
		return fmt.Errorf("pubsub: topic exceeds PostgreSQL channel limit of %d bytes", maxChannelName)
	}
	return nil
}
