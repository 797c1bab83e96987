// Package resource exposes broker topics as HTTP resources under /r/<topic>.
//
// A GET waits for the next message published to the topic and answers it
// with a JSON document {"topic": ..., "payload": ...}. A PUT or POST stores
// the request body as the topic's retained value, publishes it, and answers
// 204 with a Location header. Every other path falls through to an optional
// static handler.
//
// Example usage:
//
//	bridge, err := resource.New(broker, store,
//	    resource.WithOnUpdated(func(topic string, payload []byte) {
//	        log.Printf("updated %s", topic)
//	    }),
//	)
//	go bridge.ListenAndServe(":3000")
//	defer bridge.Close(ctx)
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/erlorenz/topicbridge/ids"
	"github.com/erlorenz/topicbridge/jsoncodec"
	"github.com/erlorenz/topicbridge/pubsub"
	"github.com/erlorenz/topicbridge/retained"
	"github.com/erlorenz/topicbridge/subscription"
)

// DefaultMaxBodyBytes limits PUT/POST bodies unless WithMaxBodyBytes is used.
const DefaultMaxBodyBytes = 1 << 20

// releaseTimeout bounds an unsubscribe made after the client went away.
const releaseTimeout = 5 * time.Second

var resourcePath = regexp.MustCompile(`^/r/(.+)$`)

// Bridge serves the HTTP resource interface.
type Bridge struct {
	broker pubsub.Broker
	store  retained.Store

	authenticate AuthenticateFunc
	authorizeGet AuthorizeGetFunc
	authorizePut AuthorizePutFunc
	onUpdated    UpdatedFunc

	static       http.Handler
	logger       *slog.Logger
	registerer   prometheus.Registerer
	maxBodyBytes int64
	metrics      *metrics
	handler      http.Handler

	// mu guards pending and closed.
	mu      sync.Mutex
	pending map[string]*subscription.Subscription
	closed  bool
	closing chan struct{}

	srvMu   sync.Mutex
	servers []*http.Server
}

// Option configures a Bridge.
type Option func(*Bridge) error

// WithAuthenticate replaces the default policy, which authenticates every
// request with an empty subject.
func WithAuthenticate(fn AuthenticateFunc) Option {
	return func(b *Bridge) error {
		if fn == nil {
			return errors.New("resource: nil authenticate func")
		}
		b.authenticate = fn
		return nil
	}
}

// WithAuthorizeGet replaces the default GET policy, which allows everyone.
func WithAuthorizeGet(fn AuthorizeGetFunc) Option {
	return func(b *Bridge) error {
		if fn == nil {
			return errors.New("resource: nil authorizeGet func")
		}
		b.authorizeGet = fn
		return nil
	}
}

// WithAuthorizePut replaces the default PUT/POST policy, which allows everyone.
func WithAuthorizePut(fn AuthorizePutFunc) Option {
	return func(b *Bridge) error {
		if fn == nil {
			return errors.New("resource: nil authorizePut func")
		}
		b.authorizePut = fn
		return nil
	}
}

// WithOnUpdated registers the notification sent after a successful PUT/POST.
func WithOnUpdated(fn UpdatedFunc) Option {
	return func(b *Bridge) error {
		b.onUpdated = fn
		return nil
	}
}

// WithStatic serves paths outside /r/ from h instead of answering 404.
func WithStatic(h http.Handler) Option {
	return func(b *Bridge) error {
		b.static = h
		return nil
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) error {
		b.logger = logger
		return nil
	}
}

// WithRegisterer registers the bridge metrics with reg.
// Without it metrics are collected but not exported.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(b *Bridge) error {
		b.registerer = reg
		return nil
	}
}

// WithMaxBodyBytes limits PUT/POST bodies. Larger bodies get 413.
// Default: DefaultMaxBodyBytes
func WithMaxBodyBytes(n int64) Option {
	return func(b *Bridge) error {
		if n <= 0 {
			return fmt.Errorf("resource: max body bytes must be positive, got %d", n)
		}
		b.maxBodyBytes = n
		return nil
	}
}

// New creates a Bridge publishing to broker and persisting to store.
func New(broker pubsub.Broker, store retained.Store, opts ...Option) (*Bridge, error) {
	if broker == nil || store == nil {
		return nil, errors.New("resource: broker and store are required")
	}

	b := &Bridge{
		broker:       broker,
		store:        store,
		authenticate: AllowAll,
		authorizeGet: allowGet,
		authorizePut: allowPut,
		logger:       slog.Default(),
		maxBodyBytes: DefaultMaxBodyBytes,
		pending:      make(map[string]*subscription.Subscription),
		closing:      make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	b.logger = b.logger.With(slog.String("service", "HTTP"))

	m, err := newMetrics(b.registerer)
	if err != nil {
		return nil, fmt.Errorf("resource: registering metrics: %w", err)
	}
	b.metrics = m

	b.handler = otelhttp.NewHandler(
		accessLog(b.logger, b.metrics, cors(http.HandlerFunc(b.route))),
		"resource",
	)

	return b, nil
}

// Handler returns the bridge as an http.Handler.
func (b *Bridge) Handler() http.Handler {
	return b.handler
}

// Pending returns the number of GET requests waiting for a message.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

// ListenAndServe listens on addr and serves the bridge until Close is called.
func (b *Bridge) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return b.Serve(l)
}

// Serve serves the bridge on l until Close is called. It returns nil after
// a clean shutdown.
func (b *Bridge) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           b.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	b.srvMu.Lock()
	if b.isClosed() {
		b.srvMu.Unlock()
		l.Close()
		return http.ErrServerClosed
	}
	b.servers = append(b.servers, srv)
	b.srvMu.Unlock()

	b.logger.Info("server started", slog.String("addr", l.Addr().String()))

	if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close unsubscribes every pending GET, wakes their handlers with 503, and
// then shuts the servers down. It waits for in-flight requests until ctx is
// done.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := b.pending
	b.pending = make(map[string]*subscription.Subscription)
	b.mu.Unlock()

	var errs []error
	for _, sub := range pending {
		if err := sub.Unsubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	close(b.closing)

	b.srvMu.Lock()
	servers := b.servers
	b.servers = nil
	b.srvMu.Unlock()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

func (b *Bridge) route(w http.ResponseWriter, r *http.Request) {
	match := resourcePath.FindStringSubmatch(r.URL.Path)
	if match == nil {
		// Static files do not require authentication
		if b.static != nil {
			b.static.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	topic := match[1]

	ok, subject, err := b.authenticate(r)
	if err != nil {
		b.fail(w, &AuthError{Err: err})
		return
	}
	if !ok {
		b.fail(w, ErrNotAuthenticated)
		return
	}

	switch r.Method {
	case http.MethodGet:
		b.handleGet(w, r, subject, topic)
	case http.MethodPut, http.MethodPost:
		b.handlePut(w, r, subject, topic)
	default:
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

// fail logs err and answers with the matching status and its generic text.
func (b *Bridge) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	b.logger.Info("request rejected", slog.Int("status", code), slog.Any("error", err))
	http.Error(w, http.StatusText(code), code)
}

func (b *Bridge) handleGet(w http.ResponseWriter, r *http.Request, subject any, topic string) {
	ok, err := b.authorizeGet(subject, topic)
	if err != nil {
		b.fail(w, &AuthError{Err: err})
		return
	}
	if !ok {
		b.fail(w, ErrNotAuthorized)
		return
	}

	delivered := make(chan subscription.Message, 1)
	sub, err := subscription.New(r.Context(), b.broker, topic, func(m subscription.Message) {
		// Only the first message answers the request.
		select {
		case delivered <- m:
		default:
		}
	})
	if err != nil {
		b.logger.Error("subscribe failed", slog.String("topic", topic), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	id := ids.New()
	if !b.track(id, sub) {
		b.unsubscribe(r.Context(), sub)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	b.logger.Info("subscribe", slog.String("topic", topic))

	b.metrics.pending.Inc()
	defer b.metrics.pending.Dec()

	select {
	case msg := <-delivered:
		b.release(r.Context(), id)

		body, err := jsoncodec.Marshal(msg)
		if err != nil {
			b.logger.Error("encoding message", slog.String("topic", topic), slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)

	case <-r.Context().Done():
		b.release(r.Context(), id)
		b.logger.Debug("client went away", slog.String("topic", topic))

	case <-b.closing:
		// Close has already drained and unsubscribed this request.
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	}
}

// track records a pending GET. It reports false once the bridge is closing.
func (b *Bridge) track(id string, sub *subscription.Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	b.pending[id] = sub
	return true
}

// release removes the pending GET before unsubscribing it, so each
// subscription is torn down by exactly one caller.
func (b *Bridge) release(ctx context.Context, id string) {
	b.mu.Lock()
	sub, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()

	if ok {
		b.unsubscribe(ctx, sub)
	}
}

func (b *Bridge) unsubscribe(ctx context.Context, sub *subscription.Subscription) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := sub.Unsubscribe(ctx); err != nil {
		b.logger.Warn("unsubscribe failed", slog.String("topic", sub.Topic()), slog.Any("error", err))
	}
}

func (b *Bridge) handlePut(w http.ResponseWriter, r *http.Request, subject any, topic string) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, b.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		b.logger.Info("reading body", slog.String("topic", topic), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ok, err := b.authorizePut(subject, topic, payload)
	if err != nil {
		b.fail(w, &AuthError{Err: err})
		return
	}
	if !ok {
		b.fail(w, ErrNotAuthorized)
		return
	}

	ctx := r.Context()
	packet := retained.Packet{Topic: topic, Payload: payload, Retain: true}
	if err := b.store.StoreRetained(ctx, packet); err != nil {
		b.metrics.publishes.WithLabelValues("store_error").Inc()
		b.logger.Error("storing retained value", slog.String("topic", topic), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if err := b.broker.Publish(ctx, topic, payload); err != nil {
		b.metrics.publishes.WithLabelValues("publish_error").Inc()
		err = &pubsub.BrokerError{Op: "publish", Topic: topic, Err: err}
		b.logger.Error("publishing", slog.String("topic", topic), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	b.metrics.publishes.WithLabelValues("ok").Inc()

	w.Header().Set("Location", "/r/"+topic)
	w.WriteHeader(http.StatusNoContent)

	if b.onUpdated != nil {
		b.onUpdated(topic, payload)
	}
}
