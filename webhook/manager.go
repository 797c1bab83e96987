// Package webhook forwards broker messages to external HTTP endpoints.
//
// Registrations come from a forms registry at startup and can be added or
// removed at runtime through a small admin endpoint. Each registration owns
// one long-lived subscription; every delivered message is POSTed to the
// registration's URL as {"topic": ..., "payload": ...}. Forwarding is best
// effort: failures are logged and counted but never retried.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/erlorenz/topicbridge/ids"
	"github.com/erlorenz/topicbridge/pubsub"
	"github.com/erlorenz/topicbridge/registry"
	"github.com/erlorenz/topicbridge/subscription"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("webhook: manager is closed")

// Registry is the part of the registry client the manager needs.
type Registry interface {
	Authenticate(ctx context.Context, email, password string) error
	LoadSubmissions(ctx context.Context, formPath string) ([]registry.Submission, error)
}

// RetryPolicy bounds how long Start keeps retrying an unreachable registry.
type RetryPolicy struct {
	// Timeout is the total time spent retrying. Default: 30m
	Timeout time.Duration
	// Interval is the pause between attempts. Default: 1s
	Interval time.Duration
}

// DefaultRetryPolicy is used unless WithRetryPolicy is given.
var DefaultRetryPolicy = RetryPolicy{
	Timeout:  30 * time.Minute,
	Interval: time.Second,
}

// DefaultForwardTimeout bounds a single outbound POST.
const DefaultForwardTimeout = 30 * time.Second

type entry struct {
	reg Registration
	sub *subscription.Subscription
}

// Manager owns the webhook registrations.
type Manager struct {
	broker pubsub.Subscriber

	registry         Registry
	registryUser     string
	registryPassword string
	formPath         string
	retry            RetryPolicy

	adminAddr     string
	adminUser     string
	adminPassword string

	httpClient     *http.Client
	forwardTimeout time.Duration
	logger         *slog.Logger
	registerer     prometheus.Registerer
	metrics        *metrics

	// mu guards subs, closed, reported and the admin server.
	mu       sync.Mutex
	subs     map[string]*entry
	closed   bool
	reported int
	server   *http.Server
	listener net.Listener

	// fwdMu guards adding to forwards once Close has started waiting.
	fwdMu     sync.Mutex
	fwdClosed bool
	forwards  sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager) error

// WithRegistry fetches registrations from r at Start, logging in as user.
// formPath is the registry form holding them. Default form: "webhook".
func WithRegistry(r Registry, user, password, formPath string) Option {
	return func(m *Manager) error {
		m.registry = r
		m.registryUser = user
		m.registryPassword = password
		if formPath != "" {
			m.formPath = formPath
		}
		return nil
	}
}

// WithRetryPolicy sets how long Start retries an unreachable registry.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) error {
		if p.Timeout <= 0 || p.Interval <= 0 {
			return fmt.Errorf("webhook: invalid retry policy %+v", p)
		}
		m.retry = p
		return nil
	}
}

// WithAdminAddr serves the admin endpoint on addr during Start.
func WithAdminAddr(addr string) Option {
	return func(m *Manager) error {
		m.adminAddr = addr
		return nil
	}
}

// WithAdminAuth protects the admin endpoint with HTTP basic auth.
func WithAdminAuth(user, password string) Option {
	return func(m *Manager) error {
		m.adminUser = user
		m.adminPassword = password
		return nil
	}
}

// WithHTTPClient sets the client used for forwarding.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *Manager) error {
		m.httpClient = hc
		return nil
	}
}

// WithForwardTimeout bounds each forwarded POST. Default: DefaultForwardTimeout
func WithForwardTimeout(d time.Duration) Option {
	return func(m *Manager) error {
		if d <= 0 {
			return fmt.Errorf("webhook: forward timeout must be positive, got %s", d)
		}
		m.forwardTimeout = d
		return nil
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) error {
		m.logger = logger
		return nil
	}
}

// WithRegisterer registers the manager metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) error {
		m.registerer = reg
		return nil
	}
}

// New creates a Manager subscribing through broker. Call Start to load
// registrations and open the admin endpoint.
func New(broker pubsub.Subscriber, opts ...Option) (*Manager, error) {
	if broker == nil {
		return nil, errors.New("webhook: broker is required")
	}

	m := &Manager{
		broker:         broker,
		formPath:       "webhook",
		retry:          DefaultRetryPolicy,
		forwardTimeout: DefaultForwardTimeout,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
		subs:   make(map[string]*entry),
		ready:  make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}

	m.logger = m.logger.With(slog.String("service", "Webhooker"))

	met, err := newMetrics(m.registerer)
	if err != nil {
		return nil, fmt.Errorf("webhook: registering metrics: %w", err)
	}
	m.metrics = met

	return m, nil
}

// Start opens the admin endpoint, loads the registry's registrations,
// installs them and then marks the manager ready. The steps run in order
// and Start returns the first error.
func (m *Manager) Start(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	if m.adminAddr != "" {
		if err := m.serveAdmin(); err != nil {
			return err
		}
	}

	if m.registry != nil {
		regs, err := m.FetchRegistrations(ctx)
		if err != nil {
			return err
		}
		if err := m.Subscribe(ctx, regs...); err != nil {
			return err
		}
	}

	m.readyOnce.Do(func() { close(m.ready) })
	m.logger.Info("Webhooker started", slog.Int("registrations", len(m.Registrations())))
	return nil
}

// Ready is closed once Start has installed the initial registrations.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// AdminAddr returns the admin endpoint's listen address, or "" if it is
// not running.
func (m *Manager) AdminAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

func (m *Manager) serveAdmin() error {
	l, err := net.Listen("tcp", m.adminAddr)
	if err != nil {
		return fmt.Errorf("webhook: admin listen: %w", err)
	}

	srv := &http.Server{
		Handler:           m.AdminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		l.Close()
		return ErrClosed
	}
	m.listener = l
	m.server = srv
	m.mu.Unlock()

	go func() {
		// Serve returns at once if Close has already shut srv down.
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("callback server stopped", slog.Any("error", err))
		}
	}()

	m.logger.Info("callback server started", slog.String("addr", l.Addr().String()))
	return nil
}

// Subscribe installs regs concurrently. A registration whose ID is already
// installed replaces the old one. Installs are independent: Subscribe
// returns the first error, but registrations that succeeded stay installed.
func (m *Manager) Subscribe(ctx context.Context, regs ...Registration) error {
	var g errgroup.Group
	for _, reg := range regs {
		g.Go(func() error {
			return m.install(ctx, reg)
		})
	}
	return g.Wait()
}

func (m *Manager) install(ctx context.Context, reg Registration) error {
	if err := reg.validate(); err != nil {
		return err
	}
	if reg.ID == "" {
		reg.ID = ids.New()
		m.logger.Warn("registration without id", slog.String("topic", reg.Topic), slog.String("id", reg.ID))
	}

	// Tear down the previous subscription before the new one exists.
	if err := m.Unsubscribe(ctx, reg.ID); err != nil {
		return err
	}

	sub, err := subscription.New(ctx, m.broker, reg.Topic, m.forwarder(reg))
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.Unsubscribe(ctx)
		return ErrClosed
	}
	// A concurrent install of the same id may have landed meanwhile.
	prev := m.subs[reg.ID]
	m.subs[reg.ID] = &entry{reg: reg, sub: sub}
	m.reportRegistrations()
	m.mu.Unlock()

	if prev != nil {
		if err := prev.sub.Unsubscribe(ctx); err != nil {
			m.logger.Warn("replaced subscription did not unsubscribe", slog.String("id", reg.ID), slog.Any("error", err))
		}
	}

	m.logger.Debug("subscribed", slog.String("id", reg.ID), slog.String("topic", reg.Topic))
	return nil
}

// Unsubscribe removes the registration with id. Unknown ids are ignored.
func (m *Manager) Unsubscribe(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.subs[id]
	delete(m.subs, id)
	m.reportRegistrations()
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := e.sub.Unsubscribe(ctx); err != nil {
		// Keep the record so the removal can be retried.
		m.mu.Lock()
		if _, taken := m.subs[id]; !taken && !m.closed {
			m.subs[id] = e
			m.reportRegistrations()
		}
		m.mu.Unlock()
		return err
	}

	m.logger.Debug("un-subscribed", slog.String("id", id), slog.String("topic", e.reg.Topic))
	return nil
}

// reportRegistrations moves the registrations gauge by this manager's
// change since the last report, so managers sharing a registerer add up.
// Callers hold m.mu.
func (m *Manager) reportRegistrations() {
	m.metrics.registrations.Add(float64(len(m.subs) - m.reported))
	m.reported = len(m.subs)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

// Registrations returns the installed registrations ordered by ID.
func (m *Manager) Registrations() []Registration {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Registration, 0, len(m.subs))
	for _, e := range m.subs {
		out = append(out, e.reg)
	}
	slices.SortFunc(out, func(a, b Registration) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Close stops the admin endpoint, unsubscribes every registration and waits
// for in-flight forwards until ctx is done.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	srv, l := m.server, m.listener
	subs := m.subs
	m.subs = make(map[string]*entry)
	m.reportRegistrations()
	m.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		// Shutdown only closes listeners Serve has picked up.
		l.Close()
	}

	for _, e := range subs {
		if err := e.sub.Unsubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	m.fwdMu.Lock()
	m.fwdClosed = true
	m.fwdMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.forwards.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("webhook: waiting for forwards: %w", ctx.Err()))
	}

	return errors.Join(errs...)
}
