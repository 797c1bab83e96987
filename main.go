// Command topicbridge serves broker topics over HTTP and forwards them to
// registered webhooks.
//
//	GET  /r/<topic>   waits for the next message on topic
//	PUT  /r/<topic>   stores and publishes the body
//	POST /r/<topic>   same as PUT
//
// Configuration is read from defaults, an optional YAML file (-config or
// TOPICBRIDGE_CONFIG), TOPICBRIDGE_* environment variables, docker secrets
// and flags, in increasing priority.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/erlorenz/topicbridge/cfgx"
	"github.com/erlorenz/topicbridge/pubsub"
	"github.com/erlorenz/topicbridge/registry"
	"github.com/erlorenz/topicbridge/resource"
	"github.com/erlorenz/topicbridge/retained"
	"github.com/erlorenz/topicbridge/static"
	"github.com/erlorenz/topicbridge/telemetry"
	"github.com/erlorenz/topicbridge/webhook"
)

const (
	envPrefix       = "TOPICBRIDGE"
	shutdownTimeout = 30 * time.Second
)

type config struct {
	Version string
	Config  string `short:"c" optional:"true" desc:"YAML config file"`

	Log struct {
		Level  string `default:"info" desc:"debug, info, warn or error"`
		Format string `default:"json" desc:"json or text"`
		Output string `default:"stderr" desc:"stderr, stdout or file"`
		Path   string `optional:"true" desc:"log file when output is file"`
	}

	HTTP struct {
		Host         string   `optional:"true"`
		Port         int      `default:"3000" short:"p"`
		MaxBodyBytes int64    `default:"1048576" desc:"largest accepted PUT/POST body"`
		PublicDirs   []string `optional:"true" desc:"static directories, earlier ones win"`
	}

	Broker struct {
		Kind string `default:"memory" desc:"memory, postgres or watermill"`
	}

	Store struct {
		Kind string `default:"memory" desc:"memory, postgres or sqlite"`
		Path string `default:"topicbridge.db" desc:"sqlite database file"`
	}

	Postgres struct {
		URL string `dsec:"postgres_url" optional:"true" desc:"connection string for the postgres broker or store"`
	}

	Webhook struct {
		Enabled        bool          `optional:"true"`
		Port           int           `default:"3003" desc:"admin callback port"`
		User           string        `optional:"true" desc:"admin basic auth user"`
		Password       string        `dsec:"webhook_password" optional:"true"`
		ForwardTimeout time.Duration `default:"30s"`
	}

	Registry struct {
		API           string        `optional:"true" desc:"forms registry base URL"`
		User          string        `optional:"true"`
		Password      string        `dsec:"registry_password" optional:"true"`
		Form          string        `default:"webhook"`
		RetryTimeout  time.Duration `default:"30m"`
		RetryInterval time.Duration `default:"1s"`
	}

	Metrics struct {
		Port int `optional:"true" desc:"serve /metrics and /healthz on this port"`
	}

	Tracing struct {
		Endpoint string `optional:"true" desc:"OTLP/HTTP collector URL"`
		Insecure bool   `optional:"true"`
	}
}

func main() {
	if err := run(); err != nil {
		slog.Error("topicbridge stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	err := cfgx.Parse(&cfg, cfgx.Options{
		EnvPrefix: envPrefix,
		Sources: []cfgx.Source{
			cfgx.NewYAMLSource(configPath(os.Args[1:])),
			cfgx.NewDockerSecretsSource(),
		},
	})
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, logCloser, err := telemetry.NewLogger(telemetry.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Path:   cfg.Log.Path,
	})
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		ServiceName:    "topicbridge",
		ServiceVersion: cfg.Version,
	}, func(err error) {
		logger.Warn("tracing", slog.Any("error", err))
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(sctx)
	}()

	var pool *pgxpool.Pool
	if cfg.Broker.Kind == "postgres" || cfg.Store.Kind == "postgres" {
		if cfg.Postgres.URL == "" {
			return errors.New("postgres url is required for the postgres broker or store")
		}
		pool, err = pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
	}

	broker, err := openBroker(cfg.Broker.Kind, pool, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	store, err := openStore(ctx, cfg.Store.Kind, cfg.Store.Path, pool)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bridgeOpts := []resource.Option{
		resource.WithLogger(logger),
		resource.WithRegisterer(reg),
		resource.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		resource.WithOnUpdated(func(topic string, payload []byte) {
			logger.Debug("resource updated", slog.String("topic", topic), slog.Int("bytes", len(payload)))
		}),
	}
	if len(cfg.HTTP.PublicDirs) > 0 {
		var opts []static.Option
		for _, dir := range cfg.HTTP.PublicDirs {
			opts = append(opts, static.WithDir("/", dir))
		}
		assets, err := static.New(opts...)
		if err != nil {
			return err
		}
		bridgeOpts = append(bridgeOpts, resource.WithStatic(assets))
	}

	bridge, err := resource.New(broker, store, bridgeOpts...)
	if err != nil {
		return err
	}

	var hooks *webhook.Manager
	if cfg.Webhook.Enabled {
		hooks, err = newWebhookManager(cfg, broker, reg, logger)
		if err != nil {
			return err
		}
	}

	errCh := make(chan error, 3)
	httpAddr := net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port))
	go func() {
		if err := bridge.ListenAndServe(httpAddr); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if hooks != nil {
		go func() {
			if err := hooks.Start(ctx); err != nil {
				errCh <- fmt.Errorf("webhooks: %w", err)
			}
		}()
	}

	var metricsServer *http.Server
	if cfg.Metrics.Port != 0 {
		metricsServer = &http.Server{
			Addr:              net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.Metrics.Port)),
			Handler:           metricsHandler(reg, hooks),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	errs = append(errs, runErr)
	if err := bridge.Close(sctx); err != nil {
		errs = append(errs, fmt.Errorf("close http: %w", err))
	}
	if hooks != nil {
		if err := hooks.Close(sctx); err != nil {
			errs = append(errs, fmt.Errorf("close webhooks: %w", err))
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("close metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

func openBroker(kind string, pool *pgxpool.Pool, logger *slog.Logger) (pubsub.Broker, error) {
	switch kind {
	case "memory":
		return pubsub.NewInMemory(), nil
	case "postgres":
		return pubsub.NewPostgres(pool), nil
	case "watermill":
		return pubsub.NewGoChannel(watermill.NewSlogLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", kind)
	}
}

func openStore(ctx context.Context, kind, path string, pool *pgxpool.Pool) (retained.Store, error) {
	switch kind {
	case "memory":
		return retained.NewMemoryStore(), nil
	case "postgres":
		s := retained.NewPostgresStore(pool)
		if err := s.CreateTable(ctx); err != nil {
			return nil, fmt.Errorf("create retained table: %w", err)
		}
		return s, nil
	case "sqlite":
		return retained.OpenSQLite(ctx, path)
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}

func newWebhookManager(cfg config, broker pubsub.Broker, reg prometheus.Registerer, logger *slog.Logger) (*webhook.Manager, error) {
	opts := []webhook.Option{
		webhook.WithLogger(logger),
		webhook.WithRegisterer(reg),
		webhook.WithAdminAddr(net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.Webhook.Port))),
		webhook.WithForwardTimeout(cfg.Webhook.ForwardTimeout),
		webhook.WithRetryPolicy(webhook.RetryPolicy{
			Timeout:  cfg.Registry.RetryTimeout,
			Interval: cfg.Registry.RetryInterval,
		}),
	}
	if cfg.Webhook.User != "" {
		opts = append(opts, webhook.WithAdminAuth(cfg.Webhook.User, cfg.Webhook.Password))
	}
	if cfg.Registry.API != "" {
		client, err := registry.New(cfg.Registry.API, registry.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		opts = append(opts, webhook.WithRegistry(client, cfg.Registry.User, cfg.Registry.Password, cfg.Registry.Form))
	}
	return webhook.New(broker, opts...)
}

func metricsHandler(reg *prometheus.Registry, hooks *webhook.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if hooks != nil {
			select {
			case <-hooks.Ready():
			default:
				http.Error(w, "starting", http.StatusServiceUnavailable)
				return
			}
		}
		io.WriteString(w, "ok")
	})
	return mux
}

// configPath finds the YAML file before the full parse so it can be
// layered under env and flags.
func configPath(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || (name != "config" && name != "c") {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv(envPrefix + "_CONFIG")
}
