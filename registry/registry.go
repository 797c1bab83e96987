// Package registry is a client for the forms service that stores webhook
// registrations as form submissions.
//
// A session is opened with Authenticate; the returned token is sent as the
// x-jwt-token header on later calls.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/erlorenz/topicbridge/jsoncodec"
)

// TokenHeader carries the session token in both directions.
const TokenHeader = "x-jwt-token"

// ErrNoToken is returned when a login response carries no session token.
var ErrNoToken = errors.New("registry: login response has no token")

// Error describes a failed registry call.
type Error struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("registry: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("registry: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsConnectionRefused reports whether err was caused by the registry
// refusing the connection, typically because it is still starting.
func IsConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Submission is one stored form submission.
type Submission struct {
	ID         string         `json:"id,omitempty"`
	InternalID string         `json:"_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Client talks to one registry instance.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the registry API at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("registry: parsing base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("registry: base url %q must be absolute", baseURL)
	}

	c := &Client{
		baseURL: u,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Token returns the current session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.token
}

// Authenticate logs in as email and keeps the session token for later calls.
func (c *Client) Authenticate(ctx context.Context, email, password string) error {
	body, err := jsoncodec.Marshal(map[string]any{
		"data": map[string]string{
			"email":    email,
			"password": password,
		},
	})
	if err != nil {
		return &Error{Op: "authenticate", Err: err}
	}

	resp, err := c.do(ctx, http.MethodPost, "user/login", bytes.NewReader(body))
	if err != nil {
		return &Error{Op: "authenticate", Err: err}
	}
	defer drain(resp)

	if resp.StatusCode/100 != 2 {
		return &Error{Op: "authenticate", StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	token := resp.Header.Get(TokenHeader)
	if token == "" {
		return &Error{Op: "authenticate", StatusCode: resp.StatusCode, Err: ErrNoToken}
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	c.logger.Debug("registry session opened", slog.String("user", email))
	return nil
}

// LoadSubmissions returns every submission of the form at formPath,
// e.g. "webhook".
func (c *Client) LoadSubmissions(ctx context.Context, formPath string) ([]Submission, error) {
	op := "load submissions " + formPath

	resp, err := c.do(ctx, http.MethodGet, strings.Trim(formPath, "/")+"/submission", nil)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	defer drain(resp)

	if resp.StatusCode/100 != 2 {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	var subs []Submission
	if err := jsoncodec.Decode(resp.Body, &subs); err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return subs, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	u := c.baseURL.JoinPath(path)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set(TokenHeader, token)
	}

	return c.httpClient.Do(req)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
