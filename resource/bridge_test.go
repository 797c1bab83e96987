package resource_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erlorenz/topicbridge/pubsub"
	"github.com/erlorenz/topicbridge/resource"
	"github.com/erlorenz/topicbridge/retained"
)

type fixture struct {
	broker *pubsub.InMemory
	store  *retained.MemoryStore
	bridge *resource.Bridge
	server *httptest.Server
}

func newFixture(t *testing.T, opts ...resource.Option) *fixture {
	t.Helper()

	f := &fixture{
		broker: pubsub.NewInMemory(),
		store:  retained.NewMemoryStore(),
	}
	bridge, err := resource.New(f.broker, f.store, opts...)
	require.NoError(t, err)
	f.bridge = bridge
	f.server = httptest.NewServer(bridge.Handler())

	t.Cleanup(func() {
		f.server.Close()
		f.broker.Close()
		f.store.Close()
	})
	return f
}

// get issues a long-poll GET in the background and returns its result channel.
func (f *fixture) get(ctx context.Context, t *testing.T, topic string) <-chan *http.Response {
	t.Helper()

	out := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/r/"+topic, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			out <- nil
			return
		}
		out <- resp
	}()
	return out
}

func (f *fixture) waitPending(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.bridge.Pending() == n }, 2*time.Second, 5*time.Millisecond)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestGetResolvesWithFirstMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result := f.get(ctx, t, "hello/world")
	f.waitPending(t, 1)

	require.NoError(t, f.broker.Publish(ctx, "hello/world", []byte(`{"n":1}`)))
	require.NoError(t, f.broker.Publish(ctx, "hello/world", []byte(`{"n":2}`)))

	resp := <-result
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"topic":"hello/world","payload":{"n":1}}`, readBody(t, resp))

	f.waitPending(t, 0)
	assert.Equal(t, 0, f.broker.Subscribers("hello/world"))
}

func TestGetTextPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result := f.get(ctx, t, "text")
	f.waitPending(t, 1)
	require.NoError(t, f.broker.Publish(ctx, "text", []byte("not json")))

	resp := <-result
	require.NotNil(t, resp)
	assert.JSONEq(t, `{"topic":"text","payload":"not json"}`, readBody(t, resp))
}

func TestGetClientDisconnect(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	result := f.get(ctx, t, "idle")
	f.waitPending(t, 1)
	assert.Equal(t, 1, f.broker.Subscribers("idle"))

	cancel()
	<-result

	f.waitPending(t, 0)
	require.Eventually(t, func() bool {
		return f.broker.Subscribers("idle") == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPutStoresAndPublishes(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var updates []string
	f := newFixture(t, resource.WithOnUpdated(func(topic string, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, topic+"="+string(payload))
	}))

	received := make(chan string, 1)
	_, err := f.broker.Subscribe(ctx, "lamp", func(_ string, payload []byte) {
		received <- string(payload)
	})
	require.NoError(t, err)

	for _, method := range []string{http.MethodPut, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			req, _ := http.NewRequest(method, f.server.URL+"/r/lamp", strings.NewReader("on"))
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, http.StatusNoContent, resp.StatusCode)
			assert.Equal(t, "/r/lamp", resp.Header.Get("Location"))
			assert.Equal(t, "on", <-received)

			packet, err := f.store.LookupRetained(ctx, "lamp")
			require.NoError(t, err)
			assert.Equal(t, []byte("on"), packet.Payload)
		})
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"lamp=on", "lamp=on"}, updates)
}

type failingStore struct {
	*retained.MemoryStore
}

func (failingStore) StoreRetained(context.Context, retained.Packet) error {
	return errors.New("disk full")
}

type failingBroker struct {
	*pubsub.InMemory
}

func (failingBroker) Publish(context.Context, string, []byte) error {
	return errors.New("broker down")
}

func TestPutFailures(t *testing.T) {
	tests := []struct {
		name   string
		broker pubsub.Broker
		store  retained.Store
	}{
		{"Store", pubsub.NewInMemory(), failingStore{retained.NewMemoryStore()}},
		{"Publish", failingBroker{pubsub.NewInMemory()}, retained.NewMemoryStore()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updated := false
			bridge, err := resource.New(tt.broker, tt.store, resource.WithOnUpdated(func(string, []byte) {
				updated = true
			}))
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			bridge.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/r/x", strings.NewReader("1")))

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Empty(t, rec.Header().Get("Location"))
			assert.False(t, updated)
		})
	}
}

func TestPutBodyTooLarge(t *testing.T) {
	f := newFixture(t, resource.WithMaxBodyBytes(4))

	resp, err := http.Post(f.server.URL+"/r/big", "text/plain", strings.NewReader("0123456789"))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	_, err = f.store.LookupRetained(context.Background(), "big")
	assert.ErrorIs(t, err, retained.ErrNotFound)
}

func TestAuthHooks(t *testing.T) {
	deny := func(*http.Request) (bool, any, error) { return false, nil, nil }
	broken := func(*http.Request) (bool, any, error) { return false, nil, errors.New("ldap down") }
	getDenied := func(any, string) (bool, error) { return false, nil }
	putDenied := func(any, string, []byte) (bool, error) { return false, nil }
	putBroken := func(any, string, []byte) (bool, error) { return false, errors.New("boom") }

	tests := []struct {
		name   string
		opts   []resource.Option
		method string
		want   int
	}{
		{"NotAuthenticated", []resource.Option{resource.WithAuthenticate(deny)}, http.MethodGet, http.StatusUnauthorized},
		{"AuthenticateError", []resource.Option{resource.WithAuthenticate(broken)}, http.MethodPut, http.StatusInternalServerError},
		{"GetDenied", []resource.Option{resource.WithAuthorizeGet(getDenied)}, http.MethodGet, http.StatusForbidden},
		{"PutDenied", []resource.Option{resource.WithAuthorizePut(putDenied)}, http.MethodPut, http.StatusForbidden},
		{"PutError", []resource.Option{resource.WithAuthorizePut(putBroken)}, http.MethodPost, http.StatusInternalServerError},
		{"UnknownMethod", nil, http.MethodDelete, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := pubsub.NewInMemory()
			defer broker.Close()

			bridge, err := resource.New(broker, retained.NewMemoryStore(), tt.opts...)
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			bridge.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, "/r/secret", strings.NewReader("x")))

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, 0, broker.Subscribers("secret"))
		})
	}
}

func TestAuthenticateSubjectReachesAuthorize(t *testing.T) {
	var got any
	f := newFixture(t,
		resource.WithAuthenticate(func(r *http.Request) (bool, any, error) {
			return true, r.Header.Get("X-User"), nil
		}),
		resource.WithAuthorizePut(func(subject any, topic string, payload []byte) (bool, error) {
			got = subject
			return true, nil
		}),
	)

	req, _ := http.NewRequest(http.MethodPut, f.server.URL+"/r/t", strings.NewReader("1"))
	req.Header.Set("X-User", "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "alice", got)
}

func TestFallthrough(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		f := newFixture(t)

		resp, err := http.Get(f.server.URL + "/index.html")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "Not Found\n", readBody(t, resp))
	})

	t.Run("Static", func(t *testing.T) {
		static := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "static "+r.URL.Path)
		})
		f := newFixture(t, resource.WithStatic(static))

		resp, err := http.Get(f.server.URL + "/app.js")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "static /app.js", readBody(t, resp))
	})
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodOptions, f.server.URL+"/r/x", nil)
	req.Header.Set("Origin", "http://example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PUT")
	assert.Equal(t, 0, f.bridge.Pending())

	req, _ = http.NewRequest(http.MethodGet, f.server.URL+"/nope", nil)
	req.Header.Set("Origin", "https://other.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Credentials"))
}

func TestCloseReleasesPendingRequests(t *testing.T) {
	broker := pubsub.NewInMemory()
	defer broker.Close()

	bridge, err := resource.New(broker, retained.NewMemoryStore())
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- bridge.Serve(l) }()

	results := make(chan int, 3)
	for range 3 {
		go func() {
			resp, err := http.Get("http://" + l.Addr().String() + "/r/waiting")
			if err != nil {
				results <- 0
				return
			}
			resp.Body.Close()
			results <- resp.StatusCode
		}()
	}
	require.Eventually(t, func() bool { return bridge.Pending() == 3 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bridge.Close(ctx))

	for range 3 {
		assert.Equal(t, http.StatusServiceUnavailable, <-results)
	}
	assert.Equal(t, 0, bridge.Pending())
	assert.Equal(t, 0, broker.Subscribers("waiting"))
	assert.NoError(t, <-served)

	// Closing twice is a no-op.
	assert.NoError(t, bridge.Close(ctx))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, resource.WithRegisterer(reg))

	resp, err := http.Post(f.server.URL+"/r/m", "text/plain", strings.NewReader("1"))
	require.NoError(t, err)
	resp.Body.Close()

	values := counterValues(t, reg)
	assert.Equal(t, 1.0, values["topicbridge_http_requests_total"])
	assert.Equal(t, 1.0, values["topicbridge_http_publishes_total"])
}

func TestMetricsSharedRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := newFixture(t, resource.WithRegisterer(reg))
	second := newFixture(t, resource.WithRegisterer(reg))

	for _, f := range []*fixture{first, second} {
		resp, err := http.Post(f.server.URL+"/r/m", "text/plain", strings.NewReader("1"))
		require.NoError(t, err)
		resp.Body.Close()
	}

	values := counterValues(t, reg)
	assert.Equal(t, 2.0, values["topicbridge_http_requests_total"])
	assert.Equal(t, 2.0, values["topicbridge_http_publishes_total"])
}

// counterValues sums every counter in reg by metric name.
func counterValues(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				values[mf.GetName()] += c.GetValue()
			}
		}
	}
	return values
}

func TestNewValidation(t *testing.T) {
	_, err := resource.New(nil, retained.NewMemoryStore())
	assert.Error(t, err)

	_, err = resource.New(pubsub.NewInMemory(), retained.NewMemoryStore(), resource.WithMaxBodyBytes(0))
	assert.Error(t, err)
}
