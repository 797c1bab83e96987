package webhook_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erlorenz/topicbridge/webhook"
)

func newAdmin(t *testing.T, opts ...webhook.Option) (*webhook.Manager, *httptest.Server) {
	t.Helper()

	m := newManager(t, newBroker(t), opts...)
	srv := httptest.NewServer(m.AdminHandler())
	t.Cleanup(srv.Close)
	return m, srv
}

func send(t *testing.T, method, target, contentType, body string, header http.Header) int {
	t.Helper()

	req, err := http.NewRequest(method, target, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestAdminRegisterJSON(t *testing.T) {
	m, srv := newAdmin(t)

	code := send(t, http.MethodPost, srv.URL+"/form/123/submission", "application/json",
		`{"request":{"data":{"topic":"hello","url":"http://cb/x","user":"u","secret":"s"},"owner":"o1"}}`, nil)
	assert.Equal(t, http.StatusOK, code)

	regs := m.Registrations()
	require.Len(t, regs, 1)
	assert.NotEmpty(t, regs[0].ID)
	assert.Equal(t, "hello", regs[0].Topic)
	assert.Equal(t, "u", regs[0].User)
	assert.Equal(t, "s", regs[0].Secret)
}

func TestAdminUpdateReplaces(t *testing.T) {
	m, srv := newAdmin(t)

	body := `{"request":{"data":{"topic":"%s","url":"http://cb/x"},"_id":"57e39566"}}`
	send(t, http.MethodPut, srv.URL+"/", "application/json", strings.Replace(body, "%s", "hello", 1), nil)
	send(t, http.MethodPut, srv.URL+"/", "application/json", strings.Replace(body, "%s", "hello1", 1), nil)

	regs := m.Registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, "57e39566", regs[0].ID)
	assert.Equal(t, "hello1", regs[0].Topic)
}

func TestAdminRegisterForm(t *testing.T) {
	m, srv := newAdmin(t)

	form := url.Values{
		"request[_id]":         {"f1"},
		"request[data][topic]": {"lamp"},
		"request[data][url]":   {"http://cb/lamp"},
		"request[owner]":       {"someone"},
		"params[submissionId]": {"f1"},
	}
	code := send(t, http.MethodPost, srv.URL+"/", "application/x-www-form-urlencoded", form.Encode(), nil)
	assert.Equal(t, http.StatusOK, code)

	regs := m.Registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, webhook.Registration{ID: "f1", Topic: "lamp", URL: "http://cb/lamp"}, regs[0])
}

func TestAdminMalformedIsAcknowledged(t *testing.T) {
	m, srv := newAdmin(t)

	tests := []struct {
		name string
		body string
	}{
		{"NotJSON", `{"request":`},
		{"NoData", `{"request":{}}`},
		{"NoURL", `{"request":{"data":{"topic":"t"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := send(t, http.MethodPost, srv.URL+"/", "application/json", tt.body, nil)
			assert.Equal(t, http.StatusOK, code)
		})
	}
	assert.Empty(t, m.Registrations())
}

func TestAdminDelete(t *testing.T) {
	m, srv := newAdmin(t)
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx,
		webhook.Registration{ID: "a", Topic: "t", URL: "http://cb/a"},
		webhook.Registration{ID: "b", Topic: "t", URL: "http://cb/b"},
	))

	assert.Equal(t, http.StatusOK, send(t, http.MethodDelete, srv.URL+"/form/1/submission/a?submissionId=a", "", "", nil))
	assert.Equal(t, http.StatusOK, send(t, http.MethodDelete, srv.URL+"/", "", "", nil))

	regs := m.Registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, "b", regs[0].ID)
}

func TestAdminMethodOverride(t *testing.T) {
	m, srv := newAdmin(t)
	require.NoError(t, m.Subscribe(context.Background(), webhook.Registration{ID: "a", Topic: "t", URL: "http://cb/a"}))

	header := http.Header{"X-Http-Method-Override": {"DELETE"}}
	assert.Equal(t, http.StatusOK, send(t, http.MethodPost, srv.URL+"/?submissionId=a", "", "", header))

	assert.Empty(t, m.Registrations())
}

func TestAdminBasicAuth(t *testing.T) {
	m, srv := newAdmin(t, webhook.WithAdminAuth("test", "password123"))
	body := `{"request":{"data":{"topic":"t","url":"http://cb/a"},"_id":"a"}}`

	code := send(t, http.MethodPost, srv.URL+"/", "application/json", body, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Empty(t, m.Registrations())

	u, _ := url.Parse(srv.URL)
	u.User = url.UserPassword("test", "password123")
	code = send(t, http.MethodPost, u.String()+"/", "application/json", body, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, m.Registrations(), 1)
}
