package webhook

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ajg/form"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/erlorenz/topicbridge/jsoncodec"
)

const (
	adminRealm        = "webhooks"
	adminMaxBodyBytes = 1 << 20
	methodOverride    = "X-HTTP-Method-Override"
)

// adminRequest is the body the registry posts when a registration is
// created or updated.
type adminRequest struct {
	Request struct {
		ID   string `json:"_id" form:"_id"`
		Data struct {
			ID         string `json:"id" form:"id"`
			InternalID string `json:"_id" form:"_id"`
			Topic      string `json:"topic" form:"topic"`
			URL        string `json:"url" form:"url"`
			User       string `json:"user" form:"user"`
			Secret     string `json:"secret" form:"secret"`
		} `json:"data" form:"data"`
	} `json:"request" form:"request"`
}

func (a adminRequest) registration() Registration {
	d := a.Request.Data
	id := d.ID
	if id == "" {
		id = d.InternalID
	}
	if id == "" {
		id = a.Request.ID
	}
	return Registration{
		ID:     id,
		Topic:  d.Topic,
		URL:    d.URL,
		User:   d.User,
		Secret: d.Secret,
	}
}

// AdminHandler returns the admin endpoint. POST or PUT on any path installs
// the registration in the body; DELETE removes the one named by the
// submissionId query parameter. Every request is acknowledged with an empty
// 200, including malformed ones, which are only logged.
func (m *Manager) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(overrideMethod)
	if m.adminUser != "" {
		r.Use(middleware.BasicAuth(adminRealm, map[string]string{m.adminUser: m.adminPassword}))
	}

	r.Post("/*", m.handleUpdate)
	r.Put("/*", m.handleUpdate)
	r.Delete("/*", m.handleRemove)

	return r
}

// overrideMethod lets a POST stand in for another method through the
// X-HTTP-Method-Override header.
func overrideMethod(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if override := strings.ToUpper(r.Header.Get(methodOverride)); override != "" {
				r.Method = override
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					rctx.RouteMethod = override
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Manager) handleUpdate(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusOK)

	var body adminRequest
	if err := decodeAdminBody(w, r, &body); err != nil {
		m.logger.Error("Unknown request for callback server", slog.Any("error", err))
		return
	}

	reg := body.registration()
	if err := reg.validate(); err != nil {
		m.logger.Error("Unknown request for callback server", slog.Any("error", err))
		return
	}

	if err := m.Subscribe(r.Context(), reg); err != nil {
		m.logger.Error("installing registration", slog.String("id", reg.ID), slog.Any("error", err))
	}
}

func (m *Manager) handleRemove(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusOK)

	id := r.URL.Query().Get("submissionId")
	if id == "" {
		m.logger.Warn("delete without submissionId", slog.String("path", r.URL.Path))
		return
	}

	if err := m.Unsubscribe(r.Context(), id); err != nil {
		m.logger.Error("removing registration", slog.String("id", id), slog.Any("error", err))
	}
}

// decodeAdminBody accepts JSON and urlencoded bodies. Urlencoded keys may
// use brackets for nesting (request[data][topic]).
func decodeAdminBody(w http.ResponseWriter, r *http.Request, dst *adminRequest) error {
	r.Body = http.MaxBytesReader(w, r.Body, adminMaxBodyBytes)

	switch render.GetRequestContentType(r) {
	case render.ContentTypeForm:
		if err := r.ParseForm(); err != nil {
			return err
		}
		dec := form.NewDecoder(nil)
		dec.IgnoreUnknownKeys(true)
		return dec.DecodeValues(dst, dottedKeys(r.PostForm))
	case render.ContentTypeJSON, render.ContentTypeUnknown:
		return jsoncodec.Decode(r.Body, dst)
	default:
		return errors.New("webhook: unsupported content type " + r.Header.Get("Content-Type"))
	}
}

var bracketKeys = strings.NewReplacer("][", ".", "[", ".", "]", "")

func dottedKeys(values url.Values) url.Values {
	out := make(url.Values, len(values))
	for k, v := range values {
		nk := bracketKeys.Replace(k)
		out[nk] = append(out[nk], v...)
	}
	return out
}
