package resource

import (
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
)

const (
	corsAllowMethods = "GET, PUT, POST, OPTIONS"
	corsAllowHeaders = "Accept, Authorization, Content-Type, X-Requested-With"
	corsMaxAge       = "86400"
)

// cors allows cross-origin access from any origin, without credentials, and
// answers preflight requests itself.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// accessLog logs each request on arrival and once it has been answered.
func accessLog(logger *slog.Logger, m *metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
		)

		snoop := httpsnoop.CaptureMetrics(next, w, r)

		m.observeRequest(r.Method, snoop.Code)
		logger.Info("response",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", snoop.Code),
			slog.Int64("bytes", snoop.Written),
			slog.Duration("duration", snoop.Duration),
		)
	})
}
