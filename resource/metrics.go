package resource

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	pending   prometheus.Gauge
	requests  *prometheus.CounterVec
	publishes *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "topicbridge",
			Subsystem: "http",
			Name:      "pending_requests",
			Help:      "Long-poll GET requests currently waiting for a message",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "topicbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled by the resource bridge",
		}, []string{"method", "code"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "topicbridge",
			Subsystem: "http",
			Name:      "publishes_total",
			Help:      "PUT/POST publishes by result",
		}, []string{"result"}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	if m.pending, err = register(reg, m.pending); err != nil {
		return nil, err
	}
	if m.requests, err = register(reg, m.requests); err != nil {
		return nil, err
	}
	if m.publishes, err = register(reg, m.publishes); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) observeRequest(method string, code int) {
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// register registers c with reg. If an equal collector is already
// registered, that one is returned so every instance reports into it.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, err
}
