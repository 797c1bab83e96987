package webhook

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	registrations prometheus.Gauge
	forwards      *prometheus.CounterVec
	fetches       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		registrations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "topicbridge",
			Subsystem: "webhook",
			Name:      "registrations",
			Help:      "Webhook registrations currently installed",
		}),
		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "topicbridge",
			Subsystem: "webhook",
			Name:      "forwards_total",
			Help:      "Messages forwarded to webhook targets by result",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "topicbridge",
			Subsystem: "webhook",
			Name:      "fetch_attempts_total",
			Help:      "Registry fetch attempts by result",
		}, []string{"result"}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	if m.registrations, err = register(reg, m.registrations); err != nil {
		return nil, err
	}
	if m.forwards, err = register(reg, m.forwards); err != nil {
		return nil, err
	}
	if m.fetches, err = register(reg, m.fetches); err != nil {
		return nil, err
	}
	return m, nil
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
