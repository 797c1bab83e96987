package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/erlorenz/topicbridge/jsoncodec"
	"github.com/erlorenz/topicbridge/subscription"
)

// ForwardError describes a failed outbound POST.
type ForwardError struct {
	URL        string
	Topic      string
	StatusCode int
	Err        error
}

func (e *ForwardError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook: forward %q to %s: %v", e.Topic, e.URL, e.Err)
	}
	return fmt.Sprintf("webhook: forward %q to %s: status %d", e.Topic, e.URL, e.StatusCode)
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

// forwarder returns the delivery callback of reg's subscription. Each
// message is posted on its own goroutine.
func (m *Manager) forwarder(reg Registration) func(subscription.Message) {
	return func(msg subscription.Message) {
		m.fwdMu.Lock()
		if m.fwdClosed {
			m.fwdMu.Unlock()
			return
		}
		m.forwards.Add(1)
		m.fwdMu.Unlock()

		go func() {
			defer m.forwards.Done()

			log := m.logger.With(slog.String("topic", msg.Topic), slog.String("callback", reg.URL))
			log.Debug("forward message")

			if err := m.forward(reg, msg); err != nil {
				m.metrics.forwards.WithLabelValues("failure").Inc()
				log.Error("forward message failure", slog.Any("error", err))
				return
			}
			m.metrics.forwards.WithLabelValues("success").Inc()
			log.Debug("forward message success")
		}()
	}
}

func (m *Manager) forward(reg Registration, msg subscription.Message) error {
	body, err := jsoncodec.Marshal(msg)
	if err != nil {
		return &ForwardError{URL: reg.URL, Topic: msg.Topic, Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.forwardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.URL, bytes.NewReader(body))
	if err != nil {
		return &ForwardError{URL: reg.URL, Topic: msg.Topic, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if reg.User != "" {
		req.SetBasicAuth(reg.User, reg.Secret)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return &ForwardError{URL: reg.URL, Topic: msg.Topic, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode/100 != 2 {
		return &ForwardError{URL: reg.URL, Topic: msg.Topic, StatusCode: resp.StatusCode}
	}
	return nil
}
