package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/erlorenz/topicbridge/registry"
)

// FetchRegistrations logs in to the registry and loads every registration.
// While the registry refuses connections it is retried according to the
// retry policy; any other error is returned at once.
func (m *Manager) FetchRegistrations(ctx context.Context) ([]Registration, error) {
	if m.registry == nil {
		return nil, fmt.Errorf("webhook: no registry configured")
	}

	attempts := 0
	op := func() ([]registry.Submission, error) {
		attempts++
		subs, err := m.fetchOnce(ctx)
		if err == nil {
			m.metrics.fetches.WithLabelValues("success").Inc()
			return subs, nil
		}
		if !registry.IsConnectionRefused(err) {
			m.metrics.fetches.WithLabelValues("fatal").Inc()
			return nil, backoff.Permanent(err)
		}
		m.metrics.fetches.WithLabelValues("refused").Inc()
		return nil, err
	}

	subs, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(m.retry.Interval)),
		backoff.WithMaxElapsedTime(m.retry.Timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Info("registry not reachable, retrying",
				slog.Int("attempt", attempts),
				slog.Duration("next", next),
				slog.Any("error", err),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("webhook: fetching registrations after %d attempts: %w", attempts, err)
	}

	regs := make([]Registration, 0, len(subs))
	for _, s := range subs {
		reg := FromSubmission(s)
		if err := reg.validate(); err != nil {
			m.logger.Warn("skipping registration", slog.Any("error", err))
			continue
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

func (m *Manager) fetchOnce(ctx context.Context) ([]registry.Submission, error) {
	if err := m.registry.Authenticate(ctx, m.registryUser, m.registryPassword); err != nil {
		return nil, err
	}
	return m.registry.LoadSubmissions(ctx, m.formPath)
}
