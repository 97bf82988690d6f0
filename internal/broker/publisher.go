// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/metrics"
)

const (
	defaultPublishAttempts = 3
	defaultPublishBase     = 200 * time.Millisecond
)

// RetryingPublisher retries transient publish failures with exponential
// backoff. Events are durable before they are published, so an exhausted
// retry only delays delivery until the reconciler picks the event up.
type RetryingPublisher struct {
	next     Publisher
	attempts int
	base     time.Duration
	logger   *slog.Logger
}

func NewRetryingPublisher(next Publisher, attempts int, base time.Duration, logger *slog.Logger) *RetryingPublisher {
	if attempts <= 0 {
		attempts = defaultPublishAttempts
	}
	if base <= 0 {
		base = defaultPublishBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingPublisher{next: next, attempts: attempts, base: base, logger: logger}
}

func (p *RetryingPublisher) Publish(ctx context.Context, topic, partitionKey string, ev domain.Event) error {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		lastErr = p.next.Publish(ctx, topic, partitionKey, ev)
		if lastErr == nil {
			return nil
		}

		p.logger.WarnContext(ctx, "publish failure",
			"topic", topic,
			"event_id", ev.EventID,
			"attempt", attempt,
			"error", lastErr,
		)
		if domain.Classify(lastErr) != domain.FailureTransient {
			break
		}

		if attempt < p.attempts {
			wait := p.base * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				metrics.IncPublishFailures(topic)
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	metrics.IncPublishFailures(topic)
	p.logger.ErrorContext(ctx, "publish retries exhausted",
		"topic", topic,
		"event_id", ev.EventID,
		"error", lastErr,
	)
	return lastErr
}
