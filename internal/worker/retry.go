// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/exception-runtime/internal/broker"
	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/metrics"
	"github.com/adiadia/exception-runtime/internal/partition"
	"github.com/adiadia/exception-runtime/internal/repository"
)

type RetryConfig struct {
	Policy       BackoffPolicy
	MaxRetries   int
	PollInterval time.Duration
	BatchSize    int
}

// Failure describes one failed handler attempt.
type Failure struct {
	Event      domain.Event
	Topic      string
	WorkerType domain.WorkerType
	Record     domain.EventProcessingRecord
	Err        error
	// MaxRetries overrides the scheduler default when positive.
	MaxRetries int
}

// RetryScheduler turns handler failures into scheduled retries or dead
// letters, and re-publishes due retries.
type RetryScheduler struct {
	ledger      repository.ProcessingLedger
	events      repository.EventStore
	publisher   broker.Publisher
	deadLetters *DeadLetterHandler
	cfg         RetryConfig
	logger      *slog.Logger
	now         func() time.Time
}

func NewRetryScheduler(
	ledger repository.ProcessingLedger,
	events repository.EventStore,
	publisher broker.Publisher,
	deadLetters *DeadLetterHandler,
	cfg RetryConfig,
	logger *slog.Logger,
) *RetryScheduler {
	if cfg.Policy.Default == (Backoff{}) {
		cfg.Policy.Default = DefaultBackoff()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RetryScheduler{
		ledger:      ledger,
		events:      events,
		publisher:   publisher,
		deadLetters: deadLetters,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// HandleFailure schedules a retry or, once the attempts reach the limit,
// dead-letters the event. It reports whether the event was dead-lettered.
func (s *RetryScheduler) HandleFailure(ctx context.Context, f Failure) (bool, error) {
	maxRetries := f.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}

	reason := "unknown failure"
	if f.Err != nil {
		reason = f.Err.Error()
	}

	attempt := f.Record.AttemptCount
	if attempt >= maxRetries {
		_, err := s.deadLetters.DeadLetter(ctx, DeadLetterRequest{
			Event:      f.Event,
			Topic:      f.Topic,
			WorkerType: f.WorkerType,
			Reason:     reason,
			RetryCount: attempt,
		})
		return err == nil, err
	}

	delay := s.cfg.Policy.For(f.Event.EventType).Delay(attempt - 1)
	next := s.now().Add(delay)
	if err := s.ledger.ScheduleRetry(ctx, f.Event.EventID, f.WorkerType, next, reason); err != nil {
		return false, err
	}

	metrics.IncRetriesScheduled(f.WorkerType)
	s.logger.WarnContext(ctx, "retry scheduled",
		"event_id", f.Event.EventID,
		"worker_type", f.WorkerType,
		"attempt", attempt,
		"max_retries", maxRetries,
		"delay", delay,
		"error", reason,
	)
	return false, nil
}

// RunOnce re-publishes every due retry, unchanged, to its worker's topic.
func (s *RetryScheduler) RunOnce(ctx context.Context) (int, error) {
	due, err := s.ledger.DueRetries(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	republished := 0
	for _, rec := range due {
		topic := broker.TopicFor(rec.WorkerType)

		ev, err := s.events.GetEvent(ctx, rec.EventID)
		if errors.Is(err, domain.ErrEventNotFound) {
			s.logger.ErrorContext(ctx, "retry target missing from event log",
				"event_id", rec.EventID,
				"worker_type", rec.WorkerType,
			)
			if _, err := s.deadLetters.DeadLetter(ctx, DeadLetterRequest{
				Event:      domain.Event{EventID: rec.EventID},
				Topic:      topic,
				WorkerType: rec.WorkerType,
				Reason:     "event not found for retry: " + rec.LastError,
				RetryCount: rec.AttemptCount,
			}); err != nil {
				return republished, err
			}
			continue
		}
		if err != nil {
			return republished, err
		}

		if err := s.publisher.Publish(ctx, topic, partition.Key(ev.TenantID, ev.ExceptionID), ev); err != nil {
			return republished, err
		}
		if err := s.ledger.ClearRetry(ctx, rec.EventID, rec.WorkerType); err != nil {
			return republished, err
		}
		republished++
	}

	if republished > 0 {
		s.logger.InfoContext(ctx, "retries republished", "count", republished)
	}
	return republished, nil
}

// Run polls for due retries until ctx is done.
func (s *RetryScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.WarnContext(ctx, "retry sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
