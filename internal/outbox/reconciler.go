// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/adiadia/exception-runtime/internal/repository"
)

type ReconcilerConfig struct {
	Interval time.Duration
	// Grace keeps the sweep away from events whose first publish may
	// still be in flight.
	Grace     time.Duration
	BatchSize int
}

// Reconciler re-publishes events that were appended but never marked
// published, e.g. after a crash between append and publish.
type Reconciler struct {
	store   repository.EventStore
	emitter *Emitter
	cfg     ReconcilerConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewReconciler(store repository.EventStore, emitter *Emitter, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   store,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// RunOnce publishes one batch and returns how many events it covered.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.store.ListUnpublished(ctx, r.now().Add(-r.cfg.Grace), r.cfg.BatchSize)
	if err != nil {
		r.logger.ErrorContext(ctx, "list unpublished events failed", "error", err)
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if err := r.emitter.Publish(ctx, pending); err != nil {
		return 0, err
	}

	r.logger.InfoContext(ctx, "reconciled unpublished events", "count", len(pending))
	return len(pending), nil
}

// Run sweeps every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.WarnContext(ctx, "reconcile sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
