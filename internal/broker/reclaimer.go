// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

type ReclaimerConfig struct {
	Topic    string
	Group    string
	Consumer string
	MinIdle  time.Duration
	Interval time.Duration
	Batch    int64
}

// Reclaimer recovers messages read by a consumer that died before acking.
// Stale pending entries are claimed and re-added to their stream so that
// live consumers pick them up again.
type Reclaimer struct {
	broker *Redis
	cfg    ReclaimerConfig
	logger *slog.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewReclaimer(b *Redis, cfg ReclaimerConfig, logger *slog.Logger) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	return &Reclaimer{
		broker:    b,
		cfg:       cfg,
		logger:    logger.With("component", "reclaimer", "topic", cfg.Topic),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until ctx is done or Stop is called.
func (r *Reclaimer) Run(ctx context.Context) {
	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "reclaimer started",
		"interval", r.cfg.Interval,
		"min_idle", r.cfg.MinIdle,
		"group", r.cfg.Group,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			r.logger.InfoContext(ctx, "reclaimer stopping")
			return
		case <-ticker.C:
			if _, err := r.ReclaimOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "reclaim cycle error", "error", err)
			}
		}
	}
}

func (r *Reclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

// ReclaimOnce scans every lane of the topic once and returns how many
// messages were requeued.
func (r *Reclaimer) ReclaimOnce(ctx context.Context) (int, error) {
	client := r.broker.client
	total := 0

	for _, stream := range r.broker.streams(r.cfg.Topic) {
		pending, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  r.cfg.Group,
			Idle:   r.cfg.MinIdle,
			Start:  "-",
			End:    "+",
			Count:  r.cfg.Batch,
		}).Result()
		if err != nil {
			return total, fmt.Errorf("xpending %s: %w", stream, err)
		}
		if len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}

		claimed, err := client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			MinIdle:  r.cfg.MinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			return total, fmt.Errorf("xclaim %s: %w", stream, err)
		}

		for _, msg := range claimed {
			if err := r.broker.requeue(ctx, stream, r.cfg.Group, msg); err != nil {
				r.logger.ErrorContext(ctx, "failed to requeue reclaimed message",
					"stream", stream,
					"message_id", msg.ID,
					"error", err,
				)
				continue
			}
			total++
		}
	}

	if total > 0 {
		r.logger.InfoContext(ctx, "reclaimed stale messages", "count", total)
	}
	return total, nil
}
