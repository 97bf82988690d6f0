// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"log/slog"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/repository"
)

const redriveReason = "redriven after restart"

// Redriver re-publishes events that were published to a broker without
// durable delivery but never settled by their worker. It is meant to run once
// at startup, before any runner consumes, while no claim can be live.
type Redriver struct {
	ledger    repository.ProcessingLedger
	emitter   *Emitter
	batchSize int
	logger    *slog.Logger
}

func NewRedriver(ledger repository.ProcessingLedger, emitter *Emitter, batchSize int, logger *slog.Logger) *Redriver {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redriver{ledger: ledger, emitter: emitter, batchSize: batchSize, logger: logger}
}

// Run walks every unsettled event in sequence order, releases orphaned
// in-flight claims and publishes the event again. It returns the number of
// events redriven.
func (r *Redriver) Run(ctx context.Context) (int, error) {
	routes := r.emitter.Router().Routes()
	var after int64
	total := 0

	for {
		page, err := r.ledger.ListUnsettled(ctx, routes, after, r.batchSize)
		if err != nil {
			r.logger.ErrorContext(ctx, "list unsettled events failed", "error", err)
			return total, err
		}
		if len(page) == 0 {
			break
		}

		for _, u := range page {
			if u.Status == domain.ProcessingInFlight {
				if err := r.ledger.ReleaseClaim(ctx, u.Event.EventID, u.WorkerType, redriveReason); err != nil {
					return total, err
				}
			}
			if err := r.emitter.publish(ctx, r.emitter.Router().TopicFor(u.WorkerType), u.Event); err != nil {
				return total, err
			}
			after = u.Event.Sequence
			total++
		}
		if len(page) < r.batchSize {
			break
		}
	}

	if total > 0 {
		r.logger.InfoContext(ctx, "redrove unsettled events", "count", total)
	}
	return total, nil
}
