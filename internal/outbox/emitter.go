// SPDX-License-Identifier: Apache-2.0

// Package outbox appends events to the log and publishes them. The log is
// the outbox: an event is published only after it is durable, and events
// whose publish failed are picked up again by the Reconciler.
package outbox

import (
	"context"
	"log/slog"

	"github.com/adiadia/exception-runtime/internal/broker"
	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/metrics"
	"github.com/adiadia/exception-runtime/internal/partition"
	"github.com/adiadia/exception-runtime/internal/repository"
	"github.com/adiadia/exception-runtime/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type Emitter struct {
	store     repository.EventStore
	publisher broker.Publisher
	router    *broker.Router
	logger    *slog.Logger
}

func NewEmitter(store repository.EventStore, publisher broker.Publisher, router *broker.Router, logger *slog.Logger) *Emitter {
	if router == nil {
		router = broker.DefaultRouter()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		store:     store,
		publisher: publisher,
		router:    router,
		logger:    logger,
	}
}

func (e *Emitter) Router() *broker.Router {
	return e.router
}

// Emit appends evs, applying change in the same transaction, and then
// publishes them. A publish failure is logged and left to the reconciler;
// only append failures are returned.
func (e *Emitter) Emit(ctx context.Context, evs []domain.Event, change *domain.StateChange) ([]domain.Event, error) {
	stored, err := e.Append(ctx, evs, change)
	if err != nil {
		return nil, err
	}

	if err := e.Publish(ctx, stored); err != nil {
		e.logger.WarnContext(ctx, "publish after append failed, reconciler will retry",
			"count", len(stored),
			"error", err,
		)
	}
	return stored, nil
}

// Append makes evs durable without publishing them.
func (e *Emitter) Append(ctx context.Context, evs []domain.Event, change *domain.StateChange) ([]domain.Event, error) {
	if len(evs) == 0 && change == nil {
		return nil, nil
	}

	stored, err := e.store.AppendEvents(ctx, evs, change)
	if err != nil {
		return nil, err
	}
	for _, ev := range stored {
		metrics.IncEventsAppended(ev.EventType)
	}
	return stored, nil
}

// Publish sends stored events to the topics of their consumers and marks
// them published. Events no worker consumes are marked without a publish.
// It stops at the first failure so later events keep their position.
func (e *Emitter) Publish(ctx context.Context, evs []domain.Event) error {
	published := make([]uuid.UUID, 0, len(evs))
	defer func() {
		if len(published) == 0 {
			return
		}
		if err := e.store.MarkPublished(ctx, published); err != nil {
			e.logger.WarnContext(ctx, "mark published failed",
				"count", len(published),
				"error", err,
			)
		}
	}()

	for _, ev := range evs {
		_, topic, ok := e.router.Route(ev.EventType)
		if !ok {
			published = append(published, ev.EventID)
			continue
		}

		if err := e.publish(ctx, topic, ev); err != nil {
			return err
		}
		published = append(published, ev.EventID)
	}
	return nil
}

func (e *Emitter) publish(ctx context.Context, topic string, ev domain.Event) error {
	ctx, span := telemetry.StartSpan(ctx, "outbox.publish",
		attribute.String("messaging.destination", topic),
		attribute.String("event.id", ev.EventID.String()),
		attribute.String("event.type", string(ev.EventType)),
	)

	err := e.publisher.Publish(ctx, topic, partition.Key(ev.TenantID, ev.ExceptionID), ev)
	telemetry.End(span, err)
	if err != nil {
		e.logger.ErrorContext(ctx, "publish failed",
			"topic", topic,
			"event_id", ev.EventID,
			"event_type", ev.EventType,
			"error", err,
		)
	}
	return err
}
