// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/metrics"
	"github.com/adiadia/exception-runtime/internal/outbox"
	"github.com/adiadia/exception-runtime/internal/repository"
	"github.com/google/uuid"
)

// deadLetterIndex keeps the DeadLettered event id apart from the ids the
// handler's outputs derive from the same parent.
const deadLetterIndex = -1

var undecodableNamespace = uuid.MustParse("1f4b8a7e-33c1-4c6e-8d0e-5a0b9c2d7e61")

type DeadLetterRequest struct {
	// Event may be partially populated when decoding failed.
	Event      domain.Event
	Raw        []byte
	Topic      string
	WorkerType domain.WorkerType
	Reason     string
	RetryCount int
}

type deadLetterStore interface {
	repository.DeadLetterStore
	repository.ProcessingLedger
}

// DeadLetterHandler records terminal failures.
type DeadLetterHandler struct {
	store   deadLetterStore
	emitter *outbox.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

func NewDeadLetterHandler(store deadLetterStore, emitter *outbox.Emitter, logger *slog.Logger) *DeadLetterHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterHandler{
		store:   store,
		emitter: emitter,
		logger:  logger,
		now:     time.Now,
	}
}

// DeadLetter persists the entry, appends a DeadLettered event for tenant
// scoped messages and marks the ledger. Repeating it for the same event and
// worker type is a no-op.
func (h *DeadLetterHandler) DeadLetter(ctx context.Context, req DeadLetterRequest) (domain.DeadLetterEntry, error) {
	eventID := req.Event.EventID
	if eventID == uuid.Nil {
		eventID = uuid.NewSHA1(undecodableNamespace, req.Raw)
	}
	if req.RetryCount < 1 {
		req.RetryCount = 1
	}

	payload := req.Event.Payload
	if len(payload) == 0 {
		payload = req.Raw
	}
	if len(payload) > 0 && !json.Valid(payload) {
		quoted, _ := json.Marshal(string(payload))
		payload = quoted
	}

	entry, created, err := h.store.InsertDeadLetter(ctx, domain.DeadLetterEntry{
		EventID:       eventID,
		EventType:     req.Event.EventType,
		TenantID:      req.Event.TenantID,
		ExceptionID:   req.Event.ExceptionID,
		WorkerType:    req.WorkerType,
		OriginalTopic: req.Topic,
		FailureReason: req.Reason,
		RetryCount:    req.RetryCount,
		FailedAt:      h.now().UTC(),
		Payload:       payload,
		Metadata:      req.Event.Metadata,
	})
	if err != nil {
		return domain.DeadLetterEntry{}, err
	}

	if req.Event.TenantID != "" {
		ev, err := domain.NewEvent(domain.EventDeadLettered, req.Event.TenantID, req.Event.ExceptionID, domain.DeadLetteredPayload{
			OriginalEventID:   eventID,
			OriginalEventType: req.Event.EventType,
			WorkerType:        req.WorkerType,
			OriginalTopic:     req.Topic,
			FailureReason:     req.Reason,
			RetryCount:        entry.RetryCount,
		}, nil)
		if err != nil {
			return domain.DeadLetterEntry{}, err
		}
		ev.EventID = domain.DerivedEventID(eventID, req.WorkerType, deadLetterIndex)
		ev.CorrelationID = req.Event.CorrelationID
		if _, err := h.emitter.Emit(ctx, []domain.Event{ev}, nil); err != nil {
			return domain.DeadLetterEntry{}, err
		}
	}

	if err := h.store.MarkDeadLettered(ctx, eventID, req.WorkerType, req.RetryCount, req.Reason); err != nil {
		return domain.DeadLetterEntry{}, err
	}

	if created {
		metrics.IncDeadLetters(req.WorkerType)
		h.logger.WarnContext(ctx, "event dead-lettered",
			"event_id", eventID,
			"event_type", req.Event.EventType,
			"worker_type", req.WorkerType,
			"retry_count", req.RetryCount,
			"reason", req.Reason,
		)
	}
	return entry, nil
}
