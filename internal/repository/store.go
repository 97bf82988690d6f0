// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/google/uuid"
)

var ErrRecordNotFound = errors.New("processing record not found")

// EventStore is the append-only event log. Appends are idempotent on
// event_id: appending an existing id returns the stored event.
type EventStore interface {
	AppendEvent(ctx context.Context, ev domain.Event) (domain.Event, bool, error)
	// AppendEvents appends evs and applies change in one transaction.
	AppendEvents(ctx context.Context, evs []domain.Event, change *domain.StateChange) ([]domain.Event, error)
	GetEventsByException(ctx context.Context, tenantID, exceptionID string, filter domain.EventFilter) ([]domain.Event, error)
	GetEvent(ctx context.Context, eventID uuid.UUID) (domain.Event, error)
	ListUnpublished(ctx context.Context, olderThan time.Time, limit int) ([]domain.Event, error)
	MarkPublished(ctx context.Context, eventIDs []uuid.UUID) error
}

// ProcessingLedger is the idempotency tracker keyed by (event_id, worker_type).
type ProcessingLedger interface {
	IsAlreadyProcessed(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType) (bool, error)
	GetRecord(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType) (domain.EventProcessingRecord, bool, error)
	Claim(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType, staleAfter time.Duration) (domain.EventProcessingRecord, domain.ClaimResult, error)
	MarkCompleted(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType, reason string) error
	// ReleaseClaim returns a claimed record to failed without counting the
	// attempt. Used when infrastructure, not the handler, failed.
	ReleaseClaim(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType, reason string) error
	ScheduleRetry(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType, nextAttemptAt time.Time, reason string) error
	// MarkDeadLettered creates the record when the message never got far
	// enough to be claimed.
	MarkDeadLettered(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType, attempts int, reason string) error
	DueRetries(ctx context.Context, now time.Time, limit int) ([]domain.EventProcessingRecord, error)
	ClearRetry(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType) error
	// PendingPredecessors counts earlier events of ev's exception, restricted
	// to eventTypes, that workerType has not completed or dead-lettered.
	PendingPredecessors(ctx context.Context, ev domain.Event, workerType domain.WorkerType, eventTypes []domain.EventType) (int, error)
	// ListUnsettled pages, in sequence order, through published events whose
	// worker in routes has no completed, dead-lettered or retry record.
	ListUnsettled(ctx context.Context, routes map[domain.EventType]domain.WorkerType, afterSequence int64, limit int) ([]domain.UnsettledEvent, error)
}

type DeadLetterStore interface {
	// InsertDeadLetter is idempotent on (event_id, worker_type).
	InsertDeadLetter(ctx context.Context, entry domain.DeadLetterEntry) (domain.DeadLetterEntry, bool, error)
	ListDeadLetterEntries(ctx context.Context, filter domain.DeadLetterFilter) ([]domain.DeadLetterEntry, error)
	GetDeadLetterEntry(ctx context.Context, id uuid.UUID) (domain.DeadLetterEntry, error)
}

type PlaybookStore interface {
	SavePlaybook(ctx context.Context, pb domain.Playbook) error
	GetPlaybook(ctx context.Context, tenantID, playbookID string, version int) (domain.Playbook, error)
	// ListCandidatePlaybooks returns the latest version of every playbook of
	// the tenant whose domain condition is empty or equals domainName.
	ListCandidatePlaybooks(ctx context.Context, tenantID, domainName string) ([]domain.Playbook, error)
}

type ProjectionStore interface {
	GetPlaybookState(ctx context.Context, tenantID, exceptionID string) (domain.ExceptionPlaybookState, bool, error)
}

// Store bundles every persistence concern of the runtime.
type Store interface {
	EventStore
	ProcessingLedger
	DeadLetterStore
	PlaybookStore
	ProjectionStore
}

// CheckExpectation reports whether current satisfies expect.
func CheckExpectation(current domain.ExceptionPlaybookState, expect *domain.StateExpectation) bool {
	if expect == nil {
		return true
	}
	return current.Expectation() == *expect
}
