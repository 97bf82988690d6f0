// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/playbook"
	"github.com/google/uuid"
)

type EventEmitter interface {
	Emit(ctx context.Context, evs []domain.Event, change *domain.StateChange) ([]domain.Event, error)
}

type EventReader interface {
	GetEventsByException(ctx context.Context, tenantID, exceptionID string, filter domain.EventFilter) ([]domain.Event, error)
}

type DeadLetterReader interface {
	ListDeadLetterEntries(ctx context.Context, filter domain.DeadLetterFilter) ([]domain.DeadLetterEntry, error)
	GetDeadLetterEntry(ctx context.Context, id uuid.UUID) (domain.DeadLetterEntry, error)
}

// PlaybookService is implemented by *playbook.Engine.
type PlaybookService interface {
	SavePlaybook(ctx context.Context, pb domain.Playbook) error
	GetPlaybookStatus(ctx context.Context, tenantID, exceptionID string) (playbook.Status, error)
	CompleteStep(ctx context.Context, cmd playbook.StepCommand) (playbook.StepResult, error)
	SkipStep(ctx context.Context, cmd playbook.StepCommand) (playbook.StepResult, error)
	Recalculate(ctx context.Context, tenantID, exceptionID string) (playbook.MatchResult, []domain.Event, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
