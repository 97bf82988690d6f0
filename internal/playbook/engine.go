// SPDX-License-Identifier: Apache-2.0

package playbook

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/exception"
	"github.com/adiadia/exception-runtime/internal/metrics"
	"github.com/adiadia/exception-runtime/internal/outbox"
	"github.com/adiadia/exception-runtime/internal/repository"
	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeMatched    Outcome = "matched"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeNoPlaybook Outcome = "no_playbook"
)

type MatchResult struct {
	Outcome            Outcome `json:"outcome"`
	PlaybookID         string  `json:"playbook_id,omitempty"`
	PlaybookVersion    int     `json:"playbook_version,omitempty"`
	PreviousPlaybookID string  `json:"previous_playbook_id,omitempty"`
}

type StepCommand struct {
	TenantID    string
	ExceptionID string
	// PlaybookID, when set, must name the current playbook.
	PlaybookID string
	StepOrder  int
	Actor      string
	Notes      string
}

type StepResult struct {
	State  domain.ExceptionPlaybookState `json:"state"`
	Events []domain.Event                `json:"events"`
	Action *ActionResult                 `json:"action,omitempty"`
}

type Store interface {
	repository.EventStore
	repository.PlaybookStore
	repository.ProjectionStore
}

type Engine struct {
	store    Store
	emitter  *outbox.Emitter
	registry *Registry
	tieBreak TieBreak
	logger   *slog.Logger
	now      func() time.Time
}

func NewEngine(store Store, emitter *outbox.Emitter, registry *Registry, tieBreak TieBreak, logger *slog.Logger) *Engine {
	if tieBreak == "" {
		tieBreak = TieBreakNewestVersion
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		emitter:  emitter,
		registry: registry,
		tieBreak: tieBreak,
		logger:   logger.With("component", "playbook"),
		now:      time.Now,
	}
}

// SavePlaybook stores a new playbook version after checking that every
// step has an executor.
func (e *Engine) SavePlaybook(ctx context.Context, pb domain.Playbook) error {
	if err := pb.Validate(); err != nil {
		return err
	}
	if err := e.registry.Validate(pb); err != nil {
		return err
	}
	return e.store.SavePlaybook(ctx, pb)
}

// Match selects the playbook for snap and records a change of selection.
// No match leaves the current assignment untouched. sourceEventID, when
// set, makes the emitted event id stable across redeliveries.
func (e *Engine) Match(ctx context.Context, snap exception.Snapshot, sourceEventID uuid.UUID) (MatchResult, []domain.Event, error) {
	candidates, err := e.store.ListCandidatePlaybooks(ctx, snap.TenantID, snap.Domain)
	if err != nil {
		return MatchResult{}, nil, err
	}

	pb, ok := Select(candidates, snap, e.tieBreak)
	if !ok {
		e.logger.InfoContext(ctx, "no playbook matched",
			"tenant_id", snap.TenantID,
			"exception_id", snap.ExceptionID,
			"candidates", len(candidates),
		)
		return MatchResult{Outcome: OutcomeNoPlaybook}, nil, nil
	}

	state, _, err := e.store.GetPlaybookState(ctx, snap.TenantID, snap.ExceptionID)
	if err != nil {
		return MatchResult{}, nil, err
	}

	result := MatchResult{
		PlaybookID:         pb.ID,
		PlaybookVersion:    pb.Version,
		PreviousPlaybookID: state.PlaybookID,
	}
	if state.PlaybookID == pb.ID && state.PlaybookVersion == pb.Version {
		result.Outcome = OutcomeUnchanged
		return result, nil, nil
	}

	ev, err := domain.NewEvent(domain.EventPlaybookMatched, snap.TenantID, snap.ExceptionID, domain.PlaybookMatchedPayload{
		PlaybookID:         pb.ID,
		PlaybookVersion:    pb.Version,
		PreviousPlaybookID: state.PlaybookID,
		Priority:           pb.Priority,
		FirstStep:          pb.FirstStep(),
	}, nil)
	if err != nil {
		return MatchResult{}, nil, err
	}
	if sourceEventID != uuid.Nil {
		ev.EventID = domain.DerivedEventID(sourceEventID, domain.WorkerPlaybook, 0)
	}

	expect := state.Expectation()
	stored, err := e.emitter.Emit(ctx, []domain.Event{ev}, &domain.StateChange{
		State: domain.ExceptionPlaybookState{
			TenantID:        snap.TenantID,
			ExceptionID:     snap.ExceptionID,
			PlaybookID:      pb.ID,
			PlaybookVersion: pb.Version,
			CurrentStep:     pb.FirstStep(),
		},
		Expect: &expect,
	})
	if err != nil {
		return MatchResult{}, nil, err
	}

	result.Outcome = OutcomeMatched
	e.logger.InfoContext(ctx, "playbook matched",
		"tenant_id", snap.TenantID,
		"exception_id", snap.ExceptionID,
		"playbook_id", pb.ID,
		"playbook_version", pb.Version,
		"previous_playbook_id", state.PlaybookID,
	)
	return result, stored, nil
}

// Recalculate rebuilds the snapshot from the log and matches it.
func (e *Engine) Recalculate(ctx context.Context, tenantID, exceptionID string) (MatchResult, []domain.Event, error) {
	snap, err := exception.Load(ctx, e.store, tenantID, exceptionID, e.now())
	if err != nil {
		return MatchResult{}, nil, err
	}
	return e.Match(ctx, snap, uuid.Nil)
}

func (e *Engine) CompleteStep(ctx context.Context, cmd StepCommand) (StepResult, error) {
	return e.advance(ctx, cmd, domain.StepCompleted)
}

// SkipStep advances like CompleteStep without running the step's action.
func (e *Engine) SkipStep(ctx context.Context, cmd StepCommand) (StepResult, error) {
	return e.advance(ctx, cmd, domain.StepSkipped)
}

func (e *Engine) advance(ctx context.Context, cmd StepCommand, status domain.StepStatus) (StepResult, error) {
	if strings.TrimSpace(cmd.Actor) == "" {
		return StepResult{}, &domain.SchemaValidationError{Field: "actor", Reason: "required"}
	}

	state, ok, err := e.store.GetPlaybookState(ctx, cmd.TenantID, cmd.ExceptionID)
	if err != nil {
		return StepResult{}, err
	}
	if !ok || !state.Assigned() {
		return StepResult{}, domain.ErrNoActivePlaybook
	}

	outOfOrder := func(st domain.ExceptionPlaybookState) error {
		return &domain.StepOutOfOrderError{
			ExceptionID: cmd.ExceptionID,
			PlaybookID:  st.PlaybookID,
			Requested:   cmd.StepOrder,
			Current:     st.CurrentStep,
			Completed:   st.Completed,
		}
	}
	if cmd.PlaybookID != "" && cmd.PlaybookID != state.PlaybookID {
		return StepResult{}, outOfOrder(state)
	}
	if state.Completed || cmd.StepOrder != state.CurrentStep {
		return StepResult{}, outOfOrder(state)
	}

	pb, err := e.store.GetPlaybook(ctx, cmd.TenantID, state.PlaybookID, state.PlaybookVersion)
	if err != nil {
		return StepResult{}, err
	}
	step, ok := pb.Step(cmd.StepOrder)
	if !ok {
		return StepResult{}, outOfOrder(state)
	}

	payload := domain.StepCompletedPayload{
		PlaybookID: pb.ID,
		StepOrder:  step.StepOrder,
		ActionType: step.ActionType,
		Status:     status,
		Actor:      cmd.Actor,
		Notes:      cmd.Notes,
	}

	var action *ActionResult
	if status == domain.StepCompleted {
		res, err := e.registry.Execute(ctx, step, ActionRequest{
			TenantID:    cmd.TenantID,
			ExceptionID: cmd.ExceptionID,
			PlaybookID:  pb.ID,
			StepOrder:   step.StepOrder,
			Actor:       cmd.Actor,
		})
		if err != nil {
			return StepResult{}, err
		}
		action = &res
		payload.ActionStatus = res.Status
		payload.ActionOutput = res.Output
		payload.ActionError = res.Error
		if res.Status == domain.ActionFailed {
			e.logger.WarnContext(ctx, "step action failed",
				"exception_id", cmd.ExceptionID,
				"playbook_id", pb.ID,
				"step_order", step.StepOrder,
				"action_type", step.ActionType,
				"error", res.Error,
			)
		}
	}

	stepEvent, err := domain.NewEvent(domain.EventStepCompleted, cmd.TenantID, cmd.ExceptionID, payload, nil)
	if err != nil {
		return StepResult{}, err
	}
	events := []domain.Event{stepEvent}

	next := state
	if order, hasNext := pb.NextStep(step.StepOrder); hasNext {
		next.CurrentStep = order
	} else {
		next.Completed = true

		completed, skipped, err := e.stepCounts(ctx, cmd.TenantID, cmd.ExceptionID, pb.ID)
		if err != nil {
			return StepResult{}, err
		}
		if status == domain.StepCompleted {
			completed++
		} else {
			skipped++
		}
		done, err := domain.NewEvent(domain.EventPlaybookCompleted, cmd.TenantID, cmd.ExceptionID, domain.PlaybookCompletedPayload{
			PlaybookID:      pb.ID,
			PlaybookVersion: pb.Version,
			StepsCompleted:  completed,
			StepsSkipped:    skipped,
			Actor:           cmd.Actor,
		}, nil)
		if err != nil {
			return StepResult{}, err
		}
		events = append(events, done)
	}

	expect := state.Expectation()
	stored, err := e.emitter.Emit(ctx, events, &domain.StateChange{State: next, Expect: &expect})
	if errors.Is(err, domain.ErrProjectionConflict) {
		current, _, loadErr := e.store.GetPlaybookState(ctx, cmd.TenantID, cmd.ExceptionID)
		if loadErr != nil {
			return StepResult{}, loadErr
		}
		return StepResult{}, outOfOrder(current)
	}
	if err != nil {
		return StepResult{}, err
	}

	metrics.IncStepTransition(status)
	e.logger.InfoContext(ctx, "playbook step advanced",
		"exception_id", cmd.ExceptionID,
		"playbook_id", pb.ID,
		"step_order", step.StepOrder,
		"status", status,
		"completed", next.Completed,
	)

	next.UpdatedAt = e.now().UTC()
	return StepResult{State: next, Events: stored, Action: action}, nil
}

// stepCounts counts step outcomes recorded since playbookID was last
// matched.
func (e *Engine) stepCounts(ctx context.Context, tenantID, exceptionID, playbookID string) (int, int, error) {
	events, err := exception.ReadAll(ctx, e.store, tenantID, exceptionID, foldTypes)
	if err != nil {
		return 0, 0, err
	}

	completed, skipped := 0, 0
	for _, view := range foldSteps(events, playbookID) {
		switch view.Status {
		case domain.StepCompleted:
			completed++
		case domain.StepSkipped:
			skipped++
		}
	}
	return completed, skipped, nil
}
