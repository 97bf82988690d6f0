// SPDX-License-Identifier: Apache-2.0

package playbook

import (
	"context"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/exception"
)

var foldTypes = []domain.EventType{
	domain.EventPlaybookMatched,
	domain.EventStepCompleted,
	domain.EventPlaybookCompleted,
}

type StepView struct {
	StepOrder    int                 `json:"step_order"`
	ActionType   domain.ActionType   `json:"action_type"`
	Status       domain.StepStatus   `json:"status"`
	Actor        string              `json:"actor,omitempty"`
	Notes        string              `json:"notes,omitempty"`
	ActionStatus domain.ActionStatus `json:"action_status,omitempty"`
	ActionError  string              `json:"action_error,omitempty"`
	At           *time.Time          `json:"at,omitempty"`
}

type Status struct {
	TenantID        string     `json:"tenant_id"`
	ExceptionID     string     `json:"exception_id"`
	PlaybookID      string     `json:"current_playbook_id"`
	PlaybookVersion int        `json:"playbook_version"`
	PlaybookName    string     `json:"playbook_name,omitempty"`
	CurrentStep     int        `json:"current_step"`
	Completed       bool       `json:"completed"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Steps           []StepView `json:"steps"`
}

// foldSteps returns the recorded outcome of every step of playbookID since
// it was last matched.
func foldSteps(events []domain.Event, playbookID string) map[int]StepView {
	steps := make(map[int]StepView)
	for _, ev := range events {
		switch ev.EventType {
		case domain.EventPlaybookMatched:
			var p domain.PlaybookMatchedPayload
			if ev.DecodePayload(&p) == nil && p.PlaybookID == playbookID {
				steps = make(map[int]StepView)
			}
		case domain.EventStepCompleted:
			var p domain.StepCompletedPayload
			if ev.DecodePayload(&p) != nil || p.PlaybookID != playbookID {
				continue
			}
			at := ev.Timestamp
			steps[p.StepOrder] = StepView{
				StepOrder:    p.StepOrder,
				ActionType:   p.ActionType,
				Status:       p.Status,
				Actor:        p.Actor,
				Notes:        p.Notes,
				ActionStatus: p.ActionStatus,
				ActionError:  p.ActionError,
				At:           &at,
			}
		}
	}
	return steps
}

// GetPlaybookStatus returns the projection with each step's status folded
// from the log.
func (e *Engine) GetPlaybookStatus(ctx context.Context, tenantID, exceptionID string) (Status, error) {
	state, ok, err := e.store.GetPlaybookState(ctx, tenantID, exceptionID)
	if err != nil {
		return Status{}, err
	}
	if !ok || !state.Assigned() {
		return Status{}, domain.ErrNoActivePlaybook
	}

	pb, err := e.store.GetPlaybook(ctx, tenantID, state.PlaybookID, state.PlaybookVersion)
	if err != nil {
		return Status{}, err
	}

	events, err := exception.ReadAll(ctx, e.store, tenantID, exceptionID, foldTypes)
	if err != nil {
		return Status{}, err
	}
	recorded := foldSteps(events, pb.ID)

	steps := make([]StepView, 0, len(pb.Steps))
	for _, step := range pb.Steps {
		view, ok := recorded[step.StepOrder]
		if !ok {
			view = StepView{
				StepOrder:  step.StepOrder,
				ActionType: step.ActionType,
				Status:     domain.StepPending,
			}
		}
		steps = append(steps, view)
	}

	return Status{
		TenantID:        tenantID,
		ExceptionID:     exceptionID,
		PlaybookID:      state.PlaybookID,
		PlaybookVersion: state.PlaybookVersion,
		PlaybookName:    pb.Name,
		CurrentStep:     state.CurrentStep,
		Completed:       state.Completed,
		UpdatedAt:       state.UpdatedAt,
		Steps:           steps,
	}, nil
}

// Rebuild folds the projection from the log alone. It must agree with the
// stored projection.
func (e *Engine) Rebuild(ctx context.Context, tenantID, exceptionID string) (domain.ExceptionPlaybookState, error) {
	events, err := exception.ReadAll(ctx, e.store, tenantID, exceptionID, foldTypes)
	if err != nil {
		return domain.ExceptionPlaybookState{}, err
	}

	state := domain.ExceptionPlaybookState{TenantID: tenantID, ExceptionID: exceptionID}
	cache := make(map[int]domain.Playbook)

	for _, ev := range events {
		switch ev.EventType {
		case domain.EventPlaybookMatched:
			var p domain.PlaybookMatchedPayload
			if ev.DecodePayload(&p) != nil {
				continue
			}
			state.PlaybookID = p.PlaybookID
			state.PlaybookVersion = p.PlaybookVersion
			state.CurrentStep = p.FirstStep
			state.Completed = false
			clear(cache)

		case domain.EventStepCompleted:
			var p domain.StepCompletedPayload
			if ev.DecodePayload(&p) != nil || p.PlaybookID != state.PlaybookID {
				continue
			}
			pb, ok := cache[state.PlaybookVersion]
			if !ok {
				pb, err = e.store.GetPlaybook(ctx, tenantID, state.PlaybookID, state.PlaybookVersion)
				if err != nil {
					return domain.ExceptionPlaybookState{}, err
				}
				cache[state.PlaybookVersion] = pb
			}
			if next, hasNext := pb.NextStep(p.StepOrder); hasNext {
				state.CurrentStep = next
			} else {
				state.Completed = true
			}

		case domain.EventPlaybookCompleted:
			var p domain.PlaybookCompletedPayload
			if ev.DecodePayload(&p) == nil && p.PlaybookID == state.PlaybookID {
				state.Completed = true
			}
		}
		state.UpdatedAt = ev.Timestamp
	}
	return state, nil
}
