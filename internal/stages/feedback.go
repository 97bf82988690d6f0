// SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/metrics"
)

const (
	FeedbackStepCompleted     = "step_completed"
	FeedbackStepSkipped       = "step_skipped"
	FeedbackActionFailed      = "action_failed"
	FeedbackPlaybookCompleted = "playbook_completed"
	FeedbackToolSucceeded     = "tool_succeeded"
	FeedbackToolFailed        = "tool_failed"
)

// Feedback records the outcome of playbook steps and tool calls.
type Feedback struct{}

func (Feedback) Handle(ctx context.Context, ev domain.Event) ([]domain.Event, error) {
	if err := expect(ev, domain.EventStepCompleted, domain.EventPlaybookCompleted, domain.EventToolExecutionCompleted); err != nil {
		return nil, err
	}

	out := domain.FeedbackCapturedPayload{
		SourceEventID:   ev.EventID,
		SourceEventType: ev.EventType,
	}

	switch ev.EventType {
	case domain.EventStepCompleted:
		var p domain.StepCompletedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return nil, err
		}
		switch {
		case p.ActionStatus == domain.ActionFailed:
			out.Outcome = FeedbackActionFailed
			out.Details = p.ActionError
		case p.Status == domain.StepSkipped:
			out.Outcome = FeedbackStepSkipped
		default:
			out.Outcome = FeedbackStepCompleted
		}

	case domain.EventPlaybookCompleted:
		var p domain.PlaybookCompletedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return nil, err
		}
		out.Outcome = FeedbackPlaybookCompleted
		out.Details = p.PlaybookID

	case domain.EventToolExecutionCompleted:
		var p domain.ToolExecutionCompletedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return nil, err
		}
		out.Outcome = FeedbackToolSucceeded
		if p.Status == domain.ToolFailed {
			out.Outcome = FeedbackToolFailed
			out.Details = p.Error
		}
	}

	next, err := domain.NewEvent(domain.EventFeedbackCaptured, ev.TenantID, ev.ExceptionID, out, ev.Metadata)
	if err != nil {
		return nil, err
	}
	metrics.IncFeedbackCaptured(ev.EventType, out.Outcome)
	return []domain.Event{next}, nil
}
