// SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"
	"errors"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/tools"
)

// Tool runs a requested tool call. A tool that reports failure yields a
// failed ToolExecutionCompleted; a call that errors or times out is a
// handler failure and is retried.
type Tool struct {
	Service tools.Service
}

func (t *Tool) Handle(ctx context.Context, ev domain.Event) ([]domain.Event, error) {
	if err := expect(ev, domain.EventToolExecutionRequested); err != nil {
		return nil, err
	}

	var req domain.ToolExecutionRequestedPayload
	if err := ev.DecodePayload(&req); err != nil {
		return nil, err
	}

	out := domain.ToolExecutionCompletedPayload{
		ToolID:         req.ToolID,
		RequestEventID: ev.EventID,
	}

	res, err := t.Service.ExecuteTool(ctx, tools.Request{
		TenantID:    ev.TenantID,
		ExceptionID: ev.ExceptionID,
		ToolID:      req.ToolID,
		Input:       req.Input,
		Actor:       req.Actor,
	})
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		out.Status = domain.ToolFailed
		out.Error = err.Error()
	case err != nil:
		return nil, err
	default:
		out.Status = res.Status
		out.Output = res.Output
		out.Error = res.Error
		if out.Status == "" {
			out.Status = domain.ToolSucceeded
		}
	}

	next, err := domain.NewEvent(domain.EventToolExecutionCompleted, ev.TenantID, ev.ExceptionID, out, ev.Metadata)
	if err != nil {
		return nil, err
	}
	return []domain.Event{next}, nil
}
