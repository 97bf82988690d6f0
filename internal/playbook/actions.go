// SPDX-License-Identifier: Apache-2.0

package playbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/tools"
)

// ActionRequest carries a step's parameters after template rendering.
type ActionRequest struct {
	TenantID    string
	ExceptionID string
	PlaybookID  string
	StepOrder   int
	Actor       string
	Params      map[string]string
}

// ActionResult annotates StepCompleted. Status failed keeps the error;
// the step still completes.
type ActionResult struct {
	Status domain.ActionStatus
	Output json.RawMessage
	Error  string
}

type Action interface {
	Execute(ctx context.Context, req ActionRequest) (ActionResult, error)
}

type ActionFunc func(ctx context.Context, req ActionRequest) (ActionResult, error)

func (f ActionFunc) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	return f(ctx, req)
}

// Registry resolves action types to executors.
type Registry struct {
	actions map[domain.ActionType]Action
}

func NewRegistry(actions map[domain.ActionType]Action) *Registry {
	copied := make(map[domain.ActionType]Action, len(actions))
	for at, a := range actions {
		copied[at] = a
	}
	return &Registry{actions: copied}
}

// DefaultRegistry wires every known action type.
func DefaultRegistry(toolSvc tools.Service, notifier Notifier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}

	return NewRegistry(map[domain.ActionType]Action{
		domain.ActionNotify:      notifyAction{notifier: notifier},
		domain.ActionAssignOwner: fieldAction{param: "owner"},
		domain.ActionSetStatus:   fieldAction{param: "status"},
		domain.ActionAddComment:  fieldAction{param: "comment"},
		domain.ActionCallTool:    callToolAction{tools: toolSvc},
	})
}

// Validate reports the first step whose action type has no executor.
func (r *Registry) Validate(pb domain.Playbook) error {
	for _, step := range pb.Steps {
		if _, ok := r.actions[step.ActionType]; !ok {
			return fmt.Errorf("step %d: %w: %s", step.StepOrder, domain.ErrUnknownActionType, step.ActionType)
		}
	}
	return nil
}

// Execute renders the step parameters and runs its action. Execution
// failures are reported on the result; only an unknown action type or an
// unrenderable template is an error.
func (r *Registry) Execute(ctx context.Context, step domain.PlaybookStep, req ActionRequest) (ActionResult, error) {
	action, ok := r.actions[step.ActionType]
	if !ok {
		return ActionResult{}, fmt.Errorf("%w: %s", domain.ErrUnknownActionType, step.ActionType)
	}

	params, err := renderParams(step.Params, req)
	if err != nil {
		return ActionResult{}, err
	}
	req.Params = params

	res, err := action.Execute(ctx, req)
	if err != nil {
		return ActionResult{Status: domain.ActionFailed, Error: err.Error()}, nil
	}
	if res.Status == "" {
		res.Status = domain.ActionSucceeded
	}
	return res, nil
}

// renderParams expands {{.TenantID}}, {{.ExceptionID}}, {{.PlaybookID}},
// {{.StepOrder}} and {{.Actor}}.
func renderParams(params map[string]string, req ActionRequest) (map[string]string, error) {
	if len(params) == 0 {
		return map[string]string{}, nil
	}

	data := struct {
		TenantID    string
		ExceptionID string
		PlaybookID  string
		StepOrder   int
		Actor       string
	}{req.TenantID, req.ExceptionID, req.PlaybookID, req.StepOrder, req.Actor}

	out := make(map[string]string, len(params))
	for k, v := range params {
		if !strings.Contains(v, "{{") {
			out[k] = v
			continue
		}
		tmpl, err := template.New(k).Option("missingkey=error").Parse(v)
		if err != nil {
			return nil, &domain.SchemaValidationError{Field: "params." + k, Reason: err.Error()}
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, &domain.SchemaValidationError{Field: "params." + k, Reason: err.Error()}
		}
		out[k] = buf.String()
	}
	return out, nil
}

// fieldAction records one required parameter on the exception.
type fieldAction struct {
	param string
}

func (a fieldAction) Execute(_ context.Context, req ActionRequest) (ActionResult, error) {
	value := strings.TrimSpace(req.Params[a.param])
	if value == "" {
		return ActionResult{}, fmt.Errorf("missing parameter %q", a.param)
	}
	out, err := json.Marshal(map[string]string{a.param: value})
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Status: domain.ActionSucceeded, Output: out}, nil
}

type notifyAction struct {
	notifier Notifier
}

func (a notifyAction) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	n := Notification{
		TenantID:    req.TenantID,
		ExceptionID: req.ExceptionID,
		PlaybookID:  req.PlaybookID,
		StepOrder:   req.StepOrder,
		Channel:     req.Params["channel"],
		Message:     req.Params["message"],
		URL:         req.Params["url"],
	}
	if err := a.notifier.Notify(ctx, n); err != nil {
		return ActionResult{}, err
	}
	out, _ := json.Marshal(map[string]string{"channel": n.Channel})
	return ActionResult{Status: domain.ActionSucceeded, Output: out}, nil
}

type callToolAction struct {
	tools tools.Service
}

func (a callToolAction) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	if a.tools == nil {
		return ActionResult{}, fmt.Errorf("no tool service configured")
	}

	toolID := strings.TrimSpace(req.Params["tool_id"])
	if toolID == "" {
		return ActionResult{}, fmt.Errorf("missing parameter %q", "tool_id")
	}

	var input json.RawMessage
	if raw := strings.TrimSpace(req.Params["input"]); raw != "" {
		if !json.Valid([]byte(raw)) {
			return ActionResult{}, fmt.Errorf("parameter %q is not valid JSON", "input")
		}
		input = json.RawMessage(raw)
	}

	res, err := a.tools.ExecuteTool(ctx, tools.Request{
		TenantID:    req.TenantID,
		ExceptionID: req.ExceptionID,
		ToolID:      toolID,
		Input:       input,
		Actor:       req.Actor,
	})
	if err != nil {
		return ActionResult{}, err
	}
	if res.Status == domain.ToolFailed {
		return ActionResult{Status: domain.ActionFailed, Output: res.Output, Error: res.Error}, nil
	}
	return ActionResult{Status: domain.ActionSucceeded, Output: res.Output}, nil
}
