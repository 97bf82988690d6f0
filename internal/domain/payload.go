// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ParseSeverity normalizes case and whitespace.
func ParseSeverity(raw string) (Severity, bool) {
	s := Severity(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Payload is implemented by every typed event payload.
type Payload interface {
	Validate() error
	// ExceptionScoped reports whether the envelope must carry an exception id.
	ExceptionScoped() bool
}

// NewPayload returns an empty payload value for eventType.
func NewPayload(eventType EventType) (Payload, bool) {
	switch eventType {
	case EventExceptionIngested:
		return &ExceptionIngestedPayload{}, true
	case EventExceptionNormalized:
		return &ExceptionNormalizedPayload{}, true
	case EventTriageCompleted:
		return &TriageCompletedPayload{}, true
	case EventPolicyEvaluationCompleted:
		return &PolicyEvaluationCompletedPayload{}, true
	case EventPlaybookMatched:
		return &PlaybookMatchedPayload{}, true
	case EventStepCompleted:
		return &StepCompletedPayload{}, true
	case EventPlaybookCompleted:
		return &PlaybookCompletedPayload{}, true
	case EventToolExecutionRequested:
		return &ToolExecutionRequestedPayload{}, true
	case EventToolExecutionCompleted:
		return &ToolExecutionCompletedPayload{}, true
	case EventFeedbackCaptured:
		return &FeedbackCapturedPayload{}, true
	case EventDeadLettered:
		return &DeadLetteredPayload{}, true
	}
	return nil, false
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &SchemaValidationError{Field: field, Reason: "required"}
	}
	return nil
}

type ExceptionIngestedPayload struct {
	SourceSystem  string            `json:"source_system"`
	Domain        string            `json:"domain,omitempty"`
	ExceptionType string            `json:"exception_type"`
	Severity      string            `json:"severity,omitempty"`
	Summary       string            `json:"summary,omitempty"`
	SLADeadline   *time.Time        `json:"sla_deadline,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Raw           json.RawMessage   `json:"raw,omitempty"`
}

func (p *ExceptionIngestedPayload) ExceptionScoped() bool { return true }

func (p *ExceptionIngestedPayload) Validate() error {
	if err := required("payload.source_system", p.SourceSystem); err != nil {
		return err
	}
	return required("payload.exception_type", p.ExceptionType)
}

type ExceptionNormalizedPayload struct {
	SourceSystem  string            `json:"source_system"`
	Domain        string            `json:"domain"`
	ExceptionType string            `json:"exception_type"`
	Severity      Severity          `json:"severity,omitempty"`
	Summary       string            `json:"summary,omitempty"`
	SLADeadline   *time.Time        `json:"sla_deadline,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

func (p *ExceptionNormalizedPayload) ExceptionScoped() bool { return true }

func (p *ExceptionNormalizedPayload) Validate() error {
	if err := required("payload.domain", p.Domain); err != nil {
		return err
	}
	if err := required("payload.exception_type", p.ExceptionType); err != nil {
		return err
	}
	if p.Severity != "" && !p.Severity.Valid() {
		return &SchemaValidationError{Field: "payload.severity", Reason: "invalid severity " + string(p.Severity)}
	}
	return nil
}

type TriageCompletedPayload struct {
	ExceptionType string   `json:"exception_type"`
	Severity      Severity `json:"severity"`
	Summary       string   `json:"summary,omitempty"`
	Confidence    float64  `json:"confidence"`
	Model         string   `json:"model,omitempty"`
}

func (p *TriageCompletedPayload) ExceptionScoped() bool { return true }

func (p *TriageCompletedPayload) Validate() error {
	if err := required("payload.exception_type", p.ExceptionType); err != nil {
		return err
	}
	if !p.Severity.Valid() {
		return &SchemaValidationError{Field: "payload.severity", Reason: "invalid severity " + string(p.Severity)}
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return &SchemaValidationError{Field: "payload.confidence", Reason: "must be within [0,1]"}
	}
	return nil
}

type PolicyDecision string

const (
	PolicyAllow    PolicyDecision = "allow"
	PolicyEscalate PolicyDecision = "escalate"
	PolicyBlock    PolicyDecision = "block"
)

type PolicyEvaluationCompletedPayload struct {
	Decision            PolicyDecision `json:"decision"`
	Tags                []string       `json:"tags,omitempty"`
	SLAMinutesRemaining *int           `json:"sla_minutes_remaining,omitempty"`
	Reasons             []string       `json:"reasons,omitempty"`
}

func (p *PolicyEvaluationCompletedPayload) ExceptionScoped() bool { return true }

func (p *PolicyEvaluationCompletedPayload) Validate() error {
	switch p.Decision {
	case PolicyAllow, PolicyEscalate, PolicyBlock:
		return nil
	}
	return &SchemaValidationError{Field: "payload.decision", Reason: "invalid decision " + string(p.Decision)}
}

type PlaybookMatchedPayload struct {
	PlaybookID         string `json:"playbook_id"`
	PlaybookVersion    int    `json:"playbook_version"`
	PreviousPlaybookID string `json:"previous_playbook_id,omitempty"`
	Priority           int    `json:"priority"`
	FirstStep          int    `json:"first_step"`
}

func (p *PlaybookMatchedPayload) ExceptionScoped() bool { return true }

func (p *PlaybookMatchedPayload) Validate() error {
	if err := required("payload.playbook_id", p.PlaybookID); err != nil {
		return err
	}
	if p.PlaybookVersion < 1 {
		return &SchemaValidationError{Field: "payload.playbook_version", Reason: "must be >= 1"}
	}
	return nil
}

type StepCompletedPayload struct {
	PlaybookID   string          `json:"playbook_id"`
	StepOrder    int             `json:"step_order"`
	ActionType   ActionType      `json:"action_type"`
	Status       StepStatus      `json:"status"`
	Actor        string          `json:"actor"`
	Notes        string          `json:"notes,omitempty"`
	ActionStatus ActionStatus    `json:"action_status,omitempty"`
	ActionOutput json.RawMessage `json:"action_output,omitempty"`
	ActionError  string          `json:"action_error,omitempty"`
}

func (p *StepCompletedPayload) ExceptionScoped() bool { return true }

func (p *StepCompletedPayload) Validate() error {
	if err := required("payload.playbook_id", p.PlaybookID); err != nil {
		return err
	}
	if p.StepOrder < 1 {
		return &SchemaValidationError{Field: "payload.step_order", Reason: "must be >= 1"}
	}
	if p.Status != StepCompleted && p.Status != StepSkipped {
		return &SchemaValidationError{Field: "payload.status", Reason: "invalid status " + string(p.Status)}
	}
	return required("payload.actor", p.Actor)
}

type PlaybookCompletedPayload struct {
	PlaybookID      string `json:"playbook_id"`
	PlaybookVersion int    `json:"playbook_version"`
	StepsCompleted  int    `json:"steps_completed"`
	StepsSkipped    int    `json:"steps_skipped"`
	Actor           string `json:"actor"`
}

func (p *PlaybookCompletedPayload) ExceptionScoped() bool { return true }

func (p *PlaybookCompletedPayload) Validate() error {
	return required("payload.playbook_id", p.PlaybookID)
}

type ToolExecutionRequestedPayload struct {
	ToolID     string          `json:"tool_id"`
	Input      json.RawMessage `json:"input,omitempty"`
	Actor      string          `json:"actor"`
	PlaybookID string          `json:"playbook_id,omitempty"`
	StepOrder  int             `json:"step_order,omitempty"`
}

func (p *ToolExecutionRequestedPayload) ExceptionScoped() bool { return true }

func (p *ToolExecutionRequestedPayload) Validate() error {
	if err := required("payload.tool_id", p.ToolID); err != nil {
		return err
	}
	return required("payload.actor", p.Actor)
}

type ToolExecutionCompletedPayload struct {
	ToolID         string          `json:"tool_id"`
	RequestEventID uuid.UUID       `json:"request_event_id"`
	Status         ToolStatus      `json:"status"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func (p *ToolExecutionCompletedPayload) ExceptionScoped() bool { return true }

func (p *ToolExecutionCompletedPayload) Validate() error {
	if err := required("payload.tool_id", p.ToolID); err != nil {
		return err
	}
	if p.Status != ToolSucceeded && p.Status != ToolFailed {
		return &SchemaValidationError{Field: "payload.status", Reason: "invalid status " + string(p.Status)}
	}
	return nil
}

type FeedbackCapturedPayload struct {
	SourceEventID   uuid.UUID `json:"source_event_id"`
	SourceEventType EventType `json:"source_event_type"`
	Outcome         string    `json:"outcome"`
	Details         string    `json:"details,omitempty"`
}

func (p *FeedbackCapturedPayload) ExceptionScoped() bool { return true }

func (p *FeedbackCapturedPayload) Validate() error {
	if p.SourceEventID == uuid.Nil {
		return &SchemaValidationError{Field: "payload.source_event_id", Reason: "required"}
	}
	return required("payload.outcome", p.Outcome)
}

type DeadLetteredPayload struct {
	OriginalEventID   uuid.UUID  `json:"original_event_id"`
	OriginalEventType EventType  `json:"original_event_type,omitempty"`
	WorkerType        WorkerType `json:"worker_type"`
	OriginalTopic     string     `json:"original_topic"`
	FailureReason     string     `json:"failure_reason"`
	RetryCount        int        `json:"retry_count"`
}

func (p *DeadLetteredPayload) ExceptionScoped() bool { return false }

func (p *DeadLetteredPayload) Validate() error {
	if p.OriginalEventID == uuid.Nil {
		return &SchemaValidationError{Field: "payload.original_event_id", Reason: "required"}
	}
	return required("payload.worker_type", string(p.WorkerType))
}
