// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"strconv"
	"strings"
	"time"
)

type ActionType string

const (
	ActionNotify      ActionType = "notify"
	ActionAssignOwner ActionType = "assign_owner"
	ActionSetStatus   ActionType = "set_status"
	ActionAddComment  ActionType = "add_comment"
	ActionCallTool    ActionType = "call_tool"
)

func ActionTypes() []ActionType {
	return []ActionType{
		ActionNotify,
		ActionAssignOwner,
		ActionSetStatus,
		ActionAddComment,
		ActionCallTool,
	}
}

func (a ActionType) Valid() bool {
	for _, known := range ActionTypes() {
		if a == known {
			return true
		}
	}
	return false
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
)

// ActionStatus annotates the outcome of a step's action on StepCompleted.
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
)

type ToolStatus string

const (
	ToolSucceeded ToolStatus = "succeeded"
	ToolFailed    ToolStatus = "failed"
)

// PlaybookConditions are ANDed. Zero-valued fields do not constrain.
type PlaybookConditions struct {
	Domain                string     `json:"domain,omitempty"`
	ExceptionType         string     `json:"exception_type,omitempty"`
	SeverityIn            []Severity `json:"severity_in,omitempty"`
	SLAMinutesRemainingLT *int       `json:"sla_minutes_remaining_lt,omitempty"`
	RequiredTags          []string   `json:"required_tags,omitempty"`
}

type PlaybookStep struct {
	StepOrder  int               `json:"step_order"`
	ActionType ActionType        `json:"action_type"`
	Params     map[string]string `json:"params,omitempty"`
}

// Playbook is immutable per (TenantID, ID, Version).
type Playbook struct {
	TenantID   string             `json:"tenant_id"`
	ID         string             `json:"id"`
	Version    int                `json:"version"`
	Name       string             `json:"name,omitempty"`
	Priority   int                `json:"priority"`
	Conditions PlaybookConditions `json:"conditions"`
	Steps      []PlaybookStep     `json:"steps"`
	CreatedAt  time.Time          `json:"created_at"`
}

func (p Playbook) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" {
		return &SchemaValidationError{Field: "tenant_id", Reason: "required"}
	}
	if strings.TrimSpace(p.ID) == "" {
		return &SchemaValidationError{Field: "id", Reason: "required"}
	}
	if p.Version < 1 {
		return &SchemaValidationError{Field: "version", Reason: "must be >= 1"}
	}
	if len(p.Steps) == 0 {
		return &SchemaValidationError{Field: "steps", Reason: "at least one step required"}
	}

	prev := 0
	for i, step := range p.Steps {
		field := "steps[" + strconv.Itoa(i) + "]"
		if step.StepOrder <= prev {
			return &SchemaValidationError{Field: field + ".step_order", Reason: "must be >= 1 and strictly increasing"}
		}
		if !step.ActionType.Valid() {
			return &SchemaValidationError{Field: field + ".action_type", Reason: "unknown action type " + string(step.ActionType)}
		}
		prev = step.StepOrder
	}

	for _, s := range p.Conditions.SeverityIn {
		if !s.Valid() {
			return &SchemaValidationError{Field: "conditions.severity_in", Reason: "invalid severity " + string(s)}
		}
	}
	return nil
}

// Step returns the step with the given order.
func (p Playbook) Step(order int) (PlaybookStep, bool) {
	for _, s := range p.Steps {
		if s.StepOrder == order {
			return s, true
		}
	}
	return PlaybookStep{}, false
}

func (p Playbook) FirstStep() int {
	if len(p.Steps) == 0 {
		return 0
	}
	return p.Steps[0].StepOrder
}

// NextStep returns the order following order, or false when order is last.
func (p Playbook) NextStep(order int) (int, bool) {
	for _, s := range p.Steps {
		if s.StepOrder > order {
			return s.StepOrder, true
		}
	}
	return 0, false
}

// ExceptionPlaybookState is a projection of the event log. The exception
// references the playbook by id and version only.
type ExceptionPlaybookState struct {
	TenantID        string    `json:"tenant_id"`
	ExceptionID     string    `json:"exception_id"`
	PlaybookID      string    `json:"current_playbook_id,omitempty"`
	PlaybookVersion int       `json:"playbook_version,omitempty"`
	CurrentStep     int       `json:"current_step"`
	Completed       bool      `json:"completed"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (s ExceptionPlaybookState) Assigned() bool {
	return s.PlaybookID != ""
}

// StateExpectation is compared against the stored projection before a
// change is applied. A missing row compares equal to the zero value.
type StateExpectation struct {
	PlaybookID  string
	CurrentStep int
	Completed   bool
}

func (s ExceptionPlaybookState) Expectation() StateExpectation {
	return StateExpectation{
		PlaybookID:  s.PlaybookID,
		CurrentStep: s.CurrentStep,
		Completed:   s.Completed,
	}
}

// StateChange is applied in the same transaction as the events it
// accompanies. A failed expectation aborts the whole append with
// ErrProjectionConflict.
type StateChange struct {
	State  ExceptionPlaybookState
	Expect *StateExpectation
}
