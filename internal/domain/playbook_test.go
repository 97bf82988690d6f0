// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func threeStepPlaybook() Playbook {
	return Playbook{
		TenantID: "T1",
		ID:       "pb-finance",
		Version:  1,
		Priority: 1,
		Steps: []PlaybookStep{
			{StepOrder: 1, ActionType: ActionNotify},
			{StepOrder: 2, ActionType: ActionAssignOwner},
			{StepOrder: 4, ActionType: ActionSetStatus},
		},
	}
}

func TestPlaybookValidate(t *testing.T) {
	pb := threeStepPlaybook()
	if err := pb.Validate(); err != nil {
		t.Fatalf("expected valid playbook, got %v", err)
	}

	dup := threeStepPlaybook()
	dup.Steps[1].StepOrder = 1
	if err := dup.Validate(); err == nil {
		t.Fatal("expected duplicate step order to be rejected")
	}

	unknown := threeStepPlaybook()
	unknown.Steps[0].ActionType = "page_everyone"
	if err := unknown.Validate(); err == nil {
		t.Fatal("expected unknown action type to be rejected")
	}

	empty := threeStepPlaybook()
	empty.Steps = nil
	if err := empty.Validate(); err == nil {
		t.Fatal("expected empty steps to be rejected")
	}
}

func TestPlaybookStepNavigation(t *testing.T) {
	pb := threeStepPlaybook()

	if pb.FirstStep() != 1 {
		t.Fatalf("expected first step 1 got %d", pb.FirstStep())
	}
	if next, ok := pb.NextStep(2); !ok || next != 4 {
		t.Fatalf("expected next step 4 got %d (%v)", next, ok)
	}
	if _, ok := pb.NextStep(4); ok {
		t.Fatal("expected no step after the last")
	}
	if _, ok := pb.Step(3); ok {
		t.Fatal("expected gap to have no step")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want FailureClass
	}{
		{err: &SchemaValidationError{Field: "x", Reason: "y"}, want: FailureSchema},
		{err: fmt.Errorf("publish: %w", Transient("redis", errors.New("conn refused"))), want: FailureTransient},
		{err: &DuplicateEventError{}, want: FailureDuplicate},
		{err: fmt.Errorf("tool: %w", context.DeadlineExceeded), want: FailureHandler},
		{err: context.Canceled, want: FailureTransient},
		{err: &HandlerLogicError{Err: errors.New("boom")}, want: FailureHandler},
		{err: errors.New("plain"), want: FailureHandler},
	}

	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v): expected %s got %s", tc.err, tc.want, got)
		}
	}
}

func TestTransientDoesNotDoubleWrap(t *testing.T) {
	if Transient("op", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
	inner := Transient("db", errors.New("down"))
	if Transient("outer", inner) != inner {
		t.Fatal("expected existing transient error to be returned as is")
	}
}
