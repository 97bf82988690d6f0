// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrEventNotFound = errors.New("event not found")
var ErrPlaybookNotFound = errors.New("playbook not found")
var ErrNoActivePlaybook = errors.New("no active playbook for exception")
var ErrUnknownActionType = errors.New("unknown action type")
var ErrDeadLetterNotFound = errors.New("dead letter entry not found")
var ErrProjectionConflict = errors.New("playbook state changed concurrently")
var ErrPlaybookVersionExists = errors.New("playbook version already exists")

// SchemaValidationError marks a message that can never be processed.
// It is not retryable and goes straight to the dead-letter path.
type SchemaValidationError struct {
	Field  string
	Reason string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed: %s: %s", e.Field, e.Reason)
}

// TransientInfraError wraps broker or database unavailability. The consumer
// pauses and the message is redelivered without consuming a retry.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("transient infrastructure error: %s: %v", e.Op, e.Err)
}

func (e *TransientInfraError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientInfraError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientInfraError
	if errors.As(err, &te) {
		return err
	}
	return &TransientInfraError{Op: op, Err: err}
}

// HandlerLogicError is a retryable handler failure.
type HandlerLogicError struct {
	Err error
}

func (e *HandlerLogicError) Error() string {
	return "handler failed: " + e.Err.Error()
}

func (e *HandlerLogicError) Unwrap() error { return e.Err }

// StepOutOfOrderError is returned synchronously by step commands.
type StepOutOfOrderError struct {
	ExceptionID string
	PlaybookID  string
	Requested   int
	Current     int
	Completed   bool
}

func (e *StepOutOfOrderError) Error() string {
	if e.Completed {
		return fmt.Sprintf("step %d out of order: playbook %s already completed for exception %s",
			e.Requested, e.PlaybookID, e.ExceptionID)
	}
	return fmt.Sprintf("step %d out of order: current step is %d (playbook %s, exception %s)",
		e.Requested, e.Current, e.PlaybookID, e.ExceptionID)
}

// DuplicateEventError is treated as success by callers.
type DuplicateEventError struct {
	EventID uuid.UUID
}

func (e *DuplicateEventError) Error() string {
	return "duplicate event " + e.EventID.String()
}

type FailureClass string

const (
	FailureSchema    FailureClass = "schema"
	FailureTransient FailureClass = "transient"
	FailureHandler   FailureClass = "handler"
	FailureDuplicate FailureClass = "duplicate"
)

// Classify maps an error onto the failure taxonomy. Deadline overruns are
// handler failures so that timeouts enter retry bookkeeping; cancellation
// is transient because the message is simply redelivered.
func Classify(err error) FailureClass {
	var (
		schemaErr *SchemaValidationError
		transErr  *TransientInfraError
		dupErr    *DuplicateEventError
	)
	switch {
	case errors.As(err, &dupErr):
		return FailureDuplicate
	case errors.As(err, &schemaErr):
		return FailureSchema
	case errors.As(err, &transErr):
		return FailureTransient
	case errors.Is(err, context.DeadlineExceeded):
		return FailureHandler
	case errors.Is(err, context.Canceled):
		return FailureTransient
	default:
		return FailureHandler
	}
}
