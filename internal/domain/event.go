// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const CurrentSchemaVersion = 1

type EventType string

const (
	EventExceptionIngested         EventType = "ExceptionIngested"
	EventExceptionNormalized       EventType = "ExceptionNormalized"
	EventTriageCompleted           EventType = "TriageCompleted"
	EventPolicyEvaluationCompleted EventType = "PolicyEvaluationCompleted"
	EventPlaybookMatched           EventType = "PlaybookMatched"
	EventStepCompleted             EventType = "StepCompleted"
	EventPlaybookCompleted         EventType = "PlaybookCompleted"
	EventToolExecutionRequested    EventType = "ToolExecutionRequested"
	EventToolExecutionCompleted    EventType = "ToolExecutionCompleted"
	EventFeedbackCaptured          EventType = "FeedbackCaptured"
	EventDeadLettered              EventType = "DeadLettered"
)

// EventTypes lists every event type known to this schema version.
func EventTypes() []EventType {
	return []EventType{
		EventExceptionIngested,
		EventExceptionNormalized,
		EventTriageCompleted,
		EventPolicyEvaluationCompleted,
		EventPlaybookMatched,
		EventStepCompleted,
		EventPlaybookCompleted,
		EventToolExecutionRequested,
		EventToolExecutionCompleted,
		EventFeedbackCaptured,
		EventDeadLettered,
	}
}

// Event is the canonical envelope. Once appended it is never mutated.
type Event struct {
	EventID       uuid.UUID         `json:"event_id"`
	EventType     EventType         `json:"event_type"`
	TenantID      string            `json:"tenant_id"`
	ExceptionID   string            `json:"exception_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	SchemaVersion int               `json:"schema_version"`

	// Sequence is the store insertion sequence; zero until appended.
	Sequence int64 `json:"sequence,omitempty"`
}

// NewEvent builds a current-version envelope with a fresh id. The
// correlation id defaults to the exception id.
func NewEvent(eventType EventType, tenantID, exceptionID string, payload any, metadata map[string]string) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{
		EventID:       uuid.New(),
		EventType:     eventType,
		TenantID:      tenantID,
		ExceptionID:   exceptionID,
		CorrelationID: exceptionID,
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
		Metadata:      metadata,
		SchemaVersion: CurrentSchemaVersion,
	}, nil
}

var derivedNamespace = uuid.MustParse("6b1d5d1e-5c2f-4a55-9a8e-2d0f1c7e9b31")

// DerivedEventID returns a stable id for the index-th event emitted by
// workerType while handling parent. Redeliveries of parent therefore emit
// the same ids and the store deduplicates them.
func DerivedEventID(parent uuid.UUID, workerType WorkerType, index int) uuid.UUID {
	name := parent.String() + "/" + string(workerType) + "/" + strconv.Itoa(index)
	return uuid.NewSHA1(derivedNamespace, []byte(name))
}

// Validate checks envelope-level fields and the typed payload.
func (e Event) Validate() error {
	if e.EventID == uuid.Nil {
		return &SchemaValidationError{Field: "event_id", Reason: "required"}
	}
	if strings.TrimSpace(e.TenantID) == "" {
		return &SchemaValidationError{Field: "tenant_id", Reason: "required"}
	}
	if e.SchemaVersion != CurrentSchemaVersion {
		return &SchemaValidationError{
			Field:  "schema_version",
			Reason: "unsupported version " + strconv.Itoa(e.SchemaVersion),
		}
	}
	if e.Timestamp.IsZero() {
		return &SchemaValidationError{Field: "timestamp", Reason: "required"}
	}

	payload, ok := NewPayload(e.EventType)
	if !ok {
		return &SchemaValidationError{Field: "event_type", Reason: "unknown type " + strconv.Quote(string(e.EventType))}
	}
	if payload.ExceptionScoped() && strings.TrimSpace(e.ExceptionID) == "" {
		return &SchemaValidationError{Field: "exception_id", Reason: "required for " + string(e.EventType)}
	}

	return e.DecodePayload(payload)
}

// DecodePayload unmarshals the payload into dst and validates it.
func (e Event) DecodePayload(dst Payload) error {
	if len(e.Payload) == 0 {
		return &SchemaValidationError{Field: "payload", Reason: "required"}
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return &SchemaValidationError{Field: "payload", Reason: err.Error()}
	}
	return dst.Validate()
}

// Encode serializes the envelope for transport.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope deserializes a transported envelope and validates it.
// Every failure is a SchemaValidationError.
func DecodeEnvelope(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, &SchemaValidationError{Field: "envelope", Reason: err.Error()}
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}
