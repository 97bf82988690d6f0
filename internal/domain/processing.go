// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type WorkerType string

const (
	WorkerIntake   WorkerType = "intake"
	WorkerTriage   WorkerType = "triage"
	WorkerPolicy   WorkerType = "policy"
	WorkerPlaybook WorkerType = "playbook"
	WorkerTool     WorkerType = "tool"
	WorkerFeedback WorkerType = "feedback"
)

func WorkerTypes() []WorkerType {
	return []WorkerType{
		WorkerIntake,
		WorkerTriage,
		WorkerPolicy,
		WorkerPlaybook,
		WorkerTool,
		WorkerFeedback,
	}
}

type ProcessingStatus string

const (
	ProcessingInFlight       ProcessingStatus = "processing"
	ProcessingCompleted      ProcessingStatus = "completed"
	ProcessingFailed         ProcessingStatus = "failed"
	ProcessingRetryScheduled ProcessingStatus = "retry_scheduled"
	ProcessingDeadLettered   ProcessingStatus = "dead_lettered"
)

// Terminal reports whether no further processing will happen.
func (s ProcessingStatus) Terminal() bool {
	return s == ProcessingCompleted || s == ProcessingDeadLettered
}

// EventProcessingRecord is the idempotency ledger row keyed by
// (EventID, WorkerType).
type EventProcessingRecord struct {
	EventID       uuid.UUID        `json:"event_id"`
	WorkerType    WorkerType       `json:"worker_type"`
	Status        ProcessingStatus `json:"status"`
	AttemptCount  int              `json:"attempt_count"`
	LastAttemptAt time.Time        `json:"last_attempt_at"`
	NextAttemptAt *time.Time       `json:"next_attempt_at,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
}

type ClaimResult string

const (
	// ClaimAcquired: first claim or a retry of a failed attempt.
	ClaimAcquired ClaimResult = "acquired"
	// ClaimReclaimed: a stale in-flight claim was taken over.
	ClaimReclaimed ClaimResult = "reclaimed"
	// ClaimBusy: another consumer holds a live claim.
	ClaimBusy ClaimResult = "busy"
	// ClaimDone: already completed or dead-lettered.
	ClaimDone ClaimResult = "done"
)

// UnsettledEvent is a published event that its routed worker has neither
// completed, dead-lettered nor scheduled for retry. Status is empty when the
// worker never claimed it.
type UnsettledEvent struct {
	Event      Event
	WorkerType WorkerType
	Status     ProcessingStatus
}

// EventFilter selects and paginates events of one exception. Pages are
// ordered by timestamp, then sequence. After resumes strictly past a
// previously returned event.
type EventFilter struct {
	EventTypes []EventType
	After      *EventCursor
	Limit      int
}

// EventCursor is a position in the (timestamp, sequence) order of an
// exception's log.
type EventCursor struct {
	Timestamp time.Time
	Sequence  int64
}

var ErrInvalidCursor = errors.New("invalid event cursor")

// CursorOf returns the cursor positioned at ev.
func CursorOf(ev Event) EventCursor {
	return EventCursor{Timestamp: ev.Timestamp, Sequence: ev.Sequence}
}

// Precedes reports whether ev sorts strictly after the cursor.
func (c EventCursor) Precedes(ev Event) bool {
	if !ev.Timestamp.Equal(c.Timestamp) {
		return ev.Timestamp.After(c.Timestamp)
	}
	return ev.Sequence > c.Sequence
}

// String encodes the cursor as "<unix nanos>-<sequence>".
func (c EventCursor) String() string {
	return strconv.FormatInt(c.Timestamp.UnixNano(), 10) + "-" + strconv.FormatInt(c.Sequence, 10)
}

func ParseEventCursor(raw string) (EventCursor, error) {
	ts, seq, ok := strings.Cut(raw, "-")
	if !ok {
		return EventCursor{}, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || nanos < 0 {
		return EventCursor{}, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil || n < 0 {
		return EventCursor{}, ErrInvalidCursor
	}
	return EventCursor{Timestamp: time.Unix(0, nanos).UTC(), Sequence: n}, nil
}

const (
	DefaultEventPageSize = 100
	MaxEventPageSize     = 1000
)

// Normalize clamps the page size.
func (f EventFilter) Normalize() EventFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultEventPageSize
	}
	if f.Limit > MaxEventPageSize {
		f.Limit = MaxEventPageSize
	}
	return f
}

// Matches reports whether t passes the type filter.
func (f EventFilter) Matches(t EventType) bool {
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, want := range f.EventTypes {
		if want == t {
			return true
		}
	}
	return false
}
