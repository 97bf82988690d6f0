// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeadLetterEntry is terminal unless an operator replays it.
type DeadLetterEntry struct {
	ID            uuid.UUID         `json:"id"`
	EventID       uuid.UUID         `json:"event_id"`
	EventType     EventType         `json:"event_type"`
	TenantID      string            `json:"tenant_id"`
	ExceptionID   string            `json:"exception_id,omitempty"`
	WorkerType    WorkerType        `json:"worker_type"`
	OriginalTopic string            `json:"original_topic"`
	FailureReason string            `json:"failure_reason"`
	RetryCount    int               `json:"retry_count"`
	FailedAt      time.Time         `json:"failed_at"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type DeadLetterFilter struct {
	TenantID   string
	WorkerType WorkerType
	Limit      int
	Offset     int
}

func (f DeadLetterFilter) Normalize() DeadLetterFilter {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
