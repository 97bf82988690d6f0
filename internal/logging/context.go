// SPDX-License-Identifier: Apache-2.0

package logging

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are added to every record logged with a context carrying them.
type LogFields struct {
	TenantID    string
	ExceptionID string
	EventID     string
	EventType   string
	WorkerType  string
	// MessageID is the broker delivery id.
	MessageID string
	// RequestID ties worker-side records back to the api request.
	RequestID string
	Component string
}

// WithFields merges fields into the context. Non-empty values win.
func WithFields(ctx context.Context, fields LogFields) context.Context {
	merged := merge(FieldsFromContext(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

func FieldsFromContext(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func merge(existing, next LogFields) LogFields {
	out := existing
	if next.TenantID != "" {
		out.TenantID = next.TenantID
	}
	if next.ExceptionID != "" {
		out.ExceptionID = next.ExceptionID
	}
	if next.EventID != "" {
		out.EventID = next.EventID
	}
	if next.EventType != "" {
		out.EventType = next.EventType
	}
	if next.WorkerType != "" {
		out.WorkerType = next.WorkerType
	}
	if next.MessageID != "" {
		out.MessageID = next.MessageID
	}
	if next.RequestID != "" {
		out.RequestID = next.RequestID
	}
	if next.Component != "" {
		out.Component = next.Component
	}
	return out
}

// Truncate shortens s to maxLen bytes for log output.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
