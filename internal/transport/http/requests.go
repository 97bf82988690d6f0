// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/exception-runtime/internal/auth"
	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/google/uuid"
)

const metadataIdempotencyKey = "idempotency_key"

var ingestNamespace = uuid.MustParse("0f4c2a8e-7d3b-4b8e-a51c-93e2f6d0b7a4")

var (
	errInvalidLimit  = errors.New("invalid limit")
	errInvalidOffset = errors.New("invalid offset")
	errInvalidAfter  = errors.New("invalid after")
)

type ingestRequest struct {
	ExceptionID   string            `json:"exception_id"`
	CorrelationID string            `json:"correlation_id"`
	SourceSystem  string            `json:"source_system"`
	Domain        string            `json:"domain"`
	ExceptionType string            `json:"exception_type"`
	Severity      string            `json:"severity"`
	Summary       string            `json:"summary"`
	SLADeadline   *time.Time        `json:"sla_deadline"`
	Attributes    map[string]string `json:"attributes"`
	Raw           json.RawMessage   `json:"raw"`
}

// event builds the ExceptionIngested envelope. With an idempotency key in
// ctx the event id, and a missing exception id, derive from the key so a
// retried request appends nothing new.
func (req ingestRequest) event(ctx context.Context, tenantID string) (domain.Event, error) {
	payload := domain.ExceptionIngestedPayload{
		SourceSystem:  strings.TrimSpace(req.SourceSystem),
		Domain:        strings.TrimSpace(req.Domain),
		ExceptionType: strings.TrimSpace(req.ExceptionType),
		Severity:      strings.TrimSpace(req.Severity),
		Summary:       req.Summary,
		SLADeadline:   req.SLADeadline,
		Attributes:    req.Attributes,
		Raw:           req.Raw,
	}

	key, hasKey := auth.IdempotencyKeyFromContext(ctx)
	var keyed uuid.UUID
	if hasKey {
		keyed = uuid.NewSHA1(ingestNamespace, []byte(tenantID+"\x00"+key))
	}

	exceptionID := strings.TrimSpace(req.ExceptionID)
	if exceptionID == "" {
		suffix := uuid.NewString()
		if hasKey {
			suffix = keyed.String()
		}
		exceptionID = "EXC-" + strings.ToUpper(suffix[:8]) + strings.ToUpper(suffix[24:])
	}

	var metadata map[string]string
	if hasKey {
		metadata = map[string]string{metadataIdempotencyKey: key}
	}

	ev, err := domain.NewEvent(domain.EventExceptionIngested, tenantID, exceptionID, payload, metadata)
	if err != nil {
		return domain.Event{}, err
	}
	if hasKey {
		ev.EventID = keyed
	}
	if c := strings.TrimSpace(req.CorrelationID); c != "" {
		ev.CorrelationID = c
	}

	if err := ev.Validate(); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

type stepRequest struct {
	PlaybookID string `json:"playbook_id"`
	Actor      string `json:"actor"`
	Notes      string `json:"notes"`
}

type toolExecutionRequest struct {
	ToolID     string          `json:"tool_id"`
	Input      json.RawMessage `json:"input"`
	Actor      string          `json:"actor"`
	PlaybookID string          `json:"playbook_id"`
	StepOrder  int             `json:"step_order"`
}

func (req toolExecutionRequest) event(tenantID, exceptionID string) (domain.Event, error) {
	ev, err := domain.NewEvent(domain.EventToolExecutionRequested, tenantID, exceptionID, domain.ToolExecutionRequestedPayload{
		ToolID:     strings.TrimSpace(req.ToolID),
		Input:      req.Input,
		Actor:      strings.TrimSpace(req.Actor),
		PlaybookID: strings.TrimSpace(req.PlaybookID),
		StepOrder:  req.StepOrder,
	}, nil)
	if err != nil {
		return domain.Event{}, err
	}
	if err := ev.Validate(); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

type eventsResponse struct {
	ExceptionID string         `json:"exception_id"`
	Events      []domain.Event `json:"events"`
	NextAfter   string         `json:"next_after,omitempty"`
}

// decodeJSONBody strictly decodes a single JSON object into v. An empty
// body leaves v untouched when allowEmpty is set.
func decodeJSONBody(r *http.Request, v any, allowEmpty bool) error {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		if allowEmpty {
			return nil
		}
		return io.ErrUnexpectedEOF
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseEventFilter(r *http.Request) (domain.EventFilter, error) {
	q := r.URL.Query()
	var filter domain.EventFilter

	known := domain.EventTypes()
	for _, raw := range q["event_type"] {
		for _, part := range strings.Split(raw, ",") {
			et := domain.EventType(strings.TrimSpace(part))
			if et == "" {
				continue
			}
			if !slices.Contains(known, et) {
				return domain.EventFilter{}, errors.New("unknown event_type " + strconv.Quote(string(et)))
			}
			filter.EventTypes = append(filter.EventTypes, et)
		}
	}

	if after := strings.TrimSpace(q.Get("after")); after != "" {
		cursor, err := domain.ParseEventCursor(after)
		if err != nil {
			return domain.EventFilter{}, errInvalidAfter
		}
		filter.After = &cursor
	}

	limit, err := parseNonNegative(q.Get("limit"), errInvalidLimit)
	if err != nil {
		return domain.EventFilter{}, err
	}
	filter.Limit = limit
	return filter, nil
}

func parseDeadLetterFilter(r *http.Request) (domain.DeadLetterFilter, error) {
	q := r.URL.Query()

	limit, err := parseNonNegative(q.Get("limit"), errInvalidLimit)
	if err != nil {
		return domain.DeadLetterFilter{}, err
	}
	offset, err := parseNonNegative(q.Get("offset"), errInvalidOffset)
	if err != nil {
		return domain.DeadLetterFilter{}, err
	}

	return domain.DeadLetterFilter{
		TenantID:   strings.TrimSpace(q.Get("tenant_id")),
		WorkerType: domain.WorkerType(strings.TrimSpace(q.Get("worker_type"))),
		Limit:      limit,
		Offset:     offset,
	}, nil
}

func parseNonNegative(raw string, invalid error) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, invalid
	}
	return n, nil
}
