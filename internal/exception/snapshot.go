// SPDX-License-Identifier: Apache-2.0

// Package exception folds an exception's event log into the snapshot the
// playbook matcher evaluates.
package exception

import (
	"context"
	"strings"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/repository"
)

const defaultDomain = "general"

type Snapshot struct {
	TenantID      string                `json:"tenant_id"`
	ExceptionID   string                `json:"exception_id"`
	SourceSystem  string                `json:"source_system,omitempty"`
	Domain        string                `json:"domain"`
	ExceptionType string                `json:"exception_type,omitempty"`
	Severity      domain.Severity       `json:"severity,omitempty"`
	Summary       string                `json:"summary,omitempty"`
	Attributes    map[string]string     `json:"attributes,omitempty"`
	SLADeadline   *time.Time            `json:"sla_deadline,omitempty"`
	PolicyTags    []string              `json:"policy_tags,omitempty"`
	Decision      domain.PolicyDecision `json:"policy_decision,omitempty"`
	// SLAMinutesRemaining comes from the policy verdict, or from the
	// deadline when no verdict carried it.
	SLAMinutesRemaining *int  `json:"sla_minutes_remaining,omitempty"`
	LastSequence        int64 `json:"last_sequence"`
}

// Fold applies events in order. Events of other exceptions and payloads
// that fail to decode are ignored.
func Fold(tenantID, exceptionID string, events []domain.Event, now time.Time) Snapshot {
	s := Snapshot{TenantID: tenantID, ExceptionID: exceptionID}
	for _, ev := range events {
		if ev.TenantID != tenantID || ev.ExceptionID != exceptionID {
			continue
		}
		s.apply(ev)
		if ev.Sequence > s.LastSequence {
			s.LastSequence = ev.Sequence
		}
	}

	if s.Domain == "" {
		s.Domain = defaultDomain
	}
	if s.SLAMinutesRemaining == nil && s.SLADeadline != nil {
		m := int(s.SLADeadline.Sub(now) / time.Minute)
		s.SLAMinutesRemaining = &m
	}
	return s
}

func (s *Snapshot) apply(ev domain.Event) {
	switch ev.EventType {
	case domain.EventExceptionIngested:
		var p domain.ExceptionIngestedPayload
		if ev.DecodePayload(&p) != nil {
			return
		}
		s.SourceSystem = p.SourceSystem
		s.Domain = strings.TrimSpace(p.Domain)
		s.ExceptionType = p.ExceptionType
		if sev, ok := domain.ParseSeverity(p.Severity); ok {
			s.Severity = sev
		}
		s.Summary = p.Summary
		s.SLADeadline = p.SLADeadline
		s.Attributes = p.Attributes

	case domain.EventExceptionNormalized:
		var p domain.ExceptionNormalizedPayload
		if ev.DecodePayload(&p) != nil {
			return
		}
		s.SourceSystem = p.SourceSystem
		s.Domain = p.Domain
		s.ExceptionType = p.ExceptionType
		if p.Severity != "" {
			s.Severity = p.Severity
		}
		if p.Summary != "" {
			s.Summary = p.Summary
		}
		if p.SLADeadline != nil {
			s.SLADeadline = p.SLADeadline
		}
		if p.Attributes != nil {
			s.Attributes = p.Attributes
		}

	case domain.EventTriageCompleted:
		var p domain.TriageCompletedPayload
		if ev.DecodePayload(&p) != nil {
			return
		}
		s.ExceptionType = p.ExceptionType
		s.Severity = p.Severity
		if p.Summary != "" {
			s.Summary = p.Summary
		}

	case domain.EventPolicyEvaluationCompleted:
		var p domain.PolicyEvaluationCompletedPayload
		if ev.DecodePayload(&p) != nil {
			return
		}
		s.Decision = p.Decision
		s.PolicyTags = p.Tags
		s.SLAMinutesRemaining = p.SLAMinutesRemaining
	}
}

// Load reads the whole log of one exception and folds it. An exception
// without events is ErrEventNotFound.
func Load(ctx context.Context, store repository.EventStore, tenantID, exceptionID string, now time.Time) (Snapshot, error) {
	events, err := ReadAll(ctx, store, tenantID, exceptionID, nil)
	if err != nil {
		return Snapshot{}, err
	}
	if len(events) == 0 {
		return Snapshot{}, domain.ErrEventNotFound
	}
	return Fold(tenantID, exceptionID, events, now), nil
}

// ReadAll pages through the log of one exception, optionally restricted
// to types.
func ReadAll(ctx context.Context, store repository.EventStore, tenantID, exceptionID string, types []domain.EventType) ([]domain.Event, error) {
	filter := domain.EventFilter{EventTypes: types, Limit: domain.MaxEventPageSize}

	var out []domain.Event
	for {
		page, err := store.GetEventsByException(ctx, tenantID, exceptionID, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < filter.Limit {
			return out, nil
		}
		cursor := domain.CursorOf(page[len(page)-1])
		filter.After = &cursor
	}
}
