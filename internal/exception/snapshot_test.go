// SPDX-License-Identifier: Apache-2.0

package exception

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/repository/memstore"
)

func mustEvent(t *testing.T, et domain.EventType, exc string, payload any) domain.Event {
	t.Helper()
	ev, err := domain.NewEvent(et, "T1", exc, payload, nil)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func TestFoldLaterEventsRefineEarlierOnes(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(90 * time.Minute)
	events := []domain.Event{
		mustEvent(t, domain.EventExceptionIngested, "E1", domain.ExceptionIngestedPayload{
			SourceSystem:  "erp",
			ExceptionType: "mismatch",
			Severity:      "medium",
			Summary:       "raw summary",
			SLADeadline:   &deadline,
		}),
		mustEvent(t, domain.EventExceptionNormalized, "E1", domain.ExceptionNormalizedPayload{
			SourceSystem:  "erp",
			Domain:        "finance",
			ExceptionType: "payment_mismatch",
		}),
		mustEvent(t, domain.EventTriageCompleted, "E1", domain.TriageCompletedPayload{
			ExceptionType: "payment_mismatch",
			Severity:      domain.SeverityHigh,
			Confidence:    0.9,
		}),
		mustEvent(t, domain.EventExceptionIngested, "E2", domain.ExceptionIngestedPayload{
			SourceSystem:  "other",
			ExceptionType: "noise",
		}),
	}

	s := Fold("T1", "E1", events, now)
	if s.Domain != "finance" || s.ExceptionType != "payment_mismatch" {
		t.Fatalf("unexpected classification %+v", s)
	}
	if s.Severity != domain.SeverityHigh {
		t.Fatalf("expected triage severity, got %s", s.Severity)
	}
	if s.Summary != "raw summary" {
		t.Fatalf("empty refinements must keep the summary, got %q", s.Summary)
	}
	if s.SLAMinutesRemaining == nil || *s.SLAMinutesRemaining != 90 {
		t.Fatalf("expected 90 minutes from the deadline, got %v", s.SLAMinutesRemaining)
	}
}

func TestFoldPolicyVerdictOverridesDeadline(t *testing.T) {
	t.Parallel()

	now := time.Now()
	deadline := now.Add(10 * time.Hour)
	minutes := 15
	events := []domain.Event{
		mustEvent(t, domain.EventExceptionIngested, "E1", domain.ExceptionIngestedPayload{
			SourceSystem:  "erp",
			ExceptionType: "late_shipment",
			SLADeadline:   &deadline,
		}),
		mustEvent(t, domain.EventPolicyEvaluationCompleted, "E1", domain.PolicyEvaluationCompletedPayload{
			Decision:            domain.PolicyEscalate,
			Tags:                []string{"sla_risk"},
			SLAMinutesRemaining: &minutes,
		}),
	}

	s := Fold("T1", "E1", events, now)
	if s.Domain != defaultDomain {
		t.Fatalf("expected default domain, got %q", s.Domain)
	}
	if s.Decision != domain.PolicyEscalate || len(s.PolicyTags) != 1 {
		t.Fatalf("unexpected policy fold %+v", s)
	}
	if *s.SLAMinutesRemaining != 15 {
		t.Fatalf("expected policy minutes, got %d", *s.SLAMinutesRemaining)
	}
}

func TestLoadUnknownException(t *testing.T) {
	store := memstore.New()
	if _, err := Load(context.Background(), store, "T1", "missing", time.Now()); !errors.Is(err, domain.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestReadAllPagesPastPageSize(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	total := domain.MaxEventPageSize + 5
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < total; i++ {
		ev := mustEvent(t, domain.EventFeedbackCaptured, "E1", domain.FeedbackCapturedPayload{
			SourceEventID:   domain.DerivedEventID([16]byte{1}, domain.WorkerFeedback, i),
			SourceEventType: domain.EventToolExecutionCompleted,
			Outcome:         "ok",
		})
		// Later appends carry earlier timestamps.
		ev.Timestamp = base.Add(-time.Duration(i) * time.Millisecond)
		if _, _, err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, err := ReadAll(ctx, store, "T1", "E1", []domain.EventType{domain.EventFeedbackCaptured})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(events) != total {
		t.Fatalf("expected %d events, got %d", total, len(events))
	}
	seen := make(map[int64]bool, total)
	for i, ev := range events {
		if seen[ev.Sequence] {
			t.Fatalf("sequence %d returned twice", ev.Sequence)
		}
		seen[ev.Sequence] = true
		if i > 0 && ev.Timestamp.Before(events[i-1].Timestamp) {
			t.Fatalf("events out of timestamp order at %d", i)
		}
	}
}
