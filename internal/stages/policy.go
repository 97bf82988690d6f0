// SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/exception"
	"github.com/adiadia/exception-runtime/internal/repository"
)

const (
	TagHighValue   = "high_value"
	TagSLARisk     = "sla_risk"
	TagSLABreached = "sla_breached"
	TagCritical    = "critical"

	amountAttribute = "amount"
)

// PolicyRules derive tags and a decision from the triaged exception.
// Zero values disable the corresponding rule.
type PolicyRules struct {
	// HighValueAmount tags exceptions whose "amount" attribute is at least
	// this value.
	HighValueAmount float64
	// SLARiskMinutes tags exceptions with fewer minutes left.
	SLARiskMinutes int
	// BlockedTypes are exception types (lower case) that are never acted on.
	BlockedTypes []string
}

func DefaultPolicyRules() PolicyRules {
	return PolicyRules{HighValueAmount: 10000, SLARiskMinutes: 60}
}

// Evaluate is pure; it is exported for the recalculation path.
func (r PolicyRules) Evaluate(snap exception.Snapshot) domain.PolicyEvaluationCompletedPayload {
	out := domain.PolicyEvaluationCompletedPayload{
		Decision:            domain.PolicyAllow,
		SLAMinutesRemaining: snap.SLAMinutesRemaining,
	}
	tags := map[string]struct{}{}

	if snap.Domain != "" {
		tags["domain:"+snap.Domain] = struct{}{}
	}
	if snap.Severity == domain.SeverityCritical {
		tags[TagCritical] = struct{}{}
		out.Decision = domain.PolicyEscalate
		out.Reasons = append(out.Reasons, "critical severity")
	}

	if r.HighValueAmount > 0 {
		if raw, ok := snap.Attributes[amountAttribute]; ok {
			amount, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err == nil && amount >= r.HighValueAmount {
				tags[TagHighValue] = struct{}{}
				out.Reasons = append(out.Reasons, "amount "+raw+" over threshold")
			}
		}
	}

	if m := snap.SLAMinutesRemaining; m != nil {
		switch {
		case *m < 0:
			tags[TagSLABreached] = struct{}{}
			tags[TagSLARisk] = struct{}{}
			out.Decision = domain.PolicyEscalate
			out.Reasons = append(out.Reasons, "sla breached")
		case r.SLARiskMinutes > 0 && *m < r.SLARiskMinutes:
			tags[TagSLARisk] = struct{}{}
		}
	}

	for _, blocked := range r.BlockedTypes {
		if strings.EqualFold(blocked, snap.ExceptionType) {
			out.Decision = domain.PolicyBlock
			out.Reasons = append(out.Reasons, "exception type "+snap.ExceptionType+" is blocked")
			break
		}
	}

	out.Tags = make([]string, 0, len(tags))
	for tag := range tags {
		out.Tags = append(out.Tags, tag)
	}
	sort.Strings(out.Tags)
	return out
}

// Policy evaluates tenant rules against the exception as triaged so far.
type Policy struct {
	Events repository.EventStore
	Rules  PolicyRules
	Now    func() time.Time
}

func (p *Policy) Handle(ctx context.Context, ev domain.Event) ([]domain.Event, error) {
	if err := expect(ev, domain.EventTriageCompleted); err != nil {
		return nil, err
	}

	var triage domain.TriageCompletedPayload
	if err := ev.DecodePayload(&triage); err != nil {
		return nil, err
	}

	now := p.Now()
	snap, err := exception.Load(ctx, p.Events, ev.TenantID, ev.ExceptionID, now)
	if err != nil {
		return nil, err
	}
	// The verdict on the event wins over whatever the log holds now.
	snap.ExceptionType = triage.ExceptionType
	snap.Severity = triage.Severity
	if snap.SLADeadline != nil {
		m := int(snap.SLADeadline.Sub(now) / time.Minute)
		snap.SLAMinutesRemaining = &m
	}

	next, err := domain.NewEvent(domain.EventPolicyEvaluationCompleted, ev.TenantID, ev.ExceptionID, p.Rules.Evaluate(snap), ev.Metadata)
	if err != nil {
		return nil, err
	}
	return []domain.Event{next}, nil
}
