// SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
)

type LLMRequest struct {
	TenantID      string
	ExceptionID   string
	Domain        string
	ExceptionType string
	Severity      domain.Severity
	Summary       string
	Attributes    map[string]string
}

type LLMResponse struct {
	ExceptionType string
	Severity      domain.Severity
	Summary       string
	Confidence    float64
	Model         string
}

// LLMRouter classifies an exception. Provider selection happens behind it.
type LLMRouter interface {
	Route(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

type LLMRouterFunc func(ctx context.Context, req LLMRequest) (LLMResponse, error)

func (f LLMRouterFunc) Route(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	return f(ctx, req)
}

const ruleRouterModel = "rules-v1"

// keywordSeverity is checked in order; the first keyword found in the
// summary or type wins.
var keywordSeverity = []struct {
	keyword  string
	severity domain.Severity
}{
	{"fraud", domain.SeverityCritical},
	{"breach", domain.SeverityCritical},
	{"outage", domain.SeverityHigh},
	{"mismatch", domain.SeverityHigh},
	{"delay", domain.SeverityMedium},
	{"late", domain.SeverityMedium},
}

// RuleRouter is the keyword classifier used when no model provider is
// configured. Latency simulates a remote call and honors cancellation.
type RuleRouter struct {
	Latency time.Duration
}

func (r *RuleRouter) Route(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	if r.Latency > 0 {
		timer := time.NewTimer(r.Latency)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return LLMResponse{}, ctx.Err()
		case <-timer.C:
		}
	}

	resp := LLMResponse{
		ExceptionType: req.ExceptionType,
		Severity:      req.Severity,
		Summary:       req.Summary,
		Confidence:    0.5,
		Model:         ruleRouterModel,
	}

	text := strings.ToLower(req.ExceptionType + " " + req.Summary)
	for _, rule := range keywordSeverity {
		if strings.Contains(text, rule.keyword) {
			if resp.Severity == "" || severityRank(rule.severity) > severityRank(resp.Severity) {
				resp.Severity = rule.severity
			}
			resp.Confidence = 0.8
			break
		}
	}
	if resp.Severity == "" {
		resp.Severity = domain.SeverityMedium
	}
	if resp.Summary == "" {
		resp.Summary = req.Domain + " exception " + req.ExceptionType
	}
	return resp, nil
}

func severityRank(s domain.Severity) int {
	switch s {
	case domain.SeverityLow:
		return 1
	case domain.SeverityMedium:
		return 2
	case domain.SeverityHigh:
		return 3
	case domain.SeverityCritical:
		return 4
	}
	return 0
}

// Triage asks the router to classify a normalized exception.
type Triage struct {
	Router LLMRouter
}

func (t *Triage) Handle(ctx context.Context, ev domain.Event) ([]domain.Event, error) {
	if err := expect(ev, domain.EventExceptionNormalized); err != nil {
		return nil, err
	}

	var in domain.ExceptionNormalizedPayload
	if err := ev.DecodePayload(&in); err != nil {
		return nil, err
	}

	resp, err := t.Router.Route(ctx, LLMRequest{
		TenantID:      ev.TenantID,
		ExceptionID:   ev.ExceptionID,
		Domain:        in.Domain,
		ExceptionType: in.ExceptionType,
		Severity:      in.Severity,
		Summary:       in.Summary,
		Attributes:    in.Attributes,
	})
	if err != nil {
		return nil, err
	}

	out := domain.TriageCompletedPayload{
		ExceptionType: resp.ExceptionType,
		Severity:      resp.Severity,
		Summary:       resp.Summary,
		Confidence:    resp.Confidence,
		Model:         resp.Model,
	}
	if out.ExceptionType == "" {
		out.ExceptionType = in.ExceptionType
	}
	if err := out.Validate(); err != nil {
		// Not wrapped: a bad classification is retried, not dead-lettered.
		return nil, fmt.Errorf("router %s returned invalid classification: %s", resp.Model, err)
	}

	next, err := domain.NewEvent(domain.EventTriageCompleted, ev.TenantID, ev.ExceptionID, out, ev.Metadata)
	if err != nil {
		return nil, err
	}
	return []domain.Event{next}, nil
}
