// SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"
	"strings"

	"github.com/adiadia/exception-runtime/internal/domain"
)

const defaultDomain = "general"

// Intake normalizes a raw ingested exception.
type Intake struct{}

func (Intake) Handle(ctx context.Context, ev domain.Event) ([]domain.Event, error) {
	if err := expect(ev, domain.EventExceptionIngested); err != nil {
		return nil, err
	}

	var in domain.ExceptionIngestedPayload
	if err := ev.DecodePayload(&in); err != nil {
		return nil, err
	}

	out := domain.ExceptionNormalizedPayload{
		SourceSystem:  strings.TrimSpace(in.SourceSystem),
		Domain:        normalizeToken(in.Domain),
		ExceptionType: normalizeToken(in.ExceptionType),
		Summary:       strings.TrimSpace(in.Summary),
		SLADeadline:   in.SLADeadline,
		Attributes:    normalizeAttributes(in.Attributes),
	}
	if out.Domain == "" {
		out.Domain = defaultDomain
	}
	if strings.TrimSpace(in.Severity) != "" {
		sev, ok := domain.ParseSeverity(in.Severity)
		if !ok {
			return nil, &domain.SchemaValidationError{Field: "payload.severity", Reason: "invalid severity " + in.Severity}
		}
		out.Severity = sev
	}
	if out.SLADeadline != nil {
		utc := out.SLADeadline.UTC()
		out.SLADeadline = &utc
	}

	next, err := domain.NewEvent(domain.EventExceptionNormalized, ev.TenantID, ev.ExceptionID, out, ev.Metadata)
	if err != nil {
		return nil, err
	}
	return []domain.Event{next}, nil
}

// normalizeToken lower-cases and joins words with underscores:
// "Payment Mismatch" becomes "payment_mismatch".
func normalizeToken(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == ' ' || r == '-' || r == '\t'
	})
	return strings.Join(fields, "_")
}

func normalizeAttributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
