// SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"
	"log/slog"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/exception"
	"github.com/adiadia/exception-runtime/internal/playbook"
	"github.com/adiadia/exception-runtime/internal/repository"
)

// Playbook matches the evaluated exception against the tenant's playbooks.
// The engine records PlaybookMatched together with the projection change,
// so the handler itself emits nothing.
type Playbook struct {
	Events repository.EventStore
	Engine *playbook.Engine
	Now    func() time.Time
	Logger *slog.Logger
}

func (p *Playbook) Handle(ctx context.Context, ev domain.Event) ([]domain.Event, error) {
	if err := expect(ev, domain.EventPolicyEvaluationCompleted); err != nil {
		return nil, err
	}

	var verdict domain.PolicyEvaluationCompletedPayload
	if err := ev.DecodePayload(&verdict); err != nil {
		return nil, err
	}
	if verdict.Decision == domain.PolicyBlock {
		p.Logger.InfoContext(ctx, "policy blocked exception, skipping playbook matching",
			"exception_id", ev.ExceptionID,
			"reasons", verdict.Reasons,
		)
		return nil, nil
	}

	snap, err := exception.Load(ctx, p.Events, ev.TenantID, ev.ExceptionID, p.Now())
	if err != nil {
		return nil, err
	}
	// Match against this verdict even if a newer one was appended since.
	snap.Decision = verdict.Decision
	snap.PolicyTags = verdict.Tags
	snap.SLAMinutesRemaining = verdict.SLAMinutesRemaining

	if _, _, err := p.Engine.Match(ctx, snap, ev.EventID); err != nil {
		return nil, err
	}
	return nil, nil
}
