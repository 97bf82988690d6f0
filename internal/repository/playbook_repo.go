// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PlaybookRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPlaybookRepository(pool *pgxpool.Pool, logger *slog.Logger) *PlaybookRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PlaybookRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *PlaybookRepository) SavePlaybook(ctx context.Context, pb domain.Playbook) error {
	if err := pb.Validate(); err != nil {
		return err
	}

	conditions, err := json.Marshal(pb.Conditions)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return classify("begin playbook tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO playbook (tenant_id, id, version, name, domain, priority, conditions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, COALESCE($8, NOW()))
	`,
		pb.TenantID,
		pb.ID,
		pb.Version,
		pb.Name,
		pb.Conditions.Domain,
		pb.Priority,
		conditions,
		nullTime(pb.CreatedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrPlaybookVersionExists
		}
		r.logger.Error("insert playbook failed",
			"tenant_id", pb.TenantID,
			"playbook_id", pb.ID,
			"version", pb.Version,
			"error", err,
		)
		return classify("insert playbook", err)
	}

	for _, step := range pb.Steps {
		params := step.Params
		if params == nil {
			params = map[string]string{}
		}
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO playbook_step (tenant_id, playbook_id, playbook_version, step_order, action_type, params)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		`,
			pb.TenantID,
			pb.ID,
			pb.Version,
			step.StepOrder,
			step.ActionType,
			paramsJSON,
		); err != nil {
			r.logger.Error("insert playbook step failed",
				"playbook_id", pb.ID,
				"step_order", step.StepOrder,
				"error", err,
			)
			return classify("insert playbook step", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit failed", "error", err)
		return classify("commit playbook tx", err)
	}
	return nil
}

func (r *PlaybookRepository) GetPlaybook(ctx context.Context, tenantID, playbookID string, version int) (domain.Playbook, error) {
	var (
		pb         domain.Playbook
		conditions []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, id, version, name, priority, conditions, created_at
		FROM playbook
		WHERE tenant_id=$1 AND id=$2 AND version=$3
	`, tenantID, playbookID, version).Scan(
		&pb.TenantID,
		&pb.ID,
		&pb.Version,
		&pb.Name,
		&pb.Priority,
		&conditions,
		&pb.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Playbook{}, domain.ErrPlaybookNotFound
		}
		r.logger.Error("get playbook failed",
			"tenant_id", tenantID,
			"playbook_id", playbookID,
			"version", version,
			"error", err,
		)
		return domain.Playbook{}, classify("get playbook", err)
	}
	if err := json.Unmarshal(conditions, &pb.Conditions); err != nil {
		return domain.Playbook{}, err
	}
	pb.CreatedAt = pb.CreatedAt.UTC()

	steps, err := r.listSteps(ctx, tenantID, playbookID, version)
	if err != nil {
		return domain.Playbook{}, err
	}
	pb.Steps = steps
	return pb, nil
}

func (r *PlaybookRepository) listSteps(ctx context.Context, tenantID, playbookID string, version int) ([]domain.PlaybookStep, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT step_order, action_type, params
		FROM playbook_step
		WHERE tenant_id=$1 AND playbook_id=$2 AND playbook_version=$3
		ORDER BY step_order ASC
	`, tenantID, playbookID, version)
	if err != nil {
		r.logger.Error("list playbook steps query failed",
			"playbook_id", playbookID,
			"error", err,
		)
		return nil, classify("list playbook steps", err)
	}
	defer rows.Close()

	steps := make([]domain.PlaybookStep, 0, 4)
	for rows.Next() {
		var (
			step   domain.PlaybookStep
			params []byte
		)
		if err := rows.Scan(&step.StepOrder, &step.ActionType, &params); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(params, &step.Params); err != nil {
			return nil, err
		}
		if len(step.Params) == 0 {
			step.Params = nil
		}
		steps = append(steps, step)
	}
	return steps, classify("list playbook steps", rows.Err())
}

func (r *PlaybookRepository) ListCandidatePlaybooks(ctx context.Context, tenantID, domainName string) ([]domain.Playbook, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (id) id, version
		FROM playbook
		WHERE tenant_id=$1
		ORDER BY id, version DESC
	`, tenantID)
	if err != nil {
		r.logger.Error("list candidate playbooks failed",
			"tenant_id", tenantID,
			"error", err,
		)
		return nil, classify("list candidate playbooks", err)
	}

	type ref struct {
		id      string
		version int
	}
	refs := make([]ref, 0, 8)
	for rows.Next() {
		var ref ref
		if err := rows.Scan(&ref.id, &ref.version); err != nil {
			rows.Close()
			return nil, err
		}
		refs = append(refs, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify("list candidate playbooks", err)
	}

	out := make([]domain.Playbook, 0, len(refs))
	for _, ref := range refs {
		pb, err := r.GetPlaybook(ctx, tenantID, ref.id, ref.version)
		if err != nil {
			return nil, err
		}
		// The domain filter applies to the latest version only.
		if pb.Conditions.Domain != "" && pb.Conditions.Domain != domainName {
			continue
		}
		out = append(out, pb)
	}
	return out, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
