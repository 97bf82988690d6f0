// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const eventColumns = `sequence, event_id, event_type, tenant_id, exception_id, correlation_id,
	occurred_at, payload, metadata, schema_version`

// qualifiedEventColumns is eventColumns for queries joining event_log as e.
const qualifiedEventColumns = `e.sequence, e.event_id, e.event_type, e.tenant_id, e.exception_id, e.correlation_id,
	e.occurred_at, e.payload, e.metadata, e.schema_version`

type EventRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewEventRepository(pool *pgxpool.Pool, logger *slog.Logger) *EventRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *EventRepository) AppendEvent(ctx context.Context, ev domain.Event) (domain.Event, bool, error) {
	if err := ev.Validate(); err != nil {
		return domain.Event{}, false, err
	}

	stored, created, err := insertEvent(ctx, r.pool, ev)
	if err != nil {
		r.logger.Error("append event failed",
			"event_id", ev.EventID,
			"event_type", ev.EventType,
			"tenant_id", ev.TenantID,
			"error", err,
		)
		return domain.Event{}, false, classify("append event", err)
	}
	return stored, created, nil
}

func (r *EventRepository) AppendEvents(ctx context.Context, evs []domain.Event, change *domain.StateChange) ([]domain.Event, error) {
	for _, ev := range evs {
		if err := ev.Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return nil, classify("begin append tx", err)
	}
	defer tx.Rollback(ctx)

	if change != nil {
		if err := checkProjection(ctx, tx, change); err != nil {
			if !errors.Is(err, domain.ErrProjectionConflict) {
				r.logger.Error("projection check failed",
					"tenant_id", change.State.TenantID,
					"exception_id", change.State.ExceptionID,
					"error", err,
				)
			}
			return nil, classify("check projection", err)
		}
	}

	out := make([]domain.Event, 0, len(evs))
	for _, ev := range evs {
		stored, _, err := insertEvent(ctx, tx, ev)
		if err != nil {
			r.logger.Error("append event failed",
				"event_id", ev.EventID,
				"event_type", ev.EventType,
				"error", err,
			)
			return nil, classify("append event", err)
		}
		out = append(out, stored)
	}

	if change != nil {
		if err := applyProjection(ctx, tx, change.State); err != nil {
			r.logger.Error("apply projection failed",
				"tenant_id", change.State.TenantID,
				"exception_id", change.State.ExceptionID,
				"error", err,
			)
			return nil, classify("apply projection", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit failed", "error", err)
		return nil, classify("commit append tx", err)
	}
	return out, nil
}

func insertEvent(ctx context.Context, q dbtx, ev domain.Event) (domain.Event, bool, error) {
	metadata := ev.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return domain.Event{}, false, err
	}

	var seq int64
	err = q.QueryRow(ctx, `
		INSERT INTO event_log (
			event_id, event_type, tenant_id, exception_id, correlation_id,
			occurred_at, payload, metadata, schema_version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING sequence
	`,
		ev.EventID,
		ev.EventType,
		ev.TenantID,
		ev.ExceptionID,
		ev.CorrelationID,
		ev.Timestamp.UTC(),
		[]byte(ev.Payload),
		metaJSON,
		ev.SchemaVersion,
	).Scan(&seq)
	if err == nil {
		ev.Sequence = seq
		return ev, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, false, err
	}

	// Duplicate event id: hand back what is stored.
	existing, err := scanEvent(q.QueryRow(ctx, `SELECT `+eventColumns+` FROM event_log WHERE event_id=$1`, ev.EventID))
	if err != nil {
		return domain.Event{}, false, err
	}
	return existing, false, nil
}

func checkProjection(ctx context.Context, tx pgx.Tx, change *domain.StateChange) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO exception_playbook_state (tenant_id, exception_id)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id, exception_id) DO NOTHING
	`, change.State.TenantID, change.State.ExceptionID); err != nil {
		return err
	}

	var current domain.ExceptionPlaybookState
	if err := tx.QueryRow(ctx, `
		SELECT current_playbook_id, current_step, completed
		FROM exception_playbook_state
		WHERE tenant_id=$1 AND exception_id=$2
		FOR UPDATE
	`, change.State.TenantID, change.State.ExceptionID).Scan(
		&current.PlaybookID,
		&current.CurrentStep,
		&current.Completed,
	); err != nil {
		return err
	}

	if !CheckExpectation(current, change.Expect) {
		return domain.ErrProjectionConflict
	}
	return nil
}

func applyProjection(ctx context.Context, tx pgx.Tx, state domain.ExceptionPlaybookState) error {
	_, err := tx.Exec(ctx, `
		UPDATE exception_playbook_state
		SET current_playbook_id=$3,
		    playbook_version=$4,
		    current_step=$5,
		    completed=$6,
		    updated_at=NOW()
		WHERE tenant_id=$1 AND exception_id=$2
	`,
		state.TenantID,
		state.ExceptionID,
		state.PlaybookID,
		state.PlaybookVersion,
		state.CurrentStep,
		state.Completed,
	)
	return err
}

// scanEvent reads eventColumns followed by any extra columns into extra.
func scanEvent(row pgx.Row, extra ...any) (domain.Event, error) {
	var (
		ev       domain.Event
		payload  []byte
		metadata []byte
	)
	dest := append([]any{
		&ev.Sequence,
		&ev.EventID,
		&ev.EventType,
		&ev.TenantID,
		&ev.ExceptionID,
		&ev.CorrelationID,
		&ev.Timestamp,
		&payload,
		&metadata,
		&ev.SchemaVersion,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.Event{}, err
	}

	ev.Payload = json.RawMessage(payload)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return domain.Event{}, err
		}
		if len(ev.Metadata) == 0 {
			ev.Metadata = nil
		}
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return ev, nil
}

func (r *EventRepository) GetEventsByException(ctx context.Context, tenantID, exceptionID string, filter domain.EventFilter) ([]domain.Event, error) {
	filter = filter.Normalize()

	types := make([]string, 0, len(filter.EventTypes))
	for _, et := range filter.EventTypes {
		types = append(types, string(et))
	}

	var (
		afterTS  *time.Time
		afterSeq int64
	)
	if filter.After != nil {
		afterTS, afterSeq = &filter.After.Timestamp, filter.After.Sequence
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM event_log
		WHERE tenant_id=$1
		  AND exception_id=$2
		  AND ($3::timestamptz IS NULL OR (occurred_at, sequence) > ($3::timestamptz, $4::bigint))
		  AND (cardinality($5::text[]) = 0 OR event_type = ANY($5::text[]))
		ORDER BY occurred_at ASC, sequence ASC
		LIMIT $6
	`,
		tenantID,
		exceptionID,
		afterTS,
		afterSeq,
		types,
		filter.Limit,
	)
	if err != nil {
		r.logger.Error("list events query failed",
			"tenant_id", tenantID,
			"exception_id", exceptionID,
			"error", err,
		)
		return nil, classify("list events", err)
	}
	defer rows.Close()

	out := make([]domain.Event, 0, 8)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			r.logger.Error("scan event row failed",
				"tenant_id", tenantID,
				"exception_id", exceptionID,
				"error", err,
			)
			return nil, err
		}
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("events rows iteration failed",
			"tenant_id", tenantID,
			"exception_id", exceptionID,
			"error", err,
		)
		return nil, classify("list events", err)
	}

	return out, nil
}

func (r *EventRepository) GetEvent(ctx context.Context, eventID uuid.UUID) (domain.Event, error) {
	ev, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM event_log WHERE event_id=$1`, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Event{}, domain.ErrEventNotFound
		}
		r.logger.Error("get event failed", "event_id", eventID, "error", err)
		return domain.Event{}, classify("get event", err)
	}
	return ev, nil
}

func (r *EventRepository) ListUnpublished(ctx context.Context, olderThan time.Time, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM event_log
		WHERE published_at IS NULL
		  AND appended_at <= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		r.logger.Error("list unpublished query failed", "error", err)
		return nil, classify("list unpublished", err)
	}
	defer rows.Close()

	out := make([]domain.Event, 0, 8)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, classify("list unpublished", rows.Err())
}

func (r *EventRepository) MarkPublished(ctx context.Context, eventIDs []uuid.UUID) error {
	if len(eventIDs) == 0 {
		return nil
	}

	if _, err := r.pool.Exec(ctx, `
		UPDATE event_log
		SET published_at=NOW()
		WHERE event_id = ANY($1)
		  AND published_at IS NULL
	`, eventIDs); err != nil {
		r.logger.Error("mark published failed", "count", len(eventIDs), "error", err)
		return classify("mark published", err)
	}
	return nil
}

func (r *EventRepository) GetPlaybookState(ctx context.Context, tenantID, exceptionID string) (domain.ExceptionPlaybookState, bool, error) {
	state := domain.ExceptionPlaybookState{TenantID: tenantID, ExceptionID: exceptionID}
	err := r.pool.QueryRow(ctx, `
		SELECT current_playbook_id, playbook_version, current_step, completed, updated_at
		FROM exception_playbook_state
		WHERE tenant_id=$1 AND exception_id=$2
	`, tenantID, exceptionID).Scan(
		&state.PlaybookID,
		&state.PlaybookVersion,
		&state.CurrentStep,
		&state.Completed,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExceptionPlaybookState{}, false, nil
		}
		r.logger.Error("get playbook state failed",
			"tenant_id", tenantID,
			"exception_id", exceptionID,
			"error", err,
		)
		return domain.ExceptionPlaybookState{}, false, classify("get playbook state", err)
	}
	return state, true, nil
}
