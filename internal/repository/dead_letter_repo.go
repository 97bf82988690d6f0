// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const deadLetterColumns = `id, event_id, event_type, tenant_id, exception_id, worker_type,
	original_topic, failure_reason, retry_count, failed_at, payload, metadata`

type DeadLetterRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewDeadLetterRepository(pool *pgxpool.Pool, logger *slog.Logger) *DeadLetterRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &DeadLetterRepository{
		pool:   pool,
		logger: logger,
	}
}

func scanDeadLetter(row pgx.Row) (domain.DeadLetterEntry, error) {
	var (
		entry    domain.DeadLetterEntry
		payload  []byte
		metadata []byte
	)
	if err := row.Scan(
		&entry.ID,
		&entry.EventID,
		&entry.EventType,
		&entry.TenantID,
		&entry.ExceptionID,
		&entry.WorkerType,
		&entry.OriginalTopic,
		&entry.FailureReason,
		&entry.RetryCount,
		&entry.FailedAt,
		&payload,
		&metadata,
	); err != nil {
		return domain.DeadLetterEntry{}, err
	}

	if len(payload) > 0 {
		entry.Payload = json.RawMessage(payload)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return domain.DeadLetterEntry{}, err
		}
		if len(entry.Metadata) == 0 {
			entry.Metadata = nil
		}
	}
	entry.FailedAt = entry.FailedAt.UTC()
	return entry, nil
}

func (r *DeadLetterRepository) InsertDeadLetter(ctx context.Context, entry domain.DeadLetterEntry) (domain.DeadLetterEntry, bool, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return domain.DeadLetterEntry{}, false, err
	}

	var payload any
	if len(entry.Payload) > 0 {
		if json.Valid(entry.Payload) {
			payload = []byte(entry.Payload)
		} else {
			// Keep undecodable bodies as a JSON string.
			quoted, _ := json.Marshal(string(entry.Payload))
			payload = quoted
		}
	}

	stored, err := scanDeadLetter(r.pool.QueryRow(ctx, `
		INSERT INTO dead_letter_events (
			id, event_id, event_type, tenant_id, exception_id, worker_type,
			original_topic, failure_reason, retry_count, failed_at, payload, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()), $11::jsonb, $12::jsonb)
		ON CONFLICT (event_id, worker_type) DO NOTHING
		RETURNING `+deadLetterColumns,
		entry.ID,
		entry.EventID,
		entry.EventType,
		entry.TenantID,
		entry.ExceptionID,
		entry.WorkerType,
		entry.OriginalTopic,
		entry.FailureReason,
		entry.RetryCount,
		nullTime(entry.FailedAt),
		payload,
		metaJSON,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		r.logger.Error("insert dead letter failed",
			"event_id", entry.EventID,
			"worker_type", entry.WorkerType,
			"error", err,
		)
		return domain.DeadLetterEntry{}, false, classify("insert dead letter", err)
	}

	existing, err := scanDeadLetter(r.pool.QueryRow(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letter_events
		WHERE event_id=$1 AND worker_type=$2
	`, entry.EventID, entry.WorkerType))
	if err != nil {
		return domain.DeadLetterEntry{}, false, classify("get dead letter", err)
	}
	return existing, false, nil
}

func (r *DeadLetterRepository) ListDeadLetterEntries(ctx context.Context, filter domain.DeadLetterFilter) ([]domain.DeadLetterEntry, error) {
	filter = filter.Normalize()

	rows, err := r.pool.Query(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letter_events
		WHERE ($1 = '' OR tenant_id = $1)
		  AND ($2 = '' OR worker_type = $2)
		ORDER BY failed_at DESC, id
		LIMIT $3 OFFSET $4
	`, filter.TenantID, string(filter.WorkerType), filter.Limit, filter.Offset)
	if err != nil {
		r.logger.Error("list dead letters query failed",
			"tenant_id", filter.TenantID,
			"error", err,
		)
		return nil, classify("list dead letters", err)
	}
	defer rows.Close()

	out := make([]domain.DeadLetterEntry, 0, 8)
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			r.logger.Error("scan dead letter row failed", "error", err)
			return nil, err
		}
		out = append(out, entry)
	}
	return out, classify("list dead letters", rows.Err())
}

func (r *DeadLetterRepository) GetDeadLetterEntry(ctx context.Context, id uuid.UUID) (domain.DeadLetterEntry, error) {
	entry, err := scanDeadLetter(r.pool.QueryRow(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letter_events
		WHERE id=$1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeadLetterEntry{}, domain.ErrDeadLetterNotFound
		}
		r.logger.Error("get dead letter failed", "id", id, "error", err)
		return domain.DeadLetterEntry{}, classify("get dead letter", err)
	}
	return entry, nil
}
