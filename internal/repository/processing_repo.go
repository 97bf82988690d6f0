// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordColumns = `event_id, worker_type, status, attempt_count, last_attempt_at, next_attempt_at, last_error`

type ProcessingRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewProcessingRepository(pool *pgxpool.Pool, logger *slog.Logger) *ProcessingRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &ProcessingRepository{
		pool:   pool,
		logger: logger,
	}
}

func scanRecord(row pgx.Row) (domain.EventProcessingRecord, error) {
	var rec domain.EventProcessingRecord
	if err := row.Scan(
		&rec.EventID,
		&rec.WorkerType,
		&rec.Status,
		&rec.AttemptCount,
		&rec.LastAttemptAt,
		&rec.NextAttemptAt,
		&rec.LastError,
	); err != nil {
		return domain.EventProcessingRecord{}, err
	}
	rec.LastAttemptAt = rec.LastAttemptAt.UTC()
	if rec.NextAttemptAt != nil {
		t := rec.NextAttemptAt.UTC()
		rec.NextAttemptAt = &t
	}
	return rec, nil
}

func (r *ProcessingRepository) IsAlreadyProcessed(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType) (bool, error) {
	var done bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM event_processing
			WHERE event_id=$1 AND worker_type=$2
			  AND status IN ('completed', 'dead_lettered')
		)
	`, eventID, workerType).Scan(&done)
	if err != nil {
		r.logger.Error("processed lookup failed",
			"event_id", eventID,
			"worker_type", workerType,
			"error", err,
		)
		return false, classify("is already processed", err)
	}
	return done, nil
}

func (r *ProcessingRepository) GetRecord(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType) (domain.EventProcessingRecord, bool, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM event_processing
		WHERE event_id=$1 AND worker_type=$2
	`, eventID, workerType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EventProcessingRecord{}, false, nil
		}
		return domain.EventProcessingRecord{}, false, classify("get processing record", err)
	}
	return rec, true, nil
}

// Claim runs the claim state machine under a row lock so that exactly one
// consumer wins a given (event_id, worker_type).
func (r *ProcessingRepository) Claim(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType, staleAfter time.Duration) (domain.EventProcessingRecord, domain.ClaimResult, error) {
	start := time.Now()
	defer func() { metrics.ObserveLedgerClaimLatency(time.Since(start)) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin claim tx failed", "error", err)
		return domain.EventProcessingRecord{}, "", classify("begin claim tx", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanRecord(tx.QueryRow(ctx, `
		INSERT INTO event_processing (event_id, worker_type, status, attempt_count, last_attempt_at)
		VALUES ($1, $2, 'processing', 1, NOW())
		ON CONFLICT (event_id, worker_type) DO NOTHING
		RETURNING `+recordColumns,
		eventID, workerType,
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return domain.EventProcessingRecord{}, "", classify("commit claim tx", err)
		}
		return rec, domain.ClaimAcquired, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		r.logger.Error("claim insert failed",
			"event_id", eventID,
			"worker_type", workerType,
			"error", err,
		)
		return domain.EventProcessingRecord{}, "", classify("claim", err)
	}

	rec, err = scanRecord(tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM event_processing
		WHERE event_id=$1 AND worker_type=$2
		FOR UPDATE
	`, eventID, workerType))
	if err != nil {
		return domain.EventProcessingRecord{}, "", classify("claim lock", err)
	}

	result := domain.ClaimAcquired
	switch rec.Status {
	case domain.ProcessingCompleted, domain.ProcessingDeadLettered:
		return rec, domain.ClaimDone, nil
	case domain.ProcessingInFlight:
		if staleAfter <= 0 || time.Since(rec.LastAttemptAt) < staleAfter {
			return rec, domain.ClaimBusy, nil
		}
		result = domain.ClaimReclaimed
	}

	rec, err = scanRecord(tx.QueryRow(ctx, `
		UPDATE event_processing
		SET status='processing',
		    attempt_count=attempt_count+1,
		    last_attempt_at=NOW(),
		    next_attempt_at=NULL
		WHERE event_id=$1 AND worker_type=$2
		RETURNING `+recordColumns,
		eventID, workerType,
	))
	if err != nil {
		r.logger.Error("claim update failed",
			"event_id", eventID,
			"worker_type", workerType,
			"error", err,
		)
		return domain.EventProcessingRecord{}, "", classify("claim", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.EventProcessingRecord{}, "", classify("commit claim tx", err)
	}
	return rec, result, nil
}

func (r *ProcessingRepository) exec(ctx context.Context, op string, eventID uuid.UUID, workerType domain.WorkerType, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, append([]any{eventID, workerType}, args...)...)
	if err != nil {
		r.logger.Error(op+" failed",
			"event_id", eventID,
			"worker_type", workerType,
			"error", err,
		)
		return classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := r.exists(ctx, eventID, workerType)
		if err != nil {
			return err
		}
		if !exists {
			return ErrRecordNotFound
		}
	}
	return nil
}

func (r *ProcessingRepository) exists(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM event_processing WHERE event_id=$1 AND worker_type=$2)
	`, eventID, workerType).Scan(&ok)
	return ok, classify("processing record lookup", err)
}

func (r *ProcessingRepository) MarkCompleted(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType) error {
	return r.exec(ctx, "mark completed", eventID, workerType, `
		UPDATE event_processing
		SET status='completed', next_attempt_at=NULL, last_error=''
		WHERE event_id=$1 AND worker_type=$2
	`)
}

func (r *ProcessingRepository) MarkFailed(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType, reason string) error {
	return r.exec(ctx, "mark failed", eventID, workerType, `
		UPDATE event_processing
		SET status='failed', last_error=$3
		WHERE event_id=$1 AND worker_type=$2
	`, reason)
}

func (r *ProcessingRepository) ReleaseClaim(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType, reason string) error {
	return r.exec(ctx, "release claim", eventID, workerType, `
		UPDATE event_processing
		SET status='failed',
		    last_error=$3,
		    attempt_count=GREATEST(attempt_count-1, 0)
		WHERE event_id=$1 AND worker_type=$2 AND status='processing'
	`, reason)
}

func (r *ProcessingRepository) ScheduleRetry(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType, nextAttemptAt time.Time, reason string) error {
	return r.exec(ctx, "schedule retry", eventID, workerType, `
		UPDATE event_processing
		SET status='retry_scheduled', next_attempt_at=$3, last_error=$4
		WHERE event_id=$1 AND worker_type=$2
	`, nextAttemptAt.UTC(), reason)
}

func (r *ProcessingRepository) MarkDeadLettered(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType, attempts int, reason string) error {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO event_processing (event_id, worker_type, status, attempt_count, last_error)
		VALUES ($1, $2, 'dead_lettered', $3, $4)
		ON CONFLICT (event_id, worker_type) DO UPDATE
		SET status='dead_lettered',
		    next_attempt_at=NULL,
		    last_error=EXCLUDED.last_error,
		    attempt_count=GREATEST(event_processing.attempt_count, EXCLUDED.attempt_count)
	`, eventID, workerType, attempts, reason); err != nil {
		r.logger.Error("mark dead lettered failed",
			"event_id", eventID,
			"worker_type", workerType,
			"error", err,
		)
		return classify("mark dead lettered", err)
	}
	return nil
}

func (r *ProcessingRepository) DueRetries(ctx context.Context, now time.Time, limit int) ([]domain.EventProcessingRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM event_processing
		WHERE status='retry_scheduled'
		  AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC, event_id ASC
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		r.logger.Error("due retries query failed", "error", err)
		return nil, classify("due retries", err)
	}
	defer rows.Close()

	out := make([]domain.EventProcessingRecord, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, classify("due retries", rows.Err())
}

func (r *ProcessingRepository) ClearRetry(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType) error {
	return r.exec(ctx, "clear retry", eventID, workerType, `
		UPDATE event_processing
		SET status='failed', next_attempt_at=NULL
		WHERE event_id=$1 AND worker_type=$2 AND status='retry_scheduled'
	`)
}

func (r *ProcessingRepository) PendingPredecessors(ctx context.Context, ev domain.Event, workerType domain.WorkerType, eventTypes []domain.EventType) (int, error) {
	if ev.ExceptionID == "" {
		return 0, nil
	}

	types := make([]string, 0, len(eventTypes))
	for _, et := range eventTypes {
		types = append(types, string(et))
	}

	var pending int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM event_log e
		LEFT JOIN event_processing p
		  ON p.event_id = e.event_id AND p.worker_type = $3
		WHERE e.tenant_id = $1
		  AND e.exception_id = $2
		  AND e.sequence < (SELECT sequence FROM event_log WHERE event_id = $4)
		  AND (cardinality($5::text[]) = 0 OR e.event_type = ANY($5::text[]))
		  AND (p.status IS NULL OR p.status NOT IN ('completed', 'dead_lettered'))
	`, ev.TenantID, ev.ExceptionID, workerType, ev.EventID, types).Scan(&pending)
	if err != nil {
		r.logger.Error("pending predecessors query failed",
			"event_id", ev.EventID,
			"worker_type", workerType,
			"error", err,
		)
		return 0, classify("pending predecessors", err)
	}
	return pending, nil
}

func (r *ProcessingRepository) ListUnsettled(ctx context.Context, routes map[domain.EventType]domain.WorkerType, afterSequence int64, limit int) ([]domain.UnsettledEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	eventTypes := make([]string, 0, len(routes))
	workerTypes := make([]string, 0, len(routes))
	for et, wt := range routes {
		eventTypes = append(eventTypes, string(et))
		workerTypes = append(workerTypes, string(wt))
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+qualifiedEventColumns+`, route.worker_type, COALESCE(p.status, '')
		FROM event_log e
		JOIN unnest($1::text[], $2::text[]) AS route(event_type, worker_type)
		  ON route.event_type = e.event_type
		LEFT JOIN event_processing p
		  ON p.event_id = e.event_id AND p.worker_type = route.worker_type
		WHERE e.sequence > $3
		  AND e.published_at IS NOT NULL
		  AND (p.status IS NULL OR p.status IN ('processing', 'failed'))
		ORDER BY e.sequence ASC
		LIMIT $4
	`, eventTypes, workerTypes, afterSequence, limit)
	if err != nil {
		r.logger.Error("unsettled events query failed", "error", err)
		return nil, classify("list unsettled", err)
	}
	defer rows.Close()

	var out []domain.UnsettledEvent
	for rows.Next() {
		var u domain.UnsettledEvent
		ev, err := scanEvent(rows, &u.WorkerType, &u.Status)
		if err != nil {
			return nil, err
		}
		u.Event = ev
		out = append(out, u)
	}
	return out, classify("list unsettled", rows.Err())
}
