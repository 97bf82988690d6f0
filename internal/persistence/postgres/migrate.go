// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adiadia/exception-runtime/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationLockKey int64 = 0x4558435f4d494752 // "EXC_MIGR"

// ErrMigrationDrift is returned when an applied migration no longer matches
// the embedded file of the same version.
var ErrMigrationDrift = errors.New("applied migration differs from embedded file")

// schemaObjects lists what the stores read and write. Columns added after the
// first release are named explicitly.
var schemaObjects = map[string][]string{
	"event_log":                {"sequence", "published_at"},
	"event_processing":         {"status", "next_attempt_at"},
	"dead_letter_events":       {"worker_type"},
	"playbook":                 {"conditions"},
	"playbook_step":            {"action_type"},
	"exception_playbook_state": {"current_step", "completed"},
}

type SchemaHealthChecker struct {
	pool *pgxpool.Pool
}

func NewSchemaHealthChecker(pool *pgxpool.Pool) *SchemaHealthChecker {
	return &SchemaHealthChecker{pool: pool}
}

func (h *SchemaHealthChecker) Check(ctx context.Context) error {
	return SchemaReady(ctx, h.pool)
}

type appliedMigration struct {
	name     string
	checksum string
}

// EnsureSchema applies pending embedded migrations under a session advisory
// lock, so concurrent api and worker starts apply each file once.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if pool == nil {
		return errors.New("nil database pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	files, err := migrations.Ordered()
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	if len(files) == 0 {
		return errors.New("no embedded migrations found")
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Release()

	started := time.Now()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			logger.Error("migration unlock failed", "error", err)
		}
	}()

	applied, err := loadApplied(ctx, conn.Conn())
	if err != nil {
		return err
	}

	var pending []migrations.File
	for _, f := range files {
		prev, ok := applied[f.Version]
		if !ok {
			pending = append(pending, f)
			continue
		}
		if prev.checksum != f.Checksum {
			return fmt.Errorf("%w: version %d (%s)", ErrMigrationDrift, f.Version, prev.name)
		}
	}

	for _, f := range pending {
		if err := pgx.BeginFunc(ctx, conn.Conn(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, f.SQL, pgx.QueryExecModeSimpleProtocol); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
				f.Version, f.Name, f.Checksum,
			)
			return err
		}); err != nil {
			return fmt.Errorf("apply migration %s: %w", f.Name, err)
		}
		logger.Info("migration applied", "version", f.Version, "file", f.Name)
	}

	logger.Info("schema up to date",
		"applied", len(pending),
		"total", len(files),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return SchemaReady(ctx, pool)
}

func loadApplied(ctx context.Context, conn *pgx.Conn) (map[int]appliedMigration, error) {
	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	rows, err := conn.Query(ctx, `SELECT version, name, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]appliedMigration)
	for rows.Next() {
		var (
			version int
			m       appliedMigration
		)
		if err := rows.Scan(&version, &m.name, &m.checksum); err != nil {
			return nil, err
		}
		applied[version] = m
	}
	return applied, rows.Err()
}

// SchemaReady reports missing tables or columns in one round trip.
func SchemaReady(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil database pool")
	}

	var tables, columns []string
	for table, cols := range schemaObjects {
		for _, col := range cols {
			tables = append(tables, table)
			columns = append(columns, col)
		}
	}

	rows, err := pool.Query(ctx, `
		SELECT want.t || '.' || want.c
		FROM unnest($1::text[], $2::text[]) AS want(t, c)
		LEFT JOIN information_schema.columns ic
		  ON ic.table_schema = current_schema()
		 AND ic.table_name = want.t
		 AND ic.column_name = want.c
		WHERE ic.column_name IS NULL
		ORDER BY 1
	`, tables, columns)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	missing, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema incomplete, missing: %s", strings.Join(missing, ", "))
	}
	return nil
}
