// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a single connection pool.
type PostgresStore struct {
	*EventRepository
	*ProcessingRepository
	*DeadLetterRepository
	*PlaybookRepository
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		EventRepository:      NewEventRepository(pool, logger),
		ProcessingRepository: NewProcessingRepository(pool, logger),
		DeadLetterRepository: NewDeadLetterRepository(pool, logger),
		PlaybookRepository:   NewPlaybookRepository(pool, logger),
	}
}
