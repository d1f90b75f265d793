package inbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/database"
)

// Schema creates the inbox table. Each consuming service includes it in its migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS inbox (
    consumer      TEXT NOT NULL,
    source        TEXT NOT NULL,
    aggregate_id  TEXT NOT NULL,
    last_sequence BIGINT NOT NULL,
    applied_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (consumer, source, aggregate_id)
);
`

// PostgresStore keeps marks in the service database.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a store on db.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LastApplied(ctx context.Context, consumer, source, aggregateID string) (uint64, error) {
	var last int64
	err := s.db.Conn(ctx).QueryRow(ctx,
		`SELECT last_sequence FROM inbox WHERE consumer = $1 AND source = $2 AND aggregate_id = $3`,
		consumer, source, aggregateID,
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query inbox: %w", err)
	}
	return uint64(last), nil
}

// MarkApplied upserts the mark only if it moves forward, so two racing
// transactions cannot both apply the same event.
func (s *PostgresStore) MarkApplied(ctx context.Context, consumer, source, aggregateID string, seq uint64) error {
	tag, err := s.db.Conn(ctx).Exec(ctx, `
		INSERT INTO inbox (consumer, source, aggregate_id, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (consumer, source, aggregate_id)
		DO UPDATE SET last_sequence = EXCLUDED.last_sequence, applied_at = NOW()
		WHERE inbox.last_sequence < EXCLUDED.last_sequence
	`, consumer, source, aggregateID, int64(seq))
	if err != nil {
		return fmt.Errorf("update inbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.DuplicateEvent(source, aggregateID, seq)
	}
	return nil
}
