package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/common/messaging"
)

// Schema creates the outbox table. Each service includes it in its own migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox (
    position     BIGSERIAL PRIMARY KEY,
    id           TEXT NOT NULL UNIQUE,
    topic        TEXT NOT NULL,
    key          TEXT NOT NULL,
    envelope     JSONB NOT NULL,
    attempts     INTEGER NOT NULL DEFAULT 0,
    last_error   TEXT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    published_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (position) WHERE published_at IS NULL;
`

// PostgresStore keeps the outbox in the service database.
type PostgresStore struct {
	db      *database.DB
	service string
	lockID  int64
}

// NewPostgresStore creates a store. The advisory lock id is derived from service
// so relays of different services sharing a server never contend.
func NewPostgresStore(db *database.DB, service string) *PostgresStore {
	h := fnv.New64a()
	_, _ = h.Write([]byte("outbox:" + service))
	return &PostgresStore{db: db, service: service, lockID: int64(h.Sum64())}
}

func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	env, err := json.Marshal(rec.Envelope)
	if err != nil {
		return fmt.Errorf("marshal outbox envelope: %w", err)
	}

	query := `
		INSERT INTO outbox (id, topic, key, envelope, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.Conn(ctx).Exec(ctx, query, rec.ID, rec.Topic, rec.Key, env, rec.CreatedAt); err != nil {
		return fmt.Errorf("insert outbox record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Process(ctx context.Context, limit int, fn ProcessFunc) (int, error) {
	var count int
	var fnErr error

	err := s.db.InTx(ctx, func(ctx context.Context) error {
		conn := s.db.Conn(ctx)

		var locked bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, s.lockID).Scan(&locked); err != nil {
			return fmt.Errorf("acquire outbox lock: %w", err)
		}
		if !locked {
			return nil
		}

		pending, err := s.fetchPending(ctx, conn, limit)
		if err != nil || len(pending) == 0 {
			return err
		}

		published, err := fn(ctx, pending)
		fnErr = err
		count = len(published)

		if len(published) > 0 {
			if _, err := conn.Exec(ctx,
				`UPDATE outbox SET published_at = NOW() WHERE id = ANY($1)`, published); err != nil {
				return fmt.Errorf("mark outbox published: %w", err)
			}
		}
		if fnErr != nil {
			if failed := firstUnpublished(pending, published); failed != nil {
				if _, err := conn.Exec(ctx,
					`UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
					failed.ID, fnErr.Error()); err != nil {
					return fmt.Errorf("record outbox failure: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, fnErr
}

func (s *PostgresStore) fetchPending(ctx context.Context, conn database.Querier, limit int) ([]Record, error) {
	query := `
		SELECT position, id, topic, key, envelope, attempts, COALESCE(last_error, ''), created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY position
		LIMIT $1
	`
	rows, err := conn.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var raw []byte
		if err := rows.Scan(&rec.Position, &rec.ID, &rec.Topic, &rec.Key, &raw, &rec.Attempts, &rec.LastError, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		var env messaging.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode outbox envelope %s: %w", rec.ID, err)
		}
		rec.Envelope = &env
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Pending(ctx context.Context) (int, error) {
	var n int
	err := s.db.Conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox: %w", err)
	}
	return n, nil
}
