package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/notification/internal/models"
)

type PostgresRepository struct {
	db *database.DB
}

func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetContact(ctx context.Context, customerID string) (*models.Contact, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var (
		c       models.Contact
		version int64
	)
	err := r.db.Conn(ctx).QueryRow(ctx,
		`SELECT customer_id, email, name, version, updated_at FROM contacts WHERE customer_id = $1`, customerID,
	).Scan(&c.CustomerID, &c.Email, &c.Name, &version, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContactNotFound
		}
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	c.Version = uint64(version)
	return &c, nil
}

func (r *PostgresRepository) SaveContact(ctx context.Context, c *models.Contact) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := r.db.Conn(ctx).Exec(ctx, `
		INSERT INTO contacts (customer_id, email, name, version, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (customer_id)
		DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name,
		              version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
		WHERE contacts.version < EXCLUDED.version`,
		c.CustomerID, c.Email, c.Name, int64(c.Version), c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}
	return nil
}

const notificationColumns = `id, customer_id, channel, recipient, subject, body, trigger_event, order_id,
	created_at, delivered_at, attempts, last_error`

func scanNotification(row pgx.Row) (*models.Notification, error) {
	var n models.Notification
	if err := row.Scan(&n.ID, &n.CustomerID, &n.Channel, &n.Recipient, &n.Subject, &n.Body,
		&n.Trigger, &n.OrderID, &n.CreatedAt, &n.DeliveredAt, &n.Attempts, &n.LastError); err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *PostgresRepository) CreateNotification(ctx context.Context, n *models.Notification) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := r.db.Conn(ctx).Exec(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		n.ID, n.CustomerID, n.Channel, n.Recipient, n.Subject, n.Body, n.Trigger, n.OrderID,
		n.CreatedAt, n.DeliveredAt, n.Attempts, n.LastError,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrNotificationExists
		}
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListNotifications(ctx context.Context, f ListFilter) ([]*models.Notification, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Conn(ctx).Query(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE ($1 = '' OR customer_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, f.CustomerID, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	out := []*models.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ClaimPending skips rows another instance is claiming, so concurrent
// workers never lease the same notification.
func (r *PostgresRepository) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*models.Notification, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	rows, err := r.db.Conn(ctx).Query(ctx, `
		UPDATE notifications SET claimed_until = NOW() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id FROM notifications
			WHERE delivered_at IS NULL AND (claimed_until IS NULL OR claimed_until < NOW())
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+notificationColumns, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim notifications: %w", err)
	}
	defer rows.Close()

	out := []*models.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *PostgresRepository) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	conn := r.db.Conn(ctx)
	tag, err := conn.Exec(ctx, `
		UPDATE notifications
		SET delivered_at = $2, attempts = attempts + 1, last_error = '', claimed_until = NULL
		WHERE id = $1 AND delivered_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark notification delivered: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check notification: %w", err)
	}
	if !exists {
		return false, ErrNotificationNotFound
	}
	return false, nil
}

func (r *PostgresRepository) RecordFailure(ctx context.Context, id, reason string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE notifications SET attempts = attempts + 1, last_error = $2, claimed_until = NULL
		WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to record notification failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}
