package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/ordering/internal/models"
)

type PostgresRepository struct {
	db *database.DB
}

func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const orderColumns = `id, customer_id, status, lines, total_cents, idempotency_key, reason, version, created_at, updated_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		o       models.Order
		lines   []byte
		version int64
	)
	if err := row.Scan(&o.ID, &o.CustomerID, &o.Status, &lines, &o.TotalCents, &o.IdempotencyKey,
		&o.Reason, &version, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(lines, &o.Lines); err != nil {
		return nil, fmt.Errorf("decode order lines: %w", err)
	}
	o.Version = uint64(version)
	return &o, nil
}

func (r *PostgresRepository) CreateOrder(ctx context.Context, o *models.Order) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	lines, err := json.Marshal(o.Lines)
	if err != nil {
		return err
	}
	_, err = r.db.Conn(ctx).Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.CustomerID, o.Status, lines, o.TotalCents, o.IdempotencyKey, o.Reason,
		int64(o.Version), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrOrderExists
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (r *PostgresRepository) getOne(ctx context.Context, where string, args ...any) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + where
	if r.db.InTransaction(ctx) {
		query += ` FOR UPDATE`
	}

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	o, err := scanOrder(r.db.Conn(ctx).QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *PostgresRepository) GetOrderByIdempotencyKey(ctx context.Context, customerID, key string) (*models.Order, error) {
	return r.getOne(ctx, `customer_id = $1 AND idempotency_key = $2`, customerID, key)
}

func (r *PostgresRepository) ListOrders(ctx context.Context, f ListFilter) ([]*models.Order, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Conn(ctx).Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE ($1 = '' OR customer_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, f.CustomerID, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	out := []*models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpdateOrder(ctx context.Context, o *models.Order) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	conn := r.db.Conn(ctx)
	tag, err := conn.Exec(ctx, `
		UPDATE orders SET status = $2, reason = $3, version = $4, updated_at = $5
		WHERE id = $1 AND version = $4 - 1`,
		o.ID, o.Status, o.Reason, int64(o.Version), o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check order: %w", err)
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrVersionConflict
}

func (r *PostgresRepository) GetCustomer(ctx context.Context, customerID string) (*models.CustomerView, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var (
		c       models.CustomerView
		version int64
	)
	err := r.db.Conn(ctx).QueryRow(ctx,
		`SELECT customer_id, active, version FROM customer_views WHERE customer_id = $1`, customerID,
	).Scan(&c.CustomerID, &c.Active, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("failed to get customer view: %w", err)
	}
	c.Version = uint64(version)
	return &c, nil
}

func (r *PostgresRepository) SaveCustomer(ctx context.Context, c *models.CustomerView) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := r.db.Conn(ctx).Exec(ctx, `
		INSERT INTO customer_views (customer_id, active, version)
		VALUES ($1, $2, $3)
		ON CONFLICT (customer_id)
		DO UPDATE SET active = EXCLUDED.active, version = EXCLUDED.version, updated_at = NOW()
		WHERE customer_views.version < EXCLUDED.version`,
		c.CustomerID, c.Active, int64(c.Version),
	)
	if err != nil {
		return fmt.Errorf("failed to save customer view: %w", err)
	}
	return nil
}
