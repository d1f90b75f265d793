package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/telhawk-systems/backbone/catalog/internal/models"
	"github.com/telhawk-systems/backbone/common/database"
)

type PostgresRepository struct {
	db *database.DB
}

func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const productColumns = `id, sku, name, description, price_cents, stock, created_at, updated_at`

func scanProduct(row pgx.Row) (*models.Product, error) {
	var p models.Product
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Description, &p.PriceCents, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresRepository) CreateProduct(ctx context.Context, p *models.Product) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := r.db.Conn(ctx).Exec(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.SKU, p.Name, p.Description, p.PriceCents, p.Stock, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrProductExists
		}
		return fmt.Errorf("failed to create product: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	p, err := scanProduct(r.db.Conn(ctx).QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) ListProducts(ctx context.Context, limit, offset int) ([]*models.Product, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Conn(ctx).Query(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY sku LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	out := []*models.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) LockProducts(ctx context.Context, ids []string) (map[string]*models.Product, error) {
	rows, err := r.db.Conn(ctx).Query(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to lock products: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpdateStock(ctx context.Context, id string, stock int) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := r.db.Conn(ctx).Exec(ctx,
		`UPDATE products SET stock = $2, updated_at = NOW() WHERE id = $1`, id, stock)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (r *PostgresRepository) GetReservation(ctx context.Context, orderID string) (*models.Reservation, error) {
	query := `
		SELECT order_id, status, lines, reason, version, created_at, updated_at
		FROM reservations WHERE order_id = $1`
	if r.db.InTransaction(ctx) {
		query += ` FOR UPDATE`
	}

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var res models.Reservation
	var lines []byte
	var version int64
	err := r.db.Conn(ctx).QueryRow(ctx, query, orderID).Scan(&res.OrderID, &res.Status, &lines, &res.Reason, &version, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	if err := json.Unmarshal(lines, &res.Lines); err != nil {
		return nil, fmt.Errorf("failed to decode reservation lines: %w", err)
	}
	res.Version = uint64(version)
	return &res, nil
}

func (r *PostgresRepository) CreateReservation(ctx context.Context, res *models.Reservation) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	lines, err := json.Marshal(res.Lines)
	if err != nil {
		return err
	}
	_, err = r.db.Conn(ctx).Exec(ctx, `
		INSERT INTO reservations (order_id, status, lines, reason, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		res.OrderID, res.Status, lines, res.Reason, int64(res.Version), res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrReservationExists
		}
		return fmt.Errorf("failed to create reservation: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateReservation(ctx context.Context, res *models.Reservation) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE reservations SET status = $2, reason = $3, version = $4, updated_at = $5
		WHERE order_id = $1`,
		res.OrderID, res.Status, res.Reason, int64(res.Version), res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReservationNotFound
	}
	return nil
}
