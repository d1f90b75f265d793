package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/identity/internal/models"
)

type PostgresRepository struct {
	db *database.DB
}

func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const customerColumns = `id, username, email, name, password_hash, roles, version, created_at, deactivated_at`

func (r *PostgresRepository) CreateCustomer(ctx context.Context, c *models.Customer) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := r.db.Conn(ctx).Exec(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.Username, c.Email, c.Name, c.PasswordHash, c.Roles, int64(c.Version), c.CreatedAt, c.DeactivatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrCustomerExists
		}
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetCustomerByID(ctx context.Context, id string) (*models.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`
	if r.db.InTransaction(ctx) {
		query += ` FOR UPDATE`
	}
	return r.getOne(ctx, query, id)
}

func (r *PostgresRepository) GetCustomerByUsername(ctx context.Context, username string) (*models.Customer, error) {
	return r.getOne(ctx, `SELECT `+customerColumns+` FROM customers WHERE lower(username) = lower($1)`, username)
}

func (r *PostgresRepository) UpdateCustomer(ctx context.Context, c *models.Customer) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	conn := r.db.Conn(ctx)
	tag, err := conn.Exec(ctx, `
		UPDATE customers
		SET email = $2, name = $3, password_hash = $4, roles = $5, version = $6, deactivated_at = $7
		WHERE id = $1 AND version = $6 - 1`,
		c.ID, c.Email, c.Name, c.PasswordHash, c.Roles, int64(c.Version), c.DeactivatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update customer: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check customer: %w", err)
	}
	if !exists {
		return ErrCustomerNotFound
	}
	return ErrVersionConflict
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg string) (*models.Customer, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var c models.Customer
	var version int64
	err := r.db.Conn(ctx).QueryRow(ctx, query, arg).Scan(
		&c.ID, &c.Username, &c.Email, &c.Name, &c.PasswordHash, &c.Roles, &version, &c.CreatedAt, &c.DeactivatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	c.Version = uint64(version)
	return &c, nil
}
