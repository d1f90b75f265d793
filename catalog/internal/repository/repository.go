package repository

import (
	"context"
	"errors"

	"github.com/telhawk-systems/backbone/catalog/internal/models"
)

var (
	ErrProductNotFound     = errors.New("product not found")
	ErrProductExists       = errors.New("product already exists")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationExists   = errors.New("reservation already exists")
)

type Repository interface {
	CreateProduct(ctx context.Context, p *models.Product) error
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	ListProducts(ctx context.Context, limit, offset int) ([]*models.Product, error)
	// LockProducts loads products for update inside the caller's transaction.
	// Missing ids are absent from the result.
	LockProducts(ctx context.Context, ids []string) (map[string]*models.Product, error)
	UpdateStock(ctx context.Context, id string, stock int) error

	GetReservation(ctx context.Context, orderID string) (*models.Reservation, error)
	CreateReservation(ctx context.Context, r *models.Reservation) error
	UpdateReservation(ctx context.Context, r *models.Reservation) error
}
