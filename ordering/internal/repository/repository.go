package repository

import (
	"context"
	"errors"

	"github.com/telhawk-systems/backbone/ordering/internal/models"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderExists      = errors.New("order already exists")
	ErrCustomerNotFound = errors.New("customer not projected")
	ErrVersionConflict  = errors.New("order was modified concurrently")
)

// ListFilter selects orders. An empty CustomerID lists every customer's orders.
type ListFilter struct {
	CustomerID string
	Limit      int
	Offset     int
}

type Repository interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	// GetOrder reads an order. Inside a transaction the row stays locked until
	// the transaction ends.
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	// GetOrderByIdempotencyKey finds the order a customer created with key.
	GetOrderByIdempotencyKey(ctx context.Context, customerID, key string) (*models.Order, error)
	ListOrders(ctx context.Context, f ListFilter) ([]*models.Order, error)
	// UpdateOrder stores o only when the stored version is o.Version-1 and
	// returns ErrVersionConflict otherwise.
	UpdateOrder(ctx context.Context, o *models.Order) error

	GetCustomer(ctx context.Context, customerID string) (*models.CustomerView, error)
	// SaveCustomer stores c unless the projection already holds a newer version.
	SaveCustomer(ctx context.Context, c *models.CustomerView) error
}
