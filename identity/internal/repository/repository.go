package repository

import (
	"context"
	"errors"

	"github.com/telhawk-systems/backbone/identity/internal/models"
)

var (
	ErrCustomerNotFound = errors.New("customer not found")
	ErrCustomerExists   = errors.New("customer already exists")
	ErrVersionConflict  = errors.New("customer was modified concurrently")
)

// Repository persists customers. Writes made with a transaction context join that
// transaction.
type Repository interface {
	CreateCustomer(ctx context.Context, c *models.Customer) error
	// GetCustomerByID locks the row until the enclosing transaction ends.
	GetCustomerByID(ctx context.Context, id string) (*models.Customer, error)
	GetCustomerByUsername(ctx context.Context, username string) (*models.Customer, error)
	// UpdateCustomer stores c only when the stored version is c.Version-1.
	UpdateCustomer(ctx context.Context, c *models.Customer) error
}
