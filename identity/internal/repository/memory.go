package repository

import (
	"context"
	"strings"

	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/identity/internal/models"
)

type InMemoryRepository struct {
	db         *database.MemDB
	customers  map[string]*models.Customer
	byUsername map[string]string
	byEmail    map[string]string
}

func NewInMemoryRepository(db *database.MemDB) *InMemoryRepository {
	return &InMemoryRepository{
		db:         db,
		customers:  make(map[string]*models.Customer),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

func (r *InMemoryRepository) CreateCustomer(ctx context.Context, c *models.Customer) error {
	return r.db.Write(ctx, func(onRollback func(func())) error {
		username, email := strings.ToLower(c.Username), strings.ToLower(c.Email)
		if _, exists := r.byUsername[username]; exists {
			return ErrCustomerExists
		}
		if _, exists := r.byEmail[email]; exists {
			return ErrCustomerExists
		}

		r.customers[c.ID] = clone(c)
		r.byUsername[username] = c.ID
		r.byEmail[email] = c.ID
		onRollback(func() {
			delete(r.customers, c.ID)
			delete(r.byUsername, username)
			delete(r.byEmail, email)
		})
		return nil
	})
}

func (r *InMemoryRepository) GetCustomerByID(ctx context.Context, id string) (*models.Customer, error) {
	var out *models.Customer
	r.db.Read(ctx, func() {
		if c, ok := r.customers[id]; ok {
			out = clone(c)
		}
	})
	if out == nil {
		return nil, ErrCustomerNotFound
	}
	return out, nil
}

func (r *InMemoryRepository) GetCustomerByUsername(ctx context.Context, username string) (*models.Customer, error) {
	var out *models.Customer
	r.db.Read(ctx, func() {
		if id, ok := r.byUsername[strings.ToLower(username)]; ok {
			out = clone(r.customers[id])
		}
	})
	if out == nil {
		return nil, ErrCustomerNotFound
	}
	return out, nil
}

func (r *InMemoryRepository) UpdateCustomer(ctx context.Context, c *models.Customer) error {
	return r.db.Write(ctx, func(onRollback func(func())) error {
		prev, ok := r.customers[c.ID]
		if !ok {
			return ErrCustomerNotFound
		}
		if prev.Version+1 != c.Version {
			return ErrVersionConflict
		}
		r.customers[c.ID] = clone(c)
		onRollback(func() { r.customers[c.ID] = prev })
		return nil
	})
}

func clone(c *models.Customer) *models.Customer {
	cp := *c
	cp.Roles = append([]string(nil), c.Roles...)
	if c.DeactivatedAt != nil {
		t := *c.DeactivatedAt
		cp.DeactivatedAt = &t
	}
	return &cp
}
