package repository

import (
	"context"
	"sort"

	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/common/events"
	"github.com/telhawk-systems/backbone/ordering/internal/models"
)

type idempotencyKey struct {
	customerID string
	key        string
}

type InMemoryRepository struct {
	db        *database.MemDB
	orders    map[string]*models.Order
	byKey     map[idempotencyKey]string
	customers map[string]*models.CustomerView
}

func NewInMemoryRepository(db *database.MemDB) *InMemoryRepository {
	return &InMemoryRepository{
		db:        db,
		orders:    make(map[string]*models.Order),
		byKey:     make(map[idempotencyKey]string),
		customers: make(map[string]*models.CustomerView),
	}
}

func clone(o *models.Order) *models.Order {
	cp := *o
	cp.Lines = append([]events.OrderLine(nil), o.Lines...)
	return &cp
}

func (r *InMemoryRepository) CreateOrder(ctx context.Context, o *models.Order) error {
	return r.db.Write(ctx, func(onRollback func(func())) error {
		if _, exists := r.orders[o.ID]; exists {
			return ErrOrderExists
		}
		k := idempotencyKey{o.CustomerID, o.IdempotencyKey}
		if o.IdempotencyKey != "" {
			if _, exists := r.byKey[k]; exists {
				return ErrOrderExists
			}
			r.byKey[k] = o.ID
		}
		r.orders[o.ID] = clone(o)
		onRollback(func() {
			delete(r.orders, o.ID)
			if o.IdempotencyKey != "" {
				delete(r.byKey, k)
			}
		})
		return nil
	})
}

func (r *InMemoryRepository) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var out *models.Order
	r.db.Read(ctx, func() {
		if o, ok := r.orders[id]; ok {
			out = clone(o)
		}
	})
	if out == nil {
		return nil, ErrOrderNotFound
	}
	return out, nil
}

func (r *InMemoryRepository) GetOrderByIdempotencyKey(ctx context.Context, customerID, key string) (*models.Order, error) {
	var out *models.Order
	r.db.Read(ctx, func() {
		if id, ok := r.byKey[idempotencyKey{customerID, key}]; ok {
			out = clone(r.orders[id])
		}
	})
	if out == nil {
		return nil, ErrOrderNotFound
	}
	return out, nil
}

func (r *InMemoryRepository) ListOrders(ctx context.Context, f ListFilter) ([]*models.Order, error) {
	out := []*models.Order{}
	r.db.Read(ctx, func() {
		for _, o := range r.orders {
			if f.CustomerID == "" || o.CustomerID == f.CustomerID {
				out = append(out, clone(o))
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset >= len(out) {
		return []*models.Order{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *InMemoryRepository) UpdateOrder(ctx context.Context, o *models.Order) error {
	return r.db.Write(ctx, func(onRollback func(func())) error {
		prev, ok := r.orders[o.ID]
		if !ok {
			return ErrOrderNotFound
		}
		if prev.Version+1 != o.Version {
			return ErrVersionConflict
		}
		r.orders[o.ID] = clone(o)
		onRollback(func() { r.orders[o.ID] = prev })
		return nil
	})
}

func (r *InMemoryRepository) GetCustomer(ctx context.Context, customerID string) (*models.CustomerView, error) {
	var out *models.CustomerView
	r.db.Read(ctx, func() {
		if c, ok := r.customers[customerID]; ok {
			cp := *c
			out = &cp
		}
	})
	if out == nil {
		return nil, ErrCustomerNotFound
	}
	return out, nil
}

func (r *InMemoryRepository) SaveCustomer(ctx context.Context, c *models.CustomerView) error {
	return r.db.Write(ctx, func(onRollback func(func())) error {
		prev, existed := r.customers[c.CustomerID]
		if existed && prev.Version >= c.Version {
			return nil
		}
		cp := *c
		r.customers[c.CustomerID] = &cp
		onRollback(func() {
			if existed {
				r.customers[c.CustomerID] = prev
			} else {
				delete(r.customers, c.CustomerID)
			}
		})
		return nil
	})
}
