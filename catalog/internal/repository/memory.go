package repository

import (
	"context"
	"sort"
	"time"

	"github.com/telhawk-systems/backbone/catalog/internal/models"
	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/common/events"
)

type InMemoryRepository struct {
	db           *database.MemDB
	products     map[string]*models.Product
	skus         map[string]string
	reservations map[string]*models.Reservation
}

func NewInMemoryRepository(db *database.MemDB) *InMemoryRepository {
	return &InMemoryRepository{
		db:           db,
		products:     make(map[string]*models.Product),
		skus:         make(map[string]string),
		reservations: make(map[string]*models.Reservation),
	}
}

func (r *InMemoryRepository) CreateProduct(ctx context.Context, p *models.Product) error {
	return r.db.Write(ctx, func(onRollback func(func())) error {
		if _, exists := r.skus[p.SKU]; exists {
			return ErrProductExists
		}
		cp := *p
		r.products[p.ID] = &cp
		r.skus[p.SKU] = p.ID
		onRollback(func() {
			delete(r.products, p.ID)
			delete(r.skus, p.SKU)
		})
		return nil
	})
}

func (r *InMemoryRepository) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var out *models.Product
	r.db.Read(ctx, func() {
		if p, ok := r.products[id]; ok {
			cp := *p
			out = &cp
		}
	})
	if out == nil {
		return nil, ErrProductNotFound
	}
	return out, nil
}

func (r *InMemoryRepository) ListProducts(ctx context.Context, limit, offset int) ([]*models.Product, error) {
	var out []*models.Product
	r.db.Read(ctx, func() {
		for _, p := range r.products {
			cp := *p
			out = append(out, &cp)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	if offset >= len(out) {
		return []*models.Product{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) LockProducts(ctx context.Context, ids []string) (map[string]*models.Product, error) {
	out := make(map[string]*models.Product, len(ids))
	r.db.Read(ctx, func() {
		for _, id := range ids {
			if p, ok := r.products[id]; ok {
				cp := *p
				out[id] = &cp
			}
		}
	})
	return out, nil
}

func (r *InMemoryRepository) UpdateStock(ctx context.Context, id string, stock int) error {
	return r.db.Write(ctx, func(onRollback func(func())) error {
		p, ok := r.products[id]
		if !ok {
			return ErrProductNotFound
		}
		prev := *p
		p.Stock = stock
		p.UpdatedAt = time.Now().UTC()
		onRollback(func() { *p = prev })
		return nil
	})
}

func (r *InMemoryRepository) GetReservation(ctx context.Context, orderID string) (*models.Reservation, error) {
	var out *models.Reservation
	r.db.Read(ctx, func() {
		if res, ok := r.reservations[orderID]; ok {
			out = cloneReservation(res)
		}
	})
	if out == nil {
		return nil, ErrReservationNotFound
	}
	return out, nil
}

func (r *InMemoryRepository) CreateReservation(ctx context.Context, res *models.Reservation) error {
	return r.db.Write(ctx, func(onRollback func(func())) error {
		if _, exists := r.reservations[res.OrderID]; exists {
			return ErrReservationExists
		}
		r.reservations[res.OrderID] = cloneReservation(res)
		onRollback(func() { delete(r.reservations, res.OrderID) })
		return nil
	})
}

func (r *InMemoryRepository) UpdateReservation(ctx context.Context, res *models.Reservation) error {
	return r.db.Write(ctx, func(onRollback func(func())) error {
		prev, ok := r.reservations[res.OrderID]
		if !ok {
			return ErrReservationNotFound
		}
		r.reservations[res.OrderID] = cloneReservation(res)
		onRollback(func() { r.reservations[res.OrderID] = prev })
		return nil
	})
}

func cloneReservation(r *models.Reservation) *models.Reservation {
	cp := *r
	cp.Lines = append([]events.OrderLine(nil), r.Lines...)
	return &cp
}
