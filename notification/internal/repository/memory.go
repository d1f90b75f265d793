package repository

import (
	"context"
	"sort"
	"time"

	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/notification/internal/models"
)

type InMemoryRepository struct {
	db            *database.MemDB
	contacts      map[string]*models.Contact
	notifications map[string]*models.Notification
	claimed       map[string]time.Time
	now           func() time.Time
}

func NewInMemoryRepository(db *database.MemDB) *InMemoryRepository {
	return &InMemoryRepository{
		db:            db,
		contacts:      make(map[string]*models.Contact),
		notifications: make(map[string]*models.Notification),
		claimed:       make(map[string]time.Time),
		now:           time.Now,
	}
}

func cloneNotification(n *models.Notification) *models.Notification {
	cp := *n
	if n.DeliveredAt != nil {
		t := *n.DeliveredAt
		cp.DeliveredAt = &t
	}
	return &cp
}

func sortOldestFirst(out []*models.Notification) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

func (r *InMemoryRepository) GetContact(ctx context.Context, customerID string) (*models.Contact, error) {
	var out *models.Contact
	r.db.Read(ctx, func() {
		if c, ok := r.contacts[customerID]; ok {
			cp := *c
			out = &cp
		}
	})
	if out == nil {
		return nil, ErrContactNotFound
	}
	return out, nil
}

func (r *InMemoryRepository) SaveContact(ctx context.Context, c *models.Contact) error {
	return r.db.Write(ctx, func(onRollback func(func())) error {
		prev, existed := r.contacts[c.CustomerID]
		if existed && prev.Version >= c.Version {
			return nil
		}
		cp := *c
		r.contacts[c.CustomerID] = &cp
		onRollback(func() {
			if existed {
				r.contacts[c.CustomerID] = prev
			} else {
				delete(r.contacts, c.CustomerID)
			}
		})
		return nil
	})
}

func (r *InMemoryRepository) CreateNotification(ctx context.Context, n *models.Notification) error {
	return r.db.Write(ctx, func(onRollback func(func())) error {
		if _, exists := r.notifications[n.ID]; exists {
			return ErrNotificationExists
		}
		r.notifications[n.ID] = cloneNotification(n)
		onRollback(func() { delete(r.notifications, n.ID) })
		return nil
	})
}

func (r *InMemoryRepository) ListNotifications(ctx context.Context, f ListFilter) ([]*models.Notification, error) {
	out := []*models.Notification{}
	r.db.Read(ctx, func() {
		for _, n := range r.notifications {
			if f.CustomerID == "" || n.CustomerID == f.CustomerID {
				out = append(out, cloneNotification(n))
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
		return []*models.Notification{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *InMemoryRepository) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*models.Notification, error) {
	out := []*models.Notification{}
	err := r.db.Write(ctx, func(onRollback func(func())) error {
		now := r.now()
		for _, n := range r.notifications {
			if n.Delivered() {
				continue
			}
			if until, ok := r.claimed[n.ID]; ok && now.Before(until) {
				continue
			}
			out = append(out, n)
		}
		sortOldestFirst(out)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		for i, n := range out {
			prev, had := r.claimed[n.ID]
			r.claimed[n.ID] = now.Add(lease)
			onRollback(func() {
				if had {
					r.claimed[n.ID] = prev
				} else {
					delete(r.claimed, n.ID)
				}
			})
			out[i] = cloneNotification(n)
		}
		return nil
	})
	return out, err
}

func (r *InMemoryRepository) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	var marked bool
	err := r.db.Write(ctx, func(onRollback func(func())) error {
		n, ok := r.notifications[id]
		if !ok {
			return ErrNotificationNotFound
		}
		if n.Delivered() {
			return nil
		}
		prev := cloneNotification(n)
		delivered := at
		n.DeliveredAt = &delivered
		n.Attempts++
		n.LastError = ""
		until, had := r.claimed[id]
		delete(r.claimed, id)
		onRollback(func() {
			r.notifications[id] = prev
			if had {
				r.claimed[id] = until
			}
		})
		marked = true
		return nil
	})
	return marked, err
}

func (r *InMemoryRepository) RecordFailure(ctx context.Context, id, reason string) error {
	return r.db.Write(ctx, func(onRollback func(func())) error {
		n, ok := r.notifications[id]
		if !ok {
			return ErrNotificationNotFound
		}
		prev := cloneNotification(n)
		n.Attempts++
		n.LastError = reason
		until, had := r.claimed[id]
		delete(r.claimed, id)
		onRollback(func() {
			r.notifications[id] = prev
			if had {
				r.claimed[id] = until
			}
		})
		return nil
	})
}
