package repository

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/backbone/notification/internal/models"
)

var (
	ErrContactNotFound      = errors.New("contact not projected")
	ErrNotificationExists   = errors.New("notification already exists")
	ErrNotificationNotFound = errors.New("notification not found")
)

// ListFilter selects notifications. An empty CustomerID lists all of them.
type ListFilter struct {
	CustomerID string
	Limit      int
	Offset     int
}

type Repository interface {
	GetContact(ctx context.Context, customerID string) (*models.Contact, error)
	// SaveContact stores c unless a newer version is already projected.
	SaveContact(ctx context.Context, c *models.Contact) error

	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, f ListFilter) ([]*models.Notification, error)

	// ClaimPending leases up to limit undelivered notifications, oldest first.
	// A leased notification is not returned again until lease has passed.
	ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*models.Notification, error)
	// MarkDelivered records delivery at at. It reports false when the
	// notification was already delivered.
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
	// RecordFailure counts a failed delivery and releases the lease.
	RecordFailure(ctx context.Context, id, reason string) error
}
