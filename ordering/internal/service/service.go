package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/events"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/outbox"
	"github.com/telhawk-systems/backbone/common/tokens"
	"github.com/telhawk-systems/backbone/ordering/internal/models"
	"github.com/telhawk-systems/backbone/ordering/internal/repository"
)

// ServiceName is the event source name of this service.
const ServiceName = "ordering"

const (
	DefaultListLimit = 50
	MaxListLimit     = 500

	maxIdempotencyKey = 255
)

var eventForStatus = map[models.OrderStatus]string{
	models.StatusConfirmed: messaging.EventOrderConfirmed,
	models.StatusShipped:   messaging.EventOrderShipped,
	models.StatusCancelled: messaging.EventOrderCancelled,
}

type OrderingService struct {
	repo   repository.Repository
	writer *outbox.Writer
	logger *logging.Logger
	now    func() time.Time
}

func NewOrderingService(repo repository.Repository, writer *outbox.Writer, logger *logging.Logger) *OrderingService {
	if logger == nil {
		logger = logging.Default()
	}
	return &OrderingService{repo: repo, writer: writer, logger: logger, now: time.Now}
}

func isStaff(actor *tokens.Claims) bool {
	return actor.HasAnyRole(authz.RoleStaff, authz.RoleAdmin)
}

// CreateOrder places an order for the caller. A repeated idempotency key from
// the same customer returns the original order with created=false.
func (s *OrderingService) CreateOrder(ctx context.Context, actor *tokens.Claims, req *models.CreateOrderRequest, idempotencyKey string) (order *models.Order, created bool, err error) {
	if !actor.HasRole(authz.RoleCustomer) {
		return nil, false, apperrors.Authorization("customer role required")
	}
	if len(idempotencyKey) > maxIdempotencyKey {
		return nil, false, apperrors.Validation("idempotency key too long")
	}
	if msg := req.Validate(); msg != "" {
		return nil, false, apperrors.Validation(msg)
	}

	if idempotencyKey != "" {
		if existing, err := s.repo.GetOrderByIdempotencyKey(ctx, actor.Subject, idempotencyKey); err == nil {
			return existing, false, nil
		} else if !errors.Is(err, repository.ErrOrderNotFound) {
			return nil, false, apperrors.Internal(err)
		}
	}

	view, err := s.repo.GetCustomer(ctx, actor.Subject)
	switch {
	case err == nil && !view.Active:
		return nil, false, apperrors.Authorization("customer is deactivated")
	case err != nil && !errors.Is(err, repository.ErrCustomerNotFound):
		return nil, false, apperrors.Internal(err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, apperrors.Internal(fmt.Errorf("generate order id: %w", err))
	}
	lines, total := req.OrderLines()
	now := s.now().UTC()
	o := &models.Order{
		ID:             id.String(),
		CustomerID:     actor.Subject,
		Status:         models.StatusCreated,
		Lines:          lines,
		TotalCents:     total,
		IdempotencyKey: idempotencyKey,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// Keyed on the idempotency key so concurrent retries serialize and the
	// loser sees the winner's order.
	lockKey := o.ID
	if idempotencyKey != "" {
		lockKey = actor.Subject + "/" + idempotencyKey
	}
	err = s.writer.Do(ctx, lockKey, func(ctx context.Context) error {
		if idempotencyKey != "" {
			if existing, err := s.repo.GetOrderByIdempotencyKey(ctx, actor.Subject, idempotencyKey); err == nil {
				order = existing
				return nil
			}
		}
		if err := s.repo.CreateOrder(ctx, o); err != nil {
			return err
		}
		order, created = o, true
		return s.emit(ctx, o, messaging.EventOrderCreated, events.OrderCreated{
			OrderID:    o.ID,
			CustomerID: o.CustomerID,
			Lines:      o.Lines,
			TotalCents: o.TotalCents,
			CreatedAt:  o.CreatedAt,
		})
	})
	if err != nil {
		if !errors.Is(err, repository.ErrOrderExists) {
			return nil, false, apperrors.Internal(err)
		}
		// Another instance committed the same key first.
		if idempotencyKey != "" {
			if existing, getErr := s.repo.GetOrderByIdempotencyKey(ctx, actor.Subject, idempotencyKey); getErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, apperrors.Wrap(apperrors.CodeConflict, err, "order already exists")
	}

	if created {
		s.logger.InfoContext(ctx, "order created", "order_id", o.ID, "lines", len(o.Lines), "total_cents", o.TotalCents)
	}
	return order, created, nil
}

// GetOrder returns an order visible to actor. Customers only see their own;
// other orders are reported as not found.
func (s *OrderingService) GetOrder(ctx context.Context, actor *tokens.Claims, id string) (*models.Order, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, apperrors.NotFound("order not found")
		}
		return nil, apperrors.Internal(err)
	}
	if o.CustomerID != actor.Subject && !isStaff(actor) {
		return nil, apperrors.NotFound("order not found")
	}
	return o, nil
}

// ListOrders returns the caller's orders, or all orders for staff.
func (s *OrderingService) ListOrders(ctx context.Context, actor *tokens.Claims, limit, offset int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	f := repository.ListFilter{CustomerID: actor.Subject, Limit: limit, Offset: offset}
	if isStaff(actor) {
		f.CustomerID = ""
	}
	orders, err := s.repo.ListOrders(ctx, f)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return orders, nil
}

// Confirm moves a reserved order to confirmed. The owner or staff may confirm.
func (s *OrderingService) Confirm(ctx context.Context, actor *tokens.Claims, id string) (*models.Order, error) {
	return s.transition(ctx, actor, id, models.StatusConfirmed, "", false)
}

// Ship marks a confirmed order shipped. Staff only.
func (s *OrderingService) Ship(ctx context.Context, actor *tokens.Claims, id string) (*models.Order, error) {
	return s.transition(ctx, actor, id, models.StatusShipped, "", true)
}

// Cancel cancels an order that has not shipped. The owner or staff may cancel.
func (s *OrderingService) Cancel(ctx context.Context, actor *tokens.Claims, id, reason string) (*models.Order, error) {
	if reason == "" {
		reason = "cancelled by " + actor.Subject
	}
	return s.transition(ctx, actor, id, models.StatusCancelled, reason, false)
}

func (s *OrderingService) transition(ctx context.Context, actor *tokens.Claims, id string, next models.OrderStatus, reason string, staffOnly bool) (*models.Order, error) {
	if staffOnly && !isStaff(actor) {
		return nil, apperrors.Authorization("staff or admin role required")
	}

	var out *models.Order
	err := s.writer.Do(ctx, id, func(ctx context.Context) error {
		o, err := s.repo.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if o.CustomerID != actor.Subject && !isStaff(actor) {
			return repository.ErrOrderNotFound
		}
		if err := s.apply(ctx, o, next, reason); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			return nil, apperrors.NotFound("order not found")
		case errors.Is(err, repository.ErrVersionConflict):
			return nil, apperrors.Wrap(apperrors.CodeConflict, err, "order was modified concurrently, retry")
		case apperrors.IsClassified(err):
			return nil, err
		default:
			return nil, apperrors.Internal(err)
		}
	}
	s.logger.InfoContext(ctx, "order transitioned", "order_id", id, "status", string(next), "subject", actor.Subject)
	return out, nil
}

// apply performs the transition, persists it and emits the matching event.
// Must run inside a writer transaction.
func (s *OrderingService) apply(ctx context.Context, o *models.Order, next models.OrderStatus, reason string) error {
	from := o.Status
	if err := o.Transition(next, s.now().UTC()); err != nil {
		return apperrors.Wrap(apperrors.CodeConflict, err,
			fmt.Sprintf("order is %s and cannot become %s", from, next))
	}
	if reason != "" {
		o.Reason = reason
	}
	if err := s.repo.UpdateOrder(ctx, o); err != nil {
		return err
	}

	eventType, ok := eventForStatus[next]
	if !ok {
		return nil
	}
	return s.emit(ctx, o, eventType, events.OrderStatusChanged{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Status:     string(o.Status),
		Reason:     o.Reason,
	})
}

// MarkReserved reacts to InventoryReserved. Stale reactions for orders that
// already moved on are ignored.
func (s *OrderingService) MarkReserved(ctx context.Context, orderID string) error {
	return s.react(ctx, orderID, models.StatusReserved, "")
}

// MarkRejected reacts to InventoryRejected by cancelling the order.
func (s *OrderingService) MarkRejected(ctx context.Context, orderID, reason string) error {
	if reason == "" {
		reason = "inventory rejected"
	}
	return s.react(ctx, orderID, models.StatusCancelled, reason)
}

func (s *OrderingService) react(ctx context.Context, orderID string, next models.OrderStatus, reason string) error {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return apperrors.PrerequisiteMissing("order " + orderID + " not found")
		}
		return err
	}
	if !models.CanTransition(o.Status, next) {
		s.logger.InfoContext(ctx, "stale inventory reaction ignored",
			"order_id", orderID, "status", string(o.Status), "wanted", string(next))
		return nil
	}
	return s.apply(ctx, o, next, reason)
}

// ProjectCustomer records a customer's activity state at version.
func (s *OrderingService) ProjectCustomer(ctx context.Context, customerID string, active bool, version uint64) error {
	return s.repo.SaveCustomer(ctx, &models.CustomerView{CustomerID: customerID, Active: active, Version: version})
}

func (s *OrderingService) emit(ctx context.Context, o *models.Order, eventType string, payload any) error {
	env, err := messaging.NewEnvelope(ctx, ServiceName, eventType, o.ID, o.Version, payload)
	if err != nil {
		return err
	}
	return s.writer.Emit(ctx, messaging.TopicOrdering, env)
}
