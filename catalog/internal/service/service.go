package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/backbone/catalog/internal/models"
	"github.com/telhawk-systems/backbone/catalog/internal/repository"
	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/events"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/outbox"
	"github.com/telhawk-systems/backbone/common/tokens"
)

// ServiceName is the event source name of this service.
const ServiceName = "catalog"

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

type CatalogService struct {
	repo   repository.Repository
	writer *outbox.Writer
	logger *logging.Logger
	now    func() time.Time
}

func NewCatalogService(repo repository.Repository, writer *outbox.Writer, logger *logging.Logger) *CatalogService {
	if logger == nil {
		logger = logging.Default()
	}
	return &CatalogService{repo: repo, writer: writer, logger: logger, now: time.Now}
}

func canManage(actor *tokens.Claims) bool {
	return actor != nil && actor.HasAnyRole(authz.RoleStaff, authz.RoleAdmin)
}

// CreateProduct adds a product. SKUs are unique.
func (s *CatalogService) CreateProduct(ctx context.Context, actor *tokens.Claims, req *models.CreateProductRequest) (*models.Product, error) {
	if !canManage(actor) {
		return nil, apperrors.Authorization("staff or admin role required")
	}
	if msg := req.Validate(); msg != "" {
		return nil, apperrors.Validation(msg)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("generate product id: %w", err))
	}
	now := s.now().UTC()
	p := &models.Product{
		ID:          id.String(),
		SKU:         req.SKU,
		Name:        req.Name,
		Description: req.Description,
		PriceCents:  req.PriceCents,
		Stock:       req.Stock,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.writer.Do(ctx, p.ID, func(ctx context.Context) error {
		return s.repo.CreateProduct(ctx, p)
	}); err != nil {
		if errors.Is(err, repository.ErrProductExists) {
			return nil, apperrors.Wrap(apperrors.CodeConflict, err, "sku already exists")
		}
		return nil, apperrors.Internal(err)
	}

	s.logger.InfoContext(ctx, "product created", "product_id", p.ID, "sku", p.SKU)
	return p, nil
}

func (s *CatalogService) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, apperrors.NotFound("product not found")
		}
		return nil, apperrors.Internal(err)
	}
	return p, nil
}

func (s *CatalogService) ListProducts(ctx context.Context, limit, offset int) ([]*models.Product, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	products, err := s.repo.ListProducts(ctx, limit, offset)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return products, nil
}

// SetStock overwrites the available quantity. Units held by open reservations
// are not part of it.
func (s *CatalogService) SetStock(ctx context.Context, actor *tokens.Claims, id string, req *models.SetStockRequest) (*models.Product, error) {
	if !canManage(actor) {
		return nil, apperrors.Authorization("staff or admin role required")
	}
	if req.Stock == nil {
		return nil, apperrors.Validation("stock is required")
	}
	if *req.Stock < 0 {
		return nil, apperrors.Validation("stock must not be negative")
	}

	var out *models.Product
	err := s.writer.Do(ctx, id, func(ctx context.Context) error {
		locked, err := s.repo.LockProducts(ctx, []string{id})
		if err != nil {
			return err
		}
		p, ok := locked[id]
		if !ok {
			return repository.ErrProductNotFound
		}
		if err := s.repo.UpdateStock(ctx, id, *req.Stock); err != nil {
			return err
		}
		p.Stock = *req.Stock
		p.UpdatedAt = s.now().UTC()
		out = p
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, apperrors.NotFound("product not found")
		}
		return nil, apperrors.Internal(err)
	}
	return out, nil
}

// Reserve reacts to OrderCreated. It holds stock for every line or for none,
// and records the outcome as the order's single reservation. Must run inside
// the consumer transaction.
func (s *CatalogService) Reserve(ctx context.Context, order *events.OrderCreated) error {
	if _, err := s.repo.GetReservation(ctx, order.OrderID); err == nil {
		s.logger.DebugContext(ctx, "reservation already recorded", "order_id", order.OrderID)
		return nil
	} else if !errors.Is(err, repository.ErrReservationNotFound) {
		return err
	}

	wanted := make(map[string]int)
	for _, l := range order.Lines {
		wanted[l.ProductID] += l.Quantity
	}
	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := s.now().UTC()
	res := &models.Reservation{
		OrderID:   order.OrderID,
		Lines:     order.Lines,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	locked, reason, err := s.checkStock(ctx, ids, wanted)
	if err != nil {
		return err
	}
	if reason != "" {
		res.Status = models.ReservationRejected
		res.Reason = reason
		if err := s.repo.CreateReservation(ctx, res); err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "reservation rejected", "order_id", order.OrderID, "reason", reason)
		return s.emit(ctx, res, messaging.EventInventoryRejected, events.InventoryRejected{
			OrderID: order.OrderID,
			Reason:  reason,
		})
	}

	for _, id := range ids {
		if err := s.repo.UpdateStock(ctx, id, locked[id].Stock-wanted[id]); err != nil {
			return err
		}
	}
	res.Status = models.ReservationReserved
	if err := s.repo.CreateReservation(ctx, res); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "inventory reserved", "order_id", order.OrderID, "products", len(ids))
	return s.emit(ctx, res, messaging.EventInventoryReserved, events.InventoryReserved{
		OrderID: order.OrderID,
		Lines:   order.Lines,
	})
}

// checkStock locks the products and returns why the quantities cannot be
// held, or "".
func (s *CatalogService) checkStock(ctx context.Context, ids []string, wanted map[string]int) (map[string]*models.Product, string, error) {
	if len(ids) == 0 {
		return nil, "order has no lines", nil
	}
	locked, err := s.repo.LockProducts(ctx, ids)
	if err != nil {
		return nil, "", err
	}
	for _, id := range ids {
		p, ok := locked[id]
		switch {
		case !ok:
			return nil, fmt.Sprintf("unknown product %s", id), nil
		case wanted[id] <= 0:
			return nil, fmt.Sprintf("invalid quantity for product %s", id), nil
		case p.Stock < wanted[id]:
			return nil, fmt.Sprintf("insufficient stock for %s: want %d, have %d", p.SKU, wanted[id], p.Stock), nil
		}
	}
	return locked, "", nil
}

// Release reacts to OrderCancelled by returning held stock. Orders without an
// open reservation are ignored.
func (s *CatalogService) Release(ctx context.Context, orderID string) error {
	res, err := s.repo.GetReservation(ctx, orderID)
	if errors.Is(err, repository.ErrReservationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !res.CanTransition(models.ReservationReleased) {
		return nil
	}

	held := make(map[string]int)
	ids := make([]string, 0, len(res.Lines))
	for _, l := range res.Lines {
		if _, seen := held[l.ProductID]; !seen {
			ids = append(ids, l.ProductID)
		}
		held[l.ProductID] += l.Quantity
	}
	sort.Strings(ids)

	locked, err := s.repo.LockProducts(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		p, ok := locked[id]
		if !ok {
			continue
		}
		if err := s.repo.UpdateStock(ctx, id, p.Stock+held[id]); err != nil {
			return err
		}
	}

	res.Status = models.ReservationReleased
	res.Version++
	res.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateReservation(ctx, res); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "inventory released", "order_id", orderID)
	return s.emit(ctx, res, messaging.EventInventoryReleased, events.InventoryReleased{
		OrderID: orderID,
		Lines:   res.Lines,
	})
}

// Commit reacts to OrderShipped. The held units leave inventory for good; no
// event is published.
func (s *CatalogService) Commit(ctx context.Context, orderID string) error {
	res, err := s.repo.GetReservation(ctx, orderID)
	if errors.Is(err, repository.ErrReservationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !res.CanTransition(models.ReservationCommitted) {
		return nil
	}
	res.Status = models.ReservationCommitted
	res.UpdatedAt = s.now().UTC()
	return s.repo.UpdateReservation(ctx, res)
}

// GetReservation returns the reservation recorded for an order.
func (s *CatalogService) GetReservation(ctx context.Context, orderID string) (*models.Reservation, error) {
	res, err := s.repo.GetReservation(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrReservationNotFound) {
			return nil, apperrors.NotFound("reservation not found")
		}
		return nil, apperrors.Internal(err)
	}
	return res, nil
}

func (s *CatalogService) emit(ctx context.Context, res *models.Reservation, eventType string, payload any) error {
	env, err := messaging.NewEnvelope(ctx, ServiceName, eventType, res.OrderID, res.Version, payload)
	if err != nil {
		return err
	}
	return s.writer.Emit(ctx, messaging.TopicCatalog, env)
}
