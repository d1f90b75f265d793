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
	"github.com/telhawk-systems/backbone/common/metrics"
	"github.com/telhawk-systems/backbone/common/outbox"
	"github.com/telhawk-systems/backbone/common/tokens"
	"github.com/telhawk-systems/backbone/notification/internal/models"
	"github.com/telhawk-systems/backbone/notification/internal/repository"
	"github.com/telhawk-systems/backbone/notification/internal/sender"
)

// ServiceName is the event source name of this service.
const ServiceName = "notification"

const (
	DefaultListLimit = 50
	MaxListLimit     = 500

	sendTimeout = 10 * time.Second
)

type NotificationService struct {
	repo   repository.Repository
	writer *outbox.Writer
	sender sender.Sender
	logger *logging.Logger
	now    func() time.Time
}

func NewNotificationService(repo repository.Repository, writer *outbox.Writer, s sender.Sender, logger *logging.Logger) *NotificationService {
	if logger == nil {
		logger = logging.Default()
	}
	if s == nil {
		s = sender.NewLogSender(logger)
	}
	return &NotificationService{repo: repo, writer: writer, sender: s, logger: logger, now: time.Now}
}

// Welcome projects a newly registered customer's contact and queues a greeting.
// Must run inside the consumer transaction.
func (s *NotificationService) Welcome(ctx context.Context, e *events.CustomerRegistered, version uint64) error {
	c := &models.Contact{
		CustomerID: e.CustomerID,
		Email:      e.Email,
		Name:       e.Name,
		Version:    version,
		UpdatedAt:  s.now().UTC(),
	}
	if err := s.repo.SaveContact(ctx, c); err != nil {
		return err
	}
	return s.notify(ctx, c, messaging.EventCustomerRegistered, "",
		"Welcome to Backbone",
		fmt.Sprintf("Hi %s, your account %s is ready.", displayName(c), e.Username))
}

// OrderCreated tells the customer their order was received.
func (s *NotificationService) OrderCreated(ctx context.Context, e *events.OrderCreated) error {
	c, err := s.contact(ctx, e.CustomerID)
	if err != nil {
		return err
	}
	return s.notify(ctx, c, messaging.EventOrderCreated, e.OrderID,
		"Order received",
		fmt.Sprintf("Hi %s, we received order %s with %d line(s), total %s.",
			displayName(c), e.OrderID, len(e.Lines), formatCents(e.TotalCents)))
}

var statusSubjects = map[string]string{
	messaging.EventOrderConfirmed: "Order confirmed",
	messaging.EventOrderShipped:   "Order shipped",
	messaging.EventOrderCancelled: "Order cancelled",
}

// OrderStatusChanged tells the customer about a confirmed, shipped or
// cancelled order.
func (s *NotificationService) OrderStatusChanged(ctx context.Context, eventType string, e *events.OrderStatusChanged) error {
	subject, ok := statusSubjects[eventType]
	if !ok {
		return apperrors.Validation("no notification for " + eventType)
	}
	c, err := s.contact(ctx, e.CustomerID)
	if err != nil {
		return err
	}
	body := fmt.Sprintf("Hi %s, order %s is now %s.", displayName(c), e.OrderID, e.Status)
	if e.Reason != "" {
		body += " Reason: " + e.Reason + "."
	}
	return s.notify(ctx, c, eventType, e.OrderID, subject, body)
}

// contact returns the projected contact. Order events can overtake the
// customer's registration, so a missing contact is retryable.
func (s *NotificationService) contact(ctx context.Context, customerID string) (*models.Contact, error) {
	c, err := s.repo.GetContact(ctx, customerID)
	if errors.Is(err, repository.ErrContactNotFound) {
		return nil, apperrors.PrerequisiteMissing("contact for customer " + customerID + " not projected yet")
	}
	return c, err
}

// notify records a pending notification in the consumer transaction. The
// delivery worker sends it after commit.
func (s *NotificationService) notify(ctx context.Context, c *models.Contact, trigger, orderID, subject, body string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate notification id: %w", err)
	}
	return s.repo.CreateNotification(ctx, &models.Notification{
		ID:         id.String(),
		CustomerID: c.CustomerID,
		Channel:    models.ChannelEmail,
		Recipient:  c.Email,
		Subject:    subject,
		Body:       body,
		Trigger:    trigger,
		OrderID:    orderID,
		CreatedAt:  s.now().UTC(),
	})
}

// Deliver sends up to limit pending notifications, leasing each for lease.
// Sends run outside any transaction and lock. A successful send is marked
// delivered together with its NotificationSent event; a failed one stays
// pending for the next round. The first send failure is returned after the
// batch completes.
func (s *NotificationService) Deliver(ctx context.Context, limit int, lease time.Duration) (int, error) {
	pending, err := s.repo.ClaimPending(ctx, limit, lease)
	if err != nil {
		return 0, err
	}

	delivered := 0
	var sendErr error
	for _, n := range pending {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.sender.Send(sctx, n)
		cancel()
		if err != nil {
			metrics.NotificationDeliveries.WithLabelValues(n.Channel, "failed").Inc()
			s.logger.WarnContext(ctx, "notification delivery failed",
				"notification_id", n.ID, "attempts", n.Attempts+1, logging.Error(err))
			if rerr := s.repo.RecordFailure(ctx, n.ID, err.Error()); rerr != nil {
				return delivered, rerr
			}
			if sendErr == nil {
				sendErr = apperrors.Wrap(apperrors.CodeTransientUpstream, err, "deliver notification")
			}
			continue
		}
		metrics.NotificationDeliveries.WithLabelValues(n.Channel, "delivered").Inc()
		if err := s.markDelivered(ctx, n); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, sendErr
}

func (s *NotificationService) markDelivered(ctx context.Context, n *models.Notification) error {
	at := s.now().UTC()
	return s.writer.Do(ctx, n.ID, func(ctx context.Context) error {
		marked, err := s.repo.MarkDelivered(ctx, n.ID, at)
		if err != nil || !marked {
			return err
		}
		env, err := messaging.NewEnvelope(ctx, ServiceName, messaging.EventNotificationSent, n.ID, 1, events.NotificationSent{
			NotificationID: n.ID,
			CustomerID:     n.CustomerID,
			Channel:        n.Channel,
			Recipient:      n.Recipient,
			Subject:        n.Subject,
			Trigger:        n.Trigger,
			OrderID:        n.OrderID,
			SentAt:         at,
		})
		if err != nil {
			return err
		}
		return s.writer.Emit(ctx, messaging.TopicNotification, env)
	})
}

// List returns the caller's notifications, or everyone's for staff.
func (s *NotificationService) List(ctx context.Context, actor *tokens.Claims, limit, offset int) ([]*models.Notification, error) {
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
	if actor.HasAnyRole(authz.RoleStaff, authz.RoleAdmin) {
		f.CustomerID = ""
	}
	out, err := s.repo.ListNotifications(ctx, f)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return out, nil
}

func displayName(c *models.Contact) string {
	if c.Name != "" {
		return c.Name
	}
	return c.Email
}

func formatCents(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
