package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/common/events"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/outbox"
	"github.com/telhawk-systems/backbone/common/tokens"
	"github.com/telhawk-systems/backbone/notification/internal/models"
	"github.com/telhawk-systems/backbone/notification/internal/repository"
)

type recordingSender struct {
	sent []*models.Notification
	err  error
}

func (s *recordingSender) Send(_ context.Context, n *models.Notification) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

type fixture struct {
	svc    *NotificationService
	writer *outbox.Writer
	outbox *outbox.MemoryStore
	sender *recordingSender
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := database.NewMemDB()
	store := outbox.NewMemoryStore(db)
	writer := outbox.NewWriter(db, store, nil)
	s := &recordingSender{}
	f := &fixture{
		svc:    NewNotificationService(repository.NewInMemoryRepository(db), writer, s, logging.Discard()),
		writer: writer,
		outbox: store,
		sender: s,
		now:    time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) in(fn func(ctx context.Context) error) error {
	return f.writer.Do(context.Background(), "k", fn)
}

func (f *fixture) register(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.in(func(ctx context.Context) error {
		return f.svc.Welcome(ctx, &events.CustomerRegistered{CustomerID: id, Username: id, Email: id + "@example.com", Name: "Alice"}, 1)
	}))
}

// deliver runs delivery rounds until nothing is pending.
func (f *fixture) deliver(t *testing.T) int {
	t.Helper()
	n, err := f.svc.Deliver(context.Background(), 100, time.Minute)
	require.NoError(t, err)
	return n
}

func TestWelcome(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice")
	assert.Empty(t, f.sender.sent, "nothing is sent inside the consumer transaction")
	assert.Empty(t, f.outbox.Records(context.Background()))

	require.Equal(t, 1, f.deliver(t))
	require.Len(t, f.sender.sent, 1)
	n := f.sender.sent[0]
	assert.Equal(t, "alice@example.com", n.Recipient)
	assert.Equal(t, messaging.EventCustomerRegistered, n.Trigger)
	assert.Contains(t, n.Body, "Hi Alice")

	records := f.outbox.Records(context.Background())
	require.Len(t, records, 1)
	assert.Equal(t, messaging.TopicNotification, records[0].Topic)
	assert.Equal(t, messaging.EventNotificationSent, records[0].Envelope.EventType)
	assert.Equal(t, n.ID, records[0].Envelope.AggregateID)

	assert.Zero(t, f.deliver(t), "a delivered notification is not sent again")
	assert.Len(t, f.sender.sent, 1)
}

func TestOrderNotifications(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice")

	f.now = f.now.Add(time.Second)
	require.NoError(t, f.in(func(ctx context.Context) error {
		return f.svc.OrderCreated(ctx, &events.OrderCreated{
			OrderID: "o-1", CustomerID: "alice", TotalCents: 1250,
			Lines: []events.OrderLine{{ProductID: "p-1", Quantity: 1}},
		})
	}))
	f.now = f.now.Add(time.Second)
	require.NoError(t, f.in(func(ctx context.Context) error {
		return f.svc.OrderStatusChanged(ctx, messaging.EventOrderCancelled, &events.OrderStatusChanged{
			OrderID: "o-1", CustomerID: "alice", Status: "cancelled", Reason: "out of stock",
		})
	}))
	require.Equal(t, 3, f.deliver(t))

	require.Len(t, f.sender.sent, 3)
	assert.Contains(t, f.sender.sent[1].Body, "12.50")
	assert.Equal(t, "Order cancelled", f.sender.sent[2].Subject)
	assert.Contains(t, f.sender.sent[2].Body, "out of stock")
	assert.Equal(t, "o-1", f.sender.sent[2].OrderID)
}

func TestMissingContactIsRetryable(t *testing.T) {
	f := newFixture(t)
	err := f.in(func(ctx context.Context) error {
		return f.svc.OrderCreated(ctx, &events.OrderCreated{OrderID: "o-1", CustomerID: "ghost"})
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodePrerequisiteMissing))
	assert.True(t, apperrors.Retryable(err))
	assert.Empty(t, f.outbox.Records(context.Background()))
}

func TestSendFailureStaysPending(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("relay down")
	f.register(t, "alice")

	n, err := f.svc.Deliver(context.Background(), 100, time.Minute)
	assert.Zero(t, n)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeTransientUpstream))
	assert.Empty(t, f.outbox.Records(context.Background()), "no NotificationSent before delivery")

	admin := &tokens.Claims{Subject: "admin", Roles: []string{authz.RoleAdmin}}
	list, err := f.svc.List(context.Background(), admin, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1, "the notification survives a failed send")
	assert.False(t, list[0].Delivered())
	assert.Equal(t, 1, list[0].Attempts)
	assert.Equal(t, "relay down", list[0].LastError)

	f.sender.err = nil
	require.Equal(t, 1, f.deliver(t))
	require.Len(t, f.sender.sent, 1)
	assert.Len(t, f.outbox.Records(context.Background()), 1)

	list, err = f.svc.List(context.Background(), admin, 0, 0)
	require.NoError(t, err)
	assert.True(t, list[0].Delivered())
	assert.Equal(t, 2, list[0].Attempts)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice")
	f.register(t, "bob")
	ctx := context.Background()

	mine, err := f.svc.List(ctx, &tokens.Claims{Subject: "alice", Roles: []string{authz.RoleCustomer}}, 0, 0)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "alice", mine[0].CustomerID)

	all, err := f.svc.List(ctx, &tokens.Claims{Subject: "s", Roles: []string{authz.RoleStaff}}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
