package consumer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/common/events"
	"github.com/telhawk-systems/backbone/common/inbox"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/outbox"
	"github.com/telhawk-systems/backbone/common/tokens"
	"github.com/telhawk-systems/backbone/ordering/internal/models"
	"github.com/telhawk-systems/backbone/ordering/internal/repository"
	"github.com/telhawk-systems/backbone/ordering/internal/service"
)

var alice = &tokens.Claims{Subject: "alice", Roles: []string{authz.RoleCustomer}}

type fixture struct {
	svc      *service.OrderingService
	repo     *repository.InMemoryRepository
	dispatch *messaging.Dispatcher
	outbox   *outbox.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := database.NewMemDB()
	store := outbox.NewMemoryStore(db)
	writer := outbox.NewWriter(db, store, nil)
	repo := repository.NewInMemoryRepository(db)
	svc := service.NewOrderingService(repo, writer, logging.Discard())
	return &fixture{
		svc:      svc,
		repo:     repo,
		dispatch: New(svc, writer, inbox.NewMemoryStore(db), logging.Discard()),
		outbox:   store,
	}
}

func envelope(t *testing.T, source, eventType, aggregateID string, seq uint64, payload any) *messaging.Envelope {
	t.Helper()
	env, err := messaging.NewEnvelope(context.Background(), source, eventType, aggregateID, seq, payload)
	require.NoError(t, err)
	return env
}

func TestDuplicateDeliveryAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _, err := f.svc.CreateOrder(ctx, alice, &models.CreateOrderRequest{
		Lines: []models.OrderLineRequest{{ProductID: "p-1", Quantity: 1}},
	}, "")
	require.NoError(t, err)

	reserved := envelope(t, "catalog", messaging.EventInventoryReserved, o.ID, 1, events.InventoryReserved{OrderID: o.ID})
	for i := 0; i < 3; i++ {
		require.NoError(t, f.dispatch.Handle(ctx, reserved.Clone()))
	}

	got, err := f.repo.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReserved, got.Status)
	assert.Equal(t, uint64(2), got.Version, "applied exactly once")
}

func TestInventoryRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _, err := f.svc.CreateOrder(ctx, alice, &models.CreateOrderRequest{
		Lines: []models.OrderLineRequest{{ProductID: "p-1", Quantity: 1}},
	}, "")
	require.NoError(t, err)

	rejected := envelope(t, "catalog", messaging.EventInventoryRejected, o.ID, 1, events.InventoryRejected{OrderID: o.ID, Reason: "out of stock"})
	require.NoError(t, f.dispatch.Handle(ctx, rejected))

	got, err := f.repo.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "out of stock", got.Reason)

	records := f.outbox.Records(ctx)
	require.Len(t, records, 2)
	assert.Equal(t, messaging.EventOrderCancelled, records[1].Envelope.EventType)
}

func TestCustomerProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	registered := envelope(t, "identity", messaging.EventCustomerRegistered, "alice", 1, events.CustomerRegistered{CustomerID: "alice"})
	deactivated := envelope(t, "identity", messaging.EventCustomerDeactivated, "alice", 2, events.CustomerDeactivated{CustomerID: "alice"})

	require.NoError(t, f.dispatch.Handle(ctx, registered))
	require.NoError(t, f.dispatch.Handle(ctx, deactivated))
	require.NoError(t, f.dispatch.Handle(ctx, registered.Clone()))

	view, err := f.repo.GetCustomer(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, view.Active, "a redelivered registration must not reactivate")
	assert.Equal(t, uint64(2), view.Version)

	_, _, err = f.svc.CreateOrder(ctx, alice, &models.CreateOrderRequest{
		Lines: []models.OrderLineRequest{{ProductID: "p-1", Quantity: 1}},
	}, "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAuthorization))
}

func TestReservationBeforeOrderIsRetried(t *testing.T) {
	f := newFixture(t)
	env := envelope(t, "catalog", messaging.EventInventoryReserved, "unknown", 1, events.InventoryReserved{OrderID: "unknown"})

	err := f.dispatch.Handle(context.Background(), env)
	require.Error(t, err)
	assert.True(t, apperrors.Retryable(err))
}
