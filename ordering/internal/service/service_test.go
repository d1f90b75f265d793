package service

import (
	"context"
	"math/rand"
	"testing"

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
	"github.com/telhawk-systems/backbone/ordering/internal/models"
	"github.com/telhawk-systems/backbone/ordering/internal/repository"
)

var (
	alice = &tokens.Claims{Subject: "alice", Roles: []string{authz.RoleCustomer}}
	bob   = &tokens.Claims{Subject: "bob", Roles: []string{authz.RoleCustomer}}
	staff = &tokens.Claims{Subject: "staff-1", Roles: []string{authz.RoleStaff}}
)

type fixture struct {
	svc    *OrderingService
	writer *outbox.Writer
	outbox *outbox.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := database.NewMemDB()
	store := outbox.NewMemoryStore(db)
	writer := outbox.NewWriter(db, store, nil)
	return &fixture{
		svc:    NewOrderingService(repository.NewInMemoryRepository(db), writer, logging.Discard()),
		writer: writer,
		outbox: store,
	}
}

func orderRequest() *models.CreateOrderRequest {
	return &models.CreateOrderRequest{Lines: []models.OrderLineRequest{
		{ProductID: "p-1", Quantity: 2, UnitPriceCents: 300},
	}}
}

func (f *fixture) create(t *testing.T, actor *tokens.Claims) *models.Order {
	t.Helper()
	o, created, err := f.svc.CreateOrder(context.Background(), actor, orderRequest(), "")
	require.NoError(t, err)
	require.True(t, created)
	return o
}

func (f *fixture) react(t *testing.T, orderID string, fn func(ctx context.Context) error) {
	t.Helper()
	require.NoError(t, f.writer.Do(context.Background(), orderID, fn))
}

func (f *fixture) events(t *testing.T) []*messaging.Envelope {
	t.Helper()
	var out []*messaging.Envelope
	for _, r := range f.outbox.Records(context.Background()) {
		assert.Equal(t, messaging.TopicOrdering, r.Topic)
		out = append(out, r.Envelope)
	}
	return out
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, alice)

	assert.Equal(t, models.StatusCreated, o.Status)
	assert.Equal(t, "alice", o.CustomerID)
	assert.Equal(t, int64(600), o.TotalCents)

	evs := f.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, messaging.EventOrderCreated, evs[0].EventType)
	assert.Equal(t, uint64(1), evs[0].Sequence)
	var payload events.OrderCreated
	require.NoError(t, evs[0].Decode(&payload))
	assert.Equal(t, o.ID, payload.OrderID)
	assert.Equal(t, 2, payload.Lines[0].Quantity)

	_, _, err := f.svc.CreateOrder(context.Background(), staff, orderRequest(), "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAuthorization))
	_, _, err = f.svc.CreateOrder(context.Background(), alice, &models.CreateOrderRequest{}, "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
}

func TestCreateOrder_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.svc.CreateOrder(ctx, alice, orderRequest(), "key-1")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := f.svc.CreateOrder(ctx, alice, orderRequest(), "key-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	other, created, err := f.svc.CreateOrder(ctx, bob, orderRequest(), "key-1")
	require.NoError(t, err)
	assert.True(t, created, "keys are scoped to the customer")
	assert.NotEqual(t, first.ID, other.ID)

	assert.Len(t, f.events(t), 2)
}

func TestCreateOrder_DeactivatedCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// unknown customers are allowed
	f.create(t, alice)

	require.NoError(t, f.svc.ProjectCustomer(ctx, "alice", true, 1))
	f.create(t, alice)

	require.NoError(t, f.svc.ProjectCustomer(ctx, "alice", false, 2))
	_, _, err := f.svc.CreateOrder(ctx, alice, orderRequest(), "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAuthorization))

	// an older registration cannot reactivate the projection
	require.NoError(t, f.svc.ProjectCustomer(ctx, "alice", true, 1))
	_, _, err = f.svc.CreateOrder(ctx, alice, orderRequest(), "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAuthorization))
}

func TestVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, alice)
	f.create(t, bob)

	_, err := f.svc.GetOrder(ctx, bob, o.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
	_, err = f.svc.GetOrder(ctx, staff, o.ID)
	assert.NoError(t, err)

	mine, err := f.svc.ListOrders(ctx, alice, 0, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	all, err := f.svc.ListOrders(ctx, staff, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.svc.Cancel(ctx, bob, o.ID, "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, alice)

	_, err := f.svc.Confirm(ctx, alice, o.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict), "created orders cannot be confirmed")

	f.react(t, o.ID, func(ctx context.Context) error { return f.svc.MarkReserved(ctx, o.ID) })
	got, err := f.svc.Confirm(ctx, alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)

	_, err = f.svc.Ship(ctx, alice, o.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAuthorization))
	got, err = f.svc.Ship(ctx, staff, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusShipped, got.Status)
	assert.Equal(t, uint64(4), got.Version)

	_, err = f.svc.Cancel(ctx, alice, o.ID, "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict))

	var types []string
	var seqs []uint64
	for _, e := range f.events(t) {
		types = append(types, e.EventType)
		seqs = append(seqs, e.Sequence)
	}
	assert.Equal(t, []string{messaging.EventOrderCreated, messaging.EventOrderConfirmed, messaging.EventOrderShipped}, types)
	assert.Equal(t, []uint64{1, 3, 4}, seqs)
}

func TestInventoryRejectedCancels(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, alice)

	f.react(t, o.ID, func(ctx context.Context) error { return f.svc.MarkRejected(ctx, o.ID, "insufficient stock") })
	got, err := f.svc.GetOrder(context.Background(), alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "insufficient stock", got.Reason)

	// a late reservation for a cancelled order is ignored
	f.react(t, o.ID, func(ctx context.Context) error { return f.svc.MarkReserved(ctx, o.ID) })
	got, err = f.svc.GetOrder(context.Background(), alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	evs := f.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, messaging.EventOrderCancelled, evs[1].EventType)

	err = f.writer.Do(context.Background(), "missing", func(ctx context.Context) error {
		return f.svc.MarkReserved(ctx, "missing")
	})
	assert.True(t, apperrors.HasCode(err, apperrors.CodePrerequisiteMissing))
}

// TestTransitionsAlwaysFollowLifecycle drives random API calls and reactions and
// checks every observed status change is an edge of the lifecycle.
func TestTransitionsAlwaysFollowLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	orders := make([]*models.Order, 5)
	for i := range orders {
		orders[i] = f.create(t, alice)
	}
	steps := []func(id string) error{
		func(id string) error { _, err := f.svc.Confirm(ctx, alice, id); return err },
		func(id string) error { _, err := f.svc.Ship(ctx, staff, id); return err },
		func(id string) error { _, err := f.svc.Cancel(ctx, alice, id, ""); return err },
		func(id string) error {
			return f.writer.Do(ctx, id, func(ctx context.Context) error { return f.svc.MarkReserved(ctx, id) })
		},
		func(id string) error {
			return f.writer.Do(ctx, id, func(ctx context.Context) error { return f.svc.MarkRejected(ctx, id, "") })
		},
	}

	for i := 0; i < 200; i++ {
		o := orders[rng.Intn(len(orders))]
		before, err := f.svc.GetOrder(ctx, staff, o.ID)
		require.NoError(t, err)

		err = steps[rng.Intn(len(steps))](o.ID)
		if err != nil {
			require.True(t, apperrors.HasCode(err, apperrors.CodeConflict), "unexpected error: %v", err)
		}

		after, err := f.svc.GetOrder(ctx, staff, o.ID)
		require.NoError(t, err)
		if after.Status != before.Status {
			assert.True(t, models.CanTransition(before.Status, after.Status), "%s -> %s", before.Status, after.Status)
			assert.Equal(t, before.Version+1, after.Version)
		} else {
			assert.Equal(t, before.Version, after.Version)
		}
	}
}

// lateWinnerRepo hides an order another instance created with the same
// idempotency key until this instance's insert collides with it.
type lateWinnerRepo struct {
	repository.Repository
	hidden bool
}

func (r *lateWinnerRepo) GetOrderByIdempotencyKey(ctx context.Context, customerID, key string) (*models.Order, error) {
	if r.hidden {
		return nil, repository.ErrOrderNotFound
	}
	return r.Repository.GetOrderByIdempotencyKey(ctx, customerID, key)
}

func (r *lateWinnerRepo) CreateOrder(context.Context, *models.Order) error {
	r.hidden = false
	return repository.ErrOrderExists
}

func TestCreateOrder_ConcurrentKeyReturnsWinner(t *testing.T) {
	db := database.NewMemDB()
	writer := outbox.NewWriter(db, outbox.NewMemoryStore(db), nil)
	repo := repository.NewInMemoryRepository(db)

	winner, created, err := NewOrderingService(repo, writer, logging.Discard()).
		CreateOrder(context.Background(), alice, orderRequest(), "k-1")
	require.NoError(t, err)
	require.True(t, created)

	loser := NewOrderingService(&lateWinnerRepo{Repository: repo, hidden: true}, writer, logging.Discard())
	got, created, err := loser.CreateOrder(context.Background(), alice, orderRequest(), "k-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, winner.ID, got.ID)
}

// staleRepo refuses every update as if another instance got there first.
type staleRepo struct {
	repository.Repository
}

func (staleRepo) UpdateOrder(context.Context, *models.Order) error {
	return repository.ErrVersionConflict
}

func TestTransition_VersionConflict(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, alice)

	svc := NewOrderingService(staleRepo{f.svc.repo}, f.writer, logging.Discard())
	_, err := svc.Cancel(context.Background(), alice, o.ID, "")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict))

	got, err := f.svc.GetOrder(context.Background(), alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, got.Status)
	assert.Empty(t, f.events(t)[1:], "a refused update emits nothing")
}
