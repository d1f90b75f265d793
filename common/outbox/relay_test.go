package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
)

func newEnvelope(t *testing.T, agg string, seq uint64) *messaging.Envelope {
	t.Helper()
	env, err := messaging.NewEnvelope(context.Background(), "ordering", messaging.EventOrderCreated, agg, seq, map[string]any{"orderId": agg})
	require.NoError(t, err)
	return env
}

func appendAll(t *testing.T, store Store, envs ...*messaging.Envelope) {
	t.Helper()
	for _, env := range envs {
		require.NoError(t, store.Append(context.Background(), NewRecord(messaging.TopicOrdering, env)))
	}
}

type seqMatcher uint64

func (m seqMatcher) Matches(x any) bool {
	env, ok := x.(*messaging.Envelope)
	return ok && env.Sequence == uint64(m)
}

func (m seqMatcher) String() string { return fmt.Sprintf("envelope with sequence %d", uint64(m)) }

func hasSeq(seq uint64) gomock.Matcher { return seqMatcher(seq) }

func TestRelayPublishesInPositionOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := NewMockPublisher(ctrl)
	store := NewMemoryStore(database.NewMemDB())

	appendAll(t, store, newEnvelope(t, "o-1", 1), newEnvelope(t, "o-1", 2), newEnvelope(t, "o-1", 3))

	gomock.InOrder(
		pub.EXPECT().PublishEvent(gomock.Any(), messaging.TopicOrdering, "o-1", hasSeq(1)).Return(nil),
		pub.EXPECT().PublishEvent(gomock.Any(), messaging.TopicOrdering, "o-1", hasSeq(2)).Return(nil),
		pub.EXPECT().PublishEvent(gomock.Any(), messaging.TopicOrdering, "o-1", hasSeq(3)).Return(nil),
	)

	relay := NewRelay("ordering", store, pub, RelayConfig{BatchSize: 2}, logging.Discard())
	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	pending, err := store.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRelayStopsAtFirstFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := NewMockPublisher(ctrl)
	store := NewMemoryStore(database.NewMemDB())
	ctx := context.Background()

	appendAll(t, store, newEnvelope(t, "o-1", 1), newEnvelope(t, "o-1", 2), newEnvelope(t, "o-1", 3))
	relay := NewRelay("ordering", store, pub, RelayConfig{}, logging.Discard())

	gomock.InOrder(
		pub.EXPECT().PublishEvent(gomock.Any(), gomock.Any(), gomock.Any(), hasSeq(1)).Return(nil),
		pub.EXPECT().PublishEvent(gomock.Any(), gomock.Any(), gomock.Any(), hasSeq(2)).Return(errors.New("broker down")),
	)

	n, err := relay.Flush(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, n)

	recs := store.Records(ctx)
	require.Len(t, recs, 3)
	assert.NotNil(t, recs[0].PublishedAt)
	assert.Nil(t, recs[1].PublishedAt)
	assert.Equal(t, 1, recs[1].Attempts)
	assert.Equal(t, "broker down", recs[1].LastError)
	assert.Nil(t, recs[2].PublishedAt)
	assert.Zero(t, recs[2].Attempts)

	gomock.InOrder(
		pub.EXPECT().PublishEvent(gomock.Any(), gomock.Any(), gomock.Any(), hasSeq(2)).Return(nil),
		pub.EXPECT().PublishEvent(gomock.Any(), gomock.Any(), gomock.Any(), hasSeq(3)).Return(nil),
	)
	n, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	db := database.NewMemDB()
	store := NewMemoryStore(db)
	ctx := context.Background()

	err := db.InTx(ctx, func(ctx context.Context) error {
		require.NoError(t, store.Append(ctx, NewRecord(messaging.TopicOrdering, newEnvelope(t, "o-1", 1))))
		return errors.New("commit failed")
	})
	require.Error(t, err)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "a failed commit leaves no outbox record")
}

type chanPublisher struct {
	got chan *messaging.Envelope
}

func (p *chanPublisher) PublishEvent(_ context.Context, _, _ string, env *messaging.Envelope) error {
	p.got <- env
	return nil
}

func TestRelayRunFlushesOnNotify(t *testing.T) {
	store := NewMemoryStore(database.NewMemDB())
	pub := &chanPublisher{got: make(chan *messaging.Envelope, 4)}
	relay := NewRelay("ordering", store, pub, RelayConfig{PollInterval: time.Hour}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	// let the initial flush find an empty outbox
	time.Sleep(20 * time.Millisecond)

	appendAll(t, store, newEnvelope(t, "o-9", 1))
	relay.Notify()

	select {
	case env := <-pub.got:
		assert.Equal(t, "o-9", env.AggregateID)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not flush after Notify")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestProcessSkipsWhenBusy(t *testing.T) {
	store := NewMemoryStore(database.NewMemDB())
	appendAll(t, store, newEnvelope(t, "o-1", 1))

	store.processing.Lock()
	defer store.processing.Unlock()

	n, err := store.Process(context.Background(), 10, func(context.Context, []Record) ([]string, error) {
		t.Fatal("fn must not run while another process holds the store")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}
