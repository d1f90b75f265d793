package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/backbone/common/messaging"
)

func envelope(aggregate string, seq uint64) *messaging.Envelope {
	return &messaging.Envelope{
		EventID:     fmt.Sprintf("%s-%d", aggregate, seq),
		EventType:   messaging.EventOrderCreated,
		Source:      "ordering",
		AggregateID: aggregate,
		Sequence:    seq,
		OccurredAt:  time.Now(),
		Payload:     []byte(`{}`),
	}
}

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) handle(ctx context.Context, env *messaging.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, env.EventID)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestPublishSubscribeInOrder(t *testing.T) {
	bus := New()
	defer bus.Close()
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, bus.PublishEvent(ctx, messaging.TopicOrdering, "o-1", envelope("o-1", i)))
	}

	rec := &recorder{}
	_, err := bus.SubscribeEvents(ctx, messaging.TopicOrdering, "catalog", rec.handle)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.ids()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"o-1-1", "o-1-2", "o-1-3", "o-1-4", "o-1-5"}, rec.ids())
	assert.Equal(t, uint64(5), bus.Committed(messaging.TopicOrdering, "catalog"))
}

func TestGroupsResumeFromCommittedOffset(t *testing.T) {
	bus := New()
	defer bus.Close()
	ctx := context.Background()

	require.NoError(t, bus.PublishEvent(ctx, messaging.TopicOrdering, "o-1", envelope("o-1", 1)))

	rec := &recorder{}
	sub, err := bus.SubscribeEvents(ctx, messaging.TopicOrdering, "notification", rec.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, bus.PublishEvent(ctx, messaging.TopicOrdering, "o-1", envelope("o-1", 2)))

	rec2 := &recorder{}
	_, err = bus.SubscribeEvents(ctx, messaging.TopicOrdering, "notification", rec2.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec2.ids()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"o-1-2"}, rec2.ids())
}

func TestExplicitStartPositions(t *testing.T) {
	bus := New()
	defer bus.Close()
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, bus.PublishEvent(ctx, messaging.TopicOrdering, "o-1", envelope("o-1", i)))
	}

	rec := &recorder{}
	_, err := bus.SubscribeEvents(ctx, messaging.TopicOrdering, "from-two", rec.handle, messaging.FromOffset(2))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"o-1-3"}, rec.ids())
}

func TestOneActiveSubscriptionPerGroup(t *testing.T) {
	bus := New()
	defer bus.Close()
	ctx := context.Background()

	_, err := bus.SubscribeEvents(ctx, messaging.TopicCatalog, "ordering", (&recorder{}).handle)
	require.NoError(t, err)
	_, err = bus.SubscribeEvents(ctx, messaging.TopicCatalog, "ordering", (&recorder{}).handle)
	assert.ErrorIs(t, err, ErrGroupBusy)
}

func TestRedeliveryThenDeadLetter(t *testing.T) {
	bus := New()
	defer bus.Close()
	ctx := context.Background()

	var mu sync.Mutex
	attempts := map[string]int{}
	var parked []string

	handler := func(ctx context.Context, env *messaging.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[env.EventID]++
		if env.Sequence == 1 {
			return errors.New("always fails")
		}
		if attempts[env.EventID] < 2 {
			return errors.New("fails once")
		}
		return nil
	}
	dead := func(ctx context.Context, topic, group string, env *messaging.Envelope, cause error) {
		mu.Lock()
		defer mu.Unlock()
		parked = append(parked, env.EventID)
	}

	require.NoError(t, bus.PublishEvent(ctx, messaging.TopicOrdering, "o-1", envelope("o-1", 1)))
	require.NoError(t, bus.PublishEvent(ctx, messaging.TopicOrdering, "o-1", envelope("o-1", 2)))

	_, err := bus.SubscribeEvents(ctx, messaging.TopicOrdering, "g", handler,
		messaging.WithMaxDeliver(3),
		messaging.WithBackoff(time.Millisecond, 5*time.Millisecond),
		messaging.WithDeadLetter(dead))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bus.Committed(messaging.TopicOrdering, "g") == 2 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts["o-1-1"])
	assert.Equal(t, 2, attempts["o-1-2"])
	assert.Equal(t, []string{"o-1-1"}, parked)
}

func TestRetentionDropsOldEntries(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	bus := New(WithRetention(time.Hour), WithClock(clock))
	defer bus.Close()
	ctx := context.Background()

	require.NoError(t, bus.PublishEvent(ctx, messaging.TopicIdentity, "c-1", envelope("c-1", 1)))
	now = now.Add(2 * time.Hour)
	require.NoError(t, bus.PublishEvent(ctx, messaging.TopicIdentity, "c-1", envelope("c-1", 2)))

	events := bus.Events(messaging.TopicIdentity)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].Sequence)
	assert.Equal(t, uint64(2), bus.End(messaging.TopicIdentity))
}

func TestCorePubSub(t *testing.T) {
	bus := New()
	defer bus.Close()

	got := make(chan string, 4)
	_, err := bus.Subscribe("registry.>", func(ctx context.Context, msg *messaging.Message) error {
		got <- msg.Subject
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), messaging.SubjectHeartbeat, []byte("x")))
	require.NoError(t, bus.Publish(context.Background(), "other.subject", []byte("x")))

	select {
	case s := <-got:
		assert.Equal(t, messaging.SubjectHeartbeat, s)
	case <-time.After(time.Second):
		t.Fatal("heartbeat not delivered")
	}
	select {
	case s := <-got:
		t.Fatalf("unexpected delivery on %s", s)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubjectMatches(t *testing.T) {
	assert.True(t, subjectMatches("a.b", "a.b"))
	assert.True(t, subjectMatches("a.*", "a.b"))
	assert.True(t, subjectMatches("a.>", "a.b.c"))
	assert.False(t, subjectMatches("a.>", "a"))
	assert.False(t, subjectMatches("a.*", "a.b.c"))
	assert.False(t, subjectMatches("a.b", "a.c"))
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := New()
	_, err := bus.SubscribeEvents(context.Background(), messaging.TopicOrdering, "g", (&recorder{}).handle)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = bus.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	assert.ErrorIs(t, bus.PublishEvent(context.Background(), messaging.TopicOrdering, "k", envelope("k", 1)), ErrClosed)
	assert.False(t, bus.IsConnected())
}
