package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, limit int, window time.Duration) (*RedisRateLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewRedisRateLimiter(client, limit, window)
	l.now = func() time.Time { return now }
	return l, mr, &now
}

func TestRedisRateLimiterEnforcesLimit(t *testing.T) {
	l, _, now := newLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		*now = now.Add(time.Second)
		allowed, err := l.Allow(ctx, "cust-1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
	}

	allowed, err := l.Allow(ctx, "cust-1")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = l.Allow(ctx, "cust-2")
	require.NoError(t, err)
	assert.True(t, allowed, "keys are independent")
}

func TestRedisRateLimiterSlidesWindow(t *testing.T) {
	l, _, now := newLimiter(t, 2, 10*time.Second)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, allowed)

	*now = now.Add(11 * time.Second)
	allowed, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisRateLimiterSetsExpiry(t *testing.T) {
	l, mr, _ := newLimiter(t, 5, 30*time.Second)
	_, err := l.Allow(context.Background(), "k")
	require.NoError(t, err)

	assert.True(t, mr.Exists(keyPrefix+"k"))
	assert.Equal(t, 30*time.Second, mr.TTL(keyPrefix+"k"))
}

func TestRedisRateLimiterUnavailable(t *testing.T) {
	l, mr, _ := newLimiter(t, 5, time.Minute)
	mr.Close()

	_, err := l.Allow(context.Background(), "k")
	assert.Error(t, err)
}

func TestNoOpRateLimiter(t *testing.T) {
	var l NoOpRateLimiter
	for i := 0; i < 10; i++ {
		allowed, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}
