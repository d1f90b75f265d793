package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/backbone/common/logging"
)

// queue hands out pending counts in batches.
type queue struct {
	mu      sync.Mutex
	pending int
	calls   int
	err     error
	leases  []time.Duration
}

func (q *queue) Deliver(_ context.Context, limit int, lease time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	q.leases = append(q.leases, lease)
	if q.err != nil {
		return 0, q.err
	}
	n := min(limit, q.pending)
	q.pending -= n
	return n, nil
}

func (q *queue) add(n int) {
	q.mu.Lock()
	q.pending += n
	q.mu.Unlock()
}

func (q *queue) left() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func TestFlushDrainsFullBatches(t *testing.T) {
	q := &queue{pending: 7}
	w := NewWorker(q, Config{BatchSize: 3, Lease: 45 * time.Second}, logging.Discard())

	n, err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 3, q.calls)
	assert.Equal(t, 45*time.Second, q.leases[0])
}

func TestFlushStopsOnError(t *testing.T) {
	q := &queue{pending: 5, err: errors.New("relay down")}
	w := NewWorker(q, Config{BatchSize: 2}, logging.Discard())

	_, err := w.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, q.calls)
}

func TestRunDeliversOnNotify(t *testing.T) {
	q := &queue{}
	w := NewWorker(q, Config{PollInterval: time.Hour, BatchSize: 10}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	q.add(4)
	w.Notify()
	require.Eventually(t, func() bool { return q.left() == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
