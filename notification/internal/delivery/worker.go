// Package delivery sends committed notifications through the configured sender.
package delivery

import (
	"context"
	"time"

	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
)

// Deliverer sends one batch of pending notifications.
type Deliverer interface {
	Deliver(ctx context.Context, limit int, lease time.Duration) (int, error)
}

// Config tunes the worker loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// ConfigFrom reuses the outbox cadence for delivery.
func ConfigFrom(cfg config.OutboxConfig) Config {
	return Config{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		RetryBackoff: cfg.RetryBackoff,
		MaxBackoff:   cfg.MaxBackoff,
	}
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Worker delivers pending notifications on every poll tick or wake-up. After a
// failed round it backs off exponentially.
type Worker struct {
	d      Deliverer
	cfg    Config
	logger *logging.Logger
	wake   chan struct{}
}

func NewWorker(d Deliverer, cfg Config, logger *logging.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		d:      d,
		cfg:    cfg,
		logger: logger.With("component", "notification_delivery"),
		wake:   make(chan struct{}, 1),
	}
}

// Notify requests an immediate round. It never blocks.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run delivers until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-w.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		wait := w.cfg.PollInterval
		if _, err := w.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			wait = messaging.ExponentialBackoff(w.cfg.RetryBackoff, w.cfg.MaxBackoff, failures)
			w.logger.Warn("notification delivery round failed", logging.Error(err), "retry_in", wait.String())
		} else {
			failures = 0
		}
		timer.Reset(wait)
	}
}

// Flush delivers batches until one comes back short or fails.
func (w *Worker) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := w.d.Deliver(ctx, w.cfg.BatchSize, w.cfg.Lease)
		total += n
		if err != nil || n < w.cfg.BatchSize {
			return total, err
		}
	}
}
