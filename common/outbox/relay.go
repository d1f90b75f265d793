package outbox

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/metrics"
)

var tracer = otel.Tracer("github.com/telhawk-systems/backbone/common/outbox")

// RelayConfig tunes the relay loop.
type RelayConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
	PublishTimeout time.Duration
}

// RelayConfigFrom converts the outbox config section.
func RelayConfigFrom(cfg config.OutboxConfig) RelayConfig {
	return RelayConfig{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		RetryBackoff: cfg.RetryBackoff,
		MaxBackoff:   cfg.MaxBackoff,
	}
}

func (c *RelayConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
}

// Relay moves committed outbox records to the event bus. Records are published
// in position order and a batch stops at the first failure, so a later event for
// an aggregate is never published ahead of an earlier one. Failed records stay
// pending and are retried with exponential backoff.
type Relay struct {
	service string
	store   Store
	pub     Publisher
	cfg     RelayConfig
	logger  *logging.Logger
	notify  chan struct{}
}

// NewRelay creates a relay for service.
func NewRelay(service string, store Store, pub Publisher, cfg RelayConfig, logger *logging.Logger) *Relay {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &Relay{
		service: service,
		store:   store,
		pub:     pub,
		cfg:     cfg,
		logger:  logger.With(logging.Service(service), "component", "outbox_relay"),
		notify:  make(chan struct{}, 1),
	}
}

// Notify requests an immediate flush. It never blocks.
func (r *Relay) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run flushes on every poll tick or notification until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-r.notify:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		wait := r.cfg.PollInterval
		if _, err := r.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			wait = messaging.ExponentialBackoff(r.cfg.RetryBackoff, r.cfg.MaxBackoff, failures)
			r.logger.Warn("outbox flush failed", logging.Error(err), "retry_in", wait.String())
		} else {
			failures = 0
		}
		timer.Reset(wait)
	}
}

// Flush publishes pending records until none remain or a publish fails.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	defer func() {
		if n, err := r.store.Pending(ctx); err == nil {
			metrics.OutboxPending.WithLabelValues(r.service).Set(float64(n))
		}
	}()

	for {
		n, err := r.batch(ctx)
		total += n
		if err != nil || n < r.cfg.BatchSize {
			return total, err
		}
	}
}

func (r *Relay) batch(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "outbox.batch")
	defer span.End()
	start := time.Now()

	n, err := r.store.Process(ctx, r.cfg.BatchSize, r.publish)

	metrics.OutboxBatchDuration.WithLabelValues(r.service).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("service", r.service), attribute.Int("published", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return n, err
}

func (r *Relay) publish(ctx context.Context, pending []Record) ([]string, error) {
	published := make([]string, 0, len(pending))
	for _, rec := range pending {
		pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
		err := r.pub.PublishEvent(pctx, rec.Topic, rec.Key, rec.Envelope)
		cancel()
		if err != nil {
			metrics.OutboxPublishFailures.WithLabelValues(r.service, rec.Topic).Inc()
			r.logger.Warn("outbox publish failed",
				logging.EventID(rec.Envelope.EventID),
				logging.EventType(rec.Envelope.EventType),
				logging.AggregateID(rec.Key),
				"attempts", rec.Attempts+1,
				logging.Error(err),
			)
			return published, err
		}
		metrics.OutboxPublished.WithLabelValues(r.service, rec.Topic).Inc()
		published = append(published, rec.ID)
	}
	return published, nil
}
