package messaging

import (
	"context"
	"time"

	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/metrics"
	"github.com/telhawk-systems/backbone/common/middleware"
)

// Dispatcher routes envelopes to handlers by event type.
//
// Unknown event types are acknowledged and ignored. Duplicate deliveries are
// swallowed. Final errors (conflicts, validation) are logged and acknowledged so a
// poison event cannot block its key; everything else is returned for redelivery.
type Dispatcher struct {
	consumer string
	handlers map[string]EventHandler
	logger   *logging.Logger
}

// NewDispatcher creates a dispatcher for a named consumer.
func NewDispatcher(consumer string, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		consumer: consumer,
		handlers: make(map[string]EventHandler),
		logger:   logger,
	}
}

// On registers h for eventType.
func (d *Dispatcher) On(eventType string, h EventHandler) *Dispatcher {
	d.handlers[eventType] = h
	return d
}

// Handles reports whether eventType has a handler.
func (d *Dispatcher) Handles(eventType string) bool {
	_, ok := d.handlers[eventType]
	return ok
}

// Handle is an EventHandler.
func (d *Dispatcher) Handle(ctx context.Context, env *Envelope) error {
	h, ok := d.handlers[env.EventType]
	if !ok {
		metrics.EventsConsumed.WithLabelValues(d.consumer, env.EventType, metrics.OutcomeIgnored).Inc()
		return nil
	}

	if env.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, env.CorrelationID)
	}
	attrs := []any{
		logging.EventID(env.EventID),
		logging.EventType(env.EventType),
		logging.AggregateID(env.AggregateID),
		logging.Sequence(env.Sequence),
	}

	start := time.Now()
	err := h(ctx, env)
	metrics.EventHandleDuration.WithLabelValues(d.consumer, env.EventType).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.EventsConsumed.WithLabelValues(d.consumer, env.EventType, metrics.OutcomeApplied).Inc()
		d.logger.DebugContext(ctx, "event applied", attrs...)
		return nil
	case apperrors.HasCode(err, apperrors.CodeDuplicateEvent):
		metrics.EventsConsumed.WithLabelValues(d.consumer, env.EventType, metrics.OutcomeDuplicate).Inc()
		d.logger.DebugContext(ctx, "duplicate event skipped", attrs...)
		return nil
	case !apperrors.Retryable(err):
		metrics.EventsConsumed.WithLabelValues(d.consumer, env.EventType, metrics.OutcomeDropped).Inc()
		d.logger.WarnContext(ctx, "event rejected by handler", append(attrs, logging.Error(err))...)
		return nil
	default:
		metrics.EventsConsumed.WithLabelValues(d.consumer, env.EventType, metrics.OutcomeRetry).Inc()
		d.logger.WarnContext(ctx, "event handling failed, will retry", append(attrs, logging.Error(err))...)
		return err
	}
}
