package messaging

import (
	"context"
	"time"
)

// EventHandler processes one envelope. Returning nil acknowledges it and commits the
// group offset; an error causes redelivery with backoff.
type EventHandler func(ctx context.Context, env *Envelope) error

// EventBus is a durable log of envelopes. Order is guaranteed per key within a
// consumer group; there is no ordering across keys. Delivery is at-least-once.
type EventBus interface {
	// PublishEvent returns once the broker has acknowledged the envelope.
	PublishEvent(ctx context.Context, topic, key string, env *Envelope) error

	// SubscribeEvents attaches group to topic. A group resumes from its last
	// committed offset unless an explicit start option says otherwise.
	// Handlers run until ctx is cancelled or the subscription is removed.
	SubscribeEvents(ctx context.Context, topic, group string, handler EventHandler, opts ...SubscribeOption) (Subscription, error)

	// Close releases broker resources.
	Close() error
}

// DeadLetterFunc receives envelopes that exhausted MaxDeliver attempts.
type DeadLetterFunc func(ctx context.Context, topic, group string, env *Envelope, cause error)

// StartPosition chooses where a subscription begins.
type StartPosition int

const (
	// StartCommitted resumes from the group's committed offset (earliest retained
	// for a new group).
	StartCommitted StartPosition = iota
	// StartOffset begins at an explicit offset.
	StartOffset
	// StartBeginning replays everything retained.
	StartBeginning
)

// SubscribeOptions holds subscription settings.
type SubscribeOptions struct {
	Start      StartPosition
	Offset     uint64
	MaxDeliver int
	Backoff    time.Duration
	MaxBackoff time.Duration
	DeadLetter DeadLetterFunc
}

// SubscribeOption configures subscription behavior.
type SubscribeOption func(*SubscribeOptions)

// FromOffset starts delivery at offset n.
func FromOffset(n uint64) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Start = StartOffset
		o.Offset = n
	}
}

// FromBeginning replays the retained log.
func FromBeginning() SubscribeOption {
	return func(o *SubscribeOptions) { o.Start = StartBeginning }
}

// WithMaxDeliver caps delivery attempts per envelope.
func WithMaxDeliver(n int) SubscribeOption {
	return func(o *SubscribeOptions) {
		if n > 0 {
			o.MaxDeliver = n
		}
	}
}

// WithBackoff sets the redelivery backoff base and cap.
func WithBackoff(base, max time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) {
		if base > 0 {
			o.Backoff = base
		}
		if max > 0 {
			o.MaxBackoff = max
		}
	}
}

// WithDeadLetter installs the sink for exhausted envelopes.
func WithDeadLetter(fn DeadLetterFunc) SubscribeOption {
	return func(o *SubscribeOptions) { o.DeadLetter = fn }
}

// NewSubscribeOptions applies opts over the defaults.
func NewSubscribeOptions(opts ...SubscribeOption) SubscribeOptions {
	o := SubscribeOptions{
		Start:      StartCommitted,
		MaxDeliver: 10,
		Backoff:    500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// BackoffFor returns the delay before delivery attempt+1, doubling from Backoff up to MaxBackoff.
func (o SubscribeOptions) BackoffFor(attempt int) time.Duration {
	return ExponentialBackoff(o.Backoff, o.MaxBackoff, attempt)
}

// ExponentialBackoff doubles base per attempt (attempt 1 returns base), capped at max.
func ExponentialBackoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
