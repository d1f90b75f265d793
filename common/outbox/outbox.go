// Package outbox implements the transactional outbox: events are appended in the
// same local transaction as the state change and published by a Relay after commit.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/backbone/common/messaging"
)

// Record is one pending or published envelope.
type Record struct {
	ID          string
	Position    int64
	Topic       string
	Key         string
	Envelope    *messaging.Envelope
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// NewRecord wraps env for topic, keyed by its aggregate id.
func NewRecord(topic string, env *messaging.Envelope) Record {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Record{
		ID:        id.String(),
		Topic:     topic,
		Key:       env.AggregateID,
		Envelope:  env,
		CreatedAt: time.Now().UTC(),
	}
}

// ProcessFunc publishes pending records in order and returns the ids it published.
// A non-nil error is charged to the first record that was not published.
type ProcessFunc func(ctx context.Context, pending []Record) (published []string, err error)

// Store persists outbox records next to a service's own data.
type Store interface {
	// Append adds rec inside the transaction carried by ctx, if any.
	Append(ctx context.Context, rec Record) error

	// Process hands up to limit pending records, oldest position first, to fn and
	// marks what fn published. Only one Process runs at a time per store; a
	// concurrent call returns 0 without invoking fn.
	Process(ctx context.Context, limit int, fn ProcessFunc) (int, error)

	// Pending counts unpublished records.
	Pending(ctx context.Context) (int, error)
}

// Appender is the write-side view of a Store used by services.
type Appender interface {
	Append(ctx context.Context, rec Record) error
}

// Publisher is the subset of messaging.EventBus the relay needs.
//
//go:generate mockgen -destination=mock_publisher_test.go -package=outbox . Publisher
type Publisher interface {
	PublishEvent(ctx context.Context, topic, key string, env *messaging.Envelope) error
}

func firstUnpublished(pending []Record, published []string) *Record {
	done := make(map[string]bool, len(published))
	for _, id := range published {
		done[id] = true
	}
	for i := range pending {
		if !done[pending[i].ID] {
			return &pending[i]
		}
	}
	return nil
}
