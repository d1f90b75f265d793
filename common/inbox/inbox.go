// Package inbox records, per consumer and aggregate, the highest event sequence
// already applied. Consumers check and advance the mark in the same local
// transaction as the event's effect, which makes redelivery harmless.
package inbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/common/messaging"
)

// Store persists inbox marks.
type Store interface {
	LastApplied(ctx context.Context, consumer, source, aggregateID string) (uint64, error)

	// MarkApplied advances the mark to seq. It returns a DuplicateEvent error
	// when the mark is already at or past seq.
	MarkApplied(ctx context.Context, consumer, source, aggregateID string, seq uint64) error
}

// Apply runs fn for env unless consumer has already applied it. Call it inside
// the transaction that carries fn's writes.
func Apply(ctx context.Context, store Store, consumer string, env *messaging.Envelope, fn func(ctx context.Context) error) error {
	last, err := store.LastApplied(ctx, consumer, env.Source, env.AggregateID)
	if err != nil {
		return fmt.Errorf("read inbox mark: %w", err)
	}
	if env.Sequence <= last {
		return apperrors.DuplicateEvent(env.Source, env.AggregateID, env.Sequence)
	}
	if err := fn(ctx); err != nil {
		return err
	}
	return store.MarkApplied(ctx, consumer, env.Source, env.AggregateID, env.Sequence)
}

// Runner runs fn as one local transaction serialized on key. *outbox.Writer
// satisfies it, so effects may emit further events.
type Runner interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Guard makes fn idempotent: it runs at most once per (source, aggregate,
// sequence) for consumer, in the same transaction as the mark.
func Guard(run Runner, store Store, consumer string, fn messaging.EventHandler) messaging.EventHandler {
	return func(ctx context.Context, env *messaging.Envelope) error {
		return run.Do(ctx, env.AggregateID, func(ctx context.Context) error {
			return Apply(ctx, store, consumer, env, func(ctx context.Context) error {
				return fn(ctx, env)
			})
		})
	}
}

type markKey struct {
	consumer    string
	source      string
	aggregateID string
}

// MemoryStore keeps marks in a MemDB transaction domain.
type MemoryStore struct {
	db    *database.MemDB
	mu    sync.Mutex
	marks map[markKey]uint64
}

// NewMemoryStore creates an empty inbox bound to db.
func NewMemoryStore(db *database.MemDB) *MemoryStore {
	return &MemoryStore{db: db, marks: make(map[markKey]uint64)}
}

func (s *MemoryStore) LastApplied(ctx context.Context, consumer, source, aggregateID string) (uint64, error) {
	var last uint64
	s.db.Read(ctx, func() {
		s.mu.Lock()
		last = s.marks[markKey{consumer, source, aggregateID}]
		s.mu.Unlock()
	})
	return last, nil
}

func (s *MemoryStore) MarkApplied(ctx context.Context, consumer, source, aggregateID string, seq uint64) error {
	return s.db.Write(ctx, func(onRollback func(func())) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		k := markKey{consumer, source, aggregateID}
		prev, existed := s.marks[k]
		if seq <= prev {
			return apperrors.DuplicateEvent(source, aggregateID, seq)
		}
		s.marks[k] = seq
		onRollback(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if existed {
				s.marks[k] = prev
			} else {
				delete(s.marks, k)
			}
		})
		return nil
	})
}
