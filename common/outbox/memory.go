package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/telhawk-systems/backbone/common/database"
)

// MemoryStore keeps the outbox in the same MemDB transaction domain as the
// service's in-memory repositories, so a rolled back write leaves no record.
type MemoryStore struct {
	db         *database.MemDB
	processing sync.Mutex
	records    []Record
	next       int64
}

// NewMemoryStore creates an outbox bound to db.
func NewMemoryStore(db *database.MemDB) *MemoryStore {
	return &MemoryStore{db: db}
}

func (s *MemoryStore) Append(ctx context.Context, rec Record) error {
	return s.db.Write(ctx, func(onRollback func(func())) error {
		s.next++
		rec.Position = s.next
		rec.Envelope = rec.Envelope.Clone()
		s.records = append(s.records, rec)
		id := rec.ID
		onRollback(func() { s.remove(id) })
		return nil
	})
}

func (s *MemoryStore) remove(id string) {
	for i := range s.records {
		if s.records[i].ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) Process(ctx context.Context, limit int, fn ProcessFunc) (int, error) {
	if !s.processing.TryLock() {
		return 0, nil
	}
	defer s.processing.Unlock()

	var pending []Record
	s.db.Read(ctx, func() {
		for _, r := range s.records {
			if r.PublishedAt == nil {
				r.Envelope = r.Envelope.Clone()
				pending = append(pending, r)
				if limit > 0 && len(pending) == limit {
					break
				}
			}
		}
	})
	if len(pending) == 0 {
		return 0, nil
	}

	published, fnErr := fn(ctx, pending)

	failed := firstUnpublished(pending, published)
	now := time.Now().UTC()
	done := make(map[string]bool, len(published))
	for _, id := range published {
		done[id] = true
	}
	_ = s.db.Write(ctx, func(func(func())) error {
		for i := range s.records {
			r := &s.records[i]
			if done[r.ID] {
				t := now
				r.PublishedAt = &t
			}
			if fnErr != nil && failed != nil && r.ID == failed.ID {
				r.Attempts++
				r.LastError = fnErr.Error()
			}
		}
		return nil
	})
	return len(published), fnErr
}

func (s *MemoryStore) Pending(ctx context.Context) (int, error) {
	n := 0
	s.db.Read(ctx, func() {
		for _, r := range s.records {
			if r.PublishedAt == nil {
				n++
			}
		}
	})
	return n, nil
}

// Records returns a snapshot of every record, published or not.
func (s *MemoryStore) Records(ctx context.Context) []Record {
	var out []Record
	s.db.Read(ctx, func() {
		out = make([]Record, len(s.records))
		copy(out, s.records)
	})
	return out
}
