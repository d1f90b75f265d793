// Package dlq parks envelopes that exhausted redelivery so they can be inspected
// and replayed once the cause is fixed.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
)

// ErrNotFound is returned when an entry id does not exist.
var ErrNotFound = errors.New("dlq entry not found")

// FailedEvent is one parked envelope.
type FailedEvent struct {
	ID        string              `json:"id"`
	Timestamp time.Time           `json:"timestamp"`
	Topic     string              `json:"topic"`
	Group     string              `json:"group"`
	Envelope  *messaging.Envelope `json:"envelope"`
	Error     string              `json:"error"`
}

// Queue writes failed envelopes to disk, one JSON file per entry.
type Queue struct {
	basePath string
	logger   *logging.Logger
	mu       sync.Mutex
	written  uint64
}

// NewQueue creates a DLQ that writes to basePath.
func NewQueue(basePath string, logger *logging.Logger) (*Queue, error) {
	if basePath == "" {
		basePath = "/var/lib/backbone/dlq"
	}
	if logger == nil {
		logger = logging.Default()
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}

	return &Queue{basePath: basePath, logger: logger}, nil
}

// Write parks env received by group on topic.
func (q *Queue) Write(_ context.Context, topic, group string, env *messaging.Envelope, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	id := fmt.Sprintf("%d_%s_%s", now.UnixNano(), sanitize(group), env.EventID)
	failed := FailedEvent{
		ID:        id,
		Timestamp: now,
		Topic:     topic,
		Group:     group,
		Envelope:  env,
	}
	if cause != nil {
		failed.Error = cause.Error()
	}

	data, err := json.MarshalIndent(failed, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	if err := os.WriteFile(q.path(id), data, 0o644); err != nil {
		return fmt.Errorf("write dlq entry: %w", err)
	}

	q.written++
	q.logger.Warn("event dead-lettered",
		"dlq_id", id,
		logging.Topic(topic),
		"group", group,
		logging.EventID(env.EventID),
		logging.EventType(env.EventType),
		logging.AggregateID(env.AggregateID),
		logging.Sequence(env.Sequence),
		"cause", failed.Error,
	)
	return nil
}

// Sink adapts the queue to a subscription's dead-letter hook.
func (q *Queue) Sink() messaging.DeadLetterFunc {
	return func(ctx context.Context, topic, group string, env *messaging.Envelope, cause error) {
		if err := q.Write(ctx, topic, group, env, cause); err != nil {
			q.logger.Error("failed to write dlq entry", logging.EventID(env.EventID), logging.Error(err))
		}
	}
}

// List returns up to limit entries, oldest first. limit <= 0 returns all.
func (q *Queue) List(_ context.Context, limit int) ([]FailedEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := os.ReadDir(q.basePath)
	if err != nil {
		return nil, fmt.Errorf("read dlq directory: %w", err)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(f.Name(), ".json") {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	var events []FailedEvent
	for _, name := range names {
		if limit > 0 && len(events) >= limit {
			break
		}
		failed, err := q.read(filepath.Join(q.basePath, name))
		if err != nil {
			q.logger.Error("skipping unreadable dlq file", "file", name, logging.Error(err))
			continue
		}
		events = append(events, *failed)
	}
	return events, nil
}

// Get returns one entry.
func (q *Queue) Get(_ context.Context, id string) (*FailedEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	failed, err := q.read(q.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return failed, err
}

// Delete removes one entry.
func (q *Queue) Delete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.Remove(q.path(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete dlq entry: %w", err)
	}
	return nil
}

// Replay republishes an entry's envelope on its original topic and removes it.
// The event id is unchanged, so consumers that already applied it skip it.
func (q *Queue) Replay(ctx context.Context, id string, bus messaging.EventBus) error {
	failed, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := bus.PublishEvent(ctx, failed.Topic, failed.Envelope.AggregateID, failed.Envelope); err != nil {
		return fmt.Errorf("replay %s: %w", id, err)
	}
	q.logger.Info("dlq entry replayed", "dlq_id", id, logging.EventID(failed.Envelope.EventID))
	return q.Delete(ctx, id)
}

// Purge removes every entry and returns how many were deleted.
func (q *Queue) Purge(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := os.ReadDir(q.basePath)
	if err != nil {
		return 0, fmt.Errorf("read dlq directory: %w", err)
	}
	deleted := 0
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(q.basePath, f.Name())); err != nil {
			q.logger.Error("failed to delete dlq file", "file", f.Name(), logging.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Stats returns DLQ counters.
func (q *Queue) Stats() map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := os.ReadDir(q.basePath)
	if err != nil {
		return map[string]interface{}{
			"written":       q.written,
			"pending_files": 0,
			"error":         err.Error(),
		}
	}
	return map[string]interface{}{
		"written":       q.written,
		"pending_files": len(files),
		"base_path":     q.basePath,
	}
}

func (q *Queue) path(id string) string {
	return filepath.Join(q.basePath, "failed_"+sanitize(id)+".json")
}

func (q *Queue) read(path string) (*FailedEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var failed FailedEvent
	if err := json.Unmarshal(data, &failed); err != nil {
		return nil, fmt.Errorf("parse dlq file: %w", err)
	}
	return &failed, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, s)
}
