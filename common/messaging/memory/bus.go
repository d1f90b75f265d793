// Package memory provides an in-process implementation of the messaging interfaces.
//
// Each topic is an append-only log with consumer-group offsets, so a single
// process (tests, bbctl dev) gets the same delivery semantics as a real broker:
// at-least-once, ordered, resumable and bounded by retention.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/metrics"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("memory bus closed")

// ErrGroupBusy is returned when a consumer group already has an active subscription.
var ErrGroupBusy = errors.New("consumer group already subscribed")

// Bus implements messaging.Client and messaging.EventBus in memory.
type Bus struct {
	mu        sync.Mutex
	topics    map[string]*topicLog
	subs      map[*coreSub]struct{}
	events    map[*eventSub]struct{}
	retention time.Duration
	now       func() time.Time
	closed    bool
	wg        sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithRetention drops log entries older than d (0 keeps everything).
func WithRetention(d time.Duration) Option {
	return func(b *Bus) { b.retention = d }
}

// WithClock overrides the time source used for retention.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics: make(map[string]*topicLog),
		subs:   make(map[*coreSub]struct{}),
		events: make(map[*eventSub]struct{}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type entry struct {
	key string
	env *messaging.Envelope
	at  time.Time
}

type group struct {
	committed uint64
	active    bool
}

type topicLog struct {
	base    uint64
	entries []entry
	groups  map[string]*group
	signal  chan struct{}
}

func (b *Bus) topic(name string) *topicLog {
	t, ok := b.topics[name]
	if !ok {
		t = &topicLog{groups: make(map[string]*group), signal: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

// PublishEvent appends env to topic. The envelope is copied.
func (b *Bus) PublishEvent(ctx context.Context, topic, key string, env *messaging.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	t := b.topic(topic)
	t.entries = append(t.entries, entry{key: key, env: env.Clone(), at: b.now()})
	b.trim(t)

	close(t.signal)
	t.signal = make(chan struct{})
	return nil
}

// trim applies retention. Caller holds b.mu.
func (b *Bus) trim(t *topicLog) {
	if b.retention <= 0 {
		return
	}
	cutoff := b.now().Add(-b.retention)
	n := 0
	for n < len(t.entries) && t.entries[n].at.Before(cutoff) {
		n++
	}
	if n > 0 {
		t.entries = append([]entry(nil), t.entries[n:]...)
		t.base += uint64(n)
	}
}

// SubscribeEvents starts a delivery goroutine for group on topic.
func (b *Bus) SubscribeEvents(ctx context.Context, topic, groupName string, handler messaging.EventHandler, opts ...messaging.SubscribeOption) (messaging.Subscription, error) {
	o := messaging.NewSubscribeOptions(opts...)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	t := b.topic(topic)
	g, ok := t.groups[groupName]
	if !ok {
		g = &group{committed: t.base}
		t.groups[groupName] = g
	}
	if g.active {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrGroupBusy, topic, groupName)
	}
	switch o.Start {
	case messaging.StartBeginning:
		g.committed = t.base
	case messaging.StartOffset:
		g.committed = o.Offset
	}
	g.active = true

	subCtx, cancel := context.WithCancel(ctx)
	s := &eventSub{topic: topic, cancel: cancel, done: make(chan struct{})}
	b.events[s] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(s.done)
		defer func() {
			b.mu.Lock()
			g.active = false
			delete(b.events, s)
			b.mu.Unlock()
		}()
		b.deliver(subCtx, topic, groupName, t, g, handler, o)
	}()

	return s, nil
}

func (b *Bus) deliver(ctx context.Context, topic, groupName string, t *topicLog, g *group, handler messaging.EventHandler, o messaging.SubscribeOptions) {
	for {
		b.mu.Lock()
		if g.committed < t.base {
			g.committed = t.base
		}
		idx := g.committed - t.base
		if idx >= uint64(len(t.entries)) {
			wait := t.signal
			b.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-wait:
				continue
			}
		}
		offset := g.committed
		e := t.entries[idx]
		b.mu.Unlock()

		if !b.handle(ctx, topic, groupName, e.env, handler, o) {
			return
		}

		b.mu.Lock()
		if g.committed == offset {
			g.committed = offset + 1
		}
		b.mu.Unlock()
	}
}

// handle runs handler until it succeeds or attempts are exhausted. It returns
// false when ctx ends first, leaving the offset uncommitted.
func (b *Bus) handle(ctx context.Context, topic, groupName string, env *messaging.Envelope, handler messaging.EventHandler, o messaging.SubscribeOptions) bool {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		err := handler(ctx, env.Clone())
		if err == nil {
			return true
		}
		if attempt >= o.MaxDeliver {
			metrics.EventsDeadLettered.WithLabelValues(topic, groupName).Inc()
			if o.DeadLetter != nil {
				o.DeadLetter(ctx, topic, groupName, env.Clone(), err)
			}
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(o.BackoffFor(attempt)):
		}
	}
}

// Committed returns a group's next offset, for tests and tooling.
func (b *Bus) Committed(topic, groupName string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topic]; ok {
		if g, ok := t.groups[groupName]; ok {
			return g.committed
		}
	}
	return 0
}

// End returns the offset the next published envelope on topic will get.
func (b *Bus) End(topic string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topic]; ok {
		return t.base + uint64(len(t.entries))
	}
	return 0
}

// Events returns a copy of the retained envelopes on topic.
func (b *Bus) Events(topic string) []*messaging.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]*messaging.Envelope, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.env.Clone())
	}
	return out
}

// Publish delivers data to every core subscriber whose pattern matches subject.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	var targets []*coreSub
	for s := range b.subs {
		if subjectMatches(s.pattern, subject) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		msg := &messaging.Message{Subject: subject, Data: append([]byte(nil), data...), Timestamp: b.now()}
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a core subscriber. Patterns support NATS-style "*" and ">".
func (b *Bus) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	s := &coreSub{bus: b, pattern: subject, ch: make(chan *messaging.Message, 256), done: make(chan struct{})}
	b.subs[s] = struct{}{}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.ch:
				_ = handler(context.Background(), msg)
			}
		}
	}()
	return s, nil
}

// IsConnected is always true until Close.
func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Close stops every subscription and waits for delivery goroutines to exit.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for s := range b.subs {
		s.stop()
	}
	for s := range b.events {
		s.cancel()
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

type eventSub struct {
	topic  string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Unsubscribe stops delivery and waits for the in-flight handler to return.
// It must not be called from inside the handler.
func (s *eventSub) Unsubscribe() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

func (s *eventSub) Subject() string { return s.topic }

func (s *eventSub) IsValid() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

type coreSub struct {
	bus     *Bus
	pattern string
	ch      chan *messaging.Message
	done    chan struct{}
	once    sync.Once
}

func (s *coreSub) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *coreSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

func (s *coreSub) Subject() string { return s.pattern }

func (s *coreSub) IsValid() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
