// Package kafka implements the messaging interfaces on Kafka using franz-go.
//
// Envelopes are produced with the aggregate id as record key, so every event for an
// aggregate lands on one partition and keeps its order. Each consumer group is a
// Kafka consumer group; offsets are committed only after the handler succeeds.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/metrics"
)

const headerEventType = "event_type"

// Config holds broker settings.
type Config struct {
	Brokers           []string
	ClientID          string
	Partitions        int32
	ReplicationFactor int16
	Retention         time.Duration
}

// Bus implements messaging.EventBus and messaging.Client.
type Bus struct {
	cfg      Config
	producer *kgo.Client
	admin    *kadm.Client
	logger   *logging.Logger

	mu     sync.Mutex
	topics map[string]bool
	subs   map[*consumerSub]struct{}
	closed bool
}

// New connects a producer and admin client to the brokers.
func New(cfg Config, logger *logging.Logger) (*Bus, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "backbone"
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}

	return &Bus{
		cfg:      cfg,
		producer: producer,
		admin:    kadm.NewClient(producer),
		logger:   logger,
		topics:   make(map[string]bool),
		subs:     make(map[*consumerSub]struct{}),
	}, nil
}

// EnsureTopics creates topics that do not exist yet.
func (b *Bus) EnsureTopics(ctx context.Context, topics ...string) error {
	b.mu.Lock()
	var missing []string
	for _, t := range topics {
		if !b.topics[t] {
			missing = append(missing, t)
		}
	}
	b.mu.Unlock()
	if len(missing) == 0 {
		return nil
	}

	var configs map[string]*string
	if b.cfg.Retention > 0 {
		ms := fmt.Sprintf("%d", b.cfg.Retention.Milliseconds())
		configs = map[string]*string{"retention.ms": &ms}
	}

	resps, err := b.admin.CreateTopics(ctx, b.cfg.Partitions, b.cfg.ReplicationFactor, configs, missing...)
	if err != nil {
		return fmt.Errorf("kafka: create topics: %w", err)
	}
	for _, r := range resps {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("kafka: create topic %s: %w", r.Topic, r.Err)
		}
	}

	b.mu.Lock()
	for _, t := range missing {
		b.topics[t] = true
	}
	b.mu.Unlock()
	return nil
}

// PublishEvent produces env synchronously, keyed by key.
func (b *Bus) PublishEvent(ctx context.Context, topic, key string, env *messaging.Envelope) error {
	if err := b.EnsureTopics(ctx, topic); err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	rec := &kgo.Record{
		Topic:   topic,
		Key:     []byte(key),
		Value:   data,
		Headers: []kgo.RecordHeader{{Key: headerEventType, Value: []byte(env.EventType)}},
	}
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.EventType, topic, err)
	}
	return nil
}

// SubscribeEvents joins group on topic. FromBeginning and FromOffset discard the
// group's committed offsets first; an explicit offset applies to every partition.
func (b *Bus) SubscribeEvents(ctx context.Context, topic, group string, handler messaging.EventHandler, opts ...messaging.SubscribeOption) (messaging.Subscription, error) {
	o := messaging.NewSubscribeOptions(opts...)

	if err := b.EnsureTopics(ctx, topic); err != nil {
		return nil, err
	}

	reset := kgo.NewOffset().AtStart()
	switch o.Start {
	case messaging.StartBeginning:
		if err := b.resetGroup(ctx, group); err != nil {
			return nil, err
		}
	case messaging.StartOffset:
		if err := b.resetGroup(ctx, group); err != nil {
			return nil, err
		}
		reset = kgo.NewOffset().At(int64(o.Offset))
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ClientID(b.cfg.ClientID),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: create consumer for %s: %w", group, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &consumerSub{topic: topic, group: group, client: cl, cancel: cancel, done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		cl.Close()
		return nil, errors.New("kafka: bus closed")
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go b.consume(subCtx, s, handler, o)
	return &unsubscriber{bus: b, sub: s}, nil
}

func (b *Bus) resetGroup(ctx context.Context, group string) error {
	resps, err := b.admin.DeleteGroups(ctx, group)
	if err != nil {
		return fmt.Errorf("kafka: reset group %s: %w", group, err)
	}
	for _, r := range resps {
		if r.Err != nil && !errors.Is(r.Err, kerr.GroupIDNotFound) {
			return fmt.Errorf("kafka: reset group %s: %w", group, r.Err)
		}
	}
	return nil
}

func (b *Bus) consume(ctx context.Context, s *consumerSub, handler messaging.EventHandler, o messaging.SubscribeOptions) {
	defer close(s.done)
	log := b.logger.With(logging.Topic(s.topic), "group", s.group)

	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		for _, fe := range fetches.Errors() {
			log.Warn("fetch error", "partition", fe.Partition, logging.Error(fe.Err))
		}

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				if ctx.Err() != nil {
					return
				}
				b.deliver(ctx, s, rec, handler, o, log)
			}
		})
		s.client.AllowRebalance()
	}
}

// deliver retries the handler in place until it succeeds or MaxDeliver is reached,
// then commits the record. Blocking the partition keeps per-key order intact.
func (b *Bus) deliver(ctx context.Context, s *consumerSub, rec *kgo.Record, handler messaging.EventHandler, o messaging.SubscribeOptions, log *logging.Logger) {
	env, err := messaging.UnmarshalEnvelope(rec.Value)
	if err != nil {
		log.Error("dropping undecodable record", "offset", rec.Offset, logging.Error(err))
		b.commit(ctx, s, rec, log)
		return
	}

	for attempt := 1; ; attempt++ {
		err := handler(ctx, env)
		if err == nil {
			break
		}
		if attempt >= o.MaxDeliver {
			metrics.EventsDeadLettered.WithLabelValues(s.topic, s.group).Inc()
			if o.DeadLetter != nil {
				o.DeadLetter(ctx, s.topic, s.group, env, err)
			}
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.BackoffFor(attempt)):
		}
	}
	b.commit(ctx, s, rec, log)
}

func (b *Bus) commit(ctx context.Context, s *consumerSub, rec *kgo.Record, log *logging.Logger) {
	if err := s.client.CommitRecords(ctx, rec); err != nil && ctx.Err() == nil {
		log.Warn("commit failed", "offset", rec.Offset, logging.Error(err))
	}
}

// Publish produces data to subject for core pub/sub signals such as heartbeats.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := b.EnsureTopics(ctx, subject); err != nil {
		return err
	}
	return b.producer.ProduceSync(ctx, &kgo.Record{Topic: subject, Value: data}).FirstErr()
}

// Subscribe consumes subject from its end without a group, so every subscriber
// sees every message published after it attached. Wildcards are not supported.
func (b *Bus) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	if strings.ContainsAny(subject, "*>") {
		return nil, fmt.Errorf("kafka: wildcard subjects are not supported: %s", subject)
	}
	if err := b.EnsureTopics(context.Background(), subject); err != nil {
		return nil, err
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ClientID(b.cfg.ClientID),
		kgo.ConsumeTopics(subject),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: create subscriber: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &consumerSub{topic: subject, client: cl, cancel: cancel, done: make(chan struct{})}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(s.done)
		for {
			fetches := cl.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			fetches.EachRecord(func(rec *kgo.Record) {
				msg := &messaging.Message{Subject: rec.Topic, Data: rec.Value, Timestamp: rec.Timestamp}
				if err := handler(ctx, msg); err != nil {
					b.logger.Warn("message handler failed", "subject", subject, logging.Error(err))
				}
			})
		}
	}()
	return &unsubscriber{bus: b, sub: s}, nil
}

// IsConnected pings the cluster.
func (b *Bus) IsConnected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b.producer.Ping(ctx) == nil
}

// Close stops every subscription and the producer.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*consumerSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[*consumerSub]struct{}{}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.producer.Close()
	return nil
}

type consumerSub struct {
	topic  string
	group  string
	client *kgo.Client
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *consumerSub) stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.client.Close()
	})
}

type unsubscriber struct {
	bus *Bus
	sub *consumerSub
}

func (u *unsubscriber) Unsubscribe() error {
	u.bus.mu.Lock()
	delete(u.bus.subs, u.sub)
	u.bus.mu.Unlock()
	u.sub.stop()
	return nil
}

func (u *unsubscriber) Subject() string { return u.sub.topic }

func (u *unsubscriber) IsValid() bool {
	select {
	case <-u.sub.done:
		return false
	default:
		return true
	}
}
