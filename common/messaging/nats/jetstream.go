package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/metrics"
)

// StreamSettings tunes the streams backing each topic.
type StreamSettings struct {
	// MaxAge is the topic retention.
	MaxAge time.Duration

	// Replicas is the JetStream replication factor.
	Replicas int

	// Duplicates is the publish dedup window keyed by event id.
	Duplicates time.Duration

	// AckWait is how long a delivery may stay unacknowledged before redelivery.
	AckWait time.Duration
}

// DefaultStreamSettings returns sensible defaults.
func DefaultStreamSettings() StreamSettings {
	return StreamSettings{
		MaxAge:     7 * 24 * time.Hour,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
		AckWait:    30 * time.Second,
	}
}

// EventBus implements messaging.EventBus on JetStream. Each topic is a stream
// capturing "<topic>.>"; an envelope is published on "<topic>.<key>" with the
// event id as Nats-Msg-Id so republished outbox records are deduplicated.
type EventBus struct {
	client   *Client
	js       jetstream.JetStream
	settings StreamSettings
	logger   *logging.Logger

	mu      sync.Mutex
	streams map[string]jetstream.Stream
}

// NewEventBus creates a JetStream-backed bus on an existing connection.
func NewEventBus(client *Client, settings StreamSettings, logger *logging.Logger) (*EventBus, error) {
	if logger == nil {
		logger = logging.Default()
	}
	js, err := jetstream.New(client.Conn())
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &EventBus{
		client:   client,
		js:       js,
		settings: settings,
		logger:   logger,
		streams:  make(map[string]jetstream.Stream),
	}, nil
}

// StreamName maps a topic to its stream name ("events.ordering" -> "EVENTS_ORDERING").
func StreamName(topic string) string {
	return strings.ToUpper(strings.ReplaceAll(topic, ".", "_"))
}

// ConsumerName maps a group to a durable name valid in JetStream.
func ConsumerName(group string) string {
	return sanitizeToken(group)
}

func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// EnsureStream creates or updates the stream for topic.
func (b *EventBus) EnsureStream(ctx context.Context, topic string) (jetstream.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[topic]; ok {
		return s, nil
	}

	cfg := jetstream.StreamConfig{
		Name:       StreamName(topic),
		Subjects:   []string{topic + ".>"},
		MaxAge:     b.settings.MaxAge,
		Replicas:   b.settings.Replicas,
		Duplicates: b.settings.Duplicates,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
	}
	stream, err := b.js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	b.streams[topic] = stream
	return stream, nil
}

// PublishEvent publishes env and waits for the stream acknowledgment.
func (b *EventBus) PublishEvent(ctx context.Context, topic, key string, env *messaging.Envelope) error {
	if _, err := b.EnsureStream(ctx, topic); err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := b.js.Publish(ctx, topic+"."+sanitizeToken(key), data, jetstream.WithMsgID(env.EventID)); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.EventType, topic, err)
	}
	return nil
}

// SubscribeEvents binds a durable consumer named after group. MaxAckPending is 1
// so a group sees envelopes strictly in stream order.
func (b *EventBus) SubscribeEvents(ctx context.Context, topic, group string, handler messaging.EventHandler, opts ...messaging.SubscribeOption) (messaging.Subscription, error) {
	o := messaging.NewSubscribeOptions(opts...)

	stream, err := b.EnsureStream(ctx, topic)
	if err != nil {
		return nil, err
	}

	name := ConsumerName(group)
	consumerCfg := jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: topic + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.settings.AckWait,
		MaxDeliver:    -1,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}

	switch o.Start {
	case messaging.StartBeginning:
		if err := b.resetConsumer(ctx, stream, name); err != nil {
			return nil, err
		}
	case messaging.StartOffset:
		if err := b.resetConsumer(ctx, stream, name); err != nil {
			return nil, err
		}
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = o.Offset + 1 // stream sequences start at 1
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", name, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		b.handleMsg(consumeCtx, topic, group, msg, handler, o)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return &consumerSub{topic: topic, cancel: cancel, cc: cc}, nil
}

func (b *EventBus) resetConsumer(ctx context.Context, stream jetstream.Stream, name string) error {
	err := stream.DeleteConsumer(ctx, name)
	if err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return fmt.Errorf("failed to reset consumer %s: %w", name, err)
	}
	return nil
}

func (b *EventBus) handleMsg(ctx context.Context, topic, group string, msg jetstream.Msg, handler messaging.EventHandler, o messaging.SubscribeOptions) {
	env, err := messaging.UnmarshalEnvelope(msg.Data())
	if err != nil {
		b.logger.Error("dropping undecodable message", logging.Topic(topic), logging.Error(err))
		_ = msg.Term()
		return
	}

	delivered := 1
	if md, err := msg.Metadata(); err == nil {
		delivered = int(md.NumDelivered)
	}

	if err := handler(ctx, env); err != nil {
		if delivered >= o.MaxDeliver {
			metrics.EventsDeadLettered.WithLabelValues(topic, group).Inc()
			if o.DeadLetter != nil {
				o.DeadLetter(ctx, topic, group, env, err)
			}
			_ = msg.Term()
			return
		}
		_ = msg.NakWithDelay(o.BackoffFor(delivered))
		return
	}

	_ = msg.Ack()
}

// Close closes the underlying connection.
func (b *EventBus) Close() error {
	return b.client.Close()
}

type consumerSub struct {
	topic  string
	cancel context.CancelFunc
	cc     jetstream.ConsumeContext
	once   sync.Once
	done   bool
	mu     sync.Mutex
}

func (s *consumerSub) Unsubscribe() error {
	s.once.Do(func() {
		s.cc.Stop()
		s.cancel()
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
	})
	return nil
}

func (s *consumerSub) Subject() string { return s.topic }

func (s *consumerSub) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.done
}
