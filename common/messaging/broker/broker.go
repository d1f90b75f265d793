// Package broker opens the configured event bus backend.
package broker

import (
	"context"
	"fmt"

	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/messaging/kafka"
	"github.com/telhawk-systems/backbone/common/messaging/memory"
	"github.com/telhawk-systems/backbone/common/messaging/nats"
)

// Backend names accepted in bus.backend.
const (
	BackendMemory    = "memory"
	BackendJetStream = "jetstream"
	BackendKafka     = "kafka"
)

// Broker bundles the durable event bus with the core pub/sub client used for heartbeats.
type Broker struct {
	Events messaging.EventBus
	Core   messaging.Client
	close  func() error
}

// Close releases the backend.
func (b *Broker) Close() error {
	return b.close()
}

// SubscribeDefaults turns bus settings into subscription options.
func SubscribeDefaults(cfg config.BusConfig) []messaging.SubscribeOption {
	return []messaging.SubscribeOption{
		messaging.WithMaxDeliver(cfg.MaxDeliver),
		messaging.WithBackoff(cfg.RetryBackoff, cfg.MaxBackoff),
	}
}

// Open connects to the backend named in cfg.Bus.Backend.
func Open(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Broker, error) {
	switch cfg.Bus.Backend {
	case BackendMemory, "":
		bus := memory.New(memory.WithRetention(cfg.Bus.Retention))
		return &Broker{Events: bus, Core: bus, close: bus.Close}, nil

	case BackendJetStream:
		ncfg := nats.DefaultConfig()
		ncfg.URL = cfg.NATS.URL
		ncfg.Name = cfg.Service.Name
		ncfg.MaxReconnects = cfg.NATS.MaxReconnects
		if cfg.NATS.ReconnectWait > 0 {
			ncfg.ReconnectWait = cfg.NATS.ReconnectWait
		}
		client, err := nats.NewClient(ncfg, logger)
		if err != nil {
			return nil, err
		}
		settings := nats.DefaultStreamSettings()
		if cfg.Bus.Retention > 0 {
			settings.MaxAge = cfg.Bus.Retention
		}
		if cfg.NATS.Replicas > 0 {
			settings.Replicas = cfg.NATS.Replicas
		}
		bus, err := nats.NewEventBus(client, settings, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		for _, topic := range messaging.Topics() {
			if _, err := bus.EnsureStream(ctx, topic); err != nil {
				_ = client.Close()
				return nil, err
			}
		}
		return &Broker{Events: bus, Core: client, close: bus.Close}, nil

	case BackendKafka:
		bus, err := kafka.New(kafka.Config{
			Brokers:           cfg.Kafka.Brokers,
			ClientID:          cfg.Service.Name,
			Partitions:        cfg.Kafka.Partitions,
			ReplicationFactor: cfg.Kafka.ReplicationFactor,
			Retention:         cfg.Bus.Retention,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := bus.EnsureTopics(ctx, append(messaging.Topics(), messaging.SubjectHeartbeat)...); err != nil {
			_ = bus.Close()
			return nil, err
		}
		return &Broker{Events: bus, Core: bus, close: bus.Close}, nil
	}
	return nil, fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
}
