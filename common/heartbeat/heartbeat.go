// Package heartbeat announces a service instance to the gateway registry.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/metrics"
)

// Instance health values carried in a Registration.
const (
	Healthy   = "healthy"
	Unhealthy = "unhealthy"
	Down      = "down"
)

// Registration is one heartbeat.
type Registration struct {
	Service    string    `json:"name"`
	InstanceID string    `json:"instanceId"`
	Address    string    `json:"address"`
	Health     string    `json:"health"`
	ReportedAt time.Time `json:"reportedAt"`
}

// Decode parses a heartbeat message.
func Decode(data []byte) (Registration, error) {
	var r Registration
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode registration: %w", err)
	}
	if r.Service == "" || r.InstanceID == "" {
		return r, fmt.Errorf("registration missing name or instanceId")
	}
	return r, nil
}

// ReadyFunc reports whether the instance can take traffic.
type ReadyFunc func(ctx context.Context) bool

// Publisher sends the instance's Registration on a fixed interval.
type Publisher struct {
	client   messaging.Publisher
	base     Registration
	interval time.Duration
	ready    ReadyFunc
	logger   *logging.Logger
	now      func() time.Time
}

// NewPublisher creates a heartbeat publisher. ready may be nil (always healthy).
func NewPublisher(client messaging.Publisher, service, instanceID, address string, interval time.Duration, ready ReadyFunc, logger *logging.Logger) *Publisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		client:   client,
		base:     Registration{Service: service, InstanceID: instanceID, Address: address},
		interval: interval,
		ready:    ready,
		logger:   logger.With(logging.Service(service), logging.Instance(instanceID)),
		now:      time.Now,
	}
}

// Publish sends one registration with the given health.
func (p *Publisher) Publish(ctx context.Context, health string) error {
	reg := p.base
	reg.Health = health
	reg.ReportedAt = p.now().UTC()

	data, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, messaging.SubjectHeartbeat, data); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}
	metrics.HeartbeatsPublished.WithLabelValues(reg.Service, health).Inc()
	return nil
}

// Run publishes immediately and then every interval. On shutdown it announces
// the instance as down.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		health := Healthy
		if p.ready != nil && !p.ready(ctx) {
			health = Unhealthy
		}
		if err := p.Publish(ctx, health); err != nil && ctx.Err() == nil {
			p.logger.Warn("heartbeat failed", logging.Error(err))
		}

		select {
		case <-ctx.Done():
			downCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := p.Publish(downCtx, Down); err != nil {
				p.logger.Warn("failed to announce shutdown", logging.Error(err))
			}
			return nil
		case <-ticker.C:
		}
	}
}
