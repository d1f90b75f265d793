// Package registry tracks live service instances from their heartbeats.
//
// Only the heartbeat subscription writes to the registry. Request goroutines
// read it to pick an instance.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/backbone/common/heartbeat"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/metrics"
)

// Instance is the latest known state of one service instance.
type Instance struct {
	heartbeat.Registration
	LastSeen time.Time `json:"lastSeen"`
}

// Usable reports whether the instance may take traffic at now.
func (i Instance) Usable(now time.Time, staleness time.Duration) bool {
	if i.Health != heartbeat.Healthy {
		return false
	}
	return staleness <= 0 || now.Sub(i.LastSeen) <= staleness
}

type pool struct {
	instances map[string]*Instance
	next      atomic.Uint64
}

// Registry is the gateway's view of every service.
type Registry struct {
	mu        sync.RWMutex
	services  map[string]*pool
	staleness time.Duration
	now       func() time.Time
	logger    *logging.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry. Instances not heard from within staleness
// are treated as unhealthy.
func New(staleness time.Duration, logger *logging.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	r := &Registry{
		services:  make(map[string]*pool),
		staleness: staleness,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply records one heartbeat. A "down" registration removes the instance.
func (r *Registry) Apply(reg heartbeat.Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.services[reg.Service]
	if !ok {
		p = &pool{instances: make(map[string]*Instance)}
		r.services[reg.Service] = p
	}

	prev, known := p.instances[reg.InstanceID]
	if reg.Health == heartbeat.Down {
		if known {
			delete(p.instances, reg.InstanceID)
			r.logger.Info("instance deregistered",
				logging.Service(reg.Service), logging.Instance(reg.InstanceID))
		}
		return
	}

	if !known {
		r.logger.Info("instance registered",
			logging.Service(reg.Service), logging.Instance(reg.InstanceID))
	} else if prev.Health != reg.Health {
		r.logger.Warn("instance health changed",
			logging.Service(reg.Service), logging.Instance(reg.InstanceID))
	}
	p.instances[reg.InstanceID] = &Instance{Registration: reg, LastSeen: r.now()}
}

// Candidates returns the usable instances of service in round-robin order,
// starting after the instance handed out last time.
func (r *Registry) Candidates(service string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.services[service]
	if !ok {
		return nil
	}

	now := r.now()
	usable := make([]Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.Usable(now, r.staleness) {
			usable = append(usable, *inst)
		}
	}
	if len(usable) == 0 {
		return nil
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].InstanceID < usable[j].InstanceID })

	start := int(p.next.Add(1)-1) % len(usable)
	return append(usable[start:], usable[:start]...)
}

// Snapshot returns every known instance, sorted by service and instance id.
func (r *Registry) Snapshot() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Instance
	for _, p := range r.services {
		for _, inst := range p.instances {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

// Staleness is the configured heartbeat staleness bound.
func (r *Registry) Staleness() time.Duration {
	return r.staleness
}

// Now is the registry's clock.
func (r *Registry) Now() time.Time {
	return r.now()
}

func (r *Registry) report() {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, p := range r.services {
		healthy, unhealthy := 0, 0
		for _, inst := range p.instances {
			if inst.Usable(now, r.staleness) {
				healthy++
			} else {
				unhealthy++
			}
		}
		metrics.RegistryInstances.WithLabelValues(name, heartbeat.Healthy).Set(float64(healthy))
		metrics.RegistryInstances.WithLabelValues(name, heartbeat.Unhealthy).Set(float64(unhealthy))
	}
}

// Run subscribes to heartbeats and applies them until ctx is done.
func (r *Registry) Run(ctx context.Context, sub messaging.Subscriber) error {
	s, err := sub.Subscribe(messaging.SubjectHeartbeat, func(_ context.Context, msg *messaging.Message) error {
		reg, err := heartbeat.Decode(msg.Data)
		if err != nil {
			r.logger.Warn("discarding malformed heartbeat", logging.Error(err))
			return nil
		}
		r.Apply(reg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}
	defer func() { _ = s.Unsubscribe() }()

	interval := r.staleness
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.report()
		}
	}
}
