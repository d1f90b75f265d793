// Package breaker implements per-instance circuit breakers.
//
// A breaker opens after a run of consecutive failures. While open and inside
// the cool-down it rejects calls without touching the network. Once the
// cool-down has passed, the next caller runs a single health probe: success
// closes the breaker, failure re-opens it and restarts the cool-down.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/telhawk-systems/backbone/common/metrics"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config tunes a breaker.
type Config struct {
	FailureThreshold int
	CoolDown         time.Duration
	ProbeTimeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
}

// Probe checks an instance's health.
type Probe func(ctx context.Context) error

// Breaker guards one instance.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
	onChange func(State)
}

// New creates a closed breaker.
func New(cfg Config, now func() time.Time, onChange func(State)) *Breaker {
	cfg.applyDefaults()
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg, now: now, onChange: onChange}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

// Allow decides whether a call may proceed. When the cool-down has expired the
// caller runs probe; the breaker stays half-open, rejecting other callers,
// until the probe returns.
func (b *Breaker) Allow(ctx context.Context, probe Probe) error {
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.mu.Unlock()
		return nil
	case HalfOpen:
		b.mu.Unlock()
		return ErrOpen
	}

	if b.probing || b.now().Sub(b.openedAt) < b.cfg.CoolDown {
		b.mu.Unlock()
		return ErrOpen
	}
	b.probing = true
	b.setState(HalfOpen)
	b.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
	err := probe(pctx)
	cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err != nil {
		b.openedAt = b.now()
		b.setState(Open)
		return ErrOpen
	}
	b.failures = 0
	b.setState(Closed)
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// Failure records a failed call and opens the breaker at the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Closed {
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.now()
		b.setState(Open)
	}
}

// Set holds one breaker per instance.
type Set struct {
	mu       sync.Mutex
	cfg      Config
	now      func() time.Time
	breakers map[string]*Breaker
}

// NewSet creates an empty set. now may be nil.
func NewSet(cfg Config, now func() time.Time) *Set {
	return &Set{cfg: cfg, now: now, breakers: make(map[string]*Breaker)}
}

// For returns the breaker of an instance, creating it on first use.
func (s *Set) For(service, instanceID string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[instanceID]
	if !ok {
		gauge := metrics.BreakerState.WithLabelValues(service, instanceID)
		gauge.Set(float64(Closed))
		b = New(s.cfg, s.now, func(st State) { gauge.Set(float64(st)) })
		s.breakers[instanceID] = b
	}
	return b
}

// States returns the state of every breaker by instance id.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	breakers := make(map[string]*Breaker, len(s.breakers))
	for id, b := range s.breakers {
		breakers[id] = b
	}
	s.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for id, b := range breakers {
		out[id] = b.State()
	}
	return out
}
