// Package health serves liveness and readiness and tracks the fatal flag that
// takes an instance out of rotation.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/telhawk-systems/backbone/common/httputil"
)

// Check reports a dependency's readiness.
type Check func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Check
}

// Health aggregates readiness checks.
type Health struct {
	mu      sync.RWMutex
	checks  []namedCheck
	fatal   error
	timeout time.Duration
}

// New creates a Health with no checks.
func New() *Health {
	return &Health{timeout: 2 * time.Second}
}

// AddCheck registers a readiness check.
func (h *Health) AddCheck(name string, c Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: c})
}

// SetFatal marks the instance permanently unready. The first error wins.
func (h *Health) SetFatal(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fatal == nil {
		h.fatal = err
	}
}

// Fatal returns the recorded fatal error, if any.
func (h *Health) Fatal() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.fatal
}

// Status runs every check. The map holds "ok" or the error text per check.
func (h *Health) Status(ctx context.Context) (bool, map[string]string) {
	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	fatal := h.fatal
	h.mu.RUnlock()

	ready := true
	details := make(map[string]string, len(checks)+1)
	if fatal != nil {
		ready = false
		details["fatal"] = fatal.Error()
	}

	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := c.check(cctx)
		cancel()
		if err != nil {
			ready = false
			details[c.name] = err.Error()
			continue
		}
		details[c.name] = "ok"
	}
	return ready, details
}

// Ready reports readiness without details.
func (h *Health) Ready(ctx context.Context) bool {
	ok, _ := h.Status(ctx)
	return ok
}

// Liveness handles GET /healthz.
func (h *Health) Liveness(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Readiness handles GET /readyz.
func (h *Health) Readiness(w http.ResponseWriter, r *http.Request) {
	ready, details := h.Status(r.Context())
	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "unready"
	}
	httputil.WriteJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": details,
	})
}

// Watch runs c every interval and sets the fatal flag after threshold consecutive
// failures. It returns when ctx is done.
func (h *Health) Watch(ctx context.Context, name string, c Check, interval time.Duration, threshold int) error {
	if threshold <= 0 {
		threshold = 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := c(checkCtx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		failures++
		if failures >= threshold {
			h.SetFatal(fmt.Errorf("%s failed %d consecutive checks: %w", name, failures, err))
			return nil
		}
	}
}
