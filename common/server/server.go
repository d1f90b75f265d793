// Package server assembles the HTTP surface shared by every service instance.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/health"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/metrics"
	"github.com/telhawk-systems/backbone/common/middleware"
)

// NewRouter returns a router with correlation, recovery, request logging and
// deadline middleware, plus /healthz, /readyz and /metrics.
func NewRouter(logger *logging.Logger, h *health.Health, requestTimeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(chimw.Recoverer)
	r.Use(RequestLog(logger))
	r.Use(middleware.Deadline(requestTimeout))

	r.Get("/healthz", h.Liveness)
	r.Get("/readyz", h.Readiness)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// RequestLog logs one line per request. Probe traffic is logged at debug.
func RequestLog(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				logging.Method(r.Method),
				logging.Path(r.URL.Path),
				logging.Status(status),
				logging.Duration(time.Since(start)),
			}
			switch {
			case r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics":
				logger.DebugContext(r.Context(), "request completed", attrs...)
			case status >= http.StatusInternalServerError:
				logger.ErrorContext(r.Context(), "request completed", attrs...)
			default:
				logger.InfoContext(r.Context(), "request completed", attrs...)
			}
		})
	}
}

// New builds the HTTP server from config.
func New(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}
