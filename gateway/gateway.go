// Package gateway is the edge of the system. It routes client requests to
// healthy service instances discovered from heartbeats, checks tokens and
// coarse roles before forwarding, and records an access log entry per request.
package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/health"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/metrics"
	"github.com/telhawk-systems/backbone/common/middleware"
	"github.com/telhawk-systems/backbone/common/runner"
	"github.com/telhawk-systems/backbone/gateway/internal/accesslog"
	"github.com/telhawk-systems/backbone/gateway/internal/breaker"
	"github.com/telhawk-systems/backbone/gateway/internal/handlers"
	"github.com/telhawk-systems/backbone/gateway/internal/proxy"
	"github.com/telhawk-systems/backbone/gateway/internal/ratelimit"
	"github.com/telhawk-systems/backbone/gateway/internal/registry"
	"github.com/telhawk-systems/backbone/gateway/internal/routes"
)

// Name is the gateway's service name.
const Name = "gateway"

// Deps are the process-level dependencies of the gateway.
type Deps struct {
	Config     *config.Config
	Logger     *logging.Logger
	Heartbeats messaging.Subscriber
	Auth       *authz.Authenticator
	Health     *health.Health
	Redis      *redis.Client      // required when gateway.rate_limit.enabled
	OpenSearch *opensearch.Client // nil keeps the access log on the logger only
	Client     *http.Client       // nil uses a default client
}

// App is an assembled gateway.
type App struct {
	Routes   *routes.Table
	Registry *registry.Registry
	Breakers *breaker.Set

	cfg        *config.Config
	heartbeats messaging.Subscriber
	health     *health.Health
	auth       *authz.Authenticator
	proxy      *proxy.Proxy
	handler    *handlers.Handler
	search     *accesslog.OpenSearchSink
	logger     *logging.Logger
}

// New assembles the gateway.
func New(d Deps) (*App, error) {
	logger := d.Logger
	if logger == nil {
		logger = logging.Default()
	}
	gw := d.Config.Gateway

	table, err := routes.FromConfig(gw.Routes)
	if err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}

	reg := registry.New(gw.Registry.Staleness, logger)
	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold: gw.Breaker.FailureThreshold,
		CoolDown:         gw.Breaker.CoolDown,
		ProbeTimeout:     gw.Breaker.ProbeTimeout,
	}, nil)

	var limiter ratelimit.RateLimiter = ratelimit.NoOpRateLimiter{}
	if gw.RateLimit.Enabled {
		if d.Redis == nil {
			return nil, fmt.Errorf("rate limiting requires redis")
		}
		limiter = ratelimit.NewRedisRateLimiter(d.Redis, gw.RateLimit.Requests, gw.RateLimit.Window)
	}

	sinks := accesslog.Multi{accesslog.NewLogSink(logger)}
	var search *accesslog.OpenSearchSink
	if gw.AccessLog.OpenSearch && d.OpenSearch != nil {
		search = accesslog.NewOpenSearchSink(d.OpenSearch, d.Config.OpenSearch.Index, gw.AccessLog.FlushInterval, logger)
		sinks = append(sinks, search)
	}

	h := d.Health
	if h == nil {
		h = health.New()
	}

	return &App{
		Routes:     table,
		Registry:   reg,
		Breakers:   breakers,
		cfg:        d.Config,
		heartbeats: d.Heartbeats,
		health:     h,
		auth:       d.Auth,
		proxy: proxy.New(proxy.Options{
			Routes:    table,
			Registry:  reg,
			Breakers:  breakers,
			Auth:      d.Auth,
			Limiter:   limiter,
			AccessLog: sinks,
			Retry:     gw.Retry,
			Client:    d.Client,
			Logger:    logger,
		}),
		handler: handlers.New(reg, breakers, d.Auth),
		search:  search,
		logger:  logger,
	}, nil
}

// Handler returns the gateway's HTTP surface.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(a.cfg.Gateway.CORS))
	r.Use(middleware.Deadline(a.cfg.Server.RequestTimeout))

	r.Get("/healthz", a.health.Liveness)
	r.Get("/readyz", a.health.Readiness)
	r.Handle("/metrics", metrics.Handler())
	a.handler.Register(r)
	r.Handle("/*", a.proxy)
	return r
}

// Run consumes heartbeats and ships the access log until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, _ := runner.New(ctx, a.logger)
	g.Go("registry", func(ctx context.Context) error {
		return a.Registry.Run(ctx, a.heartbeats)
	})
	if a.search != nil {
		g.Go("access-log", a.search.Run)
	}
	return g.Wait()
}
