// Package bootstrap wires the process-level dependencies every service shares:
// logging, its own database, the event bus, token verification, health, the
// dead-letter queue and the heartbeat.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/backbone/common/audit"
	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/common/dlq"
	"github.com/telhawk-systems/backbone/common/health"
	"github.com/telhawk-systems/backbone/common/heartbeat"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/messaging/broker"
	"github.com/telhawk-systems/backbone/common/revocation"
	"github.com/telhawk-systems/backbone/common/runner"
	"github.com/telhawk-systems/backbone/common/server"
	"github.com/telhawk-systems/backbone/common/tokens"
)

// Runtime holds the opened dependencies of one service process.
type Runtime struct {
	Service     string
	Config      *config.Config
	Logger      *logging.Logger
	Broker      *broker.Broker
	DB          *database.DB // nil when database.type is memory
	Health      *health.Health
	Verifier    *tokens.Verifier
	Auth        *authz.Authenticator
	Audit       *audit.Logger
	Revocations revocation.Store
	DLQ         *dlq.Queue // nil when disabled

	redis *redis.Client
}

// NewLogger builds the process logger from config and installs it as the slog default.
func NewLogger(service string, cfg config.LoggingConfig) *logging.Logger {
	logger := logging.New(logging.ParseLevel(cfg.Level), cfg.Format).With(logging.Service(service))
	logging.SetDefault(logger)
	return logger
}

// Open connects everything service needs. migrations is the service's embedded
// migration tree (rooted at "."); it is applied when running on postgres. A nil
// tree opens no store at all.
func Open(ctx context.Context, service string, cfg *config.Config, migrations fs.FS) (rt *Runtime, err error) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = service
	}
	if cfg.Service.InstanceID == "" {
		cfg.Service.InstanceID = InstanceID(service)
	}
	if cfg.Service.AdvertiseAddr == "" {
		cfg.Service.AdvertiseAddr = fmt.Sprintf("http://%s:%d", hostname(), cfg.Server.Port)
	}

	logger := NewLogger(service, cfg.Logging).With(logging.Instance(cfg.Service.InstanceID))
	rt = &Runtime{Service: service, Config: cfg, Logger: logger, Health: health.New()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	logger.Info("Starting service",
		slog.Int("port", cfg.Server.Port),
		slog.String("database", cfg.Database.Type),
		slog.String("bus", cfg.Bus.Backend),
	)

	switch {
	case migrations == nil:
		// Stateless process such as the gateway.
	case cfg.Database.Type == "postgres":
		logger.Info("Connecting to PostgreSQL",
			slog.String("host", cfg.Database.Postgres.Host),
			slog.Int("port", cfg.Database.Postgres.Port),
			slog.String("database", cfg.Database.Postgres.Database),
		)
		if rt.DB, err = database.Open(ctx, cfg.Database.Postgres); err != nil {
			return rt, err
		}
		logger.Info("Running database migrations")
		if err = database.Migrate(cfg.Database.Postgres.DSN(), migrations, "."); err != nil {
			return rt, err
		}
		rt.Health.AddCheck("database", rt.DB.Ping)
	default:
		logger.Warn("Using in-memory store (development only)")
	}

	if rt.Broker, err = broker.Open(ctx, cfg, logger); err != nil {
		return rt, fmt.Errorf("open event bus: %w", err)
	}
	rt.Health.AddCheck("bus", messaging.ClientChecker(rt.Broker.Core))

	if cfg.Redis.Enabled {
		if rt.redis, err = database.OpenRedis(ctx, cfg.Redis.URL); err != nil {
			return rt, err
		}
		rt.Revocations = revocation.NewRedisStore(rt.redis)
	} else {
		rt.Revocations = revocation.NewMemoryStore(time.Now)
	}

	keys, err := tokens.LoadKeySet(cfg.Tokens)
	if err != nil {
		return rt, err
	}
	rt.Verifier = tokens.NewVerifier(keys, tokens.WithIssuerName(cfg.Tokens.Issuer))
	rt.Audit = audit.NewLogger(cfg.Audit.Secret, logger)
	rt.Auth = authz.NewAuthenticator(rt.Verifier, rt.Revocations, logger).WithAudit(rt.Audit)

	if cfg.DLQ.Enabled {
		if rt.DLQ, err = dlq.NewQueue(filepath.Join(cfg.DLQ.BasePath, service), logger); err != nil {
			return rt, err
		}
	}

	return rt, nil
}

// SubscribeOptions returns the bus defaults plus the dead-letter sink.
func (rt *Runtime) SubscribeOptions() []messaging.SubscribeOption {
	opts := broker.SubscribeDefaults(rt.Config.Bus)
	if rt.DLQ != nil {
		opts = append(opts, messaging.WithDeadLetter(rt.DLQ.Sink()))
	}
	return opts
}

// Run serves handler and runs app alongside the heartbeat and store watchdog
// until ctx is done or any of them fails.
func (rt *Runtime) Run(ctx context.Context, handler http.Handler, app runner.Task) error {
	cfg := rt.Config
	g, _ := runner.New(ctx, rt.Logger)

	g.Serve(server.New(cfg.Server, handler), cfg.Server.ShutdownTimeout)
	if app != nil {
		g.Go(rt.Service, app)
	}

	hb := heartbeat.NewPublisher(rt.Broker.Core, rt.Service, cfg.Service.InstanceID, cfg.Service.AdvertiseAddr,
		cfg.Heartbeat.Interval, rt.Health.Ready, rt.Logger)
	g.Go("heartbeat", hb.Run)

	if rt.DB != nil {
		g.Go("store-watchdog", func(ctx context.Context) error {
			return rt.Health.Watch(ctx, "database", rt.DB.Ping, cfg.Heartbeat.Interval, 3)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Redis returns the shared Redis client, or nil when redis is disabled.
func (rt *Runtime) Redis() *redis.Client {
	return rt.redis
}

// Close releases everything Open acquired.
func (rt *Runtime) Close() {
	if rt.Broker != nil {
		if err := rt.Broker.Close(); err != nil {
			rt.Logger.Warn("failed to close event bus", logging.Error(err))
		}
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.DB != nil {
		rt.DB.Close()
	}
}

// InstanceID derives a unique instance id for service.
func InstanceID(service string) string {
	return fmt.Sprintf("%s-%s-%s", service, hostname(), uuid.NewString()[:8])
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}
