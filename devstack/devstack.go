// Package devstack runs every service and the gateway in one process on the
// in-memory bus and stores. It backs `bbctl dev` and the end-to-end tests.
package devstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/telhawk-systems/backbone/catalog"
	"github.com/telhawk-systems/backbone/common/audit"
	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/dlq"
	"github.com/telhawk-systems/backbone/common/health"
	"github.com/telhawk-systems/backbone/common/heartbeat"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/messaging/broker"
	"github.com/telhawk-systems/backbone/common/messaging/memory"
	"github.com/telhawk-systems/backbone/common/revocation"
	"github.com/telhawk-systems/backbone/common/runner"
	"github.com/telhawk-systems/backbone/common/server"
	"github.com/telhawk-systems/backbone/common/tokens"
	"github.com/telhawk-systems/backbone/gateway"
	"github.com/telhawk-systems/backbone/identity"
	"github.com/telhawk-systems/backbone/notification"
	"github.com/telhawk-systems/backbone/ordering"
)

// Options tune a development stack.
type Options struct {
	// Config is copied before use; nil starts from config.Default().
	Config *config.Config
	Logger *logging.Logger
	// GatewayAddr is the gateway listen address. Empty picks a free loopback port.
	GatewayAddr string
	// DLQDir keeps dead-lettered events on disk, one directory per service.
	// Empty only logs them.
	DLQDir string
}

// Stack is an assembled development deployment.
type Stack struct {
	Config       *config.Config
	Bus          *memory.Bus
	Issuer       *tokens.Issuer
	Revocations  *revocation.MemoryStore
	Identity     *identity.App
	Catalog      *catalog.App
	Ordering     *ordering.App
	Notification *notification.App
	Gateway      *gateway.App
	DLQ          map[string]*dlq.Queue

	procs  []*process
	gwLn   net.Listener
	logger *logging.Logger
}

// process is one service instance behind its own loopback listener.
type process struct {
	name   string
	ln     net.Listener
	health *health.Health
	router chi.Router
	run    runner.Task
}

func (p *process) address() string {
	return "http://" + p.ln.Addr().String()
}

// New assembles the stack and binds its listeners. Nothing runs until Run.
func New(opts Options) (s *Stack, err error) {
	cfg := config.Default()
	if opts.Config != nil {
		c := *opts.Config
		cfg = &c
	}
	cfg.Database.Type = "memory"
	cfg.Bus.Backend = broker.BackendMemory

	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	}

	issuer, err := devIssuer(cfg.Tokens)
	if err != nil {
		return nil, err
	}

	revoked := revocation.NewMemoryStore(time.Now)
	auditLog := audit.NewLogger(cfg.Audit.Secret, logger)
	verifier := tokens.NewVerifier(issuer.KeySet(), tokens.WithIssuerName(cfg.Tokens.Issuer))
	auth := authz.NewAuthenticator(verifier, revoked, logger).WithAudit(auditLog)

	s = &Stack{
		Config:      cfg,
		Bus:         memory.New(memory.WithRetention(cfg.Bus.Retention)),
		Issuer:      issuer,
		Revocations: revoked,
		DLQ:         make(map[string]*dlq.Queue),
		logger:      logger,
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.Identity, err = identity.New(identity.Deps{
		Config:      cfg,
		Logger:      logger.With(logging.Service(identity.Name)),
		Bus:         s.Bus,
		Auth:        auth,
		Audit:       auditLog,
		Revocations: revoked,
		Issuer:      issuer,
	})
	if err != nil {
		return s, fmt.Errorf("identity: %w", err)
	}
	if err = s.add(identity.Name, s.Identity.Register, s.Identity.Run); err != nil {
		return s, err
	}

	sub, err := s.subscribeOptions(catalog.Name, opts.DLQDir)
	if err != nil {
		return s, err
	}
	s.Catalog, err = catalog.New(catalog.Deps{
		Config: cfg, Logger: logger.With(logging.Service(catalog.Name)), Bus: s.Bus, Auth: auth, Subscribe: sub,
	})
	if err != nil {
		return s, fmt.Errorf("catalog: %w", err)
	}
	if err = s.add(catalog.Name, s.Catalog.Register, s.Catalog.Run); err != nil {
		return s, err
	}

	if sub, err = s.subscribeOptions(ordering.Name, opts.DLQDir); err != nil {
		return s, err
	}
	s.Ordering, err = ordering.New(ordering.Deps{
		Config: cfg, Logger: logger.With(logging.Service(ordering.Name)), Bus: s.Bus, Auth: auth, Subscribe: sub,
	})
	if err != nil {
		return s, fmt.Errorf("ordering: %w", err)
	}
	if err = s.add(ordering.Name, s.Ordering.Register, s.Ordering.Run); err != nil {
		return s, err
	}

	if sub, err = s.subscribeOptions(notification.Name, opts.DLQDir); err != nil {
		return s, err
	}
	s.Notification, err = notification.New(notification.Deps{
		Config: cfg, Logger: logger.With(logging.Service(notification.Name)), Bus: s.Bus, Auth: auth, Subscribe: sub,
	})
	if err != nil {
		return s, fmt.Errorf("notification: %w", err)
	}
	if err = s.add(notification.Name, s.Notification.Register, s.Notification.Run); err != nil {
		return s, err
	}

	s.Gateway, err = gateway.New(gateway.Deps{
		Config:     cfg,
		Logger:     logger.With(logging.Service(gateway.Name)),
		Heartbeats: s.Bus,
		Auth:       auth,
	})
	if err != nil {
		return s, fmt.Errorf("gateway: %w", err)
	}
	addr := opts.GatewayAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	if s.gwLn, err = net.Listen("tcp", addr); err != nil {
		return s, fmt.Errorf("gateway listen: %w", err)
	}
	return s, nil
}

// devIssuer signs with the configured keys, or with a fresh key when none are set.
func devIssuer(cfg config.TokensConfig) (*tokens.Issuer, error) {
	opts := []tokens.Option{tokens.WithIssuerName(cfg.Issuer), tokens.WithTTL(cfg.TTL)}
	if len(cfg.SigningKeys) > 0 {
		return tokens.NewIssuerFromConfig(cfg, opts...)
	}
	key, err := tokens.GenerateKey("dev")
	if err != nil {
		return nil, err
	}
	return tokens.NewIssuer(key, cfg.Grace, opts...), nil
}

func (s *Stack) subscribeOptions(service, dir string) ([]messaging.SubscribeOption, error) {
	opts := broker.SubscribeDefaults(s.Config.Bus)
	if dir == "" {
		return opts, nil
	}
	q, err := dlq.NewQueue(filepath.Join(dir, service), s.logger.With(logging.Service(service)))
	if err != nil {
		return nil, fmt.Errorf("%s dead-letter queue: %w", service, err)
	}
	s.DLQ[service] = q
	return append(opts, messaging.WithDeadLetter(q.Sink())), nil
}

func (s *Stack) add(name string, register func(chi.Router), run runner.Task) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("%s listen: %w", name, err)
	}
	h := health.New()
	router := server.NewRouter(s.logger.With(logging.Service(name)), h, s.Config.Server.RequestTimeout)
	register(router)
	s.procs = append(s.procs, &process{name: name, ln: ln, health: h, router: router, run: run})
	return nil
}

// GatewayURL is the base URL clients use.
func (s *Stack) GatewayURL() string {
	return "http://" + s.gwLn.Addr().String()
}

// Run serves every instance and the gateway until ctx is done.
func (s *Stack) Run(ctx context.Context) error {
	cfg := s.Config
	g, _ := runner.New(ctx, s.logger)

	for _, p := range s.procs {
		g.ServeListener(p.name, server.New(cfg.Server, p.router), p.ln, cfg.Server.ShutdownTimeout)
		g.Go(p.name, p.run)

		hb := heartbeat.NewPublisher(s.Bus, p.name, p.name+"-dev", p.address(), cfg.Heartbeat.Interval, p.health.Ready, s.logger)
		g.Go(p.name+"-heartbeat", hb.Run)
	}

	g.ServeListener(gateway.Name, server.New(cfg.Server, s.Gateway.Handler()), s.gwLn, cfg.Server.ShutdownTimeout)
	g.Go(gateway.Name, s.Gateway.Run)

	s.logger.Info("Development stack started", slog.String("gateway", s.GatewayURL()), slog.Int("services", len(s.procs)))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Ready blocks until the gateway can route to every service.
func (s *Stack) Ready(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		missing := ""
		for _, p := range s.procs {
			if len(s.Gateway.Registry.Candidates(p.name)) == 0 {
				missing = p.name
				break
			}
		}
		if missing == "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", missing, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close releases the bus. Listeners are closed by Run on shutdown; Close also
// closes them when Run was never called.
func (s *Stack) Close() {
	for _, p := range s.procs {
		_ = p.ln.Close()
	}
	if s.gwLn != nil {
		_ = s.gwLn.Close()
	}
	if s.Bus != nil {
		_ = s.Bus.Close()
	}
}
