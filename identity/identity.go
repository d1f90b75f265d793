// Package identity owns customers and credentials. It issues identity tokens,
// revokes them on logout and publishes CustomerRegistered and
// CustomerDeactivated on events.identity.
package identity

import (
	"context"
	"fmt"

	"github.com/go-chi/chi/v5"

	"github.com/telhawk-systems/backbone/common/audit"
	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/outbox"
	"github.com/telhawk-systems/backbone/common/revocation"
	"github.com/telhawk-systems/backbone/common/tokens"
	"github.com/telhawk-systems/backbone/identity/internal/handlers"
	"github.com/telhawk-systems/backbone/identity/internal/repository"
	"github.com/telhawk-systems/backbone/identity/internal/service"
)

// Name is the service name used for routing, events and heartbeats.
const Name = service.ServiceName

// Deps are the process-level dependencies of the identity service.
type Deps struct {
	Config      *config.Config
	Logger      *logging.Logger
	Bus         messaging.EventBus
	DB          *database.DB // nil selects the in-memory store
	Auth        *authz.Authenticator
	Audit       *audit.Logger
	Revocations revocation.Store
	Issuer      *tokens.Issuer // nil loads the signing keys from Config
}

// App is an assembled identity service.
type App struct {
	Service *service.IdentityService
	Relay   *outbox.Relay

	cfg     *config.Config
	handler *handlers.Handler
	logger  *logging.Logger
}

// New assembles the service on the store selected by d.DB.
func New(d Deps) (*App, error) {
	logger := d.Logger
	if logger == nil {
		logger = logging.Default()
	}

	issuer := d.Issuer
	if issuer == nil {
		var err error
		issuer, err = tokens.NewIssuerFromConfig(d.Config.Tokens)
		if err != nil {
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
	}

	var (
		tx    database.TxRunner
		store outbox.Store
		repo  repository.Repository
	)
	if d.DB != nil {
		tx = d.DB
		store = outbox.NewPostgresStore(d.DB, Name)
		repo = repository.NewPostgresRepository(d.DB)
	} else {
		mem := database.NewMemDB()
		tx = mem
		store = outbox.NewMemoryStore(mem)
		repo = repository.NewInMemoryRepository(mem)
	}

	relay := outbox.NewRelay(Name, store, d.Bus, outbox.RelayConfigFrom(d.Config.Outbox), logger)
	writer := outbox.NewWriter(tx, store, relay.Notify)
	svc := service.NewIdentityService(repo, writer, issuer, d.Revocations, d.Audit, logger, service.Config{
		BcryptCost: d.Config.Identity.BcryptCost,
		TokenTTL:   d.Config.Tokens.TTL,
	})

	return &App{
		Service: svc,
		Relay:   relay,
		cfg:     d.Config,
		handler: handlers.New(svc, d.Auth),
		logger:  logger,
	}, nil
}

// Register mounts the HTTP API.
func (a *App) Register(r chi.Router) {
	a.handler.Register(r)
}

// Run seeds the bootstrap admin and relays the outbox until ctx is done.
func (a *App) Run(ctx context.Context) error {
	admin := a.cfg.Identity.BootstrapAdmin
	if err := a.Service.EnsureAdmin(ctx, admin.Username, admin.Email, admin.Password); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	return a.Relay.Run(ctx)
}
