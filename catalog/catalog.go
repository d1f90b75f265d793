// Package catalog owns products and stock. It reserves inventory for new
// orders and publishes InventoryReserved, InventoryRejected and
// InventoryReleased on events.catalog.
package catalog

import (
	"context"

	"github.com/go-chi/chi/v5"

	"github.com/telhawk-systems/backbone/catalog/internal/consumer"
	"github.com/telhawk-systems/backbone/catalog/internal/handlers"
	"github.com/telhawk-systems/backbone/catalog/internal/repository"
	"github.com/telhawk-systems/backbone/catalog/internal/service"
	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/common/inbox"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/outbox"
	"github.com/telhawk-systems/backbone/common/runner"
)

// Name is the service name used for routing, events and heartbeats.
const Name = service.ServiceName

// Deps are the process-level dependencies of the catalog service.
type Deps struct {
	Config    *config.Config
	Logger    *logging.Logger
	Bus       messaging.EventBus
	DB        *database.DB // nil selects the in-memory store
	Auth      *authz.Authenticator
	Subscribe []messaging.SubscribeOption
}

// App is an assembled catalog service.
type App struct {
	Service    *service.CatalogService
	Relay      *outbox.Relay
	Dispatcher *messaging.Dispatcher

	bus       messaging.EventBus
	subscribe []messaging.SubscribeOption
	handler   *handlers.Handler
	logger    *logging.Logger
}

// New assembles the service on the store selected by d.DB.
func New(d Deps) (*App, error) {
	logger := d.Logger
	if logger == nil {
		logger = logging.Default()
	}

	var (
		tx    database.TxRunner
		store outbox.Store
		marks inbox.Store
		repo  repository.Repository
	)
	if d.DB != nil {
		tx = d.DB
		store = outbox.NewPostgresStore(d.DB, Name)
		marks = inbox.NewPostgresStore(d.DB)
		repo = repository.NewPostgresRepository(d.DB)
	} else {
		mem := database.NewMemDB()
		tx = mem
		store = outbox.NewMemoryStore(mem)
		marks = inbox.NewMemoryStore(mem)
		repo = repository.NewInMemoryRepository(mem)
	}

	relay := outbox.NewRelay(Name, store, d.Bus, outbox.RelayConfigFrom(d.Config.Outbox), logger)
	writer := outbox.NewWriter(tx, store, relay.Notify)
	svc := service.NewCatalogService(repo, writer, logger)

	return &App{
		Service:    svc,
		Relay:      relay,
		Dispatcher: consumer.New(svc, writer, marks, logger),
		bus:        d.Bus,
		subscribe:  d.Subscribe,
		handler:    handlers.New(svc, d.Auth),
		logger:     logger,
	}, nil
}

// Register mounts the HTTP API.
func (a *App) Register(r chi.Router) {
	a.handler.Register(r)
}

// Run relays the outbox and consumes events.ordering until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, _ := runner.New(ctx, a.logger)
	g.Go("outbox-relay", a.Relay.Run)
	g.Go("ordering-consumer", func(ctx context.Context) error {
		return messaging.Consume(ctx, a.bus, messaging.TopicOrdering, consumer.Name, a.Dispatcher.Handle, a.subscribe...)
	})
	return g.Wait()
}
