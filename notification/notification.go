// Package notification keeps a contact projection from identity and notifies
// customers about their orders. It publishes NotificationSent on
// events.notification.
package notification

import (
	"context"

	"github.com/go-chi/chi/v5"

	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/common/inbox"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/outbox"
	"github.com/telhawk-systems/backbone/common/runner"
	"github.com/telhawk-systems/backbone/notification/internal/consumer"
	"github.com/telhawk-systems/backbone/notification/internal/delivery"
	"github.com/telhawk-systems/backbone/notification/internal/handlers"
	"github.com/telhawk-systems/backbone/notification/internal/repository"
	"github.com/telhawk-systems/backbone/notification/internal/sender"
	"github.com/telhawk-systems/backbone/notification/internal/service"
)

// Name is the service name used for routing, events and heartbeats.
const Name = service.ServiceName

// Deps are the process-level dependencies of the notification service.
type Deps struct {
	Config    *config.Config
	Logger    *logging.Logger
	Bus       messaging.EventBus
	DB        *database.DB // nil selects the in-memory store
	Auth      *authz.Authenticator
	Subscribe []messaging.SubscribeOption
	Sender    sender.Sender // nil logs notifications
}

// App is an assembled notification service.
type App struct {
	Service    *service.NotificationService
	Relay      *outbox.Relay
	Delivery   *delivery.Worker
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
	var worker *delivery.Worker
	writer := outbox.NewWriter(tx, store, func() {
		relay.Notify()
		worker.Notify()
	})
	svc := service.NewNotificationService(repo, writer, d.Sender, logger)
	worker = delivery.NewWorker(svc, delivery.ConfigFrom(d.Config.Outbox), logger)

	return &App{
		Service:    svc,
		Relay:      relay,
		Delivery:   worker,
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

// Run relays the outbox, delivers notifications and consumes events.identity
// and events.ordering until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, _ := runner.New(ctx, a.logger)
	g.Go("outbox-relay", a.Relay.Run)
	g.Go("notification-delivery", a.Delivery.Run)
	for _, topic := range consumer.Topics {
		g.Go(topic+"-consumer", func(ctx context.Context) error {
			return messaging.Consume(ctx, a.bus, topic, consumer.Name, a.Dispatcher.Handle, a.subscribe...)
		})
	}
	return g.Wait()
}
