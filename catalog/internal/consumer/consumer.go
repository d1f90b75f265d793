// Package consumer applies ordering events to catalog reservations.
package consumer

import (
	"context"

	"github.com/telhawk-systems/backbone/catalog/internal/service"
	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/events"
	"github.com/telhawk-systems/backbone/common/inbox"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
)

// Name is the consumer group and inbox name.
const Name = "catalog"

// New returns a dispatcher for events.ordering. Every handler runs under the
// inbox guard, so redelivered events are swallowed.
func New(svc *service.CatalogService, run inbox.Runner, store inbox.Store, logger *logging.Logger) *messaging.Dispatcher {
	guard := func(fn messaging.EventHandler) messaging.EventHandler {
		return inbox.Guard(run, store, Name, fn)
	}
	return messaging.NewDispatcher(Name, logger).
		On(messaging.EventOrderCreated, guard(func(ctx context.Context, env *messaging.Envelope) error {
			var e events.OrderCreated
			if err := env.Decode(&e); err != nil {
				return apperrors.Wrap(apperrors.CodeValidation, err, "malformed OrderCreated payload")
			}
			if e.OrderID == "" {
				e.OrderID = env.AggregateID
			}
			return svc.Reserve(ctx, &e)
		})).
		On(messaging.EventOrderCancelled, guard(func(ctx context.Context, env *messaging.Envelope) error {
			return svc.Release(ctx, env.AggregateID)
		})).
		On(messaging.EventOrderShipped, guard(func(ctx context.Context, env *messaging.Envelope) error {
			return svc.Commit(ctx, env.AggregateID)
		}))
}
