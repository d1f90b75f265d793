// Package consumer advances orders on catalog outcomes and keeps the local
// customer projection from identity events.
package consumer

import (
	"context"

	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/events"
	"github.com/telhawk-systems/backbone/common/inbox"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/ordering/internal/service"
)

// Name is the consumer group and inbox name.
const Name = "ordering"

// Topics the dispatcher consumes.
var Topics = []string{messaging.TopicCatalog, messaging.TopicIdentity}

func decode(env *messaging.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, err, "malformed "+env.EventType+" payload")
	}
	return nil
}

// New returns a dispatcher for events.catalog and events.identity.
func New(svc *service.OrderingService, run inbox.Runner, store inbox.Store, logger *logging.Logger) *messaging.Dispatcher {
	guard := func(fn messaging.EventHandler) messaging.EventHandler {
		return inbox.Guard(run, store, Name, fn)
	}
	return messaging.NewDispatcher(Name, logger).
		On(messaging.EventInventoryReserved, guard(func(ctx context.Context, env *messaging.Envelope) error {
			return svc.MarkReserved(ctx, env.AggregateID)
		})).
		On(messaging.EventInventoryRejected, guard(func(ctx context.Context, env *messaging.Envelope) error {
			var e events.InventoryRejected
			if err := decode(env, &e); err != nil {
				return err
			}
			return svc.MarkRejected(ctx, env.AggregateID, e.Reason)
		})).
		On(messaging.EventCustomerRegistered, guard(func(ctx context.Context, env *messaging.Envelope) error {
			return svc.ProjectCustomer(ctx, env.AggregateID, true, env.Sequence)
		})).
		On(messaging.EventCustomerDeactivated, guard(func(ctx context.Context, env *messaging.Envelope) error {
			return svc.ProjectCustomer(ctx, env.AggregateID, false, env.Sequence)
		}))
}
