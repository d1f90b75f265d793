// Package consumer turns identity and ordering events into notifications.
package consumer

import (
	"context"

	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/events"
	"github.com/telhawk-systems/backbone/common/inbox"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/notification/internal/service"
)

// Name is the consumer group and inbox name.
const Name = "notification"

// Topics the dispatcher consumes.
var Topics = []string{messaging.TopicIdentity, messaging.TopicOrdering}

func decode(env *messaging.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, err, "malformed "+env.EventType+" payload")
	}
	return nil
}

func New(svc *service.NotificationService, run inbox.Runner, store inbox.Store, logger *logging.Logger) *messaging.Dispatcher {
	guard := func(fn messaging.EventHandler) messaging.EventHandler {
		return inbox.Guard(run, store, Name, fn)
	}
	statusChanged := guard(func(ctx context.Context, env *messaging.Envelope) error {
		var e events.OrderStatusChanged
		if err := decode(env, &e); err != nil {
			return err
		}
		return svc.OrderStatusChanged(ctx, env.EventType, &e)
	})

	return messaging.NewDispatcher(Name, logger).
		On(messaging.EventCustomerRegistered, guard(func(ctx context.Context, env *messaging.Envelope) error {
			var e events.CustomerRegistered
			if err := decode(env, &e); err != nil {
				return err
			}
			if e.CustomerID == "" {
				e.CustomerID = env.AggregateID
			}
			return svc.Welcome(ctx, &e, env.Sequence)
		})).
		On(messaging.EventOrderCreated, guard(func(ctx context.Context, env *messaging.Envelope) error {
			var e events.OrderCreated
			if err := decode(env, &e); err != nil {
				return err
			}
			return svc.OrderCreated(ctx, &e)
		})).
		On(messaging.EventOrderConfirmed, statusChanged).
		On(messaging.EventOrderShipped, statusChanged).
		On(messaging.EventOrderCancelled, statusChanged)
}
