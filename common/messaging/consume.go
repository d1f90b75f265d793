package messaging

import (
	"context"
	"fmt"
)

// Consume subscribes handler to topic for group and blocks until ctx is done.
// It is shaped to run as one goroutine of a process errgroup.
func Consume(ctx context.Context, bus EventBus, topic, group string, handler EventHandler, opts ...SubscribeOption) error {
	sub, err := bus.SubscribeEvents(ctx, topic, group, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", topic, group, err)
	}
	<-ctx.Done()
	_ = sub.Unsubscribe()
	return nil
}
