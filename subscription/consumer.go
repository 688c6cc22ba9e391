package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/get-eventually/go-eventually-subscriptions/logger"
)

// Consumer invokes all the registered Handlers for a message.
type Consumer struct {
	Handlers *HandlerSet
	Logger   logger.Logger
}

// Consume runs every Handler in registration order, without stopping
// at the first failure, and reduces their outcome to a single error
// wrapping ErrHandler. Handler panics are recovered and treated as failures.
func (c Consumer) Consume(ctx context.Context, msg *Context) error {
	var errs []error

	for _, h := range c.Handlers.snapshot() {
		if err := c.invoke(ctx, h.handler, msg); err != nil {
			logger.Error(c.Logger, "handler failed to process message",
				logger.With("subscriptionId", msg.SubscriptionID),
				logger.With("handler", h.name),
				logger.With("handlerType", fmt.Sprintf("%T", h.handler)),
				logger.With("eventType", msg.Message.EventType),
				logger.With("sequence", msg.Message.Sequence),
				logger.WithError(err),
			)

			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrHandler, errors.Join(errs...))
}

func (c Consumer) invoke(ctx context.Context, handler Handler, msg *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return handler.HandleEvent(ctx, msg)
}
