// Package correlation contains a subscription Filter adding Correlation
// and Causation ids to the context of the Handlers, for tracing and
// debugging purposes.
//
// You can read more about events correlation here:
// https://blog.arkency.com/correlation-id-and-causation-id-in-evented-systems/
package correlation

import (
	"context"

	"github.com/google/uuid"

	"github.com/get-eventually/go-eventually-subscriptions/message"
	"github.com/get-eventually/go-eventually-subscriptions/subscription"
)

type (
	correlationCtxKey struct{}
	causationCtxKey   struct{}
)

// WithCorrelationID returns a context carrying the specified Correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationCtxKey{}, id)
}

// WithCausationID returns a context carrying the specified Causation id.
func WithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationCtxKey{}, id)
}

// IDContext returns the Correlation id in the context, if any.
func IDContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationCtxKey{}).(string)
	return id, ok
}

// CausationIDContext returns the Causation id in the context, if any.
func CausationIDContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(causationCtxKey{}).(string)
	return id, ok
}

// Filter returns a subscription.Filter extending the context of the following
// stages with the Correlation id found in the message Metadata
// (message.CorrelationIDKey), if any.
//
// Actions taken by the Handlers are caused by the received event,
// hence its id is used as Causation id.
//
// The Filter must be placed before the concurrency stage to be effective,
// as subscription.WithFilters does.
func Filter() subscription.Filter {
	return subscription.FilterFunc(func(ctx context.Context, msg *subscription.Context, next subscription.Next) error {
		if id := msg.Message.Metadata.Get(message.CorrelationIDKey); id != "" {
			ctx = WithCorrelationID(ctx, id)
		}

		if msg.Message.EventID != uuid.Nil {
			ctx = WithCausationID(ctx, msg.Message.EventID.String())
		}

		return next(ctx, msg)
	})
}
