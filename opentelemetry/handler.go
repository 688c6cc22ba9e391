package opentelemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/get-eventually/go-eventually-subscriptions/subscription"
)

var _ subscription.Handler = InstrumentedHandler{}

// InstrumentedHandler is a wrapper over a subscription.Handler producing
// a consumer span for every handled message.
//
// The span is a child of the trace context found in the message Metadata,
// if any, so that handling is linked to the producer trace.
type InstrumentedHandler struct {
	name       string
	handler    subscription.Handler
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	spanName   SpanNameFormatter
}

// NewInstrumentedHandler wraps the Handler. Spans are named through the
// SpanNameFormatter, after name and the message event type by default.
func NewInstrumentedHandler(name string, handler subscription.Handler, options ...Option) InstrumentedHandler {
	cfg := newConfig(options...)

	return InstrumentedHandler{
		name:       name,
		handler:    handler,
		tracer:     cfg.tracer(),
		propagator: cfg.propagator,
		spanName:   cfg.spanName,
	}
}

// HandleEvent implements subscription.Handler.
func (h InstrumentedHandler) HandleEvent(ctx context.Context, msg *subscription.Context) (err error) {
	if len(msg.Message.Metadata) > 0 {
		ctx = h.propagator.Extract(ctx, propagation.MapCarrier(msg.Message.Metadata))
	}

	ctx, span := h.tracer.Start(ctx, h.spanName(h.name, msg),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			SubscriptionIDKey.String(msg.SubscriptionID),
			EventTypeKey.String(msg.Message.EventType),
			StreamIDKey.String(string(msg.Message.Stream)),
			GlobalPositionKey.Int64(int64(msg.Message.GlobalPosition)), //nolint:gosec // Positions fit in int64.
		),
	)

	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.End()
	}()

	return h.handler.HandleEvent(ctx, msg)
}
