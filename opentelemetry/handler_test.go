package opentelemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/get-eventually/go-eventually-subscriptions/event"
	"github.com/get-eventually/go-eventually-subscriptions/message"
	"github.com/get-eventually/go-eventually-subscriptions/opentelemetry"
	"github.com/get-eventually/go-eventually-subscriptions/subscription"
)

func TestInstrumentedHandler(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	var handled trace.SpanContext

	boom := errors.New("boom")
	handler := opentelemetry.NewInstrumentedHandler("users-projection",
		subscription.HandlerFunc(func(ctx context.Context, msg *subscription.Context) error {
			handled = trace.SpanContextFromContext(ctx)

			if msg.Message.GlobalPosition == 2 {
				return boom
			}

			return nil
		}),
		opentelemetry.WithTracerProvider(provider),
		opentelemetry.WithPropagator(propagation.TraceContext{}),
	)

	msg := &subscription.Context{
		SubscriptionID: "users-projection",
		Message: event.Received{
			EventType:      "UserCreated",
			Stream:         "user-1",
			GlobalPosition: 1,
			Metadata:       message.Metadata{"traceparent": traceparent},
		},
	}

	require.NoError(t, handler.HandleEvent(ctx, msg))

	msg = &subscription.Context{
		SubscriptionID: "users-projection",
		Message:        event.Received{EventType: "UserCreated", Stream: "user-2", GlobalPosition: 2},
	}

	assert.ErrorIs(t, handler.HandleEvent(ctx, msg), boom)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	first := spans[0]
	assert.Equal(t, "users-projection UserCreated", first.Name())
	assert.Equal(t, trace.SpanKindConsumer, first.SpanKind())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", first.SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", first.Parent().SpanID().String())
	assert.Equal(t, codes.Unset, first.Status().Code)

	second := spans[1]
	assert.False(t, second.Parent().IsValid())
	assert.Equal(t, codes.Error, second.Status().Code)
	assert.Equal(t, second.SpanContext(), handled)
}

func TestInstrumentedHandler_SpanNameFormatter(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	handler := opentelemetry.NewInstrumentedHandler("users-projection",
		subscription.HandlerFunc(func(context.Context, *subscription.Context) error { return nil }),
		opentelemetry.WithTracerProvider(provider),
		opentelemetry.WithSpanNameFormatter(func(name string, msg *subscription.Context) string {
			return "process " + string(msg.Message.Stream)
		}),
	)

	require.NoError(t, handler.HandleEvent(context.Background(), &subscription.Context{
		Message: event.Received{EventType: "UserCreated", Stream: "user-1"},
	}))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "process user-1", spans[0].Name())
}
