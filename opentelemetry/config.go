// Package opentelemetry provides OpenTelemetry instrumentation for subscriptions:
// a subscription.Metrics implementation, and a Handler wrapper producing
// one span per handled message.
package opentelemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/get-eventually/go-eventually-subscriptions/subscription"
)

const instrumentationName = "github.com/get-eventually/go-eventually-subscriptions/opentelemetry"

// SpanNameFormatter names the span of a handled message.
type SpanNameFormatter func(handlerName string, msg *subscription.Context) string

// DefaultSpanNameFormatter names spans as "<handler name> <event type>".
func DefaultSpanNameFormatter(handlerName string, msg *subscription.Context) string {
	return handlerName + " " + msg.Message.EventType
}

type config struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
	spanName       SpanNameFormatter
}

func newConfig(options ...Option) config {
	cfg := config{
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
		propagator:     otel.GetTextMapPropagator(),
		spanName:       DefaultSpanNameFormatter,
	}

	for _, opt := range options {
		opt.apply(&cfg)
	}

	return cfg
}

func (c config) meter() metric.Meter { return c.meterProvider.Meter(instrumentationName) }

func (c config) tracer() trace.Tracer { return c.tracerProvider.Tracer(instrumentationName) }

// Option specifies instrumentation configuration options.
//
// Options receiving a nil value keep the default.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (fn optionFunc) apply(c *config) { fn(c) }

// WithMeterProvider sets the metric.MeterProvider used by Metrics.
// The global one is used by default.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return optionFunc(func(c *config) {
		if provider != nil {
			c.meterProvider = provider
		}
	})
}

// WithTracerProvider sets the trace.TracerProvider used by InstrumentedHandler.
// The global one is used by default.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return optionFunc(func(c *config) {
		if provider != nil {
			c.tracerProvider = provider
		}
	})
}

// WithPropagator sets the propagation.TextMapPropagator extracting the producer
// trace context from the message Metadata. The global one is used by default.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return optionFunc(func(c *config) {
		if propagator != nil {
			c.propagator = propagator
		}
	})
}

// WithSpanNameFormatter sets the function naming the spans of InstrumentedHandler.
// DefaultSpanNameFormatter is used by default.
func WithSpanNameFormatter(formatter SpanNameFormatter) Option {
	return optionFunc(func(c *config) {
		if formatter != nil {
			c.spanName = formatter
		}
	})
}
