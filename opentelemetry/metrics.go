package opentelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/get-eventually/go-eventually-subscriptions/subscription"
)

// Attribute keys used by the instrumentation.
const (
	SubscriptionIDKey attribute.Key = "subscription.id"
	EventTypeKey      attribute.Key = "event.type"
	GlobalPositionKey attribute.Key = "event.global_position"
	StreamIDKey       attribute.Key = "event.stream_id"
	SkipReasonKey     attribute.Key = "subscription.skip_reason"
	DropReasonKey     attribute.Key = "subscription.drop_reason"
	ErrorKey          attribute.Key = "error"
)

var _ subscription.Metrics = &Metrics{}

// Metrics is a subscription.Metrics implementation recording
// measurements through OpenTelemetry instruments.
//
// Use NewMetrics to create a new instance of this type.
type Metrics struct {
	handledDuration    metric.Float64Histogram
	skipped            metric.Int64Counter
	drops              metric.Int64Counter
	acks               metric.Int64Counter
	commits            metric.Int64Counter
	pendingCheckpoints metric.Int64Gauge
	checkpointPosition metric.Int64Gauge
	gap                metric.Int64Gauge
}

// NewMetrics registers the subscription instruments on the configured
// metric.MeterProvider.
//
// An error is returned if any instrument could not be registered.
func NewMetrics(options ...Option) (*Metrics, error) {
	meter := newConfig(options...).meter()
	m := new(Metrics)

	var err error

	wrapErr := func(err error) error {
		return fmt.Errorf("opentelemetry.NewMetrics: failed to register metric: %w", err)
	}

	if m.handledDuration, err = meter.Float64Histogram(
		"eventually.subscription.message.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration in milliseconds of the Handlers invocation for a message."),
	); err != nil {
		return nil, wrapErr(err)
	}

	if m.skipped, err = meter.Int64Counter(
		"eventually.subscription.message.skipped",
		metric.WithDescription("Number of messages skipped without being handled."),
	); err != nil {
		return nil, wrapErr(err)
	}

	if m.drops, err = meter.Int64Counter(
		"eventually.subscription.drops",
		metric.WithDescription("Number of drops of the underlying log subscription."),
	); err != nil {
		return nil, wrapErr(err)
	}

	if m.acks, err = meter.Int64Counter(
		"eventually.subscription.acks",
		metric.WithDescription("Number of messages acknowledged to the broker."),
	); err != nil {
		return nil, wrapErr(err)
	}

	if m.commits, err = meter.Int64Counter(
		"eventually.subscription.checkpoint.commits",
		metric.WithDescription("Number of checkpoint writes."),
	); err != nil {
		return nil, wrapErr(err)
	}

	if m.pendingCheckpoints, err = meter.Int64Gauge(
		"eventually.subscription.checkpoint.pending",
		metric.WithDescription("Number of completed messages waiting for a gap to be filled."),
	); err != nil {
		return nil, wrapErr(err)
	}

	if m.checkpointPosition, err = meter.Int64Gauge(
		"eventually.subscription.checkpoint.position",
		metric.WithDescription("Last committed position of the subscription."),
	); err != nil {
		return nil, wrapErr(err)
	}

	if m.gap, err = meter.Int64Gauge(
		"eventually.subscription.gap",
		metric.WithDescription("Distance between the log tail and the last committed position."),
	); err != nil {
		return nil, wrapErr(err)
	}

	return m, nil
}

func withSubscription(id string, attributes ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(append(attributes, SubscriptionIDKey.String(id))...)
}

// RecordMessageHandled implements subscription.Metrics.
func (m *Metrics) RecordMessageHandled(
	ctx context.Context,
	subscriptionID, eventType string,
	duration time.Duration,
	err error,
) {
	m.handledDuration.Record(ctx, float64(duration)/float64(time.Millisecond),
		withSubscription(subscriptionID, EventTypeKey.String(eventType), ErrorKey.Bool(err != nil)))
}

// RecordMessageSkipped implements subscription.Metrics.
func (m *Metrics) RecordMessageSkipped(ctx context.Context, subscriptionID, eventType, reason string) {
	m.skipped.Add(ctx, 1, withSubscription(subscriptionID, EventTypeKey.String(eventType), SkipReasonKey.String(reason)))
}

// RecordGap implements subscription.Metrics.
func (m *Metrics) RecordGap(ctx context.Context, subscriptionID string, gap uint64) {
	m.gap.Record(ctx, int64(gap), withSubscription(subscriptionID)) //nolint:gosec // Gaps fit in int64.
}

// RecordDrop implements subscription.Metrics.
func (m *Metrics) RecordDrop(ctx context.Context, subscriptionID string, reason subscription.DropReason) {
	m.drops.Add(ctx, 1, withSubscription(subscriptionID, DropReasonKey.String(reason.String())))
}

// RecordAcks implements subscription.Metrics.
func (m *Metrics) RecordAcks(ctx context.Context, subscriptionID string, count int) {
	m.acks.Add(ctx, int64(count), withSubscription(subscriptionID))
}

// RecordPendingCheckpoints implements checkpoint.Metrics.
func (m *Metrics) RecordPendingCheckpoints(ctx context.Context, subscriptionID string, pending int) {
	m.pendingCheckpoints.Record(ctx, int64(pending), withSubscription(subscriptionID))
}

// RecordCheckpointCommit implements checkpoint.Metrics.
func (m *Metrics) RecordCheckpointCommit(ctx context.Context, subscriptionID string, position uint64) {
	m.commits.Add(ctx, 1, withSubscription(subscriptionID))
	m.checkpointPosition.Record(ctx, int64(position), withSubscription(subscriptionID)) //nolint:gosec // Positions fit in int64.
}
