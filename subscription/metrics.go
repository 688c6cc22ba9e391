package subscription

import (
	"context"
	"time"

	"github.com/get-eventually/go-eventually-subscriptions/checkpoint"
)

// Metrics contains the hook points used to observe a subscription.
type Metrics interface {
	checkpoint.Metrics

	// RecordMessageHandled records the outcome of the Handlers for a message.
	RecordMessageHandled(ctx context.Context, subscriptionID, eventType string, duration time.Duration, err error)

	// RecordMessageSkipped records a message skipped without being handled,
	// e.g. because it could not be decoded.
	RecordMessageSkipped(ctx context.Context, subscriptionID, eventType string, reason string)

	// RecordGap records the distance between the log tail and the
	// last committed position of the subscription.
	RecordGap(ctx context.Context, subscriptionID string, gap uint64)

	// RecordDrop records a drop of the underlying log subscription.
	RecordDrop(ctx context.Context, subscriptionID string, reason DropReason)

	// RecordAcks records a bulk acknowledgement sent to the broker.
	RecordAcks(ctx context.Context, subscriptionID string, count int)
}

var _ Metrics = NopMetrics{}

// NopMetrics discards every measurement.
type NopMetrics struct{ checkpoint.NopMetrics }

// RecordMessageHandled implements Metrics.
func (NopMetrics) RecordMessageHandled(context.Context, string, string, time.Duration, error) {}

// RecordMessageSkipped implements Metrics.
func (NopMetrics) RecordMessageSkipped(context.Context, string, string, string) {}

// RecordGap implements Metrics.
func (NopMetrics) RecordGap(context.Context, string, uint64) {}

// RecordDrop implements Metrics.
func (NopMetrics) RecordDrop(context.Context, string, DropReason) {}

// RecordAcks implements Metrics.
func (NopMetrics) RecordAcks(context.Context, string, int) {}
