package checkpoint

import "context"

// Metrics contains the hooks used to observe the checkpointing
// activity of a subscription.
type Metrics interface {
	// RecordPendingCheckpoints records the number of completions that have been
	// acknowledged but are not contiguous yet with the committable frontier.
	RecordPendingCheckpoints(ctx context.Context, subscriptionID string, pending int)

	// RecordCheckpointCommit records a durable checkpoint write.
	RecordCheckpointCommit(ctx context.Context, subscriptionID string, position uint64)
}

var _ Metrics = NopMetrics{}

// NopMetrics discards every measurement.
type NopMetrics struct{}

// RecordPendingCheckpoints implements Metrics.
func (NopMetrics) RecordPendingCheckpoints(context.Context, string, int) {}

// RecordCheckpointCommit implements Metrics.
func (NopMetrics) RecordCheckpointCommit(context.Context, string, uint64) {}
