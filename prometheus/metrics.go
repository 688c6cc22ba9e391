// Package prometheus provides a subscription.Metrics implementation
// exposing the subscription measurements as Prometheus collectors.
package prometheus

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/get-eventually/go-eventually-subscriptions/subscription"
)

// DefaultNamespace is the metrics namespace used when none is specified.
const DefaultNamespace = "eventually"

const subsystem = "subscription"

var _ subscription.Metrics = &Metrics{}

// Metrics is a subscription.Metrics implementation backed by Prometheus.
//
// Use NewMetrics to create a new instance of this type.
type Metrics struct {
	handledDuration    *prometheus.HistogramVec
	skipped            *prometheus.CounterVec
	drops              *prometheus.CounterVec
	acks               *prometheus.CounterVec
	commits            *prometheus.CounterVec
	pendingCheckpoints *prometheus.GaugeVec
	checkpointPosition *prometheus.GaugeVec
	gap                *prometheus.GaugeVec
}

// NewMetrics creates the subscription collectors and registers them
// on the provided Registerer, or prometheus.DefaultRegisterer if nil.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		handledDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "message_duration_seconds",
			Help:      "Duration of the Handlers invocation for a message, by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
		}, []string{"subscription", "event_type", "result"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_skipped_total",
			Help:      "Total messages skipped without being handled, by reason.",
		}, []string{"subscription", "event_type", "reason"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "drops_total",
			Help:      "Total drops of the underlying log subscription, by reason.",
		}, []string{"subscription", "reason"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "acks_total",
			Help:      "Total messages acknowledged to the broker.",
		}, []string{"subscription"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checkpoint_commits_total",
			Help:      "Total checkpoint writes.",
		}, []string{"subscription"}),
		pendingCheckpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checkpoint_pending",
			Help:      "Completed messages waiting for a gap to be filled before commit.",
		}, []string{"subscription"}),
		checkpointPosition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checkpoint_position",
			Help:      "Last committed position of the subscription.",
		}, []string{"subscription"}),
		gap: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "gap",
			Help:      "Distance between the log tail and the last committed position.",
		}, []string{"subscription"}),
	}

	for _, collector := range []prometheus.Collector{
		m.handledDuration,
		m.skipped,
		m.drops,
		m.acks,
		m.commits,
		m.pendingCheckpoints,
		m.checkpointPosition,
		m.gap,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("prometheus.NewMetrics: failed to register collector: %w", err)
		}
	}

	return m, nil
}

func result(err error) string {
	if err != nil {
		return "failure"
	}

	return "success"
}

// RecordMessageHandled implements subscription.Metrics.
func (m *Metrics) RecordMessageHandled(
	_ context.Context,
	subscriptionID, eventType string,
	duration time.Duration,
	err error,
) {
	m.handledDuration.WithLabelValues(subscriptionID, eventType, result(err)).Observe(duration.Seconds())
}

// RecordMessageSkipped implements subscription.Metrics.
func (m *Metrics) RecordMessageSkipped(_ context.Context, subscriptionID, eventType, reason string) {
	m.skipped.WithLabelValues(subscriptionID, eventType, reason).Inc()
}

// RecordGap implements subscription.Metrics.
func (m *Metrics) RecordGap(_ context.Context, subscriptionID string, gap uint64) {
	m.gap.WithLabelValues(subscriptionID).Set(float64(gap))
}

// RecordDrop implements subscription.Metrics.
func (m *Metrics) RecordDrop(_ context.Context, subscriptionID string, reason subscription.DropReason) {
	m.drops.WithLabelValues(subscriptionID, reason.String()).Inc()
}

// RecordAcks implements subscription.Metrics.
func (m *Metrics) RecordAcks(_ context.Context, subscriptionID string, count int) {
	m.acks.WithLabelValues(subscriptionID).Add(float64(count))
}

// RecordPendingCheckpoints implements checkpoint.Metrics.
func (m *Metrics) RecordPendingCheckpoints(_ context.Context, subscriptionID string, pending int) {
	m.pendingCheckpoints.WithLabelValues(subscriptionID).Set(float64(pending))
}

// RecordCheckpointCommit implements checkpoint.Metrics.
func (m *Metrics) RecordCheckpointCommit(_ context.Context, subscriptionID string, position uint64) {
	m.commits.WithLabelValues(subscriptionID).Inc()
	m.checkpointPosition.WithLabelValues(subscriptionID).Set(float64(position))
}
