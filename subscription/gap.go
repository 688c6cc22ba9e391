package subscription

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/get-eventually/go-eventually-subscriptions/logger"
)

// GapOption changes the configuration of a GapMeasure.
type GapOption func(*GapMeasure)

// WithGapInterval sets the interval between two measurements.
func WithGapInterval(interval time.Duration) GapOption {
	return func(g *GapMeasure) {
		if interval > 0 {
			g.interval = interval
		}
	}
}

// WithGapMetrics sets the Metrics used to record the measurements.
func WithGapMetrics(metrics Metrics) GapOption {
	return func(g *GapMeasure) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

// WithGapLogger sets the Logger of a GapMeasure.
func WithGapLogger(l logger.Logger) GapOption {
	return func(g *GapMeasure) { g.logger = l }
}

// GapMeasure periodically compares the log tail position with the last
// committed position of a subscription, recording the difference as lag.
//
// Measurement failures are logged and skipped: GapMeasure never
// interferes with the subscription itself.
type GapMeasure struct {
	subscriptionID string
	tail           TailReader
	position       func() (uint64, bool)
	interval       time.Duration
	metrics        Metrics
	logger         logger.Logger

	last atomic.Uint64
}

// NewGapMeasure returns a GapMeasure for the subscription, reading the log tail
// from the TailReader and the subscription position from the position function.
func NewGapMeasure(
	subscriptionID string,
	tail TailReader,
	position func() (uint64, bool),
	opts ...GapOption,
) *GapMeasure {
	g := &GapMeasure{
		subscriptionID: subscriptionID,
		tail:           tail,
		position:       position,
		interval:       DefaultGapMeasureInterval,
		metrics:        NopMetrics{},
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Measure computes the current gap.
//
// Log positions are expected to start from 1, so a subscription that
// has not committed anything yet lags by the whole tail position.
func (g *GapMeasure) Measure(ctx context.Context) (uint64, error) {
	tail, err := g.tail.TailPosition(ctx)
	if err != nil {
		return 0, fmt.Errorf("subscription.GapMeasure: failed to read log tail: %w", err)
	}

	position, _ := g.position()

	var gap uint64
	if tail > position {
		gap = tail - position
	}

	g.last.Store(gap)
	g.metrics.RecordGap(ctx, g.subscriptionID, gap)

	return gap, nil
}

// Last returns the last measured gap.
func (g *GapMeasure) Last() uint64 { return g.last.Load() }

// Run measures the gap every interval, until the context is canceled.
func (g *GapMeasure) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gap, err := g.Measure(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error(g.logger, "failed to measure subscription gap", logger.WithError(err))
				}

				continue
			}

			logger.Debug(g.logger, "subscription gap measured", logger.With("gap", gap))
		}
	}
}
