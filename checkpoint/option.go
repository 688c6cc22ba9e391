package checkpoint

import (
	"time"

	"github.com/get-eventually/go-eventually-subscriptions/logger"
)

// Option can be used to change the configuration of an object.
type Option[T any] interface {
	apply(T)
}

type option[T any] func(T)

func newOption[T any](f func(T)) option[T] { return option[T](f) }

func (apply option[T]) apply(val T) { apply(val) }

// Default values used by a CommitHandler.
const (
	DefaultBatchSize = 100
	DefaultDelay     = 5 * time.Second
)

// WithBatchSize sets the number of contiguous completions after which
// a CommitHandler writes the checkpoint. Non-positive values are ignored.
func WithBatchSize(size int) Option[*CommitHandler] {
	return newOption(func(h *CommitHandler) {
		if size > 0 {
			h.batchSize = size
		}
	})
}

// WithDelay sets the maximum time a committable position is held in memory
// before a CommitHandler writes it. Non-positive values are ignored.
func WithDelay(delay time.Duration) Option[*CommitHandler] {
	return newOption(func(h *CommitHandler) {
		if delay > 0 {
			h.delay = delay
		}
	})
}

// WithMetrics sets the Metrics hooks used by a CommitHandler.
func WithMetrics(metrics Metrics) Option[*CommitHandler] {
	return newOption(func(h *CommitHandler) {
		if metrics != nil {
			h.metrics = metrics
		}
	})
}

// WithLogger sets the Logger used by a CommitHandler.
func WithLogger(l logger.Logger) Option[*CommitHandler] {
	return newOption(func(h *CommitHandler) {
		h.logger = l
	})
}

// WithClock overrides the time source used by a CommitHandler.
func WithClock(now func() time.Time) Option[*CommitHandler] {
	return newOption(func(h *CommitHandler) {
		if now != nil {
			h.now = now
		}
	})
}
