package postgres

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

// Default values used by a Log.
const (
	DefaultBatchSize       = 256
	DefaultPullInterval    = 100 * time.Millisecond
	DefaultMaxPullInterval = 1 * time.Second
)

// WithBatchSize sets the maximum number of records read by a single query.
func WithBatchSize(size int) Option[*Log] {
	return newOption(func(l *Log) {
		if size > 0 {
			l.batchSize = size
		}
	})
}

// WithPullInterval sets the minimum and maximum interval between two queries
// returning no records. The interval grows exponentially from min to max
// while the log is idle, and is reset as soon as new records are read.
func WithPullInterval(minInterval, maxInterval time.Duration) Option[*Log] {
	return newOption(func(l *Log) {
		if minInterval > 0 {
			l.pullEvery = minInterval
		}

		if maxInterval >= l.pullEvery {
			l.maxPullInterval = maxInterval
		}
	})
}

// WithLogger sets the Logger used by a Log.
func WithLogger(l logger.Logger) Option[*Log] {
	return newOption(func(log *Log) { log.logger = l })
}
