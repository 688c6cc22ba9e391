package subscription

import (
	"time"

	"github.com/get-eventually/go-eventually-subscriptions/event"
	"github.com/get-eventually/go-eventually-subscriptions/health"
	"github.com/get-eventually/go-eventually-subscriptions/logger"
	"github.com/get-eventually/go-eventually-subscriptions/message"
	"github.com/get-eventually/go-eventually-subscriptions/serde"
)

// Default values used by subscriptions.
const (
	DefaultConcurrencyLimit          = 1
	DefaultCheckpointCommitBatchSize = 100
	DefaultCheckpointCommitDelay     = 5 * time.Second
	DefaultAckBufferSize             = 10
	DefaultResubscribeDelay          = 2 * time.Second
	DefaultStoppedResubscribeDelay   = 10 * time.Second
	DefaultRetryDelay                = 1 * time.Second
	DefaultShutdownGracePeriod       = 5 * time.Second
	DefaultGapMeasureInterval        = 1 * time.Second
)

// Decoder decodes the payload and the metadata of a raw record.
//
// serde.RecordDecoder is the default implementation.
type Decoder interface {
	Decode(record event.Record) (message.Message, message.Metadata, error)
}

// Options contains the configuration of a subscription.
type Options struct {
	// ConcurrencyLimit is the maximum number of messages handled in parallel.
	// With a value of 1 messages are handled strictly in receive order;
	// higher values trade ordering for throughput.
	ConcurrencyLimit int

	// CheckpointCommitBatchSize is the number of contiguous completions
	// after which a catch-up subscription writes its checkpoint.
	CheckpointCommitBatchSize int

	// CheckpointCommitDelay is the maximum time a catch-up subscription
	// holds a committable position before writing it.
	CheckpointCommitDelay time.Duration

	// AckBufferSize is the number of acks a persistent subscription
	// buffers before sending them to the broker in bulk.
	AckBufferSize int

	// AckFlushInterval, when positive, flushes buffered acks periodically
	// even if the buffer is not full.
	AckFlushInterval time.Duration

	// ThrowOnError enables the strict mode: decoding and handling failures
	// drop the subscription instead of being logged and skipped.
	ThrowOnError bool

	// ResubscribeDelay is the delay before resubscribing after a drop
	// caused by a server or subscription error.
	ResubscribeDelay time.Duration

	// StoppedResubscribeDelay is the delay before resubscribing after
	// a deliberate stop, usually caused by a deploy or restart.
	StoppedResubscribeDelay time.Duration

	// RetryDelay is the delay between failed resubscribe attempts.
	RetryDelay time.Duration

	// ShutdownGracePeriod bounds the time spent draining in-flight
	// messages and flushing progress when unsubscribing.
	ShutdownGracePeriod time.Duration

	// GapMeasureInterval is the interval between two lag measurements.
	// Zero or negative values disable the measurement.
	GapMeasureInterval time.Duration

	// Target selects the Event Streams to subscribe to. Defaults to event.All.
	Target event.Target

	// IncludeSystemEvents disables the filtering of log-internal records.
	IncludeSystemEvents bool

	// Filters are additional stages run before the concurrency limit.
	Filters []Filter

	// FailureHandler decides what to do with messages failed in a
	// persistent subscription. Defaults to always retrying.
	FailureHandler FailureHandler

	Decoder Decoder
	Logger  logger.Logger
	Metrics Metrics
	Health  health.Reporter

	after func(time.Duration) <-chan time.Time
}

// DefaultOptions returns the Options used when none is specified.
func DefaultOptions() Options {
	return Options{
		ConcurrencyLimit:          DefaultConcurrencyLimit,
		CheckpointCommitBatchSize: DefaultCheckpointCommitBatchSize,
		CheckpointCommitDelay:     DefaultCheckpointCommitDelay,
		AckBufferSize:             DefaultAckBufferSize,
		ResubscribeDelay:          DefaultResubscribeDelay,
		StoppedResubscribeDelay:   DefaultStoppedResubscribeDelay,
		RetryDelay:                DefaultRetryDelay,
		ShutdownGracePeriod:       DefaultShutdownGracePeriod,
		GapMeasureInterval:        DefaultGapMeasureInterval,
		Target:                    event.All{},
		FailureHandler:            RetryOnFailure,
		Decoder:                   serde.RecordDecoder{},
		Metrics:                   NopMetrics{},
		Health:                    health.Nop{},
		after:                     time.After,
	}
}

// DelayFor returns the resubscribe delay to use for the DropReason.
func (o Options) DelayFor(reason DropReason) time.Duration {
	if reason == Stopped {
		return o.StoppedResubscribeDelay
	}

	return o.ResubscribeDelay
}

// Option changes the Options of a subscription.
type Option interface {
	apply(*Options)
}

type optionFunc func(*Options)

func (fn optionFunc) apply(o *Options) { fn(o) }

func newOptions(opts ...Option) Options {
	o := DefaultOptions()

	for _, opt := range opts {
		opt.apply(&o)
	}

	return o
}

// WithOptions replaces all the Options at once. Zero values are
// replaced with their defaults.
func WithOptions(options Options) Option {
	return optionFunc(func(o *Options) {
		defaults := *o
		*o = options

		if o.ConcurrencyLimit <= 0 {
			o.ConcurrencyLimit = defaults.ConcurrencyLimit
		}

		if o.CheckpointCommitBatchSize <= 0 {
			o.CheckpointCommitBatchSize = defaults.CheckpointCommitBatchSize
		}

		if o.CheckpointCommitDelay <= 0 {
			o.CheckpointCommitDelay = defaults.CheckpointCommitDelay
		}

		if o.AckBufferSize <= 0 {
			o.AckBufferSize = defaults.AckBufferSize
		}

		if o.ResubscribeDelay <= 0 {
			o.ResubscribeDelay = defaults.ResubscribeDelay
		}

		if o.StoppedResubscribeDelay <= 0 {
			o.StoppedResubscribeDelay = defaults.StoppedResubscribeDelay
		}

		if o.RetryDelay <= 0 {
			o.RetryDelay = defaults.RetryDelay
		}

		if o.ShutdownGracePeriod <= 0 {
			o.ShutdownGracePeriod = defaults.ShutdownGracePeriod
		}

		if o.Target == nil {
			o.Target = defaults.Target
		}

		if o.FailureHandler == nil {
			o.FailureHandler = defaults.FailureHandler
		}

		if o.Decoder == nil {
			o.Decoder = defaults.Decoder
		}

		if o.Metrics == nil {
			o.Metrics = defaults.Metrics
		}

		if o.Health == nil {
			o.Health = defaults.Health
		}

		o.after = defaults.after
	})
}

// WithConcurrencyLimit sets the maximum number of messages handled in parallel.
func WithConcurrencyLimit(limit int) Option {
	return optionFunc(func(o *Options) {
		if limit > 0 {
			o.ConcurrencyLimit = limit
		}
	})
}

// WithCheckpointCommit sets the batch size and the maximum delay
// of checkpoint writes.
func WithCheckpointCommit(batchSize int, delay time.Duration) Option {
	return optionFunc(func(o *Options) {
		if batchSize > 0 {
			o.CheckpointCommitBatchSize = batchSize
		}

		if delay > 0 {
			o.CheckpointCommitDelay = delay
		}
	})
}

// WithAckBuffer sets the size of the ack buffer and its flush interval.
// A non-positive interval disables the time-based flush.
func WithAckBuffer(size int, flushInterval time.Duration) Option {
	return optionFunc(func(o *Options) {
		if size > 0 {
			o.AckBufferSize = size
		}

		o.AckFlushInterval = flushInterval
	})
}

// WithThrowOnError enables or disables the strict mode.
func WithThrowOnError(throw bool) Option {
	return optionFunc(func(o *Options) { o.ThrowOnError = throw })
}

// WithResubscribeDelays sets the resubscribe delays after a server or
// subscription error, after a deliberate stop, and between failed attempts.
func WithResubscribeDelays(onError, onStopped, retry time.Duration) Option {
	return optionFunc(func(o *Options) {
		if onError > 0 {
			o.ResubscribeDelay = onError
		}

		if onStopped > 0 {
			o.StoppedResubscribeDelay = onStopped
		}

		if retry > 0 {
			o.RetryDelay = retry
		}
	})
}

// WithShutdownGracePeriod sets the time spent draining when unsubscribing.
func WithShutdownGracePeriod(period time.Duration) Option {
	return optionFunc(func(o *Options) {
		if period > 0 {
			o.ShutdownGracePeriod = period
		}
	})
}

// WithGapMeasureInterval sets the lag measurement interval.
// A non-positive interval disables the measurement.
func WithGapMeasureInterval(interval time.Duration) Option {
	return optionFunc(func(o *Options) { o.GapMeasureInterval = interval })
}

// WithTarget sets the Event Streams to subscribe to.
func WithTarget(target event.Target) Option {
	return optionFunc(func(o *Options) {
		if target != nil {
			o.Target = target
		}
	})
}

// WithSystemEvents delivers log-internal records to the Handlers too.
func WithSystemEvents() Option {
	return optionFunc(func(o *Options) { o.IncludeSystemEvents = true })
}

// WithFilters appends Filters to run before the concurrency limit.
func WithFilters(filters ...Filter) Option {
	return optionFunc(func(o *Options) { o.Filters = append(o.Filters, filters...) })
}

// WithFailureHandler sets the FailureHandler of a persistent subscription.
func WithFailureHandler(handler FailureHandler) Option {
	return optionFunc(func(o *Options) {
		if handler != nil {
			o.FailureHandler = handler
		}
	})
}

// WithDecoder sets the Decoder used for received records.
func WithDecoder(decoder Decoder) Option {
	return optionFunc(func(o *Options) {
		if decoder != nil {
			o.Decoder = decoder
		}
	})
}

// WithLogger sets the Logger of the subscription.
func WithLogger(l logger.Logger) Option {
	return optionFunc(func(o *Options) { o.Logger = l })
}

// WithMetrics sets the Metrics hooks of the subscription.
func WithMetrics(metrics Metrics) Option {
	return optionFunc(func(o *Options) {
		if metrics != nil {
			o.Metrics = metrics
		}
	})
}

// WithHealth sets the health Reporter of the subscription.
func WithHealth(reporter health.Reporter) Option {
	return optionFunc(func(o *Options) {
		if reporter != nil {
			o.Health = reporter
		}
	})
}
