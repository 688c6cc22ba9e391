package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/get-eventually/go-eventually-subscriptions/event"
	"github.com/get-eventually/go-eventually-subscriptions/logger"
)

// FailureHandler decides what to do with a message whose processing failed.
type FailureHandler func(ctx context.Context, msg event.Received, err error) NackAction

// RetryOnFailure is the default FailureHandler, always asking for a redelivery.
func RetryOnFailure(context.Context, event.Received, error) NackAction { return NackRetry }

// AckBatcher buffers acknowledgements for a persistent subscription,
// sending them to the broker in bulk.
//
// Batching is only a round-trip optimization: the broker remains the
// durable position tracker.
type AckBatcher struct {
	subscriptionID string
	acknowledger   Acknowledger
	bufferSize     int
	throwOnError   bool
	failureHandler FailureHandler
	metrics        Metrics
	logger         logger.Logger

	mx    sync.Mutex
	queue []BrokerMessage
}

// NewAckBatcher returns an AckBatcher sending acks to the Acknowledger,
// configured through the AckBufferSize, ThrowOnError and FailureHandler options.
func NewAckBatcher(subscriptionID string, acknowledger Acknowledger, opts Options) *AckBatcher {
	b := &AckBatcher{
		subscriptionID: subscriptionID,
		acknowledger:   acknowledger,
		bufferSize:     opts.AckBufferSize,
		throwOnError:   opts.ThrowOnError,
		failureHandler: opts.FailureHandler,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
	}

	if b.bufferSize <= 0 {
		b.bufferSize = DefaultAckBufferSize
	}

	if b.failureHandler == nil {
		b.failureHandler = RetryOnFailure
	}

	if b.metrics == nil {
		b.metrics = NopMetrics{}
	}

	return b
}

// Ack enqueues the message. Once the buffer is full, exactly one buffer worth
// of messages is acknowledged in a single call.
//
// When the acknowledgement fails the messages are kept in the buffer,
// and the error is returned.
func (b *AckBatcher) Ack(ctx context.Context, msg BrokerMessage) error {
	b.mx.Lock()
	defer b.mx.Unlock()

	b.queue = append(b.queue, msg)

	if len(b.queue) < b.bufferSize {
		return nil
	}

	return b.flush(ctx, b.bufferSize)
}

// Nack handles a failed message.
//
// In strict mode the error is returned back, to terminate the subscription.
// Otherwise the FailureHandler decides the NackAction sent to the broker
// for this single message, leaving buffered acks untouched.
func (b *AckBatcher) Nack(ctx context.Context, msg BrokerMessage, received event.Received, err error) error {
	if b.throwOnError {
		return err
	}

	action := b.failureHandler(ctx, received, err)

	logger.Info(b.logger, "message failed, sending nack to broker",
		logger.With("subscriptionId", b.subscriptionID),
		logger.With("eventType", received.EventType),
		logger.With("action", action.String()),
		logger.WithError(err),
	)

	if nackErr := b.acknowledger.Nack(ctx, action, msg, err); nackErr != nil {
		return fmt.Errorf("subscription.AckBatcher: failed to nack message: %w: %w", ErrCommit, nackErr)
	}

	return nil
}

// Flush acknowledges all the buffered messages.
func (b *AckBatcher) Flush(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()

	if len(b.queue) == 0 {
		return nil
	}

	return b.flush(ctx, len(b.queue))
}

// Len returns the number of buffered messages.
func (b *AckBatcher) Len() int {
	b.mx.Lock()
	defer b.mx.Unlock()

	return len(b.queue)
}

// Run flushes the buffer every interval, until the context is canceled
// or a flush fails.
func (b *AckBatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				return err
			}
		}
	}
}

// flush must be called with the lock held.
func (b *AckBatcher) flush(ctx context.Context, n int) error {
	batch := make([]BrokerMessage, n)
	copy(batch, b.queue[:n])

	if err := b.acknowledger.Ack(ctx, batch); err != nil {
		return fmt.Errorf("subscription.AckBatcher: failed to ack %d messages: %w: %w", n, ErrCommit, err)
	}

	b.queue = append(b.queue[:0], b.queue[n:]...)
	b.metrics.RecordAcks(ctx, b.subscriptionID, n)

	return nil
}
