package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/get-eventually/go-eventually-subscriptions/logger"
)

// Next forwards a message to the following stage of a Pipe.
type Next func(ctx context.Context, msg *Context) error

// Filter is a stage of a Pipe.
//
// A Filter can forward the message to the next stage, or short-circuit it.
// Filters ignoring a message must settle it, usually with Ack, so that the
// subscription progress can move past it.
type Filter interface {
	Send(ctx context.Context, msg *Context, next Next) error
}

// FilterFunc is a functional implementation of the Filter interface.
type FilterFunc func(ctx context.Context, msg *Context, next Next) error

// Send implements the Filter interface.
func (fn FilterFunc) Send(ctx context.Context, msg *Context, next Next) error { return fn(ctx, msg, next) }

// Pipe is an ordered chain of Filters, ending with a terminal stage.
type Pipe struct {
	filters  []Filter
	terminal Next
}

// NewPipe returns a Pipe running the Filters in the specified order,
// and finally the terminal stage.
func NewPipe(terminal Next, filters ...Filter) *Pipe {
	return &Pipe{filters: filters, terminal: terminal}
}

// Send sends the message through the Pipe.
func (p *Pipe) Send(ctx context.Context, msg *Context) error {
	return p.send(ctx, msg, 0)
}

func (p *Pipe) send(ctx context.Context, msg *Context, i int) error {
	if i >= len(p.filters) {
		return p.terminal(ctx, msg)
	}

	return p.filters[i].Send(ctx, msg, func(ctx context.Context, msg *Context) error {
		return p.send(ctx, msg, i+1)
	})
}

// SystemEventFilter acknowledges and drops log-internal records,
// identified by a "$"-prefixed event type.
func SystemEventFilter() Filter {
	return FilterFunc(func(ctx context.Context, msg *Context, next Next) error {
		if msg.Message.IsSystem() {
			return msg.Ack(ctx)
		}

		return next(ctx, msg)
	})
}

// EventTypeFilter only forwards messages of the specified event types,
// acknowledging and dropping all the others.
func EventTypeFilter(eventTypes ...string) Filter {
	allowed := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		allowed[t] = struct{}{}
	}

	return FilterFunc(func(ctx context.Context, msg *Context, next Next) error {
		if _, ok := allowed[msg.Message.EventType]; !ok {
			return msg.Ack(ctx)
		}

		return next(ctx, msg)
	})
}

// ConcurrencyFilter bounds the number of messages processed in parallel.
//
// Send acquires a permit, waiting when none is available, and runs the
// following stages in a separate goroutine, releasing the permit once done.
// This keeps the receive loop of the log client free from slow handlers.
//
// With a limit of 1 the following stages run strictly in receive order.
// Any higher limit trades that ordering for throughput: handlers might observe
// messages out of order, while checkpoints still only move across contiguous runs.
type ConcurrencyFilter struct {
	sem     *semaphore.Weighted
	onError func(msg *Context, err error)
	wg      sync.WaitGroup
}

// NewConcurrencyFilter returns a ConcurrencyFilter with the specified limit.
//
// Since the following stages run asynchronously, their errors are reported
// through the onError callback.
func NewConcurrencyFilter(limit int, onError func(msg *Context, err error)) *ConcurrencyFilter {
	if limit < 1 {
		limit = 1
	}

	return &ConcurrencyFilter{
		sem:     semaphore.NewWeighted(int64(limit)),
		onError: onError,
	}
}

// Send implements the Filter interface.
func (f *ConcurrencyFilter) Send(ctx context.Context, msg *Context, next Next) error {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("subscription.ConcurrencyFilter: failed to acquire permit: %w", err)
	}

	f.wg.Add(1)

	go func() {
		defer f.wg.Done()
		defer f.sem.Release(1)

		if err := next(ctx, msg); err != nil && f.onError != nil {
			f.onError(msg, err)
		}
	}()

	return nil
}

// Wait waits for all the in-flight messages to complete, or for the context
// to be done. It returns false if the context was done first.
func (f *ConcurrencyFilter) Wait(ctx context.Context) bool {
	return waitGroup(ctx, &f.wg)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// ConsumerStage returns the terminal stage of a Pipe, running the Consumer
// and settling the message according to its outcome.
func ConsumerStage(consumer Consumer, metrics Metrics) Next {
	if metrics == nil {
		metrics = NopMetrics{}
	}

	return func(ctx context.Context, msg *Context) error {
		start := time.Now()
		err := consumer.Consume(ctx, msg)

		metrics.RecordMessageHandled(ctx, msg.SubscriptionID, msg.Message.EventType, time.Since(start), err)

		if err != nil {
			return msg.Nack(ctx, err)
		}

		logger.Debug(consumer.Logger, "message handled",
			logger.With("subscriptionId", msg.SubscriptionID),
			logger.With("eventType", msg.Message.EventType),
			logger.With("sequence", msg.Message.Sequence),
		)

		return msg.Ack(ctx)
	}
}
