package subscription

import (
	"context"
	"fmt"

	"github.com/get-eventually/go-eventually-subscriptions/checkpoint"
	"github.com/get-eventually/go-eventually-subscriptions/event"
	"github.com/get-eventually/go-eventually-subscriptions/logger"
)

var _ source = &CatchUp{}

// CatchUp is a client-driven subscription, replaying the log from the last
// Checkpoint stored for its id.
//
// Progress is tracked by a checkpoint.CommitHandler: the Checkpoint only
// moves across contiguous runs of completed messages, so that restarting
// never skips a message that was still in flight.
type CatchUp struct {
	*EventSubscription

	client LogClient
	store  checkpoint.Store
}

// NewCatchUp returns a new CatchUp subscription, reading records from the
// LogClient and persisting its progress on the checkpoint.Store.
//
// When the LogClient also implements TailReader, the subscription lag
// is measured every GapMeasureInterval.
func NewCatchUp(
	id string,
	client LogClient,
	store checkpoint.Store,
	handlers *HandlerSet,
	opts ...Option,
) *CatchUp {
	if client == nil {
		panic("subscription.NewCatchUp: log client must not be nil")
	}

	if store == nil {
		store = checkpoint.Nop{}
	}

	c := &CatchUp{client: client, store: store}
	c.EventSubscription = newEventSubscription(id, handlers, c, opts...)

	if tail, ok := client.(TailReader); ok && c.opts.GapMeasureInterval > 0 {
		gap := NewGapMeasure(id, tail, c.Position,
			WithGapInterval(c.opts.GapMeasureInterval),
			WithGapMetrics(c.opts.Metrics),
			WithGapLogger(c.logger),
		)

		c.onStart = func(ctx context.Context) { gap.Run(ctx) }
	}

	return c
}

// Position returns the last committed position of the current session,
// or the position it started from when nothing has been committed yet.
func (c *CatchUp) Position() (uint64, bool) {
	sess := c.currentSession()
	if sess == nil || sess.position == nil {
		return 0, false
	}

	return sess.position()
}

func (c *CatchUp) open(sess *session) error {
	cp, err := c.store.GetLastCheckpoint(sess.ctx, c.id)
	if err != nil {
		return fmt.Errorf("subscription.CatchUp: failed to read checkpoint: %w", err)
	}

	commit := checkpoint.NewCommitHandler(c.id, c.store,
		checkpoint.WithBatchSize(c.opts.CheckpointCommitBatchSize),
		checkpoint.WithDelay(c.opts.CheckpointCommitDelay),
		checkpoint.WithMetrics(c.opts.Metrics),
		checkpoint.WithLogger(c.logger),
	)

	sess.settler = checkpointSettler{
		subscriptionID: c.id,
		commit:         commit,
		throwOnError:   c.opts.ThrowOnError,
		metrics:        c.opts.Metrics,
	}

	sess.flush = commit.Close
	sess.position = func() (uint64, bool) {
		if position, ok := commit.LastCommitted(); ok {
			return position, true
		}

		if cp.Position != nil {
			return *cp.Position, true
		}

		return 0, false
	}

	logger.Debug(c.logger, "opening catch-up subscription", logger.With("checkpoint", cp.Position))

	handle, err := c.client.Subscribe(sess.ctx, SubscribeRequest{
		Target: c.opts.Target,
		After:  cp.Position,
		OnRecord: func(_ context.Context, record event.Record) error {
			return c.receive(sess, record, nil)
		},
		OnDropped: func(reason DropReason, err error) {
			c.handleDrop(sess, reason, err)
		},
	})
	if err != nil {
		return fmt.Errorf("subscription.CatchUp: failed to subscribe to log: %w", err)
	}

	if err := sess.setHandle(sess.ctx, handle); err != nil {
		logger.Error(c.logger, "failed to close log subscription", logger.WithError(err))
	}

	sess.goBackground(func(ctx context.Context) {
		if err := commit.Run(ctx); err != nil {
			c.handleDrop(sess, SubscriptionError, fmt.Errorf("%w: %w", ErrCommit, err))
		}
	})

	return nil
}

type checkpointSettler struct {
	subscriptionID string
	commit         *checkpoint.CommitHandler
	throwOnError   bool
	metrics        Metrics
}

func (s checkpointSettler) ack(ctx context.Context, msg *Context) error {
	completion := checkpoint.Completion{
		Position: msg.Message.GlobalPosition,
		Sequence: msg.Message.Sequence,
		Created:  msg.Message.Created,
	}

	// Commit writes must survive the session cancellation,
	// or the drained range would be lost.
	if err := s.commit.Commit(context.WithoutCancel(ctx), completion); err != nil {
		return fmt.Errorf("%w: %w", ErrCommit, err)
	}

	return nil
}

func (s checkpointSettler) nack(ctx context.Context, msg *Context, err error) error {
	if s.throwOnError {
		return err
	}

	s.metrics.RecordMessageSkipped(ctx, s.subscriptionID, msg.Message.EventType, "handler")

	return s.ack(ctx, msg)
}
