package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/get-eventually/go-eventually-subscriptions/logger"
)

var _ source = &Persistent{}

// Persistent is a competing-consumer subscription, backed by a broker-side
// consumer group that tracks the subscription progress.
//
// Processed messages are acknowledged in batches of AckBufferSize; failed
// messages are handed to the FailureHandler, or drop the subscription
// when running in strict mode.
type Persistent struct {
	*EventSubscription

	broker Broker
	group  string
}

// NewPersistent returns a new Persistent subscription, using the id
// as the broker consumer group name.
func NewPersistent(id string, broker Broker, handlers *HandlerSet, opts ...Option) *Persistent {
	if broker == nil {
		panic("subscription.NewPersistent: broker must not be nil")
	}

	p := &Persistent{broker: broker, group: id}
	p.EventSubscription = newEventSubscription(id, handlers, p, opts...)

	return p
}

func (p *Persistent) open(sess *session) error {
	// Messages might be delivered before SubscribePersistent returns the handle
	// used to acknowledge them.
	acknowledger := &deferredAcknowledger{ready: make(chan struct{})}
	batcher := NewAckBatcher(p.id, acknowledger, p.opts)
	sess.settler = brokerSettler{batcher: batcher}
	sess.flush = batcher.Flush

	handle, err := p.broker.SubscribePersistent(sess.ctx, PersistentRequest{
		Group:  p.group,
		Target: p.opts.Target,
		OnMessage: func(_ context.Context, msg BrokerMessage) error {
			return p.receive(sess, msg.Record(), msg)
		},
		OnDropped: func(reason DropReason, err error) {
			p.handleDrop(sess, reason, err)
		},
	})
	if err != nil {
		acknowledger.resolve(nil)
		return fmt.Errorf("subscription.Persistent: failed to subscribe to broker: %w", err)
	}

	acknowledger.resolve(handle)

	if err := sess.setHandle(sess.ctx, handle); err != nil {
		logger.Error(p.logger, "failed to close broker subscription", logger.WithError(err))
	}

	if interval := p.opts.AckFlushInterval; interval > 0 {
		sess.goBackground(func(ctx context.Context) {
			if err := batcher.Run(ctx, interval); err != nil {
				p.handleDrop(sess, SubscriptionError, err)
			}
		})
	}

	return nil
}

var errNoAcknowledger = errors.New("subscription: broker subscription not available")

type deferredAcknowledger struct {
	ready  chan struct{}
	target Acknowledger
}

func (a *deferredAcknowledger) resolve(target Acknowledger) {
	a.target = target
	close(a.ready)
}

func (a *deferredAcknowledger) wait(ctx context.Context) (Acknowledger, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.ready:
	}

	if a.target == nil {
		return nil, errNoAcknowledger
	}

	return a.target, nil
}

func (a *deferredAcknowledger) Ack(ctx context.Context, msgs []BrokerMessage) error {
	target, err := a.wait(ctx)
	if err != nil {
		return err
	}

	return target.Ack(ctx, msgs)
}

func (a *deferredAcknowledger) Nack(ctx context.Context, action NackAction, msg BrokerMessage, reason error) error {
	target, err := a.wait(ctx)
	if err != nil {
		return err
	}

	return target.Nack(ctx, action, msg, reason)
}

type brokerSettler struct {
	batcher *AckBatcher
}

func (s brokerSettler) ack(ctx context.Context, msg *Context) error {
	return s.batcher.Ack(context.WithoutCancel(ctx), msg.brokerMsg)
}

func (s brokerSettler) nack(ctx context.Context, msg *Context, err error) error {
	return s.batcher.Nack(context.WithoutCancel(ctx), msg.brokerMsg, msg.Message, err)
}
