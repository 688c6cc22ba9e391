package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/get-eventually/go-eventually-subscriptions/event"
	"github.com/get-eventually/go-eventually-subscriptions/logger"
	"github.com/get-eventually/go-eventually-subscriptions/message"
)

// State is the lifecycle state of an EventSubscription.
type State int32

// All the possible State values.
const (
	Idle State = iota
	Subscribing
	Running
	Dropped
	Resubscribing
	Unsubscribing
	Unsubscribed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Subscribing:
		return "subscribing"
	case Running:
		return "running"
	case Dropped:
		return "dropped"
	case Resubscribing:
		return "resubscribing"
	case Unsubscribing:
		return "unsubscribing"
	case Unsubscribed:
		return "unsubscribed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var errNotDropped = errors.New("subscription: not dropped anymore")

// source opens the underlying log subscription for a new session,
// and is implemented by the different kinds of subscription.
type source interface {
	open(sess *session) error
}

// session is a single connection to the log. A new session is opened
// on every (re)subscribe, and all its state is discarded when it closes.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	sequence    atomic.Uint64
	pipe        *Pipe
	concurrency *ConcurrencyFilter
	settler     settler
	flush       func(ctx context.Context) error
	position    func() (uint64, bool)

	mx          sync.Mutex
	handle      interface{ Close(context.Context) error }
	closed      atomic.Bool
	pendingDrop atomic.Pointer[DropError]
	background  sync.WaitGroup
}

// setHandle stores the log subscription handle, closing it right away
// if the session has been closed in the meantime.
func (sess *session) setHandle(ctx context.Context, handle interface{ Close(context.Context) error }) error {
	sess.mx.Lock()

	if !sess.closed.Load() {
		sess.handle = handle
		sess.mx.Unlock()

		return nil
	}

	sess.mx.Unlock()

	return handle.Close(ctx)
}

func (sess *session) takeHandle() interface{ Close(context.Context) error } {
	sess.mx.Lock()
	defer sess.mx.Unlock()

	handle := sess.handle
	sess.handle = nil

	return handle
}

// goBackground runs the function in the background for the whole session lifetime.
func (sess *session) goBackground(fn func(ctx context.Context)) {
	sess.background.Add(1)

	go func() {
		defer sess.background.Done()
		fn(sess.ctx)
	}()
}

// EventSubscription owns the lifecycle of a subscription: it subscribes,
// detects drops of the underlying log subscription and resubscribes
// automatically, until Unsubscribe is called.
//
// Use NewCatchUp or NewPersistent to create one.
type EventSubscription struct {
	id       string
	opts     Options
	handlers *HandlerSet
	source   source
	logger   logger.Logger
	onStart  func(ctx context.Context)

	mx        sync.Mutex
	lifetime  context.Context
	cancel    context.CancelFunc
	current   *session
	onDropped func(id string, reason DropReason, err error)
	wg        sync.WaitGroup

	state         atomic.Int32
	running       atomic.Bool
	dropped       atomic.Bool
	resubscribing atomic.Bool
}

func newEventSubscription(id string, handlers *HandlerSet, src source, opts ...Option) *EventSubscription {
	if handlers == nil {
		handlers = new(HandlerSet)
	}

	options := newOptions(opts...)

	return &EventSubscription{
		id:       id,
		opts:     options,
		handlers: handlers,
		source:   src,
		logger:   logger.Scoped(options.Logger, logger.With("subscriptionId", id)),
		lifetime: context.Background(),
		cancel:   func() {},
	}
}

// ID returns the subscription id.
func (s *EventSubscription) ID() string { return s.id }

// State returns the current lifecycle State.
func (s *EventSubscription) State() State { return State(s.state.Load()) }

// Options returns the subscription Options.
func (s *EventSubscription) Options() Options { return s.opts }

// Handlers returns the HandlerSet of the subscription.
func (s *EventSubscription) Handlers() *HandlerSet { return s.handlers }

func (s *EventSubscription) setState(state State) { s.state.Store(int32(state)) }

// Subscribe opens the subscription and starts delivering messages to the Handlers.
//
// The context is only used for its values: the subscription keeps running
// until Unsubscribe is called. onSubscribed is called once the subscription is
// open; onDropped is called on every drop of the underlying log subscription,
// before resubscribing. Both callbacks are optional.
func (s *EventSubscription) Subscribe(
	ctx context.Context,
	onSubscribed func(id string),
	onDropped func(id string, reason DropReason, err error),
) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("subscription.EventSubscription: failed to subscribe: %w", err)
	}

	s.mx.Lock()

	if s.running.Load() {
		s.mx.Unlock()
		return fmt.Errorf("subscription.EventSubscription: %q, %w", s.id, ErrAlreadySubscribed)
	}

	s.running.Store(true)
	s.dropped.Store(false)
	s.lifetime, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.onDropped = onDropped
	s.setState(Subscribing)
	s.mx.Unlock()

	logger.Debug(s.logger, "subscribing")

	if err := s.subscribe(); err != nil {
		s.mx.Lock()
		s.running.Store(false)
		s.cancel()
		s.setState(Idle)
		s.mx.Unlock()

		return fmt.Errorf("subscription.EventSubscription: failed to subscribe %q: %w", s.id, err)
	}

	s.state.CompareAndSwap(int32(Subscribing), int32(Running))
	s.opts.Health.ReportHealthy(s.id)

	if s.onStart != nil {
		s.mx.Lock()
		s.wg.Add(1)
		lifetime := s.lifetime
		s.mx.Unlock()

		go func() {
			defer s.wg.Done()
			s.onStart(lifetime)
		}()
	}

	logger.Info(s.logger, "subscribed")

	if onSubscribed != nil {
		onSubscribed(s.id)
	}

	return nil
}

// subscribe opens a new session and makes it the current one.
func (s *EventSubscription) subscribe() error {
	sess := s.newSession()

	s.mx.Lock()
	s.current = sess
	s.mx.Unlock()

	if err := s.source.open(sess); err != nil {
		s.mx.Lock()
		if s.current == sess {
			s.current = nil
		}
		s.mx.Unlock()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(sess.ctx), s.opts.ShutdownGracePeriod)
		defer cancel()

		s.closeSession(ctx, sess)

		return err
	}

	return nil
}

func (s *EventSubscription) newSession() *session {
	s.mx.Lock()
	lifetime := s.lifetime
	s.mx.Unlock()

	sess := new(session)
	sess.ctx, sess.cancel = context.WithCancel(lifetime)

	sess.concurrency = NewConcurrencyFilter(s.opts.ConcurrencyLimit, func(_ *Context, err error) {
		s.handleDrop(sess, SubscriptionError, err)
	})

	var filters []Filter
	if !s.opts.IncludeSystemEvents {
		filters = append(filters, SystemEventFilter())
	}

	filters = append(filters, s.opts.Filters...)
	filters = append(filters, sess.concurrency)

	consumer := Consumer{Handlers: s.handlers, Logger: s.logger}
	sess.pipe = NewPipe(ConsumerStage(consumer, s.opts.Metrics), filters...)

	return sess
}

// receive decodes the record, assigns it the next receive sequence number,
// and sends it through the session Pipe.
func (s *EventSubscription) receive(sess *session, record event.Record, brokerMsg BrokerMessage) error {
	if sess.closed.Load() {
		return fmt.Errorf("subscription.EventSubscription: session closed: %w", context.Canceled)
	}

	sequence := sess.sequence.Add(1) - 1

	var (
		payload  message.Message
		metadata message.Metadata
		err      error
	)

	// System records filtered out by the Pipe are never decoded.
	if s.opts.IncludeSystemEvents || !record.IsSystem() {
		payload, metadata, err = s.opts.Decoder.Decode(record)
	}

	msg := &Context{
		SubscriptionID: s.id,
		Message:        event.NewReceived(record, sequence, payload, metadata),
		settler:        sess.settler,
		brokerMsg:      brokerMsg,
	}

	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDeserialization, err)
		s.opts.Metrics.RecordMessageSkipped(sess.ctx, s.id, record.EventType, "deserialization")

		if s.opts.ThrowOnError {
			s.handleDrop(sess, SubscriptionError, err)
			return err
		}

		logger.Error(s.logger, "failed to decode record, skipping",
			logger.With("eventType", record.EventType),
			logger.With("position", record.Position),
			logger.WithError(err),
		)

		if err := msg.Ack(sess.ctx); err != nil {
			s.handleDrop(sess, SubscriptionError, err)
			return err
		}

		return nil
	}

	if err := sess.pipe.Send(sess.ctx, msg); err != nil {
		if sess.ctx.Err() == nil {
			s.handleDrop(sess, SubscriptionError, err)
		}

		return err
	}

	return nil
}

// handleDrop reacts to a drop of the session. Notifications for stale
// sessions, for stopped subscriptions, or arriving while a resubscribe
// is already in flight are ignored.
func (s *EventSubscription) handleDrop(sess *session, reason DropReason, cause error) {
	dropErr := &DropError{Reason: reason, Err: cause}

	s.mx.Lock()

	if sess == nil || sess != s.current || sess.closed.Load() || !s.running.Load() {
		s.mx.Unlock()
		logger.Debug(s.logger, "drop notification ignored", logger.With("reason", reason.String()))

		return
	}

	if !s.resubscribing.CompareAndSwap(false, true) {
		// The session has been opened by the resubscribe in flight,
		// which will pick the drop up once done.
		sess.pendingDrop.CompareAndSwap(nil, dropErr)
		s.mx.Unlock()

		return
	}

	s.dropped.Store(true)
	s.setState(Dropped)
	s.wg.Add(1)
	onDropped, lifetime := s.onDropped, s.lifetime
	s.mx.Unlock()

	s.reportDrop(lifetime, dropErr, onDropped)

	go s.resubscribe(lifetime, sess, reason)
}

func (s *EventSubscription) reportDrop(ctx context.Context, dropErr *DropError, onDropped func(string, DropReason, error)) {
	logger.Error(s.logger, "subscription dropped",
		logger.With("reason", dropErr.Reason.String()),
		logger.WithError(dropErr),
	)

	s.opts.Metrics.RecordDrop(ctx, s.id, dropErr.Reason)
	s.opts.Health.ReportUnhealthy(s.id, dropErr)

	if onDropped != nil {
		onDropped(s.id, dropErr.Reason, dropErr)
	}
}

// resubscribe closes the dropped session, waits for the delay selected by
// the drop reason, and then tries to subscribe again every RetryDelay,
// for as long as the subscription is running and dropped.
func (s *EventSubscription) resubscribe(lifetime context.Context, dropped *session, reason DropReason) {
	defer s.wg.Done()

	for {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(lifetime), s.opts.ShutdownGracePeriod)
		s.closeSession(ctx, dropped)
		cancel()

		delay := s.opts.DelayFor(reason)
		logger.Info(s.logger, "resubscribing", logger.With("delay", delay), logger.With("reason", reason.String()))

		select {
		case <-lifetime.Done():
			s.resubscribing.Store(false)
			return
		case <-s.opts.after(delay):
		}

		s.setState(Resubscribing)

		b := backoff.WithContext(backoff.NewConstantBackOff(s.opts.RetryDelay), lifetime)

		err := backoff.RetryNotify(func() error {
			if !s.running.Load() || !s.dropped.Load() {
				return backoff.Permanent(errNotDropped)
			}

			return s.subscribe()
		}, b, func(err error, next time.Duration) {
			logger.Error(s.logger, "failed to resubscribe, retrying",
				logger.With("retryIn", next),
				logger.WithError(err),
			)
		})

		if err != nil {
			s.resubscribing.Store(false)
			logger.Debug(s.logger, "resubscribe loop stopped", logger.WithError(err))

			return
		}

		s.mx.Lock()

		current := s.current
		if pending := pendingDrop(current); pending != nil && s.running.Load() {
			onDropped := s.onDropped
			s.setState(Dropped)
			s.mx.Unlock()

			s.reportDrop(lifetime, pending, onDropped)
			dropped, reason = current, pending.Reason

			continue
		}

		s.dropped.Store(false)
		s.resubscribing.Store(false)
		s.state.CompareAndSwap(int32(Resubscribing), int32(Running))
		s.mx.Unlock()

		s.opts.Health.ReportHealthy(s.id)
		logger.Info(s.logger, "resubscribed")

		return
	}
}

// closeSession stops the session: it releases the log subscription handle,
// drains in-flight messages, stops background work and flushes the pending
// progress, all within the context deadline.
func (s *EventSubscription) closeSession(ctx context.Context, sess *session) {
	if sess == nil {
		return
	}

	sess.mx.Lock()
	alreadyClosed := !sess.closed.CompareAndSwap(false, true)
	sess.mx.Unlock()

	if alreadyClosed {
		return
	}

	if handle := sess.takeHandle(); handle != nil {
		if err := handle.Close(ctx); err != nil {
			logger.Error(s.logger, "failed to close log subscription", logger.WithError(err))
		}
	}

	if !sess.concurrency.Wait(ctx) {
		logger.Error(s.logger, "in-flight messages did not complete within the grace period")
	}

	sess.cancel()

	if !waitGroup(ctx, &sess.background) {
		logger.Error(s.logger, "background tasks did not stop within the grace period")
	}

	if sess.flush != nil {
		if err := sess.flush(ctx); err != nil {
			logger.Error(s.logger, "failed to flush pending progress", logger.WithError(err))
		}
	}
}

// Unsubscribe stops the subscription: it halts any resubscribe in flight,
// releases the log subscription and flushes the pending progress best-effort,
// bounded by both the context and the ShutdownGracePeriod.
// onUnsubscribed is called once done, and is optional.
func (s *EventSubscription) Unsubscribe(ctx context.Context, onUnsubscribed func(id string)) error {
	s.mx.Lock()

	if !s.running.Load() {
		s.mx.Unlock()
		return nil
	}

	s.running.Store(false)
	s.setState(Unsubscribing)
	cancelLifetime := s.cancel
	s.mx.Unlock()

	logger.Debug(s.logger, "unsubscribing")

	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownGracePeriod)
	defer cancel()

	cancelLifetime()

	if !waitGroup(ctx, &s.wg) {
		logger.Error(s.logger, "resubscribe did not stop within the grace period")
	}

	s.mx.Lock()
	sess := s.current
	s.current = nil
	s.mx.Unlock()

	s.closeSession(ctx, sess)

	s.dropped.Store(false)
	s.resubscribing.Store(false)
	s.setState(Unsubscribed)
	s.opts.Health.ReportHealthy(s.id)

	logger.Info(s.logger, "unsubscribed")

	if onUnsubscribed != nil {
		onUnsubscribed(s.id)
	}

	return nil
}

func pendingDrop(sess *session) *DropError {
	if sess == nil {
		return nil
	}

	return sess.pendingDrop.Load()
}

// currentSession returns the current session, if any.
func (s *EventSubscription) currentSession() *session {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.current
}
