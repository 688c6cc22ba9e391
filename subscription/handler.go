package subscription

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/get-eventually/go-eventually-subscriptions/event"
)

// Context carries a received message through the Pipe, together with
// the means to settle it.
//
// A message is settled exactly once: only the first call to Ack or Nack
// has any effect.
type Context struct {
	SubscriptionID string
	Message        event.Received

	settler   settler
	settled   atomic.Bool
	brokerMsg BrokerMessage
}

// settler is implemented by the session-specific progress trackers:
// the checkpoint path for catch-up subscriptions and the ack batcher
// for persistent ones.
type settler interface {
	ack(ctx context.Context, msg *Context) error
	nack(ctx context.Context, msg *Context, err error) error
}

// Ack marks the message as processed.
func (c *Context) Ack(ctx context.Context) error {
	if !c.settled.CompareAndSwap(false, true) || c.settler == nil {
		return nil
	}

	return c.settler.ack(ctx, c)
}

// Nack marks the message as failed with the specified error.
//
// The error is returned back only when the subscription runs in strict mode,
// or when the failure could not be recorded.
func (c *Context) Nack(ctx context.Context, err error) error {
	if !c.settled.CompareAndSwap(false, true) || c.settler == nil {
		return nil
	}

	return c.settler.nack(ctx, c, err)
}

// Settled reports whether Ack or Nack has been called already.
func (c *Context) Settled() bool { return c.settled.Load() }

// Handler processes the messages received by a subscription.
//
// Handlers must not call Ack or Nack: the subscription settles the message
// once all Handlers have returned, using the returned error to decide.
type Handler interface {
	HandleEvent(ctx context.Context, msg *Context) error
}

// HandlerFunc is a functional implementation of the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Context) error

// HandleEvent implements the Handler interface.
func (fn HandlerFunc) HandleEvent(ctx context.Context, msg *Context) error { return fn(ctx, msg) }

type namedHandler struct {
	name    string
	handler Handler
}

// HandlerSet is the set of Handlers invoked for every received message.
//
// Handlers are usually added before starting the subscription. Adding a Handler
// to a running subscription is safe, but it only receives the messages
// dispatched after the call returns.
type HandlerSet struct {
	mx       sync.RWMutex
	handlers []namedHandler
}

// NewHandlerSet returns a new HandlerSet, optionally populated with
// the provided Handlers, named after their type.
func NewHandlerSet(handlers ...Handler) (*HandlerSet, error) {
	set := new(HandlerSet)

	for _, h := range handlers {
		if err := set.Add(fmt.Sprintf("%T", h), h); err != nil {
			return nil, err
		}
	}

	return set, nil
}

// Add registers the Handler with the specified name.
//
// ErrHandlerAlreadyRegistered is returned if the name is already in use.
func (s *HandlerSet) Add(name string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("subscription.HandlerSet: nil handler %q", name)
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	for _, h := range s.handlers {
		if h.name == name {
			return fmt.Errorf("subscription.HandlerSet: failed to add %q, %w", name, ErrHandlerAlreadyRegistered)
		}
	}

	s.handlers = append(s.handlers, namedHandler{name: name, handler: handler})

	return nil
}

// Len returns the number of registered Handlers.
func (s *HandlerSet) Len() int {
	s.mx.RLock()
	defer s.mx.RUnlock()

	return len(s.handlers)
}

func (s *HandlerSet) snapshot() []namedHandler {
	s.mx.RLock()
	defer s.mx.RUnlock()

	handlers := make([]namedHandler, len(s.handlers))
	copy(handlers, s.handlers)

	return handlers
}
