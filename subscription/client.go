package subscription

import (
	"context"

	"github.com/get-eventually/go-eventually-subscriptions/event"
)

// SubscribeRequest describes a catch-up subscription to open on a LogClient.
type SubscribeRequest struct {
	Target event.Target

	// After is the position of the last processed record: only records
	// with a higher position are delivered. A nil value means from the start.
	After *uint64

	// OnRecord is called for every record, in log order, from a single goroutine.
	// Implementations must stop delivering records once it returns an error.
	OnRecord func(ctx context.Context, record event.Record) error

	// OnDropped is called at most once, when the subscription terminates
	// for any reason other than LogSubscription.Close.
	OnDropped func(reason DropReason, err error)
}

// LogSubscription is the handle of an open log subscription.
type LogSubscription interface {
	Close(ctx context.Context) error
}

// LogClient is the client of an append-only event log
// supporting catch-up subscriptions.
type LogClient interface {
	Subscribe(ctx context.Context, req SubscribeRequest) (LogSubscription, error)
}

// TailReader is implemented by LogClients able to report the position
// of the last record in the log, used to measure subscription lag.
type TailReader interface {
	TailPosition(ctx context.Context) (uint64, error)
}

// BrokerMessage is a message delivered by a Broker, carrying the
// broker-native reference used to acknowledge it.
type BrokerMessage interface {
	Record() event.Record
}

// PersistentRequest describes a persistent subscription to open on a Broker.
type PersistentRequest struct {
	// Group is the name of the broker-side consumer group.
	Group  string
	Target event.Target

	// OnMessage is called for every delivered message.
	// Implementations must stop delivering messages once it returns an error.
	OnMessage func(ctx context.Context, msg BrokerMessage) error

	// OnDropped is called at most once, when the subscription terminates
	// for any reason other than PersistentSubscription.Close.
	OnDropped func(reason DropReason, err error)
}

// NackAction tells the Broker what to do with a failed message.
type NackAction int

// All the supported NackAction values.
const (
	// NackRetry asks the broker to redeliver the message.
	NackRetry NackAction = iota
	// NackPark moves the message aside (e.g. to a dead-letter destination).
	NackPark
	// NackSkip acknowledges the message without processing it.
	NackSkip
)

func (a NackAction) String() string {
	switch a {
	case NackRetry:
		return "retry"
	case NackPark:
		return "park"
	case NackSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Acknowledger settles messages of a persistent subscription on the Broker.
type Acknowledger interface {
	Ack(ctx context.Context, msgs []BrokerMessage) error
	Nack(ctx context.Context, action NackAction, msg BrokerMessage, reason error) error
}

// PersistentSubscription is the handle of an open persistent subscription.
type PersistentSubscription interface {
	Acknowledger
	Close(ctx context.Context) error
}

// Broker is a competing-consumer broker supporting persistent subscriptions.
type Broker interface {
	SubscribePersistent(ctx context.Context, req PersistentRequest) (PersistentSubscription, error)
}
