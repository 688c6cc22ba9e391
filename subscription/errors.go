package subscription

import (
	"errors"
	"fmt"
)

var (
	// ErrDeserialization is returned when the payload or the metadata
	// of a received record cannot be decoded.
	ErrDeserialization = errors.New("subscription: failed to decode record")

	// ErrHandler is returned when one or more Handlers failed to process a message.
	ErrHandler = errors.New("subscription: handler failed")

	// ErrSubscriptionDropped is reported when the underlying log subscription
	// has been terminated by the network, the server or the client.
	ErrSubscriptionDropped = errors.New("subscription: dropped")

	// ErrCommit is returned when the progress of a subscription
	// could not be persisted, either as checkpoint or as broker acks.
	ErrCommit = errors.New("subscription: failed to commit progress")

	// ErrHandlerAlreadyRegistered is returned by HandlerSet.Add when
	// a Handler with the same name is already present.
	ErrHandlerAlreadyRegistered = errors.New("subscription: handler already registered")

	// ErrAlreadySubscribed is returned when calling Subscribe on a running subscription.
	ErrAlreadySubscribed = errors.New("subscription: already subscribed")
)

// DropReason classifies why the underlying log subscription ended.
type DropReason int

// All the supported DropReason values.
const (
	// Stopped is a deliberate stop, usually from the server side
	// during a deploy or restart.
	Stopped DropReason = iota
	// ServerError is a network or server-induced termination.
	ServerError
	// SubscriptionError is a client-induced termination, e.g. a failing
	// handler when running in strict mode.
	SubscriptionError
)

func (r DropReason) String() string {
	switch r {
	case Stopped:
		return "stopped"
	case ServerError:
		return "server_error"
	case SubscriptionError:
		return "subscription_error"
	default:
		return fmt.Sprintf("DropReason(%d)", int(r))
	}
}

// DropError wraps the cause of a subscription drop with its reason.
type DropError struct {
	Reason DropReason
	Err    error
}

func (err *DropError) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("subscription dropped (%s)", err.Reason)
	}

	return fmt.Sprintf("subscription dropped (%s): %s", err.Reason, err.Err)
}

// Unwrap returns both ErrSubscriptionDropped and the causing error,
// so that both can be matched with errors.Is.
func (err *DropError) Unwrap() []error {
	if err.Err == nil {
		return []error{ErrSubscriptionDropped}
	}

	return []error{ErrSubscriptionDropped, err.Err}
}
