package serde

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"

	"github.com/get-eventually/go-eventually-subscriptions/message"
)

var (
	// ErrTypeAlreadyRegistered is returned by Registry.Register when a
	// deserializer has already been registered for the same event type.
	ErrTypeAlreadyRegistered = errors.New("serde: event type already registered")

	// ErrUnknownType is returned by Registry.Deserialize when no deserializer
	// has been registered for the requested event type.
	ErrUnknownType = errors.New("serde: unknown event type")
)

// Registry maps event type names to the Deserializer able to decode them.
//
// A Registry is meant to be populated during the application startup phase,
// before any subscription starts consuming; lookups are safe for concurrent use
// and registrations performed later only affect records decoded afterwards.
type Registry struct {
	mx           sync.RWMutex
	deserializer map[string]Deserializer[message.Message]
}

// NewRegistry returns a new, empty Registry instance.
func NewRegistry() *Registry {
	return &Registry{
		deserializer: make(map[string]Deserializer[message.Message]),
	}
}

// Register adds the deserializer for the given event type.
//
// ErrTypeAlreadyRegistered is returned if the event type is already present.
func (r *Registry) Register(eventType string, deserializer Deserializer[message.Message]) error {
	if eventType == "" {
		return fmt.Errorf("serde.Registry: event type must not be empty")
	}

	if deserializer == nil {
		return fmt.Errorf("serde.Registry: nil deserializer for %q", eventType)
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.deserializer[eventType]; ok {
		return fmt.Errorf("serde.Registry: failed to register %q, %w", eventType, ErrTypeAlreadyRegistered)
	}

	r.deserializer[eventType] = deserializer

	return nil
}

// Deserialize decodes the data using the deserializer registered for the event type.
func (r *Registry) Deserialize(eventType string, data []byte) (message.Message, error) {
	r.mx.RLock()
	deserializer, ok := r.deserializer[eventType]
	r.mx.RUnlock()

	if !ok {
		return nil, fmt.Errorf("serde.Registry: %q, %w", eventType, ErrUnknownType)
	}

	msg, err := deserializer.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("serde.Registry: failed to deserialize %q, %w", eventType, err)
	}

	return msg, nil
}

// Has reports whether the event type has a registered deserializer.
func (r *Registry) Has(eventType string) bool {
	r.mx.RLock()
	defer r.mx.RUnlock()

	_, ok := r.deserializer[eventType]

	return ok
}

// Types returns the sorted list of registered event types.
func (r *Registry) Types() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()

	types := make([]string, 0, len(r.deserializer))
	for eventType := range r.deserializer {
		types = append(types, eventType)
	}

	sort.Strings(types)

	return types
}

// Register registers a typed Deserializer, upcasting its output to message.Message.
func Register[T message.Message](r *Registry, eventType string, deserializer Deserializer[T]) error {
	return r.Register(eventType, upcast(deserializer, func(msg T) message.Message { return msg }))
}

// RegisterJSON registers a JSON deserializer for the message type produced
// by the factory, using the message Name() as event type.
func RegisterJSON[T message.Message](r *Registry, factory func() T) error {
	return Register[T](r, factory().Name(), NewJSONDeserializer(factory))
}

// ProtoMessage wraps a Protobuf message to implement the message.Message interface,
// using the Protobuf full name as message name.
type ProtoMessage[T proto.Message] struct {
	Message T
}

// Name implements message.Message.
func (pm ProtoMessage[T]) Name() string {
	return string(pm.Message.ProtoReflect().Descriptor().FullName())
}

func registerProto[T proto.Message](r *Registry, eventType string, deserializer Deserializer[T]) error {
	return r.Register(eventType, upcast(deserializer, func(msg T) message.Message {
		return ProtoMessage[T]{Message: msg}
	}))
}

// RegisterProtoJSON registers a Protobuf JSON deserializer for the event type.
func RegisterProtoJSON[T proto.Message](r *Registry, eventType string, factory func() T) error {
	return registerProto[T](r, eventType, NewProtoJSONDeserializer(factory))
}

// RegisterProto registers a Protobuf binary deserializer for the event type.
func RegisterProto[T proto.Message](r *Registry, eventType string, factory func() T) error {
	return registerProto[T](r, eventType, NewProtoDeserializer(factory))
}
