// Package serde contains the decoding primitives used to turn raw log
// records into typed message.Message payloads.
//
// Decoding is driven by an explicitly constructed Registry, mapping
// event type names to their Deserializer. Encoding is left to the
// producers appending to the log.
package serde

// Deserializer decodes a value of type T from the raw bytes of a record.
type Deserializer[T any] interface {
	Deserialize(data []byte) (T, error)
}

// DeserializerFunc is a functional implementation of the Deserializer interface.
type DeserializerFunc[T any] func(data []byte) (T, error)

// Deserialize implements the Deserializer interface.
func (fn DeserializerFunc[T]) Deserialize(data []byte) (T, error) { return fn(data) }

// upcast adapts a typed Deserializer to produce values of a wider type,
// usually message.Message.
func upcast[T, U any](deserializer Deserializer[T], convert func(T) U) DeserializerFunc[U] {
	return func(data []byte) (U, error) {
		value, err := deserializer.Deserialize(data)
		if err != nil {
			var zero U
			return zero, err
		}

		return convert(value), nil
	}
}
