// Package message exposes the generic Message type, used to represent
// the decoded payload of a record delivered by a subscription.
package message

// Message is a Message payload.
//
// Each payload should have a unique name identifier, that can be used
// to uniquely route a message to its type.
type Message interface {
	Name() string
}

// Raw is a Message carrying an undecoded payload, used when no typed
// decoder is registered for a record type and raw delivery is allowed.
type Raw struct {
	Type string
	Data []byte
}

// Name implements Message.
func (r Raw) Name() string { return r.Type }

// CorrelationIDKey is the well-known Metadata key of the Correlation id,
// shared by all the events produced as part of the same flow.
const CorrelationIDKey = "$correlationId"

// Metadata is the supporting information attached to a record
// (e.g. correlation ids, trace context), decoded as string pairs.
//
// Received messages share their Metadata between concurrent Handlers:
// use With to derive an extended copy instead of writing to it.
type Metadata map[string]string

// With returns a copy of the Metadata holding the value at the specified key.
// The receiver is left untouched, and might be nil.
func (m Metadata) With(key, value string) Metadata {
	extended := make(Metadata, len(m)+1)

	for k, v := range m {
		extended[k] = v
	}

	extended[key] = value

	return extended
}

// Get returns the value for the key, or an empty string when missing.
func (m Metadata) Get(key string) string {
	return m[key]
}
