// Package event contains the types describing the records delivered
// by an append-only event log, both in their raw form (Record) and
// once decoded and sequenced by a subscription (Received).
package event

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/get-eventually/go-eventually-subscriptions/message"
)

// StreamID is the name of an Event Stream in the log.
type StreamID string

// Category returns the category of the Event Stream, i.e. the part of the
// stream name before the first dash (e.g. "user" for "user-1234").
func (id StreamID) Category() string {
	category, _, _ := strings.Cut(string(id), "-")
	return category
}

// Record is a raw record, as yielded by a log client before any decoding.
type Record struct {
	EventID     uuid.UUID
	EventType   string
	ContentType string
	Stream      StreamID

	// Position is the global position of the record in the log.
	Position uint64

	// StreamPosition is the position of the record in its own Event Stream.
	StreamPosition uint64

	Created  time.Time
	Data     []byte
	Metadata []byte
}

// IsSystem reports whether the record is a log-internal record,
// conventionally identified by a "$" type prefix.
func (r Record) IsSystem() bool {
	return strings.HasPrefix(r.EventType, "$")
}

// Received is a Record that has been received by a subscription,
// decoded and assigned a receive-order Sequence number.
type Received struct {
	EventID        uuid.UUID
	EventType      string
	ContentType    string
	Stream         StreamID
	GlobalPosition uint64
	StreamPosition uint64

	// Sequence is a monotonically increasing counter assigned at receive time
	// by the subscription. It is independent from the log position and from
	// the order in which handlers complete.
	Sequence uint64

	Created  time.Time
	Payload  message.Message
	Metadata message.Metadata
}

// NewReceived builds a Received instance from the raw Record, the decoded
// payload and metadata, and the receive sequence number.
func NewReceived(record Record, sequence uint64, payload message.Message, metadata message.Metadata) Received {
	return Received{
		EventID:        record.EventID,
		EventType:      record.EventType,
		ContentType:    record.ContentType,
		Stream:         record.Stream,
		GlobalPosition: record.Position,
		StreamPosition: record.StreamPosition,
		Sequence:       sequence,
		Created:        record.Created,
		Payload:        payload,
		Metadata:       metadata,
	}
}

// IsSystem reports whether the received record is a log-internal record.
func (r Received) IsSystem() bool {
	return strings.HasPrefix(r.EventType, "$")
}
