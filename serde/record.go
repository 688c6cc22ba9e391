package serde

import (
	"errors"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/get-eventually/go-eventually-subscriptions/event"
	"github.com/get-eventually/go-eventually-subscriptions/message"
)

// Content types understood by the RecordDecoder.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeProtobuf    = "application/x-protobuf"
	ContentTypeCloudEvents = "application/cloudevents+json"
)

// Metadata keys populated when unwrapping a CloudEvents envelope.
const (
	CloudEventsIDKey     = "ce-id"
	CloudEventsSourceKey = "ce-source"
)

// RecordDecoder decodes raw event.Record values into typed payloads and
// metadata, using the Registry to resolve the payload type.
type RecordDecoder struct {
	Registry *Registry

	// AllowUnknown makes records of unregistered types decode to message.Raw
	// instead of failing with ErrUnknownType.
	AllowUnknown bool
}

// Decode decodes payload and metadata of the given record.
//
// Records using the CloudEvents structured JSON content mode are unwrapped
// first: the envelope type is used when the record has none, and the envelope
// extensions are merged into the metadata.
func (d RecordDecoder) Decode(record event.Record) (message.Message, message.Metadata, error) {
	metadata, err := decodeMetadata(record.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("serde.RecordDecoder: failed to decode metadata, %w", err)
	}

	eventType, data := record.EventType, record.Data

	if record.ContentType == ContentTypeCloudEvents {
		ce := cloudevents.NewEvent()
		if err := json.Unmarshal(record.Data, &ce); err != nil {
			return nil, nil, fmt.Errorf("serde.RecordDecoder: failed to decode cloudevents envelope, %w", err)
		}

		if eventType == "" {
			eventType = ce.Type()
		}

		data = ce.Data()
		metadata = metadata.With(CloudEventsIDKey, ce.ID()).With(CloudEventsSourceKey, ce.Source())

		for key, value := range ce.Extensions() {
			metadata = metadata.With(key, fmt.Sprint(value))
		}
	}

	if d.Registry == nil {
		return message.Raw{Type: eventType, Data: data}, metadata, nil
	}

	payload, err := d.Registry.Deserialize(eventType, data)
	if errors.Is(err, ErrUnknownType) && d.AllowUnknown {
		return message.Raw{Type: eventType, Data: data}, metadata, nil
	}

	if err != nil {
		return nil, nil, fmt.Errorf("serde.RecordDecoder: failed to decode payload, %w", err)
	}

	return payload, metadata, nil
}

func decodeMetadata(data []byte) (message.Metadata, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	metadata := make(message.Metadata, len(raw))

	for key, value := range raw {
		if s, ok := value.(string); ok {
			metadata[key] = s
			continue
		}

		metadata[key] = fmt.Sprint(value)
	}

	return metadata, nil
}
