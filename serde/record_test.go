package serde_test

import (
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-eventually-subscriptions/event"
	"github.com/get-eventually/go-eventually-subscriptions/internal"
	"github.com/get-eventually/go-eventually-subscriptions/message"
	"github.com/get-eventually/go-eventually-subscriptions/serde"
)

func newRegistry(t *testing.T) *serde.Registry {
	t.Helper()

	registry := serde.NewRegistry()
	require.NoError(t, serde.RegisterJSON(registry, func() *internal.UserCreated { return new(internal.UserCreated) }))

	return registry
}

func TestRecordDecoder(t *testing.T) {
	t.Run("json record with metadata", func(t *testing.T) {
		decoder := serde.RecordDecoder{Registry: newRegistry(t)}

		payload, metadata, err := decoder.Decode(event.Record{
			EventType:   internal.UserCreatedType,
			ContentType: serde.ContentTypeJSON,
			Data:        []byte(`{"id":"42","email":"user@example.com"}`),
			Metadata:    []byte(`{"$correlationId":"abc","attempt":3}`),
		})

		require.NoError(t, err)
		assert.Equal(t, &internal.UserCreated{ID: "42", Email: "user@example.com"}, payload)
		assert.Equal(t, "abc", metadata.Get(message.CorrelationIDKey))
		assert.Equal(t, "3", metadata.Get("attempt"))
	})

	t.Run("malformed metadata fails", func(t *testing.T) {
		decoder := serde.RecordDecoder{Registry: newRegistry(t)}

		_, _, err := decoder.Decode(event.Record{
			EventType: internal.UserCreatedType,
			Data:      []byte(`{}`),
			Metadata:  []byte(`[1, 2`),
		})

		assert.Error(t, err)
	})

	t.Run("unknown types fail unless allowed", func(t *testing.T) {
		record := event.Record{EventType: "Unknown", Data: []byte("opaque")}

		_, _, err := serde.RecordDecoder{Registry: newRegistry(t)}.Decode(record)
		assert.ErrorIs(t, err, serde.ErrUnknownType)

		payload, _, err := serde.RecordDecoder{Registry: newRegistry(t), AllowUnknown: true}.Decode(record)
		require.NoError(t, err)
		assert.Equal(t, message.Raw{Type: "Unknown", Data: []byte("opaque")}, payload)
	})

	t.Run("without a registry every record is raw", func(t *testing.T) {
		payload, metadata, err := serde.RecordDecoder{}.Decode(event.Record{EventType: "Any", Data: []byte("x")})

		require.NoError(t, err)
		assert.Nil(t, metadata)
		assert.Equal(t, message.Raw{Type: "Any", Data: []byte("x")}, payload)
	})

	t.Run("cloudevents envelopes are unwrapped", func(t *testing.T) {
		ce := cloudevents.NewEvent()
		ce.SetID("evt-1")
		ce.SetSource("urn:users")
		ce.SetType(internal.UserCreatedType)
		ce.SetExtension("tenant", "acme")
		require.NoError(t, ce.SetData(cloudevents.ApplicationJSON, internal.UserCreated{ID: "7", Email: "ce@example.com"}))

		data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(ce)
		require.NoError(t, err)

		decoder := serde.RecordDecoder{Registry: newRegistry(t)}

		payload, metadata, err := decoder.Decode(event.Record{
			ContentType: serde.ContentTypeCloudEvents,
			Data:        data,
		})

		require.NoError(t, err)
		assert.Equal(t, &internal.UserCreated{ID: "7", Email: "ce@example.com"}, payload)
		assert.Equal(t, "evt-1", metadata.Get(serde.CloudEventsIDKey))
		assert.Equal(t, "urn:users", metadata.Get(serde.CloudEventsSourceKey))
		assert.Equal(t, "acme", metadata.Get("tenant"))
	})

	t.Run("invalid cloudevents envelope fails", func(t *testing.T) {
		_, _, err := serde.RecordDecoder{Registry: newRegistry(t)}.Decode(event.Record{
			ContentType: serde.ContentTypeCloudEvents,
			Data:        []byte(`not an envelope`),
		})

		assert.Error(t, err)
	})
}
