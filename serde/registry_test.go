package serde_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/get-eventually/go-eventually-subscriptions/internal"
	"github.com/get-eventually/go-eventually-subscriptions/message"
	"github.com/get-eventually/go-eventually-subscriptions/serde"
)

func TestRegistry(t *testing.T) {
	t.Run("json payloads are decoded by type", func(t *testing.T) {
		registry := serde.NewRegistry()
		require.NoError(t, serde.RegisterJSON(registry, func() *internal.UserCreated { return new(internal.UserCreated) }))

		msg, err := registry.Deserialize(internal.UserCreatedType, []byte(`{"id":"1","email":"me@example.com"}`))
		require.NoError(t, err)
		assert.Equal(t, &internal.UserCreated{ID: "1", Email: "me@example.com"}, msg)
	})

	t.Run("registering the same type twice fails", func(t *testing.T) {
		registry := serde.NewRegistry()
		factory := func() *internal.UserCreated { return new(internal.UserCreated) }

		require.NoError(t, serde.RegisterJSON(registry, factory))
		assert.ErrorIs(t, serde.RegisterJSON(registry, factory), serde.ErrTypeAlreadyRegistered)
	})

	t.Run("unknown types are reported", func(t *testing.T) {
		registry := serde.NewRegistry()

		_, err := registry.Deserialize("Missing", []byte(`{}`))
		assert.ErrorIs(t, err, serde.ErrUnknownType)
	})

	t.Run("empty event types and nil deserializers are rejected", func(t *testing.T) {
		registry := serde.NewRegistry()

		assert.Error(t, registry.Register("", serde.DeserializerFunc[message.Message](nil)))
		assert.Error(t, registry.Register("Something", nil))
		assert.Empty(t, registry.Types())
	})

	t.Run("protobuf payloads are wrapped with their full name", func(t *testing.T) {
		registry := serde.NewRegistry()
		factory := func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }

		require.NoError(t, serde.RegisterProto(registry, "Binary", factory))
		require.NoError(t, serde.RegisterProtoJSON(registry, "JSON", factory))
		assert.Equal(t, []string{"Binary", "JSON"}, registry.Types())
		assert.True(t, registry.Has("JSON"))

		binary, err := proto.Marshal(wrapperspb.String("hello"))
		require.NoError(t, err)

		msg, err := registry.Deserialize("Binary", binary)
		require.NoError(t, err)
		assert.Equal(t, "google.protobuf.StringValue", msg.Name())

		wrapped, ok := msg.(serde.ProtoMessage[*wrapperspb.StringValue])
		require.True(t, ok)
		assert.Equal(t, "hello", wrapped.Message.GetValue())

		data, err := protojson.Marshal(wrapperspb.String("world"))
		require.NoError(t, err)

		msg, err = registry.Deserialize("JSON", data)
		require.NoError(t, err)
		assert.Equal(t, "world", msg.(serde.ProtoMessage[*wrapperspb.StringValue]).Message.GetValue())
	})

	t.Run("decoding errors are returned", func(t *testing.T) {
		registry := serde.NewRegistry()
		require.NoError(t, serde.RegisterJSON(registry, func() *internal.UserCreated { return new(internal.UserCreated) }))

		_, err := registry.Deserialize(internal.UserCreatedType, []byte(`{not json`))
		assert.Error(t, err)
		assert.NotErrorIs(t, err, serde.ErrUnknownType)
	})
}
