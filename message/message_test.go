package message_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/get-eventually/go-eventually-subscriptions/message"
)

func TestMetadata(t *testing.T) {
	t.Run("with on a nil map allocates it", func(t *testing.T) {
		var metadata message.Metadata

		extended := metadata.With(message.CorrelationIDKey, "abc")

		assert.Equal(t, "abc", extended.Get(message.CorrelationIDKey))
		assert.Nil(t, metadata)
	})

	t.Run("with does not modify the receiver", func(t *testing.T) {
		metadata := message.Metadata{"a": "1", "b": "2"}
		extended := metadata.With("b", "3").With("c", "4")

		assert.Equal(t, message.Metadata{"a": "1", "b": "3", "c": "4"}, extended)
		assert.Equal(t, message.Metadata{"a": "1", "b": "2"}, metadata)
	})

	t.Run("get on nil returns empty string", func(t *testing.T) {
		var metadata message.Metadata
		assert.Empty(t, metadata.Get("missing"))
	})
}

func TestRaw(t *testing.T) {
	raw := message.Raw{Type: "UserCreated", Data: []byte(`{}`)}
	assert.Equal(t, "UserCreated", raw.Name())
}
