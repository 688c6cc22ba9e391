package serde

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// json is shared by payload and metadata decoding.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NewJSONDeserializer returns a Deserializer decoding JSON records into
// the instances returned by factory, which usually allocates a pointer.
func NewJSONDeserializer[T any](factory func() T) DeserializerFunc[T] {
	return func(data []byte) (T, error) {
		model := factory()

		if err := json.Unmarshal(data, &model); err != nil {
			var zero T
			return zero, fmt.Errorf("serde.JSON: failed to decode %T, %w", model, err)
		}

		return model, nil
	}
}
