package serde

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// NewProtoDeserializer returns a Deserializer decoding records in the
// Protobuf binary wire format.
func NewProtoDeserializer[T proto.Message](factory func() T) DeserializerFunc[T] {
	return func(data []byte) (T, error) {
		model := factory()

		if err := proto.Unmarshal(data, model); err != nil {
			var zero T
			return zero, fmt.Errorf("serde.Proto: failed to decode %s, %w", model.ProtoReflect().Descriptor().FullName(), err)
		}

		return model, nil
	}
}

// NewProtoJSONDeserializer returns a Deserializer decoding records in the
// Protobuf JSON format. Unknown fields are discarded, so that producers
// can add fields before consumers are upgraded.
func NewProtoJSONDeserializer[T proto.Message](factory func() T) DeserializerFunc[T] {
	unmarshal := protojson.UnmarshalOptions{DiscardUnknown: true}

	return func(data []byte) (T, error) {
		model := factory()

		if err := unmarshal.Unmarshal(data, model); err != nil {
			var zero T
			return zero, fmt.Errorf("serde.ProtoJSON: failed to decode %s, %w", model.ProtoReflect().Descriptor().FullName(), err)
		}

		return model, nil
	}
}
