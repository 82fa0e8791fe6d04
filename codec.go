package callstream

import (
	"google.golang.org/protobuf/proto"
)

// Codec converts typed messages to and from their serialized form at the
// transport boundary.
type Codec[T any] interface {
	Marshal(T) ([]byte, error)
	Unmarshal([]byte) (T, error)
}

// ProtoCodec returns a Codec for protobuf messages.
func ProtoCodec[T proto.Message]() Codec[T] {
	return protoCodec[T]{}
}

type protoCodec[T proto.Message] struct{}

func (protoCodec[T]) Marshal(msg T) ([]byte, error) {
	return proto.Marshal(msg)
}

func (protoCodec[T]) Unmarshal(data []byte) (T, error) {
	// The zero value of T is a typed nil pointer, which is enough to reach
	// the message descriptor and allocate a fresh instance.
	var zero T
	msg := zero.ProtoReflect().New().Interface().(T)
	if err := proto.Unmarshal(data, msg); err != nil {
		return zero, err
	}
	return msg, nil
}

// RawCodec returns a pass-through Codec for byte-slice payloads.
func RawCodec() Codec[[]byte] {
	return rawCodec{}
}

type rawCodec struct{}

func (rawCodec) Marshal(data []byte) ([]byte, error) { return data, nil }

func (rawCodec) Unmarshal(data []byte) ([]byte, error) { return data, nil }
