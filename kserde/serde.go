// Package kserde provides serializer/deserializer function types and the
// codecs used on the wire: UTF-8 strings for keys, fixed-width big-endian
// uint64 for counts, and JSON for structured values.
package kserde

type Serde[T any] struct {
	Serializer   Serializer[T]
	Deserializer Deserializer[T]
}

type Serializer[T any] func(T) ([]byte, error)

type Deserializer[T any] func([]byte) (T, error)
