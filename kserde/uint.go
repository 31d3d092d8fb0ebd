package kserde

import (
	"encoding/binary"
	"fmt"
)

// Uint64Serializer serializes uint64 to 8 big-endian bytes.
var Uint64Serializer = func(data uint64) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, data)
	return buf, nil
}

// Uint64Deserializer deserializes 8 big-endian bytes to uint64.
var Uint64Deserializer = func(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("uint64 deserialization requires exactly 8 bytes, got %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// Uint64 is a SerDe for uint64 values.
var Uint64 = Serde[uint64]{
	Serializer:   Uint64Serializer,
	Deserializer: Uint64Deserializer,
}
