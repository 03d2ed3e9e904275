package kserde

import (
	"encoding/binary"
	"fmt"
)

// Uint64Serializer serializes uint64 to big-endian bytes
var Uint64Serializer = func(data uint64) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, data)
	return buf, nil
}

// Uint64Deserializer deserializes big-endian bytes to uint64
var Uint64Deserializer = func(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("uint64 deserialization requires exactly 8 bytes, got %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// Uint64 is a SerDe for uint64 values
var Uint64 = Serde[uint64]{
	Serializer:   Uint64Serializer,
	Deserializer: Uint64Deserializer,
}

// Int32Serializer serializes int32 to big-endian bytes
var Int32Serializer = func(data int32) ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(data))
	return buf, nil
}

// Int32Deserializer deserializes big-endian bytes to int32
var Int32Deserializer = func(data []byte) (int32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("int32 deserialization requires exactly 4 bytes, got %d", len(data))
	}
	return int32(binary.BigEndian.Uint32(data)), nil
}

// Int32 is a SerDe for int32 values, e.g. next-ids on the wire
var Int32 = Serde[int32]{
	Serializer:   Int32Serializer,
	Deserializer: Int32Deserializer,
}
