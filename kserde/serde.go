// Package kserde holds the byte codecs used by the stores and archives.
package kserde

import (
	"encoding/json"
	"fmt"
)

type Serializer[T any] func(T) ([]byte, error)

type Deserializer[T any] func([]byte) (T, error)

// Serde pairs both directions of a codec.
type Serde[T any] struct {
	Serializer   Serializer[T]
	Deserializer Deserializer[T]
}

// JSON encodes T with encoding/json. Errors carry the Go type name, since
// several record kinds share one keyspace.
func JSON[T any]() Serde[T] {
	name := fmt.Sprintf("%T", *new(T))
	return Serde[T]{
		Serializer: func(t T) ([]byte, error) {
			b, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", name, err)
			}
			return b, nil
		},
		Deserializer: func(b []byte) (T, error) {
			var t T
			if err := json.Unmarshal(b, &t); err != nil {
				return *new(T), fmt.Errorf("decode %s: %w", name, err)
			}
			return t, nil
		},
	}
}
