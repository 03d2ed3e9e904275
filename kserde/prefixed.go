package kserde

import (
	"bytes"
	"fmt"
)

// Prefixed namespaces keys of one kind inside a shared keyspace.
func Prefixed[T any](prefix string, inner Serde[T]) Serde[T] {
	p := []byte(prefix)
	return Serde[T]{
		Serializer: func(t T) ([]byte, error) {
			b, err := inner.Serializer(t)
			if err != nil {
				return nil, err
			}
			return append(append(make([]byte, 0, len(p)+len(b)), p...), b...), nil
		},
		Deserializer: func(b []byte) (T, error) {
			if !bytes.HasPrefix(b, p) {
				return *new(T), fmt.Errorf("key %q does not carry prefix %q", b, prefix)
			}
			return inner.Deserializer(b[len(p):])
		},
	}
}

// HasPrefix reports whether a serialized key belongs to the namespace.
func HasPrefix(key []byte, prefix string) bool {
	return bytes.HasPrefix(key, []byte(prefix))
}
