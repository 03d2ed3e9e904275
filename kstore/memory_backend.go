package kstore

import (
	"bytes"
	"iter"
	"slices"
	"sync"
)

// MemoryBackend is a map-backed Backend.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: map[string][]byte{}}
}

func (b *MemoryBackend) Get(key []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

func (b *MemoryBackend) Set(key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[string(key)] = bytes.Clone(value)
	return nil
}

func (b *MemoryBackend) Delete(key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, string(key))
	return nil
}

func (b *MemoryBackend) All() iter.Seq2[[]byte, []byte] {
	b.mu.RLock()
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	snapshot := make(map[string][]byte, len(keys))
	for _, k := range keys {
		snapshot[k] = b.data[k]
	}
	b.mu.RUnlock()
	slices.Sort(keys)

	return func(yield func([]byte, []byte) bool) {
		for _, k := range keys {
			if !yield([]byte(k), bytes.Clone(snapshot[k])) {
				return
			}
		}
	}
}

func (b *MemoryBackend) Close() error {
	return nil
}
