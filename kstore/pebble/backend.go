// Package pebble is a durable kstore.Backend on top of cockroachdb/pebble.
package pebble

import (
	"errors"
	"fmt"
	"iter"

	"github.com/birdayz/flowcore/kstore"
	"github.com/cockroachdb/pebble"
)

type Backend struct {
	db *pebble.DB
}

var _ kstore.Backend = (*Backend)(nil)

// Open opens (or creates) the database in dir.
func Open(dir string) (*Backend, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	return &Backend{db: db}, nil
}

// Set writes synchronously; next-id counters must survive a crash.
func (b *Backend) Set(k, v []byte) error {
	return b.db.Set(k, v, pebble.Sync)
}

func (b *Backend) Get(k []byte) ([]byte, error) {
	v, closer, err := b.db.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, kstore.ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()

	res := make([]byte, len(v))
	copy(res, v)

	return res, nil
}

func (b *Backend) Delete(k []byte) error {
	return b.db.Delete(k, pebble.Sync)
}

func (b *Backend) All() iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		it := b.db.NewIter(nil)
		defer it.Close()

		for it.First(); it.Valid(); it.Next() {
			key := make([]byte, len(it.Key()))
			copy(key, it.Key())
			value := make([]byte, len(it.Value()))
			copy(value, it.Value())

			if !yield(key, value) {
				return
			}
		}
	}
}

func (b *Backend) Close() error {
	if err := b.db.Flush(); err != nil {
		return err
	}
	return b.db.Close()
}
