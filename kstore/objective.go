package kstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/birdayz/flowcore/kobjective"
	"github.com/birdayz/flowcore/kserde"
)

const groupPrefix = "next/"

var (
	groupKeys = kserde.Prefixed(groupPrefix, kserde.Int32)
	nextIDKey = []byte("meta/next-id")
)

// LocalObjectiveStore is an ObjectiveStore over a single Backend.
// ObjectiveAdded fires when a next-id gets its first group; overwriting an
// existing group is silent.
type LocalObjectiveStore struct {
	mu      sync.Mutex
	backend Backend

	subsMu  sync.RWMutex
	subs    map[int]func(ObjectiveEvent)
	nextSub int
}

var _ ObjectiveStore = (*LocalObjectiveStore)(nil)

func NewObjectiveStore(backend Backend) *LocalObjectiveStore {
	return &LocalObjectiveStore{
		backend: backend,
		subs:    map[int]func(ObjectiveEvent){},
	}
}

// NewMemoryObjectiveStore is a LocalObjectiveStore over a MemoryBackend.
func NewMemoryObjectiveStore() *LocalObjectiveStore {
	return NewObjectiveStore(NewMemoryBackend())
}

func groupKey(nextID int) []byte {
	// Int32 serialization cannot fail.
	key, _ := groupKeys.Serializer(int32(nextID))
	return key
}

func (s *LocalObjectiveStore) PutNextGroup(nextID int, group kobjective.NextGroup) error {
	key := groupKey(nextID)

	s.mu.Lock()
	_, err := s.backend.Get(key)
	existed := err == nil
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		s.mu.Unlock()
		return fmt.Errorf("read next group %d: %w", nextID, err)
	}
	if err := s.backend.Set(key, group); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("write next group %d: %w", nextID, err)
	}
	s.mu.Unlock()

	if !existed {
		s.publish(ObjectiveEvent{Type: ObjectiveAdded, NextID: nextID})
	}
	return nil
}

func (s *LocalObjectiveStore) NextGroup(nextID int) (kobjective.NextGroup, bool) {
	v, err := s.backend.Get(groupKey(nextID))
	if err != nil {
		return nil, false
	}
	return v, true
}

func (s *LocalObjectiveStore) RemoveNextGroup(nextID int) (kobjective.NextGroup, bool, error) {
	key := groupKey(nextID)

	s.mu.Lock()
	v, err := s.backend.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		s.mu.Unlock()
		return nil, false, nil
	}
	if err != nil {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("read next group %d: %w", nextID, err)
	}
	if err := s.backend.Delete(key); err != nil {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("delete next group %d: %w", nextID, err)
	}
	s.mu.Unlock()

	s.publish(ObjectiveEvent{Type: ObjectiveRemoved, NextID: nextID})
	return v, true, nil
}

func (s *LocalObjectiveStore) NextGroups() map[int]kobjective.NextGroup {
	groups := map[int]kobjective.NextGroup{}
	for k, v := range s.backend.All() {
		if !kserde.HasPrefix(k, groupPrefix) {
			continue
		}
		id, err := groupKeys.Deserializer(k)
		if err != nil {
			continue
		}
		groups[int(id)] = v
	}
	return groups
}

// AllocateNextID hands out ids starting at 1. The counter lives in the
// backend, so durable backends keep ids unique across restarts.
func (s *LocalObjectiveStore) AllocateNextID() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current uint64
	v, err := s.backend.Get(nextIDKey)
	switch {
	case errors.Is(err, ErrKeyNotFound):
	case err != nil:
		return 0, fmt.Errorf("read next-id counter: %w", err)
	default:
		current, err = kserde.Uint64.Deserializer(v)
		if err != nil {
			return 0, fmt.Errorf("decode next-id counter: %w", err)
		}
	}

	current++
	b, _ := kserde.Uint64.Serializer(current)
	if err := s.backend.Set(nextIDKey, b); err != nil {
		return 0, fmt.Errorf("write next-id counter: %w", err)
	}
	return int(current), nil
}

func (s *LocalObjectiveStore) Subscribe(fn func(ObjectiveEvent)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *LocalObjectiveStore) publish(ev ObjectiveEvent) {
	s.subsMu.RLock()
	subs := make([]func(ObjectiveEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (s *LocalObjectiveStore) Close() error {
	return s.backend.Close()
}
