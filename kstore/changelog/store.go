// Package changelog replicates next groups between controller instances
// through a compacted Kafka topic.
//
// Writes go to the local store first and are then logged to the topic; every
// instance consumes the topic and applies the changes it did not originate,
// so ObjectiveAdded fires on each instance once the group is visible there.
// Next-id allocation stays local to each instance.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/birdayz/flowcore/kobjective"
	"github.com/birdayz/flowcore/kserde"
	"github.com/birdayz/flowcore/kstore"
	flowlog "github.com/birdayz/flowcore/pkg/log"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

const originHeader = "origin"

type Store struct {
	log    *slog.Logger
	local  *kstore.LocalObjectiveStore
	client *kgo.Client
	topic  string
	origin string

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ kstore.ObjectiveStore = (*Store)(nil)

type Option func(*Store)

var WithLog = func(log *slog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// New connects to the brokers and makes sure the compacted topic exists.
func New(ctx context.Context, brokers []string, topic string, local *kstore.LocalObjectiveStore, opts ...Option) (*Store, error) {
	s := &Store{
		log:    flowlog.Nop(),
		local:  local,
		topic:  topic,
		origin: uuid.NewString(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("topic", topic, "origin", s.origin)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	s.client = client

	if err := ensureTopic(ctx, kadm.NewClient(client), topic); err != nil {
		client.Close()
		return nil, err
	}

	return s, nil
}

func ensureTopic(ctx context.Context, adm *kadm.Client, topic string) error {
	resp, err := adm.CreateTopics(ctx, 1, -1, map[string]*string{
		"cleanup.policy": kadm.StringPtr("compact"),
	}, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", topic, r.Err)
		}
	}
	return nil
}

// Start replays the topic into the local store, then keeps consuming in the
// background until Close.
func (s *Store) Start(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.consume(ctx)
	return nil
}

func (s *Store) restore(ctx context.Context) error {
	ends, err := kadm.NewClient(s.client).ListEndOffsets(ctx, s.topic)
	if err != nil {
		return fmt.Errorf("list end offsets: %w", err)
	}

	remaining := map[int32]int64{}
	var listErr error
	ends.Each(func(o kadm.ListedOffset) {
		if o.Err != nil {
			listErr = o.Err
			return
		}
		if o.Offset > 0 {
			remaining[o.Partition] = o.Offset
		}
	})
	if listErr != nil {
		return fmt.Errorf("list end offsets: %w", listErr)
	}

	restored := 0
	for len(remaining) > 0 {
		fetches := s.client.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("restore interrupted: %w", err)
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.log.Error("Fetch failed", "partition", partition, "error", err)
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			s.apply(rec)
			restored++
			if end, ok := remaining[rec.Partition]; ok && rec.Offset+1 >= end {
				delete(remaining, rec.Partition)
			}
		})
	}

	s.log.Info("Restored next groups", "records", restored)
	return nil
}

func (s *Store) consume(ctx context.Context) {
	defer close(s.done)
	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.log.Error("Fetch failed", "partition", partition, "error", err)
		})
		fetches.EachRecord(s.apply)
	}
}

func (s *Store) apply(rec *kgo.Record) {
	c, err := decode(rec)
	if err != nil {
		s.log.Error("Skipping undecodable record", "offset", rec.Offset, "error", err)
		return
	}
	if c.origin == s.origin {
		return
	}

	if c.group == nil {
		_, _, err = s.local.RemoveNextGroup(c.nextID)
	} else {
		err = s.local.PutNextGroup(c.nextID, c.group)
	}
	if err != nil {
		s.log.Error("Failed to apply change", "next_id", c.nextID, "error", err)
	}
}

func (s *Store) PutNextGroup(nextID int, group kobjective.NextGroup) error {
	if err := s.local.PutNextGroup(nextID, group); err != nil {
		return fmt.Errorf("set in inner store: %w", err)
	}
	if err := s.produce(change{nextID: nextID, group: group, origin: s.origin}); err != nil {
		return fmt.Errorf("log change: %w", err)
	}
	return nil
}

func (s *Store) RemoveNextGroup(nextID int) (kobjective.NextGroup, bool, error) {
	group, ok, err := s.local.RemoveNextGroup(nextID)
	if err != nil || !ok {
		return group, ok, err
	}
	if err := s.produce(change{nextID: nextID, origin: s.origin}); err != nil {
		return group, ok, fmt.Errorf("log tombstone: %w", err)
	}
	return group, ok, nil
}

func (s *Store) produce(c change) error {
	rec, err := encode(c)
	if err != nil {
		return err
	}
	return s.client.ProduceSync(context.Background(), rec).FirstErr()
}

func (s *Store) NextGroup(nextID int) (kobjective.NextGroup, bool) {
	return s.local.NextGroup(nextID)
}

func (s *Store) NextGroups() map[int]kobjective.NextGroup {
	return s.local.NextGroups()
}

func (s *Store) AllocateNextID() (int, error) {
	return s.local.AllocateNextID()
}

func (s *Store) Subscribe(fn func(kstore.ObjectiveEvent)) func() {
	return s.local.Subscribe(fn)
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		s.client.Close()
		err = s.local.Close()
	})
	return err
}

// change is one next-group write; a nil group is a tombstone.
type change struct {
	nextID int
	group  kobjective.NextGroup
	origin string
}

func encode(c change) (*kgo.Record, error) {
	key, err := kserde.Int32.Serializer(int32(c.nextID))
	if err != nil {
		return nil, fmt.Errorf("encode key: %w", err)
	}
	return &kgo.Record{
		Key:     key,
		Value:   c.group,
		Headers: []kgo.RecordHeader{{Key: originHeader, Value: []byte(c.origin)}},
	}, nil
}

func decode(rec *kgo.Record) (change, error) {
	id, err := kserde.Int32.Deserializer(rec.Key)
	if err != nil {
		return change{}, fmt.Errorf("decode key: %w", err)
	}
	c := change{nextID: int(id)}
	if rec.Value != nil {
		c.group = kobjective.NextGroup(rec.Value)
	}
	for _, h := range rec.Headers {
		if h.Key == originHeader {
			c.origin = string(h.Value)
		}
	}
	return c, nil
}
