package changelog

import (
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/flowcore/kobjective"
	"github.com/birdayz/flowcore/kstore"
	flowlog "github.com/birdayz/flowcore/pkg/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestRecordCodec(t *testing.T) {
	t.Run("group", func(t *testing.T) {
		rec, err := encode(change{nextID: 12, group: kobjective.NextGroup(`{"a":1}`), origin: "me"})
		assert.NoError(t, err)
		assert.Equal(t, []byte{0, 0, 0, 12}, rec.Key)

		c, err := decode(rec)
		assert.NoError(t, err)
		assert.Equal(t, 12, c.nextID)
		assert.Equal(t, kobjective.NextGroup(`{"a":1}`), c.group)
		assert.Equal(t, "me", c.origin)
	})

	t.Run("tombstone", func(t *testing.T) {
		rec, err := encode(change{nextID: 3, origin: "me"})
		assert.NoError(t, err)
		assert.Zero(t, rec.Value)

		c, err := decode(rec)
		assert.NoError(t, err)
		assert.Zero(t, c.group)
	})

	t.Run("bad key", func(t *testing.T) {
		_, err := decode(&kgo.Record{Key: []byte("x")})
		assert.Error(t, err)
	})
}

func TestApplySkipsOwnChanges(t *testing.T) {
	local := kstore.NewMemoryObjectiveStore()
	s := &Store{log: flowlog.Nop(), local: local, origin: "me"}

	var events []kstore.ObjectiveEvent
	local.Subscribe(func(ev kstore.ObjectiveEvent) { events = append(events, ev) })

	own, _ := encode(change{nextID: 1, group: kobjective.NextGroup("x"), origin: "me"})
	s.apply(own)
	_, ok := local.NextGroup(1)
	assert.False(t, ok)

	remote, _ := encode(change{nextID: 1, group: kobjective.NextGroup("x"), origin: "peer"})
	s.apply(remote)
	g, ok := local.NextGroup(1)
	assert.True(t, ok)
	assert.Equal(t, kobjective.NextGroup("x"), g)

	tomb, _ := encode(change{nextID: 1, origin: "peer"})
	s.apply(tomb)
	_, ok = local.NextGroup(1)
	assert.False(t, ok)

	assert.Equal(t, []kstore.ObjectiveEvent{
		{Type: kstore.ObjectiveAdded, NextID: 1},
		{Type: kstore.ObjectiveRemoved, NextID: 1},
	}, events)
}
