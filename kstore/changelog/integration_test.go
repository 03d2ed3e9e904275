//go:build integration

package changelog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/flowcore/kobjective"
	"github.com/birdayz/flowcore/kstore"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
)

func TestReplication(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping changelog integration test in short mode")
	}

	ctx := context.Background()

	redpandaContainer, err := redpanda.RunContainer(ctx,
		testcontainers.WithImage("docker.redpanda.com/redpandadata/redpanda:v23.3.3"),
		redpanda.WithAutoCreateTopics(),
	)
	assert.NoError(t, err)
	defer redpandaContainer.Terminate(ctx)

	seed, err := redpandaContainer.KafkaSeedBroker(ctx)
	assert.NoError(t, err)
	brokers := []string{seed}
	topic := fmt.Sprintf("next-groups-%d", time.Now().UnixNano())

	a, err := New(ctx, brokers, topic, kstore.NewMemoryObjectiveStore())
	assert.NoError(t, err)
	defer a.Close()
	assert.NoError(t, a.Start(ctx))

	assert.NoError(t, a.PutNextGroup(1, kobjective.NextGroup("one")))
	assert.NoError(t, a.PutNextGroup(2, kobjective.NextGroup("two")))
	_, _, err = a.RemoveNextGroup(2)
	assert.NoError(t, err)

	t.Run("new instance restores state", func(t *testing.T) {
		b, err := New(ctx, brokers, topic, kstore.NewMemoryObjectiveStore())
		assert.NoError(t, err)
		defer b.Close()
		assert.NoError(t, b.Start(ctx))

		g, ok := b.NextGroup(1)
		assert.True(t, ok)
		assert.Equal(t, kobjective.NextGroup("one"), g)
		_, ok = b.NextGroup(2)
		assert.False(t, ok)
	})

	t.Run("peer writes are announced", func(t *testing.T) {
		b, err := New(ctx, brokers, topic, kstore.NewMemoryObjectiveStore())
		assert.NoError(t, err)
		defer b.Close()
		assert.NoError(t, b.Start(ctx))

		added := make(chan int, 1)
		b.Subscribe(func(ev kstore.ObjectiveEvent) {
			if ev.Type == kstore.ObjectiveAdded {
				added <- ev.NextID
			}
		})

		assert.NoError(t, a.PutNextGroup(7, kobjective.NextGroup("seven")))

		select {
		case id := <-added:
			assert.Equal(t, 7, id)
		case <-time.After(30 * time.Second):
			t.Fatal("timeout waiting for replicated next group")
		}
	})
}
