package flowrule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/flowcore/internal/mocks"
	"github.com/birdayz/flowcore/internal/simdevice"
	"github.com/birdayz/flowcore/kflow"
	"github.com/birdayz/flowcore/kstore"
	"go.uber.org/mock/gomock"
)

const (
	devA = kflow.DeviceID("of:a")
	devB = kflow.DeviceID("of:b")
)

func rule(device kflow.DeviceID, prio int, app kflow.AppID) kflow.FlowRule {
	return kflow.FlowRule{
		DeviceID:  device,
		AppID:     app,
		Priority:  prio,
		Selector:  kflow.NewSelector(kflow.Criterion{Type: "IN_PORT", Value: "1"}),
		Treatment: kflow.Treatment{kflow.Output("2")},
	}
}

type recorder struct {
	mu     sync.Mutex
	events []kflow.FlowRuleEvent
}

func (r *recorder) record(ev kflow.FlowRuleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(typ kflow.FlowRuleEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type result struct {
	ok     bool
	failed kflow.FlowRuleOperations
}

func opsContext() (kflow.OperationsContext, chan result) {
	ch := make(chan result, 2)
	return kflow.OperationsContextFuncs{
		Success: func(kflow.FlowRuleOperations) { ch <- result{ok: true} },
		Error:   func(failed kflow.FlowRuleOperations) { ch <- result{failed: failed} },
	}, ch
}

func await(t *testing.T, ch chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for operations")
		return result{}
	}
}

// assertQuiet fails if another terminal callback shows up.
func assertQuiet(t *testing.T, ch chan result) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("second terminal callback: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newManager(t *testing.T) (*Manager, *simdevice.Network, *kstore.MemoryFlowRuleStore, *recorder) {
	t.Helper()
	net := simdevice.NewNetwork()
	net.Add(devA)
	net.Add(devB)
	store := kstore.NewMemoryFlowRuleStore()
	m := New(Config{Store: store, Drivers: net, DeviceWorkers: 4, OperationWorkers: 4})
	rec := &recorder{}
	m.AddListener(rec.record)
	m.Start()
	t.Cleanup(func() {
		assert.NoError(t, m.Stop(time.Second))
	})
	return m, net, store, rec
}

func TestApplyInstallsOnDevices(t *testing.T) {
	m, net, store, rec := newManager(t)
	ctx, done := opsContext()

	a1, b1, a2 := rule(devA, 1, "fwd"), rule(devB, 1, "fwd"), rule(devA, 2, "fwd")
	m.Apply(kflow.NewOperations().Add(a1).Add(b1).NewStage().Add(a2).Build(ctx))

	res := await(t, done)
	assert.True(t, res.ok)

	da, _ := net.Device(devA)
	db, _ := net.Device(devB)
	assert.True(t, da.Has(a1))
	assert.True(t, da.Has(a2))
	assert.True(t, db.Has(b1))

	assert.Equal(t, 3, m.FlowRuleCount())
	assert.Equal(t, 3, rec.count(kflow.RuleAddRequested))
	e, _ := store.FlowEntry(a1)
	assert.Equal(t, kflow.StatePendingAdd, e.State)

	t.Run("push confirms entries", func(t *testing.T) {
		reported, err := da.FlowEntries(context.Background())
		assert.NoError(t, err)
		assert.NoError(t, m.PushFlowMetrics(context.Background(), devA, reported))

		e, _ := store.FlowEntry(a1)
		assert.Equal(t, kflow.StateAdded, e.State)
		assert.Equal(t, 2, rec.count(kflow.RuleAdded))
	})
}

func TestRejectedRuleFailsSubmission(t *testing.T) {
	m, net, store, _ := newManager(t)

	good, bad := rule(devA, 1, "fwd"), rule(devA, 2, "fwd")
	da, _ := net.Device(devA)
	da.Reject(bad)

	ctx, done := opsContext()
	m.Apply(kflow.NewOperations().Add(good).Add(bad).Build(ctx))

	res := await(t, done)
	assert.False(t, res.ok)
	assert.Equal(t, []kflow.FlowRuleOperation{{Type: kflow.OpAdd, Rule: bad}}, res.failed.Stages[0])

	e, _ := store.FlowEntry(bad)
	assert.Equal(t, kflow.StateFailed, e.State)
	e, _ = store.FlowEntry(good)
	assert.Equal(t, kflow.StatePendingAdd, e.State)
}

func TestUnknownDeviceFailsBatch(t *testing.T) {
	m, _, _, _ := newManager(t)

	ghost := rule("of:ghost", 1, "fwd")
	ok := rule(devA, 1, "fwd")
	ctx, done := opsContext()
	m.Apply(kflow.NewOperations().Add(ghost).Add(ok).Build(ctx))

	res := await(t, done)
	assert.False(t, res.ok)
	assert.Equal(t, 1, len(res.failed.Stages[0]))
	assert.Equal(t, ghost.ID(), res.failed.Stages[0][0].Rule.ID())
}

func TestUnreachableDeviceFailsAllRules(t *testing.T) {
	m, net, _, _ := newManager(t)
	da, _ := net.Device(devA)
	da.SetReachable(false)

	ctx, done := opsContext()
	m.Apply(kflow.NewOperations().Add(rule(devA, 1, "fwd")).Add(rule(devA, 2, "fwd")).Build(ctx))

	res := await(t, done)
	assert.False(t, res.ok)
	assert.Equal(t, 2, len(res.failed.Stages[0]))
}

func TestRemoveUnknownRuleSucceeds(t *testing.T) {
	m, _, _, rec := newManager(t)

	ctx, done := opsContext()
	m.Apply(kflow.NewOperations().Remove(rule(devA, 1, "fwd")).Build(ctx))

	assert.True(t, await(t, done).ok)
	assert.Equal(t, 0, rec.count(kflow.RuleRemoveRequested))
}

func TestFlowRemoved(t *testing.T) {
	m, net, store, rec := newManager(t)
	da, _ := net.Device(devA)

	keep, drop := rule(devA, 1, "fwd"), rule(devA, 2, "fwd")
	ctx, done := opsContext()
	m.Apply(kflow.NewOperations().Add(keep).Add(drop).Build(ctx))
	assert.True(t, await(t, done).ok)

	t.Run("wanted rule is reinstalled", func(t *testing.T) {
		da.Drop(keep)
		m.FlowRemoved(kflow.FlowEntry{Rule: keep})
		eventually(t, func() bool { return da.Has(keep) })
	})

	t.Run("rule on its way out is dropped", func(t *testing.T) {
		store.MarkPendingRemove(drop)
		m.FlowRemoved(kflow.FlowEntry{Rule: drop})
		_, ok := store.FlowEntry(drop)
		assert.False(t, ok)
		assert.Equal(t, 1, rec.count(kflow.RuleRemoved))
	})
}

func TestPurge(t *testing.T) {
	m, net, _, _ := newManager(t)
	da, _ := net.Device(devA)

	fwd, other := rule(devA, 1, "fwd"), rule(devA, 2, "other")
	ctx, done := opsContext()
	m.Apply(kflow.NewOperations().Add(fwd).Add(other).Add(rule(devB, 1, "fwd")).Build(ctx))
	assert.True(t, await(t, done).ok)

	t.Run("by app on one device", func(t *testing.T) {
		m.PurgeFlowRules(devA, "fwd")
		eventually(t, func() bool { return !da.Has(fwd) })
		assert.True(t, da.Has(other))
		assert.Equal(t, 2, len(m.FlowRulesByID("fwd")))
	})

	t.Run("device", func(t *testing.T) {
		m.PurgeDevice(devA)
		assert.Equal(t, 0, len(m.FlowEntries(devA)))
		assert.Equal(t, 1, m.FlowRuleCount())
	})
}

func TestRemoveListener(t *testing.T) {
	m, _, _, _ := newManager(t)
	rec := &recorder{}
	id := m.AddListener(rec.record)
	m.RemoveListener(id)

	ctx, done := opsContext()
	m.Apply(kflow.NewOperations().Add(rule(devA, 1, "fwd")).Build(ctx))
	assert.True(t, await(t, done).ok)
	assert.Equal(t, 0, rec.count(kflow.RuleAddRequested))
}

type drivers map[kflow.DeviceID]kflow.Programmable

func (d drivers) Programmable(id kflow.DeviceID) (kflow.Programmable, bool) {
	p, ok := d[id]
	return p, ok
}

func newMockedManager(t *testing.T, prog kflow.Programmable) (*Manager, *kstore.MemoryFlowRuleStore) {
	t.Helper()
	store := kstore.NewMemoryFlowRuleStore()
	m := New(Config{Store: store, Drivers: drivers{devA: prog}, DeviceWorkers: 2, OperationWorkers: 2})
	m.Start()
	t.Cleanup(func() {
		assert.NoError(t, m.Stop(time.Second))
	})
	return m, store
}

// seed installs r through m so that later removals find it stored.
func seed(t *testing.T, m *Manager, prog *mocks.MockProgrammable, r kflow.FlowRule) {
	t.Helper()
	prog.EXPECT().ApplyFlowRules(gomock.Any(), []kflow.FlowRule{r}).Return([]kflow.FlowRule{r}, nil)
	ctx, done := opsContext()
	m.Apply(kflow.NewOperations().Add(r).Build(ctx))
	assert.True(t, await(t, done).ok)
}

func TestPanickingDriverFailsSubmissionOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	prog := mocks.NewMockProgrammable(ctrl)
	m, store := newMockedManager(t, prog)

	first, second := rule(devA, 1, "fwd"), rule(devA, 2, "fwd")
	seed(t, m, prog, first)
	gomock.InOrder(
		prog.EXPECT().RemoveFlowRules(gomock.Any(), []kflow.FlowRule{first}).Return([]kflow.FlowRule{first}, nil),
		prog.EXPECT().ApplyFlowRules(gomock.Any(), []kflow.FlowRule{second}).DoAndReturn(
			func(context.Context, []kflow.FlowRule) ([]kflow.FlowRule, error) {
				panic("driver bug")
			}),
	)

	ctx, done := opsContext()
	m.Apply(kflow.NewOperations().Remove(first).Add(second).Build(ctx))

	res := await(t, done)
	assert.False(t, res.ok)
	assert.Equal(t, []kflow.FlowRuleOperation{{Type: kflow.OpAdd, Rule: second}}, res.failed.Stages[0])
	assertQuiet(t, done)

	e, _ := store.FlowEntry(second)
	assert.Equal(t, kflow.StateFailed, e.State)
	assert.Equal(t, 0, m.processor.Pending())

	t.Run("later submissions still complete", func(t *testing.T) {
		prog.EXPECT().ApplyFlowRules(gomock.Any(), []kflow.FlowRule{second}).Return([]kflow.FlowRule{second}, nil)

		ctx, done := opsContext()
		m.Apply(kflow.NewOperations().Add(second).Build(ctx))
		assert.True(t, await(t, done).ok)
		assertQuiet(t, done)
	})
}

func TestFailingDriverFailsSubmissionOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	prog := mocks.NewMockProgrammable(ctrl)
	m, _ := newMockedManager(t, prog)

	a1, a2 := rule(devA, 1, "fwd"), rule(devA, 2, "fwd")
	prog.EXPECT().ApplyFlowRules(gomock.Any(), gomock.Any()).Return(nil, context.DeadlineExceeded)

	ctx, done := opsContext()
	m.Apply(kflow.NewOperations().Add(a1).Add(a2).Build(ctx))

	res := await(t, done)
	assert.False(t, res.ok)
	assert.Equal(t, 2, len(res.failed.Stages[0]))
	assertQuiet(t, done)
}

func TestBatchRunsInOperationOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	prog := mocks.NewMockProgrammable(ctrl)
	m, _ := newMockedManager(t, prog)

	old, r := rule(devA, 1, "fwd"), rule(devA, 2, "fwd")
	seed(t, m, prog, old)
	gomock.InOrder(
		prog.EXPECT().RemoveFlowRules(gomock.Any(), []kflow.FlowRule{old}).Return([]kflow.FlowRule{old}, nil),
		prog.EXPECT().ApplyFlowRules(gomock.Any(), []kflow.FlowRule{r}).Return([]kflow.FlowRule{r}, nil),
		prog.EXPECT().RemoveFlowRules(gomock.Any(), []kflow.FlowRule{r}).Return(nil, nil),
	)

	ctx, done := opsContext()
	m.Apply(kflow.NewOperations().Remove(old).Add(r).Remove(r).Build(ctx))

	res := await(t, done)
	assert.False(t, res.ok)
	assert.Equal(t, []kflow.FlowRuleOperation{{Type: kflow.OpRemove, Rule: r}}, res.failed.Stages[0])
}
