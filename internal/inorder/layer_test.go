package inorder

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/flowcore/internal/metrics"
	"github.com/birdayz/flowcore/kflow"
	"github.com/birdayz/flowcore/kobjective"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const device = kflow.DeviceID("of:1")

// fakeDispatcher hands dispatched objectives to the test, which completes
// them by hand.
type fakeDispatcher struct {
	submitted chan kobjective.Objective

	mu        sync.Mutex
	cancelled map[int]kobjective.Error
	resubmit  func(kflow.DeviceID, kobjective.Objective)
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		submitted: make(chan kobjective.Objective, 16),
		cancelled: map[int]kobjective.Error{},
	}
}

func (d *fakeDispatcher) Submit(_ kflow.DeviceID, obj kobjective.Objective) {
	d.submitted <- obj
}

func (d *fakeDispatcher) CancelPending(nextID int, err kobjective.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled[nextID] = err
}

func (d *fakeDispatcher) SetResubmitter(fn func(kflow.DeviceID, kobjective.Objective)) {
	d.resubmit = fn
}

func (d *fakeDispatcher) next(t *testing.T) kobjective.Objective {
	t.Helper()
	select {
	case o := <-d.submitted:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dispatch")
		return nil
	}
}

func (d *fakeDispatcher) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case o := <-d.submitted:
		t.Fatalf("unexpected dispatch of %s", o)
	case <-time.After(50 * time.Millisecond):
	}
}

// log records caller callbacks in order.
type log struct {
	mu     sync.Mutex
	events []string
}

func (l *log) ctx(name string) kobjective.Context {
	return kobjective.ContextFuncs{
		Success: func(kobjective.Objective) { l.add(name + ":ok") },
		Error:   func(_ kobjective.Objective, err kobjective.Error) { l.add(name + ":" + err.Error()) },
	}
}

func (l *log) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, s)
}

// await polls until the recorded events equal want.
func (l *log) await(t *testing.T, want []string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if slices.Equal(l.get(), want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, want, l.get())
}

func (l *log) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func fwd(prio int, port string, ctx kobjective.Context) *kobjective.Forwarding {
	return &kobjective.Forwarding{
		Common:    kobjective.Common{AppID: "fwd", Priority: prio, Context: ctx},
		Selector:  kflow.NewSelector(kflow.Criterion{Type: "IP_DST", Value: "10.0.0.1/32"}),
		Treatment: kflow.Treatment{kflow.Output(port)},
	}
}

func port(o kobjective.Objective) string {
	return o.(*kobjective.Forwarding).Treatment[0].Value
}

func TestSameLaneIsSequential(t *testing.T) {
	d := newFakeDispatcher()
	l := New(Config{Dispatcher: d})
	calls := &log{}

	l.Forward(device, fwd(10, "1", calls.ctx("first")))
	l.Forward(device, fwd(10, "2", calls.ctx("second")))
	l.Forward(device, fwd(10, "3", calls.ctx("third")))

	first := d.next(t)
	assert.Equal(t, "1", port(first))
	d.assertIdle(t)

	kobjective.NotifySuccess(first)
	second := d.next(t)
	assert.Equal(t, "2", port(second))
	assert.Equal(t, []string{"first:ok"}, calls.get())
	d.assertIdle(t)

	kobjective.NotifyError(second, kobjective.ErrFlowInstallationFailed)
	third := d.next(t)
	assert.Equal(t, "3", port(third))

	kobjective.NotifySuccess(third)
	assert.Equal(t, []string{"first:ok", "second:FLOWINSTALLATIONFAILED", "third:ok"}, calls.get())
	assert.Equal(t, 0, len(l.LaneSnapshot()))
}

func TestDistinctLanesRunConcurrently(t *testing.T) {
	d := newFakeDispatcher()
	l := New(Config{Dispatcher: d})

	l.Forward(device, fwd(10, "1", nil))
	l.Forward(device, fwd(20, "2", nil))
	l.Forward("of:2", fwd(10, "3", nil))
	l.Next(device, &kobjective.Next{Common: kobjective.Common{ID: 4}})
	l.Filter(device, &kobjective.Filtering{Key: kflow.Criterion{Type: "IN_PORT", Value: "1"}})

	for i := 0; i < 5; i++ {
		d.next(t)
	}

	lanes := l.LaneSnapshot()
	assert.Equal(t, 5, len(lanes))
	assert.Equal(t, kflow.DeviceID("of:1"), lanes[0].Device)
	assert.Equal(t, kobjective.KindFiltering, lanes[0].Kind)
	assert.Equal(t, kflow.DeviceID("of:2"), lanes[4].Device)
}

func TestLaneHeadTimesOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newFakeDispatcher()
	m := metrics.Nop()
	l := New(Config{Dispatcher: d, Clock: clock, Metrics: m})
	calls := &log{}

	l.Forward(device, fwd(10, "1", calls.ctx("first")))
	l.Forward(device, fwd(10, "2", calls.ctx("second")))
	first := d.next(t)

	clock.BlockUntil(1)
	clock.Advance(DefaultTimeout)

	second := d.next(t)
	assert.Equal(t, "2", port(second))
	calls.await(t, []string{"first:INSTALLATIONTIMEOUT"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LaneTimeouts))

	// The late outcome of the timed out head is dropped.
	kobjective.NotifySuccess(first)
	assert.Equal(t, []string{"first:INSTALLATIONTIMEOUT"}, calls.get())
	d.assertIdle(t)

	kobjective.NotifySuccess(second)
	assert.Equal(t, []string{"first:INSTALLATIONTIMEOUT", "second:ok"}, calls.get())
}

func TestFailedNextCancelsDependents(t *testing.T) {
	d := newFakeDispatcher()
	l := New(Config{Dispatcher: d})
	calls := &log{}

	l.Next(device, &kobjective.Next{Common: kobjective.Common{ID: 8, Context: calls.ctx("next")}})
	n := d.next(t)
	kobjective.NotifyError(n, kobjective.ErrGroupInstallationFailed)

	d.mu.Lock()
	assert.Equal(t, map[int]kobjective.Error{8: kobjective.ErrGroupInstallationFailed}, d.cancelled)
	d.mu.Unlock()
	assert.Equal(t, []string{"next:GROUPINSTALLATIONFAILED"}, calls.get())
}

func TestResubmissionKeepsLaneContext(t *testing.T) {
	d := newFakeDispatcher()
	l := New(Config{Dispatcher: d})
	calls := &log{}

	l.Forward(device, fwd(10, "1", calls.ctx("first")))
	l.Forward(device, fwd(10, "2", calls.ctx("second")))
	first := d.next(t)

	// The dispatcher parked the head and releases it later.
	d.resubmit(device, first)
	again := d.next(t)
	d.assertIdle(t)

	kobjective.NotifySuccess(again)
	assert.Equal(t, "2", port(d.next(t)))
	assert.Equal(t, []string{"first:ok"}, calls.get())
}

func TestClearQueue(t *testing.T) {
	d := newFakeDispatcher()
	l := New(Config{Dispatcher: d})

	l.Forward(device, fwd(10, "1", nil))
	l.Forward(device, fwd(10, "2", nil))
	first := d.next(t)

	l.ClearQueue()
	assert.Equal(t, 0, len(l.LaneSnapshot()))

	kobjective.NotifySuccess(first)
	d.assertIdle(t)

	l.Forward(device, fwd(10, "3", nil))
	assert.Equal(t, "3", port(d.next(t)))
}
