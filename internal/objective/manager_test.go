package objective

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/flowcore/internal/metrics"
	"github.com/birdayz/flowcore/internal/mocks"
	"github.com/birdayz/flowcore/kdevice"
	"github.com/birdayz/flowcore/kflow"
	"github.com/birdayz/flowcore/kobjective"
	"github.com/birdayz/flowcore/kstore"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/mock/gomock"
)

const device = kflow.DeviceID("of:1")

// fakeTranslator succeeds every objective and records the calls.
type fakeTranslator struct {
	mu     sync.Mutex
	calls  []kobjective.Objective
	closed bool
	called chan kobjective.Objective
}

func newFakeTranslator() *fakeTranslator {
	return &fakeTranslator{called: make(chan kobjective.Objective, 256)}
}

func (f *fakeTranslator) Init(kflow.DeviceID, kobjective.TranslatorContext) error { return nil }

func (f *fakeTranslator) record(o kobjective.Objective) {
	f.mu.Lock()
	f.calls = append(f.calls, o)
	f.mu.Unlock()
	f.called <- o
	kobjective.NotifySuccess(o)
}

func (f *fakeTranslator) Filter(o *kobjective.Filtering)   { f.record(o) }
func (f *fakeTranslator) Forward(o *kobjective.Forwarding) { f.record(o) }
func (f *fakeTranslator) Next(o *kobjective.Next)          { f.record(o) }

func (f *fakeTranslator) NextMappings(g kobjective.NextGroup) []string {
	return []string{"group " + string(g)}
}

func (f *fakeTranslator) PurgeAll(kflow.AppID) {}

func (f *fakeTranslator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTranslator) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type provider struct {
	mu    sync.Mutex
	t     kobjective.Translator
	calls []time.Time
	clock clockwork.Clock
}

func (p *provider) NewTranslator(kflow.DeviceID) (kobjective.Translator, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clock != nil {
		p.calls = append(p.calls, p.clock.Now())
	}
	return p.t, p.t != nil
}

func (p *provider) set(t kobjective.Translator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t = t
}

type outcome struct {
	errs      chan kobjective.Error
	successes chan kobjective.Objective
}

func newOutcome() *outcome {
	return &outcome{errs: make(chan kobjective.Error, 16), successes: make(chan kobjective.Objective, 16)}
}

func (o *outcome) ctx() kobjective.Context {
	return kobjective.ContextFuncs{
		Success: func(obj kobjective.Objective) { o.successes <- obj },
		Error:   func(_ kobjective.Objective, err kobjective.Error) { o.errs <- err },
	}
}

func (o *outcome) expectError(t *testing.T) kobjective.Error {
	t.Helper()
	select {
	case err := <-o.errs:
		return err
	case <-o.successes:
		t.Fatal("unexpected success")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for objective error")
	}
	return kobjective.ErrUnknown
}

func (o *outcome) expectSuccess(t *testing.T) {
	t.Helper()
	select {
	case <-o.successes:
	case err := <-o.errs:
		t.Fatalf("unexpected error %s", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for objective success")
	}
}

func newManager(t *testing.T, p kobjective.TranslatorProvider, clock clockwork.Clock) (*Manager, *kstore.LocalObjectiveStore, *metrics.Metrics) {
	t.Helper()
	store := kstore.NewMemoryObjectiveStore()
	m := metrics.Nop()
	mgr := New(Config{Store: store, Translators: p, Clock: clock, Metrics: m})
	mgr.Start()
	t.Cleanup(func() { assert.NoError(t, mgr.Stop(time.Second)) })
	return mgr, store, m
}

func forwarding(next int, ctx kobjective.Context) *kobjective.Forwarding {
	return &kobjective.Forwarding{
		Common:   kobjective.Common{AppID: "fwd", Priority: 10, Context: ctx},
		Selector: kflow.NewSelector(kflow.Criterion{Type: "ETH_DST", Value: "00:00:00:00:00:01"}),
		NextID:   kobjective.IntPtr(next),
	}
}

func TestNoTranslatorRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := &provider{clock: clock}
	mgr, _, m := newManager(t, p, clock)

	out := newOutcome()
	mgr.Filter(device, &kobjective.Filtering{Common: kobjective.Common{Context: out.ctx()}})

	for i := 1; i < DefaultRetryAttempts; i++ {
		clock.BlockUntil(1)
		clock.Advance(DefaultRetryDelay)
	}

	assert.Equal(t, kobjective.ErrNoPipeliner, out.expectError(t))

	p.mu.Lock()
	calls := p.calls
	p.mu.Unlock()
	assert.Equal(t, DefaultRetryAttempts, len(calls))
	for i := 1; i < len(calls); i++ {
		assert.Equal(t, DefaultRetryDelay, calls[i].Sub(calls[i-1]))
	}

	select {
	case err := <-out.errs:
		t.Fatalf("second terminal callback %s", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, float64(DefaultRetryAttempts), testutil.ToFloat64(m.InstallAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ObjectiveFailures.WithLabelValues("NOPIPELINER")))
}

func TestTranslatorAppearsDuringRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := &provider{}
	mgr, _, _ := newManager(t, p, clock)

	out := newOutcome()
	mgr.Filter(device, &kobjective.Filtering{Common: kobjective.Common{Context: out.ctx()}})

	clock.BlockUntil(1)
	p.set(newFakeTranslator())
	clock.Advance(DefaultRetryDelay)

	out.expectSuccess(t)
}

func TestForwardWaitsForNextGroup(t *testing.T) {
	ctrl := gomock.NewController(t)
	translator := mocks.NewMockTranslator(ctrl)
	mgr, store, m := newManager(t, &provider{t: translator}, nil)

	var groupStored atomic.Bool
	forwarded := make(chan struct{})
	translator.EXPECT().Init(device, gomock.Any()).Return(nil)
	translator.EXPECT().Forward(gomock.Any()).Do(func(o *kobjective.Forwarding) {
		assert.True(t, groupStored.Load(), "forwarded before next group existed")
		close(forwarded)
	})

	mgr.Forward(device, forwarding(7, nil))
	assert.Equal(t, []string{fmt.Sprintf("NextId 7: %s on %s", forwarding(7, nil), device)}, mgr.PendingObjectives())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PendingObjectives))

	time.Sleep(20 * time.Millisecond)
	groupStored.Store(true)
	assert.NoError(t, store.PutNextGroup(7, kobjective.NextGroup("g7")))

	select {
	case <-forwarded:
	case <-time.After(5 * time.Second):
		t.Fatal("forwarding objective never dispatched")
	}
	assert.Equal(t, 0, len(mgr.PendingObjectives()))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PendingObjectives))
}

func TestForwardFastPath(t *testing.T) {
	ft := newFakeTranslator()
	mgr, store, _ := newManager(t, &provider{t: ft}, nil)
	assert.NoError(t, store.PutNextGroup(3, kobjective.NextGroup("g3")))

	out := newOutcome()
	mgr.Forward(device, forwarding(3, out.ctx()))
	out.expectSuccess(t)
}

func TestParkRacesWithGroupCreation(t *testing.T) {
	ft := newFakeTranslator()
	mgr, store, _ := newManager(t, &provider{t: ft}, nil)

	const n = 100
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			mgr.Forward(device, forwarding(i, nil))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, store.PutNextGroup(i, kobjective.NextGroup("g")))
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		select {
		case <-ft.called:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d objectives dispatched", i, n)
		}
	}
	assert.Equal(t, 0, len(mgr.PendingObjectives()))
}

func TestNextModifyWaitsForGroup(t *testing.T) {
	ft := newFakeTranslator()
	mgr, store, _ := newManager(t, &provider{t: ft}, nil)

	out := newOutcome()
	mgr.Next(device, &kobjective.Next{Common: kobjective.Common{ID: 9, Op: kobjective.OpAddToExisting, Context: out.ctx()}})
	assert.Equal(t, 1, len(mgr.PendingObjectives()))

	assert.NoError(t, store.PutNextGroup(9, kobjective.NextGroup("g9")))
	out.expectSuccess(t)
}

func TestCancelPending(t *testing.T) {
	mgr, _, _ := newManager(t, &provider{t: newFakeTranslator()}, nil)

	out := newOutcome()
	mgr.Forward(device, forwarding(5, out.ctx()))
	mgr.Forward(device, forwarding(5, out.ctx()))

	mgr.CancelPending(5, kobjective.ErrGroupMissing)
	assert.Equal(t, kobjective.ErrGroupMissing, out.expectError(t))
	assert.Equal(t, kobjective.ErrGroupMissing, out.expectError(t))
	assert.Equal(t, 0, len(mgr.PendingObjectives()))
}

func TestResubmitter(t *testing.T) {
	mgr, store, _ := newManager(t, &provider{t: newFakeTranslator()}, nil)

	got := make(chan kobjective.Objective, 1)
	mgr.SetResubmitter(func(_ kflow.DeviceID, o kobjective.Objective) { got <- o })

	fwd := forwarding(11, nil)
	mgr.Forward(device, fwd)
	assert.NoError(t, store.PutNextGroup(11, kobjective.NextGroup("g")))

	select {
	case o := <-got:
		assert.Equal(t, kobjective.Objective(fwd), o)
	case <-time.After(5 * time.Second):
		t.Fatal("objective not resubmitted")
	}
}

func TestDeviceLifecycle(t *testing.T) {
	ft := newFakeTranslator()
	p := &provider{t: ft, clock: clockwork.NewRealClock()}
	mgr, _, _ := newManager(t, p, nil)

	t.Run("available device warms the cache", func(t *testing.T) {
		mgr.HandleDeviceEvent(kdevice.Event{Type: kdevice.DeviceAdded, DeviceID: device, Available: true})
		out := newOutcome()
		mgr.Filter(device, &kobjective.Filtering{Common: kobjective.Common{Context: out.ctx()}})
		out.expectSuccess(t)

		p.mu.Lock()
		assert.Equal(t, 1, len(p.calls))
		p.mu.Unlock()
	})

	t.Run("removal evicts and closes", func(t *testing.T) {
		mgr.HandleDeviceEvent(kdevice.Event{Type: kdevice.DeviceRemoved, DeviceID: device})
		assert.True(t, ft.isClosed())

		out := newOutcome()
		mgr.Filter(device, &kobjective.Filtering{Common: kobjective.Common{Context: out.ctx()}})
		out.expectSuccess(t)

		p.mu.Lock()
		assert.Equal(t, 2, len(p.calls))
		p.mu.Unlock()
	})
}

func TestNextMappings(t *testing.T) {
	mgr, store, _ := newManager(t, &provider{t: newFakeTranslator()}, nil)

	out := newOutcome()
	mgr.Next(device, &kobjective.Next{Common: kobjective.Common{ID: 1, Context: out.ctx()}})
	out.expectSuccess(t)

	id, err := mgr.AllocateNextID()
	assert.NoError(t, err)
	assert.NoError(t, store.PutNextGroup(1, kobjective.NextGroup("a")))
	assert.NoError(t, store.PutNextGroup(id+100, kobjective.NextGroup("b")))

	assert.Equal(t, []string{
		"NextId 1: of:1",
		"  group a",
		fmt.Sprintf("NextId %d: device unknown", id+100),
	}, mgr.NextMappings())
}

func TestSubmitAfterStop(t *testing.T) {
	store := kstore.NewMemoryObjectiveStore()
	mgr := New(Config{Store: store, Translators: &provider{t: newFakeTranslator()}})
	mgr.Start()
	assert.NoError(t, mgr.Stop(time.Second))

	out := newOutcome()
	mgr.Submit(device, &kobjective.Filtering{Common: kobjective.Common{Context: out.ctx()}})
	assert.Equal(t, kobjective.ErrUnknown, out.expectError(t))
}

func (o *outcome) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case err := <-o.errs:
		t.Fatalf("second terminal callback %s", err)
	case <-o.successes:
		t.Fatal("second terminal callback")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTranslatorOutcomeIsReportedOnce(t *testing.T) {
	t.Run("panic", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		translator := mocks.NewMockTranslator(ctrl)
		translator.EXPECT().Init(device, gomock.Any()).Return(nil)
		translator.EXPECT().Forward(gomock.Any()).Do(func(*kobjective.Forwarding) {
			panic("translator bug")
		})
		mgr, store, m := newManager(t, &provider{t: translator}, nil)
		assert.NoError(t, store.PutNextGroup(3, kobjective.NextGroup("g3")))

		out := newOutcome()
		mgr.Forward(device, forwarding(3, out.ctx()))
		assert.Equal(t, kobjective.ErrUnknown, out.expectError(t))
		out.assertQuiet(t)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ObjectiveFailures.WithLabelValues("UNKNOWN")))
	})

	t.Run("panic after success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		translator := mocks.NewMockTranslator(ctrl)
		translator.EXPECT().Init(device, gomock.Any()).Return(nil)
		translator.EXPECT().Filter(gomock.Any()).Do(func(o *kobjective.Filtering) {
			kobjective.NotifySuccess(o)
			panic("translator bug")
		})
		mgr, _, _ := newManager(t, &provider{t: translator}, nil)

		out := newOutcome()
		mgr.Filter(device, &kobjective.Filtering{Common: kobjective.Common{Context: out.ctx()}})
		out.expectSuccess(t)
		out.assertQuiet(t)
	})

	t.Run("error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		translator := mocks.NewMockTranslator(ctrl)
		translator.EXPECT().Init(device, gomock.Any()).Return(nil)
		translator.EXPECT().Next(gomock.Any()).Do(func(o *kobjective.Next) {
			kobjective.NotifyError(o, kobjective.ErrGroupInstallationFailed)
			kobjective.NotifySuccess(o)
		})
		mgr, _, _ := newManager(t, &provider{t: translator}, nil)

		out := newOutcome()
		mgr.Next(device, &kobjective.Next{Common: kobjective.Common{ID: 4, Context: out.ctx()}})
		assert.Equal(t, kobjective.ErrGroupInstallationFailed, out.expectError(t))
		out.assertQuiet(t)
	})
}

func TestRemovedGroupForgetsDevice(t *testing.T) {
	mgr, store, _ := newManager(t, &provider{t: newFakeTranslator()}, nil)

	out := newOutcome()
	mgr.Next(device, &kobjective.Next{Common: kobjective.Common{ID: 2, Context: out.ctx()}})
	out.expectSuccess(t)
	assert.NoError(t, store.PutNextGroup(2, kobjective.NextGroup("g2")))

	mgr.Next(device, &kobjective.Next{Common: kobjective.Common{ID: 2, Op: kobjective.OpRemove, Context: out.ctx()}})
	out.expectSuccess(t)

	_, ok, err := store.RemoveNextGroup(2)
	assert.NoError(t, err)
	assert.True(t, ok)

	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	assert.Equal(t, 0, len(mgr.nextDevices))
}
