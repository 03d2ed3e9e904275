// Package objective dispatches flow objectives to per-device translators.
//
// Translators are created on first use and cached per device. Objectives for
// a device without a translator are retried a bounded number of times before
// failing with NOPIPELINER. Forwarding objectives that reference a next group
// not yet in the objective store are parked until the store announces it.
package objective

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/birdayz/flowcore/internal/metrics"
	"github.com/birdayz/flowcore/internal/pool"
	"github.com/birdayz/flowcore/kdevice"
	"github.com/birdayz/flowcore/kflow"
	"github.com/birdayz/flowcore/kobjective"
	"github.com/birdayz/flowcore/kstore"
	flowlog "github.com/birdayz/flowcore/pkg/log"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultWorkers       = 4
	DefaultRetryAttempts = 5
	DefaultRetryDelay    = time.Second
)

var errNoTranslator = errors.New("no translator bound to device")

type Config struct {
	Log         *slog.Logger
	Store       kstore.ObjectiveStore
	Translators kobjective.TranslatorProvider
	FlowRules   kobjective.FlowRuleService
	Clock       clockwork.Clock
	Metrics     *metrics.Metrics

	Workers int
	// RetryAttempts is the number of installer attempts before NOPIPELINER.
	RetryAttempts int
	RetryDelay    time.Duration
}

// PendingObjective is an objective parked until its next group exists.
type PendingObjective struct {
	DeviceID  kflow.DeviceID
	Objective kobjective.Objective
}

type Manager struct {
	log           *slog.Logger
	store         kstore.ObjectiveStore
	provider      kobjective.TranslatorProvider
	flowRules     kobjective.FlowRuleService
	clock         clockwork.Clock
	metrics       *metrics.Metrics
	retryAttempts int
	retryDelay    time.Duration

	installers *pool.Pool
	inits      singleflight.Group

	mu          sync.RWMutex
	translators map[kflow.DeviceID]kobjective.Translator
	nextDevices map[int]kflow.DeviceID

	pendingMu       sync.Mutex
	pendingForwards map[int][]PendingObjective
	pendingNexts    map[int][]PendingObjective

	resubmitMu sync.RWMutex
	resubmit   func(kflow.DeviceID, kobjective.Objective)

	unsubscribe func()
}

func New(cfg Config) *Manager {
	m := &Manager{
		log:             cfg.Log,
		store:           cfg.Store,
		provider:        cfg.Translators,
		flowRules:       cfg.FlowRules,
		clock:           cfg.Clock,
		metrics:         cfg.Metrics,
		retryAttempts:   cfg.RetryAttempts,
		retryDelay:      cfg.RetryDelay,
		translators:     map[kflow.DeviceID]kobjective.Translator{},
		nextDevices:     map[int]kflow.DeviceID{},
		pendingForwards: map[int][]PendingObjective{},
		pendingNexts:    map[int][]PendingObjective{},
	}
	if m.log == nil {
		m.log = flowlog.Nop()
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.metrics == nil {
		m.metrics = metrics.Nop()
	}
	if m.retryAttempts <= 0 {
		m.retryAttempts = DefaultRetryAttempts
	}
	if m.retryDelay <= 0 {
		m.retryDelay = DefaultRetryDelay
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	m.installers = pool.New("objective-installer", workers, pool.WithLog(m.log), pool.WithMetrics(m.metrics))
	m.resubmit = m.Submit
	return m
}

// Start subscribes to next group changes and starts the installers.
func (m *Manager) Start() {
	m.unsubscribe = m.store.Subscribe(m.onStoreEvent)
	m.installers.Start()
}

// Stop unsubscribes from the store, drains the installers and closes the
// cached translators.
func (m *Manager) Stop(timeout time.Duration) error {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	err := m.installers.Stop(timeout)

	m.mu.Lock()
	translators := m.translators
	m.translators = map[kflow.DeviceID]kobjective.Translator{}
	m.mu.Unlock()

	for _, t := range translators {
		if c, ok := t.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}

// SetResubmitter routes objectives released from the pending maps through
// fn instead of Submit.
func (m *Manager) SetResubmitter(fn func(kflow.DeviceID, kobjective.Objective)) {
	m.resubmitMu.Lock()
	defer m.resubmitMu.Unlock()
	m.resubmit = fn
}

// Submit dispatches obj by kind.
func (m *Manager) Submit(device kflow.DeviceID, obj kobjective.Objective) {
	switch o := obj.(type) {
	case *kobjective.Filtering:
		m.Filter(device, o)
	case *kobjective.Forwarding:
		m.Forward(device, o)
	case *kobjective.Next:
		m.Next(device, o)
	default:
		m.fail(obj, kobjective.ErrUnsupported)
	}
}

func (m *Manager) Filter(device kflow.DeviceID, o *kobjective.Filtering) {
	m.install(device, o, 1)
}

func (m *Manager) Forward(device kflow.DeviceID, o *kobjective.Forwarding) {
	if m.parkForward(device, o) {
		return
	}
	m.install(device, o, 1)
}

func (m *Manager) Next(device kflow.DeviceID, o *kobjective.Next) {
	if o.Op != kobjective.OpRemove {
		m.mu.Lock()
		m.nextDevices[o.ID] = device
		m.mu.Unlock()
	}

	if o.Op != kobjective.OpAdd && m.parkNext(device, o) {
		return
	}
	m.install(device, o, 1)
}

func (m *Manager) parkForward(device kflow.DeviceID, o *kobjective.Forwarding) bool {
	id, ok := o.Next()
	if !ok {
		return false
	}
	return m.park(m.pendingForwards, id, PendingObjective{DeviceID: device, Objective: o})
}

func (m *Manager) parkNext(device kflow.DeviceID, o *kobjective.Next) bool {
	return m.park(m.pendingNexts, o.ID, PendingObjective{DeviceID: device, Objective: o})
}

// park queues p under nextID unless the group already exists. The second
// lookup under pendingMu closes the race with onStoreEvent: a group added
// after it is released from the queue by the store notification.
func (m *Manager) park(pending map[int][]PendingObjective, nextID int, p PendingObjective) bool {
	if _, ok := m.store.NextGroup(nextID); ok {
		return false
	}

	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if _, ok := m.store.NextGroup(nextID); ok {
		return false
	}
	pending[nextID] = append(pending[nextID], p)
	m.metrics.PendingObjectives.Inc()
	m.log.Debug("Waiting for next group", "device", p.DeviceID, "next_id", nextID, "objective", p.Objective)
	return true
}

func (m *Manager) onStoreEvent(ev kstore.ObjectiveEvent) {
	if ev.Type == kstore.ObjectiveRemoved {
		m.mu.Lock()
		delete(m.nextDevices, ev.NextID)
		m.mu.Unlock()
		return
	}

	released := m.release(ev.NextID)
	if len(released) == 0 {
		return
	}
	m.log.Debug("Next group added, resubmitting", "next_id", ev.NextID, "objectives", len(released))

	m.resubmitMu.RLock()
	resubmit := m.resubmit
	m.resubmitMu.RUnlock()
	for _, p := range released {
		resubmit(p.DeviceID, p.Objective)
	}
}

func (m *Manager) release(nextID int) []PendingObjective {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	released := append(m.pendingForwards[nextID], m.pendingNexts[nextID]...)
	delete(m.pendingForwards, nextID)
	delete(m.pendingNexts, nextID)
	m.metrics.PendingObjectives.Sub(float64(len(released)))
	return released
}

// CancelPending fails every objective waiting for nextID with err.
func (m *Manager) CancelPending(nextID int, err kobjective.Error) {
	for _, p := range m.release(nextID) {
		m.log.Debug("Cancelling pending objective", "device", p.DeviceID, "next_id", nextID, "error", err)
		m.fail(p.Objective, err)
	}
}

func (m *Manager) install(device kflow.DeviceID, obj kobjective.Objective, attempt int) {
	err := m.installers.Submit(func() { m.runInstaller(device, obj, attempt) })
	if err != nil {
		m.log.Warn("Cannot schedule objective", "device", device, "objective", obj, "error", err)
		m.fail(obj, kobjective.ErrUnknown)
	}
}

// runInstaller hands obj to the device's translator. A panic fails obj
// with UNKNOWN unless the translator already reported an outcome.
func (m *Manager) runInstaller(device kflow.DeviceID, obj kobjective.Objective, attempt int) {
	log := m.log.With("device", device, "objective", obj, "attempt", attempt)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Objective installer panicked", "panic", r)
			m.fail(obj, kobjective.ErrUnknown)
		}
	}()
	m.metrics.InstallAttempts.Inc()

	t, ok := m.translator(device)
	if ok {
		obj = obj.WithContext(&onceContext{inner: obj.Base().Context})
		dispatch(t, obj)
		return
	}

	if attempt >= m.retryAttempts {
		log.Warn("No translator for device, giving up")
		m.fail(obj, kobjective.ErrNoPipeliner)
		return
	}
	log.Debug("No translator for device yet, retrying", "delay", m.retryDelay)
	m.clock.AfterFunc(m.retryDelay, func() {
		m.install(device, obj, attempt+1)
	})
}

func dispatch(t kobjective.Translator, obj kobjective.Objective) {
	switch o := obj.(type) {
	case *kobjective.Filtering:
		t.Filter(o)
	case *kobjective.Forwarding:
		t.Forward(o)
	case *kobjective.Next:
		t.Next(o)
	default:
		kobjective.NotifyError(obj, kobjective.ErrUnsupported)
	}
}

// onceContext passes on the first terminal outcome only.
type onceContext struct {
	inner kobjective.Context
	done  atomic.Bool
}

func (c *onceContext) OnSuccess(o kobjective.Objective) {
	if c.done.CompareAndSwap(false, true) && c.inner != nil {
		c.inner.OnSuccess(o)
	}
}

func (c *onceContext) OnError(o kobjective.Objective, err kobjective.Error) {
	if c.done.CompareAndSwap(false, true) && c.inner != nil {
		c.inner.OnError(o, err)
	}
}

func (m *Manager) fail(obj kobjective.Objective, err kobjective.Error) {
	m.metrics.ObjectiveFailures.WithLabelValues(err.Error()).Inc()
	kobjective.NotifyError(obj, err)
}

// translator returns the cached translator of device, creating it when the
// provider has one. Concurrent first uses share one Init.
func (m *Manager) translator(device kflow.DeviceID) (kobjective.Translator, bool) {
	m.mu.RLock()
	t, ok := m.translators[device]
	m.mu.RUnlock()
	if ok {
		return t, true
	}

	v, err, _ := m.inits.Do(string(device), func() (any, error) {
		m.mu.RLock()
		t, ok := m.translators[device]
		m.mu.RUnlock()
		if ok {
			return t, nil
		}

		t, ok = m.provider.NewTranslator(device)
		if !ok {
			return nil, errNoTranslator
		}
		if err := t.Init(device, translatorContext{m}); err != nil {
			return nil, fmt.Errorf("init translator: %w", err)
		}

		m.mu.Lock()
		m.translators[device] = t
		m.mu.Unlock()
		m.log.Info("Translator initialized", "device", device)
		return t, nil
	})
	if err != nil {
		if !errors.Is(err, errNoTranslator) {
			m.log.Warn("Translator unavailable", "device", device, "error", err)
		}
		return nil, false
	}
	return v.(kobjective.Translator), true
}

type translatorContext struct {
	m *Manager
}

func (c translatorContext) Groups() kobjective.GroupStore {
	return c.m.store
}

func (c translatorContext) FlowRules() kobjective.FlowRuleService {
	return c.m.flowRules
}

// HandleDeviceEvent drops the translator of removed devices and warms the
// cache for devices that became available.
func (m *Manager) HandleDeviceEvent(ev kdevice.Event) {
	switch {
	case ev.Type == kdevice.DeviceRemoved:
		m.evict(ev.DeviceID)
	case ev.BecameAvailable():
		err := m.installers.Submit(func() {
			m.translator(ev.DeviceID)
		})
		if err != nil {
			m.log.Debug("Dropping device event", "event", ev, "error", err)
		}
	}
}

func (m *Manager) evict(device kflow.DeviceID) {
	m.mu.Lock()
	t, ok := m.translators[device]
	delete(m.translators, device)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.log.Info("Evicted translator", "device", device)
	if c, ok := t.(io.Closer); ok {
		if err := c.Close(); err != nil {
			m.log.Warn("Closing translator failed", "device", device, "error", err)
		}
	}
}

func (m *Manager) AllocateNextID() (int, error) {
	return m.store.AllocateNextID()
}

// NextMappings describes every stored next group and what the owning
// device's translator made of it.
func (m *Manager) NextMappings() []string {
	groups := m.store.NextGroups()
	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var lines []string
	for _, id := range ids {
		m.mu.RLock()
		device, known := m.nextDevices[id]
		t, cached := m.translators[device]
		m.mu.RUnlock()

		if !known {
			lines = append(lines, fmt.Sprintf("NextId %d: device unknown", id))
			continue
		}
		lines = append(lines, fmt.Sprintf("NextId %d: %s", id, device))
		if !cached {
			continue
		}
		for _, s := range t.NextMappings(groups[id]) {
			lines = append(lines, "  "+s)
		}
	}
	return lines
}

// PendingObjectives describes the objectives waiting for next groups.
func (m *Manager) PendingObjectives() []string {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	var lines []string
	describe := func(pending map[int][]PendingObjective) {
		ids := make([]int, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			for _, p := range pending[id] {
				lines = append(lines, fmt.Sprintf("NextId %d: %s on %s", id, p.Objective, p.DeviceID))
			}
		}
	}
	describe(m.pendingForwards)
	describe(m.pendingNexts)
	return lines
}

// PurgeAll asks the translator of device to drop everything app installed.
func (m *Manager) PurgeAll(device kflow.DeviceID, app kflow.AppID) {
	err := m.installers.Submit(func() {
		t, ok := m.translator(device)
		if !ok {
			m.log.Warn("Cannot purge objectives, no translator", "device", device, "app", app)
			return
		}
		t.PurgeAll(app)
	})
	if err != nil {
		m.log.Warn("Cannot schedule purge", "device", device, "app", app, "error", err)
	}
}
