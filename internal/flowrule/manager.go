// Package flowrule is the flow rule service: it feeds staged operations
// through the batch processor, installs requested batches on devices and
// publishes flow rule events to listeners.
package flowrule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/birdayz/flowcore/internal/batch"
	"github.com/birdayz/flowcore/internal/metrics"
	"github.com/birdayz/flowcore/internal/pool"
	"github.com/birdayz/flowcore/internal/reconcile"
	"github.com/birdayz/flowcore/kdevice"
	"github.com/birdayz/flowcore/kflow"
	"github.com/birdayz/flowcore/kobjective"
	"github.com/birdayz/flowcore/kstore"
	flowlog "github.com/birdayz/flowcore/pkg/log"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
)

const (
	defaultDeviceWorkers    = 32
	defaultOperationWorkers = 32
	defaultInstallerWorkers = 4
	defaultDeviceTimeout    = 10 * time.Second
)

type Config struct {
	Log     *slog.Logger
	Store   kstore.FlowRuleStore
	Drivers kdevice.Drivers
	Clock   clockwork.Clock
	Metrics *metrics.Metrics

	DeviceWorkers    int
	OperationWorkers int
	// InstallerWorkers run the device calls of requested batches.
	InstallerWorkers int
	// DeviceTimeout bounds a single device call.
	DeviceTimeout   time.Duration
	AllowExtraneous bool
}

type ListenerID uint64

type Manager struct {
	log           *slog.Logger
	store         kstore.FlowRuleStore
	drivers       kdevice.Drivers
	metrics       *metrics.Metrics
	deviceTimeout time.Duration

	devices    *pool.Pool
	operations *pool.Pool
	installer  *pool.Pool
	processor  *batch.Processor
	engine     *reconcile.Engine

	listenersMu  sync.RWMutex
	listeners    map[ListenerID]func(kflow.FlowRuleEvent)
	lastListener ListenerID
}

var _ kobjective.FlowRuleService = (*Manager)(nil)

func New(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = flowlog.Nop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.DeviceWorkers <= 0 {
		cfg.DeviceWorkers = defaultDeviceWorkers
	}
	if cfg.OperationWorkers <= 0 {
		cfg.OperationWorkers = defaultOperationWorkers
	}
	if cfg.InstallerWorkers <= 0 {
		cfg.InstallerWorkers = defaultInstallerWorkers
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = defaultDeviceTimeout
	}

	m := &Manager{
		log:           cfg.Log,
		store:         cfg.Store,
		drivers:       cfg.Drivers,
		metrics:       cfg.Metrics,
		deviceTimeout: cfg.DeviceTimeout,
		listeners:     map[ListenerID]func(kflow.FlowRuleEvent){},
	}

	poolOpts := []pool.Option{pool.WithLog(cfg.Log), pool.WithMetrics(cfg.Metrics)}
	m.devices = pool.New("batch-devices", cfg.DeviceWorkers, poolOpts...)
	m.operations = pool.New("batch-operations", cfg.OperationWorkers, poolOpts...)
	m.installer = pool.New("flow-installer", cfg.InstallerWorkers, poolOpts...)

	m.processor = batch.New(batch.Config{
		Log:        cfg.Log.With("component", "batch"),
		Store:      cfg.Store,
		Devices:    m.devices,
		Operations: m.operations,
		Metrics:    cfg.Metrics,
	})
	m.engine = reconcile.New(reconcile.Config{
		Log:             cfg.Log.With("component", "reconcile"),
		Store:           cfg.Store,
		Drivers:         cfg.Drivers,
		Clock:           cfg.Clock,
		AllowExtraneous: cfg.AllowExtraneous,
		Notify:          m.post,
		Metrics:         cfg.Metrics,
	})

	cfg.Store.SetDelegate(m.onBatchEvent)
	return m
}

func (m *Manager) Start() {
	m.devices.Start()
	m.operations.Start()
	m.installer.Start()
}

// Stop drains the pools, operations first so no new batches get scheduled
// behind the installer.
func (m *Manager) Stop(timeout time.Duration) error {
	return multierr.Combine(
		m.operations.Stop(timeout),
		m.devices.Stop(timeout),
		m.installer.Stop(timeout),
	)
}

// Engine is the reconciliation engine fed by pushes and polls.
func (m *Manager) Engine() *reconcile.Engine {
	return m.engine
}

func (m *Manager) Apply(ops kflow.FlowRuleOperations) {
	m.processor.Submit(ops)
}

func (m *Manager) ApplyFlowRules(rules ...kflow.FlowRule) {
	b := kflow.NewOperations()
	for _, r := range rules {
		b.Add(r)
	}
	m.Apply(b.Build(nil))
}

func (m *Manager) RemoveFlowRules(rules ...kflow.FlowRule) {
	b := kflow.NewOperations()
	for _, r := range rules {
		b.Remove(r)
	}
	m.Apply(b.Build(nil))
}

// RemoveFlowRulesByID removes every rule owned by app.
func (m *Manager) RemoveFlowRulesByID(app kflow.AppID) {
	entries := m.store.FlowEntriesByApp(app)
	rules := make([]kflow.FlowRule, 0, len(entries))
	for _, e := range entries {
		rules = append(rules, e.Rule)
	}
	m.RemoveFlowRules(rules...)
}

// PurgeFlowRules removes the rules app owns on device.
func (m *Manager) PurgeFlowRules(device kflow.DeviceID, app kflow.AppID) {
	var rules []kflow.FlowRule
	for _, e := range m.store.FlowEntries(device) {
		if e.Rule.AppID == app {
			rules = append(rules, e.Rule)
		}
	}
	if len(rules) > 0 {
		m.RemoveFlowRules(rules...)
	}
}

// PurgeDevice drops every stored entry of device without touching the device.
func (m *Manager) PurgeDevice(device kflow.DeviceID) {
	m.store.PurgeFlowRules(device)
	m.engine.Forget(device)
	m.log.Info("Purged flow rules", "device", device)
}

func (m *Manager) FlowEntries(device kflow.DeviceID) []kflow.FlowEntry {
	return m.store.FlowEntries(device)
}

func (m *Manager) FlowRulesByID(app kflow.AppID) []kflow.FlowEntry {
	return m.store.FlowEntriesByApp(app)
}

func (m *Manager) FlowRuleCount() int {
	return m.store.FlowRuleCount()
}

// PushFlowMetrics reconciles a snapshot pushed by device. Stored entries
// absent from it are treated as missing.
func (m *Manager) PushFlowMetrics(ctx context.Context, device kflow.DeviceID, entries []kflow.FlowEntry) error {
	return m.engine.Reconcile(ctx, device, entries, true)
}

// PushFlowMetricsWithoutFlowMissing reconciles a partial snapshot.
func (m *Manager) PushFlowMetricsWithoutFlowMissing(ctx context.Context, device kflow.DeviceID, entries []kflow.FlowEntry) error {
	return m.engine.Reconcile(ctx, device, entries, false)
}

// FlowRemoved handles a removal reported by a device. Rules the store still
// wants are installed again; rules on their way out are dropped.
func (m *Manager) FlowRemoved(entry kflow.FlowEntry) {
	stored, ok := m.store.FlowEntry(entry.Rule)
	if !ok {
		return
	}
	switch stored.State {
	case kflow.StatePendingRemove, kflow.StateRemoved:
		if ev := m.store.RemoveFlowEntry(stored.Rule); ev != nil {
			m.post(*ev)
		}
	case kflow.StateAdded, kflow.StatePendingAdd:
		m.log.Debug("Reinstalling removed flow", "device", stored.Rule.DeviceID, "flow_id", stored.ID())
		m.ApplyFlowRules(stored.Rule)
	}
}

func (m *Manager) AddListener(fn func(kflow.FlowRuleEvent)) ListenerID {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.lastListener++
	m.listeners[m.lastListener] = fn
	return m.lastListener
}

func (m *Manager) RemoveListener(id ListenerID) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	delete(m.listeners, id)
}

func (m *Manager) post(e kflow.FlowRuleEvent) {
	m.listenersMu.RLock()
	listeners := make([]func(kflow.FlowRuleEvent), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}

func (m *Manager) onBatchEvent(ev kstore.BatchEvent) {
	switch ev.Type {
	case kstore.BatchRequested:
		op := ev.Operation
		for _, o := range op.Operations {
			typ := kflow.RuleAddRequested
			if o.Type == kflow.OpRemove {
				typ = kflow.RuleRemoveRequested
			}
			entry, ok := m.store.FlowEntry(o.Rule)
			if !ok {
				entry = kflow.NewFlowEntry(o.Rule)
			}
			m.post(kflow.FlowRuleEvent{Type: typ, Entry: entry})
		}
		if err := m.installer.Submit(func() { m.install(op) }); err != nil {
			m.log.Error("Cannot schedule batch installation", "batch_id", op.ID, "device", op.DeviceID, "error", err)
			m.store.BatchOperationComplete(op, kflow.Failed(op))
		}
	case kstore.BatchCompleted:
		m.processor.Complete(ev.Operation.ID, ev.Result)
	}
}

// install runs a requested batch against the device, in operation order.
// Operations the device does not confirm are failed. A panicking driver fails
// whatever the batch had not confirmed yet.
func (m *Manager) install(op kflow.FlowRuleBatchOperation) {
	log := m.log.With("device", op.DeviceID, "batch_id", op.ID)

	var (
		done    bool
		pending = len(op.Operations)
		failed  []int
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Device driver panicked", "panic", r)
			if !done {
				for i := len(op.Operations) - pending; i < len(op.Operations); i++ {
					failed = append(failed, i)
				}
				m.store.BatchOperationComplete(op, kflow.CompletedOperations(op, failed))
			}
		}
	}()

	prog, ok := m.drivers.Programmable(op.DeviceID)
	if !ok {
		log.Warn("Device has no flow programming capability")
		done = true
		m.store.BatchOperationComplete(op, kflow.Failed(op))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.deviceTimeout)
	defer cancel()

	for _, call := range deviceCalls(op.Operations) {
		rules := make([]kflow.FlowRule, len(call.positions))
		for i, pos := range call.positions {
			rules[i] = op.Operations[pos].Rule
		}

		var (
			confirmed []kflow.FlowRule
			err       error
		)
		if call.remove {
			confirmed, err = prog.RemoveFlowRules(ctx, rules)
			if err != nil {
				log.Warn("Removing flow rules failed", "rules", len(rules), "error", err)
			}
		} else {
			confirmed, err = prog.ApplyFlowRules(ctx, rules)
			if err != nil {
				log.Warn("Applying flow rules failed", "rules", len(rules), "error", err)
			}
		}
		failed = append(failed, unconfirmed(op, call.positions, confirmed, err)...)
		pending -= len(call.positions)
	}

	done = true
	m.store.BatchOperationComplete(op, kflow.CompletedOperations(op, failed))
}

// deviceCall is a maximal sequence of consecutive operations that go to the
// device in one call.
type deviceCall struct {
	remove    bool
	positions []int
}

func deviceCalls(ops []kflow.FlowRuleOperation) []deviceCall {
	var out []deviceCall
	for i, o := range ops {
		remove := o.Type == kflow.OpRemove
		if len(out) == 0 || out[len(out)-1].remove != remove {
			out = append(out, deviceCall{remove: remove})
		}
		last := &out[len(out)-1]
		last.positions = append(last.positions, i)
	}
	return out
}

func unconfirmed(op kflow.FlowRuleBatchOperation, requested []int, confirmed []kflow.FlowRule, err error) []int {
	if err != nil {
		return requested
	}
	ok := make(map[kflow.FlowID]struct{}, len(confirmed))
	for _, r := range confirmed {
		ok[r.ID()] = struct{}{}
	}
	var failed []int
	for _, pos := range requested {
		if _, found := ok[op.Operations[pos].Rule.ID()]; !found {
			failed = append(failed, pos)
		}
	}
	return failed
}
