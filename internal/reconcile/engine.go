// Package reconcile compares device-reported flow entries with the stored
// ones. The store is authoritative: the device is corrected, never the
// other way round, except for counters and liveness.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/birdayz/flowcore/internal/metrics"
	"github.com/birdayz/flowcore/kdevice"
	"github.com/birdayz/flowcore/kflow"
	flowlog "github.com/birdayz/flowcore/pkg/log"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
)

var ErrNotProgrammable = errors.New("reconcile: device has no flow programming capability")

// Actions, as logged and counted.
const (
	ActionAdded             = "added"
	ActionUpdated           = "updated"
	ActionEvicted           = "evicted"
	ActionRemovePending     = "remove_pending"
	ActionRepaired          = "repaired"
	ActionExtraneousRemoved = "extraneous_removed"
	ActionExtraneousIgnored = "extraneous_ignored"
	ActionMissingRemoved    = "missing_removed"
	ActionMissingRepushed   = "missing_repushed"
)

// EntryError attributes a failure to one entry of a reconciliation pass.
type EntryError struct {
	Device kflow.DeviceID
	FlowID kflow.FlowID
	Action string
	Err    error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("reconcile %s flow %s (%s): %v", e.Device, e.FlowID, e.Action, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// Store is the part of the flow rule store reconciliation reads and corrects.
type Store interface {
	FlowEntries(device kflow.DeviceID) []kflow.FlowEntry
	AddOrUpdateFlowEntry(entry kflow.FlowEntry) *kflow.FlowRuleEvent
	MarkPendingAdd(rule kflow.FlowRule) *kflow.FlowRuleEvent
	MarkPendingRemove(rule kflow.FlowRule) *kflow.FlowRuleEvent
	RemoveFlowEntry(rule kflow.FlowRule) *kflow.FlowRuleEvent
}

type Config struct {
	Log     *slog.Logger
	Store   Store
	Drivers kdevice.Drivers
	Clock   clockwork.Clock
	// AllowExtraneous keeps rules the store does not know about.
	AllowExtraneous bool
	// Notify receives the flow rule events caused by reconciliation.
	Notify  func(kflow.FlowRuleEvent)
	Metrics *metrics.Metrics
}

type liveness struct {
	device    kflow.DeviceID
	firstSeen time.Time
	lastSeen  time.Time
	packets   uint64
	bytes     uint64
}

type Engine struct {
	log             *slog.Logger
	store           Store
	drivers         kdevice.Drivers
	clock           clockwork.Clock
	allowExtraneous bool
	notify          func(kflow.FlowRuleEvent)
	metrics         *metrics.Metrics

	mu   sync.Mutex
	seen map[kflow.FlowID]*liveness

	locksMu sync.Mutex
	locks   map[kflow.DeviceID]*sync.Mutex
}

func New(cfg Config) *Engine {
	e := &Engine{
		log:             cfg.Log,
		store:           cfg.Store,
		drivers:         cfg.Drivers,
		clock:           cfg.Clock,
		allowExtraneous: cfg.AllowExtraneous,
		notify:          cfg.Notify,
		metrics:         cfg.Metrics,
		seen:            map[kflow.FlowID]*liveness{},
		locks:           map[kflow.DeviceID]*sync.Mutex{},
	}
	if e.log == nil {
		e.log = flowlog.Nop()
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.notify == nil {
		e.notify = func(kflow.FlowRuleEvent) {}
	}
	if e.metrics == nil {
		e.metrics = metrics.Nop()
	}
	return e
}

// pass is the state of one Reconcile call.
type pass struct {
	ctx    context.Context
	device kflow.DeviceID
	prog   kflow.Programmable
	log    *slog.Logger
	err    error
}

// Reconcile brings device in line with the store, given the entries it
// reported. Per-entry failures are logged and do not stop the pass; they are
// returned combined.
func (e *Engine) Reconcile(ctx context.Context, device kflow.DeviceID, reported []kflow.FlowEntry, reportWhenMissing bool) error {
	unlock := e.lockDevice(device)
	defer unlock()

	p := &pass{ctx: ctx, device: device, log: e.log.With("device", device)}
	if prog, ok := e.drivers.Programmable(device); ok {
		p.prog = prog
	}

	stored := e.store.FlowEntries(device)
	working := make(map[kflow.FlowID]kflow.FlowEntry, len(stored))
	for _, s := range stored {
		working[s.ID()] = s
	}
	known := make(map[kflow.FlowID]struct{}, len(stored))
	for id := range working {
		known[id] = struct{}{}
	}

	for _, r := range reported {
		id := r.ID()
		s, ok := working[id]
		if !ok {
			if _, dup := known[id]; dup {
				continue
			}
			e.extraneous(p, r)
			continue
		}
		delete(working, id)

		if s.Rule.ExactMatch(r.Rule) {
			e.flowAdded(p, s, r)
		} else {
			e.repair(p, s, r)
		}
	}

	if reportWhenMissing {
		for _, s := range stored {
			if _, ok := working[s.ID()]; ok {
				e.flowMissing(p, s)
			}
		}
	}

	e.prune(device, known)
	return p.err
}

func (e *Engine) lockDevice(device kflow.DeviceID) func() {
	e.locksMu.Lock()
	l, ok := e.locks[device]
	if !ok {
		l = &sync.Mutex{}
		e.locks[device] = l
	}
	e.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) flowAdded(p *pass, stored, reported kflow.FlowEntry) {
	id := stored.ID()
	if stored.State == kflow.StatePendingRemove {
		e.act(p, id, ActionRemovePending, func() error {
			return e.remove(p, stored.Rule)
		})
		return
	}

	alive, lastSeen := e.alive(stored, reported)
	if !alive {
		e.act(p, id, ActionEvicted, func() error {
			e.publish(e.store.MarkPendingRemove(stored.Rule))
			e.forget(id)
			return e.remove(p, stored.Rule)
		})
		return
	}

	ev := e.store.AddOrUpdateFlowEntry(kflow.FlowEntry{
		Rule:     stored.Rule,
		State:    kflow.StateAdded,
		Bytes:    reported.Bytes,
		Packets:  reported.Packets,
		LastSeen: lastSeen,
	})
	if ev == nil {
		return
	}
	action := ActionUpdated
	if ev.Type == kflow.RuleAdded {
		action = ActionAdded
	}
	e.metrics.ReconcileActions.WithLabelValues(action).Inc()
	e.publish(ev)
}

// alive applies the timeout policy of the stored rule to what the device
// reported. Permanent rules are always alive; hard timeouts count from first
// observation; idle timeouts from the last time the counters grew.
func (e *Engine) alive(stored, reported kflow.FlowEntry) (bool, time.Time) {
	now := e.clock.Now()
	id := stored.ID()

	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.seen[id]
	if !ok {
		l = &liveness{
			device:    stored.Rule.DeviceID,
			firstSeen: now,
			lastSeen:  now,
			packets:   reported.Packets,
			bytes:     reported.Bytes,
		}
		e.seen[id] = l
	}

	if reported.Packets > l.packets || reported.Bytes > l.bytes {
		l.lastSeen = now
	}
	l.packets, l.bytes = reported.Packets, reported.Bytes

	timeout := stored.Rule.Timeout
	switch timeout.Kind {
	case kflow.TimeoutHard:
		return now.Sub(l.firstSeen) <= timeout.Duration(), l.lastSeen
	case kflow.TimeoutIdle:
		return now.Sub(l.lastSeen) <= timeout.Duration(), l.lastSeen
	default:
		return true, l.lastSeen
	}
}

func (e *Engine) repair(p *pass, stored, reported kflow.FlowEntry) {
	e.act(p, stored.ID(), ActionRepaired, func() error {
		if err := e.remove(p, reported.Rule); err != nil {
			return err
		}
		return e.apply(p, stored.Rule)
	})
}

func (e *Engine) extraneous(p *pass, reported kflow.FlowEntry) {
	if e.allowExtraneous {
		e.metrics.ReconcileActions.WithLabelValues(ActionExtraneousIgnored).Inc()
		return
	}
	e.act(p, reported.ID(), ActionExtraneousRemoved, func() error {
		return e.remove(p, reported.Rule)
	})
}

func (e *Engine) flowMissing(p *pass, stored kflow.FlowEntry) {
	id := stored.ID()
	switch stored.State {
	case kflow.StatePendingRemove, kflow.StateRemoved:
		e.act(p, id, ActionMissingRemoved, func() error {
			e.publish(e.store.RemoveFlowEntry(stored.Rule))
			e.forget(id)
			return nil
		})
	default:
		e.act(p, id, ActionMissingRepushed, func() error {
			e.publish(e.store.MarkPendingAdd(stored.Rule))
			return e.apply(p, stored.Rule)
		})
	}
}

// act runs one corrective action, recovering panics and recording failures
// on the pass.
func (e *Engine) act(p *pass, id kflow.FlowID, action string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()

	e.metrics.ReconcileActions.WithLabelValues(action).Inc()
	if err == nil {
		p.log.Debug("Reconciled flow", "flow_id", id, "action", action)
		return
	}

	e.metrics.ReconcileErrors.Inc()
	p.log.Warn("Reconciliation action failed", "flow_id", id, "action", action, "error", err)
	p.err = multierr.Append(p.err, &EntryError{Device: p.device, FlowID: id, Action: action, Err: err})
}

func (e *Engine) apply(p *pass, rule kflow.FlowRule) error {
	if p.prog == nil {
		return ErrNotProgrammable
	}
	_, err := p.prog.ApplyFlowRules(p.ctx, []kflow.FlowRule{rule})
	return err
}

func (e *Engine) remove(p *pass, rule kflow.FlowRule) error {
	if p.prog == nil {
		return ErrNotProgrammable
	}
	_, err := p.prog.RemoveFlowRules(p.ctx, []kflow.FlowRule{rule})
	return err
}

func (e *Engine) publish(ev *kflow.FlowRuleEvent) {
	if ev != nil {
		e.notify(*ev)
	}
}

func (e *Engine) forget(id kflow.FlowID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.seen, id)
}

// prune drops liveness state of flows the store no longer holds for device.
func (e *Engine) prune(device kflow.DeviceID, stored map[kflow.FlowID]struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, l := range e.seen {
		if l.device != device {
			continue
		}
		if _, ok := stored[id]; !ok {
			delete(e.seen, id)
		}
	}
}

// Forget drops all liveness state of a device.
func (e *Engine) Forget(device kflow.DeviceID) {
	e.prune(device, nil)
}
