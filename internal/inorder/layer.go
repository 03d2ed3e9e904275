// Package inorder serializes objectives per lane. A lane is a device plus
// objective kind plus the key that makes two objectives of that kind touch
// the same state: priority and filter key for filtering, priority and
// selector for forwarding, the next-id for next objectives. Only the head of
// a lane is dispatched; it is dequeued when its outcome arrives or it times
// out, and the new head starts before the caller hears about the old one.
package inorder

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/birdayz/flowcore/internal/metrics"
	"github.com/birdayz/flowcore/kflow"
	"github.com/birdayz/flowcore/kobjective"
	flowlog "github.com/birdayz/flowcore/pkg/log"
	"github.com/jonboulle/clockwork"
)

const DefaultTimeout = 15 * time.Second

// Dispatcher is the objective layer underneath.
type Dispatcher interface {
	Submit(device kflow.DeviceID, obj kobjective.Objective)
	CancelPending(nextID int, err kobjective.Error)
	SetResubmitter(fn func(kflow.DeviceID, kobjective.Objective))
}

type Config struct {
	Log        *slog.Logger
	Dispatcher Dispatcher
	Clock      clockwork.Clock
	// Timeout fails a lane head that has not completed in time.
	Timeout time.Duration
	Metrics *metrics.Metrics
}

type stripeKey struct {
	device kflow.DeviceID
	kind   kobjective.Kind
}

type laneKey struct {
	priority int
	key      string
}

func laneOf(obj kobjective.Objective) laneKey {
	switch o := obj.(type) {
	case *kobjective.Filtering:
		return laneKey{priority: o.Priority, key: o.Key.String()}
	case *kobjective.Forwarding:
		return laneKey{priority: o.Priority, key: o.Selector.Key()}
	case *kobjective.Next:
		return laneKey{key: fmt.Sprint(o.ID)}
	default:
		return laneKey{}
	}
}

type entry struct {
	device kflow.DeviceID
	obj    kobjective.Objective
	stripe stripeKey
	lane   laneKey

	done  atomic.Bool
	mu    sync.Mutex
	timer clockwork.Timer
}

// stripe holds the lanes of one device and kind behind one lock.
type stripe struct {
	mu    sync.Mutex
	lanes map[laneKey][]*entry
}

type Layer struct {
	log        *slog.Logger
	dispatcher Dispatcher
	clock      clockwork.Clock
	timeout    time.Duration
	metrics    *metrics.Metrics

	mu      sync.Mutex
	stripes map[stripeKey]*stripe
}

func New(cfg Config) *Layer {
	l := &Layer{
		log:        cfg.Log,
		dispatcher: cfg.Dispatcher,
		clock:      cfg.Clock,
		timeout:    cfg.Timeout,
		metrics:    cfg.Metrics,
		stripes:    map[stripeKey]*stripe{},
	}
	if l.log == nil {
		l.log = flowlog.Nop()
	}
	if l.clock == nil {
		l.clock = clockwork.NewRealClock()
	}
	if l.timeout <= 0 {
		l.timeout = DefaultTimeout
	}
	if l.metrics == nil {
		l.metrics = metrics.Nop()
	}
	l.dispatcher.SetResubmitter(l.execute)
	return l
}

func (l *Layer) Filter(device kflow.DeviceID, o *kobjective.Filtering) { l.Submit(device, o) }

func (l *Layer) Forward(device kflow.DeviceID, o *kobjective.Forwarding) { l.Submit(device, o) }

func (l *Layer) Next(device kflow.DeviceID, o *kobjective.Next) { l.Submit(device, o) }

// Submit appends obj to its lane and starts it if the lane was empty.
func (l *Layer) Submit(device kflow.DeviceID, obj kobjective.Objective) {
	e := &entry{
		device: device,
		obj:    obj,
		stripe: stripeKey{device: device, kind: obj.Kind()},
		lane:   laneOf(obj),
	}

	s := l.stripe(e.stripe)
	s.mu.Lock()
	s.lanes[e.lane] = append(s.lanes[e.lane], e)
	queued := len(s.lanes[e.lane])
	s.mu.Unlock()

	l.log.Debug("Enqueued objective", "device", device, "lane", e.laneName(), "objective", obj, "queued", queued)
	if queued == 1 {
		l.start(e)
	}
}

func (l *Layer) stripe(k stripeKey) *stripe {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stripes[k]
	if !ok {
		s = &stripe{lanes: map[laneKey][]*entry{}}
		l.stripes[k] = s
	}
	return s
}

// start dispatches a lane head wrapped in a context that dequeues it.
func (l *Layer) start(e *entry) {
	e.mu.Lock()
	e.timer = l.clock.AfterFunc(l.timeout, func() {
		l.metrics.LaneTimeouts.Inc()
		l.log.Warn("Objective timed out", "device", e.device, "lane", e.laneName(), "objective", e.obj, "timeout", l.timeout)
		l.finish(e, kobjective.ErrInstallationTimeout, false)
	})
	e.mu.Unlock()

	l.execute(e.device, e.obj.WithContext(laneContext{l: l, e: e}))
}

// execute hands an objective to the dispatcher. Objectives released from
// the dispatcher's pending maps come back through here and already carry
// their lane context.
func (l *Layer) execute(device kflow.DeviceID, obj kobjective.Objective) {
	l.dispatcher.Submit(device, obj)
}

type laneContext struct {
	l *Layer
	e *entry
}

func (c laneContext) OnSuccess(kobjective.Objective) {
	c.l.finish(c.e, kobjective.ErrUnknown, true)
}

func (c laneContext) OnError(_ kobjective.Objective, err kobjective.Error) {
	c.l.finish(c.e, err, false)
}

// finish runs once per entry, whichever of outcome or timeout comes first.
func (l *Layer) finish(e *entry, err kobjective.Error, ok bool) {
	if !e.done.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()

	if next := l.dequeue(e); next != nil {
		l.start(next)
	}

	if ok {
		kobjective.NotifySuccess(e.obj)
		return
	}
	if n, isNext := e.obj.(*kobjective.Next); isNext {
		l.dispatcher.CancelPending(n.ID, err)
	}
	kobjective.NotifyError(e.obj, err)
}

// dequeue removes e from its lane and returns the new head if e was the old
// one.
func (l *Layer) dequeue(e *entry) *entry {
	s := l.stripe(e.stripe)
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.lanes[e.lane]
	i := slices.Index(q, e)
	if i < 0 {
		return nil
	}
	q = slices.Delete(q, i, i+1)
	if len(q) == 0 {
		delete(s.lanes, e.lane)
		return nil
	}
	s.lanes[e.lane] = q
	if i == 0 {
		return q[0]
	}
	return nil
}

// ClearQueue drops every queued objective without notifying anyone.
func (l *Layer) ClearQueue() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stripes = map[stripeKey]*stripe{}
	l.log.Info("Cleared objective queues")
}

type Lane struct {
	Device kflow.DeviceID
	Kind   kobjective.Kind
	Key    string
	Queued int
}

func (e *entry) laneName() string {
	return fmt.Sprintf("%s/%d/%s", e.stripe.kind, e.lane.priority, e.lane.key)
}

// LaneSnapshot lists the non-empty lanes.
func (l *Layer) LaneSnapshot() []Lane {
	l.mu.Lock()
	stripes := make(map[stripeKey]*stripe, len(l.stripes))
	for k, s := range l.stripes {
		stripes[k] = s
	}
	l.mu.Unlock()

	var lanes []Lane
	for k, s := range stripes {
		s.mu.Lock()
		for lk, q := range s.lanes {
			lanes = append(lanes, Lane{
				Device: k.device,
				Kind:   k.kind,
				Key:    fmt.Sprintf("%d/%s", lk.priority, lk.key),
				Queued: len(q),
			})
		}
		s.mu.Unlock()
	}
	slices.SortFunc(lanes, func(a, b Lane) int {
		return cmp.Or(
			cmp.Compare(a.Device, b.Device),
			cmp.Compare(a.Kind, b.Kind),
			cmp.Compare(a.Key, b.Key),
		)
	})
	return lanes
}
