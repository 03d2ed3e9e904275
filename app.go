// Package flowcore is the flow-programming core of a network controller.
// It commits flow rules to devices in stages, reconciles the stored view of
// every device with what the device reports, and translates forwarding
// objectives into flow rules through per-device translators.
package flowcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/birdayz/flowcore/internal/flowrule"
	"github.com/birdayz/flowcore/internal/inorder"
	"github.com/birdayz/flowcore/internal/metrics"
	"github.com/birdayz/flowcore/internal/objective"
	"github.com/birdayz/flowcore/internal/poll"
	"github.com/birdayz/flowcore/internal/pool"
	"github.com/birdayz/flowcore/internal/singletable"
	"github.com/birdayz/flowcore/kdevice"
	"github.com/birdayz/flowcore/kflow"
	"github.com/birdayz/flowcore/kobjective"
	"github.com/birdayz/flowcore/kstore"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrShutdownTimeout is returned by Close when a worker pool did not drain
	// in time.
	ErrShutdownTimeout = errors.New("flowcore: shutdown timed out")
	// ErrMissingCollaborator is returned by New when a required collaborator
	// is nil.
	ErrMissingCollaborator = errors.New("flowcore: missing collaborator")
	ErrInvalidConfig       = errors.New("flowcore: invalid configuration")
)

// Collaborators are the systems the core consumes. Translators is optional
// and defaults to the single-table translator for every programmable device.
type Collaborators struct {
	Registry       kdevice.Registry
	Drivers        kdevice.Drivers
	FlowStore      kstore.FlowRuleStore
	ObjectiveStore kstore.ObjectiveStore
	Translators    kobjective.TranslatorProvider
}

type (
	ListenerID = flowrule.ListenerID
	Lane       = inorder.Lane
)

type App struct {
	log   *slog.Logger
	clock clockwork.Clock

	pollInterval     time.Duration
	installerWorkers int
	retryAttempts    int
	retryDelay       time.Duration
	deviceWorkers    int
	operationWorkers int
	objectiveTimeout time.Duration
	allowExtraneous  bool
	registerer       prometheus.Registerer
	archiver         SnapshotArchiver
	shutdownTimeout  time.Duration

	metrics    *metrics.Metrics
	flowRules  *flowrule.Manager
	objectives *objective.Manager
	lanes      *inorder.Layer
	poller     *poll.Driver

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New wires the core. Nothing runs until Start.
func New(c Collaborators, opts ...Option) (*App, error) {
	a := &App{
		log:              NullLogger(),
		clock:            clockwork.NewRealClock(),
		pollInterval:     poll.DefaultInterval,
		installerWorkers: objective.DefaultWorkers,
		retryAttempts:    objective.DefaultRetryAttempts,
		retryDelay:       objective.DefaultRetryDelay,
		deviceWorkers:    32,
		operationWorkers: 32,
		objectiveTimeout: inorder.DefaultTimeout,
		shutdownTimeout:  time.Second * 30,
	}

	for _, opt := range opts {
		opt(a)
	}

	if err := a.validate(c); err != nil {
		return nil, err
	}
	if c.Translators == nil {
		c.Translators = singletable.Provider{Log: a.log.With("component", "translator"), Drivers: c.Drivers}
	}

	a.metrics = metrics.New(a.registerer)
	a.flowRules = flowrule.New(flowrule.Config{
		Log:              a.log.With("component", "flowrule"),
		Store:            c.FlowStore,
		Drivers:          c.Drivers,
		Clock:            a.clock,
		Metrics:          a.metrics,
		DeviceWorkers:    a.deviceWorkers,
		OperationWorkers: a.operationWorkers,
		AllowExtraneous:  a.allowExtraneous,
	})
	a.objectives = objective.New(objective.Config{
		Log:           a.log.With("component", "objective"),
		Store:         c.ObjectiveStore,
		Translators:   c.Translators,
		FlowRules:     a.flowRules,
		Clock:         a.clock,
		Metrics:       a.metrics,
		Workers:       a.installerWorkers,
		RetryAttempts: a.retryAttempts,
		RetryDelay:    a.retryDelay,
	})
	a.lanes = inorder.New(inorder.Config{
		Log:        a.log.With("component", "inorder"),
		Dispatcher: a.objectives,
		Clock:      a.clock,
		Timeout:    a.objectiveTimeout,
		Metrics:    a.metrics,
	})

	pc := poll.Config{
		Log:        a.log.With("component", "poll"),
		Registry:   c.Registry,
		Drivers:    c.Drivers,
		Reconciler: a.flowRules.Engine(),
		Clock:      a.clock,
		Interval:   a.pollInterval,
		Metrics:    a.metrics,
	}
	if a.archiver != nil {
		pc.Archiver = a.archiver
	}
	a.poller = poll.New(pc)

	return a, nil
}

// MustNew creates a new App, panicking on configuration errors.
// Prefer New() for production code to handle errors gracefully.
func MustNew(c Collaborators, opts ...Option) *App {
	app, err := New(c, opts...)
	if err != nil {
		panic(err)
	}
	return app
}

func (a *App) validate(c Collaborators) error {
	switch {
	case c.Registry == nil:
		return fmt.Errorf("%w: registry", ErrMissingCollaborator)
	case c.Drivers == nil:
		return fmt.Errorf("%w: drivers", ErrMissingCollaborator)
	case c.FlowStore == nil:
		return fmt.Errorf("%w: flow rule store", ErrMissingCollaborator)
	case c.ObjectiveStore == nil:
		return fmt.Errorf("%w: objective store", ErrMissingCollaborator)
	}

	switch {
	case a.log == nil || a.clock == nil:
		return fmt.Errorf("%w: nil logger or clock", ErrInvalidConfig)
	case a.pollInterval <= 0:
		return fmt.Errorf("%w: poll interval %s", ErrInvalidConfig, a.pollInterval)
	case a.installerWorkers <= 0 || a.deviceWorkers <= 0 || a.operationWorkers <= 0:
		return fmt.Errorf("%w: worker counts must be positive", ErrInvalidConfig)
	case a.retryAttempts <= 0 || a.retryDelay <= 0:
		return fmt.Errorf("%w: install retry %d x %s", ErrInvalidConfig, a.retryAttempts, a.retryDelay)
	case a.objectiveTimeout <= 0:
		return fmt.Errorf("%w: objective timeout %s", ErrInvalidConfig, a.objectiveTimeout)
	case a.shutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown timeout %s", ErrInvalidConfig, a.shutdownTimeout)
	}
	return nil
}

// Start starts the worker pools and the periodic poll. It is safe to call
// more than once.
func (a *App) Start() {
	a.startOnce.Do(func() {
		a.flowRules.Start()
		a.objectives.Start()
		a.poller.Start()
		a.log.Info("Flow core started")
	})
}

// Close stops the poll first, then drains the objective and flow rule
// pools in parallel, each for at most the shutdown timeout.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		err := a.poller.Stop(a.shutdownTimeout)

		var (
			mu  sync.Mutex
			grp errgroup.Group
		)
		for _, stop := range []func(time.Duration) error{a.objectives.Stop, a.flowRules.Stop} {
			grp.Go(func() error {
				stopErr := stop(a.shutdownTimeout)
				mu.Lock()
				err = multierr.Append(err, stopErr)
				mu.Unlock()
				return nil
			})
		}
		_ = grp.Wait()

		if errors.Is(err, pool.ErrStopTimeout) {
			err = fmt.Errorf("%w: %w", ErrShutdownTimeout, err)
		}
		a.closeErr = err
		a.log.Info("Flow core closed", "error", err)
	})
	return a.closeErr
}

// HandleDeviceEvent feeds device lifecycle events into the core. Newly
// available devices are polled and get their translator warmed; removed
// devices lose their translator and stored rules.
func (a *App) HandleDeviceEvent(ev kdevice.Event) {
	a.log.Debug("Device event", "event", ev)
	a.poller.HandleDeviceEvent(ev)
	a.objectives.HandleDeviceEvent(ev)
	if ev.Type == kdevice.DeviceRemoved {
		a.flowRules.PurgeDevice(ev.DeviceID)
	}
}

// Apply submits staged operations. The outcome arrives on ops.Context.
func (a *App) Apply(ops kflow.FlowRuleOperations) {
	a.flowRules.Apply(ops)
}

func (a *App) ApplyFlowRules(rules ...kflow.FlowRule) {
	a.flowRules.ApplyFlowRules(rules...)
}

func (a *App) RemoveFlowRules(rules ...kflow.FlowRule) {
	a.flowRules.RemoveFlowRules(rules...)
}

// RemoveFlowRulesByID removes every rule owned by app.
func (a *App) RemoveFlowRulesByID(app kflow.AppID) {
	a.flowRules.RemoveFlowRulesByID(app)
}

// PurgeFlowRules drops every stored entry of device without touching the
// device.
func (a *App) PurgeFlowRules(device kflow.DeviceID) {
	a.flowRules.PurgeDevice(device)
}

func (a *App) FlowEntries(device kflow.DeviceID) []kflow.FlowEntry {
	return a.flowRules.FlowEntries(device)
}

func (a *App) FlowRulesByID(app kflow.AppID) []kflow.FlowEntry {
	return a.flowRules.FlowRulesByID(app)
}

func (a *App) FlowRuleCount() int {
	return a.flowRules.FlowRuleCount()
}

// PushFlowMetrics reconciles a snapshot pushed by the device.
func (a *App) PushFlowMetrics(ctx context.Context, device kflow.DeviceID, entries []kflow.FlowEntry) error {
	return a.flowRules.PushFlowMetrics(ctx, device, entries)
}

// PushFlowMetricsWithoutFlowMissing reconciles a partial snapshot: stored
// entries absent from it are left alone.
func (a *App) PushFlowMetricsWithoutFlowMissing(ctx context.Context, device kflow.DeviceID, entries []kflow.FlowEntry) error {
	return a.flowRules.PushFlowMetricsWithoutFlowMissing(ctx, device, entries)
}

// FlowRemoved handles a removal reported by the device itself.
func (a *App) FlowRemoved(entry kflow.FlowEntry) {
	a.flowRules.FlowRemoved(entry)
}

// PollDevice reconciles device right away.
func (a *App) PollDevice(ctx context.Context, device kflow.DeviceID) error {
	return a.poller.PollDevice(ctx, device)
}

func (a *App) AddListener(fn func(kflow.FlowRuleEvent)) ListenerID {
	return a.flowRules.AddListener(fn)
}

func (a *App) RemoveListener(id ListenerID) {
	a.flowRules.RemoveListener(id)
}

// Filter, Forward and Next queue objectives behind earlier ones of the same
// lane. The outcome arrives on the objective's context.
func (a *App) Filter(device kflow.DeviceID, o *kobjective.Filtering) {
	a.lanes.Filter(device, o)
}

func (a *App) Forward(device kflow.DeviceID, o *kobjective.Forwarding) {
	a.lanes.Forward(device, o)
}

func (a *App) Next(device kflow.DeviceID, o *kobjective.Next) {
	a.lanes.Next(device, o)
}

func (a *App) AllocateNextID() (int, error) {
	return a.objectives.AllocateNextID()
}

func (a *App) NextMappings() []string {
	return a.objectives.NextMappings()
}

func (a *App) PendingObjectives() []string {
	return a.objectives.PendingObjectives()
}

// PurgeAll asks the translator of device to remove everything app installed
// through objectives.
func (a *App) PurgeAll(device kflow.DeviceID, app kflow.AppID) {
	a.objectives.PurgeAll(device, app)
}

// ClearQueue drops every queued objective without notifying their callers.
func (a *App) ClearQueue() {
	a.lanes.ClearQueue()
}

func (a *App) Lanes() []Lane {
	return a.lanes.LaneSnapshot()
}
