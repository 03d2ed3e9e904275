// Package poll drives reconciliation for devices that do not push their flow
// tables: a periodic sweep over every mastered, available device, plus a
// poll whenever a device becomes available.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/birdayz/flowcore/internal/metrics"
	"github.com/birdayz/flowcore/internal/pool"
	"github.com/birdayz/flowcore/kdevice"
	"github.com/birdayz/flowcore/kflow"
	flowlog "github.com/birdayz/flowcore/pkg/log"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
)

const (
	DefaultInterval = 30 * time.Second
	defaultTimeout  = 10 * time.Second
)

type Reconciler interface {
	Reconcile(ctx context.Context, device kflow.DeviceID, reported []kflow.FlowEntry, reportWhenMissing bool) error
}

// Archiver keeps a copy of every polled snapshot.
type Archiver interface {
	Archive(ctx context.Context, device kflow.DeviceID, entries []kflow.FlowEntry) error
}

type Config struct {
	Log        *slog.Logger
	Registry   kdevice.Registry
	Drivers    kdevice.Drivers
	Reconciler Reconciler
	Clock      clockwork.Clock
	Interval   time.Duration
	// Timeout bounds the snapshot and reconciliation of one device.
	Timeout  time.Duration
	Archiver Archiver
	Metrics  *metrics.Metrics
}

type Driver struct {
	log        *slog.Logger
	registry   kdevice.Registry
	drivers    kdevice.Drivers
	reconciler Reconciler
	clock      clockwork.Clock
	interval   time.Duration
	timeout    time.Duration
	archiver   Archiver
	metrics    *metrics.Metrics

	events *pool.Pool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func New(cfg Config) *Driver {
	d := &Driver{
		log:        cfg.Log,
		registry:   cfg.Registry,
		drivers:    cfg.Drivers,
		reconciler: cfg.Reconciler,
		clock:      cfg.Clock,
		interval:   cfg.Interval,
		timeout:    cfg.Timeout,
		archiver:   cfg.Archiver,
		metrics:    cfg.Metrics,
	}
	if d.log == nil {
		d.log = flowlog.Nop()
	}
	if d.clock == nil {
		d.clock = clockwork.NewRealClock()
	}
	if d.interval <= 0 {
		d.interval = DefaultInterval
	}
	if d.timeout <= 0 {
		d.timeout = defaultTimeout
	}
	if d.metrics == nil {
		d.metrics = metrics.Nop()
	}
	d.events = pool.New("poll-events", 1, pool.WithLog(d.log), pool.WithMetrics(d.metrics))
	return d
}

// Start begins the periodic sweep. The first sweep runs one interval after
// Start.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil || d.stopped {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	ticker := d.clock.NewTicker(d.interval)
	d.events.Start()

	go d.run(ctx, ticker)
	d.log.Info("Poll driver started", "interval", d.interval)
}

func (d *Driver) run(ctx context.Context, ticker clockwork.Ticker) {
	defer close(d.done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			d.PollAll(ctx)
		}
	}
}

// Stop ends the sweep, then drains pending device events.
func (d *Driver) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if cancel == nil {
		return d.events.Stop(timeout)
	}
	cancel()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("poll sweep did not stop: %w", pool.ErrStopTimeout)
	}
	return multierr.Append(err, d.events.Stop(timeout))
}

// PollAll reconciles every device this instance should poll.
func (d *Driver) PollAll(ctx context.Context) {
	for _, id := range d.registry.Devices() {
		if ctx.Err() != nil {
			return
		}
		if !d.pollable(id) {
			continue
		}
		_ = d.PollDevice(ctx, id)
	}
}

func (d *Driver) pollable(id kflow.DeviceID) bool {
	return d.registry.IsLocalMaster(id) && d.registry.IsAvailable(id)
}

// PollDevice fetches the flow table of one device and reconciles it. Devices
// without the flow programming capability are skipped.
func (d *Driver) PollDevice(ctx context.Context, id kflow.DeviceID) (err error) {
	log := d.log.With("device", id)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll %s: panic: %v", id, r)
		}
		if err != nil {
			d.metrics.Polls.WithLabelValues("error").Inc()
			log.Warn("Poll failed", "error", err)
		}
	}()

	prog, ok := d.drivers.Programmable(id)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	entries, err := prog.FlowEntries(ctx)
	if err != nil {
		return fmt.Errorf("fetch flow entries of %s: %w", id, err)
	}

	if d.archiver != nil {
		if err := d.archiver.Archive(ctx, id, entries); err != nil {
			log.Warn("Archiving snapshot failed", "error", err)
		}
	}

	if err := d.reconciler.Reconcile(ctx, id, entries, true); err != nil {
		return err
	}
	d.metrics.Polls.WithLabelValues("ok").Inc()
	log.Debug("Polled flow table", "entries", len(entries))
	return nil
}

// HandleDeviceEvent polls a device once it becomes available. Events are
// handled one at a time, in arrival order.
func (d *Driver) HandleDeviceEvent(ev kdevice.Event) {
	if !ev.BecameAvailable() {
		return
	}
	err := d.events.Submit(func() {
		if d.pollable(ev.DeviceID) {
			_ = d.PollDevice(context.Background(), ev.DeviceID)
		}
	})
	if err != nil {
		d.log.Debug("Dropping device event", "event", ev, "error", err)
	}
}
