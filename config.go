package flowcore

import (
	"context"
	"log/slog"
	"time"

	"github.com/birdayz/flowcore/kflow"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// Option is a function that configures an App
type Option func(*App)

// WithLog sets the logger for the application
var WithLog = func(log *slog.Logger) Option {
	return func(a *App) {
		a.log = log
	}
}

// WithClock replaces the wall clock used for liveness, retries, polling and
// objective timeouts.
var WithClock = func(clock clockwork.Clock) Option {
	return func(a *App) {
		a.clock = clock
	}
}

// WithPollInterval sets the period of the device snapshot sweep
var WithPollInterval = func(d time.Duration) Option {
	return func(a *App) {
		a.pollInterval = d
	}
}

// WithInstallerWorkers sets the number of objective installer workers
var WithInstallerWorkers = func(n int) Option {
	return func(a *App) {
		a.installerWorkers = n
	}
}

// WithInstallRetry bounds how often and how far apart an objective is retried
// while its device has no translator.
var WithInstallRetry = func(attempts int, delay time.Duration) Option {
	return func(a *App) {
		a.retryAttempts = attempts
		a.retryDelay = delay
	}
}

// WithDeviceWorkers sets the number of workers submitting per-device batches
var WithDeviceWorkers = func(n int) Option {
	return func(a *App) {
		a.deviceWorkers = n
	}
}

// WithOperationWorkers sets the number of workers driving staged submissions
var WithOperationWorkers = func(n int) Option {
	return func(a *App) {
		a.operationWorkers = n
	}
}

// WithObjectiveTimeout sets how long a lane head may run before it fails
// with INSTALLATIONTIMEOUT.
var WithObjectiveTimeout = func(d time.Duration) Option {
	return func(a *App) {
		a.objectiveTimeout = d
	}
}

// WithExtraneousFlowsAllowed leaves rules on devices alone that the store does
// not know about.
var WithExtraneousFlowsAllowed = func(allowed bool) Option {
	return func(a *App) {
		a.allowExtraneous = allowed
	}
}

// WithMetricsRegisterer registers the core's collectors with reg
var WithMetricsRegisterer = func(reg prometheus.Registerer) Option {
	return func(a *App) {
		a.registerer = reg
	}
}

// SnapshotArchiver keeps a copy of every polled device snapshot.
type SnapshotArchiver interface {
	Archive(ctx context.Context, device kflow.DeviceID, entries []kflow.FlowEntry) error
}

// WithSnapshotArchiver archives every polled snapshot. Archive failures are
// logged and never affect reconciliation.
var WithSnapshotArchiver = func(archiver SnapshotArchiver) Option {
	return func(a *App) {
		a.archiver = archiver
	}
}

// WithShutdownTimeout bounds how long Close waits for each worker pool
var WithShutdownTimeout = func(d time.Duration) Option {
	return func(a *App) {
		a.shutdownTimeout = d
	}
}

// NullWriter is a writer that discards all data
type NullWriter struct{}

func (NullWriter) Write(b []byte) (int, error) { return len(b), nil }

// NullLogger creates a logger that discards all output
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}
