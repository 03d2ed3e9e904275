// Package metrics holds the prometheus collectors of the flow core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flowcore"

type Metrics struct {
	// Batch processor
	Submissions        *prometheus.CounterVec // result=success|failure
	SubmissionsPending prometheus.Gauge
	DeviceBatches      prometheus.Counter
	FailedRules        prometheus.Counter

	// Reconciliation
	ReconcileActions *prometheus.CounterVec // action
	ReconcileErrors  prometheus.Counter
	Polls            *prometheus.CounterVec // result=ok|error

	// Objectives
	InstallAttempts   prometheus.Counter
	ObjectiveFailures *prometheus.CounterVec // error
	PendingObjectives prometheus.Gauge
	LaneTimeouts      prometheus.Counter

	// Pools
	PoolQueueDepth *prometheus.GaugeVec   // pool
	PoolTasks      *prometheus.CounterVec // pool, result=ok|panic
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "submissions_total",
			Help:      "Completed flow rule operation submissions by outcome",
		}, []string{"result"}),
		SubmissionsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "submissions_pending",
			Help:      "Submissions that have not reached a terminal state",
		}),
		DeviceBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "device_batches_total",
			Help:      "Per-device batches handed to the store",
		}),
		FailedRules: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "failed_rules_total",
			Help:      "Rules reported as failed by devices",
		}),
		ReconcileActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "actions_total",
			Help:      "Reconciliation decisions by action",
		}, []string{"action"}),
		ReconcileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "errors_total",
			Help:      "Per-entry reconciliation failures",
		}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "device_polls_total",
			Help:      "Device snapshot polls by outcome",
		}, []string{"result"}),
		InstallAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "objective",
			Name:      "install_attempts_total",
			Help:      "Objective installer attempts",
		}),
		ObjectiveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "objective",
			Name:      "failures_total",
			Help:      "Objectives reported as failed by error",
		}, []string{"error"}),
		PendingObjectives: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "objective",
			Name:      "pending",
			Help:      "Objectives waiting for a next group",
		}),
		LaneTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inorder",
			Name:      "timeouts_total",
			Help:      "Lane heads that timed out",
		}),
		PoolQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a worker",
		}, []string{"pool"}),
		PoolTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "tasks_total",
			Help:      "Executed tasks by outcome",
		}, []string{"pool", "result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Submissions,
			m.SubmissionsPending,
			m.DeviceBatches,
			m.FailedRules,
			m.ReconcileActions,
			m.ReconcileErrors,
			m.Polls,
			m.InstallAttempts,
			m.ObjectiveFailures,
			m.PendingObjectives,
			m.LaneTimeouts,
			m.PoolQueueDepth,
			m.PoolTasks,
		)
	}

	return m
}

// Nop returns unregistered collectors.
func Nop() *Metrics {
	return New(nil)
}
