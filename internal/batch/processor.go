// Package batch commits staged flow rule operations across devices.
//
// Each stage is split into one batch per device. A stage is finished only
// when every one of its device batches completed; failures are remembered but
// never stop sibling batches or later stages. The submission then reports
// exactly once: OnSuccess, or OnError with the rules that failed.
package batch

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/birdayz/flowcore/internal/metrics"
	"github.com/birdayz/flowcore/internal/pool"
	"github.com/birdayz/flowcore/kflow"
	flowlog "github.com/birdayz/flowcore/pkg/log"
)

type State int

const (
	StateStageRunning State = iota
	StateStageBarrier
	StateDoneOK
	StateDoneFail
)

func (s State) String() string {
	switch s {
	case StateStageRunning:
		return "STAGE_RUNNING"
	case StateStageBarrier:
		return "STAGE_BARRIER"
	case StateDoneOK:
		return "DONE_OK"
	case StateDoneFail:
		return "DONE_FAIL"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Store accepts per-device batches. Their outcome comes back through
// Processor.Complete.
type Store interface {
	StoreBatch(op kflow.FlowRuleBatchOperation)
}

type Config struct {
	Log   *slog.Logger
	Store Store
	// Devices runs the per-device store submissions.
	Devices *pool.Pool
	// Operations runs stage transitions.
	Operations *pool.Pool
	Metrics    *metrics.Metrics
}

type Processor struct {
	log        *slog.Logger
	store      Store
	devices    *pool.Pool
	operations *pool.Pool
	metrics    *metrics.Metrics

	lastBatchID atomic.Uint64
	lastSubID   atomic.Uint64

	mu       sync.Mutex
	inflight map[kflow.BatchID]*submission
}

func New(cfg Config) *Processor {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.Log == nil {
		cfg.Log = flowlog.Nop()
	}
	return &Processor{
		log:        cfg.Log,
		store:      cfg.Store,
		devices:    cfg.Devices,
		operations: cfg.Operations,
		metrics:    cfg.Metrics,
		inflight:   map[kflow.BatchID]*submission{},
	}
}

type submission struct {
	log *slog.Logger
	ops kflow.FlowRuleOperations

	mu      sync.Mutex
	state   State
	stage   int
	pending   map[kflow.BatchID]kflow.FlowRuleBatchOperation
	failed    bool
	failedOps []kflow.FlowRuleOperation
}

func (s *submission) changeState(newState State) {
	s.log.Debug("Change state", "from", s.state, "to", newState, "stage", s.stage)
	s.state = newState
}

// advance is the transition out of STAGE_BARRIER.
func (s *submission) advance() State {
	s.stage++
	return s.next()
}

func (s *submission) next() State {
	switch {
	case s.stage < len(s.ops.Stages):
		return StateStageRunning
	case s.failed:
		return StateDoneFail
	default:
		return StateDoneOK
	}
}

// fail records the failed operations of batch b. Results that only name
// rules are matched to the first unclaimed operation with the same identity.
func (s *submission) fail(b kflow.FlowRuleBatchOperation, result kflow.CompletedBatchOperation) {
	s.failed = true
	if len(result.FailedOperations) > 0 {
		s.failedOps = append(s.failedOps, result.FailedOperations...)
		return
	}

	claimed := make([]bool, len(b.Operations))
	for _, r := range result.FailedRules {
		id := r.ID()
		op := kflow.FlowRuleOperation{Type: kflow.OpAdd, Rule: r}
		for i, o := range b.Operations {
			if !claimed[i] && o.Rule.ID() == id {
				claimed[i] = true
				op = o
				break
			}
		}
		s.failedOps = append(s.failedOps, op)
	}
}

// failRemaining fails every operation of the current and later stages.
func (s *submission) failRemaining() {
	s.failed = true
	for _, stage := range s.ops.Stages[min(s.stage, len(s.ops.Stages)):] {
		s.failedOps = append(s.failedOps, stage...)
	}
}

// Submit starts ops in the background.
func (p *Processor) Submit(ops kflow.FlowRuleOperations) {
	s := &submission{
		log:     p.log.With("submission", p.lastSubID.Add(1)),
		ops:     ops,
		pending: map[kflow.BatchID]kflow.FlowRuleBatchOperation{},
	}
	p.metrics.SubmissionsPending.Inc()
	p.schedule(s)
}

func (p *Processor) schedule(s *submission) {
	if err := p.operations.Submit(func() { p.runStage(s) }); err != nil {
		s.log.Error("Cannot schedule stage", "error", err)
		s.mu.Lock()
		s.failRemaining()
		s.changeState(StateDoneFail)
		s.mu.Unlock()
		p.report(s)
	}
}

// runStage submits the per-device batches of the current stage. Stages
// without operations are skipped.
func (p *Processor) runStage(s *submission) {
	s.mu.Lock()
	var batches []kflow.FlowRuleBatchOperation
	for ; s.stage < len(s.ops.Stages); s.stage++ {
		batches = p.split(s, s.ops.Stages[s.stage])
		if len(batches) > 0 {
			break
		}
	}

	if len(batches) == 0 {
		s.changeState(s.next())
		s.mu.Unlock()
		p.report(s)
		return
	}

	if s.state != StateStageRunning {
		s.changeState(StateStageRunning)
	}
	for _, b := range batches {
		s.pending[b.ID] = b
	}
	s.mu.Unlock()

	p.mu.Lock()
	for _, b := range batches {
		p.inflight[b.ID] = s
	}
	p.mu.Unlock()

	for _, b := range batches {
		p.metrics.DeviceBatches.Inc()
		if err := p.devices.Submit(func() { p.storeBatch(s, b) }); err != nil {
			s.log.Error("Cannot submit device batch", "batch_id", b.ID, "device", b.DeviceID, "error", err)
			p.Complete(b.ID, kflow.Failed(b))
		}
	}
}

// storeBatch hands b to the store. A panicking store fails the batch so the
// stage barrier still releases.
func (p *Processor) storeBatch(s *submission, b kflow.FlowRuleBatchOperation) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Storing device batch panicked", "batch_id", b.ID, "device", b.DeviceID, "panic", r)
			p.Complete(b.ID, kflow.Failed(b))
		}
	}()
	p.store.StoreBatch(b)
}

func (p *Processor) split(s *submission, stage []kflow.FlowRuleOperation) []kflow.FlowRuleBatchOperation {
	byDevice := map[kflow.DeviceID][]kflow.FlowRuleOperation{}
	var order []kflow.DeviceID
	for _, op := range stage {
		d := op.Rule.DeviceID
		if _, ok := byDevice[d]; !ok {
			order = append(order, d)
		}
		byDevice[d] = append(byDevice[d], op)
	}

	batches := make([]kflow.FlowRuleBatchOperation, 0, len(order))
	for _, d := range order {
		batches = append(batches, kflow.FlowRuleBatchOperation{
			ID:         kflow.BatchID(p.lastBatchID.Add(1)),
			DeviceID:   d,
			Operations: byDevice[d],
		})
	}
	return batches
}

// Complete routes a device result to its submission. Results for unknown or
// already completed batch ids are ignored.
func (p *Processor) Complete(id kflow.BatchID, result kflow.CompletedBatchOperation) {
	p.mu.Lock()
	s, ok := p.inflight[id]
	delete(p.inflight, id)
	p.mu.Unlock()
	if !ok {
		p.log.Debug("Ignoring completion of unknown batch", "batch_id", id)
		return
	}

	s.mu.Lock()
	b, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	if !result.Success {
		p.metrics.FailedRules.Add(float64(len(result.FailedRules)))
		s.log.Warn("Device batch failed", "batch_id", id, "device", result.DeviceID, "failed", len(result.FailedRules))
		s.fail(b, result)
	}
	if len(s.pending) > 0 {
		s.mu.Unlock()
		return
	}

	s.changeState(StateStageBarrier)
	next := s.advance()
	if next == StateStageRunning {
		s.mu.Unlock()
		p.schedule(s)
		return
	}
	s.changeState(next)
	s.mu.Unlock()
	p.report(s)
}

func (p *Processor) report(s *submission) {
	p.metrics.SubmissionsPending.Dec()

	s.mu.Lock()
	state := s.state
	failedOps := s.failedOps
	s.mu.Unlock()

	ctx := s.ops.Context
	if state == StateDoneOK {
		p.metrics.Submissions.WithLabelValues("success").Inc()
		if ctx != nil {
			ctx.OnSuccess(s.ops)
		}
		return
	}

	p.metrics.Submissions.WithLabelValues("failure").Inc()
	if ctx != nil {
		failed := kflow.FlowRuleOperations{Context: ctx}
		if len(failedOps) > 0 {
			failed.Stages = [][]kflow.FlowRuleOperation{failedOps}
		}
		ctx.OnError(failed)
	}
}

// Pending returns the number of device batches awaiting completion.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}
