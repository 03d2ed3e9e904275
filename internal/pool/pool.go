// Package pool provides a fixed-size executor with an unbounded FIFO queue.
// A pool with one worker is a single-thread executor: tasks run one at a
// time in submission order.
package pool

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/birdayz/flowcore/internal/metrics"
	flowlog "github.com/birdayz/flowcore/pkg/log"
)

var (
	ErrPoolStopped = errors.New("pool: stopped")
	ErrStopTimeout = errors.New("pool: stop timed out")
)

type Pool struct {
	name    string
	workers int
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	started bool
	stopped bool

	wg sync.WaitGroup
}

type Option func(*Pool)

var WithLog = func(log *slog.Logger) Option {
	return func(p *Pool) {
		p.log = log
	}
}

var WithMetrics = func(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

func New(name string, workers int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		name:    name,
		workers: workers,
		log:     flowlog.Nop(),
		metrics: metrics.Nop(),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("pool", name)
	return p
}

// Start launches the workers. Tasks submitted before Start are queued.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.startWorkers()
}

// startWorkers must be called with mu held.
func (p *Pool) startWorkers() {
	p.started = true
	for range p.workers {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit enqueues a task. It never blocks.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	p.queue = append(p.queue, task)
	p.metrics.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.queue)))
	p.cond.Signal()
	return nil
}

// Stop rejects new tasks, lets the workers drain the queue and waits for them
// up to timeout. Tasks queued before Start still run. When the timeout
// elapses the tasks that have not started yet are dropped; running tasks
// finish on their own.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	if !p.started && len(p.queue) > 0 {
		p.startWorkers()
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		dropped := p.dropQueued()
		p.log.Warn("Pool did not drain in time", "timeout", timeout, "dropped", dropped)
		return ErrStopTimeout
	}
}

func (p *Pool) dropQueued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	p.queue = nil
	p.metrics.PoolQueueDepth.WithLabelValues(p.name).Set(0)
	return n
}

// Len returns the number of queued tasks.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		task, ok := p.next()
		if !ok {
			return
		}
		p.run(task)
	}
}

func (p *Pool) next() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	task := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.metrics.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.queue)))
	return task, true
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Task panicked", "panic", r)
			p.metrics.PoolTasks.WithLabelValues(p.name, "panic").Inc()
		}
	}()
	task()
	p.metrics.PoolTasks.WithLabelValues(p.name, "ok").Inc()
}
