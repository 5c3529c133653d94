// ============================================================================
// agentd worker pool - concurrent agent execution
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: run claimed agents on a fixed set of goroutines
//
// Layout:
//   ┌─────────────┐
//   │ Scheduler   │ --Submit()--> taskCh (buffered)
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ OnResult hook
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Submit never blocks. The scheduler tick must not wait on workers, so a full
// queue is reported as ErrPoolFull and the caller hands its claim back.
//
// Lifecycle:
//   1. NewPool(queueSize)  - create channels
//   2. Start(ctx, n)       - launch n workers
//   3. Submit(task)        - enqueue without blocking
//   4. Stop()              - refuse new tasks, drain the queue, wait
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull is returned by Submit when the task queue is full.
	ErrPoolFull = errors.New("worker pool queue is full")
	// ErrPoolStarted is returned by a second Start.
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// Pool
// ============================================================================

// Pool runs tasks on a fixed number of workers.
type Pool struct {
	workers  []*Worker      // started workers
	taskCh   chan Task      // pending tasks
	onResult func(Result)   // optional completion hook
	wg       sync.WaitGroup // running workers
	started  bool
	stopped  bool
	mu       sync.Mutex // guards started, stopped and sends on taskCh

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	busy      atomic.Int64
}

// NewPool creates a pool whose queue holds queueSize tasks.
func NewPool(queueSize int) *Pool {
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, queueSize),
	}
}

// OnResult installs a hook called after every task. Call before Start.
func (p *Pool) OnResult(fn func(Result)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onResult = fn
}

// Start launches workerCount workers. Tasks receive ctx.
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, &p.busy, p.finish)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started = true
	return nil
}

func (p *Pool) finish(r Result) {
	p.completed.Inc()
	p.mu.Lock()
	hook := p.onResult
	p.mu.Unlock()
	if hook != nil {
		hook(r)
	}
}

// Submit enqueues task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	// Holding mu while sending keeps Stop from closing taskCh underneath us;
	// the send cannot block because of the default branch.
	select {
	case p.taskCh <- task:
		p.submitted.Inc()
		return nil
	default:
		p.rejected.Inc()
		return ErrPoolFull
	}
}

// Stop refuses new tasks, lets the workers drain the queue and waits for
// them to exit. Safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has run.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Busy      int64 `json:"busy"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.GetWorkerCount(),
		Queued:    len(p.taskCh),
		Busy:      p.busy.Load(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
