// ============================================================================
// agentd scheduler - fleet-wide agent lease driver
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: every tick, claim due agents through the lease coordinator and
//          run them on the local worker pool
//
// Loops (one goroutine each):
//   1. Tick loop     - fixed-rate driver, never blocks on an execution
//   2. Snapshot loop - writes a StatusSnapshot for `agentd status`
//
// One tick:
//   gate check -> bootstrap every RefreshPeriod ticks -> Candidates ->
//   skip locally active -> governor permit -> Claim -> ActiveAgents ->
//   Submit to the pool (claim handed back if the queue is full)
//
// One execution (worker goroutine):
//   claim lapsed while queued? -> Restore and skip
//   started -> body -> completed|failed -> Release(interval|errorInterval)
//   -> persist or discard result -> ActiveAgents.Remove -> permit back
//
// The governor never exceeds WorkerCount, so a node holds at most as many
// claims as it has workers to run them.
//
// Local ordering: an agent type is never dispatched twice at once on this
// node. ActiveAgents is checked before the claim and cleared only after the
// worker has released it.
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/agentd/internal/lease"
	"github.com/ChuLiYu/agentd/internal/metrics"
	"github.com/ChuLiYu/agentd/internal/registry"
	"github.com/ChuLiYu/agentd/internal/snapshot"
	"github.com/ChuLiYu/agentd/internal/worker"
	"github.com/ChuLiYu/agentd/pkg/types"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrNoCoordinator is returned by New without a coordinator.
	ErrNoCoordinator = errors.New("scheduler needs a lease coordinator")
)

// Unlimited leaves the governor bounded by the worker count only.
const Unlimited = -1

// Config tunes the driver.
type Config struct {
	Identity            string        // node identity reported in snapshots
	TickInterval        time.Duration // fixed driver period
	RefreshPeriod       int           // bootstrap every N ticks
	MaxConcurrentAgents int           // governor size, capped at WorkerCount
	EnabledAgentPattern string        // agent types outside it are not scheduled
	WorkerCount         int
	QueueSize           int
	SnapshotInterval    time.Duration
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:        time.Second,
		RefreshPeriod:       30,
		MaxConcurrentAgents: Unlimited,
		EnabledAgentPattern: ".*",
		WorkerCount:         16,
		QueueSize:           256,
		SnapshotInterval:    10 * time.Second,
	}
}

// Metrics is what the driver reports. *metrics.Collector implements it.
type Metrics interface {
	RecordClaim(result string)
	RecordRelease(result string)
	RecordDiscarded()
	RecordDispatchRejected()
	RecordTick(elapsed time.Duration, failed bool)
	UpdateAgentStats(registered, active int, enabled bool)
}

type nopMetrics struct{}

func (nopMetrics) RecordClaim(string)             {}
func (nopMetrics) RecordRelease(string)           {}
func (nopMetrics) RecordDiscarded()               {}
func (nopMetrics) RecordDispatchRejected()        {}
func (nopMetrics) RecordTick(time.Duration, bool) {}
func (nopMetrics) UpdateAgentStats(int, int, bool) {}

type alwaysEnabled struct{}

func (alwaysEnabled) IsNodeEnabled() bool { return true }

// Deps are the collaborators of a Scheduler. Only Coordinator is required.
type Deps struct {
	Coordinator     lease.Coordinator
	Intervals       types.IntervalProvider
	Gate            types.NodeStatusProvider
	Instrumentation types.Instrumentation // used when Schedule gets none
	Metrics         Metrics
	Snapshots       *snapshot.Manager
	Clock           clock.Clock
	Logger          *slog.Logger
}

// Scheduler is the per-node driver.
type Scheduler struct {
	cfg             Config
	coordinator     lease.Coordinator
	intervals       types.IntervalProvider
	gate            types.NodeStatusProvider
	instrumentation types.Instrumentation
	metrics         Metrics
	snapshots       *snapshot.Manager
	clock           clock.Clock
	logger          *slog.Logger

	pattern  *regexp.Regexp
	registry *registry.Registry
	active   *registry.ActiveAgents
	pool     *worker.Pool
	governor *semaphore.Weighted
	runCount *atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup
}

// New builds a Scheduler. Zero Config fields take DefaultConfig values.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Coordinator == nil {
		return nil, ErrNoCoordinator
	}
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.RefreshPeriod <= 0 {
		cfg.RefreshPeriod = def.RefreshPeriod
	}
	if cfg.MaxConcurrentAgents == 0 {
		cfg.MaxConcurrentAgents = def.MaxConcurrentAgents
	}
	if cfg.MaxConcurrentAgents < Unlimited {
		return nil, fmt.Errorf("max concurrent agents must be positive or %d, got %d", Unlimited, cfg.MaxConcurrentAgents)
	}
	if cfg.EnabledAgentPattern == "" {
		cfg.EnabledAgentPattern = def.EnabledAgentPattern
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = def.SnapshotInterval
	}

	pattern, err := regexp.Compile("^(?:" + cfg.EnabledAgentPattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid enabled agent pattern: %w", err)
	}

	s := &Scheduler{
		cfg:             cfg,
		coordinator:     deps.Coordinator,
		intervals:       deps.Intervals,
		gate:            deps.Gate,
		instrumentation: deps.Instrumentation,
		metrics:         deps.Metrics,
		snapshots:       deps.Snapshots,
		clock:           deps.Clock,
		logger:          deps.Logger,
		pattern:         pattern,
		registry:        registry.New(),
		active:          registry.NewActiveAgents(),
		pool:            worker.NewPool(cfg.QueueSize),
		runCount:        atomic.NewInt64(0),
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.intervals == nil {
		s.intervals = NewIntervalProvider(DefaultInterval(), nil)
	}
	if s.gate == nil {
		s.gate = alwaysEnabled{}
	}
	if s.instrumentation == nil {
		s.instrumentation = NewLoggingInstrumentation(s.logger)
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	permits := cfg.WorkerCount
	if cfg.MaxConcurrentAgents > 0 && cfg.MaxConcurrentAgents < permits {
		permits = cfg.MaxConcurrentAgents
	}
	s.governor = semaphore.NewWeighted(int64(permits))
	s.pool.OnResult(s.onWorkerResult)
	if r, ok := s.coordinator.(lease.ReclaimScheduler); ok {
		r.SetReclaimDelay(s.reclaimDelay)
	}
	return s, nil
}

// Start launches the worker pool and the driver loops. Executions run under
// ctx; Stop ends the loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	if err := s.pool.Start(ctx, s.cfg.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Tickers are created here so a mock clock advanced right after Start
	// already sees them.
	ticker := s.clock.Ticker(s.cfg.TickInterval)
	s.loopWg.Add(1)
	go s.tickLoop(loopCtx, ticker)

	if s.snapshots != nil {
		snapTicker := s.clock.Ticker(s.cfg.SnapshotInterval)
		s.loopWg.Add(1)
		go s.snapshotLoop(loopCtx, snapTicker)
	}

	s.started = true
	s.logger.Info("Scheduler started",
		"node", s.cfg.Identity,
		"strategy", s.coordinator.Name(),
		"workers", s.cfg.WorkerCount,
		"tick", s.cfg.TickInterval)
	return nil
}

// Stop ends the driver loops, waits for running executions to release their
// claims and writes a final snapshot. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info("Stopping scheduler...")

	s.cancel()
	s.loopWg.Wait()
	s.pool.Stop()

	if s.snapshots != nil {
		if err := s.snapshots.Write(s.Status()); err != nil {
			s.logger.Error("Failed to write final snapshot", "error", err)
		}
	}
	s.logger.Info("Scheduler stopped", "ticks", s.runCount.Load())
}

func (s *Scheduler) tickLoop(ctx context.Context, ticker *clock.Ticker) {
	defer s.loopWg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Tick loop stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Scheduler) snapshotLoop(ctx context.Context, ticker *clock.Ticker) {
	defer s.loopWg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := s.snapshots.Write(s.Status()); err != nil {
				s.logger.Error("Failed to write snapshot", "error", err)
			}
		}
	}
}

// RunOnce performs one driver tick. It never panics and never returns an
// error; failures are logged and the next tick tries again.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if !s.gate.IsNodeEnabled() {
		s.logger.Debug("Node disabled, skipping tick", "node", s.cfg.Identity)
		s.metrics.UpdateAgentStats(s.registry.Len(), s.active.Len(), false)
		return
	}

	start := s.clock.Now()
	failed := false
	defer func() {
		if r := recover(); r != nil {
			failed = true
			s.logger.Error("Scheduler tick panicked", "panic", r)
		}
		s.runCount.Inc()
		s.metrics.RecordTick(s.clock.Since(start), failed)
		s.metrics.UpdateAgentStats(s.registry.Len(), s.active.Len(), true)
	}()

	if err := s.tick(ctx); err != nil {
		failed = true
		s.logger.Error("Scheduler tick failed", "error", err)
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	registered := s.registry.Types()
	if len(registered) == 0 {
		return nil
	}

	if s.runCount.Load()%int64(s.cfg.RefreshPeriod) == 0 {
		s.bootstrap(ctx, registered)
	}

	candidates, err := s.coordinator.Candidates(ctx, registered)
	if err != nil {
		return fmt.Errorf("failed to list candidates: %w", err)
	}

	for _, agentType := range s.active.Overdue(s.clock.Now()) {
		s.logger.Warn("Agent running past its claim timeout", "agentType", agentType)
	}

	for _, agentType := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.active.Contains(agentType) {
			continue
		}
		if !s.acquirePermit() {
			s.logger.Debug("Concurrency limit reached", "limit", s.cfg.MaxConcurrentAgents)
			break
		}
		if !s.dispatch(ctx, agentType) {
			s.releasePermit()
		}
	}
	return nil
}

// bootstrap re-registers every scheduled agent so a store that lost its
// data heals itself.
func (s *Scheduler) bootstrap(ctx context.Context, registered []string) {
	for _, agentType := range registered {
		if err := s.coordinator.EnsureRegistered(ctx, agentType); err != nil {
			s.logger.Warn("Failed to re-register agent", "agentType", agentType, "error", err)
		}
	}
}

// dispatch claims agentType and hands it to the pool. It reports whether an
// execution now owns the governor permit.
func (s *Scheduler) dispatch(ctx context.Context, agentType string) bool {
	bundle, err := s.registry.Get(agentType)
	if err != nil {
		// unscheduled since the tick started
		return false
	}
	interval := s.intervals.GetInterval(bundle.Agent)

	lock, err := s.coordinator.Claim(ctx, agentType, interval.Timeout)
	if err != nil {
		s.metrics.RecordClaim(metrics.ClaimError)
		s.logger.Warn("Failed to claim agent", "agentType", agentType, "error", err)
		return false
	}
	if lock == nil {
		s.metrics.RecordClaim(metrics.ClaimMissed)
		return false
	}
	s.metrics.RecordClaim(metrics.ClaimClaimed)

	if !s.active.TryAdd(agentType, lock.Deadline) {
		s.logger.Warn("Agent already active, handing claim back", "agentType", agentType)
		s.handBack(lock)
		return false
	}

	task := worker.Task{
		ID: agentType,
		Run: func(ctx context.Context) {
			s.execute(ctx, bundle, lock, interval)
		},
	}
	if err := s.pool.Submit(task); err != nil {
		s.metrics.RecordDispatchRejected()
		s.logger.Warn("Failed to dispatch agent, handing claim back", "agentType", agentType, "error", err)
		s.handBack(lock)
		s.active.Remove(agentType)
		return false
	}

	s.logger.Debug("Agent dispatched", "agentType", agentType, "deadline", lock.Deadline)
	return true
}

// handBack returns a claim that never ran to its previous schedule.
func (s *Scheduler) handBack(lock *lease.Lock) {
	ctx := context.Background()
	if _, err := s.coordinator.Restore(ctx, lock); err != nil {
		s.logger.Error("Failed to hand back claim", "agentType", lock.AgentType, "error", err)
	}
}

func (s *Scheduler) acquirePermit() bool {
	return s.governor.TryAcquire(1)
}

func (s *Scheduler) releasePermit() {
	s.governor.Release(1)
}

// reclaimDelay is how long a reclaimed claim of agentType waits before it is
// due again: one regular interval.
func (s *Scheduler) reclaimDelay(agentType string) time.Duration {
	if b, err := s.registry.Get(agentType); err == nil {
		return s.intervals.GetInterval(b.Agent).Interval
	}
	return s.intervals.GetInterval(unregisteredAgent(agentType)).Interval
}

type unregisteredAgent string

func (a unregisteredAgent) AgentType() string { return string(a) }

// onWorkerResult sees every finished task. execute has already cleaned up by
// the time a panic reaches the pool, so this only logs.
func (s *Scheduler) onWorkerResult(r worker.Result) {
	if r.Panic != nil {
		s.logger.Error("Execution wrapper panicked", "agentType", r.TaskID, "panic", r.Panic)
	}
}

// Status returns the node's current view.
func (s *Scheduler) Status() types.StatusSnapshot {
	return types.StatusSnapshot{
		Node:       s.cfg.Identity,
		Strategy:   s.coordinator.Name(),
		Atomic:     s.coordinator.Atomic(),
		Enabled:    s.gate.IsNodeEnabled(),
		Registered: s.registry.Types(),
		Active:     s.active.Snapshot(),
		RunCount:   s.runCount.Load(),
		TakenAt:    s.clock.Now().UTC(),
	}
}

// PoolStats exposes the worker pool counters.
func (s *Scheduler) PoolStats() worker.Stats {
	return s.pool.Stats()
}
