package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/agentd/internal/lease"
	"github.com/ChuLiYu/agentd/internal/metrics"
	"github.com/ChuLiYu/agentd/internal/registry"
	"github.com/ChuLiYu/agentd/pkg/types"
)

// PanicError is the failure reported for a job body that panicked.
type PanicError struct {
	AgentType string
	Value     any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("agent %s panicked: %v", e.AgentType, e.Value)
}

// execute runs one claimed agent on a worker goroutine. Every exit path
// releases the claim, clears the ActiveAgents entry and returns the permit,
// including a panic in the instrumentation.
func (s *Scheduler) execute(ctx context.Context, b *registry.Bundle, lock *lease.Lock, interval types.Interval) {
	agentType := lock.AgentType
	settled := false
	succeeded := false
	defer func() {
		if !settled {
			s.release(context.WithoutCancel(ctx), lock, interval.Next(succeeded))
		}
		s.active.Remove(agentType)
		s.releasePermit()
	}()

	// A claim that waited in the queue past its deadline may already belong
	// to another node.
	if !s.claimStillHeld(ctx, lock) {
		settled = true
		s.metrics.RecordRelease(metrics.ReleaseLapsed)
		s.logger.Warn("Claim lapsed before the agent started, skipping run",
			"agentType", agentType, "deadline", lock.Deadline)
		s.handBack(lock)
		return
	}

	inst := b.Instrumentation
	if inst == nil {
		inst = s.instrumentation
	}

	s.notify(agentType, func() { inst.ExecutionStarted(b.Agent) })
	start := s.clock.Now()
	result, err := s.invoke(ctx, b)
	elapsed := s.clock.Since(start)
	succeeded = err == nil
	if err != nil {
		s.notify(agentType, func() { inst.ExecutionFailed(b.Agent, err, elapsed) })
	} else {
		s.notify(agentType, func() { inst.ExecutionCompleted(b.Agent, elapsed) })
	}

	// The release must happen even when the pool is shutting down.
	settled = true
	owned, releaseErr := s.release(context.WithoutCancel(ctx), lock, interval.Next(succeeded))

	persister, ok := b.Execution.(types.ResultStore)
	if err != nil || result == nil || !ok {
		return
	}
	if s.coordinator.Atomic() && (releaseErr != nil || !owned) {
		s.metrics.RecordDiscarded()
		s.logger.Info("Discarding result of lost claim", "agentType", agentType, "holder", lock.Holder)
		return
	}
	if perr := persister.Persist(ctx, b.Agent, result); perr != nil {
		s.logger.Error("Failed to persist result", "agentType", agentType, "error", perr)
	}
}

// claimStillHeld reports whether lock is inside its deadline and still ours
// in the store.
func (s *Scheduler) claimStillHeld(ctx context.Context, lock *lease.Lock) bool {
	if !s.clock.Now().Before(lock.Deadline) {
		return false
	}
	valid, err := s.coordinator.Valid(ctx, lock)
	if err != nil {
		s.logger.Warn("Failed to validate claim", "agentType", lock.AgentType, "error", err)
		return false
	}
	return valid
}

// notify calls an instrumentation hook. A panicking hook is logged and does
// not abort the execution.
func (s *Scheduler) notify(agentType string, hook func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Instrumentation panicked", "agentType", agentType, "panic", r)
		}
	}()
	hook()
}

// invoke calls the job body, turning a panic into a *PanicError.
func (s *Scheduler) invoke(ctx context.Context, b *registry.Bundle) (result types.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{AgentType: b.Agent.AgentType(), Value: r}
			result = nil
		}
	}()
	return b.Execution.Execute(ctx, b.Agent)
}

// release hands the claim back with the delay before the next run and
// records the outcome.
func (s *Scheduler) release(ctx context.Context, lock *lease.Lock, delay time.Duration) (bool, error) {
	owned, err := s.coordinator.Release(ctx, lock, delay)
	switch {
	case err != nil:
		s.metrics.RecordRelease(metrics.ReleaseError)
		s.logger.Error("Failed to release claim", "agentType", lock.AgentType, "error", err)
	case !owned:
		s.metrics.RecordRelease(metrics.ReleaseConflict)
		s.logger.Debug("Claim was taken over before release", "agentType", lock.AgentType)
	default:
		s.metrics.RecordRelease(metrics.ReleaseReleased)
	}
	return owned, err
}
