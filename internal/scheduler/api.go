package scheduler

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/agentd/internal/lease"
	"github.com/ChuLiYu/agentd/internal/registry"
	"github.com/ChuLiYu/agentd/pkg/types"
)

// Schedule registers agent with its execution. Scheduling an agent type
// again replaces its execution and instrumentation. Agent types outside the
// enabled pattern are ignored. A nil instrumentation uses the scheduler's.
//
// The agent stays registered locally even when the store registration fails;
// the periodic bootstrap retries it.
func (s *Scheduler) Schedule(ctx context.Context, agent types.Agent, exec types.Execution, inst types.Instrumentation) error {
	if agent == nil || exec == nil {
		return registry.ErrInvalidAgent
	}
	agentType := agent.AgentType()
	if !s.pattern.MatchString(agentType) {
		s.logger.Debug("Agent not enabled on this node", "agentType", agentType, "pattern", s.cfg.EnabledAgentPattern)
		return nil
	}

	added, err := s.registry.Put(&registry.Bundle{
		Agent:           agent,
		Execution:       exec,
		Instrumentation: inst,
		ScheduledAt:     s.clock.Now(),
	})
	if err != nil {
		return err
	}
	if added {
		s.logger.Info("Agent scheduled", "agentType", agentType)
	}

	if err := s.coordinator.EnsureRegistered(ctx, agentType); err != nil {
		return fmt.Errorf("failed to register %s: %w", agentType, err)
	}
	return nil
}

// Unschedule removes agentType locally and from the coordination store. A
// running execution finishes, but its release finds no claim to hand back.
func (s *Scheduler) Unschedule(ctx context.Context, agentType string) error {
	removed := s.registry.Remove(agentType)
	if err := s.coordinator.Unregister(ctx, agentType); err != nil {
		return fmt.Errorf("failed to unregister %s: %w", agentType, err)
	}
	if removed {
		s.logger.Info("Agent unscheduled", "agentType", agentType)
	}
	return nil
}

// TryLock claims a scheduled agent outside the driver, for callers that hold
// a claim across several operations. A nil lock means it was not claimed.
func (s *Scheduler) TryLock(ctx context.Context, agentType string) (*lease.Lock, error) {
	b, err := s.registry.Get(agentType)
	if err != nil {
		return nil, err
	}
	return s.coordinator.Claim(ctx, agentType, s.intervals.GetInterval(b.Agent).Timeout)
}

// TryRelease hands back a lock taken with TryLock, restoring the schedule
// the agent had before the claim. It reports false when the claim was no
// longer held.
func (s *Scheduler) TryRelease(ctx context.Context, lock *lease.Lock) (bool, error) {
	if lock == nil {
		return false, nil
	}
	return s.coordinator.Restore(ctx, lock)
}

// LockValid reports whether lock is still held.
func (s *Scheduler) LockValid(ctx context.Context, lock *lease.Lock) (bool, error) {
	if lock == nil {
		return false, nil
	}
	return s.coordinator.Valid(ctx, lock)
}

// IsAtomic reports whether the active strategy guarantees strict
// exclusivity across nodes.
func (s *Scheduler) IsAtomic() bool {
	return s.coordinator.Atomic()
}
