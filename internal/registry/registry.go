// ============================================================================
// agentd registry - locally scheduled agents and in-flight executions
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: in-process bookkeeping for the scheduler driver
//
// Two maps live here:
//   Registry     - agent type -> Bundle (agent, execution, instrumentation).
//                  Written by Schedule/Unschedule, read by every tick.
//   ActiveAgents - agent type -> claim deadline for executions running on
//                  this node. An entry is added when a claim is dispatched
//                  and removed once, by the worker that ran it.
//
// Lifecycle of an agent type on one node:
//   Schedule()            -> Registry.Put
//   tick claims it        -> ActiveAgents.TryAdd
//   worker finishes       -> ActiveAgents.Remove
//   Unschedule()          -> Registry.Remove only; a running execution
//                            still clears its own ActiveAgents entry
//
// Concurrency:
//   - each map has its own sync.RWMutex
//   - every mutation is a single-key upsert or delete
//   - no lock is held across store calls
//
// ============================================================================

package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/agentd/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrAgentNotFound is returned for an agent type that is not scheduled.
	ErrAgentNotFound = errors.New("agent not scheduled")
	// ErrInvalidAgent is returned for a nil agent or an empty agent type.
	ErrInvalidAgent = errors.New("invalid agent")
)

// ============================================================================
// Registry
// ============================================================================

// Bundle is everything needed to run one agent.
type Bundle struct {
	Agent           types.Agent
	Execution       types.Execution
	Instrumentation types.Instrumentation
	ScheduledAt     time.Time
}

// Registry maps agent types to their bundles.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Bundle
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{agents: make(map[string]*Bundle)}
}

// Put registers or replaces the bundle for its agent type. It reports
// whether the type was new.
func (r *Registry) Put(b *Bundle) (bool, error) {
	if b == nil || b.Agent == nil || b.Agent.AgentType() == "" || b.Execution == nil {
		return false, ErrInvalidAgent
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agentType := b.Agent.AgentType()
	_, exists := r.agents[agentType]
	r.agents[agentType] = b
	return !exists, nil
}

// Get returns the bundle for agentType.
func (r *Registry) Get(agentType string) (*Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.agents[agentType]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return b, nil
}

// Remove unregisters agentType and reports whether it was present.
func (r *Registry) Remove(agentType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.agents[agentType]
	delete(r.agents, agentType)
	return ok
}

// Types returns the registered agent types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.agents))
	for t := range r.agents {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ============================================================================
// ActiveAgents
// ============================================================================

// ActiveAgents tracks executions running on this node.
type ActiveAgents struct {
	mu     sync.RWMutex
	active map[string]time.Time
}

// NewActiveAgents creates an empty tracker.
func NewActiveAgents() *ActiveAgents {
	return &ActiveAgents{active: make(map[string]time.Time)}
}

// TryAdd marks agentType as running until deadline. It fails if the type is
// already running here.
func (a *ActiveAgents) TryAdd(agentType string, deadline time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, running := a.active[agentType]; running {
		return false
	}
	a.active[agentType] = deadline
	return true
}

// Remove clears agentType and reports whether it was running.
func (a *ActiveAgents) Remove(agentType string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.active[agentType]
	delete(a.active, agentType)
	return ok
}

// Contains reports whether agentType is running here.
func (a *ActiveAgents) Contains(agentType string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.active[agentType]
	return ok
}

// Len returns the number of running executions.
func (a *ActiveAgents) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.active)
}

// Overdue returns the running agent types whose claim deadline is before
// now. Their claims may already have been reclaimed by another node.
func (a *ActiveAgents) Overdue(now time.Time) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []string
	for t, deadline := range a.active {
		if deadline.Before(now) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot lists running executions ordered by deadline.
func (a *ActiveAgents) Snapshot() []types.ActiveAgent {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]types.ActiveAgent, 0, len(a.active))
	for t, deadline := range a.active {
		out = append(out, types.ActiveAgent{AgentType: t, Deadline: deadline})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].AgentType < out[j].AgentType
	})
	return out
}
