// Package types defines the contracts shared between the scheduler and the
// agents it runs.
package types

import (
	"context"
	"time"
)

// Agent is a periodic unit of work identified fleet-wide by its type.
type Agent interface {
	// AgentType returns the globally unique key for this agent. It must be
	// stable for the agent's lifetime.
	AgentType() string
}

// Result is whatever an execution produced that still has to be stored.
type Result any

// Execution runs an agent once.
type Execution interface {
	Execute(ctx context.Context, agent Agent) (Result, error)
}

// ExecutionFunc adapts a function to Execution.
type ExecutionFunc func(ctx context.Context, agent Agent) (Result, error)

// Execute calls f(ctx, agent).
func (f ExecutionFunc) Execute(ctx context.Context, agent Agent) (Result, error) {
	return f(ctx, agent)
}

// ResultStore is implemented by executions that split running from storing.
// The scheduler calls Persist only after the claim was released while still
// owned, so a result produced by a run that lost its claim is discarded.
type ResultStore interface {
	Persist(ctx context.Context, agent Agent, result Result) error
}

// Instrumentation receives execution lifecycle events.
type Instrumentation interface {
	ExecutionStarted(agent Agent)
	ExecutionCompleted(agent Agent, elapsed time.Duration)
	ExecutionFailed(agent Agent, cause error, elapsed time.Duration)
}

// Interval is the scheduling policy of one agent.
type Interval struct {
	Interval      time.Duration `yaml:"interval" json:"interval"`             // re-run delay after success
	ErrorInterval time.Duration `yaml:"error_interval" json:"error_interval"` // re-run delay after failure
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`               // how long a claim stays valid
}

// Next returns the delay before the agent becomes eligible again.
func (i Interval) Next(success bool) time.Duration {
	if success {
		return i.Interval
	}
	return i.ErrorInterval
}

// IntervalProvider resolves the policy for an agent.
type IntervalProvider interface {
	GetInterval(agent Agent) Interval
}

// IntervalAware agents carry their own policy.
type IntervalAware interface {
	Interval() Interval
}

// NodeStatusProvider is the administrative gate in front of every tick.
type NodeStatusProvider interface {
	IsNodeEnabled() bool
}

// ActiveAgent describes one locally running execution.
type ActiveAgent struct {
	AgentType string    `json:"agent_type"`
	Deadline  time.Time `json:"deadline"`
}

// StatusSnapshot is the point-in-time view of one scheduler node.
type StatusSnapshot struct {
	Node       string        `json:"node"`        // node identity
	Strategy   string        `json:"strategy"`    // coordinator name
	Atomic     bool          `json:"atomic"`      // strong exclusivity guarantee
	Enabled    bool          `json:"enabled"`     // node gate state
	Registered []string      `json:"registered"`  // scheduled agent types
	Active     []ActiveAgent `json:"active"`      // in-flight executions
	RunCount   int64         `json:"run_count"`   // completed ticks
	TakenAt    time.Time     `json:"taken_at"`    // snapshot time
	SchemaVer  int           `json:"schema_ver"`  // format version
}
