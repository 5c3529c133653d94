package scheduler

import (
	"time"

	"github.com/ChuLiYu/agentd/pkg/types"
)

// DefaultInterval is the policy of an agent nobody configured.
func DefaultInterval() types.Interval {
	return types.Interval{
		Interval:      60 * time.Second,
		ErrorInterval: 60 * time.Second,
		Timeout:       5 * time.Minute,
	}
}

// IntervalProvider resolves an agent's policy from, in order, a per-type
// override, the agent itself when it is types.IntervalAware, and a default.
type IntervalProvider struct {
	def       types.Interval
	overrides map[string]types.Interval
}

// NewIntervalProvider copies overrides.
func NewIntervalProvider(def types.Interval, overrides map[string]types.Interval) *IntervalProvider {
	p := &IntervalProvider{def: def, overrides: make(map[string]types.Interval, len(overrides))}
	for k, v := range overrides {
		p.overrides[k] = v
	}
	return p
}

// GetInterval implements types.IntervalProvider.
func (p *IntervalProvider) GetInterval(agent types.Agent) types.Interval {
	if iv, ok := p.overrides[agent.AgentType()]; ok {
		return iv
	}
	if aware, ok := agent.(types.IntervalAware); ok {
		return aware.Interval()
	}
	return p.def
}
