package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/agentd/pkg/types"
)

type awareAgent struct {
	name     string
	interval types.Interval
}

func (a awareAgent) AgentType() string        { return a.name }
func (a awareAgent) Interval() types.Interval { return a.interval }

func TestIntervalProvider(t *testing.T) {
	own := types.Interval{Interval: time.Second, ErrorInterval: time.Second, Timeout: time.Second}
	override := types.Interval{Interval: time.Hour, ErrorInterval: time.Minute, Timeout: 10 * time.Minute}

	overrides := map[string]types.Interval{"pinned": override}
	p := NewIntervalProvider(DefaultInterval(), overrides)
	overrides["late"] = override

	assert.Equal(t, DefaultInterval(), p.GetInterval(testAgent("plain")))
	assert.Equal(t, own, p.GetInterval(awareAgent{name: "self", interval: own}))
	assert.Equal(t, override, p.GetInterval(awareAgent{name: "pinned", interval: own}), "config overrides the agent")
	assert.Equal(t, DefaultInterval(), p.GetInterval(testAgent("late")), "overrides are copied")
}

func TestIntervalNext(t *testing.T) {
	assert.Equal(t, 60*time.Second, testInterval.Next(true))
	assert.Equal(t, 20*time.Second, testInterval.Next(false))
}

func TestMultiInstrumentation(t *testing.T) {
	a, b := &recordingInstrumentation{}, &recordingInstrumentation{}
	m := MultiInstrumentation{a, b, NewLoggingInstrumentation(discardLogger)}

	m.ExecutionStarted(testAgent("A"))
	m.ExecutionCompleted(testAgent("A"), time.Second)
	m.ExecutionFailed(testAgent("A"), errors.New("boom"), time.Second)

	for _, r := range []*recordingInstrumentation{a, b} {
		assert.Equal(t, 1, r.started)
		assert.Equal(t, 1, r.completed)
		assert.Len(t, r.failures, 1)
	}
}
