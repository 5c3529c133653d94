// ============================================================================
// Fleet integration tests
// ============================================================================
//
// Several scheduler nodes share one coordination store and one mock clock.
// Each test drives the nodes tick by tick with RunOnce and checks the
// fleet-wide guarantees:
//
//   TestFleetRunsEachAgentOncePerInterval
//     every agent type runs exactly once per interval no matter how many
//     nodes tick, and work spreads across nodes
//
//   TestCrashedNodeClaimIsReclaimed
//     a claim whose holder never releases is picked up by another node after
//     its timeout (plus one interval for sorted sets), and the stale holder's
//     late release is rejected
//
//   TestDisabledNodeLeavesWorkToFleet
//     a node behind a disabled gate never runs anything
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/agentd/internal/lease"
	"github.com/ChuLiYu/agentd/internal/node"
	"github.com/ChuLiYu/agentd/internal/retry"
	"github.com/ChuLiYu/agentd/internal/scheduler"
	"github.com/ChuLiYu/agentd/internal/store"
	"github.com/ChuLiYu/agentd/pkg/types"
)

var (
	strategies    = []string{lease.StrategySortedSet, lease.StrategyMutex}
	fleetKeys     = store.Keys{Prefix: "{fleet}"}
	quiet         = slog.New(slog.NewTextHandler(io.Discard, nil))
	fleetInterval = types.Interval{Interval: time.Minute, ErrorInterval: time.Minute, Timeout: 30 * time.Second}
)

type fleetAgent string

func (a fleetAgent) AgentType() string { return string(a) }

// runLog counts executions per agent type and per node.
type runLog struct {
	mu      sync.Mutex
	byAgent map[string]int
	byNode  map[string]int
}

func newRunLog() *runLog {
	return &runLog{byAgent: map[string]int{}, byNode: map[string]int{}}
}

func (l *runLog) execution(nodeID string) types.Execution {
	return types.ExecutionFunc(func(_ context.Context, a types.Agent) (types.Result, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.byAgent[a.AgentType()]++
		l.byNode[nodeID]++
		return nil, nil
	})
}

func (l *runLog) agentRuns(agentType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byAgent[agentType]
}

func (l *runLog) nodesUsed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byNode)
}

type fleetNode struct {
	id    string
	gate  *node.Gate
	sched *scheduler.Scheduler
}

func newFleetNode(tb testing.TB, strategy, id string, st store.Store, clk clock.Clock) *fleetNode {
	tb.Helper()
	coord, err := lease.New(strategy, st, lease.Options{
		Keys:     fleetKeys,
		Identity: id,
		Clock:    clk,
		Retry:    retry.NewExecutor(retry.Config{MaxAttempts: 1}, retry.WithClock(clk)),
		Logger:   quiet,
	})
	require.NoError(tb, err)

	gate := node.NewGate(true, quiet)
	cfg := scheduler.DefaultConfig()
	cfg.Identity = id
	cfg.TickInterval = time.Hour
	cfg.WorkerCount = 2
	cfg.QueueSize = 32

	s, err := scheduler.New(cfg, scheduler.Deps{
		Coordinator: coord,
		Intervals:   scheduler.NewIntervalProvider(fleetInterval, nil),
		Gate:        gate,
		Clock:       clk,
		Logger:      quiet,
	})
	require.NoError(tb, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(tb, s.Start(ctx))
	tb.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return &fleetNode{id: id, gate: gate, sched: s}
}

func waitFleetIdle(t *testing.T, nodes ...*fleetNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if len(n.sched.Status().Active) > 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func newFleetClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	return clk
}

func TestFleetRunsEachAgentOncePerInterval(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(strategy, func(t *testing.T) {
			clk := newFleetClock()
			st := store.NewMemoryStore(clk)
			runs := newRunLog()
			ctx := context.Background()

			var nodes []*fleetNode
			for i := 0; i < 4; i++ {
				n := newFleetNode(t, strategy, fmt.Sprintf("node-%d", i), st, clk)
				for j := 0; j < 6; j++ {
					require.NoError(t, n.sched.Schedule(ctx, fleetAgent(fmt.Sprintf("agent-%d", j)), runs.execution(n.id), nil))
				}
				nodes = append(nodes, n)
			}

			for round := 1; round <= 5; round++ {
				// Rotate who ticks first so claims spread over the fleet.
				for i := range nodes {
					nodes[(round+i)%len(nodes)].sched.RunOnce(ctx)
				}
				waitFleetIdle(t, nodes...)

				for j := 0; j < 6; j++ {
					assert.Equal(t, round, runs.agentRuns(fmt.Sprintf("agent-%d", j)), "round %d", round)
				}
				clk.Add(fleetInterval.Interval)
			}

			assert.GreaterOrEqual(t, runs.nodesUsed(), 2)
		})
	}
}

func TestCrashedNodeClaimIsReclaimed(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(strategy, func(t *testing.T) {
			clk := newFleetClock()
			st := store.NewMemoryStore(clk)
			runs := newRunLog()
			ctx := context.Background()
			agent := fleetAgent("reindex")

			crashed := newFleetNode(t, strategy, "node-crashed", st, clk)
			survivor := newFleetNode(t, strategy, "node-survivor", st, clk)
			require.NoError(t, crashed.sched.Schedule(ctx, agent, runs.execution(crashed.id), nil))
			require.NoError(t, survivor.sched.Schedule(ctx, agent, runs.execution(survivor.id), nil))

			// The crashed node claims and never releases.
			stale, err := crashed.sched.TryLock(ctx, string(agent))
			require.NoError(t, err)
			require.NotNil(t, stale)

			survivor.sched.RunOnce(ctx)
			waitFleetIdle(t, survivor)
			assert.Equal(t, 0, runs.agentRuns(string(agent)), "claim still live")

			clk.Add(fleetInterval.Timeout + time.Second)
			survivor.sched.RunOnce(ctx)
			waitFleetIdle(t, survivor)
			if strategy == lease.StrategySortedSet {
				// The reclaimed entry is due one interval after the reclaim.
				assert.Equal(t, 0, runs.agentRuns(string(agent)))
				clk.Add(fleetInterval.Interval)
				survivor.sched.RunOnce(ctx)
				waitFleetIdle(t, survivor)
			}
			assert.Equal(t, 1, runs.agentRuns(string(agent)))

			valid, err := crashed.sched.LockValid(ctx, stale)
			require.NoError(t, err)
			assert.False(t, valid)

			released, err := crashed.sched.TryRelease(ctx, stale)
			require.NoError(t, err)
			assert.False(t, released, "stale holder must not release the survivor's schedule")

			// The survivor's reschedule is intact: nothing is due yet.
			survivor.sched.RunOnce(ctx)
			waitFleetIdle(t, survivor)
			assert.Equal(t, 1, runs.agentRuns(string(agent)))
		})
	}
}

func TestDisabledNodeLeavesWorkToFleet(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(strategy, func(t *testing.T) {
			clk := newFleetClock()
			st := store.NewMemoryStore(clk)
			runs := newRunLog()
			ctx := context.Background()

			off := newFleetNode(t, strategy, "node-off", st, clk)
			on := newFleetNode(t, strategy, "node-on", st, clk)
			off.gate.SetEnabled(false)
			for _, n := range []*fleetNode{off, on} {
				require.NoError(t, n.sched.Schedule(ctx, fleetAgent("backup"), runs.execution(n.id), nil))
			}

			off.sched.RunOnce(ctx)
			waitFleetIdle(t, off)
			assert.Equal(t, 0, runs.agentRuns("backup"))

			on.sched.RunOnce(ctx)
			waitFleetIdle(t, on)
			assert.Equal(t, 1, runs.agentRuns("backup"))

			runs.mu.Lock()
			defer runs.mu.Unlock()
			assert.Equal(t, map[string]int{"node-on": 1}, runs.byNode)
		})
	}
}
