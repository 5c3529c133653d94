// Command demo runs three scheduler nodes against one shared in-memory store
// and shows that every agent type runs on exactly one node per interval.
//
//	go run ./cmd/demo [sorted-set|mutex]
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/agentd/internal/lease"
	"github.com/ChuLiYu/agentd/internal/node"
	"github.com/ChuLiYu/agentd/internal/scheduler"
	"github.com/ChuLiYu/agentd/internal/store"
	"github.com/ChuLiYu/agentd/pkg/types"
)

const (
	nodeCount  = 3
	runFor     = 9 * time.Second
	disableAt  = 4 * time.Second
	agentTypes = 5
)

type demoAgent string

func (a demoAgent) AgentType() string { return string(a) }

func (demoAgent) Interval() types.Interval {
	return types.Interval{Interval: 2 * time.Second, ErrorInterval: 2 * time.Second, Timeout: 5 * time.Second}
}

// tally records which node ran which agent.
type tally struct {
	mu   sync.Mutex
	runs map[string]map[string]int
	log  []string
}

func (t *tally) add(nodeID, agentType string, at time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runs[agentType] == nil {
		t.runs[agentType] = make(map[string]int)
	}
	t.runs[agentType][nodeID]++
	t.log = append(t.log, fmt.Sprintf("%5.1fs  %-8s -> %s", at.Seconds(), agentType, nodeID))
}

func main() {
	strategy := lease.StrategySortedSet
	if len(os.Args) > 1 {
		strategy = os.Args[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	shared := store.NewMemoryStore(nil)
	keys := store.Keys{Prefix: "{demo}"}
	start := time.Now()
	results := &tally{runs: make(map[string]map[string]int)}

	var nodes []*scheduler.Scheduler
	var gates []*node.Gate
	for i := 0; i < nodeCount; i++ {
		id := fmt.Sprintf("node-%d", i+1)
		coord, err := lease.New(strategy, shared, lease.Options{Keys: keys, Identity: id, Logger: quiet})
		if err != nil {
			log.Fatalf("Failed to create coordinator: %v", err)
		}
		gate := node.NewGate(true, quiet)
		cfg := scheduler.DefaultConfig()
		cfg.Identity = id
		cfg.TickInterval = 200 * time.Millisecond
		cfg.WorkerCount = 2

		s, err := scheduler.New(cfg, scheduler.Deps{Coordinator: coord, Gate: gate, Logger: quiet})
		if err != nil {
			log.Fatalf("Failed to create scheduler: %v", err)
		}
		for j := 0; j < agentTypes; j++ {
			agent := demoAgent(fmt.Sprintf("agent-%d", j+1))
			exec := types.ExecutionFunc(func(ctx context.Context, a types.Agent) (types.Result, error) {
				results.add(id, a.AgentType(), time.Since(start))
				time.Sleep(100 * time.Millisecond)
				return nil, nil
			})
			if err := s.Schedule(ctx, agent, exec, nil); err != nil {
				log.Fatalf("Failed to schedule %s: %v", agent, err)
			}
		}
		if err := s.Start(ctx); err != nil {
			log.Fatalf("Failed to start %s: %v", id, err)
		}
		nodes = append(nodes, s)
		gates = append(gates, gate)
	}

	fmt.Printf("✓ Started %d nodes (strategy: %s, atomic: %t)\n", nodeCount, strategy, nodes[0].IsAtomic())
	fmt.Printf("⚡ Running %d agents every 2s for %s; node-1 is disabled at %s\n\n", agentTypes, runFor, disableAt)

	select {
	case <-ctx.Done():
	case <-time.After(disableAt):
		gates[0].SetEnabled(false)
		fmt.Println("⏸  node-1 disabled")
		select {
		case <-ctx.Done():
		case <-time.After(runFor - disableAt):
		}
	}

	for _, s := range nodes {
		s.Stop()
	}

	results.mu.Lock()
	defer results.mu.Unlock()
	fmt.Println("\n📜 Executions:")
	for _, line := range results.log {
		fmt.Println("  " + line)
	}

	fmt.Println("\n📊 Runs per agent:")
	names := make([]string, 0, len(results.runs))
	for name := range results.runs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		total := 0
		for _, n := range results.runs[name] {
			total += n
		}
		fmt.Printf("  %-8s total=%d %v\n", name, total, results.runs[name])
	}
	fmt.Println("\n✓ Nodes stopped")
}
