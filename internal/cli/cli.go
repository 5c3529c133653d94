// ============================================================================
// agentd CLI
// ============================================================================
//
// Command Structure:
//   agentd                         # Root command
//   ├── run                        # Start a scheduler node
//   ├── status                     # Print a node's last status snapshot
//   │   └── --addr                 # Query a running node's gRPC health instead
//   ├── inspect [agent-type...]    # Print the shared schedule from the store
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// run loads the config, wires the coordination store, lease coordinator,
// scheduler, metrics and health servers, schedules the configured command
// agents and blocks until SIGINT or SIGTERM. Shutdown stops ticking, drains
// the worker pool, writes a final snapshot and closes the store.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ChuLiYu/agentd/internal/config"
	"github.com/ChuLiYu/agentd/internal/lease"
	"github.com/ChuLiYu/agentd/internal/server"
	"github.com/ChuLiYu/agentd/internal/snapshot"
	"github.com/ChuLiYu/agentd/internal/store"
	"github.com/ChuLiYu/agentd/pkg/types"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentd",
		Short: "agentd: fleet-wide periodic agent scheduler",
		Long: `agentd runs periodic agents across a fleet of nodes so that each
agent type executes on at most one node at a time:
- Shared schedule in Redis (sorted-set or mutex coordination)
- Bounded worker pool with a concurrency governor
- Prometheus metrics and gRPC health`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildInspectCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var identity string
	var disabled bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a scheduler node",
		Long:  "Start a scheduler node that claims and runs due agents from the shared schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if identity != "" {
				cfg.Node.Identity = identity
			}
			if disabled {
				cfg.Node.Enabled = false
			}

			logger := newLogger(cfg)
			d, err := newDaemon(cfg, nil, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return d.run(ctx)
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "Node identity (overrides node.identity)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Start with the node gate disabled")

	return cmd
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Print the node's last status snapshot, or query a running node's health with --addr",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				defer cancel()
				return queryHealth(ctx, cmd.OutOrStdout(), addr)
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Scheduler.SnapshotPath == "" {
				return errors.New("scheduler.snapshot_path is not set")
			}
			snaps := snapshot.NewManager(cfg.Scheduler.SnapshotPath)
			if !snaps.Exists() {
				return fmt.Errorf("no status snapshot at %s, is the node running?", snaps.GetPath())
			}
			snap, err := snaps.Load()
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), snap, time.Now())
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of a running node (e.g. localhost:50051)")

	return cmd
}

func buildInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [agent-type...]",
		Short: "Show the shared schedule",
		Long:  "Print the coordination store's view of agent schedules. Mutex mode needs the agent types to look up.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			agentTypes := args
			if len(agentTypes) == 0 {
				for _, a := range cfg.Agents {
					agentTypes = append(agentTypes, a.Type)
				}
			}

			st := openStore(cfg, newLogger(cfg))
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			return inspect(ctx, cmd.OutOrStdout(), st, cfg, agentTypes)
		},
	}
	return cmd
}

func queryHealth(ctx context.Context, w io.Writer, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	out, err := protojson.MarshalOptions{Multiline: true}.Marshal(resp)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	return nil
}

func printStatus(w io.Writer, snap types.StatusSnapshot, now time.Time) {
	fmt.Fprintf(w, "Node:       %s\n", snap.Node)
	fmt.Fprintf(w, "Strategy:   %s (atomic=%t)\n", snap.Strategy, snap.Atomic)
	fmt.Fprintf(w, "Enabled:    %t\n", snap.Enabled)
	fmt.Fprintf(w, "Ticks:      %d\n", snap.RunCount)
	fmt.Fprintf(w, "Taken:      %s (%s ago)\n", snap.TakenAt.Format(time.RFC3339), now.Sub(snap.TakenAt).Truncate(time.Second))
	fmt.Fprintf(w, "Registered: %d\n", len(snap.Registered))
	for _, t := range snap.Registered {
		fmt.Fprintf(w, "  - %s\n", t)
	}
	fmt.Fprintf(w, "Active:     %d\n", len(snap.Active))
	for _, a := range snap.Active {
		fmt.Fprintf(w, "  - %s (deadline %s)\n", a.AgentType, a.Deadline.Format(time.RFC3339))
	}
}

// inspect prints the schedule as the store sees it. Times are relative to
// the store clock.
func inspect(ctx context.Context, w io.Writer, st store.Store, cfg *config.Config, agentTypes []string) error {
	keys := store.Keys{Prefix: cfg.Store.KeyPrefix}
	now, err := st.Time(ctx)
	if err != nil {
		return fmt.Errorf("failed to read store time: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if cfg.Scheduler.Strategy == lease.StrategyMutex {
		fmt.Fprintln(tw, "AGENT\tHOLDER\tEXPIRES IN")
		sorted := append([]string(nil), agentTypes...)
		sort.Strings(sorted)
		for _, t := range sorted {
			holder, ok, err := st.Get(ctx, keys.Lease(t))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(tw, "%s\t-\t-\n", t)
				continue
			}
			ttl, err := st.PTTL(ctx, keys.Lease(t))
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", t, holder, formatTTL(ttl))
		}
		return nil
	}

	fmt.Fprintln(tw, "AGENT\tSTATE\tDUE IN")
	for _, set := range []struct{ state, key string }{
		{"waiting", keys.Waiting()},
		{"working", keys.Working()},
	} {
		entries, err := st.ZRangeByScore(ctx, set.key, math.MaxInt64)
		if err != nil {
			return err
		}
		for _, e := range entries {
			due := time.Duration(e.Score-now.Unix()) * time.Second
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Member, set.state, formatDue(due))
		}
	}
	return nil
}

func formatTTL(ttl time.Duration) string {
	switch ttl {
	case store.TTLNoExpiry:
		return "never"
	case store.TTLMissing:
		return "-"
	}
	return ttl.Truncate(time.Millisecond).String()
}

func formatDue(d time.Duration) string {
	if d <= 0 {
		return "due"
	}
	return d.String()
}
