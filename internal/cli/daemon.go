package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/agentd/internal/agents"
	"github.com/ChuLiYu/agentd/internal/config"
	"github.com/ChuLiYu/agentd/internal/lease"
	"github.com/ChuLiYu/agentd/internal/metrics"
	"github.com/ChuLiYu/agentd/internal/node"
	"github.com/ChuLiYu/agentd/internal/retry"
	"github.com/ChuLiYu/agentd/internal/scheduler"
	"github.com/ChuLiYu/agentd/internal/server"
	"github.com/ChuLiYu/agentd/internal/snapshot"
	"github.com/ChuLiYu/agentd/internal/store"
)

// daemon is one fully wired scheduler node.
type daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	gate      *node.Gate
	registry  *prometheus.Registry
	collector *metrics.Collector
	scheduler *scheduler.Scheduler
	health    *server.Server
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore(cfg *config.Config, logger *slog.Logger) store.Store {
	if cfg.Store.Type == config.StoreMemory {
		logger.Warn("Using in-memory coordination store, nodes will not share state")
		return store.NewMemoryStore(nil)
	}
	return store.NewRedisStore(cfg.Store.Redis, logger)
}

// newDaemon wires every component from cfg. st may be nil to open the store
// named by the config.
func newDaemon(cfg *config.Config, st store.Store, logger *slog.Logger) (*daemon, error) {
	if st == nil {
		st = openStore(cfg, logger)
	}
	identity := cfg.Node.Identity
	if identity == "" {
		identity = node.DefaultIdentity()
	}
	logger = logger.With("node", identity)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	gate := node.NewGate(cfg.Node.Enabled, logger)

	executor := retry.NewExecutor(cfg.Store.Retry,
		retry.WithLogger(logger),
		retry.WithClassifier(store.IsRetryable),
		retry.WithExhaustedHook(func(string, *retry.ExhaustedError) { collector.RecordExhausted() }),
	)

	coord, err := lease.New(cfg.Scheduler.Strategy, st, lease.Options{
		Keys:            store.Keys{Prefix: cfg.Store.KeyPrefix},
		Identity:        identity,
		Retry:           executor,
		Observer:        collector,
		Logger:          logger,
		StoreTime:       cfg.Scheduler.ScoreClock == config.ScoreClockStore,
		ProbeAttempts:   cfg.Lease.ProbeAttempts,
		ProbeInterval:   cfg.Lease.ProbeInterval,
		MinTTLThreshold: cfg.Lease.MinTTLThreshold,
	})
	if err != nil {
		return nil, err
	}

	var snaps *snapshot.Manager
	if cfg.Scheduler.SnapshotPath != "" {
		snaps = snapshot.NewManager(cfg.Scheduler.SnapshotPath)
	}

	sched, err := scheduler.New(scheduler.Config{
		Identity:            identity,
		TickInterval:        cfg.Scheduler.TickInterval,
		RefreshPeriod:       cfg.Scheduler.RefreshPeriod,
		MaxConcurrentAgents: cfg.Scheduler.MaxConcurrentAgents,
		EnabledAgentPattern: cfg.Scheduler.EnabledAgentPattern,
		WorkerCount:         cfg.Worker.WorkerCount,
		QueueSize:           cfg.Worker.QueueSize,
		SnapshotInterval:    cfg.Scheduler.SnapshotInterval,
	}, scheduler.Deps{
		Coordinator:     coord,
		Intervals:       scheduler.NewIntervalProvider(cfg.Intervals.Default, cfg.Intervals.Overrides),
		Gate:            gate,
		Instrumentation: scheduler.MultiInstrumentation{scheduler.NewLoggingInstrumentation(logger), collector},
		Metrics:         collector,
		Snapshots:       snaps,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	return &daemon{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		gate:      gate,
		registry:  reg,
		collector: collector,
		scheduler: sched,
		health:    server.New(gate, st, server.Options{Logger: logger}),
	}, nil
}

// commandAgents builds the agents declared in the config.
func (d *daemon) commandAgents() []*agents.CommandAgent {
	intervals := scheduler.NewIntervalProvider(d.cfg.Intervals.Default, d.cfg.Intervals.Overrides)
	out := make([]*agents.CommandAgent, 0, len(d.cfg.Agents))
	for _, ac := range d.cfg.Agents {
		a := &agents.CommandAgent{
			Type:    ac.Type,
			Command: ac.Command,
			Args:    ac.Args,
			Env:     ac.Env,
			Dir:     ac.Dir,
		}
		a.Timeout = intervals.GetInterval(a).Timeout
		out = append(out, a)
	}
	return out
}

// scheduleAgents registers every configured agent. Store failures are
// logged; the scheduler's bootstrap registers them later.
func (d *daemon) scheduleAgents(ctx context.Context) {
	for _, a := range d.commandAgents() {
		if err := d.scheduler.Schedule(ctx, a, a, nil); err != nil {
			d.logger.Warn("Failed to schedule agent", "agentType", a.Type, "error", err)
		}
	}
}

func (d *daemon) httpHandlers() map[string]http.Handler {
	gate := d.gate.Handler()
	return map[string]http.Handler{"/node": gate, "/node/": gate}
}

// run starts the node and blocks until ctx is done.
func (d *daemon) run(ctx context.Context) error {
	d.scheduleAgents(ctx)

	if err := d.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	var httpSrv *http.Server
	if d.cfg.Metrics.Enabled {
		httpSrv = metrics.NewServer(fmt.Sprintf(":%d", d.cfg.Metrics.Port), d.registry, d.httpHandlers())
		go func() {
			d.logger.Info("Starting metrics server", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	grpcDone := make(chan error, 1)
	if d.cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", d.cfg.GRPC.Port))
		if err != nil {
			d.scheduler.Stop()
			return fmt.Errorf("failed to listen on port %d: %w", d.cfg.GRPC.Port, err)
		}
		go func() { grpcDone <- d.health.Serve(ctx, lis) }()
	} else {
		grpcDone <- nil
	}

	d.logger.Info("Node started",
		"strategy", d.cfg.Scheduler.Strategy,
		"agents", strings.Join(d.scheduler.Status().Registered, ","))

	<-ctx.Done()
	d.logger.Info("Received shutdown signal, stopping gracefully...")

	d.scheduler.Stop()
	stats := d.scheduler.PoolStats()
	d.logger.Info("Scheduler stopped",
		"submitted", stats.Submitted, "completed", stats.Completed, "rejected", stats.Rejected)
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("Failed to stop metrics server", "error", err)
		}
		cancel()
	}
	if err := <-grpcDone; err != nil {
		d.logger.Error("gRPC server error", "error", err)
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error("Failed to close store", "error", err)
	}

	d.logger.Info("Node stopped")
	return nil
}
