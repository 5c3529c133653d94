// Package server exposes the node's health over gRPC.
//
// The standard grpc.health.v1 service reports SERVING while the node gate is
// enabled and the coordination store answers a ping, and NOT_SERVING
// otherwise, both for the empty service name and for ServiceName. Load
// balancers and `agentd status --addr` read it.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ChuLiYu/agentd/pkg/types"
)

// ServiceName is the health service name of the scheduler.
const ServiceName = "agentd.Scheduler"

// Pinger is the part of the coordination store the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tune a Server.
type Options struct {
	CheckInterval time.Duration // how often health is re-evaluated
	PingTimeout   time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Server is the gRPC server of one node.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	gate   types.NodeStatusProvider
	store  Pinger
	opts   Options

	mu     sync.Mutex
	status healthpb.HealthCheckResponse_ServingStatus
}

// New builds the server and registers the health and reflection services.
func New(gate types.NodeStatusProvider, store Pinger, opts Options) *Server {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		gate:   gate,
		store:  store,
		opts:   opts,
		status: healthpb.HealthCheckResponse_UNKNOWN,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	return s
}

// Refresh re-evaluates health, publishes it and returns it.
func (s *Server) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	reason := ""
	if !s.gate.IsNodeEnabled() {
		status, reason = healthpb.HealthCheckResponse_NOT_SERVING, "node disabled"
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, s.opts.PingTimeout)
		err := s.store.Ping(pingCtx)
		cancel()
		if err != nil {
			status, reason = healthpb.HealthCheckResponse_NOT_SERVING, err.Error()
		}
	}

	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()

	if changed {
		s.opts.Logger.Info("Health status changed", "status", status.String(), "reason", reason)
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve runs the health loop and the gRPC server on lis until ctx is done,
// then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Refresh(ctx)

	ticker := s.opts.Clock.Ticker(s.opts.CheckInterval)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	s.opts.Logger.Info("gRPC server listening", "addr", lis.Addr().String())
	err := s.grpc.Serve(lis)
	cancel()
	wg.Wait()
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}
