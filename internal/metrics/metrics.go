// ============================================================================
// agentd metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: count what the scheduler does and expose it on /metrics
//
// Metric families (namespace agentd):
//
//   Coordination
//     claims_total{result}          claimed | missed | error
//     releases_total{result}        released | conflict | lapsed | error
//     reclaims_total                expired claims handed back to WAITING
//     lease_purges_total            mutex leases purged as abandoned
//     coordination_exhausted_total  store operations that ran out of retries
//     discarded_results_total       results dropped after losing the claim
//     dispatch_rejections_total     claims handed back because the pool was full
//
//   Executions
//     executions_total{agent_type,outcome}       success | failure
//     execution_duration_seconds{agent_type}
//
//   Driver
//     ticks_total, tick_errors_total, tick_duration_seconds
//     registered_agents, active_agents, node_enabled
//
// Useful queries:
//
//   # agents failing more than half their runs
//   sum by (agent_type) (rate(agentd_executions_total{outcome="failure"}[15m]))
//     / sum by (agent_type) (rate(agentd_executions_total[15m])) > 0.5
//
//   # store trouble
//   rate(agentd_coordination_exhausted_total[5m]) > 0
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/agentd/pkg/types"
)

const namespace = "agentd"

// Label values for claims_total and releases_total.
const (
	ClaimClaimed = "claimed"
	ClaimMissed  = "missed"
	ClaimError   = "error"

	ReleaseReleased = "released"
	ReleaseConflict = "conflict"
	ReleaseLapsed   = "lapsed" // claim expired before the body started
	ReleaseError    = "error"
)

// Collector holds every agentd metric.
type Collector struct {
	// coordination
	claims             *prometheus.CounterVec
	releases           *prometheus.CounterVec
	reclaims           prometheus.Counter
	leasePurges        prometheus.Counter
	exhausted          prometheus.Counter
	discardedResults   prometheus.Counter
	dispatchRejections prometheus.Counter

	// executions
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec

	// driver
	ticks            prometheus.Counter
	tickErrors       prometheus.Counter
	tickDuration     prometheus.Histogram
	registeredAgents prometheus.Gauge
	activeAgents     prometheus.Gauge
	nodeEnabled      prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by result",
		}, []string{"result"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Claim releases by result",
		}, []string{"result"}),
		reclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaims_total",
			Help:      "Expired claims moved back to WAITING",
		}),
		leasePurges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_purges_total",
			Help:      "Leases without expiry purged as abandoned",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordination_exhausted_total",
			Help:      "Coordination store operations that exhausted their retries",
		}),
		discardedResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_results_total",
			Help:      "Execution results dropped because the claim was lost",
		}),
		dispatchRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_rejections_total",
			Help:      "Claims handed back because the worker queue was full",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Agent executions by outcome",
		}, []string{"agent_type", "outcome"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Agent execution time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"agent_type"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler ticks run while the node was enabled",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_errors_total",
			Help:      "Scheduler ticks that ended in an error",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one scheduler tick",
			Buckets:   prometheus.DefBuckets,
		}),
		registeredAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_agents",
			Help:      "Agents scheduled on this node",
		}),
		activeAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_agents",
			Help:      "Agents executing on this node",
		}),
		nodeEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_enabled",
			Help:      "1 when the node takes part in scheduling",
		}),
	}

	reg.MustRegister(
		c.claims, c.releases, c.reclaims, c.leasePurges, c.exhausted,
		c.discardedResults, c.dispatchRejections,
		c.executions, c.executionDuration,
		c.ticks, c.tickErrors, c.tickDuration,
		c.registeredAgents, c.activeAgents, c.nodeEnabled,
	)
	return c
}

// RecordClaim counts a claim attempt.
func (c *Collector) RecordClaim(result string) { c.claims.WithLabelValues(result).Inc() }

// RecordRelease counts a release.
func (c *Collector) RecordRelease(result string) { c.releases.WithLabelValues(result).Inc() }

// RecordExhausted counts an operation that ran out of retries.
func (c *Collector) RecordExhausted() { c.exhausted.Inc() }

// RecordDiscarded counts a result dropped after a lost claim.
func (c *Collector) RecordDiscarded() { c.discardedResults.Inc() }

// RecordDispatchRejected counts a claim handed back by a full pool.
func (c *Collector) RecordDispatchRejected() { c.dispatchRejections.Inc() }

// RecordTick records one driver tick.
func (c *Collector) RecordTick(elapsed time.Duration, failed bool) {
	c.ticks.Inc()
	c.tickDuration.Observe(elapsed.Seconds())
	if failed {
		c.tickErrors.Inc()
	}
}

// UpdateAgentStats sets the driver gauges.
func (c *Collector) UpdateAgentStats(registered, active int, enabled bool) {
	c.registeredAgents.Set(float64(registered))
	c.activeAgents.Set(float64(active))
	if enabled {
		c.nodeEnabled.Set(1)
	} else {
		c.nodeEnabled.Set(0)
	}
}

// ClaimReclaimed implements lease.Observer.
func (c *Collector) ClaimReclaimed(string) { c.reclaims.Inc() }

// LeasePurged implements lease.Observer.
func (c *Collector) LeasePurged(string) { c.leasePurges.Inc() }

// FencingConflict implements lease.Observer. Conflicts are counted through
// RecordRelease by the scheduler.
func (c *Collector) FencingConflict(string) {}

// ExecutionStarted implements types.Instrumentation.
func (c *Collector) ExecutionStarted(types.Agent) {}

// ExecutionCompleted implements types.Instrumentation.
func (c *Collector) ExecutionCompleted(agent types.Agent, elapsed time.Duration) {
	c.executions.WithLabelValues(agent.AgentType(), "success").Inc()
	c.executionDuration.WithLabelValues(agent.AgentType()).Observe(elapsed.Seconds())
}

// ExecutionFailed implements types.Instrumentation.
func (c *Collector) ExecutionFailed(agent types.Agent, _ error, elapsed time.Duration) {
	c.executions.WithLabelValues(agent.AgentType(), "failure").Inc()
	c.executionDuration.WithLabelValues(agent.AgentType()).Observe(elapsed.Seconds())
}

// NewServer returns the HTTP server for /metrics plus any extra handlers,
// keyed by pattern.
func NewServer(addr string, gatherer prometheus.Gatherer, extra map[string]http.Handler) *http.Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	for pattern, h := range extra {
		mux.Handle(pattern, h)
	}
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
