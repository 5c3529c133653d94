package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type agent string

func (a agent) AgentType() string { return string(a) }

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	c, reg := newTestCollector(t)
	assert.NotNil(t, c)

	// Registering twice on the same registry must panic.
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestNewCollector_DefaultRegisterer(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	assert.NotPanics(t, func() { NewCollector(nil) })
}

func TestRecordClaimAndRelease(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordClaim(ClaimClaimed)
	c.RecordClaim(ClaimClaimed)
	c.RecordClaim(ClaimMissed)
	c.RecordRelease(ReleaseConflict)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.claims.WithLabelValues(ClaimClaimed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.claims.WithLabelValues(ClaimMissed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.releases.WithLabelValues(ReleaseConflict)))
}

func TestObserverAndCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ClaimReclaimed("A")
	c.LeasePurged("A")
	c.FencingConflict("A")
	c.RecordExhausted()
	c.RecordDiscarded()
	c.RecordDispatchRejected()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.reclaims))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.leasePurges))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.exhausted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.discardedResults))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatchRejections))
}

func TestInstrumentation(t *testing.T) {
	c, _ := newTestCollector(t)

	assert.NotPanics(t, func() { c.ExecutionStarted(agent("aws/ec2")) })
	c.ExecutionCompleted(agent("aws/ec2"), 2*time.Second)
	c.ExecutionFailed(agent("aws/ec2"), errors.New("throttled"), time.Second)
	c.ExecutionFailed(agent("aws/ec2"), errors.New("throttled"), time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("aws/ec2", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.executions.WithLabelValues("aws/ec2", "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.executionDuration))
}

func TestDriverGauges(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordTick(10*time.Millisecond, false)
	c.RecordTick(10*time.Millisecond, true)
	c.UpdateAgentStats(12, 3, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ticks))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tickErrors))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.registeredAgents))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.activeAgents))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodeEnabled))

	c.UpdateAgentStats(12, 0, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.nodeEnabled))
}

func TestNewServer(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordClaim(ClaimClaimed)

	srv := NewServer(":0", reg, map[string]http.Handler{
		"/ping": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "pong") }),
	})

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `agentd_claims_total{result="claimed"} 1`)

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, "pong", rec.Body.String())
}
