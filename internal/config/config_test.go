package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sorted-set", cfg.Scheduler.Strategy)
	assert.Equal(t, -1, cfg.Scheduler.MaxConcurrentAgents)
	assert.Equal(t, 30, cfg.Scheduler.RefreshPeriod)
	assert.Equal(t, 4, cfg.Store.Retry.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Store.Retry.Delay)
	assert.Equal(t, 500*time.Millisecond, cfg.Lease.MinTTLThreshold)
	assert.Equal(t, "{scheduler}", cfg.Store.KeyPrefix)
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
node:
  identity: node-a
  enabled: false
scheduler:
  strategy: mutex
  tick_interval: 500ms
  max_concurrent_agents: 2
  enabled_agent_pattern: "^aws/"
store:
  type: memory
  retry:
    max_attempts: 2
    delay: 10ms
intervals:
  default:
    interval: 30s
    error_interval: 1m
    timeout: 10s
  overrides:
    aws/ec2:
      interval: 5s
      error_interval: 5s
      timeout: 2s
agents:
  - type: aws/ec2
    command: /usr/bin/true
    args: ["--region", "eu-west-1"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.Identity)
	assert.False(t, cfg.Node.Enabled)
	assert.Equal(t, "mutex", cfg.Scheduler.Strategy)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrentAgents)
	assert.Equal(t, StoreMemory, cfg.Store.Type)
	assert.Equal(t, 2, cfg.Store.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Store.Retry.Delay)
	assert.Equal(t, 30*time.Second, cfg.Intervals.Default.Interval)
	assert.Equal(t, 2*time.Second, cfg.Intervals.Overrides["aws/ec2"].Timeout)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, []string{"--region", "eu-west-1"}, cfg.Agents[0].Args)
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "worker:\n  worker_count: 4\n"))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Worker.WorkerCount)
	assert.Equal(t, 256, cfg.Worker.QueueSize)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "scheduler: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown strategy", func(c *Config) { c.Scheduler.Strategy = "paxos" }, "scheduler.strategy"},
		{"zero governor", func(c *Config) { c.Scheduler.MaxConcurrentAgents = 0 }, "max_concurrent_agents"},
		{"negative governor", func(c *Config) { c.Scheduler.MaxConcurrentAgents = -2 }, "max_concurrent_agents"},
		{"bad pattern", func(c *Config) { c.Scheduler.EnabledAgentPattern = "(" }, "enabled_agent_pattern"},
		{"bad score clock", func(c *Config) { c.Scheduler.ScoreClock = "ntp" }, "score_clock"},
		{"no tick", func(c *Config) { c.Scheduler.TickInterval = 0 }, "tick_interval"},
		{"no workers", func(c *Config) { c.Worker.WorkerCount = 0 }, "worker_count"},
		{"no redis addrs", func(c *Config) { c.Store.Redis.Addrs = nil }, "store.redis.addrs"},
		{"unknown store", func(c *Config) { c.Store.Type = "etcd" }, "store.type"},
		{"no retries", func(c *Config) { c.Store.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"zero timeout", func(c *Config) { c.Intervals.Default.Timeout = 0 }, "intervals.default.timeout"},
		{"duplicate agent", func(c *Config) {
			c.Agents = []AgentConfig{{Type: "a", Command: "x"}, {Type: "a", Command: "y"}}
		}, "declared twice"},
		{"agent without command", func(c *Config) { c.Agents = []AgentConfig{{Type: "a"}} }, "command must not be empty"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Worker.WorkerCount = 0
	cfg.Worker.QueueSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker_count")
	assert.Contains(t, err.Error(), "queue_size")
}
