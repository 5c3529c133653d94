// Package config loads and validates the agentd YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/agentd/internal/retry"
	"github.com/ChuLiYu/agentd/internal/store"
	"github.com/ChuLiYu/agentd/pkg/types"
)

// Store types.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Score clocks.
const (
	ScoreClockLocal = "local"
	ScoreClockStore = "store"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete agentd configuration.
type Config struct {
	Node struct {
		Identity string `yaml:"identity"`
		Enabled  bool   `yaml:"enabled"`
	} `yaml:"node"`

	Scheduler struct {
		Strategy            string        `yaml:"strategy"`
		TickInterval        time.Duration `yaml:"tick_interval"`
		RefreshPeriod       int           `yaml:"refresh_period"`
		MaxConcurrentAgents int           `yaml:"max_concurrent_agents"`
		EnabledAgentPattern string        `yaml:"enabled_agent_pattern"`
		ScoreClock          string        `yaml:"score_clock"`
		SnapshotPath        string        `yaml:"snapshot_path"`
		SnapshotInterval    time.Duration `yaml:"snapshot_interval"`
	} `yaml:"scheduler"`

	Worker struct {
		WorkerCount int `yaml:"worker_count"`
		QueueSize   int `yaml:"queue_size"`
	} `yaml:"worker"`

	Store struct {
		Type      string             `yaml:"type"`
		KeyPrefix string             `yaml:"key_prefix"`
		Redis     store.RedisOptions `yaml:"redis"`
		Retry     retry.Config       `yaml:"retry"`
	} `yaml:"store"`

	Lease struct {
		ProbeAttempts   int           `yaml:"probe_attempts"`
		ProbeInterval   time.Duration `yaml:"probe_interval"`
		MinTTLThreshold time.Duration `yaml:"min_ttl_threshold"`
	} `yaml:"lease"`

	Intervals struct {
		Default   types.Interval            `yaml:"default"`
		Overrides map[string]types.Interval `yaml:"overrides"`
	} `yaml:"intervals"`

	Agents []AgentConfig `yaml:"agents"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	GRPC struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"grpc"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// AgentConfig declares a command agent.
type AgentConfig struct {
	Type    string            `yaml:"type"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() *Config {
	cfg := &Config{}
	cfg.Node.Enabled = true

	cfg.Scheduler.Strategy = "sorted-set"
	cfg.Scheduler.TickInterval = time.Second
	cfg.Scheduler.RefreshPeriod = 30
	cfg.Scheduler.MaxConcurrentAgents = -1
	cfg.Scheduler.EnabledAgentPattern = ".*"
	cfg.Scheduler.ScoreClock = ScoreClockLocal
	cfg.Scheduler.SnapshotInterval = 10 * time.Second

	cfg.Worker.WorkerCount = 16
	cfg.Worker.QueueSize = 256

	cfg.Store.Type = StoreRedis
	cfg.Store.KeyPrefix = "{scheduler}"
	cfg.Store.Redis.Addrs = []string{"localhost:6379"}
	cfg.Store.Redis.PoolSize = 16
	cfg.Store.Redis.DialTimeout = 5 * time.Second
	cfg.Store.Redis.ReadTimeout = 3 * time.Second
	cfg.Store.Redis.WriteTimeout = 3 * time.Second
	cfg.Store.Retry = retry.DefaultConfig()

	cfg.Lease.ProbeAttempts = 3
	cfg.Lease.ProbeInterval = 20 * time.Millisecond
	cfg.Lease.MinTTLThreshold = 500 * time.Millisecond

	cfg.Intervals.Default = types.Interval{
		Interval:      60 * time.Second,
		ErrorInterval: 60 * time.Second,
		Timeout:       5 * time.Minute,
	}

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.GRPC.Enabled = true
	cfg.GRPC.Port = 50051

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field that has a constrained range.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Scheduler.Strategy {
	case "sorted-set", "mutex":
	default:
		fail("scheduler.strategy %q is not one of sorted-set, mutex", c.Scheduler.Strategy)
	}
	if c.Scheduler.TickInterval <= 0 {
		fail("scheduler.tick_interval must be positive")
	}
	if c.Scheduler.RefreshPeriod <= 0 {
		fail("scheduler.refresh_period must be positive")
	}
	if n := c.Scheduler.MaxConcurrentAgents; n == 0 || n < -1 {
		fail("scheduler.max_concurrent_agents must be positive or -1, got %d", n)
	}
	if _, err := regexp.Compile(c.Scheduler.EnabledAgentPattern); err != nil {
		fail("scheduler.enabled_agent_pattern: %v", err)
	}
	switch c.Scheduler.ScoreClock {
	case ScoreClockLocal, ScoreClockStore:
	default:
		fail("scheduler.score_clock %q is not one of local, store", c.Scheduler.ScoreClock)
	}
	if c.Scheduler.SnapshotPath != "" && c.Scheduler.SnapshotInterval <= 0 {
		fail("scheduler.snapshot_interval must be positive when snapshot_path is set")
	}

	if c.Worker.WorkerCount <= 0 {
		fail("worker.worker_count must be positive")
	}
	if c.Worker.QueueSize <= 0 {
		fail("worker.queue_size must be positive")
	}

	switch c.Store.Type {
	case StoreRedis:
		if len(c.Store.Redis.Addrs) == 0 {
			fail("store.redis.addrs must not be empty")
		}
	case StoreMemory:
	default:
		fail("store.type %q is not one of redis, memory", c.Store.Type)
	}
	if c.Store.KeyPrefix == "" {
		fail("store.key_prefix must not be empty")
	}
	if c.Store.Retry.MaxAttempts <= 0 {
		fail("store.retry.max_attempts must be positive")
	}
	if c.Store.Retry.Delay < 0 {
		fail("store.retry.delay must not be negative")
	}

	if c.Lease.ProbeAttempts <= 0 {
		fail("lease.probe_attempts must be positive")
	}

	if err := validateInterval("intervals.default", c.Intervals.Default); err != nil {
		errs = append(errs, err)
	}
	for agentType, iv := range c.Intervals.Overrides {
		if err := validateInterval("intervals.overrides."+agentType, iv); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		switch {
		case a.Type == "":
			fail("agents[%d].type must not be empty", i)
		case seen[a.Type]:
			fail("agents[%d].type %q is declared twice", i, a.Type)
		}
		seen[a.Type] = true
		if a.Command == "" {
			fail("agents[%d].command must not be empty", i)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		fail("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		fail("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return errors.Join(errs...)
}

func validateInterval(name string, iv types.Interval) error {
	if iv.Timeout <= 0 {
		return fmt.Errorf("%w: %s.timeout must be positive", ErrInvalidConfig, name)
	}
	if iv.Interval < 0 || iv.ErrorInterval < 0 {
		return fmt.Errorf("%w: %s intervals must not be negative", ErrInvalidConfig, name)
	}
	return nil
}
