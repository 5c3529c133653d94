package scheduler

import (
	"log/slog"
	"time"

	"github.com/ChuLiYu/agentd/pkg/types"
)

// LoggingInstrumentation logs execution lifecycle events.
type LoggingInstrumentation struct {
	logger *slog.Logger
}

// NewLoggingInstrumentation logs to logger, or slog.Default when nil.
func NewLoggingInstrumentation(logger *slog.Logger) *LoggingInstrumentation {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInstrumentation{logger: logger}
}

func (l *LoggingInstrumentation) ExecutionStarted(agent types.Agent) {
	l.logger.Debug("Agent started", "agentType", agent.AgentType())
}

func (l *LoggingInstrumentation) ExecutionCompleted(agent types.Agent, elapsed time.Duration) {
	l.logger.Info("Agent completed", "agentType", agent.AgentType(), "duration", elapsed)
}

func (l *LoggingInstrumentation) ExecutionFailed(agent types.Agent, cause error, elapsed time.Duration) {
	l.logger.Warn("Agent failed", "agentType", agent.AgentType(), "duration", elapsed, "error", cause)
}

// MultiInstrumentation fans every event out to each member in order.
type MultiInstrumentation []types.Instrumentation

func (m MultiInstrumentation) ExecutionStarted(agent types.Agent) {
	for _, i := range m {
		i.ExecutionStarted(agent)
	}
}

func (m MultiInstrumentation) ExecutionCompleted(agent types.Agent, elapsed time.Duration) {
	for _, i := range m {
		i.ExecutionCompleted(agent, elapsed)
	}
}

func (m MultiInstrumentation) ExecutionFailed(agent types.Agent, cause error, elapsed time.Duration) {
	for _, i := range m {
		i.ExecutionFailed(agent, cause, elapsed)
	}
}
