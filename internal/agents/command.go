// Package agents provides the built-in agents the daemon can schedule from
// configuration.
package agents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ChuLiYu/agentd/pkg/types"
)

const (
	// maxOutput caps how much stderr an error message carries.
	maxOutput = 4096
	// waitDelay bounds how long a killed command's children may hold its pipes.
	waitDelay = 2 * time.Second
)

// ErrEmptyCommand is returned for a command agent without a command.
var ErrEmptyCommand = errors.New("command agent has no command")

// CommandAgent runs an external command once per execution. It is both the
// types.Agent and its types.Execution.
type CommandAgent struct {
	Type    string
	Command string
	Args    []string
	Env     map[string]string // added to the daemon's environment
	Dir     string
	Timeout time.Duration // command deadline, normally the claim timeout
}

// Output is the result of one successful run.
type Output struct {
	Stdout   string
	Duration time.Duration
}

// CommandError reports a run that exited non-zero or could not start.
type CommandError struct {
	AgentType string
	ExitCode  int // -1 when the process never ran to an exit
	Stderr    string
	Err       error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent %s: exit code %d: %s", e.AgentType, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("agent %s: exit code %d: %v", e.AgentType, e.ExitCode, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

func (c *CommandAgent) AgentType() string { return c.Type }

// Execute implements types.Execution.
func (c *CommandAgent) Execute(ctx context.Context, _ types.Agent) (types.Result, error) {
	if c.Command == "" {
		return nil, ErrEmptyCommand
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = waitDelay
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.environ()...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, &CommandError{
			AgentType: c.Type,
			ExitCode:  code,
			Stderr:    truncate(strings.TrimSpace(stderr.String())),
			Err:       err,
		}
	}
	return Output{Stdout: stdout.String(), Duration: time.Since(start)}, nil
}

func (c *CommandAgent) environ() []string {
	out := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	cut := maxOutput
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
