// Package retry wraps coordination store calls in bounded retries.
//
// Every call gets the same policy: up to MaxAttempts tries separated by a
// constant or exponential delay. When the attempts run out the caller gets
// an *ExhaustedError carrying the operation and the last cause. It is an
// operational alarm, so callers log and count it and move on.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted matches every *ExhaustedError under errors.Is.
var ErrExhausted = errors.New("coordination exhausted")

// ExhaustedError reports an operation that failed on every attempt.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("coordination exhausted after %d attempts: %s: %v", e.Attempts, e.Operation, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Config is the retry policy.
type Config struct {
	MaxAttempts int           `yaml:"max_attempts"` // total tries, including the first
	Delay       time.Duration `yaml:"delay"`        // wait before the second try
	MaxDelay    time.Duration `yaml:"max_delay"`    // cap for exponential growth
	Multiplier  float64       `yaml:"multiplier"`   // <= 1 keeps the delay constant
}

// DefaultConfig retries three times, three seconds apart.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		Delay:       3 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  1,
	}
}

// Executor runs operations under a Config.
type Executor struct {
	cfg         Config
	clock       clock.Clock
	retryable   func(error) bool
	logger      *slog.Logger
	onExhausted func(op string, err *ExhaustedError)
}

// Option customises an Executor.
type Option func(*Executor)

// WithClock drives delays from clk.
func WithClock(clk clock.Clock) Option {
	return func(e *Executor) { e.clock = clk }
}

// WithClassifier decides which errors are worth another attempt. Errors it
// rejects are returned at once, wrapped with the operation name.
func WithClassifier(retryable func(error) bool) Option {
	return func(e *Executor) { e.retryable = retryable }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithExhaustedHook is called once per exhausted operation.
func WithExhaustedHook(fn func(op string, err *ExhaustedError)) Option {
	return func(e *Executor) { e.onExhausted = fn }
}

// NewExecutor builds an Executor. Non-positive MaxAttempts means one try.
func NewExecutor(cfg Config, opts ...Option) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	e := &Executor{
		cfg:       cfg,
		clock:     clock.New(),
		retryable: func(error) bool { return true },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the policy in effect.
func (e *Executor) Config() Config { return e.cfg }

// Do runs fn until it succeeds, fails permanently, or runs out of attempts.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := 0
	permanent := false
	operation := func() error {
		attempts++
		err := fn(ctx)
		if err != nil && !e.retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		e.logger.Debug("Retrying store operation",
			"operation", op, "attempt", attempts, "next", next, "error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(e.cfg.MaxAttempts-1)), ctx)
	err := backoff.RetryNotifyWithTimer(operation, policy, notify, &clockTimer{clock: e.clock})
	switch {
	case err == nil:
		return nil
	case permanent:
		return fmt.Errorf("%s: %w", op, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}

	exhausted := &ExhaustedError{Operation: op, Attempts: attempts, Err: err}
	e.logger.Error("Coordination store operation exhausted retries",
		"operation", op, "attempts", attempts, "error", err)
	if e.onExhausted != nil {
		e.onExhausted(op, exhausted)
	}
	return exhausted
}

// Value is Do for operations that return a value.
func Value[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Value2 is Do for operations that return two values.
func Value2[A, B any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (A, B, error)) (A, B, error) {
	var a A
	var b B
	err := e.Do(ctx, op, func(ctx context.Context) error {
		va, vb, err := fn(ctx)
		if err != nil {
			return err
		}
		a, b = va, vb
		return nil
	})
	return a, b, err
}

func (e *Executor) newBackOff() backoff.BackOff {
	if e.cfg.Multiplier <= 1 {
		return backoff.NewConstantBackOff(e.cfg.Delay)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     e.cfg.Delay,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          e.cfg.Multiplier,
		MaxInterval:         e.cfg.MaxDelay,
		Stop:                backoff.Stop,
		Clock:               e.clock,
	}
	b.Reset()
	return b
}

// clockTimer adapts clock.Clock to backoff.Timer.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
