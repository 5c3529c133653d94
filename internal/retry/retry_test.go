package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("dial tcp 10.0.0.1:6379: connection refused")

func fastConfig(attempts int, delay time.Duration) Config {
	return Config{MaxAttempts: attempts, Delay: delay, MaxDelay: time.Second, Multiplier: 1}
}

func TestExecutor_SucceedsFirstTry(t *testing.T) {
	e := NewExecutor(fastConfig(4, time.Millisecond))
	calls := 0
	err := e.Do(context.Background(), "ping", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecutor_RecoversAfterTransientFailures(t *testing.T) {
	e := NewExecutor(fastConfig(4, time.Millisecond))
	calls := 0
	v, err := Value(context.Background(), e, "get", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errStoreDown
		}
		return "node-a", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "node-a", v)
	assert.Equal(t, 3, calls)
}

// TestExecutor_Exhaustion checks the attempt count, the delay between
// attempts and that exactly one exhaustion is reported per operation.
func TestExecutor_Exhaustion(t *testing.T) {
	const attempts = 4
	const delay = 20 * time.Millisecond

	var mu sync.Mutex
	var exhausted []string
	e := NewExecutor(fastConfig(attempts, delay), WithExhaustedHook(func(op string, _ *ExhaustedError) {
		mu.Lock()
		exhausted = append(exhausted, op)
		mu.Unlock()
	}))

	var stamps []time.Time
	err := e.Do(context.Background(), "Acquiring lock on A", func(context.Context) error {
		stamps = append(stamps, time.Now())
		return errStoreDown
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errStoreDown)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, "Acquiring lock on A", ex.Operation)
	assert.Equal(t, attempts, ex.Attempts)

	require.Len(t, stamps, attempts)
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), delay, "attempt %d came too early", i+1)
	}
	assert.Equal(t, []string{"Acquiring lock on A"}, exhausted)

	// A second logical operation raises its own single signal.
	_ = e.Do(context.Background(), "Releasing A", func(context.Context) error { return errStoreDown })
	assert.Equal(t, []string{"Acquiring lock on A", "Releasing A"}, exhausted)
}

func TestExecutor_PermanentErrorIsNotRetried(t *testing.T) {
	errWrongType := errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	e := NewExecutor(fastConfig(4, time.Millisecond), WithClassifier(func(err error) bool {
		return !errors.Is(err, errWrongType)
	}))

	calls := 0
	err := e.Do(context.Background(), "swap A", func(context.Context) error {
		calls++
		return errWrongType
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errWrongType)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestExecutor_ContextCancelStopsRetrying(t *testing.T) {
	e := NewExecutor(fastConfig(10, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- e.Do(ctx, "get A", func(context.Context) error { return errStoreDown })
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestExecutor_MockClockDrivesDelay(t *testing.T) {
	clk := clock.NewMock()
	e := NewExecutor(fastConfig(2, 3*time.Second), WithClock(clk))

	calls := make(chan struct{}, 2)
	done := make(chan error, 1)
	go func() {
		done <- e.Do(context.Background(), "get A", func(context.Context) error {
			calls <- struct{}{}
			return errStoreDown
		})
	}()

	<-calls
	select {
	case <-calls:
		t.Fatal("second attempt ran before the delay elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	// Keep nudging the mock clock until the waiting timer is registered.
	deadline := time.After(2 * time.Second)
	for {
		clk.Add(3 * time.Second)
		select {
		case <-calls:
			assert.ErrorIs(t, <-done, ErrExhausted)
			return
		case <-deadline:
			t.Fatal("second attempt never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestExhaustedError_Message(t *testing.T) {
	err := &ExhaustedError{Operation: "Releasing A", Attempts: 4, Err: errStoreDown}
	assert.Contains(t, err.Error(), "Releasing A")
	assert.Contains(t, err.Error(), "4 attempts")
}

func TestNewExecutor_ClampsAttempts(t *testing.T) {
	e := NewExecutor(Config{MaxAttempts: 0})
	assert.Equal(t, 1, e.Config().MaxAttempts)
}
