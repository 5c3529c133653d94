// Package lease decides which node may run an agent.
//
// A Coordinator claims an agent for one node and later releases it with the
// delay before its next run. Two strategies exist. SortedSetCoordinator moves
// agents between WAITING and WORKING ordered sets with atomic transitions and
// fences releases with the claim's deadline score. MutexCoordinator composes
// get / set-if-absent / expire into a best-effort lock.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ChuLiYu/agentd/internal/retry"
	"github.com/ChuLiYu/agentd/internal/store"
)

// Strategy names.
const (
	StrategySortedSet = "sorted-set"
	StrategyMutex     = "mutex"
)

// ErrUnknownStrategy is returned by New for an unrecognised strategy.
var ErrUnknownStrategy = errors.New("lease: unknown strategy")

// Lock is a held claim.
type Lock struct {
	AgentType    string    `json:"agent_type"`
	Holder       string    `json:"holder"`        // identity of the claiming node
	Token        string    `json:"token"`         // fencing token checked on release
	ReleaseToken string    `json:"release_token"` // score the agent had before the claim
	ClaimedAt    time.Time `json:"claimed_at"`
	Deadline     time.Time `json:"deadline"` // after this the claim may be reclaimed
}

// Coordinator is the mutual-exclusion engine.
type Coordinator interface {
	// Candidates returns the registered agent types worth claiming now.
	Candidates(ctx context.Context, registered []string) ([]string, error)
	// Claim tries to take agentType for timeout. A nil Lock means another
	// node holds it or it is not due.
	Claim(ctx context.Context, agentType string, timeout time.Duration) (*Lock, error)
	// Release hands the claim back, making the agent eligible after delay.
	// It reports false when the claim was no longer ours.
	Release(ctx context.Context, lock *Lock, delay time.Duration) (bool, error)
	// Restore hands the claim back with the schedule the agent had before
	// Claim, as if it never ran. It reports false when the claim was no
	// longer ours.
	Restore(ctx context.Context, lock *Lock) (bool, error)
	// Valid reports whether lock is still held, without changing it.
	Valid(ctx context.Context, lock *Lock) (bool, error)
	// EnsureRegistered makes agentType known to the store. Idempotent.
	EnsureRegistered(ctx context.Context, agentType string) error
	// Unregister drops every trace of agentType from the store.
	Unregister(ctx context.Context, agentType string) error
	// Atomic reports whether claims are strictly exclusive.
	Atomic() bool
	Name() string
}

// ReclaimScheduler is implemented by coordinators that reschedule reclaimed
// claims one interval ahead. delay returns that interval for an agent type.
type ReclaimScheduler interface {
	SetReclaimDelay(delay func(agentType string) time.Duration)
}

// Observer is told about coordination events worth counting.
type Observer interface {
	ClaimReclaimed(agentType string)
	LeasePurged(agentType string)
	FencingConflict(agentType string)
}

type nopObserver struct{}

func (nopObserver) ClaimReclaimed(string)  {}
func (nopObserver) LeasePurged(string)     {}
func (nopObserver) FencingConflict(string) {}

// Options are shared by both strategies.
type Options struct {
	Keys     store.Keys
	Identity string
	Clock    clock.Clock
	Retry    *retry.Executor
	Observer Observer
	Logger   *slog.Logger

	// StoreTime takes sorted-set scores from the store's clock.
	StoreTime bool

	// Mutex strategy only.
	ProbeAttempts   int
	ProbeInterval   time.Duration
	MinTTLThreshold time.Duration
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Retry == nil {
		o.Retry = retry.NewExecutor(retry.DefaultConfig(), retry.WithClock(o.Clock))
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ProbeAttempts < 1 {
		o.ProbeAttempts = 3
	}
	if o.MinTTLThreshold <= 0 {
		o.MinTTLThreshold = 500 * time.Millisecond
	}
}

// New builds the Coordinator named by strategy.
func New(strategy string, st store.Store, opts Options) (Coordinator, error) {
	switch strategy {
	case StrategySortedSet:
		return NewSortedSetCoordinator(st, st, opts), nil
	case StrategyMutex:
		return NewMutexCoordinator(st, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}
