package lease

import (
	"context"
	"strconv"
	"time"

	"github.com/ChuLiYu/agentd/internal/retry"
	"github.com/ChuLiYu/agentd/internal/store"
)

// SortedSetCoordinator keeps every agent in exactly one of two ordered sets.
// In WAITING the score is the earliest time the agent may run; in WORKING it
// is the claim deadline. Scores are epoch seconds.
type SortedSetCoordinator struct {
	sets         store.ScheduleStore
	times        store.TimeSource
	opts         Options
	reclaimDelay func(agentType string) time.Duration
}

// NewSortedSetCoordinator builds the ordered-set strategy. times is only
// consulted when opts.StoreTime is set.
func NewSortedSetCoordinator(sets store.ScheduleStore, times store.TimeSource, opts Options) *SortedSetCoordinator {
	opts.setDefaults()
	return &SortedSetCoordinator{sets: sets, times: times, opts: opts}
}

// SetReclaimDelay implements ReclaimScheduler. Without it reclaimed claims
// are due at once. Call it before the first Candidates.
func (c *SortedSetCoordinator) SetReclaimDelay(delay func(agentType string) time.Duration) {
	c.reclaimDelay = delay
}

func (c *SortedSetCoordinator) Name() string { return StrategySortedSet }

func (c *SortedSetCoordinator) Atomic() bool { return true }

func (c *SortedSetCoordinator) now(ctx context.Context) (time.Time, error) {
	if !c.opts.StoreTime || c.times == nil {
		return c.opts.Clock.Now(), nil
	}
	return retry.Value(ctx, c.opts.Retry, "Reading store time", c.times.Time)
}

// Candidates first hands expired WORKING entries back to WAITING, then
// returns the registered agents whose WAITING score is due.
func (c *SortedSetCoordinator) Candidates(ctx context.Context, registered []string) ([]string, error) {
	now, err := c.now(ctx)
	if err != nil {
		return nil, err
	}
	ts := now.Unix()

	if err := c.reclaimExpired(ctx, ts); err != nil {
		// A failed reclaim does not stop the due scan.
		c.opts.Logger.Warn("Failed to reclaim expired claims", "error", err)
	}

	due, err := retry.Value(ctx, c.opts.Retry, "Listing due agents", func(ctx context.Context) ([]store.Entry, error) {
		return c.sets.ZRangeByScore(ctx, c.opts.Keys.Waiting(), ts)
	})
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(registered))
	for _, t := range registered {
		known[t] = struct{}{}
	}
	out := make([]string, 0, len(due))
	for _, e := range due {
		if _, ok := known[e.Member]; ok {
			out = append(out, e.Member)
		}
	}
	return out, nil
}

// reclaimExpired moves WORKING entries whose deadline has passed back to
// WAITING, due one reclaim delay from now. The swap is fenced on the deadline that was
// observed, so an entry reclaimed and claimed again in the meantime stays put.
func (c *SortedSetCoordinator) reclaimExpired(ctx context.Context, now int64) error {
	expired, err := retry.Value(ctx, c.opts.Retry, "Listing expired claims", func(ctx context.Context) ([]store.Entry, error) {
		return c.sets.ZRangeByScore(ctx, c.opts.Keys.Working(), now-1)
	})
	if err != nil {
		return err
	}

	for _, e := range expired {
		token := strconv.FormatInt(e.Score, 10)
		next := now
		if c.reclaimDelay != nil {
			next += int64(c.reclaimDelay(e.Member) / time.Second)
		}
		_, moved, err := retry.Value2(ctx, c.opts.Retry, "Reclaiming "+e.Member, func(ctx context.Context) (string, bool, error) {
			return c.sets.ConditionalSwap(ctx, c.opts.Keys.Working(), c.opts.Keys.Waiting(), e.Member, next, token)
		})
		if err != nil {
			return err
		}
		if moved {
			c.opts.Logger.Info("Reclaimed abandoned claim", "agentType", e.Member, "deadline", e.Score, "next", next)
			c.opts.Observer.ClaimReclaimed(e.Member)
		}
	}
	return nil
}

// Claim swaps agentType from WAITING into WORKING with the claim deadline.
func (c *SortedSetCoordinator) Claim(ctx context.Context, agentType string, timeout time.Duration) (*Lock, error) {
	now, err := c.now(ctx)
	if err != nil {
		return nil, err
	}
	deadline := now.Add(timeout).Unix()

	old, ok, err := retry.Value2(ctx, c.opts.Retry, "Acquiring lock on "+agentType, func(ctx context.Context) (string, bool, error) {
		return c.sets.Swap(ctx, c.opts.Keys.Waiting(), c.opts.Keys.Working(), agentType, deadline)
	})
	if err != nil || !ok {
		return nil, err
	}
	return &Lock{
		AgentType:    agentType,
		Holder:       c.opts.Identity,
		Token:        strconv.FormatInt(deadline, 10),
		ReleaseToken: old,
		ClaimedAt:    now,
		Deadline:     time.Unix(deadline, 0),
	}, nil
}

// Release moves the claim back to WAITING if its WORKING score still equals
// the token handed out by Claim.
func (c *SortedSetCoordinator) Release(ctx context.Context, lock *Lock, delay time.Duration) (bool, error) {
	now, err := c.now(ctx)
	if err != nil {
		return false, err
	}
	next := now.Add(delay).Unix()

	_, ok, err := retry.Value2(ctx, c.opts.Retry, "Releasing "+lock.AgentType, func(ctx context.Context) (string, bool, error) {
		return c.sets.ConditionalSwap(ctx, c.opts.Keys.Working(), c.opts.Keys.Waiting(), lock.AgentType, next, lock.Token)
	})
	if err != nil {
		return false, err
	}
	if !ok {
		c.opts.Logger.Debug("Claim was reclaimed by another node before release",
			"agentType", lock.AgentType, "token", lock.Token)
		c.opts.Observer.FencingConflict(lock.AgentType)
	}
	return ok, nil
}

// Restore moves the claim back to WAITING at the score it had before Claim,
// fenced like Release. A lock without a usable release token is due now.
func (c *SortedSetCoordinator) Restore(ctx context.Context, lock *Lock) (bool, error) {
	var score int64
	if f, err := strconv.ParseFloat(lock.ReleaseToken, 64); err == nil {
		score = int64(f)
	} else {
		now, err := c.now(ctx)
		if err != nil {
			return false, err
		}
		score = now.Unix()
	}

	_, ok, err := retry.Value2(ctx, c.opts.Retry, "Restoring "+lock.AgentType, func(ctx context.Context) (string, bool, error) {
		return c.sets.ConditionalSwap(ctx, c.opts.Keys.Working(), c.opts.Keys.Waiting(), lock.AgentType, score, lock.Token)
	})
	if err != nil {
		return false, err
	}
	if !ok {
		c.opts.Observer.FencingConflict(lock.AgentType)
	}
	return ok, nil
}

func (c *SortedSetCoordinator) Valid(ctx context.Context, lock *Lock) (bool, error) {
	_, ok, err := retry.Value2(ctx, c.opts.Retry, "Validating "+lock.AgentType, func(ctx context.Context) (string, bool, error) {
		return c.sets.ScoreMatches(ctx, c.opts.Keys.Working(), lock.AgentType, lock.Token)
	})
	return ok, err
}

func (c *SortedSetCoordinator) EnsureRegistered(ctx context.Context, agentType string) error {
	now, err := c.now(ctx)
	if err != nil {
		return err
	}
	return c.opts.Retry.Do(ctx, "Registering "+agentType, func(ctx context.Context) error {
		_, err := c.sets.AddIfAbsent(ctx, c.opts.Keys.Waiting(), c.opts.Keys.Working(), agentType, now.Unix())
		return err
	})
}

func (c *SortedSetCoordinator) Unregister(ctx context.Context, agentType string) error {
	return c.opts.Retry.Do(ctx, "Removing "+agentType, func(ctx context.Context) error {
		return c.sets.Remove(ctx, c.opts.Keys.Waiting(), c.opts.Keys.Working(), agentType)
	})
}
