package lease

import (
	"context"
	"math/rand"
	"time"

	"github.com/ChuLiYu/agentd/internal/retry"
	"github.com/ChuLiYu/agentd/internal/store"
)

// MutexCoordinator holds one lease key per agent whose value is the holder
// identity. The claim sequence is get, set-if-absent, then expire, and is not
// atomic as a whole: set-if-absent picks the winner, and a holder that dies
// before writing the expiry leaves a lease without a lifetime. Such leases
// are purged after ProbeAttempts probes all report no expiry. A holder that
// is merely slow to write its expiry can be purged too.
type MutexCoordinator struct {
	leases store.LeaseStore
	opts   Options
}

// NewMutexCoordinator builds the simple-mutex strategy.
func NewMutexCoordinator(leases store.LeaseStore, opts Options) *MutexCoordinator {
	opts.setDefaults()
	return &MutexCoordinator{leases: leases, opts: opts}
}

func (c *MutexCoordinator) Name() string { return StrategyMutex }

func (c *MutexCoordinator) Atomic() bool { return false }

// Candidates returns every registered agent in random order.
func (c *MutexCoordinator) Candidates(_ context.Context, registered []string) ([]string, error) {
	out := append([]string(nil), registered...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out, nil
}

type leaseState int

const (
	leaseLive leaseState = iota
	leaseGone
	leaseAbandoned
)

// probe watches the remaining lifetime of key. Any observed lifetime means
// the lease is live.
func (c *MutexCoordinator) probe(ctx context.Context, key string) (leaseState, error) {
	for i := 0; i < c.opts.ProbeAttempts; i++ {
		if i > 0 {
			if err := c.sleep(ctx, c.opts.ProbeInterval); err != nil {
				return leaseLive, err
			}
		}
		ttl, err := retry.Value(ctx, c.opts.Retry, "Probing lease "+key, func(ctx context.Context) (time.Duration, error) {
			return c.leases.PTTL(ctx, key)
		})
		if err != nil {
			return leaseLive, err
		}
		switch ttl {
		case store.TTLMissing:
			return leaseGone, nil
		case store.TTLNoExpiry:
			continue
		default:
			return leaseLive, nil
		}
	}
	return leaseAbandoned, nil
}

func (c *MutexCoordinator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := c.opts.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *MutexCoordinator) Claim(ctx context.Context, agentType string, timeout time.Duration) (*Lock, error) {
	key := c.opts.Keys.Lease(agentType)

	holder, found, err := retry.Value2(ctx, c.opts.Retry, "Reading lease on "+agentType, func(ctx context.Context) (string, bool, error) {
		return c.leases.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	if found {
		state, err := c.probe(ctx, key)
		if err != nil {
			return nil, err
		}
		switch state {
		case leaseLive:
			return nil, nil
		case leaseAbandoned:
			c.opts.Logger.Warn("Detected potential deadlocked agent, removing lease",
				"agentType", agentType, "holder", holder)
			if err := c.opts.Retry.Do(ctx, "Purging lease on "+agentType, func(ctx context.Context) error {
				_, err := c.leases.Del(ctx, key)
				return err
			}); err != nil {
				return nil, err
			}
			c.opts.Observer.LeasePurged(agentType)
		}
	}

	acquired, err := retry.Value(ctx, c.opts.Retry, "Acquiring lock on "+agentType, func(ctx context.Context) (bool, error) {
		return c.leases.SetNX(ctx, key, c.opts.Identity)
	})
	if err != nil || !acquired {
		return nil, err
	}

	now := c.opts.Clock.Now()
	if err := c.opts.Retry.Do(ctx, "Setting lease expiry on "+agentType, func(ctx context.Context) error {
		_, err := c.leases.PExpire(ctx, key, timeout)
		return err
	}); err != nil {
		// The lease stays without a lifetime until another node purges it.
		return nil, err
	}
	return &Lock{
		AgentType: agentType,
		Holder:    c.opts.Identity,
		Token:     c.opts.Identity,
		ClaimedAt: now,
		Deadline:  now.Add(timeout),
	}, nil
}

// Release deletes the lease when the next run is imminent, otherwise extends
// it to the next run time if this node still holds it.
func (c *MutexCoordinator) Release(ctx context.Context, lock *Lock, delay time.Duration) (bool, error) {
	key := c.opts.Keys.Lease(lock.AgentType)

	if delay < c.opts.MinTTLThreshold {
		err := c.opts.Retry.Do(ctx, "Releasing "+lock.AgentType, func(ctx context.Context) error {
			_, err := c.leases.Del(ctx, key)
			return err
		})
		return err == nil, err
	}

	holder, found, err := retry.Value2(ctx, c.opts.Retry, "Reading lease on "+lock.AgentType, func(ctx context.Context) (string, bool, error) {
		return c.leases.Get(ctx, key)
	})
	if err != nil {
		return false, err
	}
	if !found || holder != lock.Holder {
		c.opts.Logger.Debug("Lease no longer held at release",
			"agentType", lock.AgentType, "holder", holder)
		c.opts.Observer.FencingConflict(lock.AgentType)
		return false, nil
	}

	err = c.opts.Retry.Do(ctx, "Rescheduling "+lock.AgentType, func(ctx context.Context) error {
		_, err := c.leases.PExpire(ctx, key, delay)
		return err
	})
	return err == nil, err
}

// Restore deletes the lease if this node still holds it, so the agent is
// claimable again right away.
func (c *MutexCoordinator) Restore(ctx context.Context, lock *Lock) (bool, error) {
	held, err := c.Valid(ctx, lock)
	if err != nil {
		return false, err
	}
	if !held {
		c.opts.Observer.FencingConflict(lock.AgentType)
		return false, nil
	}
	err = c.opts.Retry.Do(ctx, "Releasing "+lock.AgentType, func(ctx context.Context) error {
		_, err := c.leases.Del(ctx, c.opts.Keys.Lease(lock.AgentType))
		return err
	})
	return err == nil, err
}

func (c *MutexCoordinator) Valid(ctx context.Context, lock *Lock) (bool, error) {
	holder, found, err := retry.Value2(ctx, c.opts.Retry, "Validating "+lock.AgentType, func(ctx context.Context) (string, bool, error) {
		return c.leases.Get(ctx, c.opts.Keys.Lease(lock.AgentType))
	})
	if err != nil {
		return false, err
	}
	return found && holder == lock.Holder, nil
}

// EnsureRegistered is a no-op: leases are created by the first claim.
func (c *MutexCoordinator) EnsureRegistered(context.Context, string) error { return nil }

func (c *MutexCoordinator) Unregister(ctx context.Context, agentType string) error {
	return c.opts.Retry.Do(ctx, "Removing lease on "+agentType, func(ctx context.Context) error {
		_, err := c.leases.Del(ctx, c.opts.Keys.Lease(agentType))
		return err
	})
}
