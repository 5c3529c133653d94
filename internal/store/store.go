// Package store is the coordination store client.
//
// Two families of operations are exposed. LeaseStore holds the primitive
// get / set-if-absent / expire / delete calls the mutex coordinator composes
// non-atomically. ScheduleStore holds the ordered-set reads and the five
// transitions the sorted-set coordinator relies on; each transition runs as
// one indivisible operation on the server.
package store

import (
	"context"
	"errors"
	"time"
)

// Remaining-lifetime sentinels returned by PTTL, matching the store protocol.
const (
	TTLNoExpiry time.Duration = -1 // key exists without an expiry
	TTLMissing  time.Duration = -2 // key does not exist
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("store: closed")
	// ErrUnexpectedReply is returned when a script answers with a type the
	// client does not understand.
	ErrUnexpectedReply = errors.New("store: unexpected reply")
)

// Entry is one ordered-set member with its score in epoch seconds.
type Entry struct {
	Member string
	Score  int64
}

// LeaseStore is the primitive key/value surface.
type LeaseStore interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// SetNX writes value only if key is absent, without an expiry.
	SetNX(ctx context.Context, key, value string) (bool, error)
	// PExpire sets the remaining lifetime of an existing key.
	PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// PTTL returns the remaining lifetime, TTLNoExpiry or TTLMissing.
	PTTL(ctx context.Context, key string) (time.Duration, error)
	// Del removes key and reports whether it existed.
	Del(ctx context.Context, key string) (bool, error)
}

// ScheduleStore is the ordered-set surface. Tokens are the decimal form of
// a score and are compared numerically.
type ScheduleStore interface {
	// ZScore returns the member's score in key.
	ZScore(ctx context.Context, key, member string) (int64, bool, error)
	// ZRangeByScore returns members of key with score <= max, lowest first.
	ZRangeByScore(ctx context.Context, key string, max int64) ([]Entry, error)

	// AddIfAbsent adds member to waiting with score unless it is already a
	// member of waiting or working.
	AddIfAbsent(ctx context.Context, waiting, working, member string, score int64) (bool, error)
	// Swap moves member from one set to another with a new score and returns
	// the score it had. ok is false when member was not in from.
	Swap(ctx context.Context, from, to, member string, score int64) (old string, ok bool, err error)
	// ConditionalSwap is Swap guarded by the member's current score in from
	// equalling token. It returns the new score on success.
	ConditionalSwap(ctx context.Context, from, to, member string, score int64, token string) (string, bool, error)
	// ScoreMatches returns the current score iff it equals token.
	ScoreMatches(ctx context.Context, key, member, token string) (string, bool, error)
	// Remove drops member from both sets.
	Remove(ctx context.Context, waiting, working, member string) error
}

// TimeSource is the store's own clock.
type TimeSource interface {
	Time(ctx context.Context) (time.Time, error)
}

// Store is the full client used by the daemon.
type Store interface {
	LeaseStore
	ScheduleStore
	TimeSource

	Ping(ctx context.Context) error
	Close() error
}

// Keys names the store keys used by the coordinators.
type Keys struct {
	Prefix string
}

// Waiting is the ordered set of agents waiting for their next run.
func (k Keys) Waiting() string { return k.Prefix + ":WAITZ" }

// Working is the ordered set of claimed agents keyed by claim deadline.
func (k Keys) Working() string { return k.Prefix + ":WORKZ" }

// Lease is the mutex key for agentType.
func (k Keys) Lease(agentType string) string { return k.Prefix + ":lock:" + agentType }
