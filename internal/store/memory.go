package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type memValue struct {
	value    string
	expireAt time.Time // zero means no expiry
}

// MemoryStore is an in-process Store. Every operation holds one mutex, which
// makes each transition atomic the same way a server-side script is. Expiry
// follows the supplied clock, so tests can drive it with a mock.
type MemoryStore struct {
	mu     sync.Mutex
	clock  clock.Clock
	kv     map[string]memValue
	sets   map[string]map[string]int64
	closed bool
}

// NewMemoryStore creates an empty store on clk. A nil clock means wall time.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		clock: clk,
		kv:    make(map[string]memValue),
		sets:  make(map[string]map[string]int64),
	}
}

// live returns the value of key after dropping it if expired. Caller holds mu.
func (s *MemoryStore) live(key string) (memValue, bool) {
	v, ok := s.kv[key]
	if !ok {
		return memValue{}, false
	}
	if !v.expireAt.IsZero() && !s.clock.Now().Before(v.expireAt) {
		delete(s.kv, key)
		return memValue{}, false
	}
	return v, true
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.live(key)
	return v.value, ok, nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.kv[key] = memValue{value: value}
	return true, nil
}

func (s *MemoryStore) PExpire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	v, ok := s.live(key)
	if !ok {
		return false, nil
	}
	if ttl <= 0 {
		delete(s.kv, key)
		return true, nil
	}
	v.expireAt = s.clock.Now().Add(ttl)
	s.kv[key] = v
	return true, nil
}

func (s *MemoryStore) PTTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	v, ok := s.live(key)
	if !ok {
		return TTLMissing, nil
	}
	if v.expireAt.IsZero() {
		return TTLNoExpiry, nil
	}
	return v.expireAt.Sub(s.clock.Now()).Truncate(time.Millisecond), nil
}

func (s *MemoryStore) Del(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.live(key)
	delete(s.kv, key)
	return ok, nil
}

func (s *MemoryStore) set(key string) map[string]int64 {
	z, ok := s.sets[key]
	if !ok {
		z = make(map[string]int64)
		s.sets[key] = z
	}
	return z
}

func (s *MemoryStore) ZScore(_ context.Context, key, member string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, ErrClosed
	}
	score, ok := s.sets[key][member]
	return score, ok, nil
}

func (s *MemoryStore) ZRangeByScore(_ context.Context, key string, max int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var entries []Entry
	for member, score := range s.sets[key] {
		if score <= max {
			entries = append(entries, Entry{Member: member, Score: score})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score < entries[j].Score
		}
		return entries[i].Member < entries[j].Member
	})
	return entries, nil
}

func (s *MemoryStore) AddIfAbsent(_ context.Context, waiting, working, member string, score int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.sets[waiting][member]; ok {
		return false, nil
	}
	if _, ok := s.sets[working][member]; ok {
		return false, nil
	}
	s.set(waiting)[member] = score
	return true, nil
}

func (s *MemoryStore) Swap(_ context.Context, from, to, member string, score int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	old, ok := s.sets[from][member]
	if !ok {
		return "", false, nil
	}
	delete(s.sets[from], member)
	s.set(to)[member] = score
	return strconv.FormatInt(old, 10), true, nil
}

func (s *MemoryStore) ConditionalSwap(_ context.Context, from, to, member string, score int64, token string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	current, ok := s.sets[from][member]
	if !ok || !tokenMatches(current, token) {
		return "", false, nil
	}
	delete(s.sets[from], member)
	s.set(to)[member] = score
	return strconv.FormatInt(score, 10), true, nil
}

func (s *MemoryStore) ScoreMatches(_ context.Context, key, member, token string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	current, ok := s.sets[key][member]
	if !ok || !tokenMatches(current, token) {
		return "", false, nil
	}
	return strconv.FormatInt(current, 10), true, nil
}

func (s *MemoryStore) Remove(_ context.Context, waiting, working, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.sets[waiting], member)
	delete(s.sets[working], member)
	return nil
}

func (s *MemoryStore) Time(context.Context) (time.Time, error) {
	return s.clock.Now(), nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func tokenMatches(score int64, token string) bool {
	want, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return false
	}
	return float64(score) == want
}
