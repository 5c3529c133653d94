package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis client. A single address selects a
// standalone client, several select a cluster client.
type RedisOptions struct {
	Addrs        []string      `yaml:"addrs"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RedisStore implements Store on Redis. The five transitions run as Lua
// scripts, loaded by SHA on first use.
type RedisStore struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisStore connects to Redis.
func NewRedisStore(opts RedisOptions, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        opts.Addrs,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	logger.Info("Redis store created", "addrs", opts.Addrs, "db", opts.DB)
	return &RedisStore{client: client, logger: logger}
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, logger: slog.Default()}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.PExpire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("pexpire %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) PTTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("pttl %s: %w", key, err)
	}
	// go-redis passes the -1/-2 sentinels through unscaled.
	switch ttl {
	case -1:
		return TTLNoExpiry, nil
	case -2:
		return TTLMissing, nil
	}
	return ttl, nil
}

func (s *RedisStore) Del(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("del %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (int64, bool, error) {
	score, err := s.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("zscore %s %s: %w", key, member, err)
	}
	return int64(math.Round(score)), true, nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, max int64) ([]Entry, error) {
	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(max, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}

	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			return nil, fmt.Errorf("zrangebyscore %s: member %v: %w", key, z.Member, ErrUnexpectedReply)
		}
		entries = append(entries, Entry{Member: member, Score: int64(math.Round(z.Score))})
	}
	return entries, nil
}

func (s *RedisStore) AddIfAbsent(ctx context.Context, waiting, working, member string, score int64) (bool, error) {
	n, err := addIfAbsentScript.Run(ctx, s.client, []string{waiting, working}, member, score).Int64()
	if err != nil {
		return false, fmt.Errorf("add %s: %w", member, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Swap(ctx context.Context, from, to, member string, score int64) (string, bool, error) {
	return s.runTokenScript(ctx, swapScript, "swap", []string{from, to}, member, score)
}

func (s *RedisStore) ConditionalSwap(ctx context.Context, from, to, member string, score int64, token string) (string, bool, error) {
	return s.runTokenScript(ctx, conditionalSwapScript, "conditional swap", []string{from, to}, member, score, token)
}

func (s *RedisStore) ScoreMatches(ctx context.Context, key, member, token string) (string, bool, error) {
	return s.runTokenScript(ctx, scoreMatchesScript, "score check", []string{key}, member, token)
}

func (s *RedisStore) Remove(ctx context.Context, waiting, working, member string) error {
	if err := removeScript.Run(ctx, s.client, []string{waiting, working}, member).Err(); err != nil {
		return fmt.Errorf("remove %s: %w", member, err)
	}
	return nil
}

// runTokenScript runs a script that answers with a score or nil.
func (s *RedisStore) runTokenScript(ctx context.Context, script *redis.Script, op string, keys []string, member string, args ...interface{}) (string, bool, error) {
	argv := append([]interface{}{member}, args...)
	token, err := script.Run(ctx, s.client, keys, argv...).Text()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%s %s: %w", op, member, err)
	}
	return token, true, nil
}

func (s *RedisStore) Time(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("time: %w", err)
	}
	return t, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
