package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/stakematch/internal/domain"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/compare_and_swap.lua
var compareAndSwapLua string

// OrderedStore implements domain.OrderedStore. Every method maps onto one
// Redis command or one Lua script, so each call is atomic on its own.
type OrderedStore struct {
	c   *Client
	cas *redis.Script
}

// NewOrderedStore creates an OrderedStore backed by the given Client.
func NewOrderedStore(c *Client) *OrderedStore {
	return &OrderedStore{c: c, cas: redis.NewScript(compareAndSwapLua)}
}

// Get returns the value at key or domain.ErrNotFound.
func (s *OrderedStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.c.rdb.Get(ctx, s.c.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("redis: get %s: %w", key, domain.ErrNotFound)
		}
		return "", fmt.Errorf("redis: get %s: %w", key, err)
	}
	return v, nil
}

func (s *OrderedStore) Set(ctx context.Context, key, value string) error {
	if err := s.c.rdb.Set(ctx, s.c.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (s *OrderedStore) Delete(ctx context.Context, key string) error {
	if err := s.c.rdb.Del(ctx, s.c.key(key)).Err(); err != nil {
		return fmt.Errorf("redis: del %s: %w", key, err)
	}
	return nil
}

// SetNX writes value only if key does not exist yet.
func (s *OrderedStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.c.rdb.SetNX(ctx, s.c.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: setnx %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndSwap replaces the value at key with next if it still equals prev.
// It returns false without error when another writer got there first.
func (s *OrderedStore) CompareAndSwap(ctx context.Context, key, prev, next string) (bool, error) {
	n, err := s.cas.Run(ctx, s.c.rdb, []string{s.c.key(key)}, prev, next).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: cas %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *OrderedStore) ZAdd(ctx context.Context, bucket string, score float64, member string) error {
	err := s.c.rdb.ZAdd(ctx, s.c.key(bucket), redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return fmt.Errorf("redis: zadd %s: %w", bucket, err)
	}
	return nil
}

// ZRange returns members by ascending score; equal scores order by member.
func (s *OrderedStore) ZRange(ctx context.Context, bucket string, start, stop int64) ([]string, error) {
	members, err := s.c.rdb.ZRange(ctx, s.c.key(bucket), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: zrange %s: %w", bucket, err)
	}
	return members, nil
}

// ZRangeByScore returns members with min <= score <= max in ascending order.
func (s *OrderedStore) ZRangeByScore(ctx context.Context, bucket string, min, max float64) ([]domain.ScoredMember, error) {
	zs, err := s.c.rdb.ZRangeByScoreWithScores(ctx, s.c.key(bucket), &redis.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: zrangebyscore %s: %w", bucket, err)
	}
	out := make([]domain.ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, domain.ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

// ZRem removing an absent member is not an error.
func (s *OrderedStore) ZRem(ctx context.Context, bucket string, member string) error {
	if err := s.c.rdb.ZRem(ctx, s.c.key(bucket), member).Err(); err != nil {
		return fmt.Errorf("redis: zrem %s: %w", bucket, err)
	}
	return nil
}

func (s *OrderedStore) ZCard(ctx context.Context, bucket string) (int64, error) {
	n, err := s.c.rdb.ZCard(ctx, s.c.key(bucket)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: zcard %s: %w", bucket, err)
	}
	return n, nil
}

var _ domain.OrderedStore = (*OrderedStore)(nil)
