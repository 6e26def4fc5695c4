package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// windowLuaScript prunes, counts and conditionally records in one round trip.
// KEYS[1] = window key
// ARGV[1] = event time (unix ms)
// ARGV[2] = window (ms)
// ARGV[3] = limit
// ARGV[4] = unique member for this event
// Returns: {allowed (0|1), count before insert, oldest retained ms or -1}
const windowLuaScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)

local allowed = 0
if count < limit then
    redis.call("ZADD", key, now, ARGV[4])
    redis.call("PEXPIRE", key, window)
    allowed = 1
end

local oldest = -1
local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if #first > 0 then
    oldest = tonumber(first[2])
end

return {allowed, count, oldest}
`

// RedisStore implements Store on Redis. Works with a single node, sentinel
// or cluster client; every multi-key operation touches one key only.
type RedisStore struct {
	client       redis.UniversalClient
	prefix       string
	windowScript *redis.Script
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		client:       client,
		prefix:       prefix,
		windowScript: redis.NewScript(windowLuaScript),
	}
}

// Client exposes the underlying client for components that need raw Redis,
// such as distributed locks.
func (s *RedisStore) Client() redis.UniversalClient { return s.client }

func (s *RedisStore) k(key string) string { return joinKey(s.prefix, key) }

func (s *RedisStore) RecordIfAllowed(ctx context.Context, key string, at time.Time, window time.Duration, limit int) (WindowResult, error) {
	ms := at.UnixMilli()
	member := strconv.FormatInt(ms, 10) + "-" + uuid.NewString()

	vals, err := s.windowScript.Run(ctx, s.client, []string{s.k(key)},
		ms, window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return WindowResult{}, fmt.Errorf("window script on %s: %w", key, err)
	}
	if len(vals) != 3 {
		return WindowResult{}, fmt.Errorf("window script on %s: unexpected reply length %d", key, len(vals))
	}

	res := WindowResult{Allowed: vals[0] == 1, Count: int(vals[1])}
	if vals[2] >= 0 {
		res.Oldest = time.UnixMilli(vals[2])
	}
	return res, nil
}

func (s *RedisStore) CountSince(ctx context.Context, key string, cutoff time.Time) (int, time.Time, error) {
	min := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	zs, err := s.client.ZRangeByScoreWithScores(ctx, s.k(key), &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("count %s: %w", key, err)
	}
	if len(zs) == 0 {
		return 0, time.Time{}, nil
	}
	return len(zs), time.UnixMilli(int64(zs[0].Score)), nil
}

func (s *RedisStore) AddMember(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.SAdd(ctx, s.k(key), member).Result()
	if err != nil {
		return false, fmt.Errorf("sadd %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) IsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.k(key), member).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Members(ctx context.Context, key string) ([]string, error) {
	m, err := s.client.SMembers(ctx, s.k(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return m, nil
}

func (s *RedisStore) RemoveMember(ctx context.Context, key, member string) error {
	if err := s.client.SRem(ctx, s.k(key), member).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.k(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return b, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.k(key)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Push(ctx context.Context, key string, value []byte) error {
	if err := s.client.LPush(ctx, s.k(key), value).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, s.k(key), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var err error
	if ttl <= 0 {
		err = s.client.Persist(ctx, s.k(key)).Err()
	} else {
		err = s.client.PExpire(ctx, s.k(key), ttl).Err()
	}
	if err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
