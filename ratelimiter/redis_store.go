package ratelimiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// Fixed window: restart when the window has elapsed since the first request,
// otherwise increment. Replies {count, first, fresh}; times are unix milliseconds.
const hitScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local first = redis.call("HGET", key, "first")
if (not first) or (now - tonumber(first) >= window) then
    redis.call("HSET", key, "first", ARGV[1], "count", 1, "window", ARGV[2])
    redis.call("PEXPIRE", key, ARGV[2])
    return {1, now, 1}
end

local count = redis.call("HINCRBY", key, "count", 1)
return {count, tonumber(first), 0}
`

// RedisStore shares counting windows between gateway instances.
type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisStore(addr string, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStore{
		client: client,
		script: redis.NewScript(hitScript),
	}
}

func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (Entry, error) {
	res, err := s.script.Run(ctx, s.client, []string{keyPrefix + key}, now.UnixMilli(), window.Milliseconds()).Int64Slice()
	if err != nil {
		return Entry{}, fmt.Errorf("rate limit hit: %w", err)
	}
	if len(res) != 3 {
		return Entry{}, fmt.Errorf("rate limit hit: unexpected reply length %d", len(res))
	}

	first := time.UnixMilli(res[1])
	return Entry{
		Count:        int(res[0]),
		FirstRequest: first,
		ResetTime:    first.Add(window),
		Fresh:        res[2] == 1,
	}, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) (int, error) {
	keys := []string{keyPrefix + key}
	iter := s.client.Scan(ctx, 0, keyPrefix+key+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("rate limit reset scan: %w", err)
	}

	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit reset: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) All(ctx context.Context, now time.Time) (map[string]Entry, error) {
	out := make(map[string]Entry)
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fields, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("rate limit read %s: %w", iter.Val(), err)
		}
		entry, ok := parseEntry(fields)
		if !ok || !entry.ResetTime.After(now) {
			continue
		}
		out[iter.Val()[len(keyPrefix):]] = entry
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("rate limit scan: %w", err)
	}
	return out, nil
}

// DeleteExpired is a no-op: Redis expires windows itself via PEXPIRE.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func parseEntry(fields map[string]string) (Entry, bool) {
	first, err1 := strconv.ParseInt(fields["first"], 10, 64)
	count, err2 := strconv.Atoi(fields["count"])
	window, err3 := strconv.ParseInt(fields["window"], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Entry{}, false
	}
	start := time.UnixMilli(first)
	return Entry{
		Count:        count,
		FirstRequest: start,
		ResetTime:    start.Add(time.Duration(window) * time.Millisecond),
	}, true
}
