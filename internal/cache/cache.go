package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the remote caching interface. All Redis operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	// WindowAdd prunes members of the sorted set at key older than now-window
	// and adds member at now iff fewer than limit remain. It reports whether
	// the member was added.
	WindowAdd(ctx context.Context, key string, now time.Time, window time.Duration, limit int, member string) (bool, error)
	WindowRemove(ctx context.Context, key string, member string) error
	// WindowState reports how many members of key fall inside the window
	// ending at now, and the score of the oldest of them.
	WindowState(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error)
}

// windowScript runs the prune-count-add sequence atomically on the server.
// KEYS[1] window key; ARGV: cutoff, now, limit, member, ttl millis.
var windowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) WindowAdd(ctx context.Context, key string, now time.Time, window time.Duration, limit int, member string) (bool, error) {
	cutoff := now.Add(-window).UnixMicro()
	added, err := windowScript.Run(ctx, c.client, []string{key},
		cutoff, now.UnixMicro(), limit, member, window.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

func (c *RedisCache) WindowRemove(ctx context.Context, key string, member string) error {
	return c.client.ZRem(ctx, key, member).Err()
}

func (c *RedisCache) WindowState(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	minScore := "(" + strconv.FormatInt(now.Add(-window).UnixMicro(), 10)

	pipe := c.client.Pipeline()
	count := pipe.ZCount(ctx, key, minScore, "+inf")
	oldest := pipe.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   minScore,
		Max:   "+inf",
		Count: 1,
	})
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, time.Time{}, err
	}

	n := int(count.Val())
	if n == 0 || len(oldest.Val()) == 0 {
		return 0, time.Time{}, nil
	}
	return n, time.UnixMicro(int64(oldest.Val()[0].Score)), nil
}

var _ Cache = (*RedisCache)(nil)
