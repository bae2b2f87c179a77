package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"outdial/internal/config"
)

// DefaultInFlightTTL bounds how long a slot survives a crashed holder.
const DefaultInFlightTTL = 2 * time.Minute

// OpenRedis connects and validates the server with PING.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

var acquireScript = redis.NewScript(`
-- KEYS[1] = counter key, ARGV[1] = limit, ARGV[2] = ttl_ms
local current = redis.call('INCR', KEYS[1])
if current == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var releaseScript = redis.NewScript(`
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// RedisCap shares in-flight slots between service instances. Counters expire
// after ttl so a crashed holder cannot leak them.
type RedisCap struct {
	rdb    redis.Scripter
	prefix string
	ttl    time.Duration
}

// NewRedisCap wraps rdb. Keys are "<prefix><key>".
func NewRedisCap(rdb redis.Scripter, prefix string, ttl time.Duration) *RedisCap {
	if ttl <= 0 {
		ttl = DefaultInFlightTTL
	}
	if prefix == "" {
		prefix = "outdial:inflight:"
	}
	return &RedisCap{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *RedisCap) Acquire(ctx context.Context, key string, limit int) (bool, error) {
	if key == "" {
		return false, errors.New("key is required")
	}
	if limit <= 0 {
		return true, nil
	}
	res, err := acquireScript.Run(ctx, c.rdb, []string{c.prefix + key}, limit, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return res == 1, nil
}

func (c *RedisCap) Release(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("key is required")
	}
	if _, err := releaseScript.Run(ctx, c.rdb, []string{c.prefix + key}).Result(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
