package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript bumps a daily counter, setting its expiry on first use, and
// takes the increment back when it went over the limit in ARGV[2].
var reserveScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
end
local limit = tonumber(ARGV[2])
if limit > 0 and n > limit then
    redis.call("DECR", KEYS[1])
    return 0
end
return n
`)

// RedisCounter keeps daily counts in Redis so several processes share one quota.
type RedisCounter struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCounter(rdb *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "outflow:ratelimit"
	}
	return &RedisCounter{rdb: rdb, prefix: prefix, ttl: 48 * time.Hour}
}

func (c *RedisCounter) key(tenantID, day string) string {
	return c.prefix + ":" + tenantID + ":" + day
}

func (c *RedisCounter) Reserve(ctx context.Context, tenantID, day string, limit int) (bool, error) {
	n, err := reserveScript.Run(ctx, c.rdb, []string{c.key(tenantID, day)},
		strconv.Itoa(int(c.ttl.Seconds())), strconv.Itoa(limit)).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
