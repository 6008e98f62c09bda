package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements DistributedLimiter using Redis and a Lua
// script. The window key and counter key for one descriptor share a hash
// tag so they land on the same cluster node.
type RedisLimiter struct {
	client redis.UniversalClient
	script *redis.Script
}

// NewRedisLimiter creates a new RedisLimiter instance.
func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	luaScript := `
local results = {}
local now = tonumber(ARGV[1])

-- Iterate over keys (pairs of window_key, counter_key); per-pair window
-- sizes arrive in ARGV starting at index 2.
local pair = 0
for i = 1, #KEYS, 2 do
    pair = pair + 1
    local window_key = KEYS[i]
    local counter_key = KEYS[i + 1]
    local window_size = tonumber(ARGV[1 + pair])

    local window_start = redis.call('GET', window_key)

    if not window_start or (now - tonumber(window_start)) >= window_size then
        redis.call('SET', window_key, tostring(now))
        redis.call('SET', counter_key, 1)
        redis.call('EXPIRE', window_key, window_size)
        redis.call('EXPIRE', counter_key, window_size)
        table.insert(results, tostring(now))
        table.insert(results, 1)
    else
        local counter = redis.call('INCR', counter_key)
        if redis.call('TTL', counter_key) == -1 then
            redis.call('EXPIRE', counter_key, window_size)
        end
        table.insert(results, window_start)
        table.insert(results, counter)
    end
end

return results
`
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(luaScript),
	}
}

// CheckAllow atomically checks and increments counters for the given
// descriptors in a single round trip.
func (r *RedisLimiter) CheckAllow(ctx context.Context, descriptors []Descriptor) ([]Result, error) {
	if len(descriptors) == 0 {
		return nil, nil
	}

	now := time.Now().Unix()

	keys := make([]string, 0, len(descriptors)*2)
	args := make([]interface{}, 0, len(descriptors)+1)
	args = append(args, now)
	for _, desc := range descriptors {
		// The hash tag keeps both keys of a descriptor on one node.
		base := fmt.Sprintf("ratelimit:{%s:%s}", desc.Scope, desc.ID)
		keys = append(keys, base+":window", base+":count")
		args = append(args, int64(desc.Window.Seconds()))
	}

	val, err := r.script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return nil, err
	}

	resultsSlice, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type from redis script: %T", val)
	}
	if len(resultsSlice) != len(descriptors)*2 {
		return nil, fmt.Errorf("unexpected result length: got %d, want %d", len(resultsSlice), len(descriptors)*2)
	}

	results := make([]Result, len(descriptors))
	for i, desc := range descriptors {
		current := toInt64(resultsSlice[i*2+1])
		windowStart := toInt64(resultsSlice[i*2])

		remaining := desc.Limit - current
		if remaining < 0 {
			remaining = 0
		}

		results[i] = Result{
			Allowed:   current <= desc.Limit,
			Current:   current,
			Remaining: remaining,
			ResetAt:   windowStart + int64(desc.Window.Seconds()),
		}
	}

	return results, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case float64:
		return int64(t)
	default:
		n, _ := strconv.ParseInt(fmt.Sprintf("%v", t), 10, 64)
		return n
	}
}
