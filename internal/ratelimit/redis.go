package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript mirrors advance: a live block rejects, an expired block or
// window starts a fresh one, otherwise the counter is incremented and may
// escalate into a block.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local block = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'count', 'window_start', 'blocked_until')
local count = tonumber(state[1])
local windowStart = tonumber(state[2])
local blockedUntil = tonumber(state[3]) or 0

if count and blockedUntil > 0 then
	if now < blockedUntil then
		return {0, 0, blockedUntil - now, 1}
	end
	count = nil
end

if (not count) or (now - windowStart >= window) then
	redis.call('HSET', key, 'count', 1, 'window_start', now, 'blocked_until', 0)
	redis.call('PEXPIRE', key, window)
	return {1, max - 1, window, 0}
end

count = count + 1
local resetIn = windowStart + window - now
if count > max then
	if block > 0 then
		redis.call('HSET', key, 'count', count, 'blocked_until', now + block)
		redis.call('PEXPIRE', key, block)
		return {0, 0, block, 1}
	end
	redis.call('HSET', key, 'count', count)
	return {0, 0, resetIn, 0}
end
redis.call('HSET', key, 'count', count)
return {1, max - count, resetIn, 0}
`)

// RedisStore shares counters between processes. Each check is a single
// atomic script execution; key expiry replaces the in-memory sweep.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore constructs a RedisStore. An empty prefix defaults to "ratelimit:".
func NewRedisStore(client redis.UniversalClient, keyPrefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is nil")
	}
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

// Apply runs the window state machine for key inside Redis.
func (s *RedisStore) Apply(ctx context.Context, key string, now time.Time, rule Rule) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.keyPrefix + key},
		now.UnixMilli(),
		rule.Window.Milliseconds(),
		rule.MaxRequests,
		rule.BlockDuration.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	if len(res) != 4 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected redis response length %d", len(res))
	}
	return Decision{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetIn:   time.Duration(res[2]) * time.Millisecond,
		Blocked:   res[3] == 1,
	}, nil
}
