package bucket

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"companyhub/internal/ratelimit/models"
	"companyhub/pkg/requestcontext"
)

// keyPrefix carries a hash tag so every bucket of one check lands in the
// same cluster slot; the script touches several keys at once.
const keyPrefix = "ratelimit:{budgets}:"

// slidingWindowScript checks every bucket, then records the admission in all
// of them or in none.
// KEYS[i]      = bucket key
// ARGV[1]      = now (unix ms)
// ARGV[2]      = unique member for this admission
// ARGV[2+2i-1] = limit of KEYS[i]
// ARGV[2+2i]   = window of KEYS[i] (ms)
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]
local allowed = 1
local reset_at = 0
local blocked = 0

for i, key in ipairs(KEYS) do
    local limit = tonumber(ARGV[1 + 2 * i])
    local window = tonumber(ARGV[2 + 2 * i])
    redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
    local count = redis.call("ZCARD", key)
    if count >= limit then
        allowed = 0
        local reset = now + window
        if limit > 0 then
            local oldest = redis.call("ZRANGE", key, count - limit, count - limit, "WITHSCORES")
            reset = tonumber(oldest[2]) + window
        end
        if reset > reset_at then
            reset_at = reset
            blocked = i
        end
    end
end

if allowed == 1 then
    for i, key in ipairs(KEYS) do
        local window = tonumber(ARGV[2 + 2 * i])
        redis.call("ZADD", key, now, member)
        redis.call("PEXPIRE", key, window)
    end
end

return {allowed, reset_at, blocked}
`)

// RedisBucketStore shares sliding window logs between replicas.
type RedisBucketStore struct {
	client redis.UniversalClient
}

// NewRedis creates a bucket store backed by Redis sorted sets.
func NewRedis(client redis.UniversalClient) *RedisBucketStore {
	return &RedisBucketStore{client: client}
}

// Allow checks a single bucket and records one admission when it has room.
func (s *RedisBucketStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error) {
	return s.AllowAll(ctx, []models.Limit{{Key: key, Limit: limit, Window: window}})
}

// AllowAll admits the call only if every bucket has room, atomically.
func (s *RedisBucketStore) AllowAll(ctx context.Context, limits []models.Limit) (*models.RateLimitResult, error) {
	if len(limits) == 0 {
		return &models.RateLimitResult{Allowed: true}, nil
	}
	now := requestcontext.Now(ctx).UnixMilli()

	keys := make([]string, len(limits))
	args := make([]any, 0, 2+2*len(limits))
	args = append(args, now, strconv.FormatInt(now, 10)+"-"+uuid.NewString())
	for i, l := range limits {
		keys[i] = keyPrefix + l.Key
		args = append(args, l.Limit, l.Window.Milliseconds())
	}

	res, err := slidingWindowScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("rate limit script: unexpected reply of %d values", len(res))
	}

	result := &models.RateLimitResult{Allowed: res[0] == 1}
	if !result.Allowed {
		result.ResetAt = time.UnixMilli(res[1])
		if idx := int(res[2]); idx >= 1 && idx <= len(limits) {
			result.BlockedBy = limits[idx-1].Key
		}
	}
	return result, nil
}

// Reset clears the counter for a key.
func (s *RedisBucketStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("reset bucket: %w", err)
	}
	return nil
}

// GetCurrentCount returns the number of admissions recorded for a key.
// Expired entries are trimmed on the next AllowAll, not here.
func (s *RedisBucketStore) GetCurrentCount(ctx context.Context, key string) (int, error) {
	n, err := s.client.ZCard(ctx, keyPrefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("count bucket: %w", err)
	}
	return int(n), nil
}
