// Package ratelimit tracks the rolling daily quota of CRM writes.
//
// Counters live in Redis, bucketed by UTC day, and are incremented on every
// dispatch attempt (not only successes) so concurrent jobs see a consistent
// total. Increments use a Lua script so GET → check → INCR races cannot
// oversubscribe the quota.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/crm-sync/internal/domain"
)

// DefaultDailyLimit is used when the config does not set one.
const DefaultDailyLimit = 10000

// Keys carry a 25h TTL so a counter never expires mid-day but does not
// accumulate forever.
const dailyKeyTTL = 25 * 60 * 60

// Lua script for atomic check-and-increment of the daily counter.
// Returns {allowed, newCount}.
const dailyLimitScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// Limiter is the authoritative daily-quota counter. The orchestrator calls
// Reserve per contact dispatch; everything else reads Snapshot.
type Limiter struct {
	redis      *redis.Client
	dailyLimit int
	script     *redis.Script

	// now is swappable for tests
	now func() time.Time
}

// New creates a Limiter with the given daily limit (0 means DefaultDailyLimit).
func New(redisClient *redis.Client, dailyLimit int) *Limiter {
	if dailyLimit <= 0 {
		dailyLimit = DefaultDailyLimit
	}
	return &Limiter{
		redis:      redisClient,
		dailyLimit: dailyLimit,
		script:     redis.NewScript(dailyLimitScript),
		now:        time.Now,
	}
}

func (l *Limiter) dailyKey(accountID string, t time.Time) string {
	return fmt.Sprintf("ratelimit:%s:day:%s", accountID, t.UTC().Format("2006-01-02"))
}

// Reserve atomically consumes one unit of the account's daily quota.
// Returns false when the quota is exhausted; the caller classifies the
// contact as failed/rate_limit rather than aborting the job.
func (l *Limiter) Reserve(ctx context.Context, accountID string) (bool, error) {
	res, err := l.script.Run(ctx, l.redis,
		[]string{l.dailyKey(accountID, l.now())},
		1, l.dailyLimit, dailyKeyTTL,
	).Slice()
	if err != nil {
		return false, fmt.Errorf("rate limit reserve: %w", err)
	}
	return res[0].(int64) == 1, nil
}

// Snapshot returns the advisory read view of the quota: used today,
// remaining (clamped at zero), reset time, and derived warning level.
func (l *Limiter) Snapshot(ctx context.Context, accountID string) (domain.RateLimitSnapshot, error) {
	now := l.now()
	used, err := l.redis.Get(ctx, l.dailyKey(accountID, now)).Int()
	if err != nil && err != redis.Nil {
		return domain.RateLimitSnapshot{}, fmt.Errorf("rate limit read: %w", err)
	}

	resetsAt := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return domain.NewRateLimitSnapshot(l.dailyLimit, used, resetsAt), nil
}
