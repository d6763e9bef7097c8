package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Limiter bounds in-flight calls per campaign with Redis counters. The
// pacing algorithm already caps origination locally; the limiter is the
// cross-process backstop that holds the invariant when several engine
// instances dial for the same campaign.
type Limiter struct {
	client       *redis.Client
	defaultLimit int
	ttl          time.Duration
}

// NewLimiter constructs an in-flight call limiter.
func NewLimiter(client *redis.Client, defaultLimit int, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Limiter{client: client, defaultLimit: defaultLimit, ttl: ttl}
}

// Acquire attempts to reserve an in-flight slot for the campaign.
func (l *Limiter) Acquire(ctx context.Context, campaignID uuid.UUID, limit int) (bool, error) {
	if campaignID == uuid.Nil {
		return true, nil
	}
	if limit <= 0 {
		limit = l.defaultLimit
	}
	if limit <= 0 {
		return true, nil
	}

	script := redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

	key := l.key(campaignID)
	res, err := script.Run(ctx, l.client, []string{key}, limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("inflight acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a slot after a call finalizes.
func (l *Limiter) Release(ctx context.Context, campaignID uuid.UUID) error {
	if campaignID == uuid.Nil {
		return nil
	}
	key := l.key(campaignID)
	script := redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 0 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)
	if _, err := script.Run(ctx, l.client, []string{key}).Int(); err != nil {
		return fmt.Errorf("inflight release: %w", err)
	}
	return nil
}

func (l *Limiter) key(campaignID uuid.UUID) string {
	return fmt.Sprintf("dialer:campaign:%s:inflight", campaignID.String())
}
