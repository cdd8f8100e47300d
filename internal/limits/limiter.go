package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

// RateLimiter enforces a fixed-window requests-per-minute cap on the admin API.
// Windows are keyed per admin identity so one noisy operator cannot starve another.
type RateLimiter struct {
	client *redis.Client
	limit  int
}

func NewRateLimiter(client *redis.Client, requestsPerMinute int) *RateLimiter {
	return &RateLimiter{client: client, limit: requestsPerMinute}
}

// Allow counts one request against the caller's current minute window.
// A nil limiter or a non-positive limit disables enforcement.
func (l *RateLimiter) Allow(ctx context.Context, identity string) error {
	if l == nil || l.client == nil || l.limit <= 0 {
		return nil
	}

	window := time.Now().UTC().Unix() / 60
	redisKey := fmt.Sprintf("insights:rpm:%s:%d", identity, window)

	cnt, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return err
	}
	if cnt == 1 {
		l.client.Expire(ctx, redisKey, time.Minute)
	}
	if int(cnt) > l.limit {
		return ErrLimitExceeded
	}
	return nil
}

// Remaining reports how many requests the identity has left in the current window.
func (l *RateLimiter) Remaining(ctx context.Context, identity string) (int, error) {
	if l == nil || l.client == nil || l.limit <= 0 {
		return 0, nil
	}

	window := time.Now().UTC().Unix() / 60
	redisKey := fmt.Sprintf("insights:rpm:%s:%d", identity, window)

	used, err := l.client.Get(ctx, redisKey).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return l.limit, nil
		}
		return 0, err
	}
	remaining := l.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
