package limits

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, rpm int) (*RateLimiter, func()) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	limiter := NewRateLimiter(client, rpm)
	cleanup := func() {
		client.Close()
		server.Close()
	}
	return limiter, cleanup
}

func TestRateLimiterAllowEnforcesRPM(t *testing.T) {
	limiter, cleanup := newTestLimiter(t, 2)
	defer cleanup()

	ctx := context.Background()
	identity := "admin-1"

	if err := limiter.Allow(ctx, identity); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	if err := limiter.Allow(ctx, identity); err != nil {
		t.Fatalf("second request should pass: %v", err)
	}
	if err := limiter.Allow(ctx, identity); err != ErrLimitExceeded {
		t.Fatalf("expected rpm limit error, got %v", err)
	}
}

func TestRateLimiterIsolatesIdentities(t *testing.T) {
	limiter, cleanup := newTestLimiter(t, 1)
	defer cleanup()

	ctx := context.Background()
	if err := limiter.Allow(ctx, "admin-1"); err != nil {
		t.Fatalf("first identity should pass: %v", err)
	}
	if err := limiter.Allow(ctx, "admin-2"); err != nil {
		t.Fatalf("second identity should not share a window: %v", err)
	}
}

func TestRateLimiterRemaining(t *testing.T) {
	limiter, cleanup := newTestLimiter(t, 3)
	defer cleanup()

	ctx := context.Background()
	identity := "admin-1"

	remaining, err := limiter.Remaining(ctx, identity)
	if err != nil {
		t.Fatalf("remaining on fresh window: %v", err)
	}
	if remaining != 3 {
		t.Fatalf("expected full allowance, got %d", remaining)
	}

	if err := limiter.Allow(ctx, identity); err != nil {
		t.Fatalf("allow: %v", err)
	}
	remaining, err = limiter.Remaining(ctx, identity)
	if err != nil {
		t.Fatalf("remaining after one request: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("expected 2 remaining, got %d", remaining)
	}
}

func TestRateLimiterDisabledWithoutClient(t *testing.T) {
	var limiter *RateLimiter
	if err := limiter.Allow(context.Background(), "anyone"); err != nil {
		t.Fatalf("nil limiter should allow everything: %v", err)
	}
}
