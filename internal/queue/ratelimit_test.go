package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupLimiter(t *testing.T, perSecond int) *RateLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, perSecond)
}

func TestReserveWithinLimit(t *testing.T) {
	rl := setupLimiter(t, 10)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, _, err := rl.Reserve(ctx, 1)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("reserve %d denied under limit", i)
		}
	}

	allowed, wait, err := rl.Reserve(ctx, 1)
	if err != nil {
		t.Fatalf("reserve over limit: %v", err)
	}
	if allowed {
		t.Fatal("reserve allowed past the per-second cap")
	}
	if wait <= 0 {
		t.Errorf("wait = %v, want > 0", wait)
	}
}

func TestReserveBatchDeniedAtomically(t *testing.T) {
	rl := setupLimiter(t, 10)
	ctx := context.Background()

	allowed, _, err := rl.Reserve(ctx, 8)
	if err != nil || !allowed {
		t.Fatalf("first batch: allowed=%v err=%v", allowed, err)
	}

	// 8 + 5 > 10: the whole batch is denied and nothing is recorded
	allowed, _, err = rl.Reserve(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("oversized batch allowed")
	}

	current, _, err := rl.Usage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if current != 8 {
		t.Errorf("usage after denied batch = %d, want 8", current)
	}

	// A batch that still fits goes through
	allowed, _, _ = rl.Reserve(ctx, 2)
	if !allowed {
		t.Fatal("fitting batch denied")
	}
}

func TestReserveUnlimited(t *testing.T) {
	rl := setupLimiter(t, 0)
	allowed, _, err := rl.Reserve(context.Background(), 1000)
	if err != nil || !allowed {
		t.Fatalf("unlimited reserve: allowed=%v err=%v", allowed, err)
	}
}
