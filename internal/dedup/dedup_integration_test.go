//go:build integration
// +build integration

package dedup

import (
	"context"
	"os"
	"testing"
	"time"

	"shopflow/internal/log"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupTestRedis(ctx context.Context, t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		redisContainer, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
		if err != nil {
			t.Fatalf("failed to start redis container: %v", err)
		}
		t.Cleanup(func() { redisContainer.Terminate(ctx) })

		addr, err = redisContainer.Endpoint(ctx, "")
		if err != nil {
			t.Fatalf("failed to get redis endpoint: %v", err)
		}
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestGuardSeen(t *testing.T) {
	ctx := context.Background()
	guard := New(setupTestRedis(ctx, t), time.Minute, log.NewNop())

	if guard.Seen(ctx, "s.myshopify.com", "webhook", "wh-1") {
		t.Error("first sighting reported as seen")
	}
	if !guard.Seen(ctx, "s.myshopify.com", "webhook", "wh-1") {
		t.Error("second sighting not reported as seen")
	}
	if guard.Seen(ctx, "s.myshopify.com", "webhook", "wh-2") {
		t.Error("different key reported as seen")
	}

	guard.Forget(ctx, "s.myshopify.com", "webhook", "wh-1")
	if guard.Seen(ctx, "s.myshopify.com", "webhook", "wh-1") {
		t.Error("forgotten key still reported as seen")
	}
}

func TestNilGuard(t *testing.T) {
	guard := New(nil, time.Minute, log.NewNop())
	if guard != nil {
		t.Fatal("guard without redis should be nil")
	}
	// nil-safe: always unseen, never panics
	if guard.Seen(context.Background(), "s.myshopify.com", "webhook", "wh-1") {
		t.Error("nil guard reported seen")
	}
	guard.Forget(context.Background(), "s.myshopify.com", "webhook", "wh-1")
}
