// Package dedup is a Redis-backed advisory guard against webhook redelivery
// storms. It short-circuits obviously repeated enqueues before they hit
// Postgres; the jobs table's unique constraint remains the authority, so a
// Redis miss or outage only costs an extra upsert.
package dedup

import (
	"context"
	"fmt"
	"time"

	"shopflow/internal/log"

	"github.com/redis/go-redis/v9"
)

type Guard struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// New returns a guard, or nil when no Redis client is configured. A nil
// guard is valid and always reports "not seen".
func New(client *redis.Client, ttl time.Duration, logger *log.Logger) *Guard {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Guard{client: client, ttl: ttl, logger: logger}
}

// Seen marks (shop, kind, naturalKey) and reports whether it was already
// marked within the TTL window. Errors degrade to "not seen".
func (g *Guard) Seen(ctx context.Context, shop, kind, naturalKey string) bool {
	if g == nil {
		return false
	}
	key := fmt.Sprintf("shopflow:dedup:%s:%s:%s", shop, kind, naturalKey)
	set, err := g.client.SetNX(ctx, key, "1", g.ttl).Result()
	if err != nil {
		g.logger.Warnw("Dedup check failed, treating as unseen", "key", key, "error", err)
		return false
	}
	return !set
}

// Forget clears the mark, letting the next enqueue through immediately.
// Used when an operator explicitly re-runs a period.
func (g *Guard) Forget(ctx context.Context, shop, kind, naturalKey string) {
	if g == nil {
		return
	}
	key := fmt.Sprintf("shopflow:dedup:%s:%s:%s", shop, kind, naturalKey)
	if err := g.client.Del(ctx, key).Err(); err != nil {
		g.logger.Warnw("Dedup forget failed", "key", key, "error", err)
	}
}
