// Package cache provides an optional Redis-backed cache for terminal
// generation-status responses. Per the status contract, responses for
// completed and failed generations are cacheable: they never change again,
// so serving them from Redis spares a database read per poll and, more
// importantly, keeps repeated polls of finished generations away from the
// upstream queue entirely.
//
// The cache is strictly optional: a nil *StatusCache is a valid no-op
// receiver, so deployments without Redis run unchanged.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusCache stores JSON-encoded terminal status responses keyed by
// generation id.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis at url (redis:// form) and verifies the connection.
func New(url string, ttl time.Duration) (*StatusCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &StatusCache{client: client, ttl: ttl}, nil
}

// Get loads a cached terminal response into dest. Returns false on miss,
// on any Redis error, and on a nil receiver; callers fall through to the
// database in every such case.
func (c *StatusCache) Get(ctx context.Context, generationID string, dest any) bool {
	if c == nil {
		return false
	}
	data, err := c.client.Get(ctx, key(generationID)).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dest) == nil
}

// Put stores a terminal response. Errors are swallowed: the cache is an
// optimization, never a source of truth.
func (c *StatusCache) Put(ctx context.Context, generationID string, v any) {
	if c == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, key(generationID), data, c.ttl).Err()
}

// Invalidate drops the cached response, used when redaction clears paths.
func (c *StatusCache) Invalidate(ctx context.Context, generationID string) {
	if c == nil {
		return
	}
	_ = c.client.Del(ctx, key(generationID)).Err()
}

// Close releases the underlying connection pool.
func (c *StatusCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func key(generationID string) string {
	return "genstatus:" + generationID
}
