// Package idempotency lets at-least-once handlers skip work they already did.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Guard runs fn at most once per key within the retention window. When fn
// fails the key is released so a redelivery can try again.
type Guard interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) (ran bool, err error)
}

// RedisGuard claims keys with SET NX.
type RedisGuard struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisGuard creates a guard storing keys as prefix+key for ttl.
func NewRedisGuard(client redis.Cmdable, prefix string, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

func (g *RedisGuard) Do(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	k := g.prefix + key

	claimed, err := g.client.SetNX(ctx, k, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim idempotency key %s", k)
	}
	if !claimed {
		return false, nil
	}

	if err := fn(ctx); err != nil {
		if delErr := g.client.Del(context.WithoutCancel(ctx), k).Err(); delErr != nil {
			return true, errors.Wrapf(err, "release of idempotency key %s also failed: %v", k, delErr)
		}
		return true, err
	}
	return true, nil
}

// MemoryGuard keeps keys in process memory.
type MemoryGuard struct {
	mu   sync.Mutex
	ttl  time.Duration
	keys map[string]time.Time
	now  func() time.Time
}

// NewMemoryGuard creates an in-process guard. A zero ttl keeps keys forever.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{ttl: ttl, keys: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryGuard) Do(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	if !g.claim(key) {
		return false, nil
	}
	if err := fn(ctx); err != nil {
		g.mu.Lock()
		delete(g.keys, key)
		g.mu.Unlock()
		return true, err
	}
	return true, nil
}

func (g *MemoryGuard) claim(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expires, ok := g.keys[key]; ok && (expires.IsZero() || now.Before(expires)) {
		return false
	}

	var expires time.Time
	if g.ttl > 0 {
		expires = now.Add(g.ttl)
	}
	g.keys[key] = expires
	return true
}
