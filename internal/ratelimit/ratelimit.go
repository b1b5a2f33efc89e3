// Package ratelimit provides fixed-window request counters behind a small
// interface so handlers can be wired to an in-process limiter on single
// instances and a shared redis limiter in multi-instance deployments.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter interface {
	// Allow reports whether another event is permitted for key within the
	// current window.
	Allow(ctx context.Context, key string) (bool, error)
}

type memoryEntry struct {
	count     int
	windowEnd time.Time
}

type MemoryLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l.limit <= 0 || l.window <= 0 {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.windowEnd) {
		if len(l.entries) > 4096 {
			l.sweep(now)
		}
		l.entries[key] = &memoryEntry{count: 1, windowEnd: now.Add(l.window)}
		return true, nil
	}

	entry.count++
	return entry.count <= l.limit, nil
}

func (l *MemoryLimiter) sweep(now time.Time) {
	for key, entry := range l.entries {
		if now.After(entry.windowEnd) {
			delete(l.entries, key)
		}
	}
}

type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 || l.window <= 0 {
		return true, nil
	}

	count, err := l.client.Incr(ctx, "ratelimit:"+key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, "ratelimit:"+key, l.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(l.limit), nil
}
