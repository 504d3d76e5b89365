// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rateguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore is a windowed counter backend. Keys carry their window in
// the key name; ttl expires the counter at window end.
type CounterStore interface {
	// Incr atomically increments key and returns the new value. The ttl
	// is applied when the key is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the current value of key, or 0 when absent/expired.
	Get(ctx context.Context, key string) (int64, error)
}

// =============================================================================
// Redis (primary, distributed)
// =============================================================================

// RedisCounters implements CounterStore on a shared Redis instance so
// quota windows hold across orchestrator replicas.
type RedisCounters struct {
	client *redis.Client
}

// NewRedisCounters connects to Redis at addr ("host:port"). The
// connection is verified with a short ping so a dead primary is detected
// at startup rather than on the first quota check.
func NewRedisCounters(addr, password string, db int) (*RedisCounters, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCounters{client: client}, nil
}

// Incr increments key, setting the expiry only on first write.
func (r *RedisCounters) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if n == 1 {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	return n, nil
}

// Get reads key, mapping a missing key to 0.
func (r *RedisCounters) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get %s: %w", key, err)
	}
	return n, nil
}

// Close releases the Redis connection.
func (r *RedisCounters) Close() error { return r.client.Close() }

// =============================================================================
// Local (fallback, in-process)
// =============================================================================

type localEntry struct {
	count   int64
	expires time.Time
}

// LocalCounters implements CounterStore in process memory. It is the
// sticky fallback when Redis is unreachable; counts are per-replica only.
type LocalCounters struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

// NewLocalCounters returns an empty in-process counter store.
func NewLocalCounters() *LocalCounters {
	return &LocalCounters{entries: make(map[string]*localEntry)}
}

// Incr increments key, resetting counters whose window has expired.
func (l *LocalCounters) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok || time.Now().After(e.expires) {
		e = &localEntry{expires: time.Now().Add(ttl)}
		l.entries[key] = e
	}
	e.count++
	return e.count, nil
}

// Get returns the current count, treating expired windows as 0.
func (l *LocalCounters) Get(_ context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok || time.Now().After(e.expires) {
		return 0, nil
	}
	return e.count, nil
}
