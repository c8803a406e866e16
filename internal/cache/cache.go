// Package cache is the gateway's external TTL key/value collaborator. It
// backs discount lookups and sliding-window spill-over data that benefit
// from being shared across gateway replicas. A Redis-backed Cache is the
// production implementation; an in-process Cache services single-node/dev
// deployments.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a TTL key/value store.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Redis wraps a go-redis client as a Cache.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis at addr.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})}
}

// Get returns a cached value, (false, nil) on a cache miss.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores a value with a TTL.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a cached value.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// entry is one in-process cache slot.
type entry struct {
	value   string
	expires time.Time
}

// Memory is an in-process Cache for single-node/dev deployments.
type Memory struct {
	mu   sync.Mutex
	data map[string]entry
}

// NewMemory returns an empty in-process Cache.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]entry)}
}

// Get returns a cached value, evicting it first if its TTL has expired.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	if time.Now().After(e.expires) {
		delete(m.data, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores a value with a TTL.
func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = entry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

// Delete removes a cached value.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
