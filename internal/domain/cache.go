package domain

import (
	"context"
	"time"
)

// Cache is a byte-valued TTL store for computed baselines.
type Cache interface {
	// Get returns nil, nil for a missing or expired key.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and sizes the baseline cache.
type CacheConfig struct {
	Type string // "memory" or "redis"

	// In-process LRU, also the L1 of the two-phase cache
	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase fronts Redis with the local LRU.
	EnableTwoPhase bool

	// BaselineTTL is how long computed baselines stay cached.
	BaselineTTL time.Duration
}
