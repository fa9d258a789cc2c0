package domain

import (
	"context"
	"time"
)

// Locker is a named, process-external mutual-exclusion lock.
// TryLock never waits: a busy lock returns acquired == false.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), acquired bool, err error)
}

// LockConfig selects the Locker implementation.
type LockConfig struct {
	// Type is "memory", "redis" or "postgres"
	Type string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}
