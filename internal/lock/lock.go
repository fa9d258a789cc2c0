// Package lock provides named, non-blocking mutual exclusion across
// processes: Redis, PostgreSQL advisory locks, or an in-process fallback.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/shiftwatch/internal/cache"
	"github.com/opensource-finance/shiftwatch/internal/domain"
)

// Locker is a domain.Locker that owns a connection.
type Locker interface {
	domain.Locker
	Close() error
}

// New creates a locker based on configuration. db is only used by the
// "postgres" type.
func New(cfg domain.LockConfig, db *sql.DB) (Locker, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLocalLocker(), nil
	case "redis":
		client, err := cache.Dial(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return NewRedisLocker(client), nil
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("postgres lock requires a database connection")
		}
		return NewPostgresLocker(db), nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", cfg.Type)
	}
}

// LocalLocker serialises holders within one process. TTLs are honoured so a
// holder that never releases does not block forever.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localLease
	seq  uint64
	now  func() time.Time
}

type localLease struct {
	token   uint64
	expires time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held: make(map[string]localLease),
		now:  time.Now,
	}
}

// TryLock implements domain.Locker.
func (l *LocalLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if lease, ok := l.held[name]; ok && (lease.expires.IsZero() || now.Before(lease.expires)) {
		return nil, false, nil
	}

	l.seq++
	lease := localLease{token: l.seq}
	if ttl > 0 {
		lease.expires = now.Add(ttl)
	}
	l.held[name] = lease

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[name]; ok && cur.token == lease.token {
			delete(l.held, name)
		}
	}
	return release, true, nil
}

// Close implements Locker.
func (l *LocalLocker) Close() error {
	return nil
}
