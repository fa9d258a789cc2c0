package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"
)

// PostgresLocker implements domain.Locker with session advisory locks.
// The lock lives as long as the dedicated connection, so the TTL is not
// used: a crashed holder releases when its session ends.
type PostgresLocker struct {
	db *sql.DB
}

// NewPostgresLocker creates a locker on the given pool.
func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

// TryLock implements domain.Locker.
func (l *PostgresLocker) TryLock(ctx context.Context, name string, _ time.Duration) (func(), bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get connection for lock %s: %w", name, err)
	}

	key := advisoryKey(name)
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}

	release := func() {
		defer conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			slog.Warn("failed to release lock", "lock", name, "error", err)
		}
	}
	return release, true, nil
}

// Close is a no-op; the pool belongs to the repository.
func (l *PostgresLocker) Close() error {
	return nil
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}
