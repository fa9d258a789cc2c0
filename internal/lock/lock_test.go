package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/shiftwatch/internal/domain"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("ExclusiveUntilReleased", func(t *testing.T) {
		l := NewLocalLocker()

		release, ok, err := l.TryLock(ctx, "fraud-sweep", time.Minute)
		if err != nil || !ok {
			t.Fatalf("expected first TryLock to succeed, got ok=%v err=%v", ok, err)
		}

		if _, ok, _ := l.TryLock(ctx, "fraud-sweep", time.Minute); ok {
			t.Fatal("expected second TryLock to fail while held")
		}

		if _, ok, _ := l.TryLock(ctx, "other", time.Minute); !ok {
			t.Error("expected an unrelated lock name to be free")
		}

		release()
		if _, ok, _ := l.TryLock(ctx, "fraud-sweep", time.Minute); !ok {
			t.Error("expected TryLock to succeed after release")
		}
	})

	t.Run("ExpiresAfterTTL", func(t *testing.T) {
		l := NewLocalLocker()
		now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
		l.now = func() time.Time { return now }

		staleRelease, ok, _ := l.TryLock(ctx, "fraud-sweep", 10*time.Minute)
		if !ok {
			t.Fatal("expected TryLock to succeed")
		}

		now = now.Add(11 * time.Minute)
		freshRelease, ok, _ := l.TryLock(ctx, "fraud-sweep", 10*time.Minute)
		if !ok {
			t.Fatal("expected expired lock to be taken over")
		}

		// The stale holder must not release the new holder's lease.
		staleRelease()
		if _, ok, _ := l.TryLock(ctx, "fraud-sweep", 10*time.Minute); ok {
			t.Error("stale release freed a lock it no longer owns")
		}

		freshRelease()
		if _, ok, _ := l.TryLock(ctx, "fraud-sweep", 10*time.Minute); !ok {
			t.Error("expected lock to be free after the owner released it")
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		l := NewLocalLocker()
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		if _, ok, err := l.TryLock(cctx, "fraud-sweep", time.Minute); err == nil || ok {
			t.Errorf("expected context error, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("ConcurrentSingleWinner", func(t *testing.T) {
		l := NewLocalLocker()
		var winners atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok, _ := l.TryLock(ctx, "fraud-sweep", time.Minute); ok {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()

		if got := winners.Load(); got != 1 {
			t.Errorf("expected exactly one winner, got %d", got)
		}
	})
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     domain.LockConfig
		wantErr bool
	}{
		{"memory", domain.LockConfig{Type: "memory"}, false},
		{"default", domain.LockConfig{}, false},
		{"postgres without db", domain.LockConfig{Type: "postgres"}, true},
		{"unsupported", domain.LockConfig{Type: "zookeeper"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg, nil)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			defer l.Close()
			if _, ok := l.(*LocalLocker); !ok {
				t.Errorf("expected *LocalLocker, got %T", l)
			}
		})
	}
}

func TestAdvisoryKey(t *testing.T) {
	if advisoryKey("fraud-sweep") != advisoryKey("fraud-sweep") {
		t.Error("advisory key must be stable")
	}
	if advisoryKey("fraud-sweep") == advisoryKey("fraud-sweep-2") {
		t.Error("expected distinct keys for distinct names")
	}
}
