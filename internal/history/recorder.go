// Package history writes the append-only before/after change log of shifts,
// rides and expenses.
package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/shiftwatch/internal/domain"
)

// Writer persists history entries.
type Writer interface {
	RecordHistory(ctx context.Context, entry *domain.HistoryEntry) error
}

// Recorder writes history entries in the background. A failed write is
// logged and never surfaces to the caller.
type Recorder struct {
	writer  Writer
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewRecorder creates a recorder. Each write gets its own timeout.
func NewRecorder(w Writer, timeout time.Duration) *Recorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Recorder{
		writer:  w,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record queues a change. before and after are snapshotted immediately, so
// callers may mutate them once Record returns. Either may be nil.
func (r *Recorder) Record(ctx context.Context, entity, entityID, shiftID string, action domain.HistoryAction, actor string, before, after any) {
	entry := &domain.HistoryEntry{
		ID:         uuid.New().String(),
		Entity:     entity,
		EntityID:   entityID,
		ShiftID:    shiftID,
		Action:     action,
		Actor:      actor,
		Before:     snapshot(before),
		After:      snapshot(after),
		RecordedAt: r.now(),
	}

	// The write outlives the request that triggered it.
	ctx = context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		wctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		if err := r.writer.RecordHistory(wctx, entry); err != nil {
			slog.Error("failed to record history",
				"entity", entity,
				"entity_id", entityID,
				"shift_id", shiftID,
				"action", action,
				"error", err,
			)
		}
	}()
}

// Wait blocks until every queued write has finished.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to snapshot history payload", "error", err)
		return nil
	}
	if string(data) == "null" {
		return nil
	}
	return data
}
