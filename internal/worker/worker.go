// Package worker performs deferred shift re-analysis from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/shiftwatch/internal/bus"
	"github.com/opensource-finance/shiftwatch/internal/domain"
	"github.com/opensource-finance/shiftwatch/internal/events"
)

// ShiftReader loads the shift named in a change message.
type ShiftReader interface {
	GetShift(ctx context.Context, id string) (*domain.Shift, error)
}

// Analyzer runs the full pipeline and persists the result.
type Analyzer interface {
	AnalyzeAndSave(ctx context.Context, shiftID string) (*domain.ShiftAnalysis, events.SaveResult, error)
}

// Worker re-analyzes shifts announced on TopicShiftChanged.
type Worker struct {
	bus      domain.EventBus
	shifts   ShiftReader
	analyzer Analyzer
	cfg      Config

	sem      chan struct{}
	mu       sync.Mutex
	inflight map[string]bool // shift ID -> another change arrived while running

	processed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// ReanalyzeOpenShifts also re-analyzes shifts that are still open.
	// Otherwise open shifts are left to the periodic sweep.
	ReanalyzeOpenShifts bool

	// Concurrency bounds simultaneous analyses.
	Concurrency int

	// Timeout bounds a single analysis.
	Timeout time.Duration
}

// NewWorker creates a new re-analysis worker.
func NewWorker(eventBus domain.EventBus, shifts ShiftReader, analyzer Analyzer, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		shifts:   shifts,
		analyzer: analyzer,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Concurrency),
		inflight: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to shift change notifications.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicShiftChanged, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"topic", domain.TopicShiftChanged,
		"concurrency", w.cfg.Concurrency,
		"reanalyze_open", w.cfg.ReanalyzeOpenShifts,
	)
	return nil
}

// handleMessage decodes a change and schedules its analysis. Changes for a
// shift already being analyzed collapse into one follow-up run.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var change domain.ShiftChangedMessage
	if err := json.Unmarshal(msg.Payload, &change); err != nil {
		slog.Error("failed to parse shift change message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if change.ShiftID == "" {
		return errors.New("shift change without shift ID")
	}

	w.mu.Lock()
	if _, running := w.inflight[change.ShiftID]; running {
		w.inflight[change.ShiftID] = true
		w.mu.Unlock()
		slog.Debug("shift analysis already running, coalesced",
			"shift_id", change.ShiftID,
			"reason", change.Reason,
			"request_id", msg.Metadata[bus.MetaRequestID],
		)
		return nil
	}
	w.inflight[change.ShiftID] = false
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(change)
	}()
	return nil
}

func (w *Worker) run(change domain.ShiftChangedMessage) {
	for {
		select {
		case w.sem <- struct{}{}:
		case <-w.ctx.Done():
			w.mu.Lock()
			delete(w.inflight, change.ShiftID)
			w.mu.Unlock()
			return
		}
		w.process(change)
		<-w.sem

		w.mu.Lock()
		if w.inflight[change.ShiftID] {
			w.inflight[change.ShiftID] = false
			w.mu.Unlock()
			continue
		}
		delete(w.inflight, change.ShiftID)
		w.mu.Unlock()
		return
	}
}

func (w *Worker) process(change domain.ShiftChangedMessage) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.Timeout)
	defer cancel()

	shift, err := w.shifts.GetShift(ctx, change.ShiftID)
	if err != nil {
		w.failed.Add(1)
		slog.Error("failed to load changed shift",
			"shift_id", change.ShiftID,
			"error", err,
		)
		return
	}
	if shift.IsOpen() && !w.cfg.ReanalyzeOpenShifts {
		w.skipped.Add(1)
		slog.Debug("open shift left to sweep",
			"shift_id", shift.ID,
			"reason", change.Reason,
		)
		return
	}

	analysis, res, err := w.analyzer.AnalyzeAndSave(ctx, shift.ID)
	if err != nil {
		w.failed.Add(1)
		slog.Error("shift re-analysis failed",
			"shift_id", shift.ID,
			"reason", change.Reason,
			"error", err,
		)
		return
	}
	w.processed.Add(1)

	slog.Info("shift re-analyzed",
		"shift_id", shift.ID,
		"reason", change.Reason,
		"actor", change.Actor,
		"score", analysis.Score.Total,
		"action", res.Action,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes and waits for running analyses.
func (w *Worker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.cancel()
	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Skipped           int64    `json:"skipped"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Skipped:           w.skipped.Load(),
		Failed:            w.failed.Load(),
	}
}
