// Package scheduler runs the periodic fraud sweep over open shifts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/shiftwatch/internal/domain"
	"github.com/opensource-finance/shiftwatch/internal/events"
	"github.com/opensource-finance/shiftwatch/internal/metrics"
)

// ShiftLister returns the shifts a sweep covers.
type ShiftLister interface {
	ListOpenShifts(ctx context.Context) ([]*domain.Shift, error)
}

// Analyzer runs the full pipeline and persists the result.
type Analyzer interface {
	AnalyzeAndSave(ctx context.Context, shiftID string) (*domain.ShiftAnalysis, events.SaveResult, error)
}

// Skip reasons reported in SweepResult.
const (
	SkipRunning    = "already_running"
	SkipLockBusy   = "lock_busy"
	SkipLockFailed = "lock_error"
)

// SweepResult summarises one sweep.
type SweepResult struct {
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skipReason,omitempty"`
	Total      int           `json:"total"`
	Analyzed   int           `json:"analyzed"`
	Failed     int           `json:"failed"`
	Events     int           `json:"events"` // created or updated

	// Incomplete is set when the sweep ran out of lock lease before every
	// open shift was analyzed. The rest wait for the next sweep.
	Incomplete bool `json:"incomplete,omitempty"`
}

// Scheduler sweeps open shifts on a fixed interval. A sweep needs both the
// in-process running flag and the external lock; when either is held the
// sweep is skipped, never queued.
type Scheduler struct {
	shifts   ShiftLister
	analyzer Analyzer
	locker   domain.Locker
	cfg      domain.SchedulerConfig

	running atomic.Bool
	last    atomic.Pointer[SweepResult]

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a scheduler. Zero config values take the defaults.
func New(shifts ShiftLister, analyzer Analyzer, locker domain.Locker, cfg domain.SchedulerConfig) *Scheduler {
	def := domain.DefaultConfig().Scheduler
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = 0
	}
	if cfg.LockName == "" {
		cfg.LockName = def.LockName
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.ShiftTimeout <= 0 {
		cfg.ShiftTimeout = def.ShiftTimeout
	}
	return &Scheduler{
		shifts:   shifts,
		analyzer: analyzer,
		locker:   locker,
		cfg:      cfg,
	}
}

// Start runs sweeps every interval until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					slog.Error("fraud sweep failed", "error", err)
				}
			}
		}
	}()

	slog.Info("scheduler started",
		"interval", s.cfg.Interval.String(),
		"batch_size", s.cfg.BatchSize,
		"lock", s.cfg.LockName,
	)
}

// Stop cancels the loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

// Running reports whether a sweep is in progress in this process.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// LastSweep returns the most recent completed sweep, or nil.
func (s *Scheduler) LastSweep() *SweepResult {
	return s.last.Load()
}

// Sweep analyzes every open shift once. Per-shift failures are counted and
// the sweep continues. The returned error covers only listing failures.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{StartedAt: time.Now().UTC()}

	if !s.running.CompareAndSwap(false, true) {
		return s.skip(res, SkipRunning), nil
	}
	defer s.running.Store(false)

	release, acquired, err := s.locker.TryLock(ctx, s.cfg.LockName, s.cfg.LockTTL)
	if err != nil {
		slog.Warn("sweep lock unavailable", "lock", s.cfg.LockName, "error", err)
		return s.skip(res, SkipLockFailed), nil
	}
	if !acquired {
		return s.skip(res, SkipLockBusy), nil
	}
	defer release()

	// The lease is not renewed, so the sweep must end while it still holds
	// it. The margin leaves time for in-flight analyses to unwind.
	ctx, cancel := context.WithTimeout(ctx, s.sweepBudget())
	defer cancel()

	open, err := s.shifts.ListOpenShifts(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list open shifts: %w", err)
	}
	res.Total = len(open)

	var analyzed, failed, changed atomic.Int64
	for start := 0; start < len(open); start += s.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		if start > 0 && s.cfg.BatchPause > 0 {
			select {
			case <-time.After(s.cfg.BatchPause):
			case <-ctx.Done():
			}
		}

		end := min(start+s.cfg.BatchSize, len(open))
		var g errgroup.Group
		g.SetLimit(s.cfg.BatchSize)
		for _, shift := range open[start:end] {
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				sctx, cancel := context.WithTimeout(ctx, s.cfg.ShiftTimeout)
				defer cancel()

				_, saved, err := s.analyzer.AnalyzeAndSave(sctx, shift.ID)
				if err != nil {
					if errors.Is(ctx.Err(), context.DeadlineExceeded) {
						return nil
					}
					failed.Add(1)
					slog.Error("sweep analysis failed",
						"shift_id", shift.ID,
						"driver_id", shift.DriverID,
						"error", err,
					)
					return nil
				}
				analyzed.Add(1)
				if saved.Action == events.ActionCreated || saved.Action == events.ActionUpdated {
					changed.Add(1)
				}
				return nil
			})
		}
		g.Wait()
	}

	res.Analyzed = int(analyzed.Load())
	res.Failed = int(failed.Load())
	res.Events = int(changed.Load())
	res.Incomplete = res.Analyzed+res.Failed < res.Total
	res.Duration = time.Since(res.StartedAt)
	s.last.Store(&res)
	metrics.ObserveSweep(res.Analyzed, res.Failed, res.Duration)

	slog.Info("fraud sweep completed",
		"total", res.Total,
		"analyzed", res.Analyzed,
		"failed", res.Failed,
		"events", res.Events,
		"incomplete", res.Incomplete,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// sweepBudget is how long a sweep may run under one lock lease.
func (s *Scheduler) sweepBudget() time.Duration {
	return s.cfg.LockTTL - s.cfg.LockTTL/10
}

func (s *Scheduler) skip(res SweepResult, reason string) SweepResult {
	res.Skipped = true
	res.SkipReason = reason
	metrics.ObserveSweepSkipped(reason)
	slog.Info("fraud sweep skipped", "reason", reason)
	return res
}
