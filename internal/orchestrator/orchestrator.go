// Package orchestrator runs one analysis pass over a shift: it loads the
// context, runs the applicable agents, combines and scores their hits and
// optionally persists the result as a fraud event.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/shiftwatch/internal/agents"
	"github.com/opensource-finance/shiftwatch/internal/domain"
	"github.com/opensource-finance/shiftwatch/internal/events"
	"github.com/opensource-finance/shiftwatch/internal/metrics"
	"github.com/opensource-finance/shiftwatch/internal/rules"
)

var tracer = otel.Tracer("shiftwatch-orchestrator")

// Stage names, also used as span names.
const (
	StageLoadContext = "LOAD_CONTEXT"
	StageRunAgents   = "RUN_AGENTS"
	StageCombine     = "COMBINE"
	StageScore       = "SCORE"
	StagePersist     = "PERSIST"
)

// Store loads the shift data an analysis needs.
type Store interface {
	GetShift(ctx context.Context, id string) (*domain.Shift, error)
	ListRidesByShift(ctx context.Context, shiftID string) ([]*domain.Ride, error)
	ListExpensesByShift(ctx context.Context, shiftID string) ([]*domain.Expense, error)
	FindPreviousShift(ctx context.Context, vehicleID string, before time.Time) (*domain.Shift, error)
}

// Baselines supplies driver and fleet reference values.
type Baselines interface {
	DriverBaseline(ctx context.Context, driverID, excludeShiftID string) (*domain.DriverBaseline, error)
	FleetStats(ctx context.Context, now time.Time) (*domain.FleetStats, error)
}

// EventSaver persists an analysis.
type EventSaver interface {
	SaveFraudEvent(ctx context.Context, a *domain.ShiftAnalysis) (events.SaveResult, error)
}

// Orchestrator coordinates the agents over one shift at a time.
// It holds no per-shift state and is safe for concurrent use.
type Orchestrator struct {
	store     Store
	baselines Baselines
	saver     EventSaver
	agents    []agents.Agent
	combiner  *rules.Combiner
	now       func() time.Time
}

// New creates an orchestrator. A nil combiner skips the COMBINE escalations.
func New(store Store, baselines Baselines, saver EventSaver, all []agents.Agent, combiner *rules.Combiner) *Orchestrator {
	return &Orchestrator{
		store:     store,
		baselines: baselines,
		saver:     saver,
		agents:    all,
		combiner:  combiner,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Analyze runs the pipeline without persisting the result.
func (o *Orchestrator) Analyze(ctx context.Context, shiftID string) (*domain.ShiftAnalysis, error) {
	ctx, span := tracer.Start(ctx, "AnalyzeShift",
		trace.WithAttributes(attribute.String("shift.id", shiftID)),
	)
	defer span.End()

	a, err := o.analyze(ctx, shiftID)
	if err != nil {
		failSpan(span, err)
		return nil, err
	}
	return a, nil
}

// AnalyzeAndSave runs the pipeline and persists the result.
func (o *Orchestrator) AnalyzeAndSave(ctx context.Context, shiftID string) (*domain.ShiftAnalysis, events.SaveResult, error) {
	ctx, span := tracer.Start(ctx, "AnalyzeAndSaveShift",
		trace.WithAttributes(attribute.String("shift.id", shiftID)),
	)
	defer span.End()
	start := time.Now()

	a, err := o.analyze(ctx, shiftID)
	if err != nil {
		failSpan(span, err)
		metrics.ObserveAnalysisFailure()
		return nil, events.SaveResult{}, err
	}

	pctx, pspan := tracer.Start(ctx, StagePersist)
	res, err := o.saver.SaveFraudEvent(pctx, a)
	if err != nil {
		failSpan(pspan, err)
		pspan.End()
		failSpan(span, err)
		metrics.ObserveAnalysisFailure()
		return a, events.SaveResult{}, fmt.Errorf("failed to save fraud event: %w", err)
	}
	pspan.SetAttributes(attribute.String("event.action", string(res.Action)))
	pspan.End()
	metrics.ObserveAnalysis(string(a.Score.Level), string(res.Action), a.Score.Total, time.Since(start))

	if res.Action != events.ActionUnchanged {
		slog.Info("fraud event saved",
			"shift_id", a.ShiftID,
			"event_id", res.Event.ID,
			"action", res.Action,
			"score", a.Score.Total,
			"level", a.Score.Level,
		)
	}
	return a, res, nil
}

func (o *Orchestrator) analyze(ctx context.Context, shiftID string) (*domain.ShiftAnalysis, error) {
	start := time.Now()

	ac, err := o.loadContext(ctx, shiftID)
	if err != nil {
		return nil, err
	}

	hits, agentErrors := o.runAgents(ctx, ac)
	hits, err = o.combine(ctx, hits)
	if err != nil {
		agentErrors = append(agentErrors, "combiner: "+err.Error())
	}
	a := o.score(ctx, ac, hits, agentErrors)

	slog.Debug("shift analyzed",
		"shift_id", a.ShiftID,
		"driver_id", a.DriverID,
		"partial", a.IsPartialAnalysis,
		"hits", len(a.Score.Reasons),
		"score", a.Score.Total,
		"agent_errors", len(a.AgentErrors),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return a, nil
}

// loadContext fetches the shift, then everything else concurrently.
// Baseline and fleet stats failures degrade to "no reference data".
func (o *Orchestrator) loadContext(ctx context.Context, shiftID string) (*agents.AnalysisContext, error) {
	ctx, span := tracer.Start(ctx, StageLoadContext)
	defer span.End()

	shift, err := o.store.GetShift(ctx, shiftID)
	if err != nil {
		failSpan(span, err)
		return nil, fmt.Errorf("failed to load shift %s: %w", shiftID, err)
	}

	ac := &agents.AnalysisContext{Shift: shift, Now: o.now()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rides, err := o.store.ListRidesByShift(gctx, shiftID)
		if err != nil {
			return fmt.Errorf("failed to load rides: %w", err)
		}
		ac.Rides = rides
		return nil
	})
	g.Go(func() error {
		expenses, err := o.store.ListExpensesByShift(gctx, shiftID)
		if err != nil {
			return fmt.Errorf("failed to load expenses: %w", err)
		}
		ac.Expenses = expenses
		return nil
	})
	g.Go(func() error {
		prev, err := o.store.FindPreviousShift(gctx, shift.VehicleID, shift.StartTime)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load previous shift: %w", err)
		}
		ac.PreviousShift = prev
		return nil
	})
	g.Go(func() error {
		b, err := o.baselines.DriverBaseline(gctx, shift.DriverID, shift.ID)
		if err != nil {
			slog.Warn("driver baseline unavailable", "shift_id", shiftID, "driver_id", shift.DriverID, "error", err)
			return nil
		}
		ac.Baseline = b
		return nil
	})
	g.Go(func() error {
		fs, err := o.baselines.FleetStats(gctx, ac.Now)
		if err != nil {
			slog.Warn("fleet stats unavailable", "shift_id", shiftID, "error", err)
			return nil
		}
		ac.FleetStats = fs
		return nil
	})
	if err := g.Wait(); err != nil {
		failSpan(span, err)
		return nil, fmt.Errorf("failed to load context for shift %s: %w", shiftID, err)
	}

	span.SetAttributes(
		attribute.Bool("shift.open", shift.IsOpen()),
		attribute.Int("shift.rides", len(ac.Rides)),
		attribute.Bool("baseline.present", ac.Baseline != nil),
	)
	return ac, nil
}

// runAgents runs the applicable agents in priority order. A failing or
// panicking agent contributes no hits and an entry in the error list.
func (o *Orchestrator) runAgents(ctx context.Context, ac *agents.AnalysisContext) ([]domain.RuleHit, []string) {
	ctx, span := tracer.Start(ctx, StageRunAgents)
	defer span.End()

	var hits []domain.RuleHit
	var errs []string
	for _, a := range agents.Applicable(o.agents, ac.IsOpen()) {
		found, err := runAgent(ctx, a, ac)
		if err != nil {
			slog.Warn("agent failed",
				"agent", a.Name(),
				"shift_id", ac.Shift.ID,
				"error", err,
			)
			errs = append(errs, a.Name()+": "+err.Error())
			continue
		}
		for _, h := range found {
			h.Agent = a.Name()
			hits = append(hits, h)
		}
	}

	span.SetAttributes(
		attribute.Int("agents.hits", len(hits)),
		attribute.Int("agents.errors", len(errs)),
	)
	if len(errs) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d agent(s) failed", len(errs)))
	}
	return hits, errs
}

func runAgent(ctx context.Context, a agents.Agent, ac *agents.AnalysisContext) (hits []domain.RuleHit, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent panicked", "agent", a.Name(), "panic", r, "stack", string(debug.Stack()))
			hits = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.Analyze(ctx, ac)
}

// combine deduplicates the hits and appends combination escalations.
func (o *Orchestrator) combine(ctx context.Context, hits []domain.RuleHit) ([]domain.RuleHit, error) {
	_, span := tracer.Start(ctx, StageCombine)
	defer span.End()

	hits = Dedupe(hits)
	if o.combiner == nil {
		return hits, nil
	}

	extra, err := o.combiner.Combine(hits)
	if err != nil {
		failSpan(span, err)
	}
	span.SetAttributes(attribute.Int("combine.escalations", len(extra)))
	return append(hits, extra...), err
}

// Dedupe drops repeated hits, keeping the first. Two hits are the same when
// they share a code and, for run-based rules, the same starting index.
func Dedupe(hits []domain.RuleHit) []domain.RuleHit {
	seen := make(map[string]bool, len(hits))
	out := make([]domain.RuleHit, 0, len(hits))
	for _, h := range hits {
		key := h.Code
		if idx, ok := h.Evidence["startIndex"]; ok {
			key = fmt.Sprintf("%s#%v", h.Code, idx)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h)
	}
	return out
}

func (o *Orchestrator) score(ctx context.Context, ac *agents.AnalysisContext, hits []domain.RuleHit, agentErrors []string) *domain.ShiftAnalysis {
	_, span := tracer.Start(ctx, StageScore)
	defer span.End()

	km := ac.KmTotal()
	revenue := ac.Revenue()
	hours := ac.DurationHours()
	rides := len(ac.Rides)

	a := &domain.ShiftAnalysis{
		ShiftID:           ac.Shift.ID,
		DriverID:          ac.Shift.DriverID,
		VehicleID:         ac.Shift.VehicleID,
		Date:              ac.Shift.StartTime,
		KmTotal:           km,
		Revenue:           revenue,
		RideCount:         rides,
		DurationHours:     hours,
		Score:             domain.NewFraudScore(hits),
		Baseline:          ac.Baseline,
		FleetStats:        ac.FleetStats,
		IsPartialAnalysis: ac.IsOpen(),
		AgentErrors:       agentErrors,
		AnalyzedAt:        ac.Now,
	}
	if km > 0 {
		a.RevenuePerKm = revenue / km
	}
	if hours > 0 {
		a.RevenuePerHour = revenue / hours
		a.RidesPerHour = float64(rides) / hours
	}

	span.SetAttributes(
		attribute.Float64("score.total", a.Score.Total),
		attribute.String("score.level", string(a.Score.Level)),
	)
	return a
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
