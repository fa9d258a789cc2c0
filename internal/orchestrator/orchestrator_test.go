package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/shiftwatch/internal/agents"
	"github.com/opensource-finance/shiftwatch/internal/domain"
	"github.com/opensource-finance/shiftwatch/internal/events"
	"github.com/opensource-finance/shiftwatch/internal/financial"
	"github.com/opensource-finance/shiftwatch/internal/rules"
)

// Monday 08:00 UTC.
var t0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type fakeStore struct {
	shifts   map[string]*domain.Shift
	rides    []*domain.Ride
	expenses []*domain.Expense
	previous *domain.Shift
	ridesErr error
}

func (f *fakeStore) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	if s, ok := f.shifts[id]; ok {
		return s, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) ListRidesByShift(ctx context.Context, shiftID string) ([]*domain.Ride, error) {
	return f.rides, f.ridesErr
}

func (f *fakeStore) ListExpensesByShift(ctx context.Context, shiftID string) ([]*domain.Expense, error) {
	return f.expenses, nil
}

func (f *fakeStore) FindPreviousShift(ctx context.Context, vehicleID string, before time.Time) (*domain.Shift, error) {
	if f.previous == nil {
		return nil, domain.ErrNotFound
	}
	return f.previous, nil
}

type fakeBaselines struct {
	baseline *domain.DriverBaseline
	fleet    *domain.FleetStats
	err      error
}

func (f *fakeBaselines) DriverBaseline(ctx context.Context, driverID, excludeShiftID string) (*domain.DriverBaseline, error) {
	return f.baseline, f.err
}

func (f *fakeBaselines) FleetStats(ctx context.Context, now time.Time) (*domain.FleetStats, error) {
	return f.fleet, f.err
}

type fakeSaver struct {
	saved []*domain.ShiftAnalysis
	err   error
}

func (f *fakeSaver) SaveFraudEvent(ctx context.Context, a *domain.ShiftAnalysis) (events.SaveResult, error) {
	if f.err != nil {
		return events.SaveResult{}, f.err
	}
	f.saved = append(f.saved, a)
	return events.SaveResult{Action: events.ActionCreated, Event: &domain.FraudEvent{ID: "evt-1", ShiftID: a.ShiftID}}, nil
}

type stubAgent struct {
	name     string
	runOn    agents.RunOn
	priority int
	hits     []domain.RuleHit
	err      error
	panics   bool

	mu   *sync.Mutex
	log  *[]string
	seen *agents.AnalysisContext
}

func (s *stubAgent) Name() string        { return s.name }
func (s *stubAgent) RunOn() agents.RunOn { return s.runOn }
func (s *stubAgent) Priority() int       { return s.priority }

func (s *stubAgent) Analyze(ctx context.Context, ac *agents.AnalysisContext) ([]domain.RuleHit, error) {
	if s.log != nil {
		s.mu.Lock()
		*s.log = append(*s.log, s.name)
		s.mu.Unlock()
	}
	s.seen = ac
	if s.panics {
		panic("boom")
	}
	return s.hits, s.err
}

func closedShift() *domain.Shift {
	end := t0.Add(8 * time.Hour)
	kmEnd := 1100.0
	return &domain.Shift{
		ID:        "shift-001",
		DriverID:  "driver-001",
		VehicleID: "vehicle-001",
		StartTime: t0,
		EndTime:   &end,
		KmStart:   1000,
		KmEnd:     &kmEnd,
		Status:    domain.ShiftFinished,
	}
}

func openShift() *domain.Shift {
	return &domain.Shift{
		ID:        "shift-002",
		DriverID:  "driver-001",
		VehicleID: "vehicle-001",
		StartTime: t0,
		KmStart:   1000,
		Status:    domain.ShiftOpen,
	}
}

func rides(values ...float64) []*domain.Ride {
	out := make([]*domain.Ride, len(values))
	for i, v := range values {
		out[i] = &domain.Ride{
			ID:        "ride-" + string(rune('a'+i)),
			ShiftID:   "shift-001",
			Channel:   domain.ChannelApp,
			Value:     v,
			Timestamp: t0.Add(time.Duration(i+1) * 30 * time.Minute),
		}
	}
	return out
}

func hit(code string, sev domain.Severity, score float64) domain.RuleHit {
	return domain.RuleHit{Code: code, Severity: sev, Score: score}
}

func newTestOrchestrator(store *fakeStore, b *fakeBaselines, saver *fakeSaver, all []agents.Agent, c *rules.Combiner) *Orchestrator {
	o := New(store, b, saver, all, c)
	o.now = func() time.Time { return t0.Add(10 * time.Hour) }
	return o
}

func TestAnalyzeShiftNotFound(t *testing.T) {
	o := newTestOrchestrator(&fakeStore{}, &fakeBaselines{}, &fakeSaver{}, nil, nil)

	_, err := o.Analyze(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestAnalyzeLoadFailure(t *testing.T) {
	store := &fakeStore{
		shifts:   map[string]*domain.Shift{"shift-001": closedShift()},
		ridesErr: errors.New("db gone"),
	}
	o := newTestOrchestrator(store, &fakeBaselines{}, &fakeSaver{}, nil, nil)

	if _, err := o.Analyze(context.Background(), "shift-001"); err == nil {
		t.Error("expected error when rides cannot be loaded")
	}
}

func TestAgentSelectionAndOrder(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	mk := func(name string, runOn agents.RunOn, priority int) *stubAgent {
		return &stubAgent{name: name, runOn: runOn, priority: priority, mu: &mu, log: &ran}
	}
	all := []agents.Agent{
		mk("late-both", agents.RunOnBoth, 70),
		mk("closed", agents.RunOnClosedShift, 10),
		mk("open", agents.RunOnOpenShift, 60),
		mk("early-both", agents.RunOnBoth, 5),
	}

	tests := []struct {
		name  string
		shift *domain.Shift
		want  []string
	}{
		{"closed shift", closedShift(), []string{"early-both", "closed", "late-both"}},
		{"open shift", openShift(), []string{"early-both", "open", "late-both"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ran = nil
			store := &fakeStore{shifts: map[string]*domain.Shift{tt.shift.ID: tt.shift}}
			o := newTestOrchestrator(store, &fakeBaselines{}, &fakeSaver{}, all, nil)

			a, err := o.Analyze(context.Background(), tt.shift.ID)
			if err != nil {
				t.Fatalf("Analyze failed: %v", err)
			}
			if len(ran) != len(tt.want) {
				t.Fatalf("expected agents %v, got %v", tt.want, ran)
			}
			for i := range tt.want {
				if ran[i] != tt.want[i] {
					t.Errorf("position %d: expected %s, got %s", i, tt.want[i], ran[i])
				}
			}
			if a.IsPartialAnalysis != tt.shift.IsOpen() {
				t.Errorf("expected IsPartialAnalysis %v, got %v", tt.shift.IsOpen(), a.IsPartialAnalysis)
			}
		})
	}
}

func TestAgentFailuresAreIsolated(t *testing.T) {
	store := &fakeStore{shifts: map[string]*domain.Shift{"shift-001": closedShift()}}
	all := []agents.Agent{
		&stubAgent{name: "panicky", runOn: agents.RunOnBoth, priority: 1, panics: true, hits: []domain.RuleHit{hit("NEVER", domain.SeverityHigh, 99)}},
		&stubAgent{name: "broken", runOn: agents.RunOnBoth, priority: 2, err: errors.New("no data"), hits: []domain.RuleHit{hit("IGNORED", domain.SeverityHigh, 99)}},
		&stubAgent{name: "healthy", runOn: agents.RunOnBoth, priority: 3, hits: []domain.RuleHit{hit("REAL", domain.SeverityMedium, 15)}},
	}
	o := newTestOrchestrator(store, &fakeBaselines{}, &fakeSaver{}, all, nil)

	a, err := o.Analyze(context.Background(), "shift-001")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(a.AgentErrors) != 2 {
		t.Fatalf("expected 2 agent errors, got %v", a.AgentErrors)
	}
	if a.AgentErrors[0] != "panicky: panic: boom" || a.AgentErrors[1] != "broken: no data" {
		t.Errorf("unexpected agent errors: %v", a.AgentErrors)
	}
	if len(a.Score.Reasons) != 1 || a.Score.Reasons[0].Code != "REAL" {
		t.Fatalf("expected only the healthy hit, got %v", a.Score.Codes())
	}
	if a.Score.Reasons[0].Agent != "healthy" {
		t.Errorf("expected hit attributed to healthy, got %q", a.Score.Reasons[0].Agent)
	}
	if a.Score.Total != 15 {
		t.Errorf("expected total 15, got %.0f", a.Score.Total)
	}
}

func TestDedupe(t *testing.T) {
	run := func(start int) domain.RuleHit {
		h := hit(rules.CodeRepeatedRideValues, domain.SeverityHigh, 20)
		h.Evidence = map[string]any{"startIndex": start, "count": 4}
		return h
	}

	hits := []domain.RuleHit{
		run(0),
		hit("SHIFT_TOO_LONG", domain.SeverityMedium, 10),
		run(0),
		run(7),
		hit("SHIFT_TOO_LONG", domain.SeverityMedium, 10),
	}
	got := Dedupe(hits)
	if len(got) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(got))
	}
	if got[0].Evidence["startIndex"] != 0 || got[2].Evidence["startIndex"] != 7 {
		t.Errorf("expected first occurrence order kept, got %+v", got)
	}
}

func TestDuplicateHitsAcrossAgents(t *testing.T) {
	repeated := hit(rules.CodeRepeatedRideValues, domain.SeverityHigh, 20)
	repeated.Evidence = map[string]any{"startIndex": 2}

	store := &fakeStore{shifts: map[string]*domain.Shift{"shift-002": openShift()}}
	all := []agents.Agent{
		&stubAgent{name: "first", runOn: agents.RunOnBoth, priority: 1, hits: []domain.RuleHit{repeated}},
		&stubAgent{name: "second", runOn: agents.RunOnBoth, priority: 2, hits: []domain.RuleHit{repeated}},
	}
	o := newTestOrchestrator(store, &fakeBaselines{}, &fakeSaver{}, all, nil)

	a, err := o.Analyze(context.Background(), "shift-002")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(a.Score.Reasons) != 1 || a.Score.Total != 20 {
		t.Errorf("expected a single REPEATED hit worth 20, got %v (%.0f)", a.Score.Codes(), a.Score.Total)
	}
	if a.Score.Reasons[0].Agent != "first" {
		t.Errorf("expected first agent kept, got %s", a.Score.Reasons[0].Agent)
	}
}

func TestCombineEscalation(t *testing.T) {
	combiner, err := rules.NewDefaultCombiner()
	if err != nil {
		t.Fatalf("NewDefaultCombiner failed: %v", err)
	}

	store := &fakeStore{shifts: map[string]*domain.Shift{"shift-001": closedShift()}}
	all := []agents.Agent{
		&stubAgent{name: "stub", runOn: agents.RunOnBoth, priority: 1, hits: []domain.RuleHit{
			hit(rules.CodeRevenuePerHourLow, domain.SeverityMedium, 15),
			hit(rules.CodeRidesPerHourLow, domain.SeverityMedium, 15),
		}},
	}
	o := newTestOrchestrator(store, &fakeBaselines{}, &fakeSaver{}, all, combiner)

	a, err := o.Analyze(context.Background(), "shift-001")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if !a.Score.HasCode(rules.CodeComboLowProductivity) {
		t.Fatalf("expected %s escalation, got %v", rules.CodeComboLowProductivity, a.Score.Codes())
	}
	if a.Score.Total != 40 {
		t.Errorf("expected total 40, got %.0f", a.Score.Total)
	}
	if a.Score.Level != domain.LevelForScore(40) {
		t.Errorf("expected level %s, got %s", domain.LevelForScore(40), a.Score.Level)
	}
}

func TestMetricsAndContext(t *testing.T) {
	prevEnd := 1000.0
	previous := &domain.Shift{ID: "shift-000", VehicleID: "vehicle-001", KmEnd: &prevEnd}
	baseline := &domain.DriverBaseline{DriverID: "driver-001", SampleShifts: 5}
	fleet := &domain.FleetStats{OpenDrivers: 3}

	spy := &stubAgent{name: "spy", runOn: agents.RunOnBoth, priority: 1}
	store := &fakeStore{
		shifts:   map[string]*domain.Shift{"shift-001": closedShift()},
		rides:    rides(40, 60, 50, 50),
		previous: previous,
	}
	o := newTestOrchestrator(store, &fakeBaselines{baseline: baseline, fleet: fleet}, &fakeSaver{}, []agents.Agent{spy}, nil)

	a, err := o.Analyze(context.Background(), "shift-001")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if a.KmTotal != 100 || a.Revenue != 200 || a.RideCount != 4 || a.DurationHours != 8 {
		t.Errorf("unexpected aggregates: km=%.0f rev=%.0f rides=%d h=%.1f", a.KmTotal, a.Revenue, a.RideCount, a.DurationHours)
	}
	if a.RevenuePerKm != 2 || a.RevenuePerHour != 25 || a.RidesPerHour != 0.5 {
		t.Errorf("unexpected ratios: %.2f %.2f %.2f", a.RevenuePerKm, a.RevenuePerHour, a.RidesPerHour)
	}
	if a.Baseline != baseline || a.FleetStats != fleet {
		t.Error("expected baseline and fleet stats in the analysis")
	}
	if a.IsPartialAnalysis {
		t.Error("closed shift must not be partial")
	}
	if !a.Date.Equal(t0) {
		t.Errorf("expected date %v, got %v", t0, a.Date)
	}
	if a.Score.Reasons == nil || a.Score.Total != 0 {
		t.Errorf("expected an empty, zero score, got %+v", a.Score)
	}

	if spy.seen == nil || spy.seen.PreviousShift != previous || len(spy.seen.Rides) != 4 {
		t.Fatalf("agent did not receive the loaded context: %+v", spy.seen)
	}
}

func TestBaselineFailureDegrades(t *testing.T) {
	spy := &stubAgent{name: "spy", runOn: agents.RunOnBoth, priority: 1}
	store := &fakeStore{shifts: map[string]*domain.Shift{"shift-001": closedShift()}}
	o := newTestOrchestrator(store, &fakeBaselines{err: errors.New("cache down")}, &fakeSaver{}, []agents.Agent{spy}, nil)

	a, err := o.Analyze(context.Background(), "shift-001")
	if err != nil {
		t.Fatalf("baseline failure must not fail the analysis: %v", err)
	}
	if a.Baseline != nil || spy.seen.FleetStats != nil || spy.seen.PreviousShift != nil {
		t.Error("expected missing reference data to be nil")
	}
}

func TestOpenShiftRatios(t *testing.T) {
	store := &fakeStore{
		shifts: map[string]*domain.Shift{"shift-002": openShift()},
		rides:  rides(30, 30),
	}
	o := newTestOrchestrator(store, &fakeBaselines{}, &fakeSaver{}, nil, nil)

	a, err := o.Analyze(context.Background(), "shift-002")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if !a.IsPartialAnalysis {
		t.Error("open shift must be partial")
	}
	if a.KmTotal != 0 || a.RevenuePerKm != 0 {
		t.Errorf("open shift has no km yet, got %.0f / %.2f", a.KmTotal, a.RevenuePerKm)
	}
	if a.DurationHours != 10 || a.RevenuePerHour != 6 {
		t.Errorf("expected 10 h at 6/h, got %.1f h at %.2f/h", a.DurationHours, a.RevenuePerHour)
	}
}

func TestAnalyzeAndSave(t *testing.T) {
	store := &fakeStore{shifts: map[string]*domain.Shift{"shift-001": closedShift()}}
	all := []agents.Agent{
		&stubAgent{name: "stub", runOn: agents.RunOnBoth, priority: 1, hits: []domain.RuleHit{hit("X", domain.SeverityHigh, 20)}},
	}

	t.Run("Persists", func(t *testing.T) {
		saver := &fakeSaver{}
		o := newTestOrchestrator(store, &fakeBaselines{}, saver, all, nil)

		a, res, err := o.AnalyzeAndSave(context.Background(), "shift-001")
		if err != nil {
			t.Fatalf("AnalyzeAndSave failed: %v", err)
		}
		if res.Action != events.ActionCreated {
			t.Errorf("expected created, got %s", res.Action)
		}
		if len(saver.saved) != 1 || saver.saved[0] != a {
			t.Error("expected the analysis to be handed to the saver")
		}
	})

	t.Run("SaveError", func(t *testing.T) {
		saver := &fakeSaver{err: errors.New("disk full")}
		o := newTestOrchestrator(store, &fakeBaselines{}, saver, all, nil)

		a, _, err := o.AnalyzeAndSave(context.Background(), "shift-001")
		if err == nil {
			t.Fatal("expected save error")
		}
		if a == nil || a.Score.Total != 20 {
			t.Error("expected the analysis to be returned alongside the save error")
		}
	})

	t.Run("AnalyzeDoesNotPersist", func(t *testing.T) {
		saver := &fakeSaver{}
		o := newTestOrchestrator(store, &fakeBaselines{}, saver, all, nil)

		if _, err := o.Analyze(context.Background(), "shift-001"); err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		if len(saver.saved) != 0 {
			t.Errorf("Analyze must not persist, saved %d", len(saver.saved))
		}
	})
}

// A closed shift with revenue and no distance runs through the real agent
// set and keeps the score equal to the sum of its hits.
func TestDefaultAgentsKmZero(t *testing.T) {
	shift := closedShift()
	kmEnd := shift.KmStart
	shift.KmEnd = &kmEnd

	store := &fakeStore{
		shifts: map[string]*domain.Shift{"shift-001": shift},
		rides:  rides(25, 31, 27, 33, 29, 35, 30, 40, 28, 32),
	}
	all := agents.Default(agents.Deps{
		History:    emptyHistory{},
		Fleet:      emptyFleet{},
		Engine:     rules.NewEngine(rules.DefaultThresholds()),
		Calculator: financial.NewCalculator(t0, 0.5),
	})
	combiner, err := rules.NewDefaultCombiner()
	if err != nil {
		t.Fatalf("NewDefaultCombiner failed: %v", err)
	}
	o := newTestOrchestrator(store, &fakeBaselines{}, &fakeSaver{}, all, combiner)

	a, err := o.Analyze(context.Background(), "shift-001")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(a.AgentErrors) != 0 {
		t.Errorf("unexpected agent errors: %v", a.AgentErrors)
	}
	if !a.Score.HasCode(rules.CodeKmZeroWithRevenue) {
		t.Fatalf("expected %s, got %v", rules.CodeKmZeroWithRevenue, a.Score.Codes())
	}
	for _, code := range []string{rules.CodeRevenuePerKmCritical, rules.CodeRevenuePerKmLow, rules.CodeRevenuePerKmHigh} {
		if a.Score.HasCode(code) {
			t.Errorf("ratio rule %s must not fire at zero km", code)
		}
	}

	var sum float64
	for _, h := range a.Score.Reasons {
		sum += h.Score
	}
	if sum != a.Score.Total {
		t.Errorf("total %.1f differs from sum of hits %.1f", a.Score.Total, sum)
	}
	if a.Score.Level != domain.LevelForScore(a.Score.Total) {
		t.Errorf("level %s does not match total %.1f", a.Score.Level, a.Score.Total)
	}
}

type emptyHistory struct{}

func (emptyHistory) ListHistoryByShift(ctx context.Context, shiftID string, entity string) ([]*domain.HistoryEntry, error) {
	return nil, nil
}

type emptyFleet struct{}

func (emptyFleet) FleetBaseline(ctx context.Context, weekday time.Weekday, hourSlot int, excludeDriverID string) (*domain.FleetBaseline, error) {
	return nil, nil
}
