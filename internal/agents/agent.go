// Package agents implements the independent fraud detectors run by the
// orchestrator.
package agents

import (
	"context"
	"sort"
	"time"

	"github.com/opensource-finance/shiftwatch/internal/domain"
	"github.com/opensource-finance/shiftwatch/internal/financial"
	"github.com/opensource-finance/shiftwatch/internal/rules"
)

// RunOn selects the shift states an agent applies to.
type RunOn string

const (
	RunOnOpenShift   RunOn = "open_shift"
	RunOnClosedShift RunOn = "closed_shift"
	RunOnBoth        RunOn = "both"
)

// Applies reports whether an agent with this RunOn handles the shift.
func (r RunOn) Applies(open bool) bool {
	switch r {
	case RunOnBoth:
		return true
	case RunOnOpenShift:
		return open
	case RunOnClosedShift:
		return !open
	}
	return false
}

// Agent is one detector. Analyze must not mutate the context.
type Agent interface {
	Name() string
	RunOn() RunOn
	// Priority orders agents; lower runs first.
	Priority() int
	Analyze(ctx context.Context, ac *AnalysisContext) ([]domain.RuleHit, error)
}

// AnalysisContext is the shared, read-only input of one analysis pass.
type AnalysisContext struct {
	Shift *domain.Shift
	// Rides in chronological order.
	Rides    []*domain.Ride
	Expenses []*domain.Expense
	// PreviousShift is the vehicle's previous shift, nil if none.
	PreviousShift *domain.Shift
	// Baseline is nil when the driver has insufficient history.
	Baseline   *domain.DriverBaseline
	FleetStats *domain.FleetStats
	Now        time.Time
}

// IsOpen reports whether the shift under analysis is still running.
func (ac *AnalysisContext) IsOpen() bool {
	return ac.Shift.IsOpen()
}

// KmTotal returns the distance driven. Open shifts report 0.
func (ac *AnalysisContext) KmTotal() float64 {
	return ac.Shift.KmTotal()
}

// Revenue returns the gross revenue recomputed from the rides.
func (ac *AnalysisContext) Revenue() float64 {
	return financial.SumRides(ac.Rides)
}

// DurationHours returns the shift length, measured up to Now for open shifts.
func (ac *AnalysisContext) DurationHours() float64 {
	return ac.Shift.Duration(ac.Now).Hours()
}

// End returns the shift end, or Now for open shifts.
func (ac *AnalysisContext) End() time.Time {
	if ac.Shift.EndTime != nil {
		return *ac.Shift.EndTime
	}
	return ac.Now
}

// RideValues returns ride values in chronological order.
func (ac *AnalysisContext) RideValues() []float64 {
	values := make([]float64, len(ac.Rides))
	for i, r := range ac.Rides {
		values[i] = r.Value
	}
	return values
}

// PreviousKmEnd returns the previous shift's ending odometer, if known.
func (ac *AnalysisContext) PreviousKmEnd() *float64 {
	if ac.PreviousShift == nil {
		return nil
	}
	return ac.PreviousShift.KmEnd
}

// Applicable returns the agents that handle a shift in the given state,
// sorted by priority. Ties keep registration order.
func Applicable(all []Agent, open bool) []Agent {
	out := make([]Agent, 0, len(all))
	for _, a := range all {
		if a.RunOn().Applies(open) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() < out[j].Priority()
	})
	return out
}

// Deps are the collaborators of the default agent set.
type Deps struct {
	History    HistoryReader
	Fleet      FleetBaselines
	Engine     *rules.Engine
	Calculator *financial.Calculator
}

// Default returns every built-in agent.
func Default(d Deps) []Agent {
	return []Agent{
		NewClosureAgent(d.Engine),
		NewFinancialAgent(d.Calculator),
		NewHistoryAgent(),
		NewCohortAgent(d.Fleet),
		NewTelemetryAgent(),
		NewRealTimeAgent(d.Engine),
		NewAuditAgent(d.History),
	}
}
