package agents

import (
	"context"
	"fmt"

	"github.com/opensource-finance/shiftwatch/internal/domain"
	"github.com/opensource-finance/shiftwatch/internal/rules"
)

// CodeKmWithoutRides flags distance driven with no fares at all.
const CodeKmWithoutRides = "KM_WITHOUT_RIDES"

// ClosureAgent runs the threshold rule catalogue over a closed shift.
type ClosureAgent struct {
	engine *rules.Engine

	MaxKmWithoutRides float64
}

// NewClosureAgent creates a closure agent backed by the rule engine.
func NewClosureAgent(engine *rules.Engine) *ClosureAgent {
	return &ClosureAgent{engine: engine, MaxKmWithoutRides: 50}
}

func (a *ClosureAgent) Name() string  { return "closure" }
func (a *ClosureAgent) RunOn() RunOn  { return RunOnClosedShift }
func (a *ClosureAgent) Priority() int { return 10 }

// Input builds the rule engine input for the shift.
func Input(ac *AnalysisContext) rules.ShiftInput {
	kmEnd := ac.Shift.KmStart
	if ac.Shift.KmEnd != nil {
		kmEnd = *ac.Shift.KmEnd
	}
	return rules.ShiftInput{
		KmStart:       ac.Shift.KmStart,
		KmEnd:         kmEnd,
		GrossRevenue:  ac.Revenue(),
		RideCount:     len(ac.Rides),
		DurationHours: ac.DurationHours(),
		Context: rules.ShiftContext{
			Baseline:      ac.Baseline,
			PreviousKmEnd: ac.PreviousKmEnd(),
		},
		RideValues: ac.RideValues(),
	}
}

// Analyze implements Agent.
func (a *ClosureAgent) Analyze(ctx context.Context, ac *AnalysisContext) ([]domain.RuleHit, error) {
	score := a.engine.Evaluate(Input(ac))
	hits := score.Reasons

	if km := ac.KmTotal(); km > a.MaxKmWithoutRides && len(ac.Rides) == 0 {
		hits = append(hits, domain.RuleHit{
			Code:        CodeKmWithoutRides,
			Label:       "Distance without rides",
			Description: fmt.Sprintf("%.0f km driven with no rides recorded", km),
			Severity:    domain.SeverityHigh,
			Score:       20,
			Confidence:  0.8,
			Evidence: map[string]any{
				"km": km,
			},
		})
	}
	return hits, nil
}
