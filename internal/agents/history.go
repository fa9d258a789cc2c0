package agents

import (
	"context"
	"fmt"

	"github.com/opensource-finance/shiftwatch/internal/domain"
)

// History rule codes.
const (
	CodeProductivityBelowPersonal = "PRODUCTIVITY_BELOW_PERSONAL"
	CodeRevenueAbovePersonal      = "REVENUE_ABOVE_PERSONAL"
)

// HistoryAgent compares a closed shift with the driver's own 30-day average.
type HistoryAgent struct {
	BelowRatio float64
	AboveRatio float64
}

// NewHistoryAgent creates a history agent with default ratios.
func NewHistoryAgent() *HistoryAgent {
	return &HistoryAgent{BelowRatio: 0.5, AboveRatio: 2}
}

func (a *HistoryAgent) Name() string  { return "history" }
func (a *HistoryAgent) RunOn() RunOn  { return RunOnClosedShift }
func (a *HistoryAgent) Priority() int { return 30 }

// Analyze implements Agent.
func (a *HistoryAgent) Analyze(ctx context.Context, ac *AnalysisContext) ([]domain.RuleHit, error) {
	b := ac.Baseline
	hours := ac.DurationHours()
	if b == nil || hours <= 0 {
		return nil, nil
	}

	revPerHour := ac.Revenue() / hours
	ridesPerHour := float64(len(ac.Rides)) / hours
	evidence := map[string]any{
		"revenuePerHour":         revPerHour,
		"ridesPerHour":           ridesPerHour,
		"baselineRevenuePerHour": b.AvgRevenuePerHour,
		"baselineRidesPerHour":   b.AvgRidesPerHour,
		"baselineSamples":        b.SampleShifts,
	}

	var hits []domain.RuleHit
	if b.AvgRidesPerHour > 0 && b.AvgRevenuePerHour > 0 &&
		ridesPerHour < a.BelowRatio*b.AvgRidesPerHour &&
		revPerHour < a.BelowRatio*b.AvgRevenuePerHour {
		hits = append(hits, domain.RuleHit{
			Code:        CodeProductivityBelowPersonal,
			Label:       "Productivity below personal average",
			Description: fmt.Sprintf("%.2f rides/h and R$%.2f/h against personal %.2f rides/h and R$%.2f/h", ridesPerHour, revPerHour, b.AvgRidesPerHour, b.AvgRevenuePerHour),
			Severity:    domain.SeverityMedium,
			Score:       10,
			Confidence:  0.6,
			Evidence:    evidence,
		})
	}
	if b.AvgRevenuePerHour > 0 && revPerHour > a.AboveRatio*b.AvgRevenuePerHour {
		hits = append(hits, domain.RuleHit{
			Code:        CodeRevenueAbovePersonal,
			Label:       "Revenue above personal average",
			Description: fmt.Sprintf("R$%.2f/h is more than %.0fx the personal R$%.2f/h", revPerHour, a.AboveRatio, b.AvgRevenuePerHour),
			Severity:    domain.SeverityHigh,
			Score:       15,
			Confidence:  0.6,
			Evidence:    evidence,
		})
	}
	return hits, nil
}
