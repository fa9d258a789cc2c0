package agents

import (
	"context"
	"fmt"

	"github.com/opensource-finance/shiftwatch/internal/domain"
	"github.com/opensource-finance/shiftwatch/internal/financial"
)

// Financial rule codes.
const (
	CodeTotalsMismatch   = "TOTALS_MISMATCH"
	CodeExpenseRatioHigh = "EXPENSE_RATIO_HIGH"
	CodeNegativeNet      = "NEGATIVE_NET"
)

// FinancialAgent recomputes a closed shift's financials from its rides and
// expenses and checks them against the stored totals.
type FinancialAgent struct {
	calc *financial.Calculator

	MaxExpenseRatio float64
}

// NewFinancialAgent creates a financial agent.
func NewFinancialAgent(calc *financial.Calculator) *FinancialAgent {
	return &FinancialAgent{calc: calc, MaxExpenseRatio: 0.5}
}

func (a *FinancialAgent) Name() string  { return "financial" }
func (a *FinancialAgent) RunOn() RunOn  { return RunOnClosedShift }
func (a *FinancialAgent) Priority() int { return 20 }

// Analyze implements Agent.
func (a *FinancialAgent) Analyze(ctx context.Context, ac *AnalysisContext) ([]domain.RuleHit, error) {
	res := a.calc.Compute(ac.Rides, ac.Expenses, ac.Shift.StartTime)
	stored := ac.Shift.Totals
	rides := res.RidesApp + res.RidesPrivate

	var hits []domain.RuleHit
	if !financial.Equal(stored.Gross, res.Gross) || stored.RidesTotal != rides {
		hits = append(hits, domain.RuleHit{
			Code:        CodeTotalsMismatch,
			Label:       "Stored totals do not match rides",
			Description: fmt.Sprintf("stored R$%.2f over %d rides, recomputed R$%.2f over %d rides", stored.Gross, stored.RidesTotal, res.Gross, rides),
			Severity:    domain.SeverityHigh,
			Score:       20,
			Confidence:  0.9,
			Evidence: map[string]any{
				"storedGross":   stored.Gross,
				"computedGross": res.Gross,
				"storedRides":   stored.RidesTotal,
				"computedRides": rides,
			},
		})
	}
	if res.Gross > 0 && res.TotalExpenses > a.MaxExpenseRatio*res.Gross {
		hits = append(hits, domain.RuleHit{
			Code:        CodeExpenseRatioHigh,
			Label:       "Expenses high relative to revenue",
			Description: fmt.Sprintf("expenses R$%.2f are %.0f%% of gross R$%.2f", res.TotalExpenses, 100*res.TotalExpenses/res.Gross, res.Gross),
			Severity:    domain.SeverityMedium,
			Score:       10,
			Confidence:  0.6,
			Evidence: map[string]any{
				"expenses": res.TotalExpenses,
				"gross":    res.Gross,
			},
		})
	}
	if res.Net < 0 && rides > 0 {
		hits = append(hits, domain.RuleHit{
			Code:        CodeNegativeNet,
			Label:       "Negative net revenue",
			Description: fmt.Sprintf("net revenue is R$%.2f", res.Net),
			Severity:    domain.SeverityMedium,
			Score:       10,
			Confidence:  0.6,
			Evidence: map[string]any{
				"net":   res.Net,
				"gross": res.Gross,
			},
		})
	}
	return hits, nil
}
