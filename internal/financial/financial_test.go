package financial

import (
	"testing"
	"time"

	"github.com/opensource-finance/shiftwatch/internal/domain"
)

var cutoff = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestCompute(t *testing.T) {
	calc := NewCalculator(cutoff, 0.5)

	rides := []*domain.Ride{
		{Channel: domain.ChannelApp, Value: 100.10},
		{Channel: domain.ChannelApp, Value: 49.90},
		{Channel: domain.ChannelPrivate, Value: 50.00},
	}
	expenses := []*domain.Expense{
		{Value: 20.00},
		{Value: 10.00, Split: true},
		{Value: 5.00, Particular: true},
	}

	t.Run("AfterCutoff", func(t *testing.T) {
		res := calc.Compute(rides, expenses, cutoff.Add(24*time.Hour))

		if res.Gross != 200.00 {
			t.Errorf("expected gross 200.00, got %.2f", res.Gross)
		}
		if res.GrossApp != 150.00 || res.GrossPrivate != 50.00 {
			t.Errorf("unexpected channel split: app=%.2f private=%.2f", res.GrossApp, res.GrossPrivate)
		}
		if res.RidesApp != 2 || res.RidesPrivate != 1 {
			t.Errorf("unexpected ride counts: app=%d private=%d", res.RidesApp, res.RidesPrivate)
		}
		if res.TotalExpenses != 35.00 {
			t.Errorf("expected total expenses 35.00, got %.2f", res.TotalExpenses)
		}
		if res.Net != 180.00 {
			t.Errorf("expected net 180.00, got %.2f", res.Net)
		}
		// 180 * 0.5 - 5
		if res.CompanyShare != 85.00 {
			t.Errorf("expected company share 85.00, got %.2f", res.CompanyShare)
		}
		// 180 * 0.5 - 5 - 5
		if res.DriverShare != 80.00 {
			t.Errorf("expected driver share 80.00, got %.2f", res.DriverShare)
		}
		if res.Discounts != 10.00 {
			t.Errorf("expected discounts 10.00, got %.2f", res.Discounts)
		}
	})

	t.Run("BeforeCutoff", func(t *testing.T) {
		res := calc.Compute(rides, nil, cutoff.Add(-time.Hour))

		if res.CompanyShare != 120.00 {
			t.Errorf("expected historical company share 120.00, got %.2f", res.CompanyShare)
		}
		if res.DriverShare != 80.00 {
			t.Errorf("expected historical driver share 80.00, got %.2f", res.DriverShare)
		}
	})

	t.Run("Totals", func(t *testing.T) {
		totals := calc.Compute(rides, expenses, cutoff).Totals()
		if totals.RidesTotal != 3 {
			t.Errorf("expected 3 rides, got %d", totals.RidesTotal)
		}
	})
}

func TestCompanyRate(t *testing.T) {
	calc := NewCalculator(cutoff, 0.45)

	if got := calc.CompanyRate(cutoff.Add(-time.Second)); got != HistoricalCompanyRate {
		t.Errorf("expected historical rate, got %.2f", got)
	}
	if got := calc.CompanyRate(cutoff); got != 0.45 {
		t.Errorf("expected 0.45 on cutoff, got %.2f", got)
	}

	invalid := NewCalculator(cutoff, 1.5)
	if got := invalid.CompanyRate(cutoff); got != 0.5 {
		t.Errorf("expected fallback 0.5 for invalid rate, got %.2f", got)
	}
}

func TestSumRidesAndEqual(t *testing.T) {
	rides := []*domain.Ride{{Value: 0.1}, {Value: 0.2}}
	if got := SumRides(rides); got != 0.3 {
		t.Errorf("expected 0.30, got %v", got)
	}
	if !Equal(0.1+0.2, 0.3) {
		t.Error("expected cent-level equality")
	}
	if Equal(10.00, 10.01) {
		t.Error("expected 10.00 != 10.01")
	}
}
