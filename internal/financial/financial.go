// Package financial computes the revenue split of a shift.
package financial

import (
	"time"

	"github.com/opensource-finance/shiftwatch/internal/domain"
	"github.com/shopspring/decimal"
)

// HistoricalCompanyRate is the company share used before the split cutoff.
const HistoricalCompanyRate = 0.6

// Result is the financial breakdown of one shift.
type Result struct {
	GrossApp      float64 `json:"grossApp"`
	GrossPrivate  float64 `json:"grossPrivate"`
	Gross         float64 `json:"gross"`
	RidesApp      int     `json:"ridesApp"`
	RidesPrivate  int     `json:"ridesPrivate"`
	TotalExpenses float64 `json:"totalExpenses"`
	Net           float64 `json:"net"`
	CompanyShare  float64 `json:"companyShare"`
	DriverShare   float64 `json:"driverShare"`
	Discounts     float64 `json:"discounts"`
}

// Totals converts the result to the shift aggregate columns.
func (r Result) Totals() domain.ShiftTotals {
	return domain.ShiftTotals{
		GrossApp:      r.GrossApp,
		GrossPrivate:  r.GrossPrivate,
		Gross:         r.Gross,
		RidesApp:      r.RidesApp,
		RidesPrivate:  r.RidesPrivate,
		RidesTotal:    r.RidesApp + r.RidesPrivate,
		TotalExpenses: r.TotalExpenses,
		Net:           r.Net,
		CompanyShare:  r.CompanyShare,
		DriverShare:   r.DriverShare,
		Discounts:     r.Discounts,
	}
}

// Calculator applies the split rules effective on a given date.
type Calculator struct {
	cutoff      time.Time
	companyRate decimal.Decimal
}

// NewCalculator creates a calculator. Shifts dated before cutoff use the
// historical 60/40 split; later shifts use companyRate.
func NewCalculator(cutoff time.Time, companyRate float64) *Calculator {
	if companyRate < 0 || companyRate > 1 {
		companyRate = 0.5
	}
	return &Calculator{
		cutoff:      cutoff,
		companyRate: decimal.NewFromFloat(companyRate),
	}
}

// NewCalculatorFromConfig builds a calculator from the fraud config.
func NewCalculatorFromConfig(cfg domain.FraudConfig) *Calculator {
	return NewCalculator(cfg.SplitCutoff, cfg.CompanyRate)
}

// CompanyRate returns the company share effective on date.
func (c *Calculator) CompanyRate(date time.Time) float64 {
	if date.Before(c.cutoff) {
		return HistoricalCompanyRate
	}
	return c.companyRate.InexactFloat64()
}

// Compute produces the breakdown for the rides and expenses of a shift.
//
// Plain expenses come off the gross before the split. Split expenses are
// charged half to each side after the split. Particular expenses are the
// driver's alone. Split halves and particular expenses are the driver's
// discounts.
func (c *Calculator) Compute(rides []*domain.Ride, expenses []*domain.Expense, date time.Time) Result {
	var res Result

	grossApp := decimal.Zero
	grossPrivate := decimal.Zero
	for _, r := range rides {
		v := money(r.Value)
		if r.Channel == domain.ChannelPrivate {
			grossPrivate = grossPrivate.Add(v)
			res.RidesPrivate++
		} else {
			grossApp = grossApp.Add(v)
			res.RidesApp++
		}
	}
	gross := grossApp.Add(grossPrivate)

	shared := decimal.Zero
	split := decimal.Zero
	particular := decimal.Zero
	for _, e := range expenses {
		v := money(e.Value)
		switch {
		case e.Particular:
			particular = particular.Add(v)
		case e.Split:
			split = split.Add(v)
		default:
			shared = shared.Add(v)
		}
	}
	total := shared.Add(split).Add(particular)

	rate := decimal.NewFromFloat(HistoricalCompanyRate)
	if !date.Before(c.cutoff) {
		rate = c.companyRate
	}

	net := gross.Sub(shared)
	half := split.Div(decimal.NewFromInt(2))
	company := net.Mul(rate).Sub(half)
	driver := net.Sub(net.Mul(rate)).Sub(half).Sub(particular)

	res.GrossApp = grossApp.Round(2).InexactFloat64()
	res.GrossPrivate = grossPrivate.Round(2).InexactFloat64()
	res.Gross = gross.Round(2).InexactFloat64()
	res.TotalExpenses = total.Round(2).InexactFloat64()
	res.Net = net.Round(2).InexactFloat64()
	res.CompanyShare = company.Round(2).InexactFloat64()
	res.DriverShare = driver.Round(2).InexactFloat64()
	res.Discounts = half.Add(particular).Round(2).InexactFloat64()
	return res
}

// SumRides returns the exact 2-decimal sum of ride values.
func SumRides(rides []*domain.Ride) float64 {
	sum := decimal.Zero
	for _, r := range rides {
		sum = sum.Add(money(r.Value))
	}
	return sum.Round(2).InexactFloat64()
}

// Equal compares two currency amounts at cent precision.
func Equal(a, b float64) bool {
	return money(a).Equal(money(b))
}

func money(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}
