// Package rules provides the threshold rule catalogue evaluated against a
// single shift and the CEL-based combination engine.
package rules

import (
	"fmt"
	"math"

	"github.com/opensource-finance/shiftwatch/internal/domain"
)

// Rule codes.
const (
	CodeKmZeroWithRevenue         = "KM_ZERO_WITH_REVENUE"
	CodeRevenuePerKmCritical      = "REVENUE_PER_KM_CRITICAL"
	CodeRevenuePerKmLow           = "REVENUE_PER_KM_LOW"
	CodeRevenuePerKmHigh          = "REVENUE_PER_KM_HIGH"
	CodeBaselineDeviationHigh     = "BASELINE_DEVIATION_HIGH"
	CodeBaselineDeviationCritical = "BASELINE_DEVIATION_CRITICAL"
	CodeRevenuePerHourLow         = "REVENUE_PER_HOUR_LOW"
	CodeRevenuePerHourHigh        = "REVENUE_PER_HOUR_HIGH"
	CodeRidesPerHourLow           = "RIDES_PER_HOUR_LOW"
	CodeShiftTooShort             = "SHIFT_TOO_SHORT"
	CodeShiftTooLong              = "SHIFT_TOO_LONG"
	CodeShiftRevenueLow           = "SHIFT_REVENUE_LOW"
	CodeShiftRevenueHigh          = "SHIFT_REVENUE_HIGH"
	CodeKmWentBackward            = "KM_WENT_BACKWARD"
	CodeKmAbsurdJump              = "KM_ABSURD_JUMP"
	CodeRepeatedRideValues        = "REPEATED_RIDE_VALUES"
)

// Thresholds holds every numeric limit of the catalogue.
type Thresholds struct {
	RevenuePerKmCritical float64
	RevenuePerKmLow      float64
	RevenuePerKmHigh     float64
	BaselineDeviation    float64
	RevenuePerHourMin    float64
	RevenuePerHourMax    float64
	RidesPerHourMin      float64
	ShiftMinHours        float64
	ShiftMaxHours        float64
	ShiftRevenueMin      float64
	ShiftRevenueMax      float64
	KmJumpMax            float64
	RepeatedRunMin       int
	RepeatedTolerance    float64
}

// DefaultThresholds returns the production limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RevenuePerKmCritical: 1.87,
		RevenuePerKmLow:      1.98,
		RevenuePerKmHigh:     3.30,
		BaselineDeviation:    1.5,
		RevenuePerHourMin:    20,
		RevenuePerHourMax:    70,
		RidesPerHourMin:      0.3,
		ShiftMinHours:        10.0 / 60.0,
		ShiftMaxHours:        16,
		ShiftRevenueMin:      200,
		ShiftRevenueMax:      550,
		KmJumpMax:            250,
		RepeatedRunMin:       4,
		RepeatedTolerance:    0.01,
	}
}

// ShiftContext carries the history a rule pass compares against.
type ShiftContext struct {
	// Baseline is nil when the driver has too little history.
	Baseline *domain.DriverBaseline
	// PreviousKmEnd is the ending odometer of the vehicle's previous shift.
	PreviousKmEnd *float64
}

// ShiftInput holds one shift's aggregates for rule evaluation.
type ShiftInput struct {
	KmStart       float64
	KmEnd         float64
	GrossRevenue  float64
	RideCount     int
	DurationHours float64
	Context       ShiftContext
	// RideValues in chronological order.
	RideValues []float64
}

// KmTotal returns the distance driven.
func (in ShiftInput) KmTotal() float64 {
	return in.KmEnd - in.KmStart
}

// Engine evaluates the rule catalogue. It performs no I/O.
type Engine struct {
	th Thresholds
}

// NewEngine creates a rule engine with the given thresholds.
func NewEngine(th Thresholds) *Engine {
	return &Engine{th: th}
}

// Thresholds returns the limits in use.
func (e *Engine) Thresholds() Thresholds {
	return e.th
}

// Evaluate runs every rule against the input and scores the hits.
func (e *Engine) Evaluate(in ShiftInput) domain.FraudScore {
	var hits []domain.RuleHit

	kmZero := e.kmZeroWithRevenue(in)
	if kmZero != nil {
		hits = append(hits, *kmZero)
	} else {
		hits = append(hits, e.revenuePerKm(in)...)
		hits = append(hits, e.baselineDeviation(in)...)
	}

	hits = append(hits, e.revenuePerHour(in)...)
	hits = append(hits, e.ridesPerHour(in)...)
	hits = append(hits, e.shiftDuration(in)...)
	hits = append(hits, e.shiftRevenue(in)...)
	hits = append(hits, e.odometerContinuity(in)...)
	hits = append(hits, e.RepeatedRideValues(in.RideValues)...)

	return domain.NewFraudScore(hits)
}

func (e *Engine) kmZeroWithRevenue(in ShiftInput) *domain.RuleHit {
	km := in.KmTotal()
	if km > 0 || in.GrossRevenue <= 0 {
		return nil
	}
	return &domain.RuleHit{
		Code:        CodeKmZeroWithRevenue,
		Label:       "Revenue without distance",
		Description: fmt.Sprintf("shift recorded R$%.2f with %.1f km driven", in.GrossRevenue, km),
		Severity:    domain.SeverityCritical,
		Score:       40,
		Confidence:  0.95,
		Evidence: map[string]any{
			"kmStart": in.KmStart,
			"kmEnd":   in.KmEnd,
			"revenue": round2(in.GrossRevenue),
		},
	}
}

func (e *Engine) revenuePerKm(in ShiftInput) []domain.RuleHit {
	km := in.KmTotal()
	if km <= 0 || in.GrossRevenue <= 0 {
		return nil
	}
	perKm := in.GrossRevenue / km
	evidence := map[string]any{
		"revenuePerKm": round2(perKm),
		"km":           km,
		"revenue":      round2(in.GrossRevenue),
	}

	switch {
	case perKm < e.th.RevenuePerKmCritical:
		return []domain.RuleHit{{
			Code:        CodeRevenuePerKmCritical,
			Label:       "Revenue per km critically low",
			Description: fmt.Sprintf("R$%.2f/km is below R$%.2f/km", perKm, e.th.RevenuePerKmCritical),
			Severity:    domain.SeverityCritical,
			Score:       35,
			Confidence:  0.85,
			Evidence:    evidence,
		}}
	case perKm < e.th.RevenuePerKmLow:
		return []domain.RuleHit{{
			Code:        CodeRevenuePerKmLow,
			Label:       "Revenue per km low",
			Description: fmt.Sprintf("R$%.2f/km is below R$%.2f/km", perKm, e.th.RevenuePerKmLow),
			Severity:    domain.SeverityHigh,
			Score:       20,
			Confidence:  0.75,
			Evidence:    evidence,
		}}
	case perKm > e.th.RevenuePerKmHigh:
		return []domain.RuleHit{{
			Code:        CodeRevenuePerKmHigh,
			Label:       "Revenue per km high",
			Description: fmt.Sprintf("R$%.2f/km is above R$%.2f/km", perKm, e.th.RevenuePerKmHigh),
			Severity:    domain.SeverityHigh,
			Score:       20,
			Confidence:  0.75,
			Evidence:    evidence,
		}}
	}
	return nil
}

// baselineDeviation emits both the high and the critical hit at the same
// multiplier. The two are kept separate so product can tune them apart.
func (e *Engine) baselineDeviation(in ShiftInput) []domain.RuleHit {
	b := in.Context.Baseline
	km := in.KmTotal()
	if b == nil || b.AvgRevenuePerKm <= 0 || km <= 0 {
		return nil
	}
	ratio := (in.GrossRevenue / km) / b.AvgRevenuePerKm
	m := e.th.BaselineDeviation
	if ratio < m && ratio > 1/m {
		return nil
	}

	direction := "above"
	if ratio <= 1/m {
		direction = "below"
	}
	evidence := map[string]any{
		"ratio":           round2(ratio),
		"revenuePerKm":    round2(in.GrossRevenue / km),
		"baselinePerKm":   round2(b.AvgRevenuePerKm),
		"baselineSamples": b.SampleShifts,
		"factor":          m,
		"direction":       direction,
	}
	desc := fmt.Sprintf("revenue/km is %.2fx the driver's 30-day average (%s)", ratio, direction)

	return []domain.RuleHit{
		{
			Code:        CodeBaselineDeviationHigh,
			Label:       "Deviation from personal baseline",
			Description: desc,
			Severity:    domain.SeverityHigh,
			Score:       15,
			Confidence:  0.6,
			Evidence:    evidence,
		},
		{
			Code:        CodeBaselineDeviationCritical,
			Label:       "Critical deviation from personal baseline",
			Description: desc,
			Severity:    domain.SeverityCritical,
			Score:       25,
			Confidence:  0.6,
			Evidence:    evidence,
		},
	}
}

func (e *Engine) revenuePerHour(in ShiftInput) []domain.RuleHit {
	if in.DurationHours <= 0 {
		return nil
	}
	perHour := in.GrossRevenue / in.DurationHours
	evidence := map[string]any{
		"revenuePerHour": round2(perHour),
		"durationHours":  round2(in.DurationHours),
	}
	if perHour < e.th.RevenuePerHourMin {
		return []domain.RuleHit{{
			Code:        CodeRevenuePerHourLow,
			Label:       "Revenue per hour low",
			Description: fmt.Sprintf("R$%.2f/h is below R$%.2f/h", perHour, e.th.RevenuePerHourMin),
			Severity:    domain.SeverityMedium,
			Score:       10,
			Confidence:  0.6,
			Evidence:    evidence,
		}}
	}
	if perHour > e.th.RevenuePerHourMax {
		return []domain.RuleHit{{
			Code:        CodeRevenuePerHourHigh,
			Label:       "Revenue per hour high",
			Description: fmt.Sprintf("R$%.2f/h is above R$%.2f/h", perHour, e.th.RevenuePerHourMax),
			Severity:    domain.SeverityHigh,
			Score:       15,
			Confidence:  0.7,
			Evidence:    evidence,
		}}
	}
	return nil
}

func (e *Engine) ridesPerHour(in ShiftInput) []domain.RuleHit {
	if in.DurationHours <= 0 || in.RideCount <= 0 {
		return nil
	}
	perHour := float64(in.RideCount) / in.DurationHours
	if perHour >= e.th.RidesPerHourMin {
		return nil
	}
	return []domain.RuleHit{{
		Code:        CodeRidesPerHourLow,
		Label:       "Few rides per hour",
		Description: fmt.Sprintf("%.2f rides/h is below %.2f rides/h", perHour, e.th.RidesPerHourMin),
		Severity:    domain.SeverityLow,
		Score:       5,
		Confidence:  0.5,
		Evidence: map[string]any{
			"ridesPerHour": round2(perHour),
			"rides":        in.RideCount,
		},
	}}
}

func (e *Engine) shiftDuration(in ShiftInput) []domain.RuleHit {
	if in.RideCount > 0 && in.DurationHours < e.th.ShiftMinHours {
		return []domain.RuleHit{{
			Code:        CodeShiftTooShort,
			Label:       "Shift too short",
			Description: fmt.Sprintf("%d rides in a %.0f-minute shift", in.RideCount, in.DurationHours*60),
			Severity:    domain.SeverityLow,
			Score:       5,
			Confidence:  0.5,
			Evidence: map[string]any{
				"durationMinutes": round2(in.DurationHours * 60),
				"rides":           in.RideCount,
			},
		}}
	}
	if in.DurationHours > e.th.ShiftMaxHours {
		return []domain.RuleHit{{
			Code:        CodeShiftTooLong,
			Label:       "Shift too long",
			Description: fmt.Sprintf("shift lasted %.1f hours", in.DurationHours),
			Severity:    domain.SeverityLow,
			Score:       5,
			Confidence:  0.5,
			Evidence: map[string]any{
				"durationHours": round2(in.DurationHours),
			},
		}}
	}
	return nil
}

func (e *Engine) shiftRevenue(in ShiftInput) []domain.RuleHit {
	evidence := map[string]any{"revenue": round2(in.GrossRevenue)}
	if in.GrossRevenue < e.th.ShiftRevenueMin {
		return []domain.RuleHit{{
			Code:        CodeShiftRevenueLow,
			Label:       "Shift revenue low",
			Description: fmt.Sprintf("R$%.2f is below R$%.2f", in.GrossRevenue, e.th.ShiftRevenueMin),
			Severity:    domain.SeverityMedium,
			Score:       10,
			Confidence:  0.5,
			Evidence:    evidence,
		}}
	}
	if in.GrossRevenue > e.th.ShiftRevenueMax {
		return []domain.RuleHit{{
			Code:        CodeShiftRevenueHigh,
			Label:       "Shift revenue high",
			Description: fmt.Sprintf("R$%.2f is above R$%.2f", in.GrossRevenue, e.th.ShiftRevenueMax),
			Severity:    domain.SeverityHigh,
			Score:       15,
			Confidence:  0.6,
			Evidence:    evidence,
		}}
	}
	return nil
}

func (e *Engine) odometerContinuity(in ShiftInput) []domain.RuleHit {
	prev := in.Context.PreviousKmEnd
	if prev == nil {
		return nil
	}
	gap := in.KmStart - *prev
	evidence := map[string]any{
		"kmStart":       in.KmStart,
		"previousKmEnd": *prev,
		"gap":           gap,
	}
	if gap < 0 {
		return []domain.RuleHit{{
			Code:        CodeKmWentBackward,
			Label:       "Odometer went backward",
			Description: fmt.Sprintf("starting odometer %.0f is below previous ending odometer %.0f", in.KmStart, *prev),
			Severity:    domain.SeverityCritical,
			Score:       40,
			Confidence:  0.95,
			Evidence:    evidence,
		}}
	}
	if gap > e.th.KmJumpMax {
		return []domain.RuleHit{{
			Code:        CodeKmAbsurdJump,
			Label:       "Odometer jump between shifts",
			Description: fmt.Sprintf("%.0f km unaccounted for between shifts", gap),
			Severity:    domain.SeverityHigh,
			Score:       20,
			Confidence:  0.8,
			Evidence:    evidence,
		}}
	}
	return nil
}

// RepeatedRideValues reports every maximal run of at least RepeatedRunMin
// adjacent rides with the same value, in input order.
func (e *Engine) RepeatedRideValues(values []float64) []domain.RuleHit {
	var hits []domain.RuleHit
	for _, run := range FindRuns(values, e.th.RepeatedTolerance) {
		if run.Count < e.th.RepeatedRunMin {
			continue
		}
		hits = append(hits, domain.RuleHit{
			Code:        CodeRepeatedRideValues,
			Label:       "Repeated ride values",
			Description: fmt.Sprintf("%d consecutive rides of R$%.2f", run.Count, run.Value),
			Severity:    domain.SeverityHigh,
			Score:       20,
			Confidence:  0.8,
			Evidence: map[string]any{
				"count":      run.Count,
				"value":      round2(run.Value),
				"startIndex": run.Start,
			},
		})
	}
	return hits
}

// Run is a maximal sequence of adjacent equal values.
type Run struct {
	Start int
	Count int
	Value float64
}

// FindRuns splits values into maximal runs of adjacent values that differ
// from the run's first value by less than tolerance. Anchoring on the first
// value keeps a slow drift from chaining into one run.
func FindRuns(values []float64, tolerance float64) []Run {
	if len(values) == 0 {
		return nil
	}
	runs := []Run{{Start: 0, Count: 1, Value: values[0]}}
	for i := 1; i < len(values); i++ {
		cur := &runs[len(runs)-1]
		if math.Abs(values[i]-cur.Value) < tolerance {
			cur.Count++
			continue
		}
		runs = append(runs, Run{Start: i, Count: 1, Value: values[i]})
	}
	return runs
}

// LongestRun returns the length of the longest run.
func LongestRun(values []float64, tolerance float64) int {
	longest := 0
	for _, r := range FindRuns(values, tolerance) {
		if r.Count > longest {
			longest = r.Count
		}
	}
	return longest
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
