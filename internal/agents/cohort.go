package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/shiftwatch/internal/domain"
)

// Cohort rule codes.
const (
	CodeProductivityBelowFleet = "PRODUCTIVITY_BELOW_FLEET"
	CodeHighValueCherryPicking = "HIGH_VALUE_CHERRY_PICKING"
)

// FleetBaselines supplies per-slot fleet averages.
type FleetBaselines interface {
	FleetBaseline(ctx context.Context, weekday time.Weekday, hourSlot int, excludeDriverID string) (*domain.FleetBaseline, error)
}

// CohortAgent compares the driver with the rest of the fleet.
type CohortAgent struct {
	fleet FleetBaselines

	GlobalRidesPerHourOK float64
	SlotRatio            float64
	MinSlotOverlap       time.Duration
	MinBelowSlots        int
	CherryMinRides       int
	CherryValueFactor    float64
	CherryShare          float64
}

// NewCohortAgent creates a cohort agent with default thresholds.
func NewCohortAgent(fleet FleetBaselines) *CohortAgent {
	return &CohortAgent{
		fleet:                fleet,
		GlobalRidesPerHourOK: 1.5,
		SlotRatio:            0.5,
		MinSlotOverlap:       30 * time.Minute,
		MinBelowSlots:        3,
		CherryMinRides:       5,
		CherryValueFactor:    1.5,
		CherryShare:          0.7,
	}
}

func (a *CohortAgent) Name() string  { return "cohort" }
func (a *CohortAgent) RunOn() RunOn  { return RunOnBoth }
func (a *CohortAgent) Priority() int { return 40 }

// Analyze implements Agent.
func (a *CohortAgent) Analyze(ctx context.Context, ac *AnalysisContext) ([]domain.RuleHit, error) {
	var hits []domain.RuleHit

	h, err := a.productivityBelowFleet(ctx, ac)
	if err != nil {
		return nil, err
	}
	if h != nil {
		hits = append(hits, *h)
	}
	if h := a.cherryPicking(ac); h != nil {
		hits = append(hits, *h)
	}
	return hits, nil
}

// productivityBelowFleet never flags a driver whose overall rides/hour is
// healthy, whatever the individual hours look like.
func (a *CohortAgent) productivityBelowFleet(ctx context.Context, ac *AnalysisContext) (*domain.RuleHit, error) {
	hours := ac.DurationHours()
	if hours <= 0 {
		return nil, nil
	}
	global := float64(len(ac.Rides)) / hours
	if global >= a.GlobalRidesPerHourOK {
		return nil, nil
	}

	start, end := ac.Shift.StartTime, ac.End()
	var slots []map[string]any
	for t := start.Truncate(time.Hour); t.Before(end); t = t.Add(time.Hour) {
		slotEnd := t.Add(time.Hour)
		if overlap(start, end, t, slotEnd) < a.MinSlotOverlap {
			continue
		}
		fb, err := a.fleet.FleetBaseline(ctx, t.Weekday(), t.Hour(), ac.Shift.DriverID)
		if err != nil {
			return nil, fmt.Errorf("failed to load fleet baseline: %w", err)
		}
		if fb == nil || fb.AvgRides <= 0 {
			continue
		}
		rides := 0
		for _, r := range ac.Rides {
			if !r.Timestamp.Before(t) && r.Timestamp.Before(slotEnd) {
				rides++
			}
		}
		if float64(rides) < a.SlotRatio*fb.AvgRides {
			slots = append(slots, map[string]any{
				"slot":       t,
				"rides":      rides,
				"fleetRides": fb.AvgRides,
			})
		}
	}

	if len(slots) < a.MinBelowSlots {
		return nil, nil
	}
	return &domain.RuleHit{
		Code:        CodeProductivityBelowFleet,
		Label:       "Productivity below fleet",
		Description: fmt.Sprintf("%d worked hours below half the fleet's rides for the same slot", len(slots)),
		Severity:    domain.SeverityMedium,
		Score:       15,
		Confidence:  0.6,
		Evidence: map[string]any{
			"globalRidesPerHour": global,
			"slots":              slots,
		},
	}, nil
}

func (a *CohortAgent) cherryPicking(ac *AnalysisContext) *domain.RuleHit {
	fs := ac.FleetStats
	if fs == nil || fs.MedianRideValue <= 0 || len(ac.Rides) < a.CherryMinRides {
		return nil
	}
	limit := a.CherryValueFactor * fs.MedianRideValue
	high := 0
	for _, r := range ac.Rides {
		if r.Value > limit {
			high++
		}
	}
	share := float64(high) / float64(len(ac.Rides))
	if share < a.CherryShare {
		return nil
	}
	return &domain.RuleHit{
		Code:        CodeHighValueCherryPicking,
		Label:       "High-value cherry picking",
		Description: fmt.Sprintf("%d of %d rides above R$%.2f", high, len(ac.Rides), limit),
		Severity:    domain.SeverityMedium,
		Score:       15,
		Confidence:  0.55,
		Evidence: map[string]any{
			"highValueRides":  high,
			"rides":           len(ac.Rides),
			"share":           share,
			"fleetMedianRide": fs.MedianRideValue,
		},
	}
}

func overlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}
