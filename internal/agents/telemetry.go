package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/shiftwatch/internal/domain"
)

// Telemetry rule codes.
const (
	CodeLongRideGap      = "LONG_RIDE_GAP"
	CodeRideOutsideShift = "RIDE_OUTSIDE_SHIFT"
)

// TelemetryAgent checks ride timing against the shift window.
type TelemetryAgent struct {
	MaxGap        time.Duration
	EdgeTolerance time.Duration
}

// NewTelemetryAgent creates a telemetry agent with default limits.
func NewTelemetryAgent() *TelemetryAgent {
	return &TelemetryAgent{MaxGap: 3 * time.Hour, EdgeTolerance: 10 * time.Minute}
}

func (a *TelemetryAgent) Name() string  { return "telemetry" }
func (a *TelemetryAgent) RunOn() RunOn  { return RunOnBoth }
func (a *TelemetryAgent) Priority() int { return 50 }

// Analyze implements Agent.
func (a *TelemetryAgent) Analyze(ctx context.Context, ac *AnalysisContext) ([]domain.RuleHit, error) {
	var hits []domain.RuleHit
	if h := a.longGap(ac); h != nil {
		hits = append(hits, *h)
	}
	if h := a.outsideShift(ac); h != nil {
		hits = append(hits, *h)
	}
	return hits, nil
}

func (a *TelemetryAgent) longGap(ac *AnalysisContext) *domain.RuleHit {
	if len(ac.Rides) == 0 {
		return nil
	}
	var (
		gaps    int
		longest time.Duration
	)
	for i := 1; i < len(ac.Rides); i++ {
		gap := ac.Rides[i].Timestamp.Sub(ac.Rides[i-1].Timestamp)
		if gap > a.MaxGap {
			gaps++
			if gap > longest {
				longest = gap
			}
		}
	}
	if ac.IsOpen() {
		idle := ac.Now.Sub(ac.Rides[len(ac.Rides)-1].Timestamp)
		if idle > a.MaxGap {
			gaps++
			if idle > longest {
				longest = idle
			}
		}
	}
	if gaps == 0 {
		return nil
	}
	return &domain.RuleHit{
		Code:        CodeLongRideGap,
		Label:       "Long gap between rides",
		Description: fmt.Sprintf("%d gaps longer than %s, longest %s", gaps, a.MaxGap, longest.Round(time.Minute)),
		Severity:    domain.SeverityLow,
		Score:       5,
		Confidence:  0.5,
		Evidence: map[string]any{
			"gaps":           gaps,
			"longestMinutes": longest.Round(time.Minute).Minutes(),
		},
	}
}

func (a *TelemetryAgent) outsideShift(ac *AnalysisContext) *domain.RuleHit {
	start := ac.Shift.StartTime
	end := ac.End().Add(a.EdgeTolerance)

	var rideIDs []string
	for _, r := range ac.Rides {
		if r.Timestamp.Before(start) || r.Timestamp.After(end) {
			rideIDs = append(rideIDs, r.ID)
		}
	}
	if len(rideIDs) == 0 {
		return nil
	}
	return &domain.RuleHit{
		Code:        CodeRideOutsideShift,
		Label:       "Ride outside shift window",
		Description: fmt.Sprintf("%d rides timestamped outside the shift", len(rideIDs)),
		Severity:    domain.SeverityHigh,
		Score:       20,
		Confidence:  0.85,
		Evidence: map[string]any{
			"rideIds": rideIDs,
		},
	}
}
