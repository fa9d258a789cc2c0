package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/shiftwatch/internal/domain"
	"github.com/opensource-finance/shiftwatch/internal/rules"
)

// Real-time rule codes.
const (
	CodeIdleDuringHighDemand = "IDLE_DURING_HIGH_DEMAND"
	CodeRideBurst            = "RIDE_BURST"
)

// RealTimeAgent watches open shifts against live fleet activity.
type RealTimeAgent struct {
	engine *rules.Engine

	IdleWindow      time.Duration
	BurstWindow     time.Duration
	BurstMinRides   int
	BurstFleetRatio float64
}

// NewRealTimeAgent creates a real-time agent. The rule engine supplies the
// repeated-value check.
func NewRealTimeAgent(engine *rules.Engine) *RealTimeAgent {
	return &RealTimeAgent{
		engine:          engine,
		IdleWindow:      time.Hour,
		BurstWindow:     15 * time.Minute,
		BurstMinRides:   4,
		BurstFleetRatio: 3,
	}
}

func (a *RealTimeAgent) Name() string  { return "realtime" }
func (a *RealTimeAgent) RunOn() RunOn  { return RunOnOpenShift }
func (a *RealTimeAgent) Priority() int { return 60 }

// Analyze implements Agent.
func (a *RealTimeAgent) Analyze(ctx context.Context, ac *AnalysisContext) ([]domain.RuleHit, error) {
	var hits []domain.RuleHit
	if h := a.idleDuringHighDemand(ac); h != nil {
		hits = append(hits, *h)
	}
	if h := a.rideBurst(ac); h != nil {
		hits = append(hits, *h)
	}
	hits = append(hits, a.engine.RepeatedRideValues(ac.RideValues())...)
	return hits, nil
}

func (a *RealTimeAgent) idleDuringHighDemand(ac *AnalysisContext) *domain.RuleHit {
	fs := ac.FleetStats
	if fs == nil || !fs.DemandHigh {
		return nil
	}
	if ac.Now.Sub(ac.Shift.StartTime) < a.IdleWindow {
		return nil
	}
	since := ac.Now.Add(-a.IdleWindow)
	for _, r := range ac.Rides {
		if !r.Timestamp.Before(since) {
			return nil
		}
	}
	return &domain.RuleHit{
		Code:        CodeIdleDuringHighDemand,
		Label:       "Idle during high demand",
		Description: fmt.Sprintf("no rides in the last %s while the fleet averages %.1f rides per driver", a.IdleWindow, fs.RidesPerDriver60m),
		Severity:    domain.SeverityMedium,
		Score:       10,
		Confidence:  0.5,
		Evidence: map[string]any{
			"fleetRidesPerDriver60m": fs.RidesPerDriver60m,
			"openDrivers":            fs.OpenDrivers,
		},
	}
}

func (a *RealTimeAgent) rideBurst(ac *AnalysisContext) *domain.RuleHit {
	since := ac.Now.Add(-a.BurstWindow)
	recent := 0
	for _, r := range ac.Rides {
		if !r.Timestamp.Before(since) && !r.Timestamp.After(ac.Now) {
			recent++
		}
	}
	if recent < a.BurstMinRides {
		return nil
	}
	var fleetRate float64
	if ac.FleetStats != nil {
		fleetRate = ac.FleetStats.RidesPerDriver15m
	}
	if float64(recent) < a.BurstFleetRatio*fleetRate {
		return nil
	}
	return &domain.RuleHit{
		Code:        CodeRideBurst,
		Label:       "Burst of rides",
		Description: fmt.Sprintf("%d rides in the last %s against a fleet average of %.1f", recent, a.BurstWindow, fleetRate),
		Severity:    domain.SeverityHigh,
		Score:       15,
		Confidence:  0.65,
		Evidence: map[string]any{
			"recentRides":            recent,
			"fleetRidesPerDriver15m": fleetRate,
		},
	}
}
