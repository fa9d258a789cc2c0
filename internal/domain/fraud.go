package domain

import (
	"time"
)

// Severity grades a single rule hit.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// RiskLevel is the level of a whole analysis pass, derived from score bands.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Score bands for RiskLevel.
const (
	LevelCriticalMin = 70.0
	LevelHighMin     = 35.0
	LevelMediumMin   = 20.0
)

// LevelForScore maps a total score to its band.
func LevelForScore(total float64) RiskLevel {
	switch {
	case total >= LevelCriticalMin:
		return RiskCritical
	case total >= LevelHighMin:
		return RiskHigh
	case total >= LevelMediumMin:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RuleHit is one fired detection. It is never persisted on its own.
type RuleHit struct {
	Code        string         `json:"code"`
	Label       string         `json:"label"`
	Description string         `json:"description"`
	Severity    Severity       `json:"severity"`
	Score       float64        `json:"score"`
	Confidence  float64        `json:"confidence"`
	Agent       string         `json:"agent,omitempty"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

// FraudScore aggregates the hits of one analysis pass.
type FraudScore struct {
	Total   float64   `json:"total"`
	Level   RiskLevel `json:"level"`
	Reasons []RuleHit `json:"reasons"`
}

// NewFraudScore sums hits and derives the level.
func NewFraudScore(hits []RuleHit) FraudScore {
	var total float64
	for _, h := range hits {
		total += h.Score
	}
	if hits == nil {
		hits = []RuleHit{}
	}
	return FraudScore{
		Total:   total,
		Level:   LevelForScore(total),
		Reasons: hits,
	}
}

// Codes returns the hit codes in order.
func (s FraudScore) Codes() []string {
	codes := make([]string, len(s.Reasons))
	for i, h := range s.Reasons {
		codes[i] = h.Code
	}
	return codes
}

// HasCode reports whether any hit carries the code.
func (s FraudScore) HasCode(code string) bool {
	for _, h := range s.Reasons {
		if h.Code == code {
			return true
		}
	}
	return false
}

// ShiftAnalysis is the result of one orchestrated pass over a shift.
type ShiftAnalysis struct {
	ShiftID           string          `json:"shiftId"`
	DriverID          string          `json:"driverId"`
	VehicleID         string          `json:"vehicleId"`
	Date              time.Time       `json:"date"`
	KmTotal           float64         `json:"kmTotal"`
	Revenue           float64         `json:"revenue"`
	RideCount         int             `json:"rideCount"`
	DurationHours     float64         `json:"durationHours"`
	RevenuePerKm      float64         `json:"revenuePerKm"`
	RevenuePerHour    float64         `json:"revenuePerHour"`
	RidesPerHour      float64         `json:"ridesPerHour"`
	Score             FraudScore      `json:"score"`
	Baseline          *DriverBaseline `json:"baseline,omitempty"`
	FleetStats        *FleetStats     `json:"fleetStats,omitempty"`
	IsPartialAnalysis bool            `json:"isPartialAnalysis"`
	AgentErrors       []string        `json:"agentErrors,omitempty"`
	AnalyzedAt        time.Time       `json:"analyzedAt"`
}

// EventStatus is the review state of a fraud event.
type EventStatus string

const (
	EventPending     EventStatus = "pending"
	EventUnderReview EventStatus = "under_review"
	EventConfirmed   EventStatus = "confirmed"
	EventDiscarded   EventStatus = "discarded"
	EventBlocked     EventStatus = "blocked"
)

// Valid reports whether the status is known.
func (s EventStatus) Valid() bool {
	switch s {
	case EventPending, EventUnderReview, EventConfirmed, EventDiscarded, EventBlocked:
		return true
	}
	return false
}

// AllEventStatuses lists statuses in display order.
func AllEventStatuses() []EventStatus {
	return []EventStatus{EventPending, EventUnderReview, EventConfirmed, EventDiscarded, EventBlocked}
}

// EventMetadata is the context snapshot stored with a fraud event.
type EventMetadata struct {
	KmTotal           float64         `json:"kmTotal"`
	Revenue           float64         `json:"revenue"`
	RideCount         int             `json:"rideCount"`
	DurationHours     float64         `json:"durationHours"`
	RevenuePerKm      float64         `json:"revenuePerKm"`
	RevenuePerHour    float64         `json:"revenuePerHour"`
	Baseline          *DriverBaseline `json:"baseline,omitempty"`
	IsPartialAnalysis bool            `json:"isPartialAnalysis"`
	AgentErrors       []string        `json:"agentErrors,omitempty"`
}

// FraudEvent is the single persisted risk assessment of a shift.
type FraudEvent struct {
	ID            string        `json:"id"`
	ShiftID       string        `json:"shiftId"`
	DriverID      string        `json:"driverId"`
	VehicleID     string        `json:"vehicleId"`
	RiskScore     float64       `json:"riskScore"`
	RiskLevel     RiskLevel     `json:"riskLevel"`
	Rules         []RuleHit     `json:"rules"`
	Metadata      EventMetadata `json:"metadata"`
	Status        EventStatus   `json:"status"`
	ReviewComment string        `json:"reviewComment,omitempty"`
	ReviewedAt    *time.Time    `json:"reviewedAt,omitempty"`
	DetectedAt    time.Time     `json:"detectedAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Status   EventStatus
	Level    RiskLevel
	DriverID string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// ShiftReport is the input a PDF renderer consumes.
type ShiftReport struct {
	Event *FraudEvent `json:"event"`
	Shift *Shift      `json:"shift"`
}
