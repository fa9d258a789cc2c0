package domain

import "time"

// BaselineWindow is the rolling history used for baselines.
const BaselineWindow = 30 * 24 * time.Hour

// MinBaselineSamples is the minimum number of shifts behind a baseline.
const MinBaselineSamples = 3

// DriverBaseline is a driver's personal 30-day average.
// A nil *DriverBaseline means "insufficient data".
type DriverBaseline struct {
	DriverID           string  `json:"driverId"`
	SampleShifts       int     `json:"sampleShifts"`
	AvgRevenuePerHour  float64 `json:"avgRevenuePerHour"`
	AvgRidesPerHour    float64 `json:"avgRidesPerHour"`
	AvgRevenuePerKm    float64 `json:"avgRevenuePerKm"`
	AvgRevenuePerShift float64 `json:"avgRevenuePerShift"`
}

// FleetBaseline is the fleet-wide average for one weekday and hour slot.
type FleetBaseline struct {
	Weekday      time.Weekday `json:"weekday"`
	HourSlot     int          `json:"hourSlot"`
	SampleShifts int          `json:"sampleShifts"`
	AvgRides     float64      `json:"avgRides"`
	AvgRevenue   float64      `json:"avgRevenue"`
}

// FleetStats is a near-real-time snapshot across open shifts.
type FleetStats struct {
	OpenDrivers       int       `json:"openDrivers"`
	RidesPerDriver15m float64   `json:"ridesPerDriver15m"`
	RidesPerDriver60m float64   `json:"ridesPerDriver60m"`
	MedianRideValue   float64   `json:"medianRideValue"`
	DemandHigh        bool      `json:"demandHigh"`
	ComputedAt        time.Time `json:"computedAt"`
}
