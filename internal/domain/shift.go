// Package domain defines the core interfaces and types for shiftwatch.
package domain

import (
	"time"
)

// ShiftStatus is the lifecycle state of a shift.
type ShiftStatus string

const (
	ShiftOpen     ShiftStatus = "open"
	ShiftFinished ShiftStatus = "finished"
)

// Shift is a driver's work session on a vehicle.
type Shift struct {
	ID        string      `json:"id"`
	DriverID  string      `json:"driverId"`
	VehicleID string      `json:"vehicleId"`
	StartTime time.Time   `json:"startTime"`
	EndTime   *time.Time  `json:"endTime,omitempty"`
	KmStart   float64     `json:"kmStart"`
	KmEnd     *float64    `json:"kmEnd,omitempty"`
	Status    ShiftStatus `json:"status"`
	Totals    ShiftTotals `json:"totals"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// ShiftTotals holds the aggregates recalculated on every ride/expense change.
type ShiftTotals struct {
	GrossApp      float64 `json:"grossApp"`
	GrossPrivate  float64 `json:"grossPrivate"`
	Gross         float64 `json:"gross"`
	RidesApp      int     `json:"ridesApp"`
	RidesPrivate  int     `json:"ridesPrivate"`
	RidesTotal    int     `json:"ridesTotal"`
	TotalExpenses float64 `json:"totalExpenses"`
	Net           float64 `json:"net"`
	CompanyShare  float64 `json:"companyShare"`
	DriverShare   float64 `json:"driverShare"`
	Discounts     float64 `json:"discounts"`
}

// IsOpen reports whether the shift is still running.
func (s *Shift) IsOpen() bool {
	return s.Status == ShiftOpen
}

// KmTotal returns the distance driven. Open shifts report 0.
func (s *Shift) KmTotal() float64 {
	if s.KmEnd == nil {
		return 0
	}
	return *s.KmEnd - s.KmStart
}

// Duration returns the shift length. Open shifts are measured up to now.
func (s *Shift) Duration(now time.Time) time.Duration {
	end := now
	if s.EndTime != nil {
		end = *s.EndTime
	}
	if end.Before(s.StartTime) {
		return 0
	}
	return end.Sub(s.StartTime)
}

// RideChannel identifies where a fare came from.
type RideChannel string

const (
	ChannelApp     RideChannel = "app"
	ChannelPrivate RideChannel = "private"
)

// Valid reports whether the channel is known.
func (c RideChannel) Valid() bool {
	return c == ChannelApp || c == ChannelPrivate
}

// Ride is one fare within a shift.
type Ride struct {
	ID        string      `json:"id"`
	ShiftID   string      `json:"shiftId"`
	Channel   RideChannel `json:"channel"`
	Value     float64     `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

// Expense is a cost entry, optionally split 50/50 between company and driver.
type Expense struct {
	ID         string    `json:"id"`
	ShiftID    string    `json:"shiftId"`
	CostTypeID string    `json:"costTypeId"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	Split      bool      `json:"split"`
	Particular bool      `json:"particular"`
}
