package domain

import (
	"context"
	"time"
)

// ShiftRepository reads and writes shifts.
type ShiftRepository interface {
	GetShift(ctx context.Context, id string) (*Shift, error)
	// FindPreviousShift returns the latest shift of the vehicle started before the given time.
	// Returns ErrNotFound when the vehicle has no earlier shift.
	FindPreviousShift(ctx context.Context, vehicleID string, before time.Time) (*Shift, error)
	FindOpenShiftByDriver(ctx context.Context, driverID string) (*Shift, error)
	ListOpenShifts(ctx context.Context) ([]*Shift, error)
	// ListFinishedShifts returns finished shifts started at or after since.
	// An empty driverID means all drivers.
	ListFinishedShifts(ctx context.Context, since time.Time, driverID string) ([]*Shift, error)
	CreateShift(ctx context.Context, shift *Shift) error
	UpdateShiftTotals(ctx context.Context, shiftID string, totals ShiftTotals) error
	// FinishShift closes an open shift. Returns ErrShiftAlreadyFinished when it is not open.
	FinishShift(ctx context.Context, shiftID string, endTime time.Time, kmEnd float64, totals ShiftTotals) error
}

// RideRepository reads and writes rides.
type RideRepository interface {
	// ListRidesByShift returns rides in chronological order.
	ListRidesByShift(ctx context.Context, shiftID string) ([]*Ride, error)
	ListRidesByShifts(ctx context.Context, shiftIDs []string) ([]*Ride, error)
	// ListRidesSince returns rides of open shifts recorded at or after since.
	ListRidesSince(ctx context.Context, since time.Time) ([]*Ride, error)
	GetRide(ctx context.Context, id string) (*Ride, error)
	SaveRide(ctx context.Context, ride *Ride) error
	DeleteRide(ctx context.Context, id string) error
}

// ExpenseRepository reads and writes expenses.
type ExpenseRepository interface {
	ListExpensesByShift(ctx context.Context, shiftID string) ([]*Expense, error)
	GetExpense(ctx context.Context, id string) (*Expense, error)
	SaveExpense(ctx context.Context, expense *Expense) error
	DeleteExpense(ctx context.Context, id string) error
}

// HistoryRepository is the append-only change log.
type HistoryRepository interface {
	RecordHistory(ctx context.Context, entry *HistoryEntry) error
	// ListHistoryByShift returns entries for the shift in recorded order.
	ListHistoryByShift(ctx context.Context, shiftID string, entity string) ([]*HistoryEntry, error)
}

// EventRepository is the fraud event sink.
type EventRepository interface {
	// InsertEvent inserts a new event. Returns false without error when an
	// event for the same shift already exists.
	InsertEvent(ctx context.Context, event *FraudEvent) (bool, error)
	GetEvent(ctx context.Context, id string) (*FraudEvent, error)
	GetEventByShift(ctx context.Context, shiftID string) (*FraudEvent, error)
	// UpdateEventAnalysis rewrites score, level, rules and metadata. It
	// never writes event.Status; a zero score moves a pending or
	// under-review row to discarded in the same statement.
	UpdateEventAnalysis(ctx context.Context, event *FraudEvent) error
	UpdateEventStatus(ctx context.Context, id string, status EventStatus, comment string, at time.Time) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*FraudEvent, error)
	CountEventsByStatus(ctx context.Context) (map[EventStatus]int, error)
}

// Repository is the full data-access surface.
type Repository interface {
	ShiftRepository
	RideRepository
	ExpenseRepository
	HistoryRepository
	EventRepository

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
