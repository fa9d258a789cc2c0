// Package shifts implements the shift lifecycle and ride/expense bookkeeping.
// Every mutation recalculates the shift totals, records history in the
// background and requests a deferred re-analysis on the bus.
package shifts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/shiftwatch/internal/domain"
	"github.com/opensource-finance/shiftwatch/internal/financial"
)

// Re-analysis reasons carried in domain.ShiftChangedMessage.
const (
	ReasonRideAdded      = "ride_added"
	ReasonRideUpdated    = "ride_updated"
	ReasonRideDeleted    = "ride_deleted"
	ReasonExpenseAdded   = "expense_added"
	ReasonExpenseDeleted = "expense_deleted"
	ReasonShiftFinished  = "shift_finished"
)

// Repository is the persistence the service needs.
type Repository interface {
	GetShift(ctx context.Context, id string) (*domain.Shift, error)
	FindOpenShiftByDriver(ctx context.Context, driverID string) (*domain.Shift, error)
	CreateShift(ctx context.Context, shift *domain.Shift) error
	UpdateShiftTotals(ctx context.Context, shiftID string, totals domain.ShiftTotals) error
	FinishShift(ctx context.Context, shiftID string, endTime time.Time, kmEnd float64, totals domain.ShiftTotals) error

	ListRidesByShift(ctx context.Context, shiftID string) ([]*domain.Ride, error)
	GetRide(ctx context.Context, id string) (*domain.Ride, error)
	SaveRide(ctx context.Context, ride *domain.Ride) error
	DeleteRide(ctx context.Context, id string) error

	ListExpensesByShift(ctx context.Context, shiftID string) ([]*domain.Expense, error)
	GetExpense(ctx context.Context, id string) (*domain.Expense, error)
	SaveExpense(ctx context.Context, expense *domain.Expense) error
	DeleteExpense(ctx context.Context, id string) error
}

// HistoryRecorder records changes without blocking the caller.
type HistoryRecorder interface {
	Record(ctx context.Context, entity, entityID, shiftID string, action domain.HistoryAction, actor string, before, after any)
}

// Service manages shifts, rides and expenses.
type Service struct {
	repo    Repository
	calc    *financial.Calculator
	history HistoryRecorder
	bus     domain.EventBus
	now     func() time.Time
}

// NewService creates a shift service. A nil bus disables re-analysis
// requests.
func NewService(repo Repository, calc *financial.Calculator, history HistoryRecorder, bus domain.EventBus) *Service {
	return &Service{
		repo:    repo,
		calc:    calc,
		history: history,
		bus:     bus,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// StartShiftInput opens a shift.
type StartShiftInput struct {
	DriverID  string     `json:"driverId"`
	VehicleID string     `json:"vehicleId"`
	KmStart   float64    `json:"kmStart"`
	StartTime *time.Time `json:"startTime,omitempty"`
	Actor     string     `json:"-"`
}

// StartShift opens a shift for a driver without one.
func (s *Service) StartShift(ctx context.Context, in StartShiftInput) (*domain.Shift, error) {
	if in.DriverID == "" || in.VehicleID == "" {
		return nil, fmt.Errorf("%w: driver and vehicle are required", domain.ErrInvalidInput)
	}
	if in.KmStart < 0 {
		return nil, fmt.Errorf("%w: negative odometer", domain.ErrInvalidInput)
	}

	open, err := s.repo.FindOpenShiftByDriver(ctx, in.DriverID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to check open shifts: %w", err)
	}
	if open != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrDriverHasOpenShift, open.ID)
	}

	now := s.now()
	start := now
	if in.StartTime != nil {
		start = in.StartTime.UTC()
	}
	shift := &domain.Shift{
		ID:        uuid.New().String(),
		DriverID:  in.DriverID,
		VehicleID: in.VehicleID,
		StartTime: start,
		KmStart:   in.KmStart,
		Status:    domain.ShiftOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateShift(ctx, shift); err != nil {
		return nil, fmt.Errorf("failed to create shift: %w", err)
	}

	s.history.Record(ctx, domain.EntityShift, shift.ID, shift.ID, domain.ActionCreate, actorOr(in.Actor, in.DriverID), nil, shift)
	slog.Info("shift started",
		"shift_id", shift.ID,
		"driver_id", shift.DriverID,
		"vehicle_id", shift.VehicleID,
	)
	return shift, nil
}

// FinishShiftInput closes a shift.
type FinishShiftInput struct {
	KmEnd   float64    `json:"kmEnd"`
	EndTime *time.Time `json:"endTime,omitempty"`
	Actor   string     `json:"-"`
}

// FinishShift closes an open shift. Finishing a shift twice returns
// domain.ErrShiftAlreadyFinished and writes nothing.
func (s *Service) FinishShift(ctx context.Context, shiftID string, in FinishShiftInput) (*domain.Shift, error) {
	shift, err := s.repo.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	if !shift.IsOpen() {
		return nil, fmt.Errorf("shift %s: %w", shiftID, domain.ErrShiftAlreadyFinished)
	}

	end := s.now()
	if in.EndTime != nil {
		end = in.EndTime.UTC()
	}
	if end.Before(shift.StartTime) {
		return nil, fmt.Errorf("%w: end before start", domain.ErrInvalidInput)
	}
	if in.KmEnd < shift.KmStart {
		return nil, fmt.Errorf("%w: ending odometer %.1f below starting %.1f", domain.ErrInvalidInput, in.KmEnd, shift.KmStart)
	}

	totals, err := s.totals(ctx, shift)
	if err != nil {
		return nil, err
	}
	if err := s.repo.FinishShift(ctx, shiftID, end, in.KmEnd, totals); err != nil {
		if errors.Is(err, domain.ErrShiftAlreadyFinished) {
			return nil, fmt.Errorf("shift %s: %w", shiftID, err)
		}
		return nil, fmt.Errorf("failed to finish shift %s: %w", shiftID, err)
	}

	before := *shift
	kmEnd := in.KmEnd
	shift.EndTime = &end
	shift.KmEnd = &kmEnd
	shift.Status = domain.ShiftFinished
	shift.Totals = totals
	shift.UpdatedAt = s.now()

	s.history.Record(ctx, domain.EntityShift, shift.ID, shift.ID, domain.ActionUpdate, actorOr(in.Actor, shift.DriverID), &before, shift)
	s.requestAnalysis(ctx, shift.ID, ReasonShiftFinished, in.Actor)

	slog.Info("shift finished",
		"shift_id", shift.ID,
		"driver_id", shift.DriverID,
		"km_total", shift.KmTotal(),
		"gross", totals.Gross,
	)
	return shift, nil
}

// RideInput describes a ride to add or replace.
type RideInput struct {
	Channel   domain.RideChannel `json:"channel"`
	Value     float64            `json:"value"`
	Timestamp *time.Time         `json:"timestamp,omitempty"`
	Actor     string             `json:"-"`
}

func (in RideInput) validate() error {
	if !in.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", domain.ErrInvalidInput, in.Channel)
	}
	if in.Value <= 0 {
		return fmt.Errorf("%w: ride value must be positive", domain.ErrInvalidInput)
	}
	return nil
}

// AddRide records a ride on a shift.
func (s *Service) AddRide(ctx context.Context, shiftID string, in RideInput) (*domain.Ride, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	shift, err := s.repo.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	if err := editable(shift, in.Actor); err != nil {
		return nil, err
	}

	ride := &domain.Ride{
		ID:        uuid.New().String(),
		ShiftID:   shift.ID,
		Channel:   in.Channel,
		Value:     in.Value,
		Timestamp: s.timestamp(in.Timestamp),
	}
	if err := s.repo.SaveRide(ctx, ride); err != nil {
		return nil, fmt.Errorf("failed to save ride: %w", err)
	}

	s.history.Record(ctx, domain.EntityRide, ride.ID, shift.ID, domain.ActionCreate, actorOr(in.Actor, shift.DriverID), nil, ride)
	if err := s.recalculate(ctx, shift); err != nil {
		return nil, err
	}
	s.requestAnalysis(ctx, shift.ID, ReasonRideAdded, in.Actor)
	return ride, nil
}

// UpdateRide replaces the channel, value and timestamp of a ride.
func (s *Service) UpdateRide(ctx context.Context, rideID string, in RideInput) (*domain.Ride, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	shift, err := s.repo.GetShift(ctx, existing.ShiftID)
	if err != nil {
		return nil, err
	}
	if err := editable(shift, in.Actor); err != nil {
		return nil, err
	}

	updated := *existing
	updated.Channel = in.Channel
	updated.Value = in.Value
	if in.Timestamp != nil {
		updated.Timestamp = in.Timestamp.UTC()
	}
	if err := s.repo.SaveRide(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to save ride: %w", err)
	}

	s.history.Record(ctx, domain.EntityRide, rideID, shift.ID, domain.ActionUpdate, actorOr(in.Actor, shift.DriverID), existing, &updated)
	if err := s.recalculate(ctx, shift); err != nil {
		return nil, err
	}
	s.requestAnalysis(ctx, shift.ID, ReasonRideUpdated, in.Actor)
	return &updated, nil
}

// DeleteRide removes a ride.
func (s *Service) DeleteRide(ctx context.Context, rideID, actor string) error {
	existing, err := s.repo.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	shift, err := s.repo.GetShift(ctx, existing.ShiftID)
	if err != nil {
		return err
	}
	if err := editable(shift, actor); err != nil {
		return err
	}
	if err := s.repo.DeleteRide(ctx, rideID); err != nil {
		return fmt.Errorf("failed to delete ride: %w", err)
	}

	s.history.Record(ctx, domain.EntityRide, rideID, shift.ID, domain.ActionDelete, actorOr(actor, shift.DriverID), existing, nil)
	if err := s.recalculate(ctx, shift); err != nil {
		return err
	}
	s.requestAnalysis(ctx, shift.ID, ReasonRideDeleted, actor)
	return nil
}

// ExpenseInput describes an expense to add.
type ExpenseInput struct {
	CostTypeID string     `json:"costTypeId"`
	Value      float64    `json:"value"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Split      bool       `json:"split"`
	Particular bool       `json:"particular"`
	Actor      string     `json:"-"`
}

// AddExpense records an expense on a shift.
func (s *Service) AddExpense(ctx context.Context, shiftID string, in ExpenseInput) (*domain.Expense, error) {
	if in.CostTypeID == "" {
		return nil, fmt.Errorf("%w: cost type is required", domain.ErrInvalidInput)
	}
	if in.Value <= 0 {
		return nil, fmt.Errorf("%w: expense value must be positive", domain.ErrInvalidInput)
	}
	shift, err := s.repo.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	if err := editable(shift, in.Actor); err != nil {
		return nil, err
	}

	expense := &domain.Expense{
		ID:         uuid.New().String(),
		ShiftID:    shift.ID,
		CostTypeID: in.CostTypeID,
		Value:      in.Value,
		Timestamp:  s.timestamp(in.Timestamp),
		Split:      in.Split,
		Particular: in.Particular,
	}
	if err := s.repo.SaveExpense(ctx, expense); err != nil {
		return nil, fmt.Errorf("failed to save expense: %w", err)
	}

	s.history.Record(ctx, domain.EntityExpense, expense.ID, shift.ID, domain.ActionCreate, actorOr(in.Actor, shift.DriverID), nil, expense)
	if err := s.recalculate(ctx, shift); err != nil {
		return nil, err
	}
	s.requestAnalysis(ctx, shift.ID, ReasonExpenseAdded, in.Actor)
	return expense, nil
}

// DeleteExpense removes an expense.
func (s *Service) DeleteExpense(ctx context.Context, expenseID, actor string) error {
	existing, err := s.repo.GetExpense(ctx, expenseID)
	if err != nil {
		return err
	}
	shift, err := s.repo.GetShift(ctx, existing.ShiftID)
	if err != nil {
		return err
	}
	if err := editable(shift, actor); err != nil {
		return err
	}
	if err := s.repo.DeleteExpense(ctx, expenseID); err != nil {
		return fmt.Errorf("failed to delete expense: %w", err)
	}

	s.history.Record(ctx, domain.EntityExpense, expenseID, shift.ID, domain.ActionDelete, actorOr(actor, shift.DriverID), existing, nil)
	if err := s.recalculate(ctx, shift); err != nil {
		return err
	}
	s.requestAnalysis(ctx, shift.ID, ReasonExpenseDeleted, actor)
	return nil
}

func (s *Service) totals(ctx context.Context, shift *domain.Shift) (domain.ShiftTotals, error) {
	rides, err := s.repo.ListRidesByShift(ctx, shift.ID)
	if err != nil {
		return domain.ShiftTotals{}, fmt.Errorf("failed to load rides: %w", err)
	}
	expenses, err := s.repo.ListExpensesByShift(ctx, shift.ID)
	if err != nil {
		return domain.ShiftTotals{}, fmt.Errorf("failed to load expenses: %w", err)
	}
	return s.calc.Compute(rides, expenses, shift.StartTime).Totals(), nil
}

func (s *Service) recalculate(ctx context.Context, shift *domain.Shift) error {
	totals, err := s.totals(ctx, shift)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateShiftTotals(ctx, shift.ID, totals); err != nil {
		return fmt.Errorf("failed to update totals of shift %s: %w", shift.ID, err)
	}
	return nil
}

// requestAnalysis publishes a deferred re-analysis request. It never fails
// the mutation that triggered it.
func (s *Service) requestAnalysis(ctx context.Context, shiftID, reason, actor string) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.ShiftChangedMessage{ShiftID: shiftID, Reason: reason, Actor: actor})
	if err != nil {
		slog.Error("failed to encode shift change", "shift_id", shiftID, "error", err)
		return
	}
	if err := s.bus.Publish(context.WithoutCancel(ctx), domain.TopicShiftChanged, payload); err != nil {
		slog.Warn("failed to request re-analysis",
			"shift_id", shiftID,
			"reason", reason,
			"error", err,
		)
	}
}

func (s *Service) timestamp(t *time.Time) time.Time {
	if t == nil {
		return s.now()
	}
	return t.UTC()
}

// editable rejects driver edits on a finished shift. Other actors may still
// correct it; those edits are what the audit trail watches.
func editable(shift *domain.Shift, actor string) error {
	if shift.IsOpen() || (actor != "" && actor != shift.DriverID) {
		return nil
	}
	return fmt.Errorf("shift %s: %w", shift.ID, domain.ErrShiftNotOpen)
}

func actorOr(actor, fallback string) string {
	if actor != "" {
		return actor
	}
	return fallback
}
