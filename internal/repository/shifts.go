package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/shiftwatch/internal/domain"
)

const shiftColumns = `id, driver_id, vehicle_id, start_time, end_time, km_start, km_end,
	status, totals, created_at, updated_at`

func scanShift(s scanner) (*domain.Shift, error) {
	var sh domain.Shift
	var endTime sql.NullTime
	var kmEnd sql.NullFloat64
	var totals string

	if err := s.Scan(
		&sh.ID, &sh.DriverID, &sh.VehicleID,
		&sh.StartTime, &endTime, &sh.KmStart, &kmEnd,
		&sh.Status, &totals, &sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, err
	}

	sh.StartTime = sh.StartTime.UTC()
	sh.EndTime = timePtr(endTime)
	sh.KmEnd = floatPtr(kmEnd)
	if totals != "" {
		if err := json.Unmarshal([]byte(totals), &sh.Totals); err != nil {
			return nil, fmt.Errorf("failed to parse totals of shift %s: %w", sh.ID, err)
		}
	}
	return &sh, nil
}

func (r *SQLRepository) queryShifts(ctx context.Context, query string, args ...any) ([]*domain.Shift, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shifts []*domain.Shift
	for rows.Next() {
		sh, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, sh)
	}
	return shifts, rows.Err()
}

func (r *SQLRepository) queryShift(ctx context.Context, query string, args ...any) (*domain.Shift, error) {
	sh, err := scanShift(r.db.QueryRowContext(ctx, r.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return sh, err
}

// GetShift retrieves a shift by ID.
func (r *SQLRepository) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	return r.queryShift(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id = ?`, id)
}

// FindPreviousShift returns the vehicle's latest shift started before the given time.
func (r *SQLRepository) FindPreviousShift(ctx context.Context, vehicleID string, before time.Time) (*domain.Shift, error) {
	query := `
		SELECT ` + shiftColumns + `
		FROM shifts
		WHERE vehicle_id = ? AND start_time < ?
		ORDER BY start_time DESC
		LIMIT 1
	`
	return r.queryShift(ctx, query, vehicleID, utc(before))
}

// FindOpenShiftByDriver returns the driver's open shift.
func (r *SQLRepository) FindOpenShiftByDriver(ctx context.Context, driverID string) (*domain.Shift, error) {
	query := `
		SELECT ` + shiftColumns + `
		FROM shifts
		WHERE driver_id = ? AND status = ?
		ORDER BY start_time DESC
		LIMIT 1
	`
	return r.queryShift(ctx, query, driverID, domain.ShiftOpen)
}

// ListOpenShifts returns every open shift, oldest first.
func (r *SQLRepository) ListOpenShifts(ctx context.Context) ([]*domain.Shift, error) {
	query := `SELECT ` + shiftColumns + ` FROM shifts WHERE status = ? ORDER BY start_time`
	return r.queryShifts(ctx, query, domain.ShiftOpen)
}

// ListFinishedShifts returns finished shifts started at or after since.
func (r *SQLRepository) ListFinishedShifts(ctx context.Context, since time.Time, driverID string) ([]*domain.Shift, error) {
	query := `SELECT ` + shiftColumns + ` FROM shifts WHERE status = ? AND start_time >= ?`
	args := []any{domain.ShiftFinished, utc(since)}
	if driverID != "" {
		query += ` AND driver_id = ?`
		args = append(args, driverID)
	}
	query += ` ORDER BY start_time`
	return r.queryShifts(ctx, query, args...)
}

// CreateShift stores a new shift.
func (r *SQLRepository) CreateShift(ctx context.Context, shift *domain.Shift) error {
	if shift.ID == "" || shift.DriverID == "" || shift.VehicleID == "" {
		return fmt.Errorf("%w: shift, driver and vehicle IDs are required", domain.ErrInvalidInput)
	}

	totals, err := json.Marshal(shift.Totals)
	if err != nil {
		return fmt.Errorf("failed to encode totals: %w", err)
	}

	query := `
		INSERT INTO shifts (
			id, driver_id, vehicle_id, start_time, end_time, km_start, km_end,
			status, totals, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		shift.ID, shift.DriverID, shift.VehicleID,
		utc(shift.StartTime), nullTime(shift.EndTime),
		shift.KmStart, nullFloat(shift.KmEnd),
		shift.Status, string(totals),
		utc(shift.CreatedAt), utc(shift.UpdatedAt),
	)
	return err
}

// UpdateShiftTotals rewrites the cached aggregates of a shift.
func (r *SQLRepository) UpdateShiftTotals(ctx context.Context, shiftID string, totals domain.ShiftTotals) error {
	data, err := json.Marshal(totals)
	if err != nil {
		return fmt.Errorf("failed to encode totals: %w", err)
	}

	query := `UPDATE shifts SET totals = ?, updated_at = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), string(data), time.Now().UTC(), shiftID)
	if err != nil {
		return err
	}
	return affected(result)
}

// FinishShift closes an open shift in a single conditional update.
func (r *SQLRepository) FinishShift(ctx context.Context, shiftID string, endTime time.Time, kmEnd float64, totals domain.ShiftTotals) error {
	data, err := json.Marshal(totals)
	if err != nil {
		return fmt.Errorf("failed to encode totals: %w", err)
	}

	query := `
		UPDATE shifts
		SET status = ?, end_time = ?, km_end = ?, totals = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query),
		domain.ShiftFinished, utc(endTime), kmEnd, string(data), time.Now().UTC(),
		shiftID, domain.ShiftOpen,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	if _, err := r.GetShift(ctx, shiftID); err != nil {
		return err
	}
	return domain.ErrShiftAlreadyFinished
}

const rideColumns = `id, shift_id, channel, value, timestamp`

func scanRide(s scanner) (*domain.Ride, error) {
	var ride domain.Ride
	if err := s.Scan(&ride.ID, &ride.ShiftID, &ride.Channel, &ride.Value, &ride.Timestamp); err != nil {
		return nil, err
	}
	ride.Timestamp = ride.Timestamp.UTC()
	return &ride, nil
}

func (r *SQLRepository) queryRides(ctx context.Context, query string, args ...any) ([]*domain.Ride, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rides []*domain.Ride
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		rides = append(rides, ride)
	}
	return rides, rows.Err()
}

// ListRidesByShift returns the shift's rides in chronological order.
func (r *SQLRepository) ListRidesByShift(ctx context.Context, shiftID string) ([]*domain.Ride, error) {
	query := `SELECT ` + rideColumns + ` FROM rides WHERE shift_id = ? ORDER BY timestamp, id`
	return r.queryRides(ctx, query, shiftID)
}

// maxInArgs bounds the IN list of a single query.
const maxInArgs = 500

// ListRidesByShifts returns the rides of several shifts.
func (r *SQLRepository) ListRidesByShifts(ctx context.Context, shiftIDs []string) ([]*domain.Ride, error) {
	var rides []*domain.Ride
	for start := 0; start < len(shiftIDs); start += maxInArgs {
		end := min(start+maxInArgs, len(shiftIDs))
		chunk := shiftIDs[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := `SELECT ` + rideColumns + ` FROM rides WHERE shift_id IN (` + placeholders(len(chunk)) + `) ORDER BY timestamp, id`

		batch, err := r.queryRides(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		rides = append(rides, batch...)
	}
	return rides, nil
}

// ListRidesSince returns rides of open shifts recorded at or after since.
func (r *SQLRepository) ListRidesSince(ctx context.Context, since time.Time) ([]*domain.Ride, error) {
	query := `
		SELECT r.id, r.shift_id, r.channel, r.value, r.timestamp
		FROM rides r
		JOIN shifts s ON s.id = r.shift_id
		WHERE s.status = ? AND r.timestamp >= ?
		ORDER BY r.timestamp
	`
	return r.queryRides(ctx, query, domain.ShiftOpen, utc(since))
}

// GetRide retrieves a ride by ID.
func (r *SQLRepository) GetRide(ctx context.Context, id string) (*domain.Ride, error) {
	query := `SELECT ` + rideColumns + ` FROM rides WHERE id = ?`
	ride, err := scanRide(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return ride, err
}

// SaveRide inserts or replaces a ride.
func (r *SQLRepository) SaveRide(ctx context.Context, ride *domain.Ride) error {
	if ride.ID == "" || ride.ShiftID == "" {
		return fmt.Errorf("%w: ride and shift IDs are required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO rides (id, shift_id, channel, value, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel = excluded.channel,
			value = excluded.value,
			timestamp = excluded.timestamp
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ride.ID, ride.ShiftID, ride.Channel, ride.Value, utc(ride.Timestamp),
	)
	return err
}

// DeleteRide removes a ride.
func (r *SQLRepository) DeleteRide(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM rides WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return affected(result)
}

const expenseColumns = `id, shift_id, cost_type_id, value, timestamp, split, particular`

func scanExpense(s scanner) (*domain.Expense, error) {
	var e domain.Expense
	var split, particular int
	if err := s.Scan(&e.ID, &e.ShiftID, &e.CostTypeID, &e.Value, &e.Timestamp, &split, &particular); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Split = split == 1
	e.Particular = particular == 1
	return &e, nil
}

// ListExpensesByShift returns the shift's expenses in chronological order.
func (r *SQLRepository) ListExpensesByShift(ctx context.Context, shiftID string) ([]*domain.Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE shift_id = ? ORDER BY timestamp, id`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expenses []*domain.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

// GetExpense retrieves an expense by ID.
func (r *SQLRepository) GetExpense(ctx context.Context, id string) (*domain.Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE id = ?`
	e, err := scanExpense(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return e, err
}

// SaveExpense inserts or replaces an expense.
func (r *SQLRepository) SaveExpense(ctx context.Context, e *domain.Expense) error {
	if e.ID == "" || e.ShiftID == "" {
		return fmt.Errorf("%w: expense and shift IDs are required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO expenses (id, shift_id, cost_type_id, value, timestamp, split, particular)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cost_type_id = excluded.cost_type_id,
			value = excluded.value,
			timestamp = excluded.timestamp,
			split = excluded.split,
			particular = excluded.particular
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, e.ShiftID, e.CostTypeID, e.Value, utc(e.Timestamp),
		boolToInt(e.Split), boolToInt(e.Particular),
	)
	return err
}

// DeleteExpense removes an expense.
func (r *SQLRepository) DeleteExpense(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM expenses WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return affected(result)
}
