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

// RecordHistory appends a change record.
func (r *SQLRepository) RecordHistory(ctx context.Context, h *domain.HistoryEntry) error {
	if h.ID == "" || h.ShiftID == "" || h.Entity == "" {
		return fmt.Errorf("%w: history ID, shift ID and entity are required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO shift_history (
			id, entity, entity_id, shift_id, action, actor, before_data, after_data, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		h.ID, h.Entity, h.EntityID, h.ShiftID, h.Action, h.Actor,
		rawOrNull(h.Before), rawOrNull(h.After), utc(h.RecordedAt),
	)
	return err
}

// ListHistoryByShift returns the shift's change log in recorded order.
// An empty entity returns every entity.
func (r *SQLRepository) ListHistoryByShift(ctx context.Context, shiftID string, entity string) ([]*domain.HistoryEntry, error) {
	query := `
		SELECT id, entity, entity_id, shift_id, action, actor, before_data, after_data, recorded_at
		FROM shift_history
		WHERE shift_id = ?
	`
	args := []any{shiftID}
	if entity != "" {
		query += ` AND entity = ?`
		args = append(args, entity)
	}
	query += ` ORDER BY recorded_at, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var before, after sql.NullString
		if err := rows.Scan(
			&h.ID, &h.Entity, &h.EntityID, &h.ShiftID, &h.Action, &h.Actor,
			&before, &after, &h.RecordedAt,
		); err != nil {
			return nil, err
		}
		h.RecordedAt = h.RecordedAt.UTC()
		if before.Valid {
			h.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			h.After = json.RawMessage(after.String)
		}
		entries = append(entries, &h)
	}
	return entries, rows.Err()
}

func rawOrNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

const eventColumns = `id, shift_id, driver_id, vehicle_id, risk_score, risk_level, rules,
	metadata, status, review_comment, reviewed_at, detected_at, updated_at`

func scanEvent(s scanner) (*domain.FraudEvent, error) {
	var e domain.FraudEvent
	var rules, metadata string
	var reviewedAt sql.NullTime

	if err := s.Scan(
		&e.ID, &e.ShiftID, &e.DriverID, &e.VehicleID,
		&e.RiskScore, &e.RiskLevel, &rules, &metadata,
		&e.Status, &e.ReviewComment, &reviewedAt,
		&e.DetectedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}

	e.ReviewedAt = timePtr(reviewedAt)
	e.DetectedAt = e.DetectedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if err := json.Unmarshal([]byte(rules), &e.Rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules of event %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata of event %s: %w", e.ID, err)
	}
	return &e, nil
}

func encodeAnalysis(e *domain.FraudEvent) (rules, metadata string, err error) {
	hits := e.Rules
	if hits == nil {
		hits = []domain.RuleHit{}
	}
	rb, err := json.Marshal(hits)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode rules: %w", err)
	}
	mb, err := json.Marshal(e.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(rb), string(mb), nil
}

// InsertEvent inserts a new event unless the shift already has one.
func (r *SQLRepository) InsertEvent(ctx context.Context, e *domain.FraudEvent) (bool, error) {
	if e.ID == "" || e.ShiftID == "" {
		return false, fmt.Errorf("%w: event and shift IDs are required", domain.ErrInvalidInput)
	}

	rules, metadata, err := encodeAnalysis(e)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO fraud_events (
			id, shift_id, driver_id, vehicle_id, risk_score, risk_level, rules,
			metadata, status, review_comment, reviewed_at, detected_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(shift_id) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, e.ShiftID, e.DriverID, e.VehicleID,
		e.RiskScore, e.RiskLevel, rules, metadata,
		e.Status, e.ReviewComment, nullTime(e.ReviewedAt),
		utc(e.DetectedAt), utc(e.UpdatedAt),
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *SQLRepository) queryEvent(ctx context.Context, query string, args ...any) (*domain.FraudEvent, error) {
	e, err := scanEvent(r.db.QueryRowContext(ctx, r.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return e, err
}

// GetEvent retrieves an event by ID.
func (r *SQLRepository) GetEvent(ctx context.Context, id string) (*domain.FraudEvent, error) {
	return r.queryEvent(ctx, `SELECT `+eventColumns+` FROM fraud_events WHERE id = ?`, id)
}

// GetEventByShift retrieves the event of a shift.
func (r *SQLRepository) GetEventByShift(ctx context.Context, shiftID string) (*domain.FraudEvent, error) {
	return r.queryEvent(ctx, `SELECT `+eventColumns+` FROM fraud_events WHERE shift_id = ?`, shiftID)
}

// UpdateEventAnalysis rewrites the analysis part of an event. The status
// column is decided by the stored row, never by e.Status: a zero score
// discards a pending or under-review event, anything else keeps it.
func (r *SQLRepository) UpdateEventAnalysis(ctx context.Context, e *domain.FraudEvent) error {
	rules, metadata, err := encodeAnalysis(e)
	if err != nil {
		return err
	}

	query := `
		UPDATE fraud_events
		SET risk_score = ?, risk_level = ?, rules = ?, metadata = ?, updated_at = ?,
			status = CASE
				WHEN CAST(? AS DOUBLE PRECISION) = 0 AND status IN (?, ?) THEN ?
				ELSE status
			END
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query),
		e.RiskScore, e.RiskLevel, rules, metadata, utc(e.UpdatedAt),
		e.RiskScore, domain.EventPending, domain.EventUnderReview, domain.EventDiscarded,
		e.ID,
	)
	if err != nil {
		return err
	}
	return affected(result)
}

// UpdateEventStatus records a review decision.
func (r *SQLRepository) UpdateEventStatus(ctx context.Context, id string, status domain.EventStatus, comment string, at time.Time) error {
	query := `
		UPDATE fraud_events
		SET status = ?, review_comment = ?, reviewed_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query), status, comment, utc(at), utc(at), id)
	if err != nil {
		return err
	}
	return affected(result)
}

// ListEvents returns events matching the filter, newest first.
func (r *SQLRepository) ListEvents(ctx context.Context, f domain.EventFilter) ([]*domain.FraudEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM fraud_events WHERE 1 = 1`
	var args []any

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Level != "" {
		query += ` AND risk_level = ?`
		args = append(args, f.Level)
	}
	if f.DriverID != "" {
		query += ` AND driver_id = ?`
		args = append(args, f.DriverID)
	}
	if f.From != nil {
		query += ` AND detected_at >= ?`
		args = append(args, utc(*f.From))
	}
	if f.To != nil {
		query += ` AND detected_at < ?`
		args = append(args, utc(*f.To))
	}
	query += ` ORDER BY detected_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, max(f.Offset, 0))
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.FraudEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEventsByStatus returns the number of events per status.
func (r *SQLRepository) CountEventsByStatus(ctx context.Context) (map[domain.EventStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM fraud_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.EventStatus]int)
	for rows.Next() {
		var status domain.EventStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
