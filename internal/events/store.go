// Package events persists one fraud event per shift and manages its review
// status.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/shiftwatch/internal/domain"
)

// changeTolerance is the smallest difference in km, revenue or score that
// counts as a material change.
const changeTolerance = 0.01

// Action reports what SaveFraudEvent did.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"

	// ActionStatusChanged is only announced on the bus.
	ActionStatusChanged Action = "status_changed"
)

// SaveResult is the outcome of SaveFraudEvent.
type SaveResult struct {
	Action Action             `json:"action"`
	Event  *domain.FraudEvent `json:"event"`
}

// Repository is the persistence the store needs.
type Repository interface {
	domain.EventRepository
	GetShift(ctx context.Context, id string) (*domain.Shift, error)
}

// Store is the fraud event sink.
type Store struct {
	repo Repository
	bus  domain.EventBus
	now  func() time.Time
}

// NewStore creates an event store. A nil bus disables notifications.
func NewStore(repo Repository, bus domain.EventBus) *Store {
	return &Store{
		repo: repo,
		bus:  bus,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SaveFraudEvent upserts the event for the analysed shift.
//
// A new event starts pending, or discarded when the score is zero. An
// existing event is left alone unless km, revenue or score moved, or a
// partial analysis became final. Updates
// keep the review status, except that a zero score discards an event still
// pending or under review.
func (s *Store) SaveFraudEvent(ctx context.Context, a *domain.ShiftAnalysis) (SaveResult, error) {
	if a == nil || a.ShiftID == "" {
		return SaveResult{}, fmt.Errorf("analysis without shift: %w", domain.ErrInvalidInput)
	}

	existing, err := s.repo.GetEventByShift(ctx, a.ShiftID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return SaveResult{}, fmt.Errorf("failed to look up event for shift %s: %w", a.ShiftID, err)
	}

	if existing == nil {
		event := s.newEvent(a)
		inserted, err := s.repo.InsertEvent(ctx, event)
		if err != nil {
			return SaveResult{}, fmt.Errorf("failed to insert event for shift %s: %w", a.ShiftID, err)
		}
		if inserted {
			s.publish(ctx, event, ActionCreated)
			return SaveResult{Action: ActionCreated, Event: event}, nil
		}

		// Lost the insert race; treat the winner as the existing event.
		existing, err = s.repo.GetEventByShift(ctx, a.ShiftID)
		if err != nil {
			return SaveResult{}, fmt.Errorf("failed to reload event for shift %s: %w", a.ShiftID, err)
		}
	}

	if !materiallyChanged(existing, a) {
		return SaveResult{Action: ActionUnchanged, Event: existing}, nil
	}

	updated := *existing
	updated.RiskScore = a.Score.Total
	updated.RiskLevel = a.Score.Level
	updated.Rules = a.Score.Reasons
	updated.Metadata = metadataFor(a)
	updated.UpdatedAt = s.now()

	// The review status may have moved since the read above, so the
	// repository settles it against the stored row.
	if err := s.repo.UpdateEventAnalysis(ctx, &updated); err != nil {
		return SaveResult{}, fmt.Errorf("failed to update event %s: %w", existing.ID, err)
	}
	stored, err := s.repo.GetEvent(ctx, existing.ID)
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to reload event %s: %w", existing.ID, err)
	}
	s.publish(ctx, stored, ActionUpdated)
	return SaveResult{Action: ActionUpdated, Event: stored}, nil
}

func (s *Store) newEvent(a *domain.ShiftAnalysis) *domain.FraudEvent {
	now := s.now()
	status := domain.EventPending
	if a.Score.Total == 0 {
		status = domain.EventDiscarded
	}
	rules := a.Score.Reasons
	if rules == nil {
		rules = []domain.RuleHit{}
	}
	return &domain.FraudEvent{
		ID:         uuid.New().String(),
		ShiftID:    a.ShiftID,
		DriverID:   a.DriverID,
		VehicleID:  a.VehicleID,
		RiskScore:  a.Score.Total,
		RiskLevel:  a.Score.Level,
		Rules:      rules,
		Metadata:   metadataFor(a),
		Status:     status,
		DetectedAt: now,
		UpdatedAt:  now,
	}
}

func metadataFor(a *domain.ShiftAnalysis) domain.EventMetadata {
	return domain.EventMetadata{
		KmTotal:           a.KmTotal,
		Revenue:           a.Revenue,
		RideCount:         a.RideCount,
		DurationHours:     a.DurationHours,
		RevenuePerKm:      a.RevenuePerKm,
		RevenuePerHour:    a.RevenuePerHour,
		Baseline:          a.Baseline,
		IsPartialAnalysis: a.IsPartialAnalysis,
		AgentErrors:       a.AgentErrors,
	}
}

// materiallyChanged reports whether km, revenue or score moved, or the
// analysis switched between partial (open shift) and final.
func materiallyChanged(e *domain.FraudEvent, a *domain.ShiftAnalysis) bool {
	return e.Metadata.IsPartialAnalysis != a.IsPartialAnalysis ||
		differs(e.Metadata.KmTotal, a.KmTotal) ||
		differs(e.Metadata.Revenue, a.Revenue) ||
		differs(e.RiskScore, a.Score.Total)
}

func differs(x, y float64) bool {
	return math.Abs(x-y) >= changeTolerance
}

// UpdateEventStatus records an admin review decision.
func (s *Store) UpdateEventStatus(ctx context.Context, id string, status domain.EventStatus, comment string) (*domain.FraudEvent, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%q: %w", status, domain.ErrInvalidStatus)
	}
	if _, err := s.repo.GetEvent(ctx, id); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateEventStatus(ctx, id, status, comment, s.now()); err != nil {
		return nil, fmt.Errorf("failed to update status of event %s: %w", id, err)
	}
	event, err := s.repo.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}

	slog.Info("fraud event reviewed",
		"event_id", id,
		"shift_id", event.ShiftID,
		"status", status,
	)
	s.publish(ctx, event, ActionStatusChanged)
	return event, nil
}

// GetEvent returns an event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*domain.FraudEvent, error) {
	return s.repo.GetEvent(ctx, id)
}

// GetEventByShift returns the event of a shift.
func (s *Store) GetEventByShift(ctx context.Context, shiftID string) (*domain.FraudEvent, error) {
	return s.repo.GetEventByShift(ctx, shiftID)
}

// ListEvents returns events matching the filter, newest first.
func (s *Store) ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.FraudEvent, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%q: %w", filter.Status, domain.ErrInvalidStatus)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.ListEvents(ctx, filter)
}

// CountByStatus returns the number of events in every status, including
// statuses with no events.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.EventStatus]int, error) {
	counts, err := s.repo.CountEventsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.EventStatus]int, len(domain.AllEventStatuses()))
	for _, st := range domain.AllEventStatuses() {
		out[st] = counts[st]
	}
	return out, nil
}

// Report returns the data a PDF renderer needs for one event.
func (s *Store) Report(ctx context.Context, eventID string) (*domain.ShiftReport, error) {
	event, err := s.repo.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	shift, err := s.repo.GetShift(ctx, event.ShiftID)
	if err != nil {
		return nil, fmt.Errorf("failed to load shift %s for event %s: %w", event.ShiftID, eventID, err)
	}
	return &domain.ShiftReport{Event: event, Shift: shift}, nil
}

func (s *Store) publish(ctx context.Context, e *domain.FraudEvent, action Action) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.FraudEventMessage{
		EventID:   e.ID,
		ShiftID:   e.ShiftID,
		DriverID:  e.DriverID,
		RiskScore: e.RiskScore,
		RiskLevel: e.RiskLevel,
		Status:    e.Status,
		Action:    string(action),
	})
	if err != nil {
		slog.Error("failed to encode fraud event message", "event_id", e.ID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicFraudEvent, payload); err != nil {
		slog.Warn("failed to publish fraud event",
			"event_id", e.ID,
			"action", action,
			"error", err,
		)
	}
}
