package domain

import (
	"encoding/json"
	"time"
)

// HistoryAction is the kind of change recorded.
type HistoryAction string

const (
	ActionCreate HistoryAction = "create"
	ActionUpdate HistoryAction = "update"
	ActionDelete HistoryAction = "delete"
)

// History entity names.
const (
	EntityShift   = "shift"
	EntityRide    = "ride"
	EntityExpense = "expense"
)

// HistoryEntry is one append-only before/after change record.
type HistoryEntry struct {
	ID         string          `json:"id"`
	Entity     string          `json:"entity"`
	EntityID   string          `json:"entityId"`
	ShiftID    string          `json:"shiftId"`
	Action     HistoryAction   `json:"action"`
	Actor      string          `json:"actor"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// RideSnapshot decodes a ride from the After (or Before) payload.
func (h *HistoryEntry) RideSnapshot() (*Ride, bool) {
	raw := h.After
	if h.Action == ActionDelete {
		raw = h.Before
	}
	if len(raw) == 0 {
		return nil, false
	}
	var r Ride
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false
	}
	return &r, true
}
