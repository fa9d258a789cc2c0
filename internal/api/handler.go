package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/shiftwatch/internal/domain"
	"github.com/opensource-finance/shiftwatch/internal/events"
	"github.com/opensource-finance/shiftwatch/internal/scheduler"
	"github.com/opensource-finance/shiftwatch/internal/shifts"
)

// Pinger is any backend the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Analyzer runs the fraud pipeline for one shift.
type Analyzer interface {
	Analyze(ctx context.Context, shiftID string) (*domain.ShiftAnalysis, error)
	AnalyzeAndSave(ctx context.Context, shiftID string) (*domain.ShiftAnalysis, events.SaveResult, error)
}

// ShiftService mutates shifts, rides and expenses.
type ShiftService interface {
	StartShift(ctx context.Context, in shifts.StartShiftInput) (*domain.Shift, error)
	FinishShift(ctx context.Context, shiftID string, in shifts.FinishShiftInput) (*domain.Shift, error)
	AddRide(ctx context.Context, shiftID string, in shifts.RideInput) (*domain.Ride, error)
	UpdateRide(ctx context.Context, rideID string, in shifts.RideInput) (*domain.Ride, error)
	DeleteRide(ctx context.Context, rideID, actor string) error
	AddExpense(ctx context.Context, shiftID string, in shifts.ExpenseInput) (*domain.Expense, error)
	DeleteExpense(ctx context.Context, expenseID, actor string) error
}

// EventStore reads fraud events and records reviews.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*domain.FraudEvent, error)
	ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.FraudEvent, error)
	CountByStatus(ctx context.Context) (map[domain.EventStatus]int, error)
	UpdateEventStatus(ctx context.Context, id string, status domain.EventStatus, comment string) (*domain.FraudEvent, error)
	Report(ctx context.Context, eventID string) (*domain.ShiftReport, error)
}

// HistoryReader reads the change log of a shift.
type HistoryReader interface {
	ListHistoryByShift(ctx context.Context, shiftID string, entity string) ([]*domain.HistoryEntry, error)
}

// Sweeper runs an on-demand fraud sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (scheduler.SweepResult, error)
}

// Deps holds the handler dependencies. Checks holds the backends probed by
// /health, keyed by name.
type Deps struct {
	Analyzer Analyzer
	Shifts   ShiftService
	Events   EventStore
	History  HistoryReader
	Sweeper  Sweeper
	Checks   map[string]Pinger
	Version  string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// Health returns server health status. A failing backend marks the server
// degraded without failing the probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := make(map[string]string, len(h.deps.Checks))
	for name, p := range h.deps.Checks {
		if err := p.Ping(r.Context()); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.deps.Version,
		"checks":  checks,
	})
}

// Ready reports whether every backend answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	for name, p := range h.deps.Checks {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready":   "false",
				"failing": name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// AnalyzeResponse is the response for POST /shifts/{id}/analyze.
type AnalyzeResponse struct {
	Analysis *domain.ShiftAnalysis `json:"analysis"`
	Action   events.Action         `json:"action,omitempty"`
	Event    *domain.FraudEvent    `json:"event,omitempty"`
	DryRun   bool                  `json:"dryRun"`
	TotalMs  int64                 `json:"totalMs"`
}

// AnalyzeShift runs the fraud pipeline for a shift. With ?dryRun=true the
// result is returned without touching the stored event.
func (h *Handler) AnalyzeShift(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	shiftID := chi.URLParam(r, "id")

	if r.URL.Query().Get("dryRun") == "true" {
		analysis, err := h.deps.Analyzer.Analyze(ctx, shiftID)
		if err != nil {
			writeError(w, err, "shift analysis failed", "shift_id", shiftID)
			return
		}
		writeJSON(w, http.StatusOK, AnalyzeResponse{
			Analysis: analysis,
			DryRun:   true,
			TotalMs:  time.Since(start).Milliseconds(),
		})
		return
	}

	analysis, res, err := h.deps.Analyzer.AnalyzeAndSave(ctx, shiftID)
	if err != nil {
		writeError(w, err, "shift analysis failed", "shift_id", shiftID)
		return
	}
	writeJSON(w, http.StatusOK, AnalyzeResponse{
		Analysis: analysis,
		Action:   res.Action,
		Event:    res.Event,
		TotalMs:  time.Since(start).Milliseconds(),
	})
}

// StartShift opens a shift.
func (h *Handler) StartShift(w http.ResponseWriter, r *http.Request) {
	var in shifts.StartShiftInput
	if !decode(w, r, &in) {
		return
	}
	in.Actor = GetActor(r.Context())

	shift, err := h.deps.Shifts.StartShift(r.Context(), in)
	if err != nil {
		writeError(w, err, "failed to start shift", "driver_id", in.DriverID)
		return
	}
	writeJSON(w, http.StatusCreated, shift)
}

// FinishShift closes an open shift.
func (h *Handler) FinishShift(w http.ResponseWriter, r *http.Request) {
	shiftID := chi.URLParam(r, "id")
	var in shifts.FinishShiftInput
	if !decode(w, r, &in) {
		return
	}
	in.Actor = GetActor(r.Context())

	shift, err := h.deps.Shifts.FinishShift(r.Context(), shiftID, in)
	if err != nil {
		writeError(w, err, "failed to finish shift", "shift_id", shiftID)
		return
	}
	writeJSON(w, http.StatusOK, shift)
}

// AddRide records a ride on a shift.
func (h *Handler) AddRide(w http.ResponseWriter, r *http.Request) {
	shiftID := chi.URLParam(r, "id")
	var in shifts.RideInput
	if !decode(w, r, &in) {
		return
	}
	in.Actor = GetActor(r.Context())

	ride, err := h.deps.Shifts.AddRide(r.Context(), shiftID, in)
	if err != nil {
		writeError(w, err, "failed to add ride", "shift_id", shiftID)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

// UpdateRide replaces a ride.
func (h *Handler) UpdateRide(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "id")
	var in shifts.RideInput
	if !decode(w, r, &in) {
		return
	}
	in.Actor = GetActor(r.Context())

	ride, err := h.deps.Shifts.UpdateRide(r.Context(), rideID, in)
	if err != nil {
		writeError(w, err, "failed to update ride", "ride_id", rideID)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// DeleteRide removes a ride.
func (h *Handler) DeleteRide(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "id")
	if err := h.deps.Shifts.DeleteRide(r.Context(), rideID, GetActor(r.Context())); err != nil {
		writeError(w, err, "failed to delete ride", "ride_id", rideID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddExpense records an expense on a shift.
func (h *Handler) AddExpense(w http.ResponseWriter, r *http.Request) {
	shiftID := chi.URLParam(r, "id")
	var in shifts.ExpenseInput
	if !decode(w, r, &in) {
		return
	}
	in.Actor = GetActor(r.Context())

	expense, err := h.deps.Shifts.AddExpense(r.Context(), shiftID, in)
	if err != nil {
		writeError(w, err, "failed to add expense", "shift_id", shiftID)
		return
	}
	writeJSON(w, http.StatusCreated, expense)
}

// DeleteExpense removes an expense.
func (h *Handler) DeleteExpense(w http.ResponseWriter, r *http.Request) {
	expenseID := chi.URLParam(r, "id")
	if err := h.deps.Shifts.DeleteExpense(r.Context(), expenseID, GetActor(r.Context())); err != nil {
		writeError(w, err, "failed to delete expense", "expense_id", expenseID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ShiftHistory returns the change log of a shift. ?entity narrows it to
// shift, ride or expense entries.
func (h *Handler) ShiftHistory(w http.ResponseWriter, r *http.Request) {
	shiftID := chi.URLParam(r, "id")
	entries, err := h.deps.History.ListHistoryByShift(r.Context(), shiftID, r.URL.Query().Get("entity"))
	if err != nil {
		writeError(w, err, "failed to list history", "shift_id", shiftID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history": entries,
		"count":   len(entries),
	})
}

// ListEvents returns fraud events, newest first. Supported query parameters:
// status, level, driverId, from, to (RFC 3339), limit, offset.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	list, err := h.deps.Events.ListEvents(r.Context(), filter)
	if err != nil {
		writeError(w, err, "failed to list fraud events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
	})
}

func parseFilter(r *http.Request) (domain.EventFilter, error) {
	q := r.URL.Query()
	filter := domain.EventFilter{
		Status:   domain.EventStatus(q.Get("status")),
		Level:    domain.RiskLevel(q.Get("level")),
		DriverID: q.Get("driverId"),
	}

	for key, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New(key + " must be an RFC 3339 timestamp")
		}
		*dst = &t
	}
	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New(key + " must be a non-negative integer")
		}
		*dst = n
	}
	return filter, nil
}

// EventStats returns the number of events per review status.
func (h *Handler) EventStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.deps.Events.CountByStatus(r.Context())
	if err != nil {
		writeError(w, err, "failed to count fraud events")
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"byStatus": counts,
		"total":    total,
	})
}

// GetEvent retrieves a fraud event by ID.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	event, err := h.deps.Events.GetEvent(r.Context(), eventID)
	if err != nil {
		writeError(w, err, "failed to get fraud event", "event_id", eventID)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// UpdateStatusRequest is the request body for PATCH /fraud-events/{id}/status.
type UpdateStatusRequest struct {
	Status  domain.EventStatus `json:"status"`
	Comment string             `json:"comment,omitempty"`
}

// UpdateEventStatus records an admin review decision.
func (h *Handler) UpdateEventStatus(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	var req UpdateStatusRequest
	if !decode(w, r, &req) {
		return
	}

	event, err := h.deps.Events.UpdateEventStatus(r.Context(), eventID, req.Status, req.Comment)
	if err != nil {
		writeError(w, err, "failed to update fraud event status", "event_id", eventID)
		return
	}

	slog.Info("fraud event status changed",
		"event_id", eventID,
		"status", req.Status,
		"actor", GetActor(r.Context()),
	)
	writeJSON(w, http.StatusOK, event)
}

// EventReport returns the event together with its shift, the input of the
// PDF report.
func (h *Handler) EventReport(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	report, err := h.deps.Events.Report(r.Context(), eventID)
	if err != nil {
		writeError(w, err, "failed to build fraud report", "event_id", eventID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Sweep runs a fraud sweep over open shifts now. A sweep already running
// anywhere makes this a no-op reported as skipped.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Sweeper.Sweep(r.Context())
	if err != nil {
		writeError(w, err, "manual sweep failed")
		return
	}
	status := http.StatusOK
	if res.Skipped {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrShiftAlreadyFinished),
		errors.Is(err, domain.ErrShiftNotOpen),
		errors.Is(err, domain.ErrDriverHasOpenShift):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs server errors and writes the mapped status. Internal error
// details are not returned to the client.
func writeError(w http.ResponseWriter, err error, msg string, attrs ...any) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error(msg, append(attrs, "error", err)...)
		writeJSON(w, status, map[string]string{
			"error": msg,
		})
		return
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
