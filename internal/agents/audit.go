package agents

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/shiftwatch/internal/domain"
)

// Audit rule codes.
const (
	CodeRideEditedAfterClose = "RIDE_EDITED_AFTER_CLOSE"
	CodeBatchRideInsert      = "BATCH_RIDE_INSERT"
	CodeRideDeleteRecreate   = "RIDE_DELETE_RECREATE"
)

// HistoryReader reads the change log of a shift.
type HistoryReader interface {
	ListHistoryByShift(ctx context.Context, shiftID string, entity string) ([]*domain.HistoryEntry, error)
}

// AuditAgent inspects the ride change log for tampering patterns.
type AuditAgent struct {
	history HistoryReader

	CloseTolerance  time.Duration
	BatchWindow     time.Duration
	BatchMinInserts int
	BatchMinSpread  time.Duration
	RecreateWindow  time.Duration
}

// NewAuditAgent creates an audit agent with default windows.
func NewAuditAgent(history HistoryReader) *AuditAgent {
	return &AuditAgent{
		history:         history,
		CloseTolerance:  10 * time.Minute,
		BatchWindow:     2 * time.Minute,
		BatchMinInserts: 5,
		BatchMinSpread:  time.Hour,
		RecreateWindow:  5 * time.Minute,
	}
}

func (a *AuditAgent) Name() string  { return "audit" }
func (a *AuditAgent) RunOn() RunOn  { return RunOnBoth }
func (a *AuditAgent) Priority() int { return 70 }

// Analyze implements Agent.
func (a *AuditAgent) Analyze(ctx context.Context, ac *AnalysisContext) ([]domain.RuleHit, error) {
	entries, err := a.history.ListHistoryByShift(ctx, ac.Shift.ID, domain.EntityRide)
	if err != nil {
		return nil, fmt.Errorf("failed to load ride history: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].RecordedAt.Before(entries[j].RecordedAt)
	})

	var hits []domain.RuleHit
	if h := a.editedAfterClose(ac, entries); h != nil {
		hits = append(hits, *h)
	}
	if h := a.batchInsert(entries); h != nil {
		hits = append(hits, *h)
	}
	if h := a.deleteRecreate(entries); h != nil {
		hits = append(hits, *h)
	}
	return hits, nil
}

func (a *AuditAgent) editedAfterClose(ac *AnalysisContext, entries []*domain.HistoryEntry) *domain.RuleHit {
	if ac.Shift.EndTime == nil {
		return nil
	}
	limit := ac.Shift.EndTime.Add(a.CloseTolerance)

	var rideIDs []string
	for _, e := range entries {
		if e.RecordedAt.After(limit) {
			rideIDs = append(rideIDs, e.EntityID)
		}
	}
	if len(rideIDs) == 0 {
		return nil
	}
	return &domain.RuleHit{
		Code:        CodeRideEditedAfterClose,
		Label:       "Rides changed after shift close",
		Description: fmt.Sprintf("%d ride changes recorded more than %s after the shift ended", len(rideIDs), a.CloseTolerance),
		Severity:    domain.SeverityHigh,
		Score:       20,
		Confidence:  0.85,
		Evidence: map[string]any{
			"changes": len(rideIDs),
			"rideIds": rideIDs,
			"endTime": ac.Shift.EndTime,
		},
	}
}

// batchInsert finds the largest cluster of ride inserts recorded within
// BatchWindow whose ride timestamps span at least BatchMinSpread.
func (a *AuditAgent) batchInsert(entries []*domain.HistoryEntry) *domain.RuleHit {
	type insert struct {
		recorded time.Time
		rideAt   time.Time
	}
	var inserts []insert
	for _, e := range entries {
		if e.Action != domain.ActionCreate {
			continue
		}
		ride, ok := e.RideSnapshot()
		if !ok {
			continue
		}
		inserts = append(inserts, insert{recorded: e.RecordedAt, rideAt: ride.Timestamp})
	}

	bestCount := 0
	var bestSpread time.Duration
	var bestStart time.Time
	j := 0
	for i := range inserts {
		if j < i {
			j = i
		}
		for j+1 < len(inserts) && inserts[j+1].recorded.Sub(inserts[i].recorded) <= a.BatchWindow {
			j++
		}
		count := j - i + 1
		if count < a.BatchMinInserts || count <= bestCount {
			continue
		}
		earliest, latest := inserts[i].rideAt, inserts[i].rideAt
		for _, in := range inserts[i : j+1] {
			if in.rideAt.Before(earliest) {
				earliest = in.rideAt
			}
			if in.rideAt.After(latest) {
				latest = in.rideAt
			}
		}
		if spread := latest.Sub(earliest); spread >= a.BatchMinSpread {
			bestCount = count
			bestSpread = spread
			bestStart = inserts[i].recorded
		}
	}
	if bestCount == 0 {
		return nil
	}
	return &domain.RuleHit{
		Code:        CodeBatchRideInsert,
		Label:       "Rides inserted in batch",
		Description: fmt.Sprintf("%d rides spanning %s were entered within %s", bestCount, bestSpread.Round(time.Minute), a.BatchWindow),
		Severity:    domain.SeverityHigh,
		Score:       20,
		Confidence:  0.75,
		Evidence: map[string]any{
			"inserts":       bestCount,
			"spreadMinutes": math.Round(bestSpread.Minutes()),
			"recordedFrom":  bestStart,
		},
	}
}

func (a *AuditAgent) deleteRecreate(entries []*domain.HistoryEntry) *domain.RuleHit {
	var pairs []map[string]any
	used := make(map[string]bool)

	for i, del := range entries {
		if del.Action != domain.ActionDelete {
			continue
		}
		deleted, ok := del.RideSnapshot()
		if !ok {
			continue
		}
		for _, cr := range entries[i+1:] {
			if cr.RecordedAt.Sub(del.RecordedAt) > a.RecreateWindow {
				break
			}
			if cr.Action != domain.ActionCreate || cr.Actor != del.Actor || used[cr.ID] {
				continue
			}
			created, ok := cr.RideSnapshot()
			if !ok || math.Abs(created.Value-deleted.Value) >= 0.01 {
				continue
			}
			used[cr.ID] = true
			pairs = append(pairs, map[string]any{
				"deletedRideId": del.EntityID,
				"createdRideId": cr.EntityID,
				"value":         deleted.Value,
				"actor":         del.Actor,
			})
			break
		}
	}
	if len(pairs) == 0 {
		return nil
	}
	return &domain.RuleHit{
		Code:        CodeRideDeleteRecreate,
		Label:       "Ride deleted and recreated",
		Description: fmt.Sprintf("%d rides deleted and re-entered with the same value within %s", len(pairs), a.RecreateWindow),
		Severity:    domain.SeverityMedium,
		Score:       15,
		Confidence:  0.7,
		Evidence: map[string]any{
			"pairs": pairs,
		},
	}
}
