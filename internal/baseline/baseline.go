// Package baseline computes driver and fleet reference values from recent
// shift history.
package baseline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/shiftwatch/internal/cache"
	"github.com/opensource-finance/shiftwatch/internal/domain"
)

// DemandHighRidesPerDriver is the hourly rides-per-open-driver rate above
// which fleet demand counts as high.
const DemandHighRidesPerDriver = 1.5

// Store is the history the builder reads.
type Store interface {
	ListFinishedShifts(ctx context.Context, since time.Time, driverID string) ([]*domain.Shift, error)
	ListOpenShifts(ctx context.Context) ([]*domain.Shift, error)
	ListRidesByShifts(ctx context.Context, shiftIDs []string) ([]*domain.Ride, error)
	ListRidesSince(ctx context.Context, since time.Time) ([]*domain.Ride, error)
}

// Builder computes baselines and memoises them in a cache.
type Builder struct {
	store  Store
	cache  domain.Cache
	ttl    time.Duration
	now    func() time.Time
	flight singleflight.Group
}

// NewBuilder creates a baseline builder. A nil cache disables memoisation.
func NewBuilder(store Store, c domain.Cache, ttl time.Duration) *Builder {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Builder{
		store: store,
		cache: c,
		ttl:   ttl,
		now:   time.Now,
	}
}

// cached wraps a baseline lookup. Absence is cached as JSON null so repeated
// misses do not rescan history. Cache failures fall through to compute.
// Concurrent misses for one key share a single computation, which keeps a
// sweep batch from rebuilding the same fleet baseline per shift.
func cached[T any](ctx context.Context, b *Builder, key string, compute func() (*T, error)) (*T, error) {
	if b.cache != nil {
		var v *T
		ok, err := cache.GetJSON(ctx, b.cache, key, &v)
		if err != nil {
			slog.Warn("baseline cache read failed", "key", key, "error", err)
		} else if ok {
			return v, nil
		}
	}

	res, err, _ := b.flight.Do(key, func() (any, error) {
		v, err := compute()
		if err != nil {
			return nil, err
		}
		if b.cache != nil {
			if err := cache.SetJSON(ctx, b.cache, key, v, b.ttl); err != nil {
				slog.Warn("baseline cache write failed", "key", key, "error", err)
			}
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*T), nil
}

// DriverBaseline returns the driver's 30-day averages over finished shifts,
// excluding excludeShiftID. Returns nil when fewer than MinBaselineSamples
// shifts with a positive duration exist.
func (b *Builder) DriverBaseline(ctx context.Context, driverID, excludeShiftID string) (*domain.DriverBaseline, error) {
	key := "baseline:driver:" + driverID + ":" + excludeShiftID
	return cached(ctx, b, key, func() (*domain.DriverBaseline, error) {
		return b.computeDriverBaseline(ctx, driverID, excludeShiftID)
	})
}

func (b *Builder) computeDriverBaseline(ctx context.Context, driverID, excludeShiftID string) (*domain.DriverBaseline, error) {
	since := b.now().Add(-domain.BaselineWindow)
	shifts, err := b.store.ListFinishedShifts(ctx, since, driverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shifts for driver %s: %w", driverID, err)
	}

	var (
		samples, kmSamples       int
		revPerHour, ridesPerHour float64
		revPerKm, revPerShift    float64
	)
	for _, s := range shifts {
		if s.ID == excludeShiftID {
			continue
		}
		hours := s.Duration(b.now()).Hours()
		if hours <= 0 {
			continue
		}
		samples++
		revPerHour += s.Totals.Gross / hours
		ridesPerHour += float64(s.Totals.RidesTotal) / hours
		revPerShift += s.Totals.Gross
		if km := s.KmTotal(); km > 0 {
			revPerKm += s.Totals.Gross / km
			kmSamples++
		}
	}

	if samples < domain.MinBaselineSamples {
		return nil, nil
	}

	baseline := &domain.DriverBaseline{
		DriverID:           driverID,
		SampleShifts:       samples,
		AvgRevenuePerHour:  revPerHour / float64(samples),
		AvgRidesPerHour:    ridesPerHour / float64(samples),
		AvgRevenuePerShift: revPerShift / float64(samples),
	}
	if kmSamples > 0 {
		baseline.AvgRevenuePerKm = revPerKm / float64(kmSamples)
	}
	return baseline, nil
}

// FleetBaseline returns the fleet's average rides and revenue in one
// (weekday, hour) slot over the last 30 days, counting only finished shifts
// that were running during that slot. excludeDriverID removes the driver
// under analysis. Returns nil when fewer than MinBaselineSamples shifts cover
// the slot.
func (b *Builder) FleetBaseline(ctx context.Context, weekday time.Weekday, hourSlot int, excludeDriverID string) (*domain.FleetBaseline, error) {
	if hourSlot < 0 || hourSlot > 23 {
		return nil, fmt.Errorf("hour slot %d out of range: %w", hourSlot, domain.ErrInvalidInput)
	}
	key := "baseline:fleet:" + strconv.Itoa(int(weekday)) + ":" + strconv.Itoa(hourSlot) + ":" + excludeDriverID
	return cached(ctx, b, key, func() (*domain.FleetBaseline, error) {
		return b.computeFleetBaseline(ctx, weekday, hourSlot, excludeDriverID)
	})
}

func (b *Builder) computeFleetBaseline(ctx context.Context, weekday time.Weekday, hourSlot int, excludeDriverID string) (*domain.FleetBaseline, error) {
	since := b.now().Add(-domain.BaselineWindow)
	shifts, err := b.store.ListFinishedShifts(ctx, since, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list fleet shifts: %w", err)
	}

	covering := make(map[string]bool)
	ids := make([]string, 0, len(shifts))
	for _, s := range shifts {
		if s.DriverID == excludeDriverID || s.EndTime == nil {
			continue
		}
		if coversSlot(s.StartTime, *s.EndTime, weekday, hourSlot) {
			covering[s.ID] = true
			ids = append(ids, s.ID)
		}
	}
	if len(ids) < domain.MinBaselineSamples {
		return nil, nil
	}

	rides, err := b.store.ListRidesByShifts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list fleet rides: %w", err)
	}

	var count, revenue float64
	for _, r := range rides {
		if !covering[r.ShiftID] {
			continue
		}
		if r.Timestamp.Weekday() == weekday && r.Timestamp.Hour() == hourSlot {
			count++
			revenue += r.Value
		}
	}

	n := float64(len(ids))
	return &domain.FleetBaseline{
		Weekday:      weekday,
		HourSlot:     hourSlot,
		SampleShifts: len(ids),
		AvgRides:     count / n,
		AvgRevenue:   revenue / n,
	}, nil
}

// coversSlot reports whether [start, end) overlaps an hour with the given
// weekday and hour of day.
func coversSlot(start, end time.Time, weekday time.Weekday, hour int) bool {
	for t := start.Truncate(time.Hour); t.Before(end); t = t.Add(time.Hour) {
		if t.Weekday() == weekday && t.Hour() == hour {
			return true
		}
	}
	return false
}

// FleetStats snapshots activity across open shifts. The snapshot is cached
// per minute.
func (b *Builder) FleetStats(ctx context.Context, now time.Time) (*domain.FleetStats, error) {
	key := "fleetstats:" + strconv.FormatInt(now.Truncate(time.Minute).Unix(), 10)
	return cached(ctx, b, key, func() (*domain.FleetStats, error) {
		return b.computeFleetStats(ctx, now)
	})
}

func (b *Builder) computeFleetStats(ctx context.Context, now time.Time) (*domain.FleetStats, error) {
	open, err := b.store.ListOpenShifts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open shifts: %w", err)
	}
	rides, err := b.store.ListRidesSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to list recent rides: %w", err)
	}

	drivers := make(map[string]struct{}, len(open))
	for _, s := range open {
		drivers[s.DriverID] = struct{}{}
	}

	stats := &domain.FleetStats{
		OpenDrivers: len(drivers),
		ComputedAt:  now,
	}

	var last15, last60 int
	values := make([]float64, 0, len(rides))
	cutoff15 := now.Add(-15 * time.Minute)
	for _, r := range rides {
		if r.Timestamp.After(now) {
			continue
		}
		last60++
		values = append(values, r.Value)
		if !r.Timestamp.Before(cutoff15) {
			last15++
		}
	}

	if stats.OpenDrivers > 0 {
		stats.RidesPerDriver15m = float64(last15) / float64(stats.OpenDrivers)
		stats.RidesPerDriver60m = float64(last60) / float64(stats.OpenDrivers)
	}
	stats.MedianRideValue = Median(values)
	stats.DemandHigh = stats.RidesPerDriver60m >= DemandHighRidesPerDriver
	return stats, nil
}

// Median returns the median of values, or 0 for an empty slice.
// The input is not modified.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
