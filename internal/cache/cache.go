// Package cache decides when a location's hourly history must be re-fetched
// and provides a flat-file store for runs without a database.
package cache

import (
	"context"
	"time"

	"bike-counts/internal/models"
)

// DefaultMaxAge is how old the newest cached reading may get before the
// history is considered stale.
const DefaultMaxAge = 25 * 24 * time.Hour

// HourlyCache stores a location's normalized hourly history
type HourlyCache interface {
	// LatestReadingTime returns the newest cached timestamp; ok is false when
	// nothing is cached for the location.
	LatestReadingTime(ctx context.Context, slug string) (latest time.Time, ok bool, err error)
	LoadHourly(ctx context.Context, slug string) ([]models.HourlyReading, error)
	// SaveHourly replaces the whole cached history of the location
	SaveHourly(ctx context.Context, slug string, readings []models.HourlyReading) error
}

// AggregateSink receives the derived tables of a pipeline run
type AggregateSink interface {
	SaveAggregates(ctx context.Context, slug string, agg *models.Aggregates) error
}

// Store is a cache that also keeps the derived tables
type Store interface {
	HourlyCache
	AggregateSink
}

// IsStale reports whether cached data with newest reading latest must be
// refreshed at now. Empty caches are stale, as are caches whose newest
// reading is from an earlier month or older than maxAge. Months are compared
// on the wall clock of tz; a nil tz uses the zone latest carries.
func IsStale(latest time.Time, ok bool, now time.Time, tz *time.Location, maxAge time.Duration) bool {
	if !ok || latest.IsZero() {
		return true
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if tz == nil {
		tz = latest.Location()
	}

	latest = latest.In(tz)
	now = now.In(tz)
	if latest.Year() != now.Year() || latest.Month() != now.Month() {
		return true
	}
	return now.Sub(latest) > maxAge
}

// Decision is the outcome of a freshness check, used as a metric label
type Decision string

const (
	Fresh  Decision = "fresh"
	Stale  Decision = "stale"
	Forced Decision = "forced"
)

// Check asks c for the newest reading of loc and classifies it in the
// location's own time zone. Backends may return timestamps in any zone.
func Check(ctx context.Context, c HourlyCache, loc models.Location, now time.Time, maxAge time.Duration, force bool) (Decision, error) {
	if force {
		return Forced, nil
	}
	tz, err := loc.TZ()
	if err != nil {
		return "", err
	}
	latest, ok, err := c.LatestReadingTime(ctx, loc.Slug)
	if err != nil {
		return "", err
	}
	if IsStale(latest, ok, now, tz, maxAge) {
		return Stale, nil
	}
	return Fresh, nil
}
