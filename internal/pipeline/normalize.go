// Package pipeline turns raw hourly counter records into daily totals,
// repairs outage days and derives the weekday, month and rolling-year rollups.
// Every stage is a pure function returning a new table.
package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"bike-counts/internal/models"
)

// timestampLayouts are tried in order; Socrata floating timestamps come first
var timestampLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"01/02/2006 03:04:05 PM",
}

// Normalize converts raw records into the sorted HourlyReading table.
// Readings that repeat an hour with identical counts are dropped; readings
// that repeat an hour with different counts (the doubled wall-clock hour at
// the autumn DST switch) are summed.
func Normalize(records []models.RawRecord, loc models.Location) ([]models.HourlyReading, error) {
	if len(records) == 0 {
		return nil, &models.EmptyInputError{Location: loc.Slug}
	}

	tz, err := loc.TZ()
	if err != nil {
		return nil, err
	}

	byHour := make(map[models.HourKey]int, len(records))
	seen := make(map[string]struct{}, len(records))
	readings := make([]models.HourlyReading, 0, len(records))
	totalSeen := false

	for i, rec := range records {
		reading, hasTotal, err := normalizeRecord(i, rec, loc, tz)
		if err != nil {
			return nil, err
		}
		totalSeen = totalSeen || hasTotal

		fp := fingerprint(reading)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}

		if idx, ok := byHour[reading.Key()]; ok {
			merged := &readings[idx]
			merged.Total += reading.Total
			for ch, v := range reading.Channels {
				merged.Channels[ch] += v
			}
			continue
		}

		byHour[reading.Key()] = len(readings)
		readings = append(readings, reading)
	}

	if !totalSeen {
		return nil, &models.MalformedInputError{
			Location: loc.Slug,
			Record:   -1,
			Field:    loc.TotalField,
			Message:  fmt.Sprintf("count field %q not present in any record", loc.TotalField),
		}
	}

	sort.Slice(readings, func(i, j int) bool {
		a, b := readings[i], readings[j]
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.DayOfYear != b.DayOfYear {
			return a.DayOfYear < b.DayOfYear
		}
		return a.Hour < b.Hour
	})

	return readings, nil
}

func normalizeRecord(idx int, rec models.RawRecord, loc models.Location, tz *time.Location) (models.HourlyReading, bool, error) {
	malformed := func(field string, value interface{}, msg string) error {
		return &models.MalformedInputError{
			Location: loc.Slug,
			Record:   idx,
			Field:    field,
			Value:    fmt.Sprint(value),
			Message:  msg,
		}
	}

	rawTS, ok := rec[loc.TimestampField]
	if !ok || rawTS == nil {
		return models.HourlyReading{}, false, malformed(loc.TimestampField, "", "missing timestamp")
	}
	tsText, ok := rawTS.(string)
	if !ok {
		return models.HourlyReading{}, false, malformed(loc.TimestampField, rawTS, "timestamp is not a string")
	}
	wall, err := parseWallClock(tsText)
	if err != nil {
		return models.HourlyReading{}, false, malformed(loc.TimestampField, tsText, "unparseable timestamp")
	}

	reading := newHourlyReading(wall, tz)
	reading.LocationSlug = loc.Slug
	reading.Channels = models.Counts{}

	hasTotal := false
	for field, raw := range rec {
		if field == loc.TimestampField || loc.Ignores(field) {
			continue
		}
		if field == models.TotalField && loc.TotalField != models.TotalField {
			return models.HourlyReading{}, false, malformed(field, raw, "raw field collides with canonical total")
		}

		n, err := toCount(raw)
		if err != nil {
			return models.HourlyReading{}, false, malformed(field, raw, err.Error())
		}

		if field == loc.TotalField {
			hasTotal = true
			reading.Total = n
			continue
		}
		reading.Channels[field] = n
	}

	return reading, hasTotal, nil
}

// parseWallClock returns the naive wall-clock time carried in UTC
func parseWallClock(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if layout == time.RFC3339Nano {
			// keep the offset's wall clock, not the UTC instant
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("no layout matched %q", s)
}

// newHourlyReading derives calendar fields from the wall clock so a
// nonexistent spring-forward hour keeps its own hour slot.
func newHourlyReading(wall time.Time, tz *time.Location) models.HourlyReading {
	wall = wall.Truncate(time.Hour)
	doy := wall.YearDay()
	return models.HourlyReading{
		Timestamp:           time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), 0, 0, 0, tz),
		Year:                wall.Year(),
		DayOfYear:           doy,
		Hour:                wall.Hour(),
		Month:               int(wall.Month()),
		DayOfMonth:          wall.Day(),
		Weekday:             MondayFirst(wall.Weekday()),
		WeekdayName:         wall.Weekday().String(),
		DayOfYearFractional: float64(doy) + float64(wall.Hour())/24.0,
	}
}

// MondayFirst maps time.Weekday (Sunday=0) to 0=Monday..6=Sunday
func MondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func toCount(raw interface{}) (int64, error) {
	var f float64
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case float64:
		f = v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return checkCount(n)
		}
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("not numeric")
		}
		f = parsed
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return checkCount(n)
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric")
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported value type %T", raw)
	}

	if math.IsNaN(f) {
		return 0, nil
	}
	if math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("not an integer count")
	}
	return checkCount(int64(f))
}

func checkCount(n int64) (int64, error) {
	if n < 0 {
		return 0, fmt.Errorf("negative count")
	}
	return n, nil
}

func fingerprint(r models.HourlyReading) string {
	keys := make([]string, 0, len(r.Channels))
	for k := range r.Channels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d/%d|%d", r.Year, r.DayOfYear, r.Hour, r.Total)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%d", k, r.Channels[k])
	}
	return b.String()
}
