package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// TotalField is the canonical name of the count every location is mapped onto
const TotalField = "total"

// RawRecord is one hourly record exactly as delivered by the open-data API.
// Values are strings, json.Number, float64, int or nil.
type RawRecord map[string]interface{}

// Counts holds per-channel counts (e.g. one per travel direction).
// Stored as JSONB so locations with different channel sets share one table.
type Counts map[string]int64

// Value implements driver.Valuer
func (c Counts) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner
func (c *Counts) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*c = Counts{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Counts", src)
	}
	out := Counts{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("failed to decode counts: %w", err)
	}
	*c = out
	return nil
}

// Clone returns an independent copy
func (c Counts) Clone() Counts {
	out := make(Counts, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// HourlyReading is one normalized observation per counter per hour
type HourlyReading struct {
	LocationSlug        string    `json:"location" db:"location_slug"`
	Timestamp           time.Time `json:"timestamp" db:"observed_at"`
	Total               int64     `json:"total" db:"total"`
	Channels            Counts    `json:"channels" db:"channels"`
	Year                int       `json:"year" db:"year"`
	DayOfYear           int       `json:"day_of_year" db:"day_of_year"`
	Hour                int       `json:"hour" db:"hour"`
	Month               int       `json:"month" db:"month"`
	DayOfMonth          int       `json:"day_of_month" db:"day_of_month"`
	Weekday             int       `json:"weekday" db:"weekday"`
	WeekdayName         string    `json:"weekday_name" db:"weekday_name"`
	DayOfYearFractional float64   `json:"day_of_year_fractional" db:"day_of_year_fractional"`
}

// HourKey identifies a reading within a location's history
type HourKey struct {
	Year      int
	DayOfYear int
	Hour      int
}

// Key returns the (year, day_of_year, hour) key
func (h HourlyReading) Key() HourKey {
	return HourKey{Year: h.Year, DayOfYear: h.DayOfYear, Hour: h.Hour}
}

// DayKey identifies a calendar day
type DayKey struct {
	Year      int
	DayOfYear int
}

// Less orders day keys chronologically
func (k DayKey) Less(o DayKey) bool {
	if k.Year != o.Year {
		return k.Year < o.Year
	}
	return k.DayOfYear < o.DayOfYear
}

// DailyTotal is one row per calendar day per location.
// Total may differ from the sum of Channels when Repaired is set.
type DailyTotal struct {
	LocationSlug        string    `json:"location" db:"location_slug"`
	Year                int       `json:"year" db:"year"`
	DayOfYear           int       `json:"day_of_year" db:"day_of_year"`
	Total               int64     `json:"total" db:"total"`
	Channels            Counts    `json:"channels" db:"channels"`
	Weekday             int       `json:"weekday" db:"weekday"`
	WeekdayName         string    `json:"weekday_name" db:"weekday_name"`
	DayOfMonth          int       `json:"day_of_month" db:"day_of_month"`
	Month               int       `json:"month" db:"month"`
	Date                time.Time `json:"date" db:"date"`
	DayOfYearFractional float64   `json:"day_of_year_fractional" db:"day_of_year_fractional"`
	Repaired            bool      `json:"repaired" db:"repaired"`
}

// Key returns the (year, day_of_year) key
func (d DailyTotal) Key() DayKey {
	return DayKey{Year: d.Year, DayOfYear: d.DayOfYear}
}

// WeekdayRollup summarizes one weekday within one year
type WeekdayRollup struct {
	LocationSlug string   `json:"location" db:"location_slug"`
	Weekday      int      `json:"weekday" db:"weekday"`
	Year         int      `json:"year" db:"year"`
	WeekdayName  string   `json:"weekday_name" db:"weekday_name"`
	Mean         float64  `json:"mean" db:"mean_total"`
	StdDev       *float64 `json:"std_dev" db:"std_dev_total"` // nil for single-day groups
	Days         int      `json:"days" db:"days"`
}

// StdDevOrNaN returns the sample standard deviation, or NaN when undefined
func (w WeekdayRollup) StdDevOrNaN() float64 {
	if w.StdDev == nil {
		return math.NaN()
	}
	return *w.StdDev
}

// MonthRollup summarizes one month within one year
type MonthRollup struct {
	LocationSlug string  `json:"location" db:"location_slug"`
	Month        int     `json:"month" db:"month"`
	Year         int     `json:"year" db:"year"`
	MonthName    string  `json:"month_name" db:"month_name"`
	Sum          int64   `json:"sum" db:"sum_total"`
	Mean         float64 `json:"mean" db:"mean_total"`
	Days         int     `json:"days" db:"days"`
}

// RollingYearly holds the trailing 365-day sum ending on Date.
// Total is nil until 365 days of history are available.
type RollingYearly struct {
	LocationSlug string    `json:"location" db:"location_slug"`
	Year         int       `json:"year" db:"year"`
	DayOfYear    int       `json:"day_of_year" db:"day_of_year"`
	Date         time.Time `json:"date" db:"date"`
	Month        int       `json:"month" db:"month"`
	DayOfMonth   int       `json:"day_of_month" db:"day_of_month"`
	Weekday      int       `json:"weekday" db:"weekday"`
	Total        *int64    `json:"total" db:"rolling_total"`
}

// Aggregates bundles everything derived from a location's hourly history
type Aggregates struct {
	Daily   []DailyTotal
	Weekday []WeekdayRollup
	Month   []MonthRollup
	Rolling []RollingYearly
}
