package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"bike-counts/internal/models"
	"bike-counts/pkg/database"
	"bike-counts/pkg/logging"
	"bike-counts/pkg/metrics"
)

// BikeRepository provides data access for counter locations, their hourly
// history and the derived tables
type BikeRepository interface {
	// Location operations
	UpsertLocation(ctx context.Context, loc *models.Location) error
	GetLocation(ctx context.Context, slug string) (*models.Location, error)
	ListLocations(ctx context.Context) ([]*models.Location, error)

	// Hourly history (cache.HourlyCache)
	LatestReadingTime(ctx context.Context, slug string) (time.Time, bool, error)
	LoadHourly(ctx context.Context, slug string) ([]models.HourlyReading, error)
	SaveHourly(ctx context.Context, slug string, readings []models.HourlyReading) error

	// Derived tables (cache.AggregateSink)
	SaveAggregates(ctx context.Context, slug string, agg *models.Aggregates) error
	GetDailyTotals(ctx context.Context, filter DailyFilter) ([]*models.DailyTotal, int, error)
	GetWeekdayRollups(ctx context.Context, filter RollupFilter) ([]*models.WeekdayRollup, error)
	GetMonthRollups(ctx context.Context, filter RollupFilter) ([]*models.MonthRollup, error)
	GetRollingYearly(ctx context.Context, filter RollingFilter) ([]*models.RollingYearly, error)

	// Utility operations
	HealthCheck(ctx context.Context) error
}

// DailyFilter defines filters for querying daily totals
type DailyFilter struct {
	Slug      string
	Year      *int
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
	Offset    int
}

// RollupFilter narrows weekday and month rollups to one year
type RollupFilter struct {
	Slug string
	Year *int
}

// RollingFilter defines a date range on the rolling yearly table
type RollingFilter struct {
	Slug      string
	StartDate *time.Time
	EndDate   *time.Time
}

type bikeRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewBikeRepository creates a new bike repository
func NewBikeRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) BikeRepository {
	return &bikeRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// locationRow mirrors bike_locations; ignore_fields is a text[]
type locationRow struct {
	Slug             string         `db:"slug"`
	Name             string         `db:"name"`
	DatasetID        string         `db:"dataset_id"`
	TotalField       string         `db:"total_field"`
	TimestampField   string         `db:"timestamp_field"`
	TimeZone         string         `db:"time_zone"`
	RepairBrokenDays bool           `db:"repair_broken_days"`
	IgnoreFields     pq.StringArray `db:"ignore_fields"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r locationRow) toModel() *models.Location {
	return &models.Location{
		Name:             r.Name,
		Slug:             r.Slug,
		DatasetID:        r.DatasetID,
		TotalField:       r.TotalField,
		TimestampField:   r.TimestampField,
		TimeZone:         r.TimeZone,
		RepairBrokenDays: r.RepairBrokenDays,
		IgnoreFields:     []string(r.IgnoreFields),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

const locationColumns = `slug, name, dataset_id, total_field, timestamp_field, time_zone,
		       repair_broken_days, ignore_fields, created_at, updated_at`

// UpsertLocation creates the location or refreshes its mapping
func (r *bikeRepository) UpsertLocation(ctx context.Context, loc *models.Location) error {
	query := `
		INSERT INTO bike_locations (
			slug, name, dataset_id, total_field, timestamp_field, time_zone,
			repair_broken_days, ignore_fields, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			dataset_id = EXCLUDED.dataset_id,
			total_field = EXCLUDED.total_field,
			timestamp_field = EXCLUDED.timestamp_field,
			time_zone = EXCLUDED.time_zone,
			repair_broken_days = EXCLUDED.repair_broken_days,
			ignore_fields = EXCLUDED.ignore_fields,
			updated_at = EXCLUDED.updated_at
	`

	ignore := loc.IgnoreFields
	if ignore == nil {
		ignore = []string{}
	}

	_, err := r.db.ExecContext(ctx, "upsert_location", query,
		loc.Slug,
		loc.Name,
		loc.DatasetID,
		loc.TotalField,
		loc.TimestampField,
		loc.TimeZone,
		loc.RepairBrokenDays,
		pq.Array(ignore),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert location: %w", err)
	}

	r.logger.Debug(ctx, "[REPO_UPSERT_LOCATION] Location saved", logging.Fields{
		"slug":    loc.Slug,
		"dataset": loc.DatasetID,
	})
	return nil
}

// GetLocation retrieves a location by slug
func (r *bikeRepository) GetLocation(ctx context.Context, slug string) (*models.Location, error) {
	query := `SELECT ` + locationColumns + ` FROM bike_locations WHERE slug = $1`

	var row locationRow
	err := r.db.GetContext(ctx, "get_location", &row, query, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "bike_location", ID: slug}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}
	return row.toModel(), nil
}

// ListLocations retrieves every location ordered by slug
func (r *bikeRepository) ListLocations(ctx context.Context) ([]*models.Location, error) {
	query := `SELECT ` + locationColumns + ` FROM bike_locations ORDER BY slug`

	var rows []locationRow
	if err := r.db.SelectContext(ctx, "list_locations", &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}

	locations := make([]*models.Location, 0, len(rows))
	for _, row := range rows {
		locations = append(locations, row.toModel())
	}
	return locations, nil
}

// LatestReadingTime returns the newest hourly timestamp stored for slug
func (r *bikeRepository) LatestReadingTime(ctx context.Context, slug string) (time.Time, bool, error) {
	query := `SELECT MAX(observed_at) FROM hourly_readings WHERE location_slug = $1`

	var latest sql.NullTime
	if err := r.db.GetContext(ctx, "latest_reading", &latest, query, slug); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get latest reading: %w", err)
	}
	return latest.Time, latest.Valid, nil
}

const hourlyColumns = `location_slug, observed_at, total, channels, year, day_of_year, hour,
		       month, day_of_month, weekday, weekday_name, day_of_year_fractional`

// LoadHourly returns the cached history in (year, day_of_year, hour) order
func (r *bikeRepository) LoadHourly(ctx context.Context, slug string) ([]models.HourlyReading, error) {
	query := `
		SELECT ` + hourlyColumns + `
		FROM hourly_readings
		WHERE location_slug = $1
		ORDER BY year, day_of_year, hour
	`

	var readings []models.HourlyReading
	if err := r.db.SelectContext(ctx, "load_hourly", &readings, query, slug); err != nil {
		return nil, fmt.Errorf("failed to load hourly readings: %w", err)
	}
	return readings, nil
}

// SaveHourly replaces the location's hourly history in one transaction
func (r *bikeRepository) SaveHourly(ctx context.Context, slug string, readings []models.HourlyReading) error {
	start := time.Now()

	err := r.db.WithTx(ctx, "replace_hourly", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM hourly_readings WHERE location_slug = $1`, slug); err != nil {
			return fmt.Errorf("failed to clear hourly readings: %w", err)
		}
		return copyRows(ctx, tx, "hourly_readings", []string{
			"location_slug", "observed_at", "total", "channels", "year", "day_of_year", "hour",
			"month", "day_of_month", "weekday", "weekday_name", "day_of_year_fractional",
		}, len(readings), func(i int) ([]interface{}, error) {
			h := readings[i]
			channels, err := channelsJSON(h.Channels)
			if err != nil {
				return nil, err
			}
			return []interface{}{
				slug, h.Timestamp, h.Total, channels, h.Year, h.DayOfYear, h.Hour,
				h.Month, h.DayOfMonth, h.Weekday, h.WeekdayName, h.DayOfYearFractional,
			}, nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to save hourly readings: %w", err)
	}

	r.logger.Debug(ctx, "[REPO_SAVE_HOURLY] Hourly history replaced", logging.Fields{
		"slug":        slug,
		"count":       len(readings),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// SaveAggregates replaces all four derived tables of slug atomically
func (r *bikeRepository) SaveAggregates(ctx context.Context, slug string, agg *models.Aggregates) error {
	start := time.Now()

	err := r.db.WithTx(ctx, "replace_aggregates", func(tx *sqlx.Tx) error {
		for _, table := range []string{"daily_totals", "weekday_rollups", "month_rollups", "rolling_yearly"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE location_slug = $1`, slug); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		if err := copyRows(ctx, tx, "daily_totals", []string{
			"location_slug", "year", "day_of_year", "total", "channels", "weekday", "weekday_name",
			"day_of_month", "month", "date", "day_of_year_fractional", "repaired",
		}, len(agg.Daily), func(i int) ([]interface{}, error) {
			d := agg.Daily[i]
			channels, err := channelsJSON(d.Channels)
			if err != nil {
				return nil, err
			}
			return []interface{}{
				slug, d.Year, d.DayOfYear, d.Total, channels, d.Weekday, d.WeekdayName,
				d.DayOfMonth, d.Month, d.Date, d.DayOfYearFractional, d.Repaired,
			}, nil
		}); err != nil {
			return err
		}

		if err := copyRows(ctx, tx, "weekday_rollups", []string{
			"location_slug", "weekday", "year", "weekday_name", "mean_total", "std_dev_total", "days",
		}, len(agg.Weekday), func(i int) ([]interface{}, error) {
			w := agg.Weekday[i]
			return []interface{}{slug, w.Weekday, w.Year, w.WeekdayName, w.Mean, w.StdDev, w.Days}, nil
		}); err != nil {
			return err
		}

		if err := copyRows(ctx, tx, "month_rollups", []string{
			"location_slug", "month", "year", "month_name", "sum_total", "mean_total", "days",
		}, len(agg.Month), func(i int) ([]interface{}, error) {
			m := agg.Month[i]
			return []interface{}{slug, m.Month, m.Year, m.MonthName, m.Sum, m.Mean, m.Days}, nil
		}); err != nil {
			return err
		}

		return copyRows(ctx, tx, "rolling_yearly", []string{
			"location_slug", "year", "day_of_year", "date", "month", "day_of_month", "weekday", "rolling_total",
		}, len(agg.Rolling), func(i int) ([]interface{}, error) {
			ry := agg.Rolling[i]
			return []interface{}{slug, ry.Year, ry.DayOfYear, ry.Date, ry.Month, ry.DayOfMonth, ry.Weekday, ry.Total}, nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to save aggregates: %w", err)
	}

	r.logger.Debug(ctx, "[REPO_SAVE_AGGREGATES] Derived tables replaced", logging.Fields{
		"slug":        slug,
		"daily":       len(agg.Daily),
		"weekday":     len(agg.Weekday),
		"month":       len(agg.Month),
		"rolling":     len(agg.Rolling),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// GetDailyTotals retrieves daily totals with filtering and pagination
func (r *bikeRepository) GetDailyTotals(ctx context.Context, filter DailyFilter) ([]*models.DailyTotal, int, error) {
	query := `
		SELECT location_slug, year, day_of_year, total, channels, weekday, weekday_name,
		       day_of_month, month, date, day_of_year_fractional, repaired
		FROM daily_totals
		WHERE location_slug = $1
	`
	args := []interface{}{filter.Slug}
	argNum := 2

	if filter.Year != nil {
		query += fmt.Sprintf(" AND year = $%d", argNum)
		args = append(args, *filter.Year)
		argNum++
	}

	if filter.StartDate != nil {
		query += fmt.Sprintf(" AND date >= $%d", argNum)
		args = append(args, *filter.StartDate)
		argNum++
	}

	if filter.EndDate != nil {
		query += fmt.Sprintf(" AND date <= $%d", argNum)
		args = append(args, *filter.EndDate)
		argNum++
	}

	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS count_query"
	var totalCount int
	if err := r.db.GetContext(ctx, "count_daily", &totalCount, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count daily totals: %w", err)
	}

	query += " ORDER BY year, day_of_year"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	var daily []*models.DailyTotal
	if err := r.db.SelectContext(ctx, "get_daily", &daily, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to get daily totals: %w", err)
	}

	return daily, totalCount, nil
}

// GetWeekdayRollups retrieves weekday rollups ordered by (weekday, year)
func (r *bikeRepository) GetWeekdayRollups(ctx context.Context, filter RollupFilter) ([]*models.WeekdayRollup, error) {
	query := `
		SELECT location_slug, weekday, year, weekday_name, mean_total, std_dev_total, days
		FROM weekday_rollups
		WHERE location_slug = $1
	`
	args := []interface{}{filter.Slug}
	if filter.Year != nil {
		query += " AND year = $2"
		args = append(args, *filter.Year)
	}
	query += " ORDER BY weekday, year"

	var rollups []*models.WeekdayRollup
	if err := r.db.SelectContext(ctx, "get_weekday_rollups", &rollups, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get weekday rollups: %w", err)
	}
	return rollups, nil
}

// GetMonthRollups retrieves month rollups ordered by (month, year)
func (r *bikeRepository) GetMonthRollups(ctx context.Context, filter RollupFilter) ([]*models.MonthRollup, error) {
	query := `
		SELECT location_slug, month, year, month_name, sum_total, mean_total, days
		FROM month_rollups
		WHERE location_slug = $1
	`
	args := []interface{}{filter.Slug}
	if filter.Year != nil {
		query += " AND year = $2"
		args = append(args, *filter.Year)
	}
	query += " ORDER BY month, year"

	var rollups []*models.MonthRollup
	if err := r.db.SelectContext(ctx, "get_month_rollups", &rollups, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get month rollups: %w", err)
	}
	return rollups, nil
}

// GetRollingYearly retrieves the rolling yearly series in date order
func (r *bikeRepository) GetRollingYearly(ctx context.Context, filter RollingFilter) ([]*models.RollingYearly, error) {
	query := `
		SELECT location_slug, year, day_of_year, date, month, day_of_month, weekday, rolling_total
		FROM rolling_yearly
		WHERE location_slug = $1
	`
	args := []interface{}{filter.Slug}
	argNum := 2

	if filter.StartDate != nil {
		query += fmt.Sprintf(" AND date >= $%d", argNum)
		args = append(args, *filter.StartDate)
		argNum++
	}
	if filter.EndDate != nil {
		query += fmt.Sprintf(" AND date <= $%d", argNum)
		args = append(args, *filter.EndDate)
	}
	query += " ORDER BY year, day_of_year"

	var rolling []*models.RollingYearly
	if err := r.db.SelectContext(ctx, "get_rolling_yearly", &rolling, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get rolling yearly: %w", err)
	}
	return rolling, nil
}

// HealthCheck performs a repository health check
func (r *bikeRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// copyRows streams n rows into table with COPY FROM STDIN
func copyRows(ctx context.Context, tx *sqlx.Tx, table string, columns []string, n int, row func(i int) ([]interface{}, error)) error {
	if n == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
	if err != nil {
		return fmt.Errorf("failed to prepare copy into %s: %w", table, err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		values, err := row(i)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return fmt.Errorf("failed to copy row %d into %s: %w", i, table, err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to flush copy into %s: %w", table, err)
	}
	return nil
}

// channelsJSON renders counts as text so COPY does not bytea-encode them
func channelsJSON(c models.Counts) (string, error) {
	if c == nil {
		return "{}", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode channels: %w", err)
	}
	return string(data), nil
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) IsTransient() bool {
	return false
}
