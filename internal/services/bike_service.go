package services

import (
	"context"
	"math"

	"bike-counts/internal/models"
	"bike-counts/internal/repository"
	"bike-counts/pkg/logging"
	"bike-counts/pkg/metrics"
)

// BikeService answers read queries over the stored tables. Location names
// are resolved through the registry, so unknown names fail before any query.
type BikeService struct {
	repo     repository.BikeRepository
	registry *models.LocationRegistry
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
}

// NewBikeService creates a new bike service
func NewBikeService(repo repository.BikeRepository, registry *models.LocationRegistry, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *BikeService {
	return &BikeService{
		repo:     repo,
		registry: registry,
		logger:   logger,
		metrics:  metricsCollector,
	}
}

// Resolve returns the registered location for a slug or display name
func (s *BikeService) Resolve(name string) (models.Location, error) {
	return s.registry.Lookup(name)
}

// GetLocations retrieves all stored counter locations
func (s *BikeService) GetLocations(ctx context.Context) ([]*models.Location, error) {
	return s.repo.ListLocations(ctx)
}

// GetDailyTotals retrieves daily totals with filtering
func (s *BikeService) GetDailyTotals(ctx context.Context, name string, filter repository.DailyFilter) ([]*models.DailyTotal, int, error) {
	loc, err := s.registry.Lookup(name)
	if err != nil {
		return nil, 0, err
	}
	filter.Slug = loc.Slug
	return s.repo.GetDailyTotals(ctx, filter)
}

// GetWeekdayRollups retrieves weekday rollups, optionally for one year
func (s *BikeService) GetWeekdayRollups(ctx context.Context, name string, year *int) ([]*models.WeekdayRollup, error) {
	loc, err := s.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	return s.repo.GetWeekdayRollups(ctx, repository.RollupFilter{Slug: loc.Slug, Year: year})
}

// GetMonthRollups retrieves month rollups, optionally for one year
func (s *BikeService) GetMonthRollups(ctx context.Context, name string, year *int) ([]*models.MonthRollup, error) {
	loc, err := s.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	return s.repo.GetMonthRollups(ctx, repository.RollupFilter{Slug: loc.Slug, Year: year})
}

// GetRollingYearly retrieves the trailing-year series within a date range
func (s *BikeService) GetRollingYearly(ctx context.Context, name string, filter repository.RollingFilter) ([]*models.RollingYearly, error) {
	loc, err := s.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	filter.Slug = loc.Slug
	return s.repo.GetRollingYearly(ctx, filter)
}

// GetAggregates loads every derived table of a location
func (s *BikeService) GetAggregates(ctx context.Context, name string) (models.Location, *models.Aggregates, error) {
	loc, err := s.registry.Lookup(name)
	if err != nil {
		return models.Location{}, nil, err
	}

	daily, _, err := s.repo.GetDailyTotals(ctx, repository.DailyFilter{Slug: loc.Slug, Limit: math.MaxInt32})
	if err != nil {
		return loc, nil, err
	}
	weekday, err := s.repo.GetWeekdayRollups(ctx, repository.RollupFilter{Slug: loc.Slug})
	if err != nil {
		return loc, nil, err
	}
	month, err := s.repo.GetMonthRollups(ctx, repository.RollupFilter{Slug: loc.Slug})
	if err != nil {
		return loc, nil, err
	}
	rolling, err := s.repo.GetRollingYearly(ctx, repository.RollingFilter{Slug: loc.Slug})
	if err != nil {
		return loc, nil, err
	}

	agg := &models.Aggregates{
		Daily:   make([]models.DailyTotal, 0, len(daily)),
		Weekday: make([]models.WeekdayRollup, 0, len(weekday)),
		Month:   make([]models.MonthRollup, 0, len(month)),
		Rolling: make([]models.RollingYearly, 0, len(rolling)),
	}
	for _, d := range daily {
		agg.Daily = append(agg.Daily, *d)
	}
	for _, w := range weekday {
		agg.Weekday = append(agg.Weekday, *w)
	}
	for _, m := range month {
		agg.Month = append(agg.Month, *m)
	}
	for _, r := range rolling {
		agg.Rolling = append(agg.Rolling, *r)
	}

	s.logger.Debug(ctx, "[QUERY_AGGREGATES] Loaded derived tables", logging.Fields{
		"location":     loc.Slug,
		"daily_rows":   len(agg.Daily),
		"rolling_rows": len(agg.Rolling),
	})

	return loc, agg, nil
}

// HealthCheck checks the backing store
func (s *BikeService) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}
