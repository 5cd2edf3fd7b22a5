package services

import (
	"context"
	"fmt"
	"time"

	"bike-counts/internal/cache"
	"bike-counts/internal/models"
	"bike-counts/internal/pipeline"
	"bike-counts/pkg/logging"
	"bike-counts/pkg/metrics"
)

// StatisticsService turns hourly history into the daily and rollup tables
type StatisticsService struct {
	sink    cache.AggregateSink
	policy  pipeline.HistoryPolicy
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// StatisticsResult summarizes one calculation
type StatisticsResult struct {
	Aggregates *models.Aggregates
	Repair     *pipeline.RepairReport
	Duration   time.Duration
}

// NewStatisticsService creates a new statistics service. sink may be nil
// when the tables are only needed in memory.
func NewStatisticsService(sink cache.AggregateSink, policy pipeline.HistoryPolicy, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *StatisticsService {
	if policy == "" {
		policy = pipeline.LeaveZero
	}
	return &StatisticsService{
		sink:    sink,
		policy:  policy,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Calculate aggregates, repairs (when enabled for the location) and rolls up
// hourly, then persists the result
func (s *StatisticsService) Calculate(ctx context.Context, loc models.Location, hourly []models.HourlyReading) (*StatisticsResult, error) {
	startTime := time.Now()

	s.logger.Info(ctx, "[STATS_CALC_START] Starting statistics calculation", logging.Fields{
		"hourly_rows": len(hourly),
		"repair":      loc.RepairBrokenDays,
		"stage":       "INITIALIZATION",
	})

	timer := s.metrics.StageTimer("aggregate", loc.Slug)
	daily := pipeline.AggregateDaily(hourly)
	timer.ObserveDuration()

	result := &StatisticsResult{}

	if loc.RepairBrokenDays {
		timer = s.metrics.StageTimer("repair", loc.Slug)
		repaired, report, err := pipeline.RepairBrokenDays(daily, pipeline.RepairPolicy{
			Location:              loc.Slug,
			OnInsufficientHistory: s.policy,
		})
		timer.ObserveDuration()
		if err != nil {
			return nil, err
		}
		daily = repaired
		result.Repair = report

		s.metrics.RecordRepair(loc.Slug, len(report.Repaired), len(report.Unrepaired))
		for _, u := range report.Unrepaired {
			s.logger.Warn(ctx, "[STATS_REPAIR_SKIPPED] Broken day has no prior-year history", logging.Fields{
				"year":        u.Year,
				"day_of_year": u.DayOfYear,
				"weekday":     u.Weekday,
			})
		}
		s.logger.Info(ctx, "[STATS_REPAIR] Broken days repaired", logging.Fields{
			"broken":     report.Broken,
			"repaired":   len(report.Repaired),
			"unrepaired": len(report.Unrepaired),
			"stage":      "REPAIR",
		})
	}

	timer = s.metrics.StageTimer("rollup", loc.Slug)
	rollups, err := pipeline.BuildRollups(ctx, daily)
	timer.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("failed to build rollups: %w", err)
	}

	result.Aggregates = &models.Aggregates{
		Daily:   daily,
		Weekday: rollups.Weekday,
		Month:   rollups.Month,
		Rolling: rollups.Rolling,
	}

	if s.sink != nil {
		timer = s.metrics.StageTimer("persist", loc.Slug)
		err := s.sink.SaveAggregates(ctx, loc.Slug, result.Aggregates)
		timer.ObserveDuration()
		if err != nil {
			return nil, fmt.Errorf("failed to save aggregates: %w", err)
		}
	}

	result.Duration = time.Since(startTime)

	s.logger.Info(ctx, "[STATS_CALC_COMPLETE] Statistics calculation completed", logging.Fields{
		"daily_rows":       len(daily),
		"weekday_rows":     len(rollups.Weekday),
		"month_rows":       len(rollups.Month),
		"rolling_rows":     len(rollups.Rolling),
		"duration_seconds": result.Duration.Seconds(),
		"stage":            "COMPLETE",
	})

	return result, nil
}
