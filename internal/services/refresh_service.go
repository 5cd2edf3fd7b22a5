package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bike-counts/internal/models"
	"bike-counts/pkg/logging"
	"bike-counts/pkg/metrics"
)

// ErrRefreshInProgress is returned when a location is already being refreshed
var ErrRefreshInProgress = errors.New("refresh already in progress")

// RefreshService runs the full pipeline for registered locations. At most one
// run per location is in flight at a time.
type RefreshService struct {
	registry   *models.LocationRegistry
	ingestion  *IngestionService
	statistics *StatisticsService
	logger     *logging.StructuredLogger
	metrics    *metrics.Collector

	mu      sync.Mutex
	running map[string]struct{}
}

// RefreshResult describes one pipeline run
type RefreshResult struct {
	RunID      string
	Location   models.Location
	Ingestion  *IngestionResult
	Statistics *StatisticsResult
	Duration   time.Duration
}

// NewRefreshService creates a new refresh service
func NewRefreshService(registry *models.LocationRegistry, ingestion *IngestionService, statistics *StatisticsService, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *RefreshService {
	return &RefreshService{
		registry:   registry,
		ingestion:  ingestion,
		statistics: statistics,
		logger:     logger,
		metrics:    metricsCollector,
		running:    make(map[string]struct{}),
	}
}

// Refresh runs the pipeline for the location named by a slug or display name
func (s *RefreshService) Refresh(ctx context.Context, name string, force bool) (*RefreshResult, error) {
	loc, err := s.registry.Lookup(name)
	if err != nil {
		return nil, err
	}

	if !s.acquire(loc.Slug) {
		return nil, ErrRefreshInProgress
	}
	defer s.release(loc.Slug)

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	ctx = logging.WithLocation(ctx, loc.Slug)
	startTime := time.Now()

	s.logger.Info(ctx, "[REFRESH_START] Starting pipeline run", logging.Fields{
		"name":  loc.Name,
		"force": force,
	})

	ingested, err := s.ingestion.Ingest(ctx, loc, force)
	if err != nil {
		s.logger.Error(ctx, "[REFRESH_ERROR] Ingestion failed", logging.Fields{"stage": "INGEST"}, err)
		return nil, err
	}

	stats, err := s.statistics.Calculate(ctx, loc, ingested.Hourly)
	if err != nil {
		s.logger.Error(ctx, "[REFRESH_ERROR] Statistics calculation failed", logging.Fields{"stage": "STATISTICS"}, err)
		return nil, err
	}

	s.metrics.LastRefreshTimestamp.WithLabelValues(loc.Slug).SetToCurrentTime()

	result := &RefreshResult{
		RunID:      runID,
		Location:   loc,
		Ingestion:  ingested,
		Statistics: stats,
		Duration:   time.Since(startTime),
	}

	s.logger.Info(ctx, "[REFRESH_COMPLETE] Pipeline run finished", logging.Fields{
		"decision":    string(ingested.Decision),
		"daily_rows":  len(stats.Aggregates.Daily),
		"duration_ms": result.Duration.Milliseconds(),
	})

	return result, nil
}

// RefreshAll refreshes every registered location in order. A failing
// location does not stop the others; all failures are joined.
func (s *RefreshService) RefreshAll(ctx context.Context, force bool) ([]*RefreshResult, error) {
	var results []*RefreshResult
	var errs []error

	for _, loc := range s.registry.All() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		result, err := s.Refresh(ctx, loc.Slug, force)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", loc.Slug, err))
			continue
		}
		results = append(results, result)
	}

	return results, errors.Join(errs...)
}

// Locations returns the registered locations
func (s *RefreshService) Locations() []models.Location {
	return s.registry.All()
}

func (s *RefreshService) acquire(slug string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[slug]; busy {
		return false
	}
	s.running[slug] = struct{}{}
	return true
}

func (s *RefreshService) release(slug string) {
	s.mu.Lock()
	delete(s.running, slug)
	s.mu.Unlock()
}
