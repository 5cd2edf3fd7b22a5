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

// RecordSource yields the full raw history of a location
type RecordSource interface {
	FetchAll(ctx context.Context, loc models.Location) ([]models.RawRecord, error)
}

// FetchError reports a failure of the upstream record source
type FetchError struct {
	Dataset string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch raw records for %s: %v", e.Dataset, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IngestionService produces a location's normalized hourly history, from the
// cache when it is fresh and from the open data source otherwise
type IngestionService struct {
	source  RecordSource
	cache   cache.HourlyCache
	maxAge  time.Duration
	now     func() time.Time
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// IngestionResult contains ingestion statistics
type IngestionResult struct {
	Decision   cache.Decision
	RawRecords int
	HourlyRows int
	Latest     time.Time
	Hourly     []models.HourlyReading
	Duration   time.Duration
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(source RecordSource, hourlyCache cache.HourlyCache, maxAge time.Duration, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *IngestionService {
	return &IngestionService{
		source:  source,
		cache:   hourlyCache,
		maxAge:  maxAge,
		now:     time.Now,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Ingest returns the hourly history of loc. With force the cache is bypassed.
func (s *IngestionService) Ingest(ctx context.Context, loc models.Location, force bool) (*IngestionResult, error) {
	startTime := time.Now()

	decision, err := cache.Check(ctx, s.cache, loc, s.now(), s.maxAge, force)
	if err != nil {
		return nil, fmt.Errorf("failed to check cache: %w", err)
	}
	s.metrics.RecordCacheLookup(loc.Slug, string(decision))

	s.logger.Info(ctx, "[INGEST_START] Starting ingestion", logging.Fields{
		"dataset":  loc.DatasetID,
		"decision": string(decision),
		"stage":    "INITIALIZATION",
	})

	result := &IngestionResult{Decision: decision}

	if decision == cache.Fresh {
		hourly, err := s.cache.LoadHourly(ctx, loc.Slug)
		if err != nil {
			return nil, fmt.Errorf("failed to load cached readings: %w", err)
		}
		result.Hourly = hourly
	} else {
		records, err := s.source.FetchAll(ctx, loc)
		if err != nil {
			return nil, &FetchError{Dataset: loc.DatasetID, Err: err}
		}
		result.RawRecords = len(records)

		timer := s.metrics.StageTimer("normalize", loc.Slug)
		hourly, err := pipeline.Normalize(records, loc)
		timer.ObserveDuration()
		if err != nil {
			return nil, err
		}
		s.metrics.HourlyRowsNormalized.WithLabelValues(loc.Slug).Add(float64(len(hourly)))

		if err := s.cache.SaveHourly(ctx, loc.Slug, hourly); err != nil {
			return nil, fmt.Errorf("failed to cache readings: %w", err)
		}
		result.Hourly = hourly
	}

	result.HourlyRows = len(result.Hourly)
	if n := len(result.Hourly); n > 0 {
		result.Latest = result.Hourly[n-1].Timestamp
	}
	result.Duration = time.Since(startTime)

	s.logger.Info(ctx, "[INGEST_COMPLETE] Hourly history ready", logging.Fields{
		"decision":    string(decision),
		"raw_records": result.RawRecords,
		"hourly_rows": result.HourlyRows,
		"latest":      result.Latest,
		"duration_ms": result.Duration.Milliseconds(),
		"stage":       "COMPLETE",
	})

	return result, nil
}
