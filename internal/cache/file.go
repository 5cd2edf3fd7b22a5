package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bike-counts/internal/models"
)

// FileCache keeps one JSON document per location under dir:
// <slug>.hourly.json for the history and <slug>.aggregates.json for the
// derived tables.
type FileCache struct {
	dir string
	mu  sync.RWMutex
}

type hourlyDocument struct {
	Location string                 `json:"location"`
	SavedAt  time.Time              `json:"saved_at"`
	Latest   time.Time              `json:"latest"`
	Readings []models.HourlyReading `json:"readings"`
}

type aggregatesDocument struct {
	Location string                 `json:"location"`
	SavedAt  time.Time              `json:"saved_at"`
	Daily    []models.DailyTotal    `json:"daily"`
	Weekday  []models.WeekdayRollup `json:"weekday"`
	Month    []models.MonthRollup   `json:"month"`
	Rolling  []models.RollingYearly `json:"rolling"`
}

// NewFileCache creates dir if needed
func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &FileCache{dir: dir}, nil
}

func (f *FileCache) hourlyPath(slug string) string {
	return filepath.Join(f.dir, slug+".hourly.json")
}

func (f *FileCache) aggregatesPath(slug string) string {
	return filepath.Join(f.dir, slug+".aggregates.json")
}

// LatestReadingTime implements HourlyCache
func (f *FileCache) LatestReadingTime(ctx context.Context, slug string) (time.Time, bool, error) {
	doc, ok, err := f.readHourly(slug)
	if err != nil || !ok || len(doc.Readings) == 0 {
		return time.Time{}, false, err
	}
	return doc.Latest, true, nil
}

// LoadHourly implements HourlyCache. A missing file yields no readings.
func (f *FileCache) LoadHourly(ctx context.Context, slug string) ([]models.HourlyReading, error) {
	doc, _, err := f.readHourly(slug)
	if err != nil {
		return nil, err
	}
	return doc.Readings, nil
}

// SaveHourly implements HourlyCache
func (f *FileCache) SaveHourly(ctx context.Context, slug string, readings []models.HourlyReading) error {
	doc := hourlyDocument{
		Location: slug,
		SavedAt:  time.Now().UTC(),
		Readings: readings,
	}
	for _, r := range readings {
		if r.Timestamp.After(doc.Latest) {
			doc.Latest = r.Timestamp
		}
	}
	return f.write(f.hourlyPath(slug), doc)
}

// SaveAggregates implements AggregateSink
func (f *FileCache) SaveAggregates(ctx context.Context, slug string, agg *models.Aggregates) error {
	return f.write(f.aggregatesPath(slug), aggregatesDocument{
		Location: slug,
		SavedAt:  time.Now().UTC(),
		Daily:    agg.Daily,
		Weekday:  agg.Weekday,
		Month:    agg.Month,
		Rolling:  agg.Rolling,
	})
}

// LoadAggregates reads back what SaveAggregates wrote
func (f *FileCache) LoadAggregates(ctx context.Context, slug string) (*models.Aggregates, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.aggregatesPath(slug))
	if err != nil {
		return nil, fmt.Errorf("failed to read aggregates for %s: %w", slug, err)
	}
	var doc aggregatesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode aggregates for %s: %w", slug, err)
	}
	return &models.Aggregates{Daily: doc.Daily, Weekday: doc.Weekday, Month: doc.Month, Rolling: doc.Rolling}, nil
}

func (f *FileCache) readHourly(slug string) (hourlyDocument, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var doc hourlyDocument
	data, err := os.ReadFile(f.hourlyPath(slug))
	if os.IsNotExist(err) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, fmt.Errorf("failed to read cache for %s: %w", slug, err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, false, fmt.Errorf("failed to decode cache for %s: %w", slug, err)
	}
	return doc, true, nil
}

// write replaces path atomically via a temp file in the same directory
func (f *FileCache) write(path string, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
