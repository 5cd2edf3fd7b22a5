package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bike-counts/internal/cache"
	"bike-counts/internal/models"
	"bike-counts/internal/pipeline"
	"bike-counts/pkg/logging"
	"bike-counts/pkg/metrics"
)

type fakeSource struct {
	records map[string][]models.RawRecord
	err     error
	calls   int
}

func (f *fakeSource) FetchAll(_ context.Context, loc models.Location) ([]models.RawRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.records[loc.Slug], nil
}

type memStore struct {
	mu         sync.Mutex
	hourly     map[string][]models.HourlyReading
	aggregates map[string]*models.Aggregates
}

func newMemStore() *memStore {
	return &memStore{
		hourly:     make(map[string][]models.HourlyReading),
		aggregates: make(map[string]*models.Aggregates),
	}
}

func (m *memStore) LatestReadingTime(_ context.Context, slug string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hourly[slug]
	if len(h) == 0 {
		return time.Time{}, false, nil
	}
	return h[len(h)-1].Timestamp, true, nil
}

func (m *memStore) LoadHourly(_ context.Context, slug string) ([]models.HourlyReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hourly[slug], nil
}

func (m *memStore) SaveHourly(_ context.Context, slug string, readings []models.HourlyReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hourly[slug] = readings
	return nil
}

func (m *memStore) SaveAggregates(_ context.Context, slug string, agg *models.Aggregates) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregates[slug] = agg
	return nil
}

var _ cache.Store = (*memStore)(nil)

func bridge() models.Location {
	return models.Location{
		Name:             "Spokane St Bridge",
		Slug:             "spokane-st-bridge",
		DatasetID:        "upms-nr8w",
		TotalField:       "spokane_st_bridge_total",
		TimestampField:   "date",
		TimeZone:         "UTC",
		RepairBrokenDays: true,
	}
}

func record(ts, total string) models.RawRecord {
	return models.RawRecord{"date": ts, "spokane_st_bridge_total": total, "east": total}
}

// 2019-01-07 is a broken Monday; the nearest Monday of 2018 is 2018-01-08.
func brokenMondayRecords() []models.RawRecord {
	return []models.RawRecord{
		record("2018-01-01T08:00:00.000", "90"),
		record("2018-01-08T08:00:00.000", "240"),
		record("2019-01-07T08:00:00.000", "0"),
		record("2019-01-08T08:00:00.000", "75"),
	}
}

type harness struct {
	source  *fakeSource
	store   *memStore
	metrics *metrics.Collector
	ingest  *IngestionService
	refresh *RefreshService
}

func newHarness(t *testing.T, policy pipeline.HistoryPolicy, locs ...models.Location) *harness {
	t.Helper()
	if len(locs) == 0 {
		locs = []models.Location{bridge()}
	}
	logger := logging.NewNopLogger()
	m := metrics.NewTestCollector()
	source := &fakeSource{records: map[string][]models.RawRecord{"spokane-st-bridge": brokenMondayRecords()}}
	store := newMemStore()

	ingest := NewIngestionService(source, store, cache.DefaultMaxAge, logger, m)
	stats := NewStatisticsService(store, policy, logger, m)
	refresh := NewRefreshService(models.NewLocationRegistry(locs...), ingest, stats, logger, m)

	return &harness{source: source, store: store, metrics: m, ingest: ingest, refresh: refresh}
}

func TestRefresh_EmptyCacheFetchesAndRepairs(t *testing.T) {
	h := newHarness(t, pipeline.LeaveZero)

	result, err := h.refresh.Refresh(context.Background(), "Spokane St Bridge", false)
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, cache.Stale, result.Ingestion.Decision)
	assert.Equal(t, 4, result.Ingestion.RawRecords)
	assert.Equal(t, 1, h.source.calls)
	assert.Len(t, h.store.hourly["spokane-st-bridge"], 4)

	agg := h.store.aggregates["spokane-st-bridge"]
	require.NotNil(t, agg)
	require.Len(t, agg.Daily, 4)
	broken := agg.Daily[2]
	assert.Equal(t, 2019, broken.Year)
	assert.Equal(t, 7, broken.DayOfYear)
	assert.Equal(t, int64(240), broken.Total)
	assert.True(t, broken.Repaired)
	assert.Equal(t, int64(0), broken.Channels["east"], "channels keep the raw counts")

	require.NotNil(t, result.Statistics.Repair)
	assert.Equal(t, 1, result.Statistics.Repair.Broken)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.BrokenDaysRepaired.WithLabelValues("spokane-st-bridge")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CacheLookupsTotal.WithLabelValues("spokane-st-bridge", "stale")))
	assert.Positive(t, testutil.ToFloat64(h.metrics.LastRefreshTimestamp.WithLabelValues("spokane-st-bridge")))
}

func TestRefresh_FreshCacheSkipsFetch(t *testing.T) {
	h := newHarness(t, pipeline.LeaveZero)
	loc := bridge()

	cached, err := pipeline.Normalize([]models.RawRecord{
		record("2024-03-25T08:00:00.000", "10"),
		record("2024-03-27T05:00:00.000", "20"),
	}, loc)
	require.NoError(t, err)
	h.store.hourly[loc.Slug] = cached
	h.ingest.now = func() time.Time { return time.Date(2024, 3, 27, 12, 0, 0, 0, time.UTC) }

	result, err := h.refresh.Refresh(context.Background(), loc.Slug, false)
	require.NoError(t, err)

	assert.Equal(t, cache.Fresh, result.Ingestion.Decision)
	assert.Zero(t, h.source.calls)
	assert.Equal(t, 2, result.Ingestion.HourlyRows)
	assert.Equal(t, time.Date(2024, 3, 27, 5, 0, 0, 0, time.UTC), result.Ingestion.Latest)
	assert.Len(t, h.store.aggregates[loc.Slug].Daily, 2)
}

func TestRefresh_ForceBypassesFreshCache(t *testing.T) {
	h := newHarness(t, pipeline.LeaveZero)
	loc := bridge()

	cached, err := pipeline.Normalize([]models.RawRecord{record("2024-03-27T05:00:00.000", "20")}, loc)
	require.NoError(t, err)
	h.store.hourly[loc.Slug] = cached
	h.ingest.now = func() time.Time { return time.Date(2024, 3, 27, 12, 0, 0, 0, time.UTC) }

	result, err := h.refresh.Refresh(context.Background(), loc.Slug, true)
	require.NoError(t, err)

	assert.Equal(t, cache.Forced, result.Ingestion.Decision)
	assert.Equal(t, 1, h.source.calls)
	assert.Len(t, h.store.hourly[loc.Slug], 4, "cached history is replaced")
}

func TestRefresh_UnknownLocation(t *testing.T) {
	h := newHarness(t, pipeline.LeaveZero)

	_, err := h.refresh.Refresh(context.Background(), "Fremont Bridge", false)
	var unknown *models.UnknownLocationError
	require.ErrorAs(t, err, &unknown)
	assert.Zero(t, h.source.calls)
}

func TestRefresh_FetchErrorLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t, pipeline.LeaveZero)
	h.source.err = errors.New("upstream unavailable")

	_, err := h.refresh.Refresh(context.Background(), "spokane-st-bridge", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream unavailable")
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, "upms-nr8w", fetchErr.Dataset)
	assert.Empty(t, h.store.hourly)
	assert.Empty(t, h.store.aggregates)
}

func TestRefresh_EmptySource(t *testing.T) {
	h := newHarness(t, pipeline.LeaveZero)
	h.source.records = nil

	_, err := h.refresh.Refresh(context.Background(), "spokane-st-bridge", false)
	var empty *models.EmptyInputError
	require.ErrorAs(t, err, &empty)
	assert.Empty(t, h.store.aggregates)
}

func TestRefresh_StrictPolicyFailsWithoutHistory(t *testing.T) {
	h := newHarness(t, pipeline.FailOnMissingHistory)
	h.source.records["spokane-st-bridge"] = []models.RawRecord{
		record("2018-01-01T08:00:00.000", "0"),
		record("2018-01-02T08:00:00.000", "5"),
	}

	_, err := h.refresh.Refresh(context.Background(), "spokane-st-bridge", false)
	var insufficient *models.InsufficientHistoryError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 2018, insufficient.Year)
	assert.Equal(t, 1, insufficient.DayOfYear)
	assert.Empty(t, h.store.aggregates)
}

func TestRefresh_LeaveZeroReportsUnrepaired(t *testing.T) {
	h := newHarness(t, pipeline.LeaveZero)
	h.source.records["spokane-st-bridge"] = []models.RawRecord{
		record("2018-01-01T08:00:00.000", "0"),
		record("2018-01-02T08:00:00.000", "5"),
	}

	result, err := h.refresh.Refresh(context.Background(), "spokane-st-bridge", false)
	require.NoError(t, err)

	require.Len(t, result.Statistics.Repair.Unrepaired, 1)
	assert.Equal(t, int64(0), result.Statistics.Aggregates.Daily[0].Total)
	assert.False(t, result.Statistics.Aggregates.Daily[0].Repaired)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.BrokenDaysUnrepaired.WithLabelValues("spokane-st-bridge")))
}

func TestRefresh_RepairDisabled(t *testing.T) {
	loc := bridge()
	loc.RepairBrokenDays = false
	h := newHarness(t, pipeline.FailOnMissingHistory, loc)

	result, err := h.refresh.Refresh(context.Background(), loc.Slug, false)
	require.NoError(t, err)

	assert.Nil(t, result.Statistics.Repair)
	assert.Equal(t, int64(0), result.Statistics.Aggregates.Daily[2].Total)
}

func TestRefresh_RejectsConcurrentRun(t *testing.T) {
	h := newHarness(t, pipeline.LeaveZero)
	require.True(t, h.refresh.acquire("spokane-st-bridge"))

	_, err := h.refresh.Refresh(context.Background(), "spokane-st-bridge", false)
	assert.ErrorIs(t, err, ErrRefreshInProgress)

	h.refresh.release("spokane-st-bridge")
	_, err = h.refresh.Refresh(context.Background(), "spokane-st-bridge", false)
	assert.NoError(t, err)
}

func TestRefreshAll_ContinuesPastFailures(t *testing.T) {
	other := bridge()
	other.Name = "Fremont Bridge"
	other.Slug = "fremont-bridge"
	h := newHarness(t, pipeline.LeaveZero, other, bridge())

	results, err := h.refresh.RefreshAll(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fremont-bridge")
	var empty *models.EmptyInputError
	assert.ErrorAs(t, err, &empty)

	require.Len(t, results, 1)
	assert.Equal(t, "spokane-st-bridge", results[0].Location.Slug)
}

func TestStatistics_WithoutSink(t *testing.T) {
	loc := bridge()
	hourly, err := pipeline.Normalize(brokenMondayRecords(), loc)
	require.NoError(t, err)

	stats := NewStatisticsService(nil, "", logging.NewNopLogger(), metrics.NewTestCollector())
	result, err := stats.Calculate(context.Background(), loc, hourly)
	require.NoError(t, err)

	assert.Len(t, result.Aggregates.Daily, 4)
	assert.Len(t, result.Aggregates.Weekday, 3)
	assert.Len(t, result.Aggregates.Month, 2)
	assert.Len(t, result.Aggregates.Rolling, 4)
	assert.Equal(t, "January", result.Aggregates.Month[0].MonthName)
}
