package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"bike-counts/internal/cache"
	"bike-counts/internal/models"
	"bike-counts/internal/pipeline"
	"bike-counts/internal/repository"
	"bike-counts/internal/services"
	"bike-counts/pkg/logging"
	"bike-counts/pkg/metrics"
)

var bridge = models.Location{Name: "Spokane St Bridge", Slug: "spokane-st-bridge", DatasetID: "upms-nr8w"}

type fakeQueries struct {
	dailyFilter repository.DailyFilter
	year        *int
	rolling     repository.RollingFilter
	healthErr   error
	err         error
}

func (f *fakeQueries) resolve(name string) error {
	if f.err != nil {
		return f.err
	}
	if name != bridge.Slug {
		return &models.UnknownLocationError{Name: name}
	}
	return nil
}

func (f *fakeQueries) GetLocations(context.Context) ([]*models.Location, error) {
	if f.err != nil {
		return nil, f.err
	}
	loc := bridge
	return []*models.Location{&loc}, nil
}

func (f *fakeQueries) GetDailyTotals(_ context.Context, name string, filter repository.DailyFilter) ([]*models.DailyTotal, int, error) {
	if err := f.resolve(name); err != nil {
		return nil, 0, err
	}
	f.dailyFilter = filter
	return []*models.DailyTotal{{Year: 2019, DayOfYear: 7, Total: 240, Repaired: true}}, 250, nil
}

func (f *fakeQueries) GetWeekdayRollups(_ context.Context, name string, year *int) ([]*models.WeekdayRollup, error) {
	if err := f.resolve(name); err != nil {
		return nil, err
	}
	f.year = year
	return []*models.WeekdayRollup{{Weekday: 0, Year: 2019, Mean: 240, Days: 1}}, nil
}

func (f *fakeQueries) GetMonthRollups(_ context.Context, name string, year *int) ([]*models.MonthRollup, error) {
	if err := f.resolve(name); err != nil {
		return nil, err
	}
	f.year = year
	return []*models.MonthRollup{{Month: 1, Year: 2019, MonthName: "January", Sum: 315}}, nil
}

func (f *fakeQueries) GetRollingYearly(_ context.Context, name string, filter repository.RollingFilter) ([]*models.RollingYearly, error) {
	if err := f.resolve(name); err != nil {
		return nil, err
	}
	f.rolling = filter
	return []*models.RollingYearly{{Year: 2019, DayOfYear: 7}}, nil
}

func (f *fakeQueries) GetAggregates(_ context.Context, name string) (models.Location, *models.Aggregates, error) {
	if err := f.resolve(name); err != nil {
		return models.Location{}, nil, err
	}
	return bridge, &models.Aggregates{
		Daily: []models.DailyTotal{{Year: 2019, DayOfYear: 7, Date: time.Date(2019, 1, 7, 0, 0, 0, 0, time.UTC), Total: 240}},
	}, nil
}

func (f *fakeQueries) HealthCheck(context.Context) error {
	return f.healthErr
}

type fakeRefresher struct {
	force bool
	err   error
}

func (f *fakeRefresher) Refresh(_ context.Context, name string, force bool) (*services.RefreshResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.force = force
	return &services.RefreshResult{
		RunID:    "run-1",
		Location: bridge,
		Ingestion: &services.IngestionResult{
			Decision:   cache.Forced,
			HourlyRows: 48,
		},
		Statistics: &services.StatisticsResult{
			Aggregates: &models.Aggregates{Daily: make([]models.DailyTotal, 2)},
			Repair: &pipeline.RepairReport{
				Broken:   1,
				Repaired: []pipeline.DayRepair{{Year: 2019, DayOfYear: 7, Replacement: 240}},
			},
		},
	}, nil
}

func newTestRouter(q *fakeQueries, rf *fakeRefresher) (*mux.Router, *metrics.Collector) {
	m := metrics.NewTestCollector()
	h := NewBikeHandler(q, rf, logging.NewNopLogger(), m)
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router, m
}

func do(router http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestGetLocations(t *testing.T) {
	router, _ := newTestRouter(&fakeQueries{}, &fakeRefresher{})

	rec := do(router, http.MethodGet, "/api/locations")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data  []models.Location `json:"data"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "spokane-st-bridge", body.Data[0].Slug)
}

func TestGetDailyTotals_Pagination(t *testing.T) {
	q := &fakeQueries{}
	router, m := newTestRouter(q, &fakeRefresher{})

	rec := do(router, http.MethodGet, "/api/locations/spokane-st-bridge/daily?page=3&limit=50&year=2019&start_date=2019-01-01")
	require.Equal(t, http.StatusOK, rec.Code)

	var body PaginatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 250, body.Total)
	assert.Equal(t, 3, body.Page)
	assert.Equal(t, 50, body.Limit)
	assert.Equal(t, 5, body.TotalPages)

	assert.Equal(t, 100, q.dailyFilter.Offset)
	require.NotNil(t, q.dailyFilter.Year)
	assert.Equal(t, 2019, *q.dailyFilter.Year)
	require.NotNil(t, q.dailyFilter.StartDate)
	assert.Nil(t, q.dailyFilter.EndDate)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues(endpointDaily, "GET", "200")))
}

func TestGetDailyTotals_BadParameters(t *testing.T) {
	router, m := newTestRouter(&fakeQueries{}, &fakeRefresher{})

	for _, target := range []string{
		"/api/locations/spokane-st-bridge/daily?year=nineteen",
		"/api/locations/spokane-st-bridge/daily?start_date=01/02/2019",
		"/api/locations/spokane-st-bridge/daily?end_date=2019-13-01",
		"/api/locations/spokane-st-bridge/daily?page=1000001",
		"/api/locations/spokane-st-bridge/daily?page=922337203685477580700&limit=1000",
	} {
		rec := do(router, http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)

		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, http.StatusBadRequest, body.Code)
	}
	assert.Equal(t, float64(5), testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues(endpointDaily, "GET", "400")))
}

func TestGetDailyTotals_LastAllowedPage(t *testing.T) {
	q := &fakeQueries{}
	router, _ := newTestRouter(q, &fakeRefresher{})

	rec := do(router, http.MethodGet, "/api/locations/spokane-st-bridge/daily?page=1000000&limit=1000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 999999000, q.dailyFilter.Offset)
}

func TestUnknownLocation(t *testing.T) {
	router, _ := newTestRouter(&fakeQueries{}, &fakeRefresher{err: &models.UnknownLocationError{Name: "nowhere"}})

	for _, tc := range []struct{ method, target string }{
		{http.MethodGet, "/api/locations/nowhere/daily"},
		{http.MethodGet, "/api/locations/nowhere/weekday"},
		{http.MethodGet, "/api/locations/nowhere/monthly"},
		{http.MethodGet, "/api/locations/nowhere/rolling"},
		{http.MethodGet, "/api/locations/nowhere/export.xlsx"},
		{http.MethodPost, "/api/locations/nowhere/refresh"},
	} {
		rec := do(router, tc.method, tc.target)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.target)
	}
}

func TestRollups_YearFilter(t *testing.T) {
	q := &fakeQueries{}
	router, _ := newTestRouter(q, &fakeRefresher{})

	rec := do(router, http.MethodGet, "/api/locations/spokane-st-bridge/weekday?year=2019")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, q.year)
	assert.Equal(t, 2019, *q.year)
	assert.Contains(t, rec.Body.String(), `"std_dev":null`)

	rec = do(router, http.MethodGet, "/api/locations/spokane-st-bridge/monthly")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, q.year)
	assert.Contains(t, rec.Body.String(), `"month_name":"January"`)

	rec = do(router, http.MethodGet, "/api/locations/spokane-st-bridge/monthly?year=99")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRollingYearly(t *testing.T) {
	q := &fakeQueries{}
	router, _ := newTestRouter(q, &fakeRefresher{})

	rec := do(router, http.MethodGet, "/api/locations/spokane-st-bridge/rolling?start_date=2019-01-01&end_date=2019-12-31")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":null`)
	require.NotNil(t, q.rolling.EndDate)
	assert.Equal(t, time.Date(2019, 12, 31, 0, 0, 0, 0, time.UTC), *q.rolling.EndDate)
}

func TestExportWorkbook(t *testing.T) {
	router, _ := newTestRouter(&fakeQueries{}, &fakeRefresher{})

	rec := do(router, http.MethodGet, "/api/locations/spokane-st-bridge/export.xlsx")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="spokane-st-bridge.xlsx"`, rec.Header().Get("Content-Disposition"))

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Daily")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRefresh(t *testing.T) {
	rf := &fakeRefresher{}
	router, _ := newTestRouter(&fakeQueries{}, rf)

	rec := do(router, http.MethodPost, "/api/locations/spokane-st-bridge/refresh?force=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, rf.force)

	var body RefreshResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, "forced", body.Decision)
	assert.Equal(t, 2, body.DailyRows)
	assert.Equal(t, 1, body.Broken)
	require.Len(t, body.Repaired, 1)
	assert.Equal(t, int64(240), body.Repaired[0].Replacement)

	rec = do(router, http.MethodPost, "/api/locations/spokane-st-bridge/refresh?force=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(router, http.MethodGet, "/api/locations/spokane-st-bridge/refresh")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRefresh_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "in progress", err: services.ErrRefreshInProgress, want: http.StatusConflict},
		{name: "malformed", err: &models.MalformedInputError{Location: "x", Record: 3, Message: "bad count"}, want: http.StatusUnprocessableEntity},
		{name: "insufficient history", err: &models.InsufficientHistoryError{Location: "x", Year: 2018, DayOfYear: 1}, want: http.StatusUnprocessableEntity},
		{name: "empty upstream", err: &models.EmptyInputError{Location: "x"}, want: http.StatusBadGateway},
		{name: "fetch", err: &services.FetchError{Dataset: "upms-nr8w", Err: errors.New("503")}, want: http.StatusBadGateway},
		{name: "internal", err: errors.New("disk full"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(&fakeQueries{}, &fakeRefresher{err: tt.err})

			rec := do(router, http.MethodPost, "/api/locations/spokane-st-bridge/refresh")
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "disk full")
			}
		})
	}
}

func TestHealthCheck(t *testing.T) {
	q := &fakeQueries{}
	router, _ := newTestRouter(q, &fakeRefresher{})

	rec := do(router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	q.healthErr = errors.New("connection refused")
	rec = do(router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
}

func TestDocs(t *testing.T) {
	rec := httptest.NewRecorder()
	OpenAPISpec(rec, httptest.NewRequest(http.MethodGet, "/api/docs/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var spec map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spec))
	paths := spec["paths"].(map[string]interface{})
	assert.Contains(t, paths, "/api/locations/{location}/refresh")

	rec = httptest.NewRecorder()
	SwaggerUI("/api/docs/openapi.json")(rec, httptest.NewRequest(http.MethodGet, "/api/docs", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "Bike Counts API Documentation"))
}
