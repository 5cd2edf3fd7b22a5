package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"bike-counts/internal/export"
	"bike-counts/internal/models"
	"bike-counts/internal/pipeline"
	"bike-counts/internal/repository"
	"bike-counts/internal/services"
	"bike-counts/pkg/logging"
	"bike-counts/pkg/metrics"
)

// BikeQueries is the read side used by the handlers
type BikeQueries interface {
	GetLocations(ctx context.Context) ([]*models.Location, error)
	GetDailyTotals(ctx context.Context, name string, filter repository.DailyFilter) ([]*models.DailyTotal, int, error)
	GetWeekdayRollups(ctx context.Context, name string, year *int) ([]*models.WeekdayRollup, error)
	GetMonthRollups(ctx context.Context, name string, year *int) ([]*models.MonthRollup, error)
	GetRollingYearly(ctx context.Context, name string, filter repository.RollingFilter) ([]*models.RollingYearly, error)
	GetAggregates(ctx context.Context, name string) (models.Location, *models.Aggregates, error)
	HealthCheck(ctx context.Context) error
}

// Refresher triggers a pipeline run for one location
type Refresher interface {
	Refresh(ctx context.Context, name string, force bool) (*services.RefreshResult, error)
}

// BikeHandler handles bicycle count API endpoints
type BikeHandler struct {
	queries   BikeQueries
	refresher Refresher
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// NewBikeHandler creates a new bike handler
func NewBikeHandler(
	queries BikeQueries,
	refresher Refresher,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *BikeHandler {
	return &BikeHandler{
		queries:   queries,
		refresher: refresher,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// ListResponse wraps an unpaginated result set
type ListResponse struct {
	Data  interface{} `json:"data"`
	Count int         `json:"count"`
}

// RefreshResponse summarizes a pipeline run
type RefreshResponse struct {
	RunID      string               `json:"run_id"`
	Location   string               `json:"location"`
	Decision   string               `json:"cache_decision"`
	RawRecords int                  `json:"raw_records"`
	HourlyRows int                  `json:"hourly_rows"`
	DailyRows  int                  `json:"daily_rows"`
	Latest     time.Time            `json:"latest_reading"`
	Broken     int                  `json:"broken_days"`
	Repaired   []pipeline.DayRepair `json:"repaired"`
	Unrepaired []pipeline.DayRepair `json:"unrepaired"`
	DurationMS int64                `json:"duration_ms"`
}

const (
	endpointLocations = "/api/locations"
	endpointDaily     = "/api/locations/{location}/daily"
	endpointWeekday   = "/api/locations/{location}/weekday"
	endpointMonthly   = "/api/locations/{location}/monthly"
	endpointRolling   = "/api/locations/{location}/rolling"
	endpointExport    = "/api/locations/{location}/export.xlsx"
	endpointRefresh   = "/api/locations/{location}/refresh"
)

// GetLocations handles GET /api/locations
func (h *BikeHandler) GetLocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe(endpointLocations, time.Now())

	locations, err := h.queries.GetLocations(ctx)
	if err != nil {
		h.handleError(w, r, endpointLocations, "failed to retrieve locations", err)
		return
	}

	h.metrics.RecordAPIRequest(endpointLocations, "GET", "200")
	h.sendJSON(w, ListResponse{Data: locations, Count: len(locations)}, http.StatusOK)
}

// GetDailyTotals handles GET /api/locations/{location}/daily
func (h *BikeHandler) GetDailyTotals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe(endpointDaily, time.Now())

	page, limit, err := parsePagination(r)
	if err != nil {
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	filter := repository.DailyFilter{
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	if filter.Year, err = parseYear(r); err != nil {
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	if filter.StartDate, err = parseDate(r, "start_date"); err != nil {
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	if filter.EndDate, err = parseDate(r, "end_date"); err != nil {
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
		return
	}

	daily, total, err := h.queries.GetDailyTotals(ctx, mux.Vars(r)["location"], filter)
	if err != nil {
		h.handleError(w, r, endpointDaily, "failed to retrieve daily totals", err)
		return
	}

	response := PaginatedResponse{
		Data:       daily,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}

	h.metrics.RecordAPIRequest(endpointDaily, "GET", "200")
	h.sendJSON(w, response, http.StatusOK)
}

// GetWeekdayRollups handles GET /api/locations/{location}/weekday
func (h *BikeHandler) GetWeekdayRollups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe(endpointWeekday, time.Now())

	year, err := parseYear(r)
	if err != nil {
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
		return
	}

	rollups, err := h.queries.GetWeekdayRollups(ctx, mux.Vars(r)["location"], year)
	if err != nil {
		h.handleError(w, r, endpointWeekday, "failed to retrieve weekday rollups", err)
		return
	}

	h.metrics.RecordAPIRequest(endpointWeekday, "GET", "200")
	h.sendJSON(w, ListResponse{Data: rollups, Count: len(rollups)}, http.StatusOK)
}

// GetMonthRollups handles GET /api/locations/{location}/monthly
func (h *BikeHandler) GetMonthRollups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe(endpointMonthly, time.Now())

	year, err := parseYear(r)
	if err != nil {
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
		return
	}

	rollups, err := h.queries.GetMonthRollups(ctx, mux.Vars(r)["location"], year)
	if err != nil {
		h.handleError(w, r, endpointMonthly, "failed to retrieve month rollups", err)
		return
	}

	h.metrics.RecordAPIRequest(endpointMonthly, "GET", "200")
	h.sendJSON(w, ListResponse{Data: rollups, Count: len(rollups)}, http.StatusOK)
}

// GetRollingYearly handles GET /api/locations/{location}/rolling
func (h *BikeHandler) GetRollingYearly(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe(endpointRolling, time.Now())

	var filter repository.RollingFilter
	var err error
	if filter.StartDate, err = parseDate(r, "start_date"); err != nil {
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	if filter.EndDate, err = parseDate(r, "end_date"); err != nil {
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
		return
	}

	rolling, err := h.queries.GetRollingYearly(ctx, mux.Vars(r)["location"], filter)
	if err != nil {
		h.handleError(w, r, endpointRolling, "failed to retrieve rolling totals", err)
		return
	}

	h.metrics.RecordAPIRequest(endpointRolling, "GET", "200")
	h.sendJSON(w, ListResponse{Data: rolling, Count: len(rolling)}, http.StatusOK)
}

// ExportWorkbook handles GET /api/locations/{location}/export.xlsx
func (h *BikeHandler) ExportWorkbook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe(endpointExport, time.Now())

	loc, agg, err := h.queries.GetAggregates(ctx, mux.Vars(r)["location"])
	if err != nil {
		h.handleError(w, r, endpointExport, "failed to load aggregates", err)
		return
	}

	wb, err := export.Build(loc, agg)
	if err != nil {
		h.handleError(w, r, endpointExport, "failed to build workbook", err)
		return
	}
	defer wb.Close()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", loc.Slug+".xlsx"))
	w.WriteHeader(http.StatusOK)
	if _, err := wb.WriteTo(w); err != nil {
		h.logger.Error(ctx, "[API_EXPORT_ERROR] Failed to stream workbook", logging.Fields{
			"location": loc.Slug,
		}, err)
		return
	}

	h.metrics.RecordAPIRequest(endpointExport, "GET", "200")
}

// Refresh handles POST /api/locations/{location}/refresh
func (h *BikeHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe(endpointRefresh, time.Now())

	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.sendError(w, r, "invalid force, expected true or false", http.StatusBadRequest)
			return
		}
		force = b
	}

	result, err := h.refresher.Refresh(ctx, mux.Vars(r)["location"], force)
	if err != nil {
		h.handleError(w, r, endpointRefresh, "refresh failed", err)
		return
	}

	response := RefreshResponse{
		RunID:      result.RunID,
		Location:   result.Location.Slug,
		Decision:   string(result.Ingestion.Decision),
		RawRecords: result.Ingestion.RawRecords,
		HourlyRows: result.Ingestion.HourlyRows,
		DailyRows:  len(result.Statistics.Aggregates.Daily),
		Latest:     result.Ingestion.Latest,
		DurationMS: result.Duration.Milliseconds(),
	}
	if rep := result.Statistics.Repair; rep != nil {
		response.Broken = rep.Broken
		response.Repaired = rep.Repaired
		response.Unrepaired = rep.Unrepaired
	}

	h.metrics.RecordAPIRequest(endpointRefresh, "POST", "200")
	h.sendJSON(w, response, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *BikeHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})

	if err := h.queries.HealthCheck(ctx); err != nil {
		h.logger.Warn(ctx, "[HEALTH_CHECK_FAILED] Database unreachable", logging.Fields{
			"error": err.Error(),
		})
		status["status"] = "unhealthy"
		h.sendJSON(w, status, http.StatusServiceUnavailable)
		return
	}

	h.sendJSON(w, status, http.StatusOK)
}

// handleError maps domain errors onto status codes
func (h *BikeHandler) handleError(w http.ResponseWriter, r *http.Request, endpoint, message string, err error) {
	var (
		unknown      *models.UnknownLocationError
		notFound     *repository.NotFoundError
		validation   *models.ValidationError
		malformed    *models.MalformedInputError
		insufficient *models.InsufficientHistoryError
		empty        *models.EmptyInputError
		fetch        *services.FetchError
	)

	switch {
	case errors.As(err, &unknown), errors.As(err, &notFound):
		h.sendError(w, r, err.Error(), http.StatusNotFound)
	case errors.As(err, &validation):
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrRefreshInProgress):
		h.sendError(w, r, err.Error(), http.StatusConflict)
	case errors.As(err, &malformed), errors.As(err, &insufficient):
		h.sendError(w, r, err.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &empty), errors.As(err, &fetch):
		h.logger.Warn(r.Context(), "[API_UPSTREAM_ERROR] Upstream source failed", logging.Fields{
			"endpoint": endpoint,
			"error":    err.Error(),
		})
		h.metrics.RecordAPIError("upstream_error", endpoint)
		h.sendError(w, r, err.Error(), http.StatusBadGateway)
	default:
		h.logger.Error(r.Context(), "[API_ERROR] "+message, logging.Fields{
			"endpoint": endpoint,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, message, http.StatusInternalServerError)
	}
}

func (h *BikeHandler) observe(endpoint string, startTime time.Time) {
	h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
}

// sendJSON sends a JSON response
func (h *BikeHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *BikeHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	endpoint := r.URL.Path
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			endpoint = tmpl
		}
	}
	h.metrics.RecordAPIRequest(endpoint, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers all bike count API routes
func (h *BikeHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc(endpointLocations, h.GetLocations).Methods("GET")
	router.HandleFunc(endpointDaily, h.GetDailyTotals).Methods("GET")
	router.HandleFunc(endpointWeekday, h.GetWeekdayRollups).Methods("GET")
	router.HandleFunc(endpointMonthly, h.GetMonthRollups).Methods("GET")
	router.HandleFunc(endpointRolling, h.GetRollingYearly).Methods("GET")
	router.HandleFunc(endpointExport, h.ExportWorkbook).Methods("GET")
	router.HandleFunc(endpointRefresh, h.Refresh).Methods("POST")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}

// maxPage keeps (page-1)*limit well inside a Postgres integer OFFSET
const maxPage = 1000000

func parsePagination(r *http.Request) (page, limit int, err error) {
	page, limit = 1, 100

	if s := r.URL.Query().Get("page"); s != "" {
		p, convErr := strconv.Atoi(s)
		switch {
		case convErr == nil && p > maxPage, errors.Is(convErr, strconv.ErrRange):
			return 0, 0, &models.ValidationError{Field: "page", Value: s, Message: fmt.Sprintf("invalid page, expected at most %d", maxPage)}
		case convErr == nil && p > 0:
			page = p
		}
	}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
		limit = l
	}
	return page, limit, nil
}

func parseYear(r *http.Request) (*int, error) {
	s := r.URL.Query().Get("year")
	if s == "" {
		return nil, nil
	}
	year, err := strconv.Atoi(s)
	if err != nil || year < 1900 || year > 9999 {
		return nil, &models.ValidationError{Field: "year", Value: s, Message: "invalid year, expected a four-digit integer"}
	}
	return &year, nil
}

func parseDate(r *http.Request, param string) (*time.Time, error) {
	s := r.URL.Query().Get(param)
	if s == "" {
		return nil, nil
	}
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, &models.ValidationError{Field: param, Value: s, Message: fmt.Sprintf("invalid %s format, expected YYYY-MM-DD", param)}
	}
	return &d, nil
}
