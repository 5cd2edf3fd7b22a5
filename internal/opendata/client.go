// Package opendata downloads raw hourly records from a Socrata open-data
// portal such as data.seattle.gov.
package opendata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"bike-counts/internal/models"
	"bike-counts/pkg/logging"
	"bike-counts/pkg/metrics"
)

// Config holds client settings
type Config struct {
	BaseURL           string
	AppToken          string
	PageSize          int
	Timeout           time.Duration
	RequestsPerSecond float64
	Backoff           BackoffConfig
	HTTPClient        *http.Client
}

// Client pages through a Socrata dataset with $limit/$offset
type Client struct {
	baseURL  string
	appToken string
	pageSize int
	backoff  BackoffConfig
	http     *http.Client
	circuit  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
}

// NewClient applies defaults to zero-valued settings
func NewClient(cfg Config, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Backoff.MaxInterval <= 0 {
		cfg.Backoff.MaxInterval = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		appToken: cfg.AppToken,
		pageSize: cfg.PageSize,
		backoff:  cfg.Backoff,
		http:     httpClient,
		circuit: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "socrata",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
		metrics: metricsCollector,
	}
}

// FetchAll downloads every record of the location's dataset, in :id order,
// until a short page is returned.
func (c *Client) FetchAll(ctx context.Context, loc models.Location) ([]models.RawRecord, error) {
	timer := c.metrics.NewTimer(c.metrics.FetchDuration.WithLabelValues(loc.DatasetID))

	c.logger.Info(ctx, "[FETCH_START] Downloading dataset", logging.Fields{
		"dataset":   loc.DatasetID,
		"page_size": c.pageSize,
		"stage":     "FETCH",
	})

	var all []models.RawRecord
	for offset := 0; ; offset += c.pageSize {
		page, err := c.fetchPage(ctx, loc.DatasetID, offset)
		if err != nil {
			c.metrics.RecordFetchError(loc.DatasetID, errorType(err))
			return nil, fmt.Errorf("failed to fetch %s at offset %d: %w", loc.DatasetID, offset, err)
		}
		all = append(all, page...)

		c.metrics.FetchPagesTotal.WithLabelValues(loc.DatasetID).Inc()
		c.metrics.FetchRecordsTotal.WithLabelValues(loc.DatasetID).Add(float64(len(page)))
		c.logger.Debug(ctx, "[FETCH_PAGE] Page received", logging.Fields{
			"dataset": loc.DatasetID,
			"offset":  offset,
			"records": len(page),
		})

		if len(page) < c.pageSize {
			break
		}
	}

	duration := timer.ObserveDuration()
	c.logger.Info(ctx, "[FETCH_COMPLETE] Dataset downloaded", logging.Fields{
		"dataset":     loc.DatasetID,
		"records":     len(all),
		"duration_ms": duration.Milliseconds(),
		"stage":       "FETCH",
	})
	return all, nil
}

func (c *Client) pageURL(dataset string, offset int) string {
	q := url.Values{}
	q.Set("$limit", strconv.Itoa(c.pageSize))
	q.Set("$offset", strconv.Itoa(offset))
	q.Set("$order", ":id")
	return fmt.Sprintf("%s/resource/%s.json?%s", c.baseURL, url.PathEscape(dataset), q.Encode())
}

func (c *Client) fetchPage(ctx context.Context, dataset string, offset int) ([]models.RawRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	target := c.pageURL(dataset, offset)
	resp, err := doWithRetry(ctx, c.http, c.backoff, c.circuit, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.appToken != "" {
			req.Header.Set("X-App-Token", c.appToken)
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()

	var page []models.RawRecord
	if err := dec.Decode(&page); err != nil {
		return nil, fmt.Errorf("%w: %v", errDecode, err)
	}
	return page, nil
}
