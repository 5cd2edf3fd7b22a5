package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"

	"bike-counts/internal/cache"
	"bike-counts/internal/config"
	"bike-counts/internal/export"
	"bike-counts/internal/models"
	"bike-counts/internal/opendata"
	"bike-counts/internal/repository"
	"bike-counts/internal/services"
	"bike-counts/pkg/database"
	"bike-counts/pkg/logging"
	"bike-counts/pkg/metrics"
)

func main() {
	location := flag.String("location", "", "Location slug or name to refresh (default: all configured locations)")
	force := flag.Bool("force", false, "Re-fetch even when the cached history is fresh")
	backend := flag.String("cache", "", "Cache backend: file or postgres (default: BIKES_CACHE_BACKEND)")
	cacheDir := flag.String("cache-dir", "", "Directory for the file cache (default: BIKES_CACHE_DIR)")
	xlsxDir := flag.String("xlsx", "", "Write one <slug>.xlsx workbook per location into this directory")
	inputDir := flag.String("input", "", "Read raw records from <dataset_id>.json exports in this directory instead of the API")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *backend != "" {
		cfg.Cache.Backend = *backend
	}
	if *cacheDir != "" {
		cfg.Cache.Dir = *cacheDir
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("bike-counts-ingester", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "[INGESTER_START] Starting bike count ingestion", logging.Fields{
		"location": *location,
		"force":    *force,
		"cache":    cfg.Cache.Backend,
		"xlsx":     *xlsxDir,
		"input":    *inputDir,
	})

	metricsCollector := metrics.NewCollector("bike_counts_ingester", prometheus.NewRegistry())
	registry := cfg.Registry()

	var store cache.Store
	switch cfg.Cache.Backend {
	case "file":
		fileCache, err := cache.NewFileCache(cfg.Cache.Dir)
		if err != nil {
			logger.Fatal(ctx, "[INGESTER_ERROR] Failed to open file cache", logging.Fields{"dir": cfg.Cache.Dir}, err)
		}
		store = fileCache
	default:
		db, err := database.NewPostgresDB(cfg.DB(), logger, metricsCollector)
		if err != nil {
			logger.Fatal(ctx, "[INGESTER_ERROR] Failed to connect to database", logging.Fields{}, err)
		}
		defer db.Close()

		bikeRepo := repository.NewBikeRepository(db, logger, metricsCollector)
		for i := range cfg.Locations {
			if err := bikeRepo.UpsertLocation(ctx, &cfg.Locations[i]); err != nil {
				logger.Fatal(ctx, "[INGESTER_ERROR] Failed to register location", logging.Fields{
					"location": cfg.Locations[i].Slug,
				}, err)
			}
		}
		store = bikeRepo
	}

	var source services.RecordSource = opendata.NewClient(cfg.Client(), logger, metricsCollector)
	if *inputDir != "" {
		source = opendata.NewFileSource(*inputDir, logger)
	}
	ingestionService := services.NewIngestionService(source, store, cfg.Cache.MaxAge, logger, metricsCollector)
	statsService := services.NewStatisticsService(store, cfg.HistoryPolicy(), logger, metricsCollector)
	refreshService := services.NewRefreshService(registry, ingestionService, statsService, logger, metricsCollector)

	var results []*services.RefreshResult
	if *location != "" {
		result, err := refreshService.Refresh(ctx, *location, *force)
		if err != nil {
			logger.Fatal(ctx, "[INGESTION_ERROR] Refresh failed", logging.Fields{"location": *location}, err)
		}
		results = append(results, result)
	} else {
		results, err = refreshService.RefreshAll(ctx, *force)
		if err != nil {
			logger.Error(ctx, "[INGESTION_ERROR] Some locations failed", logging.Fields{}, err)
		}
	}

	for _, result := range results {
		printSummary(result)

		if *xlsxDir != "" {
			path, err := writeWorkbook(*xlsxDir, result.Location, result.Statistics.Aggregates)
			if err != nil {
				logger.Error(ctx, "[EXPORT_ERROR] Failed to write workbook", logging.Fields{
					"location": result.Location.Slug,
				}, err)
				continue
			}
			fmt.Printf("Workbook:           %s\n", path)
		}
	}

	logger.Info(ctx, "[INGESTER_COMPLETE] Ingestion finished", logging.Fields{
		"locations": len(results),
		"failed":    err != nil,
	})
	if err != nil {
		os.Exit(1)
	}
}

func printSummary(result *services.RefreshResult) {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("REFRESH COMPLETE: %s\n", result.Location.Name)
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Run ID:             %s\n", result.RunID)
	fmt.Printf("Cache:              %s\n", result.Ingestion.Decision)
	fmt.Printf("Raw Records:        %d\n", result.Ingestion.RawRecords)
	fmt.Printf("Hourly Rows:        %d\n", result.Ingestion.HourlyRows)
	fmt.Printf("Latest Reading:     %s\n", result.Ingestion.Latest.Format("2006-01-02 15:04 MST"))

	agg := result.Statistics.Aggregates
	fmt.Printf("Daily Rows:         %d\n", len(agg.Daily))
	fmt.Printf("Weekday Rollups:    %d\n", len(agg.Weekday))
	fmt.Printf("Month Rollups:      %d\n", len(agg.Month))
	fmt.Printf("Duration:           %v\n", result.Duration)

	rep := result.Statistics.Repair
	if rep == nil {
		return
	}
	fmt.Printf("Broken Days:        %d (repaired %d, left at zero %d)\n", rep.Broken, len(rep.Repaired), len(rep.Unrepaired))
	for i, d := range rep.Repaired {
		if i == 10 {
			fmt.Printf("  ... and %d more repairs\n", len(rep.Repaired)-10)
			break
		}
		fmt.Printf("  - %d day %d: %d (median of %d)\n", d.Year, d.DayOfYear, d.Replacement, len(d.Pool))
	}
}

func writeWorkbook(dir string, loc models.Location, agg *models.Aggregates) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	wb, err := export.Build(loc, agg)
	if err != nil {
		return "", err
	}
	defer wb.Close()

	path := filepath.Join(dir, loc.Slug+".xlsx")
	return path, wb.SaveAs(path)
}
