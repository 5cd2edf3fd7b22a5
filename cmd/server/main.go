package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bike-counts/internal/cache"
	"bike-counts/internal/config"
	"bike-counts/internal/handlers"
	"bike-counts/internal/opendata"
	"bike-counts/internal/repository"
	"bike-counts/internal/scheduler"
	"bike-counts/internal/services"
	"bike-counts/pkg/database"
	"bike-counts/pkg/logging"
	"bike-counts/pkg/metrics"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("bike-counts-api", version, logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	logger.Info(ctx, "[STARTUP] Starting bike counts API server", logging.Fields{
		"version":     version,
		"server_host": cfg.Server.Host,
		"server_port": cfg.Server.Port,
		"db_host":     cfg.Database.Host,
		"db_name":     cfg.Database.Database,
		"locations":   len(cfg.Locations),
		"scheduler":   cfg.Scheduler.Enabled,
	})

	metricsCollector := metrics.NewCollector("bike_counts", prometheus.DefaultRegisterer)

	db, err := database.NewPostgresDB(cfg.DB(), logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	bikeRepo := repository.NewBikeRepository(db, logger, metricsCollector)

	// hourly_readings references bike_locations, so every configured
	// location must exist before the first refresh
	for i := range cfg.Locations {
		if err := bikeRepo.UpsertLocation(ctx, &cfg.Locations[i]); err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to register location", logging.Fields{
				"location": cfg.Locations[i].Slug,
			}, err)
		}
	}

	registry := cfg.Registry()

	var store cache.Store = bikeRepo
	if cfg.Cache.Backend == "file" {
		fileCache, err := cache.NewFileCache(cfg.Cache.Dir)
		if err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to open file cache", logging.Fields{"dir": cfg.Cache.Dir}, err)
		}
		// hourly history on disk, derived tables still in Postgres so the
		// query endpoints keep working
		store = struct {
			cache.HourlyCache
			cache.AggregateSink
		}{fileCache, bikeRepo}
	}

	client := opendata.NewClient(cfg.Client(), logger, metricsCollector)

	ingestionService := services.NewIngestionService(client, store, cfg.Cache.MaxAge, logger, metricsCollector)
	statsService := services.NewStatisticsService(store, cfg.HistoryPolicy(), logger, metricsCollector)
	refreshService := services.NewRefreshService(registry, ingestionService, statsService, logger, metricsCollector)
	bikeService := services.NewBikeService(bikeRepo, registry, logger, metricsCollector)

	bikeHandler := handlers.NewBikeHandler(bikeService, refreshService, logger, metricsCollector)

	router := mux.NewRouter()
	bikeHandler.RegisterRoutes(router)
	router.HandleFunc("/api/docs/openapi.json", handlers.OpenAPISpec).Methods("GET")
	router.HandleFunc("/api/docs", handlers.SwaggerUI("/api/docs/openapi.json")).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(scheduler.Config{Interval: cfg.Scheduler.Interval}, refreshService, logger)
		if err := sched.Start(); err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to start scheduler", logging.Fields{}, err)
		}
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{})

	if sched != nil {
		sched.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}
