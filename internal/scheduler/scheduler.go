// Package scheduler periodically refreshes every registered location.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/errgroup"

	"bike-counts/internal/models"
	"bike-counts/internal/services"
	"bike-counts/pkg/logging"
)

// LocationRefresher runs the pipeline for one location
type LocationRefresher interface {
	Locations() []models.Location
	Refresh(ctx context.Context, name string, force bool) (*services.RefreshResult, error)
}

// Config controls the refresh job
type Config struct {
	Interval time.Duration
	// Timeout bounds one location's run
	Timeout time.Duration
	// Parallelism is the number of locations refreshed at once
	Parallelism int
	// WaitForSchedule delays the first run by one interval
	WaitForSchedule bool
}

// Scheduler periodically refreshes all locations. Runs never overlap.
type Scheduler struct {
	scheduler *gocron.Scheduler
	refresher LocationRefresher
	cfg       Config
	logger    *logging.StructuredLogger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Scheduler
func New(cfg Config, refresher LocationRefresher, logger *logging.StructuredLogger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		refresher: refresher,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules the refresh job and starts the underlying scheduler
func (s *Scheduler) Start() error {
	if len(s.refresher.Locations()) == 0 {
		s.logger.Warn(s.ctx, "[SCHEDULER_IDLE] No locations configured; nothing to schedule", logging.Fields{})
		return nil
	}

	job := s.scheduler.Every(s.cfg.Interval).SingletonMode()
	if s.cfg.WaitForSchedule {
		job = job.WaitForSchedule()
	}
	if _, err := job.Do(func() { s.RunOnce(s.ctx) }); err != nil {
		return err
	}

	s.logger.Info(s.ctx, "[SCHEDULER_START] Refresh job scheduled", logging.Fields{
		"interval":  s.cfg.Interval.String(),
		"locations": len(s.refresher.Locations()),
	})
	s.scheduler.StartAsync()
	return nil
}

// RunOnce refreshes every location and returns when all runs finished.
// Failures are logged; the returned count is the number of failed locations.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	startTime := time.Now()
	locations := s.refresher.Locations()

	s.logger.Info(ctx, "[SCHEDULER_RUN_START] Running refresh job", logging.Fields{
		"locations": len(locations),
	})

	failed := make([]bool, len(locations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)

	for i, loc := range locations {
		i, loc := i, loc
		g.Go(func() error {
			runCtx, cancel := context.WithTimeout(gctx, s.cfg.Timeout)
			defer cancel()

			if _, err := s.refresher.Refresh(runCtx, loc.Slug, false); err != nil {
				failed[i] = true
				if errors.Is(err, services.ErrRefreshInProgress) {
					s.logger.Info(ctx, "[SCHEDULER_SKIP] Refresh already running", logging.Fields{"location": loc.Slug})
					return nil
				}
				s.logger.Error(ctx, "[SCHEDULER_REFRESH_FAILED] Refresh failed", logging.Fields{"location": loc.Slug}, err)
			}
			// one location failing must not cancel the others
			return nil
		})
	}
	g.Wait()

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}

	s.logger.Info(ctx, "[SCHEDULER_RUN_COMPLETE] Refresh job finished", logging.Fields{
		"locations":   len(locations),
		"failed":      n,
		"duration_ms": time.Since(startTime).Milliseconds(),
	})
	return n
}

// Stop stops the scheduler and cancels any running job
func (s *Scheduler) Stop() {
	s.cancel()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
