package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shopflow/settlement-engine/internal/config"
	"github.com/shopflow/settlement-engine/internal/settlement"
)

// SweepObserver records sweep outcomes for metrics
type SweepObserver interface {
	ObserveSweep(outcome string, released, held, upgrades int, duration time.Duration)
}

// Scheduler runs the settlement sweep on a cron schedule. On-demand sweeps
// stay available over HTTP; the mutex below keeps a scheduled run from
// overlapping a manual one on the same process.
type Scheduler struct {
	config    *config.Config
	logger    *slog.Logger
	cron      *cron.Cron
	sweeper   *settlement.Sweeper
	observer  SweepObserver
	entryID   cron.EntryID
	runMu     sync.Mutex
	lastRun   time.Time
	lastErr   error
	lastStats *settlement.Summary
	statsMu   sync.RWMutex
}

// NewScheduler creates a new sweep scheduler
func NewScheduler(cfg *config.Config, logger *slog.Logger, sweeper *settlement.Sweeper, observer SweepObserver) (*Scheduler, error) {
	cronScheduler := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))

	s := &Scheduler{
		config:   cfg,
		logger:   logger,
		cron:     cronScheduler,
		sweeper:  sweeper,
		observer: observer,
	}

	entryID, err := cronScheduler.AddFunc(cfg.Settlement.SweepSchedule, func() {
		ctx := context.Background()
		if _, err := s.RunSweep(ctx); err != nil {
			s.logger.Error("Scheduled settlement sweep failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule settlement sweep: %w", err)
	}
	s.entryID = entryID

	return s, nil
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "sweep_schedule", s.config.Settlement.SweepSchedule)
	s.cron.Start()

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Scheduler stopped")
	return ctx.Err()
}

// RunSweep executes one sweep, serialized against scheduled runs
func (s *Scheduler) RunSweep(ctx context.Context) (*settlement.Summary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	summary, err := s.sweeper.Run(ctx)

	if s.observer != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		released, held, upgrades := 0, 0, 0
		if summary != nil {
			released, held, upgrades = summary.Released, summary.HeldForReview, summary.TierUpgrades
		}
		s.observer.ObserveSweep(outcome, released, held, upgrades, time.Since(start))
	}

	s.statsMu.Lock()
	s.lastRun = time.Now()
	s.lastErr = err
	s.lastStats = summary
	s.statsMu.Unlock()

	return summary, err
}

// LastRun reports the most recent sweep outcome for the status endpoint
func (s *Scheduler) LastRun() (time.Time, *settlement.Summary, error) {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.lastRun, s.lastStats, s.lastErr
}

// NextRun reports when the next scheduled sweep fires
func (s *Scheduler) NextRun() time.Time {
	return s.cron.Entry(s.entryID).Next
}
