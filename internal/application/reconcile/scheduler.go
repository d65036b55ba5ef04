package reconcile

import (
	"context"
	"errors"
	"time"

	"pg_settlement/pkg/logger"
)

// Runner is one reconciliation pass.
type Runner interface {
	RunOnce(ctx context.Context) (Summary, error)
}

// Scheduler runs the job on a fixed interval. Runs never overlap.
type Scheduler struct {
	runner     Runner
	interval   time.Duration
	runOnStart bool
	log        logger.Logger
}

func NewScheduler(runner Runner, interval time.Duration, runOnStart bool, log logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Scheduler{
		runner:     runner,
		interval:   interval,
		runOnStart: runOnStart,
		log:        log.WithFields(logger.String("component", "reconcile_scheduler")),
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("Reconcile scheduler started",
		logger.Duration("interval", s.interval),
		logger.Bool("run_on_start", s.runOnStart),
	)

	if s.runOnStart {
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Reconcile scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.runner.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("Reconcile run failed", logger.Error(err))
	}
}
