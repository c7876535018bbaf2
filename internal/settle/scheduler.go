package settle

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SchedulerConfig holds the sweep and reset cadence.
type SchedulerConfig struct {
	SweepInterval time.Duration // settlement sweep interval (default 5m)
	ResetHourUTC  int           // hour of day for the daily reset (default 0)
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SweepInterval: 5 * time.Minute,
	}
}

// Scheduler drives the settlement sweep on a fixed interval and the daily
// reset once per UTC day. Both jobs are idempotent, so an overlapping manual
// HTTP trigger is harmless.
type Scheduler struct {
	cfg     SchedulerConfig
	service *Service
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler over the settlement service.
func NewScheduler(cfg SchedulerConfig, service *Service, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSchedulerConfig().SweepInterval
	}
	return &Scheduler{
		cfg:     cfg,
		service: service,
		logger:  logger,
	}
}

// Start begins the scheduling loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.runSweeps()
	go s.runResets()

	s.logger.Info("settlement scheduler started",
		"sweep_interval", s.cfg.SweepInterval,
		"reset_hour_utc", s.cfg.ResetHourUTC,
	)
}

// Stop gracefully shuts the scheduler down.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("settlement scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runSweeps() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	// Sweep immediately on start to pick up anything missed while down.
	s.sweep()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Scheduler) sweep() {
	if _, err := s.service.Run(s.ctx); err != nil {
		s.logger.Error("settlement sweep failed", "err", err)
	}
}

func (s *Scheduler) runResets() {
	defer s.wg.Done()

	for {
		next := nextResetTime(time.Now().UTC(), s.cfg.ResetHourUTC)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.service.RunDailyReset(s.ctx); err != nil {
				s.logger.Error("daily reset failed", "err", err)
			}
		}
	}
}

// nextResetTime returns the next occurrence of resetHour UTC strictly after now.
func nextResetTime(now time.Time, resetHour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), resetHour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
