package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"portal_crawler/config"
)

// ErrNoSchedule is returned by Start when neither a cron expression nor an
// interval is configured.
var ErrNoSchedule = errors.New("no schedule configured: set CRAWL_CRON or CRAWL_INTERVAL")

// RunFunc performs one crawl.
type RunFunc func(ctx context.Context) error

// Scheduler triggers crawls on a cron expression or a fixed interval. A
// trigger that fires while a crawl is still running is skipped.
type Scheduler struct {
	cfg    config.SchedulerConfig
	run    RunFunc
	logger zerolog.Logger
	cron   *cron.Cron
	ticker *time.Ticker
	stopCh chan struct{}

	running  sync.Mutex
	stopOnce sync.Once
}

func New(cfg config.SchedulerConfig, run RunFunc, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		run:    run,
		logger: logger.With().Str("component", "scheduler").Logger(),
		cron:   cron.New(),
		stopCh: make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	switch {
	case s.cfg.Cron != "":
		s.logger.Info().Str("cron", s.cfg.Cron).Msg("starting scheduler")
		_, err := s.cron.AddFunc(s.cfg.Cron, func() {
			s.TriggerNow(ctx)
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	case s.cfg.Interval > 0:
		s.logger.Info().Dur("interval", s.cfg.Interval).Msg("starting scheduler")
		s.ticker = time.NewTicker(s.cfg.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.TriggerNow(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	default:
		return ErrNoSchedule
	}
	return nil
}

// Stop halts future triggers and waits for a running cron job to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
	})
}

// TriggerNow runs a crawl unless one is in progress. It reports whether the
// crawl ran.
func (s *Scheduler) TriggerNow(ctx context.Context) bool {
	if !s.running.TryLock() {
		s.logger.Warn().Msg("previous crawl still running, skipping trigger")
		return false
	}
	defer s.running.Unlock()

	start := time.Now()
	if err := s.run(ctx); err != nil {
		s.logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("scheduled crawl failed")
		return true
	}
	s.logger.Info().Dur("elapsed", time.Since(start)).Msg("scheduled crawl finished")
	return true
}
