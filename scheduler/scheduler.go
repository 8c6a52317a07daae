package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"rare_birds/config"
)

var ErrNoSchedule = errors.New("no schedule configured: set SCRAPE_CRON or SCRAPE_INTERVAL")

// Job is one batch run.
type Job func(ctx context.Context) error

// Scheduler fires a Job on a cron expression or a fixed interval. A tick that
// arrives while the previous run is still going is skipped.
type Scheduler struct {
	cfg     config.SchedulerConfig
	job     Job
	cron    *cron.Cron
	ticker  *time.Ticker
	stopCh  chan struct{}
	stopped sync.Once
	running atomic.Bool
	wg      sync.WaitGroup
}

func New(cfg config.SchedulerConfig, job Job) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		job:    job,
		cron:   cron.New(),
		stopCh: make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Cron != "" {
		log.Infof("Starting scheduler with cron: %s", s.cfg.Cron)
		_, err := s.cron.AddFunc(s.cfg.Cron, func() {
			s.TriggerNow(ctx)
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
		return nil
	}

	if s.cfg.Interval > 0 {
		log.Infof("Starting scheduler with interval: %s", s.cfg.Interval)
		s.ticker = time.NewTicker(s.cfg.Interval)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
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
		return nil
	}

	return ErrNoSchedule
}

// TriggerNow runs the job unless a run is already in progress. It reports
// whether the job ran.
func (s *Scheduler) TriggerNow(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		log.Warn("Previous run still in progress, skipping tick")
		return false
	}
	defer s.running.Store(false)

	if err := s.job(ctx); err != nil {
		log.WithError(err).Error("Scheduled run failed")
	}
	return true
}

// Stop halts future ticks and waits for an in-flight cron job to return.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() {
		<-s.cron.Stop().Done()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
		s.wg.Wait()
	})
}
