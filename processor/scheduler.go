package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"fundingflow/config"
	"fundingflow/logger"
	"fundingflow/models"
)

// Runner produces one report per call. *Assembler implements it.
type Runner interface {
	Run(ctx context.Context) models.Report
}

// Scheduler triggers runs on a cron schedule and hands every report to the
// publish callback. Overlapping triggers are skipped.
type Scheduler struct {
	runner   Runner
	schedule string
	publish  func(models.Report)

	cron    *cron.Cron
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	busy    sync.Mutex
	log     *logger.Log
}

func NewScheduler(runner Runner, schedule string, publish func(models.Report)) *Scheduler {
	if publish == nil {
		publish = func(models.Report) {}
	}
	return &Scheduler{
		runner:   runner,
		schedule: schedule,
		publish:  publish,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start registers the schedule and runs once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	c := cron.New(cron.WithParser(config.ScheduleParser))
	if _, err := c.AddFunc(s.schedule, s.trigger); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.schedule, err)
	}
	s.cron = c
	s.ctx = ctx
	s.running = true

	c.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RunOnce()
	}()

	s.log.WithComponent("scheduler").WithFields(logger.Fields{"schedule": s.schedule}).Info("scheduler started")
	return nil
}

func (s *Scheduler) trigger() {
	s.wg.Add(1)
	defer s.wg.Done()
	s.RunOnce()
}

// RunOnce runs the aggregation unless one is already in flight. It reports
// whether a run happened.
func (s *Scheduler) RunOnce() bool {
	if !s.busy.TryLock() {
		log := s.log.WithComponent("scheduler")
		log.Warn("previous run still in progress; skipping trigger")
		log.LogMetric("scheduler", "skipped_runs", 1, "counter", nil)
		return false
	}
	defer s.busy.Unlock()

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return false
	}
	s.publish(s.runner.Run(ctx))
	return true
}

// Stop halts the schedule and waits for an in-flight run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.cron
	s.mu.Unlock()

	s.log.WithComponent("scheduler").Info("stopping scheduler")
	<-c.Stop().Done()
	s.wg.Wait()
	s.log.WithComponent("scheduler").Info("scheduler stopped")
}
