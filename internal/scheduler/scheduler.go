// Package scheduler runs a single job either once, or repeatedly on a cron
// expression, suppressing overlapping runs and supporting graceful stop.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/nullstream/influx-replicator/internal/errkind"
)

// Runner is the unit of work the scheduler drives: one job execution.
type Runner interface {
	Run(ctx context.Context) error
}

// Scheduler drives one Runner either once or on a cron schedule.
type Scheduler struct {
	name    string
	runner  Runner
	logger  *logrus.Entry
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New builds a Scheduler for one named job.
func New(name string, runner Runner, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		name:   name,
		runner: runner,
		logger: logger.WithField("job", name),
		cron:   cron.New(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// RunOnce executes the job a single time and returns its error, without
// touching the cron scheduler. Used for "options.mode: range" jobs and for
// manual invocations.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.runner.Run(ctx)
}

// StartCron schedules the job on the given cron expression and runs it
// immediately once, then on every subsequent tick. Overlapping ticks are
// suppressed: a tick that fires while the previous run is still in flight
// is skipped with a warning rather than queued.
func (s *Scheduler) StartCron(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return errkind.Wrap(errkind.Scheduling, "invalid cron schedule "+schedule, err)
	}
	s.cron.Start()
	s.logger.WithField("schedule", schedule).Info("scheduler started")

	go s.tick()
	return nil
}

// Stop cancels the active run's context, stops the cron scheduler, and
// waits up to 30s for any in-flight run to return.
func (s *Scheduler) Stop() {
	s.cancel()
	stopped := s.cron.Stop()
	<-stopped.Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-time.After(30 * time.Second):
		s.logger.Warn("scheduler stop timed out waiting for in-flight run")
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("previous run still in flight, skipping this tick")
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	defer func() {
		s.wg.Done()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	start := time.Now()
	if err := s.runner.Run(s.ctx); err != nil {
		s.logger.WithError(err).WithField("duration", time.Since(start)).Error("run failed")
		return
	}
	s.logger.WithField("duration", time.Since(start)).Info("run completed")
}
