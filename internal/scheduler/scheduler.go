// Package scheduler runs the license expiration sweep and the expiration
// reminder on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"

	"licensedesk.app/server/internal/license"
	"licensedesk.app/server/internal/logger"
	"licensedesk.app/server/internal/metrics"
)

const (
	JobSweep    = "expiration_sweep"
	JobReminder = "expiration_reminder"
)

var ErrJobRunning = errors.New("job is already running")

// Jobs is the work the scheduler triggers.
type Jobs interface {
	ExpireOverdue(ctx context.Context) (int64, error)
	SendExpirationReminders(ctx context.Context) (license.ReminderResult, error)
}

type Options struct {
	SweepSchedule    string
	ReminderSchedule string
	Metrics          *metrics.Registry
}

type Scheduler struct {
	jobs    Jobs
	options Options
	cron    *cron.Cron
	mu      sync.Mutex
	running bool

	sweepBusy    atomic.Bool
	reminderBusy atomic.Bool
	lastSweep    atomic.Time
	lastReminder atomic.Time
}

func New(jobs Jobs, options Options) *Scheduler {
	return &Scheduler{
		jobs:    jobs,
		options: options,
		cron:    cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start registers both jobs. An empty schedule leaves that job unscheduled.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already running")
	}

	if s.options.SweepSchedule != "" {
		if _, err := s.cron.AddFunc(s.options.SweepSchedule, s.scheduledSweep); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", s.options.SweepSchedule, err)
		}
	}
	if s.options.ReminderSchedule != "" {
		if _, err := s.cron.AddFunc(s.options.ReminderSchedule, s.scheduledReminder); err != nil {
			return fmt.Errorf("invalid reminder schedule %q: %w", s.options.ReminderSchedule, err)
		}
	}

	s.cron.Start()
	s.running = true

	logger.Info("Scheduler started", map[string]interface{}{
		"sweep_schedule":    s.options.SweepSchedule,
		"reminder_schedule": s.options.ReminderSchedule,
	})
	return nil
}

// Stop returns a context that is done once running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	logger.Info("Stopping scheduler")
	return s.cron.Stop()
}

func (s *Scheduler) scheduledSweep() {
	s.RunSweepNow(context.Background())
}

func (s *Scheduler) scheduledReminder() {
	s.RunRemindersNow(context.Background())
}

// RunSweepNow runs the expiration sweep unless a sweep is already running.
func (s *Scheduler) RunSweepNow(ctx context.Context) (int64, error) {
	if !s.sweepBusy.CompareAndSwap(false, true) {
		logger.Warn("Skipping expiration sweep, previous run still active")
		return 0, ErrJobRunning
	}
	defer s.sweepBusy.Store(false)

	expired, err := s.jobs.ExpireOverdue(ctx)
	s.finish(JobSweep, err)
	if err == nil {
		s.lastSweep.Store(time.Now())
	}
	return expired, err
}

// RunRemindersNow sends expiration reminders unless a run is already active.
func (s *Scheduler) RunRemindersNow(ctx context.Context) (license.ReminderResult, error) {
	if !s.reminderBusy.CompareAndSwap(false, true) {
		logger.Warn("Skipping expiration reminders, previous run still active")
		return license.ReminderResult{}, ErrJobRunning
	}
	defer s.reminderBusy.Store(false)

	result, err := s.jobs.SendExpirationReminders(ctx)
	s.finish(JobReminder, err)
	s.lastReminder.Store(time.Now())
	return result, err
}

func (s *Scheduler) finish(job string, err error) {
	s.options.Metrics.RecordJobRun(job, err)
	if err == nil {
		return
	}

	logger.Error("Scheduled job failed", map[string]interface{}{
		"job":   job,
		"error": err.Error(),
	})
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job", job)
		sentry.CaptureException(err)
	})
}

// LastSweep is the zero time until a sweep has succeeded.
func (s *Scheduler) LastSweep() time.Time {
	return s.lastSweep.Load()
}

func (s *Scheduler) LastReminder() time.Time {
	return s.lastReminder.Load()
}
