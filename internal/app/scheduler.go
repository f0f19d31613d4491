/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig holds the cron specs of the scheduled jobs. An empty spec
// disables the job.
type SchedulerConfig struct {
	RecoverySchedule    string
	LimboReportSchedule string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config SchedulerConfig
}

// NewScheduler creates a new scheduler instance. Overlapping runs of the same
// job are skipped.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger.With("component", "scheduler"),
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the number
// of jobs that were scheduled.
func (s *Scheduler) Start() int {
	scheduled := 0
	add := func(name, spec string, job func()) {
		if spec == "" {
			s.logger.Info("job disabled", "job", name)
			return
		}
		if _, err := s.cron.AddFunc(spec, job); err != nil {
			s.logger.Error("failed to schedule job", "job", name, "schedule", spec, "err", err)
			return
		}
		scheduled++
		s.logger.Info("scheduled job", "job", name, "schedule", spec)
	}

	add("stale_transfer_recovery", s.config.RecoverySchedule, s.jobs.RecoverStaleTransfers)
	add("funds_in_limbo_report", s.config.LimboReportSchedule, s.jobs.ReportFundsInLimbo)

	s.cron.Start()
	return scheduled
}

// Stop stops the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
