/**
 * @description
 * Cron scheduler for the settlement jobs: generating last week's ledgers and
 * sweeping ledgers stuck in processing.
 */
package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// SettlementJobs is the part of the orchestrator the scheduler drives.
type SettlementJobs interface {
	GenerateWeeklyPayouts(ctx context.Context, weekOf time.Time) (GenerationResult, error)
	ReconcileProcessing(ctx context.Context, staleAfter time.Duration, limit int) (ReconcileResult, error)
}

// SchedulerConfig holds the cron expressions and sweep bounds.
type SchedulerConfig struct {
	WeeklyGenerationSchedule string
	ReconcileSchedule        string
	ReconcileStaleAfter      time.Duration
	ReconcileBatchSize       int
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   SettlementJobs
	config SchedulerConfig
	now    func() time.Time
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs SettlementJobs, cfg SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(log.WithField("component", "scheduler"))
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	logger := log.WithField("component", "scheduler")

	if _, err := s.cron.AddFunc(s.config.WeeklyGenerationSchedule, s.GenerateLastWeek); err != nil {
		logger.WithError(err).Error("failed to schedule weekly payout generation")
	} else {
		logger.WithField("schedule", s.config.WeeklyGenerationSchedule).Info("scheduled weekly payout generation")
	}

	if _, err := s.cron.AddFunc(s.config.ReconcileSchedule, s.Reconcile); err != nil {
		logger.WithError(err).Error("failed to schedule payout reconcile sweep")
	} else {
		logger.WithField("schedule", s.config.ReconcileSchedule).Info("scheduled payout reconcile sweep")
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// GenerateLastWeek settles the week before the current one.
func (s *Scheduler) GenerateLastWeek() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	weekOf := s.now().AddDate(0, 0, -7)
	if _, err := s.jobs.GenerateWeeklyPayouts(ctx, weekOf); err != nil {
		log.WithFields(log.Fields{"component": "scheduler", "job": "weekly_generation"}).WithError(err).Error("weekly payout generation failed")
	}
}

// Reconcile runs one sweep over stale processing ledgers.
func (s *Scheduler) Reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := s.jobs.ReconcileProcessing(ctx, s.config.ReconcileStaleAfter, s.config.ReconcileBatchSize); err != nil {
		log.WithFields(log.Fields{"component": "scheduler", "job": "reconcile"}).WithError(err).Error("payout reconcile sweep failed")
	}
}
