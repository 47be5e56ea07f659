package app

import (
	"context"
	"errors"
	"testing"
	"time"
)

type settlementJobsStub struct {
	weekOf     time.Time
	staleAfter time.Duration
	limit      int
	err        error
}

func (s *settlementJobsStub) GenerateWeeklyPayouts(ctx context.Context, weekOf time.Time) (GenerationResult, error) {
	s.weekOf = weekOf
	return GenerationResult{}, s.err
}

func (s *settlementJobsStub) ReconcileProcessing(ctx context.Context, staleAfter time.Duration, limit int) (ReconcileResult, error) {
	s.staleAfter = staleAfter
	s.limit = limit
	return ReconcileResult{}, s.err
}

func TestScheduler_GenerateLastWeekTargetsPreviousWeek(t *testing.T) {
	jobs := &settlementJobsStub{}
	s := NewScheduler(jobs, SchedulerConfig{})
	now := time.Date(2024, time.March, 11, 2, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.GenerateLastWeek()

	if !jobs.weekOf.Equal(time.Date(2024, time.March, 4, 2, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected the previous week, got %s", jobs.weekOf)
	}
}

func TestScheduler_ReconcilePassesSweepBounds(t *testing.T) {
	jobs := &settlementJobsStub{err: errors.New("db down")}
	s := NewScheduler(jobs, SchedulerConfig{ReconcileStaleAfter: 30 * time.Minute, ReconcileBatchSize: 50})

	s.Reconcile()

	if jobs.staleAfter != 30*time.Minute || jobs.limit != 50 {
		t.Fatalf("unexpected sweep bounds %s/%d", jobs.staleAfter, jobs.limit)
	}
}

func TestScheduler_StartRejectsInvalidScheduleWithoutPanicking(t *testing.T) {
	s := NewScheduler(&settlementJobsStub{}, SchedulerConfig{WeeklyGenerationSchedule: "not a cron", ReconcileSchedule: "*/15 * * * *"})
	s.Start()
	<-s.Stop().Done()

	if len(s.cron.Entries()) != 1 {
		t.Fatalf("expected only the valid job to be registered, got %d", len(s.cron.Entries()))
	}
}
