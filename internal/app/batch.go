package app

import (
	"context"
	"errors"
	"time"

	"github.com/husn/settlement-service/internal/domain"
	log "github.com/sirupsen/logrus"
)

// GenerationResult summarizes a weekly generation run.
type GenerationResult struct {
	WeekStart time.Time `json:"week_start"`
	WeekEnd   time.Time `json:"week_end"`
	Created   int       `json:"created"`
	Existing  int       `json:"existing"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
}

// GenerateWeeklyPayouts creates ledgers for every professional with completed
// revenue in the week containing weekOf. Per-professional failures are counted
// and logged; the run continues.
func (s *Service) GenerateWeeklyPayouts(ctx context.Context, weekOf time.Time) (GenerationResult, error) {
	window := s.WeekWindowFor(weekOf)
	result := GenerationResult{WeekStart: window.Start, WeekEnd: window.End}

	professionals, err := s.repo.ListProfessionalsWithRevenue(ctx, window)
	if err != nil {
		return result, err
	}

	logger := log.WithFields(log.Fields{"component": "settlement", "op": "generate_week", "week_start": window.Start.Format("2006-01-02")})
	for _, professionalID := range professionals {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		_, created, err := s.generateForWindow(ctx, professionalID, window)
		switch {
		case err == nil && created:
			result.Created++
		case err == nil:
			result.Existing++
		case IsValidation(err) || IsNotFound(err):
			result.Skipped++
		default:
			result.Failed++
			logger.WithField("professional_id", professionalID).WithError(err).Error("weekly payout generation failed")
		}
	}

	logger.WithFields(log.Fields{
		"created":  result.Created,
		"existing": result.Existing,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
	}).Info("weekly payout generation finished")
	return result, nil
}

// ReconcileResult summarizes a reconcile sweep.
type ReconcileResult struct {
	Checked   int `json:"checked"`
	Resolved  int `json:"resolved"`
	Unchanged int `json:"unchanged"`
	Busy      int `json:"busy"`
	Failed    int `json:"failed"`
}

// ReconcileProcessing polls the gateway for ledgers stuck in processing for
// longer than staleAfter.
func (s *Service) ReconcileProcessing(ctx context.Context, staleAfter time.Duration, limit int) (ReconcileResult, error) {
	var result ReconcileResult
	stale, err := s.repo.ListStaleProcessingPayouts(ctx, s.now().Add(-staleAfter), limit)
	if err != nil {
		return result, err
	}

	logger := log.WithFields(log.Fields{"component": "settlement", "op": "reconcile"})
	for _, candidate := range stale {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++
		ledger, err := s.CheckPayoutStatus(ctx, candidate.ID)
		switch {
		case errors.Is(err, ErrLedgerBusy):
			result.Busy++
		case err != nil && (ledger == nil || ledger.Status == domain.PayoutStatusProcessing):
			result.Failed++
			logger.WithField("ledger_id", candidate.ID).WithError(err).Warn("reconcile poll failed")
		case ledger.Status != domain.PayoutStatusProcessing:
			result.Resolved++
		default:
			result.Unchanged++
		}
	}

	if result.Checked > 0 {
		logger.WithFields(log.Fields{
			"checked":   result.Checked,
			"resolved":  result.Resolved,
			"unchanged": result.Unchanged,
			"busy":      result.Busy,
			"failed":    result.Failed,
		}).Info("reconcile sweep finished")
	}
	return result, nil
}
