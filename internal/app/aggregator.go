package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/husn/settlement-service/internal/domain"
	"github.com/husn/settlement-service/internal/store"
)

// RevenueSummary is a read-only view of what a week would settle to.
type RevenueSummary struct {
	ProfessionalID uuid.UUID              `json:"professional_id"`
	WeekStart      time.Time              `json:"week_start"`
	WeekEnd        time.Time              `json:"week_end"`
	Lines          []domain.RevenueLine   `json:"service_items"`
	Split          domain.CommissionSplit `json:"split"`
	CommissionRate string                 `json:"commission_rate"`
	Currency       string                 `json:"currency"`
	Eligible       bool                   `json:"eligible"`
	LedgerID       *uuid.UUID             `json:"ledger_id,omitempty"`
	LedgerStatus   *domain.PayoutStatus   `json:"ledger_status,omitempty"`
}

// PreviewWeek summarizes a professional's completed revenue for the week
// containing weekOf without writing anything. A ledger that already exists for
// the week is referenced, and its figures win over a fresh aggregation.
func (s *Service) PreviewWeek(ctx context.Context, professionalID uuid.UUID, weekOf time.Time) (*RevenueSummary, error) {
	if _, err := s.repo.FindProfessionalByID(ctx, professionalID); err != nil {
		return nil, err
	}
	window := s.WeekWindowFor(weekOf)

	summary := &RevenueSummary{
		ProfessionalID: professionalID,
		WeekStart:      window.Start,
		WeekEnd:        window.End,
		CommissionRate: s.cfg.CommissionRate.String(),
		Currency:       s.cfg.Currency,
	}

	existing, err := s.repo.FindPayoutByWeek(ctx, professionalID, window)
	switch {
	case err == nil:
		summary.Lines = existing.ServiceItems
		summary.Split = domain.CommissionSplit{
			TotalRevenue:       existing.TotalRevenue,
			PlatformCommission: existing.PlatformCommission,
			ProfessionalPayout: existing.ProfessionalPayout,
		}
		summary.CommissionRate = existing.CommissionRate
		summary.Currency = existing.Currency
		summary.LedgerID = &existing.ID
		summary.LedgerStatus = &existing.Status
		summary.Eligible = existing.TotalRevenue > 0
		return summary, nil
	case !errors.Is(err, store.ErrPayoutNotFound):
		return nil, err
	}

	lines, err := s.repo.FindCompletedRevenue(ctx, professionalID, window)
	if err != nil {
		return nil, err
	}
	if lines == nil {
		lines = []domain.RevenueLine{}
	}
	summary.Lines = lines
	summary.Split = domain.SplitCommission(domain.SumRevenue(lines), s.cfg.CommissionRate)
	summary.Eligible = summary.Split.TotalRevenue > 0
	return summary, nil
}

// PreviewOwnWeek is PreviewWeek for a professional looking at their own earnings,
// rate limited per professional when a limiter is configured.
func (s *Service) PreviewOwnWeek(ctx context.Context, professionalID uuid.UUID, weekOf time.Time) (*RevenueSummary, error) {
	if s.rateLimiter != nil && s.cfg.PreviewRateLimit > 0 {
		err := s.rateLimiter.Allow(ctx, "payout_preview:"+professionalID.String(), s.cfg.PreviewRateLimit, time.Minute)
		var limited *RateLimitError
		if errors.As(err, &limited) {
			return nil, err
		}
		if err != nil {
			// Limiter outages must not take the preview down.
			professionalLogger(professionalID).WithError(err).Warn("preview rate limiter unavailable")
		}
	}
	return s.PreviewWeek(ctx, professionalID, weekOf)
}
