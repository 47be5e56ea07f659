/**
 * @description
 * Domain model for the weekly payout ledger. A ledger is the immutable record of
 * what one professional earned in one week and how much of it is owed to them.
 * All lifecycle transitions live here as pure methods so that the orchestrator
 * only has to persist the result.
 */
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayoutStatus is the lifecycle state of a payout ledger.
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusFailed     PayoutStatus = "failed"
	PayoutStatusCancelled  PayoutStatus = "cancelled"
)

// TransferMethodBankTransfer is recorded on ledgers settled through the payout gateway.
const TransferMethodBankTransfer = "bank_transfer"

var (
	ErrInvalidTransition     = errors.New("invalid payout status transition")
	ErrCannotCancelCompleted = errors.New("completed payouts cannot be cancelled")
	ErrNoRevenue             = errors.New("no eligible revenue in the week")
)

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s PayoutStatus) CanTransitionTo(next PayoutStatus) bool {
	switch s {
	case PayoutStatusPending:
		return next == PayoutStatusProcessing || next == PayoutStatusCancelled
	case PayoutStatusProcessing:
		return next == PayoutStatusCompleted || next == PayoutStatusFailed || next == PayoutStatusCancelled
	case PayoutStatusFailed:
		// admin retry
		return next == PayoutStatusProcessing
	}
	return false
}

// ParsePayoutStatus validates a raw status string.
func ParsePayoutStatus(raw string) (PayoutStatus, bool) {
	switch s := PayoutStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case PayoutStatusPending, PayoutStatusProcessing, PayoutStatusCompleted, PayoutStatusFailed, PayoutStatusCancelled:
		return s, true
	}
	return "", false
}

// CommissionSplit is the division of a week's revenue between platform and professional.
type CommissionSplit struct {
	TotalRevenue       int64 `json:"total_revenue"`
	PlatformCommission int64 `json:"platform_commission"`
	ProfessionalPayout int64 `json:"professional_payout"`
}

// SplitCommission computes the platform commission at rate and gives the
// professional the remainder, so both parts always add up to total.
func SplitCommission(total int64, rate decimal.Decimal) CommissionSplit {
	commission := decimal.NewFromInt(total).Mul(rate).Round(0).IntPart()
	return CommissionSplit{
		TotalRevenue:       total,
		PlatformCommission: commission,
		ProfessionalPayout: total - commission,
	}
}

// PayoutLedger is one professional's settlement record for one week.
type PayoutLedger struct {
	ID                  uuid.UUID     `json:"id"`
	ProfessionalID      uuid.UUID     `json:"professional_id"`
	ProfessionalEmail   string        `json:"professional_email"`
	ProfessionalName    string        `json:"professional_name"`
	WeekStart           time.Time     `json:"week_start"`
	WeekEnd             time.Time     `json:"week_end"`
	TotalRevenue        int64         `json:"total_revenue"`
	PlatformCommission  int64         `json:"platform_commission"`
	ProfessionalPayout  int64         `json:"professional_payout"`
	CommissionRate      string        `json:"commission_rate"`
	Currency            string        `json:"currency"`
	ServiceItems        []RevenueLine `json:"service_items"`
	BankDetailsSnapshot *BankDetails  `json:"bank_details,omitempty"`
	Status              PayoutStatus  `json:"status"`
	TransferMethod      string        `json:"transfer_method"`
	GatewayPayoutID     *string       `json:"gateway_payout_id,omitempty"`
	TransactionID       *string       `json:"transaction_id,omitempty"`
	TransferredAt       *time.Time    `json:"transferred_at,omitempty"`
	FailureReason       *string       `json:"failure_reason,omitempty"`
	FailureRetryable    bool          `json:"failure_retryable"`
	CancellationReason  *string       `json:"cancellation_reason,omitempty"`
	AdminNotes          *string       `json:"admin_notes,omitempty"`
	RetryCount          int           `json:"retry_count"`
	LastAttemptAt       *time.Time    `json:"last_attempt_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// NewPayoutLedger snapshots a week of revenue lines and the professional's bank
// details into a pending ledger.
func NewPayoutLedger(p *Professional, window WeekWindow, lines []RevenueLine, rate decimal.Decimal, currency string, now time.Time) (*PayoutLedger, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	total := SumRevenue(lines)
	if len(lines) == 0 || total <= 0 {
		return nil, ErrNoRevenue
	}
	split := SplitCommission(total, rate)

	items := make([]RevenueLine, len(lines))
	copy(items, lines)

	ledger := &PayoutLedger{
		ID:                 uuid.New(),
		ProfessionalID:     p.ID,
		ProfessionalEmail:  p.Email,
		ProfessionalName:   p.Name,
		WeekStart:          window.Start,
		WeekEnd:            window.End,
		TotalRevenue:       split.TotalRevenue,
		PlatformCommission: split.PlatformCommission,
		ProfessionalPayout: split.ProfessionalPayout,
		CommissionRate:     rate.String(),
		Currency:           currency,
		ServiceItems:       items,
		Status:             PayoutStatusPending,
		TransferMethod:     TransferMethodBankTransfer,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if p.BankDetails != nil {
		snapshot := *p.BankDetails
		ledger.BankDetailsSnapshot = &snapshot
	}
	return ledger, nil
}

// Window returns the ledger's week.
func (p *PayoutLedger) Window() WeekWindow {
	return WeekWindow{Start: p.WeekStart, End: p.WeekEnd}
}

// MarkProcessing moves a pending ledger, or a failed one on admin retry, into processing.
// The financial snapshot is left untouched.
func (p *PayoutLedger) MarkProcessing(now time.Time) error {
	if !p.Status.CanTransitionTo(PayoutStatusProcessing) {
		return transitionError(p.Status, PayoutStatusProcessing)
	}
	if p.Status == PayoutStatusFailed {
		p.RetryCount++
		reason := ""
		if p.FailureReason != nil {
			reason = *p.FailureReason
		}
		p.AppendAdminNote(now, fmt.Sprintf("retry #%d after failure: %s", p.RetryCount, reason))
		p.FailureReason = nil
		p.FailureRetryable = false
	}
	p.Status = PayoutStatusProcessing
	p.LastAttemptAt = &now
	p.UpdatedAt = now
	return nil
}

// RecordGatewayPayout stores the gateway's id for the submitted payout.
func (p *PayoutLedger) RecordGatewayPayout(gatewayPayoutID string, now time.Time) error {
	if p.Status != PayoutStatusProcessing {
		return transitionError(p.Status, PayoutStatusProcessing)
	}
	id := gatewayPayoutID
	p.GatewayPayoutID = &id
	p.UpdatedAt = now
	return nil
}

// MarkCompleted settles a processing ledger. Completing an already completed
// ledger is a no-op that reports changed=false and keeps the original
// TransferredAt.
func (p *PayoutLedger) MarkCompleted(transactionID string, at time.Time) (changed bool, err error) {
	if p.Status == PayoutStatusCompleted {
		return false, nil
	}
	if !p.Status.CanTransitionTo(PayoutStatusCompleted) {
		return false, transitionError(p.Status, PayoutStatusCompleted)
	}
	if transactionID = strings.TrimSpace(transactionID); transactionID != "" {
		p.TransactionID = &transactionID
	}
	p.Status = PayoutStatusCompleted
	p.TransferredAt = &at
	p.FailureReason = nil
	p.FailureRetryable = false
	p.UpdatedAt = at
	return true, nil
}

// MarkFailed records a failed attempt with the reason surfaced by the gateway.
// Failing an already failed ledger is a no-op.
func (p *PayoutLedger) MarkFailed(reason string, retryable bool, now time.Time) (changed bool, err error) {
	if p.Status == PayoutStatusFailed {
		return false, nil
	}
	if !p.Status.CanTransitionTo(PayoutStatusFailed) {
		return false, transitionError(p.Status, PayoutStatusFailed)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "payout failed"
	}
	p.Status = PayoutStatusFailed
	p.FailureReason = &reason
	p.FailureRetryable = retryable
	p.UpdatedAt = now
	return true, nil
}

// Cancel stops a ledger that has not settled yet.
func (p *PayoutLedger) Cancel(reason string, now time.Time) error {
	if p.Status == PayoutStatusCompleted {
		return ErrCannotCancelCompleted
	}
	if !p.Status.CanTransitionTo(PayoutStatusCancelled) {
		return transitionError(p.Status, PayoutStatusCancelled)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by admin"
	}
	p.Status = PayoutStatusCancelled
	p.CancellationReason = &reason
	p.UpdatedAt = now
	return nil
}

// AppendAdminNote adds a timestamped line to the ledger's notes.
func (p *PayoutLedger) AppendAdminNote(at time.Time, note string) {
	line := fmt.Sprintf("[%s] %s", at.UTC().Format(time.RFC3339), strings.TrimSpace(note))
	if p.AdminNotes == nil || *p.AdminNotes == "" {
		p.AdminNotes = &line
		return
	}
	joined := *p.AdminNotes + "\n" + line
	p.AdminNotes = &joined
}

func transitionError(from, to PayoutStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
