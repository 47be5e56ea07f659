package domain

import (
	"time"

	"github.com/google/uuid"
)

// PayoutEvent is published on every ledger status change.
type PayoutEvent struct {
	LedgerID       uuid.UUID    `json:"ledger_id"`
	ProfessionalID uuid.UUID    `json:"professional_id"`
	Amount         int64        `json:"amount"`
	Currency       string       `json:"currency"`
	NewStatus      PayoutStatus `json:"new_status"`
	WeekStart      time.Time    `json:"week_start"`
	FailureReason  *string      `json:"failure_reason,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// NewPayoutEvent captures the ledger's current state.
func NewPayoutEvent(p *PayoutLedger, at time.Time) PayoutEvent {
	return PayoutEvent{
		LedgerID:       p.ID,
		ProfessionalID: p.ProfessionalID,
		Amount:         p.ProfessionalPayout,
		Currency:       p.Currency,
		NewStatus:      p.Status,
		WeekStart:      p.WeekStart,
		FailureReason:  p.FailureReason,
		Timestamp:      at,
	}
}

// RoutingKey is the topic the event is published under.
func (e PayoutEvent) RoutingKey() string {
	return "payout." + string(e.NewStatus)
}
