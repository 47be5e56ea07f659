/**
 * @description
 * Models for payout status reports coming back from the bank-transfer gateway,
 * either as signed webhooks, as relayed queue messages, or from a status poll.
 */
package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrMalformedGatewayEvent is returned for payloads missing the payout id.
var ErrMalformedGatewayEvent = errors.New("gateway event is missing the payout id")

// GatewayWebhookEvent is the envelope the gateway posts for payout events.
type GatewayWebhookEvent struct {
	Event   string `json:"event"` // e.g. "payout.processed"
	Payload struct {
		Payout struct {
			Entity GatewayPayoutEntity `json:"entity"`
		} `json:"payout"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at,omitempty"`
}

// GatewayPayoutEntity is the payout resource as the gateway reports it.
type GatewayPayoutEntity struct {
	ID            string `json:"id"`
	Status        string `json:"status,omitempty"`
	UTR           string `json:"utr,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
}

// GatewayOutcome is the normalized result of a gateway payout.
type GatewayOutcome string

const (
	GatewayOutcomeProcessed GatewayOutcome = "processed"
	GatewayOutcomeFailed    GatewayOutcome = "failed"
	GatewayOutcomePending   GatewayOutcome = "pending"
)

// NormalizeGatewayStatus maps a raw gateway payout status onto an outcome.
func NormalizeGatewayStatus(raw string) GatewayOutcome {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "processed", "completed", "successful", "success":
		return GatewayOutcomeProcessed
	case "failed", "rejected", "reversed", "cancelled", "canceled":
		return GatewayOutcomeFailed
	default:
		return GatewayOutcomePending
	}
}

// GatewayStatusUpdate is what the orchestrator applies to a ledger.
type GatewayStatusUpdate struct {
	GatewayPayoutID string         `json:"gateway_payout_id"`
	Outcome         GatewayOutcome `json:"outcome"`
	UTR             string         `json:"utr,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	Source          string         `json:"source"`
	ReceivedAt      time.Time      `json:"received_at"`
}

// ParseGatewayWebhook decodes a webhook body into a status update. The event
// name wins over the entity status when both are present.
func ParseGatewayWebhook(body []byte, source string, receivedAt time.Time) (GatewayStatusUpdate, error) {
	var event GatewayWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return GatewayStatusUpdate{}, err
	}
	entity := event.Payload.Payout.Entity
	id := strings.TrimSpace(entity.ID)
	if id == "" {
		return GatewayStatusUpdate{}, ErrMalformedGatewayEvent
	}

	outcome := NormalizeGatewayStatus(entity.Status)
	switch strings.ToLower(strings.TrimSpace(event.Event)) {
	case "payout.processed":
		outcome = GatewayOutcomeProcessed
	case "payout.failed", "payout.rejected", "payout.reversed":
		outcome = GatewayOutcomeFailed
	}

	return GatewayStatusUpdate{
		GatewayPayoutID: id,
		Outcome:         outcome,
		UTR:             strings.TrimSpace(entity.UTR),
		FailureReason:   strings.TrimSpace(entity.FailureReason),
		Source:          source,
		ReceivedAt:      receivedAt,
	}, nil
}
