package app

import (
	"context"
	"errors"
	"time"

	"github.com/husn/settlement-service/internal/domain"
	"github.com/husn/settlement-service/internal/store"
	log "github.com/sirupsen/logrus"
)

// GatewayStatusConfirmer re-reads a payout's status from the gateway.
type GatewayStatusConfirmer interface {
	ConfirmGatewayPayout(ctx context.Context, gatewayPayoutID string) (*domain.PayoutLedger, error)
}

// GatewayStatusConsumer handles payout status events relayed over the message bus.
// Relayed bodies carry no signature, so only the payout id is trusted and the
// outcome is taken from the gateway.
type GatewayStatusConsumer struct {
	confirmer GatewayStatusConfirmer
	now       func() time.Time
}

func NewGatewayStatusConsumer(confirmer GatewayStatusConfirmer) *GatewayStatusConsumer {
	return &GatewayStatusConsumer{confirmer: confirmer, now: func() time.Time { return time.Now().UTC() }}
}

// HandleMessage returns false only when the message should be redelivered.
func (c *GatewayStatusConsumer) HandleMessage(body []byte) bool {
	logger := log.WithFields(log.Fields{"component": "gateway_status_consumer"})

	update, err := domain.ParseGatewayWebhook(body, "relay", c.now())
	if err != nil {
		// Redelivery cannot fix a body that does not decode.
		logger.WithError(err).Warn("dropping malformed gateway status event")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger = logger.WithFields(log.Fields{"gateway_payout_id": update.GatewayPayoutID, "claimed_outcome": update.Outcome})
	ledger, err := c.confirmer.ConfirmGatewayPayout(ctx, update.GatewayPayoutID)
	switch {
	case err == nil:
		logger.WithField("status", ledger.Status).Info("gateway status confirmed")
		return true
	case errors.Is(err, store.ErrPayoutNotFound):
		logger.Info("no ledger for gateway payout; leaving it to reconcile")
		return true
	case errors.Is(err, ErrLedgerBusy):
		// Whoever holds the lock is already talking to the gateway.
		return true
	default:
		logger.WithError(err).Error("failed to confirm gateway status event")
		return false
	}
}
