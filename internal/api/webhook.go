package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/husn/settlement-service/internal/app"
	"github.com/husn/settlement-service/internal/domain"
	log "github.com/sirupsen/logrus"
)

const maxWebhookBody = 1 << 20

// handleGatewayWebhook receives payout status webhooks. Once the signature checks
// out the gateway always gets a 200 so that it stops redelivering; anything that
// could not be applied is in the inbox or left to the reconcile sweep.
func (h *Handler) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	logger := log.WithFields(log.Fields{"component": "api", "op": "gateway_webhook"})

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "Could not read body")
		return
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Razorpay-Signature")
	}

	// The gateway hanging up must not abort a half-applied status change.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 15*time.Second)
	defer cancel()

	ledger, err := h.service.HandleGatewayWebhook(ctx, payload, signature)
	switch {
	case err == nil:
		entry := logger
		if ledger != nil {
			entry = entry.WithFields(log.Fields{"ledger_id": ledger.ID, "status": ledger.Status})
		}
		entry.Info("gateway webhook applied")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, app.ErrInvalidSignature):
		logger.WithField("remote_addr", r.RemoteAddr).Warn("gateway webhook rejected: bad signature")
		writeError(w, http.StatusUnauthorized, "invalid_signature", "Invalid signature")
	case errors.Is(err, app.ErrMalformedWebhook), errors.Is(err, domain.ErrMalformedGatewayEvent):
		// Signed but unusable; redelivery would not change it.
		logger.WithError(err).Warn("gateway webhook ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case app.IsNotFound(err):
		logger.Info("gateway webhook for unknown payout buffered")
		writeJSON(w, http.StatusOK, map[string]string{"status": "buffered"})
	default:
		logger.WithError(err).Error("gateway webhook could not be applied")
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}
