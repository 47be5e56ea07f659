package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/husn/settlement-service/internal/domain"
	"github.com/husn/settlement-service/internal/store"
	"github.com/husn/settlement-service/pkg/payoutclient"
	log "github.com/sirupsen/logrus"
)

// ErrMalformedWebhook is returned for webhook bodies that cannot be decoded.
var ErrMalformedWebhook = errors.New("malformed gateway webhook")

// SignatureVerifier checks the gateway's webhook signature.
type SignatureVerifier interface {
	VerifyWebhookSignature(payload []byte, signature string) bool
}

// SetWebhookVerifier configures signature checks for HandleGatewayWebhook.
// Without a verifier every webhook is rejected.
func (s *Service) SetWebhookVerifier(v SignatureVerifier) {
	s.verifier = v
}

// HandleGatewayWebhook verifies and applies a gateway webhook. Nothing is read or
// written when the signature does not match.
func (s *Service) HandleGatewayWebhook(ctx context.Context, payload []byte, signature string) (*domain.PayoutLedger, error) {
	if s.verifier == nil || !s.verifier.VerifyWebhookSignature(payload, signature) {
		return nil, ErrInvalidSignature
	}
	update, err := domain.ParseGatewayWebhook(payload, "webhook", s.now())
	if err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		return nil, err
	}
	return s.ApplyGatewayStatus(ctx, update)
}

// ApplyGatewayStatus applies a status reported by the gateway to the ledger that
// owns the gateway payout. Reports for payout ids not stored yet are kept in the
// inbox and replayed once the submitting call records the id.
func (s *Service) ApplyGatewayStatus(ctx context.Context, update domain.GatewayStatusUpdate) (*domain.PayoutLedger, error) {
	if update.GatewayPayoutID == "" {
		return nil, domain.ErrMalformedGatewayEvent
	}
	logger := log.WithFields(log.Fields{
		"component":         "settlement",
		"op":                "apply_gateway_status",
		"gateway_payout_id": update.GatewayPayoutID,
		"outcome":           update.Outcome,
		"source":            update.Source,
	})

	ledger, err := s.repo.FindPayoutByGatewayPayoutID(ctx, update.GatewayPayoutID)
	if err == nil {
		return s.applyToLedger(ctx, ledger, update)
	}
	if !errors.Is(err, store.ErrPayoutNotFound) || update.Outcome == domain.GatewayOutcomePending {
		return nil, err
	}

	if err := s.repo.BufferGatewayEvent(ctx, update); err != nil {
		return nil, fmt.Errorf("buffer gateway event: %w", err)
	}
	logger.Info("gateway event for unknown payout buffered")

	// The submitter may have stored the id after our lookup but before the buffer write.
	ledger, err = s.repo.FindPayoutByGatewayPayoutID(ctx, update.GatewayPayoutID)
	if err != nil {
		return nil, err
	}
	return s.replayBufferedEvents(ctx, ledger)
}

// ConfirmGatewayPayout treats an unauthenticated report about gatewayPayoutID as a
// hint: the ledger is only moved by what the gateway itself returns when polled.
func (s *Service) ConfirmGatewayPayout(ctx context.Context, gatewayPayoutID string) (*domain.PayoutLedger, error) {
	if gatewayPayoutID == "" {
		return nil, domain.ErrMalformedGatewayEvent
	}
	ledger, err := s.repo.FindPayoutByGatewayPayoutID(ctx, gatewayPayoutID)
	if err != nil {
		return nil, err
	}
	return s.CheckPayoutStatus(ctx, ledger.ID)
}

// CheckPayoutStatus polls the gateway for a processing ledger. A failed poll is
// returned to the caller and never fails the ledger.
func (s *Service) CheckPayoutStatus(ctx context.Context, id uuid.UUID) (*domain.PayoutLedger, error) {
	release, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	ledger, err := s.repo.FindPayoutByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ledger.Status != domain.PayoutStatusProcessing {
		return ledger, nil
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	if ledger.GatewayPayoutID == nil {
		// Submission outcome was never recorded; the reference lookup is authoritative.
		payouts, err := s.gateway.FindPayoutsByReference(gctx, ledger.ID.String())
		if err != nil {
			return ledger, err
		}
		payout := pickLivePayout(payouts)
		if payout == nil && len(payouts) > 0 {
			payout = &payouts[0]
		}
		if payout == nil {
			return s.failAttempt(ctx, ledger, &payoutclient.GatewayError{
				Kind:    payoutclient.KindUnavailable,
				Op:      "check_status",
				Message: "payout was never received by the gateway",
			})
		}
		return s.recordSubmission(ctx, ledger, payout)
	}

	payout, err := s.gateway.FetchPayout(gctx, *ledger.GatewayPayoutID)
	if err != nil {
		ledgerLogger(ledger).WithField("op", "check_status").WithError(err).Warn("gateway status poll failed")
		return ledger, err
	}
	return s.applyToLedger(ctx, ledger, domain.GatewayStatusUpdate{
		GatewayPayoutID: payout.ID,
		Outcome:         domain.NormalizeGatewayStatus(payout.Status),
		UTR:             payout.UTR,
		FailureReason:   payout.Reason(),
		Source:          "poll",
		ReceivedAt:      s.now(),
	})
}

// applyToLedger moves ledger according to update. A guard conflict means another
// writer got there first; the fresh ledger is loaded and the update applied once more.
func (s *Service) applyToLedger(ctx context.Context, ledger *domain.PayoutLedger, update domain.GatewayStatusUpdate) (*domain.PayoutLedger, error) {
	err := s.applyOutcome(ctx, ledger, update)
	if !errors.Is(err, store.ErrStaleStatus) {
		return ledger, err
	}
	fresh, findErr := s.repo.FindPayoutByID(ctx, ledger.ID)
	if findErr != nil {
		return ledger, findErr
	}
	return fresh, s.applyOutcome(ctx, fresh, update)
}

func (s *Service) applyOutcome(ctx context.Context, ledger *domain.PayoutLedger, update domain.GatewayStatusUpdate) error {
	logger := ledgerLogger(ledger).WithFields(log.Fields{
		"op":                "apply_gateway_status",
		"gateway_payout_id": update.GatewayPayoutID,
		"outcome":           update.Outcome,
		"source":            update.Source,
	})

	switch update.Outcome {
	case domain.GatewayOutcomeProcessed:
		switch ledger.Status {
		case domain.PayoutStatusCompleted:
			logger.Debug("duplicate processed report ignored")
			return nil
		case domain.PayoutStatusCancelled, domain.PayoutStatusFailed:
			logger.Error("gateway settled a payout that is no longer processing")
			return s.noteAnomaly(ctx, ledger, fmt.Sprintf("gateway reported payout %s processed (utr %s) while ledger was %s", update.GatewayPayoutID, update.UTR, ledger.Status))
		}
		if err := s.transition(ctx, ledger, func(l *domain.PayoutLedger) error {
			_, err := l.MarkCompleted(update.UTR, s.now())
			return err
		}); err != nil {
			return err
		}
		logger.WithField("utr", update.UTR).Info("payout completed")
		return nil

	case domain.GatewayOutcomeFailed:
		switch ledger.Status {
		case domain.PayoutStatusFailed:
			return nil
		case domain.PayoutStatusCompleted:
			logger.Error("gateway reported failure for a completed payout; ignoring")
			return s.noteAnomaly(ctx, ledger, fmt.Sprintf("gateway reported payout %s failed after completion: %s", update.GatewayPayoutID, update.FailureReason))
		case domain.PayoutStatusCancelled:
			logger.Info("gateway failure for cancelled payout ignored")
			return nil
		}
		if err := s.transition(ctx, ledger, func(l *domain.PayoutLedger) error {
			_, err := l.MarkFailed(update.FailureReason, false, s.now())
			return err
		}); err != nil {
			return err
		}
		logger.WithField("reason", update.FailureReason).Warn("payout failed at gateway")
		return nil
	}
	return nil
}

func (s *Service) noteAnomaly(ctx context.Context, ledger *domain.PayoutLedger, note string) error {
	return s.persist(ctx, ledger, func(l *domain.PayoutLedger) error {
		l.AppendAdminNote(s.now(), "anomaly: "+note)
		return nil
	})
}

// replayBufferedEvents applies inbox events for the ledger's gateway payout id.
func (s *Service) replayBufferedEvents(ctx context.Context, ledger *domain.PayoutLedger) (*domain.PayoutLedger, error) {
	if ledger.GatewayPayoutID == nil {
		return ledger, nil
	}
	events, err := s.repo.TakeBufferedGatewayEvents(ctx, *ledger.GatewayPayoutID)
	if err != nil {
		ledgerLogger(ledger).WithField("op", "replay_gateway_events").WithError(err).Warn("failed to read buffered gateway events")
		return ledger, nil
	}
	for _, event := range events {
		next, err := s.applyToLedger(ctx, ledger, event)
		if err != nil {
			ledgerLogger(ledger).WithFields(log.Fields{"op": "replay_gateway_events", "outcome": event.Outcome}).WithError(err).Error("failed to apply buffered gateway event")
			continue
		}
		ledger = next
	}
	return ledger, nil
}
