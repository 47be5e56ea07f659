/**
 * @description
 * The settlement orchestrator. It turns a professional's completed revenue into a
 * weekly payout ledger and drives that ledger through the payout gateway:
 *
 *   pending -> processing -> completed | failed
 *   pending | processing -> cancelled
 *   failed -> processing (admin retry)
 *
 * Transitions are computed on the domain entity and persisted with a status guard,
 * so two concurrent calls on the same ledger can never both win.
 *
 * @dependencies
 * - internal/store: ledger and profile persistence.
 * - pkg/payoutclient: the bank-transfer gateway.
 * - github.com/shopspring/decimal: commission rate.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/husn/settlement-service/internal/domain"
	"github.com/husn/settlement-service/internal/store"
	"github.com/husn/settlement-service/pkg/payoutclient"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const persistTimeout = 10 * time.Second

// AccountProvisioner registers professionals as payees with the gateway.
type AccountProvisioner interface {
	FindContactByReference(ctx context.Context, referenceID string) (*payoutclient.Contact, error)
	CreateContact(ctx context.Context, in payoutclient.ContactInput) (*payoutclient.Contact, error)
	CreateBankFundAccount(ctx context.Context, contactID string, bank payoutclient.BankAccountInput) (*payoutclient.FundAccount, error)
}

// PayoutSubmitter moves funds.
type PayoutSubmitter interface {
	SubmitPayout(ctx context.Context, in payoutclient.PayoutInput) (*payoutclient.Payout, error)
	FindPayoutsByReference(ctx context.Context, referenceID string) ([]payoutclient.Payout, error)
}

// PayoutStatusFetcher reads a payout's current state.
type PayoutStatusFetcher interface {
	FetchPayout(ctx context.Context, payoutID string) (*payoutclient.Payout, error)
}

// PayoutGateway is everything the orchestrator needs from the gateway.
type PayoutGateway interface {
	AccountProvisioner
	PayoutSubmitter
	PayoutStatusFetcher
}

// ServiceConfig carries the settlement settings.
type ServiceConfig struct {
	CommissionRate decimal.Decimal
	Currency       string
	PayoutMode     string
	WeekStart      time.Weekday
	GatewayTimeout time.Duration
	// PreviewRateLimit caps self-service previews per professional per minute.
	PreviewRateLimit int
}

// Service orchestrates weekly settlement.
type Service struct {
	repo        store.Repository
	gateway     PayoutGateway
	notifier    Notifier
	locker      LedgerLocker
	rateLimiter RateLimiter
	verifier    SignatureVerifier
	cfg         ServiceConfig
	now         func() time.Time
}

// NewService creates a new settlement service. notifier and locker may be nil.
func NewService(repo store.Repository, gateway PayoutGateway, notifier Notifier, locker LedgerLocker, cfg ServiceConfig) *Service {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if locker == nil {
		locker = noopLocker{}
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 30 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if cfg.PayoutMode == "" {
		cfg.PayoutMode = "IMPS"
	}
	return &Service{
		repo:     repo,
		gateway:  gateway,
		notifier: notifier,
		locker:   locker,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetRateLimiter enables per-professional rate limiting of previews.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.rateLimiter = limiter
}

// WeekWindowFor returns the configured week containing t.
func (s *Service) WeekWindowFor(t time.Time) domain.WeekWindow {
	return domain.WeekWindowFor(t, s.cfg.WeekStart)
}

// ResolveProfessionalID maps an authenticated Clerk user to a professional.
func (s *Service) ResolveProfessionalID(ctx context.Context, clerkUserID string) (uuid.UUID, error) {
	return s.repo.FindProfessionalIDByClerkUserID(ctx, clerkUserID)
}

// GeneratePayout creates the ledger for the week containing weekOf. When the ledger
// already exists it is returned with created=false.
func (s *Service) GeneratePayout(ctx context.Context, professionalID uuid.UUID, weekOf time.Time) (*domain.PayoutLedger, bool, error) {
	return s.generateForWindow(ctx, professionalID, s.WeekWindowFor(weekOf))
}

func (s *Service) generateForWindow(ctx context.Context, professionalID uuid.UUID, window domain.WeekWindow) (*domain.PayoutLedger, bool, error) {
	existing, err := s.repo.FindPayoutByWeek(ctx, professionalID, window)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrPayoutNotFound) {
		return nil, false, err
	}

	professional, err := s.repo.FindProfessionalByID(ctx, professionalID)
	if err != nil {
		return nil, false, err
	}
	lines, err := s.repo.FindCompletedRevenue(ctx, professionalID, window)
	if err != nil {
		return nil, false, fmt.Errorf("load completed revenue: %w", err)
	}

	ledger, err := domain.NewPayoutLedger(professional, window, lines, s.cfg.CommissionRate, s.cfg.Currency, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrNoRevenue) {
			return nil, false, ErrNoEligibleRevenue
		}
		return nil, false, err
	}

	if err := s.repo.CreatePayout(ctx, ledger); err != nil {
		if errors.Is(err, store.ErrDuplicatePayout) {
			// Lost the race against a concurrent generate for the same week.
			existing, findErr := s.repo.FindPayoutByWeek(ctx, professionalID, window)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	ledgerLogger(ledger).WithFields(log.Fields{
		"op":                  "generate",
		"total_revenue":       ledger.TotalRevenue,
		"professional_payout": ledger.ProfessionalPayout,
		"lines":               len(ledger.ServiceItems),
	}).Info("weekly payout generated")
	s.notify(ledger)
	return ledger, true, nil
}

// GetPayout returns a ledger by id.
func (s *Service) GetPayout(ctx context.Context, id uuid.UUID) (*domain.PayoutLedger, error) {
	return s.repo.FindPayoutByID(ctx, id)
}

// ListPending returns the ledgers waiting to be processed.
func (s *Service) ListPending(ctx context.Context, limit int) ([]domain.PayoutLedger, error) {
	return s.repo.ListPayoutsByStatus(ctx, domain.PayoutStatusPending, limit)
}

// ListByStatus returns ledgers in any status.
func (s *Service) ListByStatus(ctx context.Context, status domain.PayoutStatus, limit int) ([]domain.PayoutLedger, error) {
	return s.repo.ListPayoutsByStatus(ctx, status, limit)
}

// GetHistory returns a professional's ledgers, newest first.
func (s *Service) GetHistory(ctx context.Context, professionalID uuid.UUID, limit int) ([]domain.PayoutLedger, error) {
	if _, err := s.repo.FindProfessionalByID(ctx, professionalID); err != nil {
		return nil, err
	}
	return s.repo.ListPayoutsByProfessional(ctx, professionalID, limit)
}

// ProcessPayout submits a pending ledger to the gateway. Gateway failures move the
// ledger to failed and are returned together with the updated ledger.
func (s *Service) ProcessPayout(ctx context.Context, id uuid.UUID) (*domain.PayoutLedger, error) {
	release, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	ledger, err := s.repo.FindPayoutByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ledger.Status != domain.PayoutStatusPending {
		return ledger, fmt.Errorf("%w: payout is %s", domain.ErrInvalidTransition, ledger.Status)
	}

	professional, bank, err := s.payee(ctx, ledger)
	if err != nil {
		return ledger, err
	}

	if err := s.transition(ctx, ledger, func(l *domain.PayoutLedger) error { return l.MarkProcessing(s.now()) }); err != nil {
		return ledger, err
	}
	ledgerLogger(ledger).WithField("op", "process").Info("payout processing started")

	return s.submit(ctx, ledger, professional, bank)
}

// RetryPayout re-attempts a failed ledger. A payout the gateway already holds for
// the ledger is adopted instead of submitting a second one.
func (s *Service) RetryPayout(ctx context.Context, id uuid.UUID) (*domain.PayoutLedger, error) {
	release, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	ledger, err := s.repo.FindPayoutByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ledger.Status != domain.PayoutStatusFailed {
		return ledger, fmt.Errorf("%w: only failed payouts can be retried, payout is %s", domain.ErrInvalidTransition, ledger.Status)
	}

	professional, bank, err := s.payee(ctx, ledger)
	if err != nil {
		return ledger, err
	}

	if err := s.transition(ctx, ledger, func(l *domain.PayoutLedger) error { return l.MarkProcessing(s.now()) }); err != nil {
		return ledger, err
	}
	ledgerLogger(ledger).WithFields(log.Fields{"op": "retry", "retry_count": ledger.RetryCount}).Info("payout retry started")

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	previous, err := s.gateway.FindPayoutsByReference(gctx, ledger.ID.String())
	cancel()
	if err != nil {
		return s.failAttempt(ctx, ledger, err)
	}
	if live := pickLivePayout(previous); live != nil {
		ledgerLogger(ledger).WithFields(log.Fields{"op": "retry", "gateway_payout_id": live.ID, "gateway_status": live.Status}).Info("adopting existing gateway payout")
		return s.recordSubmission(ctx, ledger, live)
	}

	return s.submit(ctx, ledger, professional, bank)
}

// CancelPayout stops a pending or processing ledger.
func (s *Service) CancelPayout(ctx context.Context, id uuid.UUID, reason string) (*domain.PayoutLedger, error) {
	release, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	ledger, err := s.repo.FindPayoutByID(ctx, id)
	if err != nil {
		return nil, err
	}
	previous := ledger.Status
	if err := s.transition(ctx, ledger, func(l *domain.PayoutLedger) error { return l.Cancel(reason, s.now()) }); err != nil {
		return ledger, err
	}

	logger := ledgerLogger(ledger).WithFields(log.Fields{"op": "cancel", "previous_status": previous})
	if previous == domain.PayoutStatusProcessing && ledger.GatewayPayoutID != nil {
		logger.WithField("gateway_payout_id", *ledger.GatewayPayoutID).Warn("payout cancelled locally while the gateway may still settle it")
	} else {
		logger.Info("payout cancelled")
	}
	return ledger, nil
}

// payee loads the professional and picks the bank details to pay into: the
// snapshot taken at generation time, or the current profile when no complete
// snapshot exists.
func (s *Service) payee(ctx context.Context, ledger *domain.PayoutLedger) (*domain.Professional, domain.BankDetails, error) {
	professional, err := s.repo.FindProfessionalByID(ctx, ledger.ProfessionalID)
	if err != nil {
		return nil, domain.BankDetails{}, err
	}

	bank := ledger.BankDetailsSnapshot
	if !bank.Complete() {
		bank = professional.BankDetails
	}
	if !bank.Complete() {
		return nil, domain.BankDetails{}, ErrBankDetailsMissing
	}
	if !professional.BankVerified {
		return nil, domain.BankDetails{}, ErrBankNotVerified
	}
	return professional, *bank, nil
}

// submit provisions the payee and sends the payout within one gateway timeout.
func (s *Service) submit(ctx context.Context, ledger *domain.PayoutLedger, professional *domain.Professional, bank domain.BankDetails) (*domain.PayoutLedger, error) {
	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	link, err := s.ensureLinked(gctx, professional, bank)
	if err != nil {
		return s.failAttempt(ctx, ledger, err)
	}

	payout, err := s.gateway.SubmitPayout(gctx, payoutclient.PayoutInput{
		FundAccountID:  link.FundAccountID,
		AmountMinor:    ledger.ProfessionalPayout,
		Currency:       ledger.Currency,
		Mode:           s.cfg.PayoutMode,
		ReferenceID:    ledger.ID.String(),
		Narration:      "Husn payout " + ledger.WeekStart.Format("2006-01-02"),
		IdempotencyKey: fmt.Sprintf("%s-%d", ledger.ID, ledger.RetryCount),
	})
	if err != nil {
		return s.failAttempt(ctx, ledger, err)
	}
	return s.recordSubmission(ctx, ledger, payout)
}

// ensureLinked returns the professional's gateway fund account, creating the
// contact and fund account on first use. An existing contact with the
// professional's reference is reused rather than duplicated.
func (s *Service) ensureLinked(ctx context.Context, professional *domain.Professional, bank domain.BankDetails) (domain.GatewayAccountLink, error) {
	if link, ok := professional.AccountLink(); ok {
		return link, nil
	}

	reference := professional.ID.String()
	var contactID string
	if professional.GatewayContactID != nil && *professional.GatewayContactID != "" {
		contactID = *professional.GatewayContactID
	} else {
		contact, err := s.gateway.FindContactByReference(ctx, reference)
		if err != nil {
			return domain.GatewayAccountLink{}, err
		}
		if contact == nil {
			contact, err = s.gateway.CreateContact(ctx, payoutclient.ContactInput{
				ReferenceID: reference,
				Name:        professional.Name,
				Email:       professional.Email,
				Phone:       professional.Phone,
			})
			if err != nil {
				return domain.GatewayAccountLink{}, err
			}
		}
		contactID = contact.ID
	}

	account, err := s.gateway.CreateBankFundAccount(ctx, contactID, payoutclient.BankAccountInput{
		Name:          bank.AccountHolderName,
		IFSC:          bank.IFSC,
		AccountNumber: bank.AccountNumber,
	})
	if err != nil {
		return domain.GatewayAccountLink{}, err
	}

	link := domain.GatewayAccountLink{ContactID: contactID, FundAccountID: account.ID}
	pctx, cancel := detached(ctx)
	defer cancel()
	if err := s.repo.SaveGatewayAccountLink(pctx, professional.ID, link); err != nil {
		// The link can be rebuilt from the contact reference next time.
		log.WithFields(log.Fields{"component": "settlement", "op": "ensure_linked", "professional_id": professional.ID}).WithError(err).Warn("failed to cache gateway account link")
	}
	professional.GatewayContactID = &link.ContactID
	professional.GatewayFundAccountID = &link.FundAccountID
	return link, nil
}

// recordSubmission stores the gateway payout id, applies any outcome the gateway
// already reported, and replays webhooks that arrived before the id was known.
func (s *Service) recordSubmission(ctx context.Context, ledger *domain.PayoutLedger, payout *payoutclient.Payout) (*domain.PayoutLedger, error) {
	pctx, cancel := detached(ctx)
	defer cancel()

	if err := s.persist(pctx, ledger, func(l *domain.PayoutLedger) error { return l.RecordGatewayPayout(payout.ID, s.now()) }); err != nil {
		return ledger, err
	}

	update := domain.GatewayStatusUpdate{
		GatewayPayoutID: payout.ID,
		Outcome:         domain.NormalizeGatewayStatus(payout.Status),
		UTR:             payout.UTR,
		FailureReason:   payout.Reason(),
		Source:          "submit",
		ReceivedAt:      s.now(),
	}
	ledger, err := s.applyToLedger(pctx, ledger, update)
	if err != nil {
		return ledger, err
	}
	return s.replayBufferedEvents(pctx, ledger)
}

// failAttempt records a failed gateway interaction on a processing ledger and
// returns the original error to the caller.
func (s *Service) failAttempt(ctx context.Context, ledger *domain.PayoutLedger, cause error) (*domain.PayoutLedger, error) {
	reason, retryable := failureDetails(cause)

	pctx, cancel := detached(ctx)
	defer cancel()
	err := s.transition(pctx, ledger, func(l *domain.PayoutLedger) error {
		_, err := l.MarkFailed(reason, retryable, s.now())
		return err
	})
	logger := ledgerLogger(ledger).WithFields(log.Fields{"op": "submit", "retryable": retryable}).WithError(cause)
	if err != nil {
		logger.WithField("persist_err", err).Error("payout attempt failed and could not be recorded")
		return ledger, fmt.Errorf("%w (recording failure: %v)", cause, err)
	}
	logger.Warn("payout attempt failed")
	return ledger, cause
}

// transition applies mutate to ledger, persists it guarded by the status it had
// before, and emits a lifecycle event.
func (s *Service) transition(ctx context.Context, ledger *domain.PayoutLedger, mutate func(*domain.PayoutLedger) error) error {
	before := ledger.Status
	if err := s.persist(ctx, ledger, mutate); err != nil {
		return err
	}
	if ledger.Status != before {
		s.notify(ledger)
	}
	return nil
}

// persist applies mutate to a copy of ledger and writes it back only if the
// stored status still matches. ledger is updated in place on success.
func (s *Service) persist(ctx context.Context, ledger *domain.PayoutLedger, mutate func(*domain.PayoutLedger) error) error {
	next := *ledger
	if err := mutate(&next); err != nil {
		return err
	}
	if err := s.repo.UpdatePayoutState(ctx, &next, ledger.Status); err != nil {
		return err
	}
	*ledger = next
	return nil
}

func (s *Service) notify(ledger *domain.PayoutLedger) {
	s.notifier.Notify(domain.NewPayoutEvent(ledger, s.now()))
}

func failureDetails(err error) (string, bool) {
	if gerr, ok := payoutclient.AsGatewayError(err); ok {
		return gerr.Message, gerr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "payout gateway request timed out", true
	}
	return err.Error(), false
}

// pickLivePayout returns a payout that has not failed, preferring one already processed.
func pickLivePayout(payouts []payoutclient.Payout) *payoutclient.Payout {
	var live *payoutclient.Payout
	for i := range payouts {
		switch domain.NormalizeGatewayStatus(payouts[i].Status) {
		case domain.GatewayOutcomeProcessed:
			return &payouts[i]
		case domain.GatewayOutcomePending:
			if live == nil {
				live = &payouts[i]
			}
		}
	}
	return live
}

// detached returns a context that survives cancellation of ctx, so that an outcome
// observed from the gateway is always recorded.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func ledgerLogger(ledger *domain.PayoutLedger) *log.Entry {
	return log.WithFields(log.Fields{
		"component":       "settlement",
		"ledger_id":       ledger.ID,
		"professional_id": ledger.ProfessionalID,
		"status":          ledger.Status,
	})
}

func professionalLogger(professionalID uuid.UUID) *log.Entry {
	return log.WithFields(log.Fields{"component": "settlement", "professional_id": professionalID})
}
