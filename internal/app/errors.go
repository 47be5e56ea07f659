package app

import (
	"errors"

	"github.com/husn/settlement-service/internal/domain"
	"github.com/husn/settlement-service/internal/store"
)

var (
	ErrNoEligibleRevenue  = errors.New("no completed revenue to settle for this week")
	ErrBankDetailsMissing = errors.New("professional has no bank details on file")
	ErrBankNotVerified    = errors.New("professional bank details are not verified")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrLedgerBusy         = errors.New("payout is locked by another operation")
	ErrRateLimited        = errors.New("too many requests")
)

// IsNotFound reports whether err means the professional or ledger does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrProfessionalNotFound) || errors.Is(err, store.ErrPayoutNotFound)
}

// IsConflict reports whether err is a lifecycle or concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, store.ErrDuplicatePayout) ||
		errors.Is(err, store.ErrStaleStatus) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrCannotCancelCompleted) ||
		errors.Is(err, ErrLedgerBusy)
}

// IsValidation reports whether err rejects the request's input or the
// professional's eligibility.
func IsValidation(err error) bool {
	return errors.Is(err, ErrNoEligibleRevenue) ||
		errors.Is(err, ErrBankDetailsMissing) ||
		errors.Is(err, ErrBankNotVerified) ||
		errors.Is(err, domain.ErrInvalidWindow)
}
