package domain

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// BankDetails is the destination account a professional is paid into.
type BankDetails struct {
	AccountHolderName string `json:"account_holder_name"`
	AccountNumber     string `json:"account_number"`
	IFSC              string `json:"ifsc"`
	BankName          string `json:"bank_name,omitempty"`
}

// Complete reports whether every field a bank transfer needs is present.
func (b *BankDetails) Complete() bool {
	if b == nil {
		return false
	}
	return strings.TrimSpace(b.AccountHolderName) != "" &&
		strings.TrimSpace(b.AccountNumber) != "" &&
		strings.TrimSpace(b.IFSC) != ""
}

// MaskedAccountNumber keeps only the last four digits.
func (b BankDetails) MaskedAccountNumber() string {
	n := strings.TrimSpace(b.AccountNumber)
	if len(n) <= 4 {
		return n
	}
	return strings.Repeat("X", len(n)-4) + n[len(n)-4:]
}

// MarshalJSON masks the account number in API responses and published events.
func (b BankDetails) MarshalJSON() ([]byte, error) {
	type masked BankDetails
	out := masked(b)
	out.AccountNumber = b.MaskedAccountNumber()
	return json.Marshal(out)
}

// GatewayAccountLink is the cached pair of gateway ids for a professional.
type GatewayAccountLink struct {
	ContactID     string `json:"contact_id"`
	FundAccountID string `json:"fund_account_id"`
}

// Professional is the read model of a service provider's profile.
type Professional struct {
	ID                   uuid.UUID
	ClerkUserID          string
	Email                string
	Name                 string
	Phone                string
	BankDetails          *BankDetails
	BankVerified         bool
	GatewayContactID     *string
	GatewayFundAccountID *string
}

// AccountLink returns the cached gateway link if both ids are known.
func (p *Professional) AccountLink() (GatewayAccountLink, bool) {
	if p.GatewayContactID == nil || p.GatewayFundAccountID == nil {
		return GatewayAccountLink{}, false
	}
	if *p.GatewayContactID == "" || *p.GatewayFundAccountID == "" {
		return GatewayAccountLink{}, false
	}
	return GatewayAccountLink{ContactID: *p.GatewayContactID, FundAccountID: *p.GatewayFundAccountID}, true
}
