/**
 * @description
 * This package provides a client for the bank-transfer payout gateway (a RazorpayX
 * style REST API). It creates contacts and bank fund accounts for professionals,
 * submits payouts, and reads payout status back. Every failure is returned as a
 * *GatewayError so callers never have to inspect raw HTTP responses.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http: Standard Go libraries.
 * - github.com/sirupsen/logrus: Structured logging.
 */
package payoutclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Client is a client for the payout gateway API.
type Client struct {
	BaseURL             string
	KeyID               string
	KeySecret           string
	SourceAccountNumber string
	HTTPClient          *http.Client
}

// NewClient creates a new payout gateway client. sourceAccountNumber is the
// business account payouts are debited from.
func NewClient(baseURL, keyID, keySecret, sourceAccountNumber string) *Client {
	return &Client{
		BaseURL:             strings.TrimSuffix(baseURL, "/"),
		KeyID:               keyID,
		KeySecret:           keySecret,
		SourceAccountNumber: sourceAccountNumber,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Contact is a payee registered with the gateway.
type Contact struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	Contact     string `json:"contact,omitempty"`
	Type        string `json:"type,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"`
	Active      bool   `json:"active"`
}

// ContactInput describes a contact to create.
type ContactInput struct {
	ReferenceID string
	Name        string
	Email       string
	Phone       string
}

// BankAccountInput is the destination account for a fund account.
type BankAccountInput struct {
	Name          string `json:"name"`
	IFSC          string `json:"ifsc"`
	AccountNumber string `json:"account_number"`
}

// FundAccount is a contact's payout destination.
type FundAccount struct {
	ID          string `json:"id"`
	ContactID   string `json:"contact_id"`
	AccountType string `json:"account_type"`
	Active      bool   `json:"active"`
}

// PayoutInput describes a payout to submit. AmountMinor is in the smallest
// currency unit.
type PayoutInput struct {
	FundAccountID  string
	AmountMinor    int64
	Currency       string
	Mode           string
	ReferenceID    string
	Narration      string
	IdempotencyKey string
}

// Payout is the gateway's view of a submitted payout.
type Payout struct {
	ID            string `json:"id"`
	FundAccountID string `json:"fund_account_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	Mode          string `json:"mode"`
	ReferenceID   string `json:"reference_id"`
	UTR           string `json:"utr"`
	FailureReason string `json:"failure_reason"`
	StatusDetails struct {
		Description string `json:"description"`
		Reason      string `json:"reason"`
	} `json:"status_details"`
	CreatedAt int64 `json:"created_at"`
}

// Reason returns the most specific failure text the gateway gave.
func (p *Payout) Reason() string {
	if s := strings.TrimSpace(p.FailureReason); s != "" {
		return s
	}
	if s := strings.TrimSpace(p.StatusDetails.Description); s != "" {
		return s
	}
	return strings.TrimSpace(p.StatusDetails.Reason)
}

type collection[T any] struct {
	Entity string `json:"entity"`
	Count  int    `json:"count"`
	Items  []T    `json:"items"`
}

type contactRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	Contact     string `json:"contact,omitempty"`
	Type        string `json:"type"`
	ReferenceID string `json:"reference_id"`
}

type fundAccountRequest struct {
	ContactID   string           `json:"contact_id"`
	AccountType string           `json:"account_type"`
	BankAccount BankAccountInput `json:"bank_account"`
}

type payoutRequest struct {
	AccountNumber     string `json:"account_number"`
	FundAccountID     string `json:"fund_account_id"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	Mode              string `json:"mode"`
	Purpose           string `json:"purpose"`
	QueueIfLowBalance bool   `json:"queue_if_low_balance"`
	ReferenceID       string `json:"reference_id"`
	Narration         string `json:"narration,omitempty"`
}

// FindContactByReference returns the contact registered under referenceID, or nil
// when the gateway has none.
func (c *Client) FindContactByReference(ctx context.Context, referenceID string) (*Contact, error) {
	var result collection[Contact]
	path := "/v1/contacts?reference_id=" + url.QueryEscape(referenceID)
	if err := c.do(ctx, "find_contact", http.MethodGet, path, nil, &result, ""); err != nil {
		return nil, err
	}
	for i := range result.Items {
		if result.Items[i].ReferenceID == referenceID {
			return &result.Items[i], nil
		}
	}
	return nil, nil
}

// CreateContact registers a payee.
func (c *Client) CreateContact(ctx context.Context, in ContactInput) (*Contact, error) {
	req := contactRequest{
		Name:        in.Name,
		Email:       in.Email,
		Contact:     in.Phone,
		Type:        "vendor",
		ReferenceID: in.ReferenceID,
	}
	var contact Contact
	if err := c.do(ctx, "create_contact", http.MethodPost, "/v1/contacts", req, &contact, ""); err != nil {
		return nil, err
	}
	return &contact, nil
}

// CreateBankFundAccount attaches a bank account to a contact.
func (c *Client) CreateBankFundAccount(ctx context.Context, contactID string, bank BankAccountInput) (*FundAccount, error) {
	req := fundAccountRequest{
		ContactID:   contactID,
		AccountType: "bank_account",
		BankAccount: bank,
	}
	var account FundAccount
	if err := c.do(ctx, "create_fund_account", http.MethodPost, "/v1/fund_accounts", req, &account, ""); err != nil {
		return nil, err
	}
	return &account, nil
}

// SubmitPayout asks the gateway to move funds to a fund account.
func (c *Client) SubmitPayout(ctx context.Context, in PayoutInput) (*Payout, error) {
	if in.AmountMinor <= 0 {
		return nil, &GatewayError{Kind: KindRejected, Op: "submit_payout", Message: "payout amount must be positive"}
	}
	req := payoutRequest{
		AccountNumber:     c.SourceAccountNumber,
		FundAccountID:     in.FundAccountID,
		Amount:            in.AmountMinor,
		Currency:          in.Currency,
		Mode:              in.Mode,
		Purpose:           "payout",
		QueueIfLowBalance: true,
		ReferenceID:       in.ReferenceID,
		Narration:         truncate(in.Narration, 30),
	}
	var payout Payout
	if err := c.do(ctx, "submit_payout", http.MethodPost, "/v1/payouts", req, &payout, in.IdempotencyKey); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"component":    "payout_client",
		"op":           "submit_payout",
		"reference_id": in.ReferenceID,
		"payout_id":    payout.ID,
		"status":       payout.Status,
	}).Info("payout submitted")
	return &payout, nil
}

// FetchPayout reads the current state of a payout.
func (c *Client) FetchPayout(ctx context.Context, payoutID string) (*Payout, error) {
	var payout Payout
	if err := c.do(ctx, "fetch_payout", http.MethodGet, "/v1/payouts/"+url.PathEscape(payoutID), nil, &payout, ""); err != nil {
		return nil, err
	}
	return &payout, nil
}

// FindPayoutsByReference lists the payouts submitted under referenceID.
func (c *Client) FindPayoutsByReference(ctx context.Context, referenceID string) ([]Payout, error) {
	var result collection[Payout]
	path := fmt.Sprintf("/v1/payouts?account_number=%s&reference_id=%s", url.QueryEscape(c.SourceAccountNumber), url.QueryEscape(referenceID))
	if err := c.do(ctx, "find_payouts", http.MethodGet, path, nil, &result, ""); err != nil {
		return nil, err
	}
	return result.Items, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, target interface{}, idempotencyKey string) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return &GatewayError{Kind: KindRejected, Op: op, Message: fmt.Sprintf("failed to marshal request body: %v", err)}
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return &GatewayError{Kind: KindRejected, Op: op, Message: fmt.Sprintf("failed to create http request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.KeyID, c.KeySecret)
	if idempotencyKey != "" {
		req.Header.Set("X-Payout-Idempotency", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(ctx, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gerr := statusError(op, resp.StatusCode, respBody)
		log.WithFields(log.Fields{
			"component": "payout_client",
			"op":        op,
			"status":    resp.StatusCode,
			"kind":      gerr.Kind,
		}).Warn(gerr.Message)
		return gerr
	}

	if target != nil {
		if err := json.Unmarshal(respBody, target); err != nil {
			return &GatewayError{Kind: KindUnavailable, Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to unmarshal response body: %v", err)}
		}
	}
	return nil
}

func transportError(ctx context.Context, op string, err error) *GatewayError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &GatewayError{Kind: KindTimeout, Op: op, Message: "payout gateway request timed out"}
	}
	return &GatewayError{Kind: KindUnavailable, Op: op, Message: fmt.Sprintf("payout gateway unreachable: %v", err)}
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}
