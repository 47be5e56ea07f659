/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Ledger rows are never deleted and their financial columns are only written by
 * CreatePayout; every later write goes through UpdatePayoutState, which is guarded
 * by the status the caller last observed.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/husn/settlement-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrProfessionalNotFound = errors.New("professional not found")
	ErrPayoutNotFound       = errors.New("payout not found")
	ErrDuplicatePayout      = errors.New("payout already exists for this professional and week")
	ErrStaleStatus          = errors.New("payout status changed concurrently")
)

const uniqueViolation = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// bankDetailsRecord is the stored shape of a bank snapshot. It is kept apart from
// domain.BankDetails so that the account number is persisted unmasked.
type bankDetailsRecord struct {
	AccountHolderName string `json:"account_holder_name"`
	AccountNumber     string `json:"account_number"`
	IFSC              string `json:"ifsc"`
	BankName          string `json:"bank_name,omitempty"`
}

// FindProfessionalByID loads the profile fields the settlement flow needs.
func (r *PostgresRepository) FindProfessionalByID(ctx context.Context, id uuid.UUID) (*domain.Professional, error) {
	query := `
		SELECT id, COALESCE(clerk_user_id, ''), COALESCE(email, ''), COALESCE(full_name, ''), COALESCE(phone, ''),
		       bank_account_holder_name, bank_account_number, bank_ifsc, bank_name,
		       bank_verified, gateway_contact_id, gateway_fund_account_id
		FROM professionals
		WHERE id = $1
	`
	var (
		p                              domain.Professional
		holder, number, ifsc, bankName *string
	)
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.ClerkUserID,
		&p.Email,
		&p.Name,
		&p.Phone,
		&holder,
		&number,
		&ifsc,
		&bankName,
		&p.BankVerified,
		&p.GatewayContactID,
		&p.GatewayFundAccountID,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrProfessionalNotFound
		}
		return nil, err
	}
	if number != nil && strings.TrimSpace(*number) != "" {
		p.BankDetails = &domain.BankDetails{
			AccountHolderName: deref(holder),
			AccountNumber:     strings.TrimSpace(*number),
			IFSC:              strings.ToUpper(strings.TrimSpace(deref(ifsc))),
			BankName:          deref(bankName),
		}
	}
	return &p, nil
}

// FindProfessionalIDByClerkUserID resolves the professional behind an authenticated session.
func (r *PostgresRepository) FindProfessionalIDByClerkUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, "SELECT id FROM professionals WHERE clerk_user_id = $1", clerkUserID).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, ErrProfessionalNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

// SaveGatewayAccountLink caches the gateway contact and fund account ids. Ids that
// are already stored are kept.
func (r *PostgresRepository) SaveGatewayAccountLink(ctx context.Context, professionalID uuid.UUID, link domain.GatewayAccountLink) error {
	query := `
		UPDATE professionals
		SET gateway_contact_id = COALESCE(gateway_contact_id, $2),
		    gateway_fund_account_id = COALESCE(gateway_fund_account_id, $3)
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, professionalID, link.ContactID, link.FundAccountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProfessionalNotFound
	}
	return nil
}

const revenueLinesQuery = `
	SELECT o.id::text, COALESCE(o.order_number, ''), 'order', COALESCE(oi.service_id::text, ''), COALESCE(oi.service_name, ''),
	       ROUND(oi.price * 100)::bigint, oi.quantity, ROUND(oi.price * oi.quantity * 100)::bigint,
	       o.delivered_at, COALESCE(o.customer_name, ''), COALESCE(o.customer_phone, '')
	FROM orders o
	JOIN order_items oi ON oi.order_id = o.id
	WHERE oi.professional_id = $1
	  AND o.status = 'delivered'
	  AND o.delivered_at BETWEEN $2 AND $3
	UNION ALL
	SELECT b.id::text, COALESCE(b.booking_number, ''), 'booking', COALESCE(bs.service_id::text, ''), COALESCE(bs.service_name, ''),
	       ROUND(bs.price * 100)::bigint, bs.quantity, ROUND(bs.price * bs.quantity * 100)::bigint,
	       b.completed_at, COALESCE(b.customer_name, ''), COALESCE(b.customer_phone, '')
	FROM bookings b
	JOIN booking_services bs ON bs.booking_id = b.id
	WHERE bs.professional_id = $1
	  AND b.status = 'completed'
	  AND b.completed_at BETWEEN $2 AND $3
	ORDER BY 9, 1, 4
`

// FindCompletedRevenue returns every completed order and booking line attributed to
// the professional inside the window, oldest first.
func (r *PostgresRepository) FindCompletedRevenue(ctx context.Context, professionalID uuid.UUID, window domain.WeekWindow) ([]domain.RevenueLine, error) {
	rows, err := r.db.Query(ctx, revenueLinesQuery, professionalID, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []domain.RevenueLine
	for rows.Next() {
		var (
			line   domain.RevenueLine
			source string
		)
		if err := rows.Scan(
			&line.OrderID,
			&line.OrderRef,
			&source,
			&line.ServiceID,
			&line.ServiceName,
			&line.UnitPrice,
			&line.Quantity,
			&line.Amount,
			&line.CompletedAt,
			&line.ClientName,
			&line.ClientPhone,
		); err != nil {
			return nil, err
		}
		line.Source = domain.RevenueSource(source)
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// ListProfessionalsWithRevenue returns the professionals with at least one completed
// line inside the window.
func (r *PostgresRepository) ListProfessionalsWithRevenue(ctx context.Context, window domain.WeekWindow) ([]uuid.UUID, error) {
	query := `
		SELECT oi.professional_id
		FROM orders o
		JOIN order_items oi ON oi.order_id = o.id
		WHERE o.status = 'delivered' AND o.delivered_at BETWEEN $1 AND $2 AND oi.professional_id IS NOT NULL
		UNION
		SELECT bs.professional_id
		FROM bookings b
		JOIN booking_services bs ON bs.booking_id = b.id
		WHERE b.status = 'completed' AND b.completed_at BETWEEN $1 AND $2 AND bs.professional_id IS NOT NULL
	`
	rows, err := r.db.Query(ctx, query, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const payoutColumns = `
	id, professional_id, professional_email, professional_name, week_start, week_end,
	total_revenue, platform_commission, professional_payout, commission_rate::text, currency,
	service_items, bank_details, status, transfer_method, gateway_payout_id, transaction_id,
	transferred_at, failure_reason, failure_retryable, cancellation_reason, admin_notes,
	retry_count, last_attempt_at, created_at, updated_at
`

// CreatePayout inserts a new ledger. A second ledger for the same professional and
// week is rejected by the unique constraint and reported as ErrDuplicatePayout.
func (r *PostgresRepository) CreatePayout(ctx context.Context, payout *domain.PayoutLedger) error {
	items, err := json.Marshal(payout.ServiceItems)
	if err != nil {
		return fmt.Errorf("encode service items: %w", err)
	}
	bank, err := encodeBankDetails(payout.BankDetailsSnapshot)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO weekly_payouts (
			id, professional_id, professional_email, professional_name, week_start, week_end,
			total_revenue, platform_commission, professional_payout, commission_rate, currency,
			service_items, bank_details, status, transfer_method, retry_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12::jsonb, $13::jsonb, $14, $15, 0, $16, $16)
	`
	_, err = r.db.Exec(ctx, query,
		payout.ID,
		payout.ProfessionalID,
		payout.ProfessionalEmail,
		payout.ProfessionalName,
		payout.WeekStart,
		payout.WeekEnd,
		payout.TotalRevenue,
		payout.PlatformCommission,
		payout.ProfessionalPayout,
		payout.CommissionRate,
		payout.Currency,
		string(items),
		bank,
		string(payout.Status),
		payout.TransferMethod,
		payout.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicatePayout
		}
		return err
	}
	return nil
}

// FindPayoutByID retrieves a ledger by id.
func (r *PostgresRepository) FindPayoutByID(ctx context.Context, id uuid.UUID) (*domain.PayoutLedger, error) {
	return r.findOnePayout(ctx, `SELECT `+payoutColumns+` FROM weekly_payouts WHERE id = $1`, id)
}

// FindPayoutByWeek retrieves the ledger for a professional's week, if one exists.
func (r *PostgresRepository) FindPayoutByWeek(ctx context.Context, professionalID uuid.UUID, window domain.WeekWindow) (*domain.PayoutLedger, error) {
	return r.findOnePayout(ctx,
		`SELECT `+payoutColumns+` FROM weekly_payouts WHERE professional_id = $1 AND week_start = $2 AND week_end = $3`,
		professionalID, window.Start, window.End)
}

// FindPayoutByGatewayPayoutID retrieves the ledger a gateway payout belongs to.
func (r *PostgresRepository) FindPayoutByGatewayPayoutID(ctx context.Context, gatewayPayoutID string) (*domain.PayoutLedger, error) {
	return r.findOnePayout(ctx, `SELECT `+payoutColumns+` FROM weekly_payouts WHERE gateway_payout_id = $1`, gatewayPayoutID)
}

// ListPayoutsByStatus lists ledgers in a status, oldest week first.
func (r *PostgresRepository) ListPayoutsByStatus(ctx context.Context, status domain.PayoutStatus, limit int) ([]domain.PayoutLedger, error) {
	return r.listPayouts(ctx,
		`SELECT `+payoutColumns+` FROM weekly_payouts WHERE status = $1 ORDER BY week_start ASC, created_at ASC LIMIT $2`,
		string(status), normalizeLimit(limit))
}

// ListPayoutsByProfessional lists a professional's ledgers, newest week first.
func (r *PostgresRepository) ListPayoutsByProfessional(ctx context.Context, professionalID uuid.UUID, limit int) ([]domain.PayoutLedger, error) {
	return r.listPayouts(ctx,
		`SELECT `+payoutColumns+` FROM weekly_payouts WHERE professional_id = $1 ORDER BY week_start DESC LIMIT $2`,
		professionalID, normalizeLimit(limit))
}

// ListStaleProcessingPayouts lists processing ledgers not touched since updatedBefore.
func (r *PostgresRepository) ListStaleProcessingPayouts(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PayoutLedger, error) {
	return r.listPayouts(ctx,
		`SELECT `+payoutColumns+` FROM weekly_payouts WHERE status = 'processing' AND updated_at < $1 ORDER BY updated_at ASC LIMIT $2`,
		updatedBefore, normalizeLimit(limit))
}

// UpdatePayoutState writes the lifecycle fields of payout when the stored status is
// still expected. Financial columns are never touched.
func (r *PostgresRepository) UpdatePayoutState(ctx context.Context, payout *domain.PayoutLedger, expected domain.PayoutStatus) error {
	query := `
		UPDATE weekly_payouts
		SET status = $3,
		    transfer_method = $4,
		    gateway_payout_id = $5,
		    transaction_id = $6,
		    transferred_at = $7,
		    failure_reason = $8,
		    failure_retryable = $9,
		    cancellation_reason = $10,
		    admin_notes = $11,
		    retry_count = $12,
		    last_attempt_at = $13,
		    updated_at = $14
		WHERE id = $1 AND status = $2
	`
	tag, err := r.db.Exec(ctx, query,
		payout.ID,
		string(expected),
		string(payout.Status),
		payout.TransferMethod,
		payout.GatewayPayoutID,
		payout.TransactionID,
		payout.TransferredAt,
		payout.FailureReason,
		payout.FailureRetryable,
		payout.CancellationReason,
		payout.AdminNotes,
		payout.RetryCount,
		payout.LastAttemptAt,
		payout.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = r.db.QueryRow(ctx, "SELECT status FROM weekly_payouts WHERE id = $1", payout.ID).Scan(&current)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrPayoutNotFound
		}
		return err
	}
	return fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, expected, current)
}

// BufferGatewayEvent stores a verified gateway event for later replay.
func (r *PostgresRepository) BufferGatewayEvent(ctx context.Context, update domain.GatewayStatusUpdate) error {
	query := `
		INSERT INTO payout_gateway_event_inbox (gateway_payout_id, outcome, utr, failure_reason, source, received_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
	`
	receivedAt := update.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, query, update.GatewayPayoutID, string(update.Outcome), update.UTR, update.FailureReason, update.Source, receivedAt)
	return err
}

// TakeBufferedGatewayEvents removes and returns the buffered events for a payout,
// in the order they were received.
func (r *PostgresRepository) TakeBufferedGatewayEvents(ctx context.Context, gatewayPayoutID string) ([]domain.GatewayStatusUpdate, error) {
	query := `
		DELETE FROM payout_gateway_event_inbox
		WHERE gateway_payout_id = $1
		RETURNING gateway_payout_id, outcome, COALESCE(utr, ''), COALESCE(failure_reason, ''), source, received_at
	`
	rows, err := r.db.Query(ctx, query, gatewayPayoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []domain.GatewayStatusUpdate
	for rows.Next() {
		var (
			u       domain.GatewayStatusUpdate
			outcome string
		)
		if err := rows.Scan(&u.GatewayPayoutID, &outcome, &u.UTR, &u.FailureReason, &u.Source, &u.ReceivedAt); err != nil {
			return nil, err
		}
		u.Outcome = domain.GatewayOutcome(outcome)
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(updates, func(i, j int) bool { return updates[i].ReceivedAt.Before(updates[j].ReceivedAt) })
	return updates, nil
}

func (r *PostgresRepository) findOnePayout(ctx context.Context, query string, args ...interface{}) (*domain.PayoutLedger, error) {
	payout, err := scanPayout(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return payout, nil
}

func (r *PostgresRepository) listPayouts(ctx context.Context, query string, args ...interface{}) ([]domain.PayoutLedger, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payouts := []domain.PayoutLedger{}
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *payout)
	}
	return payouts, rows.Err()
}

func scanPayout(row pgx.Row) (*domain.PayoutLedger, error) {
	var (
		p           domain.PayoutLedger
		status      string
		items, bank []byte
	)
	if err := row.Scan(
		&p.ID,
		&p.ProfessionalID,
		&p.ProfessionalEmail,
		&p.ProfessionalName,
		&p.WeekStart,
		&p.WeekEnd,
		&p.TotalRevenue,
		&p.PlatformCommission,
		&p.ProfessionalPayout,
		&p.CommissionRate,
		&p.Currency,
		&items,
		&bank,
		&status,
		&p.TransferMethod,
		&p.GatewayPayoutID,
		&p.TransactionID,
		&p.TransferredAt,
		&p.FailureReason,
		&p.FailureRetryable,
		&p.CancellationReason,
		&p.AdminNotes,
		&p.RetryCount,
		&p.LastAttemptAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Status = domain.PayoutStatus(status)
	if len(items) > 0 {
		if err := json.Unmarshal(items, &p.ServiceItems); err != nil {
			return nil, fmt.Errorf("decode service items for payout %s: %w", p.ID, err)
		}
	}
	bankDetails, err := decodeBankDetails(bank)
	if err != nil {
		return nil, fmt.Errorf("payout %s: %w", p.ID, err)
	}
	p.BankDetailsSnapshot = bankDetails
	return &p, nil
}

// encodeBankDetails renders a snapshot for the bank_details column. The domain
// type masks the account number when marshalled, so the record type is used.
func encodeBankDetails(details *domain.BankDetails) (*string, error) {
	if details == nil {
		return nil, nil
	}
	raw, err := json.Marshal(bankDetailsRecord(*details))
	if err != nil {
		return nil, fmt.Errorf("encode bank details: %w", err)
	}
	s := string(raw)
	return &s, nil
}

func decodeBankDetails(raw []byte) (*domain.BankDetails, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var record bankDetailsRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode bank details: %w", err)
	}
	details := domain.BankDetails(record)
	return &details, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
