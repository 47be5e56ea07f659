package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func testProfessional() *Professional {
	return &Professional{
		ID:           uuid.New(),
		Email:        "asha@example.com",
		Name:         "Asha",
		BankVerified: true,
		BankDetails: &BankDetails{
			AccountHolderName: "Asha K",
			AccountNumber:     "001122334455",
			IFSC:              "HDFC0001234",
		},
	}
}

func testWindow() WeekWindow {
	return WeekWindowFor(time.Date(2024, 3, 6, 15, 0, 0, 0, time.UTC), time.Monday)
}

func TestWeekWindowForMonday(t *testing.T) {
	w := WeekWindowFor(time.Date(2024, 3, 6, 15, 30, 0, 0, time.UTC), time.Monday)

	wantStart := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2024, 3, 10, 23, 59, 59, int(999*time.Millisecond), time.UTC)
	if !w.Start.Equal(wantStart) {
		t.Fatalf("expected start %s, got %s", wantStart, w.Start)
	}
	if !w.End.Equal(wantEnd) {
		t.Fatalf("expected end %s, got %s", wantEnd, w.End)
	}
}

func TestWeekWindowForOnWeekStartAndEnd(t *testing.T) {
	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	if got := WeekWindowFor(start, time.Monday); !got.Start.Equal(start) {
		t.Fatalf("expected week to start on %s, got %s", start, got.Start)
	}

	sundayNight := time.Date(2024, 3, 10, 23, 59, 59, 0, time.UTC)
	if got := WeekWindowFor(sundayNight, time.Monday); !got.Start.Equal(start) {
		t.Fatalf("expected sunday night to belong to week of %s, got %s", start, got.Start)
	}
}

func TestWeekWindowForSundayStart(t *testing.T) {
	w := WeekWindowFor(time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC), time.Sunday)
	want := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	if !w.Start.Equal(want) {
		t.Fatalf("expected start %s, got %s", want, w.Start)
	}
}

func TestWeekWindowPreviousAndContains(t *testing.T) {
	w := testWindow()
	prev := w.Previous()
	if !prev.Start.Equal(w.Start.AddDate(0, 0, -7)) {
		t.Fatalf("unexpected previous start %s", prev.Start)
	}
	if !w.Contains(w.Start) || !w.Contains(w.End) {
		t.Fatal("expected window bounds to be inclusive")
	}
	if w.Contains(w.End.Add(time.Millisecond)) {
		t.Fatal("expected next week start to be outside the window")
	}
}

func TestWeekWindowValidate(t *testing.T) {
	w := testWindow()
	inverted := WeekWindow{Start: w.End, End: w.Start}
	if err := inverted.Validate(); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
}

func TestSplitCommissionSumsToTotal(t *testing.T) {
	rate := decimal.RequireFromString("0.25")
	for _, total := range []int64{0, 1, 3, 99, 80000, 80100, 123457} {
		split := SplitCommission(total, rate)
		if split.PlatformCommission+split.ProfessionalPayout != total {
			t.Fatalf("split of %d does not add up: %+v", total, split)
		}
	}
}

func TestNewPayoutLedgerComputesSplit(t *testing.T) {
	lines := []RevenueLine{
		{OrderID: "o1", ServiceName: "Haircut", UnitPrice: 50000, Quantity: 1, Amount: 50000},
		{OrderID: "o2", ServiceName: "Facial", UnitPrice: 30000, Quantity: 1, Amount: 30000},
	}
	now := time.Now().UTC()

	ledger, err := NewPayoutLedger(testProfessional(), testWindow(), lines, decimal.RequireFromString("0.25"), "INR", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ledger.TotalRevenue != 80000 || ledger.PlatformCommission != 20000 || ledger.ProfessionalPayout != 60000 {
		t.Fatalf("unexpected split: total=%d commission=%d payout=%d", ledger.TotalRevenue, ledger.PlatformCommission, ledger.ProfessionalPayout)
	}
	if ledger.Status != PayoutStatusPending {
		t.Fatalf("expected pending, got %s", ledger.Status)
	}
	if ledger.BankDetailsSnapshot == nil || ledger.BankDetailsSnapshot.IFSC != "HDFC0001234" {
		t.Fatal("expected bank details to be snapshotted")
	}

	lines[0].Amount = 1
	if ledger.ServiceItems[0].Amount != 50000 {
		t.Fatal("expected ledger items to be a copy of the input lines")
	}
}

func TestNewPayoutLedgerRejectsZeroRevenue(t *testing.T) {
	_, err := NewPayoutLedger(testProfessional(), testWindow(), nil, decimal.RequireFromString("0.25"), "INR", time.Now())
	if !errors.Is(err, ErrNoRevenue) {
		t.Fatalf("expected ErrNoRevenue, got %v", err)
	}
}

func newPendingLedger(t *testing.T) *PayoutLedger {
	t.Helper()
	lines := []RevenueLine{{OrderID: "o1", Amount: 10000, Quantity: 1, UnitPrice: 10000}}
	ledger, err := NewPayoutLedger(testProfessional(), testWindow(), lines, decimal.RequireFromString("0.25"), "INR", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return ledger
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from PayoutStatus
		to   PayoutStatus
		ok   bool
	}{
		{PayoutStatusPending, PayoutStatusProcessing, true},
		{PayoutStatusPending, PayoutStatusCancelled, true},
		{PayoutStatusPending, PayoutStatusCompleted, false},
		{PayoutStatusPending, PayoutStatusFailed, false},
		{PayoutStatusProcessing, PayoutStatusCompleted, true},
		{PayoutStatusProcessing, PayoutStatusFailed, true},
		{PayoutStatusProcessing, PayoutStatusCancelled, true},
		{PayoutStatusFailed, PayoutStatusProcessing, true},
		{PayoutStatusFailed, PayoutStatusCancelled, false},
		{PayoutStatusCompleted, PayoutStatusCancelled, false},
		{PayoutStatusCompleted, PayoutStatusProcessing, false},
		{PayoutStatusCancelled, PayoutStatusProcessing, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.ok, got)
		}
	}
}

func TestMarkCompletedIsIdempotent(t *testing.T) {
	ledger := newPendingLedger(t)
	if err := ledger.MarkProcessing(time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)
	changed, err := ledger.MarkCompleted("UTR123", first)
	if err != nil || !changed {
		t.Fatalf("expected first completion to apply, changed=%v err=%v", changed, err)
	}

	changed, err = ledger.MarkCompleted("UTR999", first.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Fatal("expected replayed completion to be a no-op")
	}
	if !ledger.TransferredAt.Equal(first) {
		t.Fatalf("expected transferred_at to stay %s, got %s", first, ledger.TransferredAt)
	}
	if *ledger.TransactionID != "UTR123" {
		t.Fatalf("expected transaction id to stay UTR123, got %s", *ledger.TransactionID)
	}
}

func TestMarkCompletedRequiresProcessing(t *testing.T) {
	ledger := newPendingLedger(t)
	if _, err := ledger.MarkCompleted("UTR", time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRetryPreservesSnapshotAndCountsAttempts(t *testing.T) {
	ledger := newPendingLedger(t)
	_ = ledger.MarkProcessing(time.Now())
	if _, err := ledger.MarkFailed("gateway timeout", true, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ledger.FailureRetryable || *ledger.FailureReason != "gateway timeout" {
		t.Fatalf("unexpected failure state: %+v", ledger)
	}

	total, items := ledger.TotalRevenue, len(ledger.ServiceItems)
	if err := ledger.MarkProcessing(time.Now()); err != nil {
		t.Fatalf("expected retry to be allowed, got %v", err)
	}
	if ledger.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", ledger.RetryCount)
	}
	if ledger.TotalRevenue != total || len(ledger.ServiceItems) != items {
		t.Fatal("expected financial snapshot to be preserved on retry")
	}
	if ledger.FailureReason != nil {
		t.Fatal("expected failure reason to be cleared on retry")
	}
	if ledger.AdminNotes == nil || !strings.Contains(*ledger.AdminNotes, "gateway timeout") {
		t.Fatal("expected previous failure to be kept in admin notes")
	}
}

func TestCancelCompletedIsRejected(t *testing.T) {
	ledger := newPendingLedger(t)
	_ = ledger.MarkProcessing(time.Now())
	_, _ = ledger.MarkCompleted("UTR", time.Now())

	if err := ledger.Cancel("changed my mind", time.Now()); !errors.Is(err, ErrCannotCancelCompleted) {
		t.Fatalf("expected ErrCannotCancelCompleted, got %v", err)
	}
	if ledger.Status != PayoutStatusCompleted {
		t.Fatalf("expected status to stay completed, got %s", ledger.Status)
	}
}

func TestCancelPendingRecordsReason(t *testing.T) {
	ledger := newPendingLedger(t)
	if err := ledger.Cancel("duplicate account", time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ledger.Status != PayoutStatusCancelled || *ledger.CancellationReason != "duplicate account" {
		t.Fatalf("unexpected cancel state: status=%s", ledger.Status)
	}
	if err := ledger.Cancel("again", time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second cancel, got %v", err)
	}
}

func TestBankDetailsJSONIsMasked(t *testing.T) {
	raw, err := json.Marshal(testProfessional().BankDetails)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(raw), "001122334455") {
		t.Fatalf("expected account number to be masked, got %s", raw)
	}
	if !strings.Contains(string(raw), "XXXXXXXX4455") {
		t.Fatalf("expected masked account number, got %s", raw)
	}
}

func TestParseGatewayWebhook(t *testing.T) {
	body := []byte(`{"event":"payout.processed","payload":{"payout":{"entity":{"id":"pout_1","status":"processed","utr":"UTR42"}}}}`)
	update, err := ParseGatewayWebhook(body, "webhook", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if update.GatewayPayoutID != "pout_1" || update.Outcome != GatewayOutcomeProcessed || update.UTR != "UTR42" {
		t.Fatalf("unexpected update: %+v", update)
	}

	failed := []byte(`{"event":"payout.failed","payload":{"payout":{"entity":{"id":"pout_2","failure_reason":"Beneficiary bank down"}}}}`)
	update, err = ParseGatewayWebhook(failed, "webhook", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if update.Outcome != GatewayOutcomeFailed || update.FailureReason != "Beneficiary bank down" {
		t.Fatalf("unexpected update: %+v", update)
	}

	if _, err := ParseGatewayWebhook([]byte(`{"event":"payout.failed"}`), "webhook", time.Now()); !errors.Is(err, ErrMalformedGatewayEvent) {
		t.Fatalf("expected ErrMalformedGatewayEvent, got %v", err)
	}
}
