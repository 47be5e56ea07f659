package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/husn/settlement-service/internal/domain"
)

type rateLimiterStub struct {
	hits int
	err  error
	keys []string
}

func (r *rateLimiterStub) Allow(ctx context.Context, key string, limit int, window time.Duration) error {
	r.keys = append(r.keys, key)
	if r.err != nil {
		return r.err
	}
	if r.hits > limit {
		return &RateLimitError{RetryAfter: 41500 * time.Millisecond}
	}
	return nil
}

func TestPreviewWeek_DoesNotWrite(t *testing.T) {
	h := newTestHarness()
	p := verifiedProfessional()
	h.repo.addProfessional(p, weekRevenue()...)

	summary, err := h.svc.PreviewWeek(context.Background(), p.ID, testWeekOf)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if summary.Split.TotalRevenue != 80000 || summary.Split.ProfessionalPayout != 60000 {
		t.Fatalf("unexpected split %+v", summary.Split)
	}
	if !summary.Eligible || summary.LedgerID != nil {
		t.Fatalf("expected eligible preview without a ledger, got %+v", summary)
	}
	if h.repo.payoutCount() != 0 {
		t.Fatal("expected preview not to create a ledger")
	}
}

func TestPreviewWeek_ReferencesExistingLedger(t *testing.T) {
	h := newTestHarness()
	p, ledger := h.generated(t)

	summary, err := h.svc.PreviewWeek(context.Background(), p.ID, testWeekOf)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if summary.LedgerID == nil || *summary.LedgerID != ledger.ID {
		t.Fatalf("expected ledger %s to be referenced", ledger.ID)
	}
	if summary.LedgerStatus == nil || *summary.LedgerStatus != domain.PayoutStatusPending {
		t.Fatalf("unexpected ledger status %v", summary.LedgerStatus)
	}
}

func TestPreviewWeek_EmptyWeek(t *testing.T) {
	h := newTestHarness()
	p := verifiedProfessional()
	h.repo.addProfessional(p)

	summary, err := h.svc.PreviewWeek(context.Background(), p.ID, testWeekOf)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if summary.Eligible || summary.Lines == nil || len(summary.Lines) != 0 {
		t.Fatalf("expected an empty, ineligible preview, got %+v", summary)
	}
}

func TestPreviewOwnWeek_RateLimited(t *testing.T) {
	h := newTestHarness()
	p := verifiedProfessional()
	h.repo.addProfessional(p, weekRevenue()...)
	h.svc.cfg.PreviewRateLimit = 5

	limiter := &rateLimiterStub{hits: 6}
	h.svc.SetRateLimiter(limiter)

	_, err := h.svc.PreviewOwnWeek(context.Background(), p.ID, testWeekOf)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) || rlErr.RetryAfterSeconds() != 42 {
		t.Fatalf("expected retry-after rounded up to 42s, got %v", err)
	}
	if limiter.keys[0] != "payout_preview:"+p.ID.String() {
		t.Fatalf("unexpected limiter key %q", limiter.keys[0])
	}

	limiter.hits = 1
	if _, err := h.svc.PreviewOwnWeek(context.Background(), p.ID, testWeekOf); err != nil {
		t.Fatalf("expected preview under the limit, got %v", err)
	}
}

func TestPreviewOwnWeek_LimiterOutageFailsOpen(t *testing.T) {
	h := newTestHarness()
	p := verifiedProfessional()
	h.repo.addProfessional(p, weekRevenue()...)
	h.svc.cfg.PreviewRateLimit = 5
	h.svc.SetRateLimiter(&rateLimiterStub{err: errors.New("redis: connection refused")})

	if _, err := h.svc.PreviewOwnWeek(context.Background(), p.ID, testWeekOf); err != nil {
		t.Fatalf("expected preview despite limiter outage, got %v", err)
	}
}

func TestPreviewWeek_UnknownProfessional(t *testing.T) {
	h := newTestHarness()
	if _, err := h.svc.PreviewWeek(context.Background(), uuid.New(), testWeekOf); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRateLimitError_RetryAfterSeconds(t *testing.T) {
	tests := []struct {
		retryAfter time.Duration
		want       int
	}{
		{retryAfter: 0, want: 1},
		{retryAfter: 200 * time.Millisecond, want: 1},
		{retryAfter: time.Second, want: 1},
		{retryAfter: 59001 * time.Millisecond, want: 60},
	}
	for _, tt := range tests {
		err := &RateLimitError{RetryAfter: tt.retryAfter}
		if got := err.RetryAfterSeconds(); got != tt.want {
			t.Fatalf("RetryAfter %s: expected %d, got %d", tt.retryAfter, tt.want, got)
		}
		if !errors.Is(err, ErrRateLimited) {
			t.Fatal("expected RateLimitError to unwrap to ErrRateLimited")
		}
	}
}
