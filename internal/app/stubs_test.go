package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/husn/settlement-service/internal/domain"
	"github.com/husn/settlement-service/internal/store"
	"github.com/husn/settlement-service/pkg/payoutclient"
	"github.com/shopspring/decimal"
)

// memRepo is an in-memory store.Repository with the same uniqueness and
// status-guard behavior as the Postgres one.
type memRepo struct {
	mu sync.Mutex

	professionals map[uuid.UUID]*domain.Professional
	revenue       map[uuid.UUID][]domain.RevenueLine
	payouts       map[uuid.UUID]domain.PayoutLedger
	inbox         []domain.GatewayStatusUpdate
	savedLinks    map[uuid.UUID]domain.GatewayAccountLink

	gatewayLookups int
}

func newMemRepo() *memRepo {
	return &memRepo{
		professionals: make(map[uuid.UUID]*domain.Professional),
		revenue:       make(map[uuid.UUID][]domain.RevenueLine),
		payouts:       make(map[uuid.UUID]domain.PayoutLedger),
		savedLinks:    make(map[uuid.UUID]domain.GatewayAccountLink),
	}
}

func (r *memRepo) addProfessional(p *domain.Professional, lines ...domain.RevenueLine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.professionals[p.ID] = p
	r.revenue[p.ID] = append(r.revenue[p.ID], lines...)
}

func (r *memRepo) stored(id uuid.UUID) domain.PayoutLedger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payouts[id]
}

func (r *memRepo) payoutCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payouts)
}

func (r *memRepo) inboxLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inbox)
}

func (r *memRepo) FindProfessionalByID(ctx context.Context, id uuid.UUID) (*domain.Professional, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.professionals[id]
	if !ok {
		return nil, store.ErrProfessionalNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) FindProfessionalIDByClerkUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.professionals {
		if p.ClerkUserID == clerkUserID {
			return id, nil
		}
	}
	return uuid.Nil, store.ErrProfessionalNotFound
}

func (r *memRepo) SaveGatewayAccountLink(ctx context.Context, professionalID uuid.UUID, link domain.GatewayAccountLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.professionals[professionalID]
	if !ok {
		return store.ErrProfessionalNotFound
	}
	r.savedLinks[professionalID] = link
	contactID, fundAccountID := link.ContactID, link.FundAccountID
	p.GatewayContactID = &contactID
	p.GatewayFundAccountID = &fundAccountID
	return nil
}

func (r *memRepo) FindCompletedRevenue(ctx context.Context, professionalID uuid.UUID, window domain.WeekWindow) ([]domain.RevenueLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RevenueLine
	for _, line := range r.revenue[professionalID] {
		if window.Contains(line.CompletedAt) {
			out = append(out, line)
		}
	}
	return out, nil
}

func (r *memRepo) ListProfessionalsWithRevenue(ctx context.Context, window domain.WeekWindow) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uuid.UUID
	for id, lines := range r.revenue {
		for _, line := range lines {
			if window.Contains(line.CompletedAt) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (r *memRepo) CreatePayout(ctx context.Context, payout *domain.PayoutLedger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payouts {
		if existing.ProfessionalID == payout.ProfessionalID && existing.WeekStart.Equal(payout.WeekStart) {
			return store.ErrDuplicatePayout
		}
	}
	r.payouts[payout.ID] = *payout
	return nil
}

func (r *memRepo) FindPayoutByID(ctx context.Context, id uuid.UUID) (*domain.PayoutLedger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payouts[id]
	if !ok {
		return nil, store.ErrPayoutNotFound
	}
	return &p, nil
}

func (r *memRepo) FindPayoutByWeek(ctx context.Context, professionalID uuid.UUID, window domain.WeekWindow) (*domain.PayoutLedger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payouts {
		if p.ProfessionalID == professionalID && p.WeekStart.Equal(window.Start) {
			cp := p
			return &cp, nil
		}
	}
	return nil, store.ErrPayoutNotFound
}

func (r *memRepo) FindPayoutByGatewayPayoutID(ctx context.Context, gatewayPayoutID string) (*domain.PayoutLedger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gatewayLookups++
	for _, p := range r.payouts {
		if p.GatewayPayoutID != nil && *p.GatewayPayoutID == gatewayPayoutID {
			cp := p
			return &cp, nil
		}
	}
	return nil, store.ErrPayoutNotFound
}

func (r *memRepo) ListPayoutsByStatus(ctx context.Context, status domain.PayoutStatus, limit int) ([]domain.PayoutLedger, error) {
	return r.filter(func(p domain.PayoutLedger) bool { return p.Status == status }, limit), nil
}

func (r *memRepo) ListPayoutsByProfessional(ctx context.Context, professionalID uuid.UUID, limit int) ([]domain.PayoutLedger, error) {
	return r.filter(func(p domain.PayoutLedger) bool { return p.ProfessionalID == professionalID }, limit), nil
}

func (r *memRepo) ListStaleProcessingPayouts(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PayoutLedger, error) {
	return r.filter(func(p domain.PayoutLedger) bool {
		return p.Status == domain.PayoutStatusProcessing && p.UpdatedAt.Before(updatedBefore)
	}, limit), nil
}

func (r *memRepo) filter(keep func(domain.PayoutLedger) bool, limit int) []domain.PayoutLedger {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.PayoutLedger{}
	for _, p := range r.payouts {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekStart.After(out[j].WeekStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *memRepo) UpdatePayoutState(ctx context.Context, payout *domain.PayoutLedger, expected domain.PayoutStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.payouts[payout.ID]
	if !ok {
		return store.ErrPayoutNotFound
	}
	if current.Status != expected {
		return fmt.Errorf("%w: expected %s, found %s", store.ErrStaleStatus, expected, current.Status)
	}
	r.payouts[payout.ID] = *payout
	return nil
}

func (r *memRepo) BufferGatewayEvent(ctx context.Context, update domain.GatewayStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbox = append(r.inbox, update)
	return nil
}

func (r *memRepo) TakeBufferedGatewayEvents(ctx context.Context, gatewayPayoutID string) ([]domain.GatewayStatusUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var taken, kept []domain.GatewayStatusUpdate
	for _, u := range r.inbox {
		if u.GatewayPayoutID == gatewayPayoutID {
			taken = append(taken, u)
		} else {
			kept = append(kept, u)
		}
	}
	r.inbox = kept
	return taken, nil
}

// gatewayStub records every call. Submissions succeed with a processing payout
// unless submitFn says otherwise.
type gatewayStub struct {
	mu sync.Mutex

	existingContact *payoutclient.Contact
	contactLookups  int
	createdContacts []payoutclient.ContactInput
	fundAccounts    []payoutclient.BankAccountInput
	submitted       []payoutclient.PayoutInput
	byReference     map[string][]payoutclient.Payout

	submitFn func(in payoutclient.PayoutInput) (*payoutclient.Payout, error)
	fetchFn  func(payoutID string) (*payoutclient.Payout, error)
}

func (g *gatewayStub) FindContactByReference(ctx context.Context, referenceID string) (*payoutclient.Contact, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.contactLookups++
	return g.existingContact, nil
}

func (g *gatewayStub) CreateContact(ctx context.Context, in payoutclient.ContactInput) (*payoutclient.Contact, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createdContacts = append(g.createdContacts, in)
	return &payoutclient.Contact{ID: fmt.Sprintf("cont_%d", len(g.createdContacts)), Name: in.Name, ReferenceID: in.ReferenceID}, nil
}

func (g *gatewayStub) CreateBankFundAccount(ctx context.Context, contactID string, bank payoutclient.BankAccountInput) (*payoutclient.FundAccount, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fundAccounts = append(g.fundAccounts, bank)
	return &payoutclient.FundAccount{ID: fmt.Sprintf("fa_%d", len(g.fundAccounts)), ContactID: contactID}, nil
}

func (g *gatewayStub) SubmitPayout(ctx context.Context, in payoutclient.PayoutInput) (*payoutclient.Payout, error) {
	g.mu.Lock()
	g.submitted = append(g.submitted, in)
	n := len(g.submitted)
	fn := g.submitFn
	g.mu.Unlock()
	if fn != nil {
		return fn(in)
	}
	return &payoutclient.Payout{ID: fmt.Sprintf("pout_%d", n), Status: "processing", Amount: in.AmountMinor, ReferenceID: in.ReferenceID}, nil
}

func (g *gatewayStub) FindPayoutsByReference(ctx context.Context, referenceID string) ([]payoutclient.Payout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byReference[referenceID], nil
}

func (g *gatewayStub) FetchPayout(ctx context.Context, payoutID string) (*payoutclient.Payout, error) {
	if g.fetchFn != nil {
		return g.fetchFn(payoutID)
	}
	return &payoutclient.Payout{ID: payoutID, Status: "processing"}, nil
}

func (g *gatewayStub) submissions() []payoutclient.PayoutInput {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payoutclient.PayoutInput(nil), g.submitted...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.PayoutEvent
}

func (n *recordingNotifier) Notify(event domain.PayoutEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) statuses() []domain.PayoutStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.PayoutStatus, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.NewStatus)
	}
	return out
}

// Monday 4 March 2024 and the week's revenue used across the tests.
var testWeekOf = time.Date(2024, time.March, 6, 15, 0, 0, 0, time.UTC)

func verifiedProfessional() *domain.Professional {
	return &domain.Professional{
		ID:          uuid.New(),
		ClerkUserID: "user_" + uuid.NewString()[:8],
		Email:       "asha@example.com",
		Name:        "Asha Rao",
		Phone:       "+919800000000",
		BankDetails: &domain.BankDetails{
			AccountHolderName: "Asha Rao",
			AccountNumber:     "123456789012",
			IFSC:              "HDFC0001234",
			BankName:          "HDFC Bank",
		},
		BankVerified: true,
	}
}

// weekRevenue totals 80000 paise.
func weekRevenue() []domain.RevenueLine {
	return []domain.RevenueLine{
		{OrderID: uuid.NewString(), Source: domain.RevenueSourceBooking, ServiceName: "Bridal makeup", UnitPrice: 50000, Quantity: 1, Amount: 50000, CompletedAt: time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)},
		{OrderID: uuid.NewString(), Source: domain.RevenueSourceBooking, ServiceName: "Hair spa", UnitPrice: 10000, Quantity: 2, Amount: 20000, CompletedAt: time.Date(2024, time.March, 6, 12, 0, 0, 0, time.UTC)},
		{OrderID: uuid.NewString(), Source: domain.RevenueSourceOrder, ServiceName: "Serum", UnitPrice: 10000, Quantity: 1, Amount: 10000, CompletedAt: time.Date(2024, time.March, 10, 23, 59, 0, 0, time.UTC)},
	}
}

type testHarness struct {
	svc      *Service
	repo     *memRepo
	gateway  *gatewayStub
	notifier *recordingNotifier
	clock    time.Time
}

func newTestHarness() *testHarness {
	h := &testHarness{
		repo:     newMemRepo(),
		gateway:  &gatewayStub{byReference: make(map[string][]payoutclient.Payout)},
		notifier: &recordingNotifier{},
		clock:    time.Date(2024, time.March, 11, 9, 0, 0, 0, time.UTC),
	}
	h.svc = NewService(h.repo, h.gateway, h.notifier, NewLocalLedgerLocker(), ServiceConfig{
		CommissionRate: decimal.RequireFromString("0.25"),
		Currency:       "INR",
		PayoutMode:     "IMPS",
		WeekStart:      time.Monday,
		GatewayTimeout: 2 * time.Second,
	})
	h.svc.now = func() time.Time { return h.clock }
	return h
}

func (h *testHarness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

// generated seeds a verified professional with a week of revenue and returns its ledger.
func (h *testHarness) generated(t *testing.T) (*domain.Professional, *domain.PayoutLedger) {
	t.Helper()
	p := verifiedProfessional()
	h.repo.addProfessional(p, weekRevenue()...)
	ledger, _, err := h.svc.GeneratePayout(context.Background(), p.ID, testWeekOf)
	if err != nil {
		t.Fatalf("generate payout: %v", err)
	}
	return p, ledger
}
