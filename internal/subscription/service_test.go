package subscription

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverline/dispatch-core/internal/circuitbreaker"
	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/geo"
)

type fakeFirms struct {
	firms        map[string]*domain.SecurityFirm
	txs          []domain.CreditTransaction
	txVariantUsed bool
}

func (f *fakeFirms) FindByID(ctx context.Context, id string) (*domain.SecurityFirm, error) {
	firm, ok := f.firms[id]
	if !ok {
		return nil, assertErr("firm not found")
	}
	return firm, nil
}

func (f *fakeFirms) ApplyCreditDelta(ctx context.Context, firmID string, delta int64, reason, externalRef string) (*domain.CreditTransaction, error) {
	return f.apply(firmID, delta, reason, externalRef)
}

func (f *fakeFirms) ApplyCreditDeltaTx(ctx context.Context, tx *sql.Tx, firmID string, delta int64, reason, externalRef string) (*domain.CreditTransaction, error) {
	f.txVariantUsed = true
	return f.apply(firmID, delta, reason, externalRef)
}

func (f *fakeFirms) apply(firmID string, delta int64, reason, externalRef string) (*domain.CreditTransaction, error) {
	firm := f.firms[firmID]
	firm.CreditBalance += delta
	tx := domain.CreditTransaction{ID: uuid.NewString(), FirmID: firmID, Delta: delta, Reason: reason, ExternalRef: externalRef, CreatedAt: time.Now()}
	f.txs = append(f.txs, tx)
	return &tx, nil
}

type fakeProducts struct {
	products map[string]*domain.SubscriptionProduct
}

func (p *fakeProducts) CreateProduct(ctx context.Context, sp *domain.SubscriptionProduct) error {
	p.products[sp.ID] = sp
	return nil
}

func (p *fakeProducts) FindProduct(ctx context.Context, id string) (*domain.SubscriptionProduct, error) {
	sp, ok := p.products[id]
	if !ok {
		return nil, assertErr("product not found")
	}
	return sp, nil
}

type fakeCoverage struct{ covers bool }

func (c *fakeCoverage) FirmCoversPoint(ctx context.Context, firmID string, pt geo.Point) (bool, error) {
	return c.covers, nil
}

type fakeGroups struct {
	groups     map[string]*domain.UserGroup
	owned      bool
	phoneCount int
}

func (g *fakeGroups) FindByID(ctx context.Context, id string) (*domain.UserGroup, error) {
	return g.groups[id], nil
}

func (g *fakeGroups) IsOwnedOrAdministeredBy(ctx context.Context, groupID, userID string) (bool, error) {
	return g.owned, nil
}

func (g *fakeGroups) PhoneCount(ctx context.Context, groupID string) (int, error) {
	return g.phoneCount, nil
}

func (g *fakeGroups) WithGroupLock(ctx context.Context, groupID string, fn func(tx *sql.Tx, grp *domain.UserGroup) error) error {
	return fn(nil, g.groups[groupID])
}

type fakeStored struct {
	subs map[string]*domain.StoredSubscription
}

func (s *fakeStored) Create(ctx context.Context, userID, productID string) (*domain.StoredSubscription, error) {
	ss := &domain.StoredSubscription{ID: uuid.NewString(), UserID: userID, ProductID: productID, PurchasedAt: time.Now()}
	s.subs[ss.ID] = ss
	return ss, nil
}

func (s *fakeStored) FindByID(ctx context.Context, id string) (*domain.StoredSubscription, error) {
	return s.subs[id], nil
}

func (s *fakeStored) WithLock(ctx context.Context, tx *sql.Tx, id string) (*domain.StoredSubscription, error) {
	return s.subs[id], nil
}

func (s *fakeStored) MarkApplied(ctx context.Context, tx *sql.Tx, ss *domain.StoredSubscription) error {
	s.subs[ss.ID] = ss
	return nil
}

type fakePayment struct {
	ref string
	err error
}

func (p *fakePayment) Charge(ctx context.Context, amountCents int64, currency, idempotencyKey string) (string, error) {
	return p.ref, p.err
}

type fakeLedger struct {
	recorded []domain.CreditTransaction
}

func (l *fakeLedger) RecordCreditTransaction(tenant string, tx domain.CreditTransaction) {
	l.recorded = append(l.recorded, tx)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func newTestService() (*Service, *fakeFirms, *fakeGroups, *fakeStored, *fakeLedger) {
	firms := &fakeFirms{firms: map[string]*domain.SecurityFirm{
		"firm-1": {ID: "firm-1", Status: domain.FirmApproved, CreditBalance: 1000},
	}}
	products := &fakeProducts{products: map[string]*domain.SubscriptionProduct{
		"prod-1": {ID: "prod-1", FirmID: "firm-1", MaxUsers: 5, PriceCents: 1500, CreditCost: 100, Active: true},
	}}
	groups := &fakeGroups{
		groups:     map[string]*domain.UserGroup{"group-1": {ID: "group-1", Lat: 1, Lng: 1}},
		owned:      true,
		phoneCount: 2,
	}
	stored := &fakeStored{subs: map[string]*domain.StoredSubscription{}}
	ledger := &fakeLedger{}
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("payment"))
	svc := NewService(firms, products, groups, stored, &fakeCoverage{covers: true},
		&fakePayment{ref: "ref-1"}, breaker, ledger, 30, 3)
	return svc, firms, groups, stored, ledger
}

func TestPurchaseCreditsAppliesDeltaAndMirrors(t *testing.T) {
	svc, firms, _, _, ledger := newTestService()

	tx, err := svc.PurchaseCredits(context.Background(), "firm-1", 500, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), firms.firms["firm-1"].CreditBalance)
	assert.Equal(t, int64(500), tx.Delta)
	require.Len(t, ledger.recorded, 1)
}

func TestPurchaseCreditsRejectsUnapprovedFirm(t *testing.T) {
	svc, firms, _, _, _ := newTestService()
	firms.firms["firm-1"].Status = domain.FirmSubmitted

	_, err := svc.PurchaseCredits(context.Background(), "firm-1", 500, "idem-1")
	require.Error(t, err)
}

func TestPurchaseCreditsPaymentDeclined(t *testing.T) {
	firms := &fakeFirms{firms: map[string]*domain.SecurityFirm{
		"firm-1": {ID: "firm-1", Status: domain.FirmApproved, CreditBalance: 1000},
	}}
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("payment"))
	svc := NewService(firms, &fakeProducts{products: map[string]*domain.SubscriptionProduct{}},
		&fakeGroups{groups: map[string]*domain.UserGroup{}}, &fakeStored{subs: map[string]*domain.StoredSubscription{}},
		&fakeCoverage{covers: true}, &fakePayment{err: assertErr("declined")}, breaker, nil, 30, 3)

	_, err := svc.PurchaseCredits(context.Background(), "firm-1", 500, "idem-1")
	require.Error(t, err)
	assert.Equal(t, int64(1000), firms.firms["firm-1"].CreditBalance)
}

func TestApplySubscriptionSucceedsAndDebitsCredits(t *testing.T) {
	svc, firms, groups, stored, _ := newTestService()
	stored.subs["ss-1"] = &domain.StoredSubscription{ID: "ss-1", UserID: "user-1", ProductID: "prod-1"}

	err := svc.ApplySubscription(context.Background(), "user-1", "ss-1", "group-1")
	require.NoError(t, err)

	assert.True(t, stored.subs["ss-1"].Applied)
	assert.Equal(t, "group-1", stored.subs["ss-1"].AppliedToGroup)
	assert.Equal(t, int64(900), firms.firms["firm-1"].CreditBalance)
	assert.Equal(t, "ss-1", groups.groups["group-1"].SubscriptionID)
	assert.True(t, firms.txVariantUsed, "ApplySubscription must debit credits through the group-lock transaction, not a second independent one")
}

func TestApplySubscriptionRejectsAlreadyApplied(t *testing.T) {
	svc, _, _, stored, _ := newTestService()
	stored.subs["ss-1"] = &domain.StoredSubscription{ID: "ss-1", UserID: "user-1", ProductID: "prod-1", Applied: true}

	err := svc.ApplySubscription(context.Background(), "user-1", "ss-1", "group-1")
	require.Error(t, err)
}

func TestApplySubscriptionRejectsWrongOwner(t *testing.T) {
	svc, _, _, stored, _ := newTestService()
	stored.subs["ss-1"] = &domain.StoredSubscription{ID: "ss-1", UserID: "someone-else", ProductID: "prod-1"}

	err := svc.ApplySubscription(context.Background(), "user-1", "ss-1", "group-1")
	require.Error(t, err)
}

func TestApplySubscriptionRejectsExceedingMaxUsers(t *testing.T) {
	svc, _, groups, stored, _ := newTestService()
	stored.subs["ss-1"] = &domain.StoredSubscription{ID: "ss-1", UserID: "user-1", ProductID: "prod-1"}
	groups.phoneCount = 99

	err := svc.ApplySubscription(context.Background(), "user-1", "ss-1", "group-1")
	require.Error(t, err)
}

func TestApplySubscriptionRejectsOutOfCoverage(t *testing.T) {
	svc, firms, _, stored, _ := newTestService()
	_ = firms
	stored.subs["ss-1"] = &domain.StoredSubscription{ID: "ss-1", UserID: "user-1", ProductID: "prod-1"}
	svc.coverage = &fakeCoverage{covers: false}

	err := svc.ApplySubscription(context.Background(), "user-1", "ss-1", "group-1")
	require.Error(t, err)
}

func TestApplySubscriptionExtendsFromExistingExpiry(t *testing.T) {
	svc, _, groups, stored, _ := newTestService()
	future := time.Now().Add(10 * 24 * time.Hour)
	groups.groups["group-1"].SubscriptionExpiresAt = future
	groups.groups["group-1"].SubscriptionID = "prior-sub"
	stored.subs["ss-1"] = &domain.StoredSubscription{ID: "ss-1", UserID: "user-1", ProductID: "prod-1"}

	err := svc.ApplySubscription(context.Background(), "user-1", "ss-1", "group-1")
	require.NoError(t, err)

	assert.True(t, groups.groups["group-1"].SubscriptionExpiresAt.After(future))
}

func TestValidateSubscriptionReportsGraceWindow(t *testing.T) {
	svc, _, groups, _, _ := newTestService()
	groups.groups["group-1"].SubscriptionID = "sub-1"
	groups.groups["group-1"].SubscriptionExpiresAt = time.Now().Add(-1 * time.Hour)

	active, _, grace, err := svc.ValidateSubscription(context.Background(), "group-1")
	require.NoError(t, err)
	assert.False(t, active)
	assert.True(t, grace)
}
