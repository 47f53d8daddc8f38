// Package subscription implements the Subscription Ledger (§4.C): credit
// purchase, product administration, stored-subscription purchase/apply,
// and validation.
package subscription

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/coverline/dispatch-core/internal/circuitbreaker"
	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
	"github.com/coverline/dispatch-core/internal/geo"
	"github.com/coverline/dispatch-core/internal/metrics"
)

// PaymentGateway is the external payment channel (§6): charge is idempotent
// by client-generated idempotency key and must be attempted outside any
// open store transaction.
type PaymentGateway interface {
	Charge(ctx context.Context, amountCents int64, currency, idempotencyKey string) (externalRef string, err error)
}

// FirmRepository is the subset of store.FirmRepo subscription needs.
type FirmRepository interface {
	FindByID(ctx context.Context, id string) (*domain.SecurityFirm, error)
	ApplyCreditDelta(ctx context.Context, firmID string, delta int64, reason, externalRef string) (*domain.CreditTransaction, error)
	ApplyCreditDeltaTx(ctx context.Context, tx *sql.Tx, firmID string, delta int64, reason, externalRef string) (*domain.CreditTransaction, error)
}

// ProductCatalog is the Catalog Store boundary for SubscriptionProduct rows.
type ProductCatalog interface {
	CreateProduct(ctx context.Context, p *domain.SubscriptionProduct) error
	FindProduct(ctx context.Context, id string) (*domain.SubscriptionProduct, error)
}

// CoverageAreas resolves whether a point lies in any active polygon owned
// by a firm (§4.C precondition 4, reusing the Coverage Index's containment
// routine).
type CoverageAreas interface {
	FirmCoversPoint(ctx context.Context, firmID string, pt geo.Point) (bool, error)
}

// GroupRepository is the subset of store.GroupRepo subscription needs.
type GroupRepository interface {
	FindByID(ctx context.Context, id string) (*domain.UserGroup, error)
	IsOwnedOrAdministeredBy(ctx context.Context, groupID, userID string) (bool, error)
	PhoneCount(ctx context.Context, groupID string) (int, error)
	WithGroupLock(ctx context.Context, groupID string, fn func(tx *sql.Tx, g *domain.UserGroup) error) error
}

// StoredSubscriptionRepository is the subset of store.SubscriptionRepo
// subscription needs.
type StoredSubscriptionRepository interface {
	Create(ctx context.Context, userID, productID string) (*domain.StoredSubscription, error)
	FindByID(ctx context.Context, id string) (*domain.StoredSubscription, error)
	WithLock(ctx context.Context, tx *sql.Tx, id string) (*domain.StoredSubscription, error)
	MarkApplied(ctx context.Context, tx *sql.Tx, ss *domain.StoredSubscription) error
}

// AuditLedger mirrors credit transactions and fine records to a tamper
// evident append-only store (grounded on internal/ledger).
type AuditLedger interface {
	RecordCreditTransaction(tenant string, tx domain.CreditTransaction)
}

type Service struct {
	firms    FirmRepository
	products ProductCatalog
	groups   GroupRepository
	stored   StoredSubscriptionRepository
	coverage CoverageAreas
	payment  PaymentGateway
	breaker  *circuitbreaker.CircuitBreaker
	ledger   AuditLedger
	window   time.Duration
	grace    time.Duration
}

func NewService(firms FirmRepository, products ProductCatalog, groups GroupRepository,
	stored StoredSubscriptionRepository, coverage CoverageAreas, payment PaymentGateway,
	breaker *circuitbreaker.CircuitBreaker, ledger AuditLedger, windowDays, graceDays int) *Service {
	return &Service{
		firms: firms, products: products, groups: groups, stored: stored,
		coverage: coverage, payment: payment, breaker: breaker, ledger: ledger,
		window: time.Duration(windowDays) * 24 * time.Hour,
		grace:  time.Duration(graceDays) * 24 * time.Hour,
	}
}

// PurchaseCredits charges the firm's payment method then atomically credits
// the balance and appends a ledger row (§4.C).
func (s *Service) PurchaseCredits(ctx context.Context, firmID string, amount int64, idempotencyKey string) (*domain.CreditTransaction, error) {
	firm, err := s.firms.FindByID(ctx, firmID)
	if err != nil {
		return nil, err
	}
	if !firm.Approved() {
		return nil, errs.New(errs.CodeFirmInactive, "firm is not approved")
	}

	var externalRef string
	_, err = s.breaker.Execute(func() (interface{}, error) {
		ref, chargeErr := s.payment.Charge(ctx, amount, "USD", idempotencyKey)
		externalRef = ref
		return nil, chargeErr
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodePayDeclined, "payment failed", err)
	}

	txRow, err := s.firms.ApplyCreditDelta(ctx, firmID, amount, "credit_purchase", externalRef)
	if err != nil {
		return nil, err
	}
	metrics.CreditsPurchased.WithLabelValues(firmID).Add(float64(amount))
	if s.ledger != nil {
		s.ledger.RecordCreditTransaction(firmID, *txRow)
	}
	return txRow, nil
}

// CreateProduct registers a new SubscriptionProduct; does not debit credits.
func (s *Service) CreateProduct(ctx context.Context, firmID, name string, maxUsers int, priceCents, creditCost int64) (*domain.SubscriptionProduct, error) {
	firm, err := s.firms.FindByID(ctx, firmID)
	if err != nil {
		return nil, err
	}
	if !firm.Approved() {
		return nil, errs.New(errs.CodeFirmInactive, "firm is not approved")
	}
	p := &domain.SubscriptionProduct{
		ID: uuid.NewString(), FirmID: firmID, Name: name, MaxUsers: maxUsers,
		PriceCents: priceCents, CreditCost: creditCost, Active: true, CreatedAt: time.Now(),
	}
	if err := s.products.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// PurchaseSubscription charges the end user and creates an unapplied
// StoredSubscription; does not yet debit firm credits.
func (s *Service) PurchaseSubscription(ctx context.Context, userID, productID, idempotencyKey string) (*domain.StoredSubscription, error) {
	product, err := s.products.FindProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.Active {
		return nil, errs.New(errs.CodeSubNotFound, "product is not active")
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		_, chargeErr := s.payment.Charge(ctx, product.PriceCents, "USD", idempotencyKey)
		return nil, chargeErr
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodePayDeclined, "payment failed", err)
	}

	return s.stored.Create(ctx, userID, productID)
}

// ApplySubscription is the idempotency-and-debit step (§4.C), checking all
// five preconditions atomically under a row-lock on both the stored
// subscription and the firm.
func (s *Service) ApplySubscription(ctx context.Context, userID, storedSubID, groupID string) error {
	product, err := s.productForStoredSub(ctx, storedSubID)
	if err != nil {
		return err
	}

	return s.groups.WithGroupLock(ctx, groupID, func(tx *sql.Tx, g *domain.UserGroup) error {
		ss, err := s.stored.WithLock(ctx, tx, storedSubID)
		if err != nil {
			return err
		}
		// precondition 1
		if ss.UserID != userID || ss.Applied {
			return errs.New(errs.CodeSubAlreadyApplied, "stored subscription already applied or not owned")
		}
		// precondition 2
		owned, err := s.groups.IsOwnedOrAdministeredBy(ctx, groupID, userID)
		if err != nil {
			return err
		}
		if !owned {
			return errs.New(errs.CodeAuthForbidden, "group is not owned or administered by user")
		}
		// precondition 3
		phoneCount, err := s.groups.PhoneCount(ctx, groupID)
		if err != nil {
			return err
		}
		if phoneCount > product.MaxUsers {
			return errs.New(errs.CodeSubNotFound, "group phone-number count exceeds product max_users")
		}
		// precondition 4
		covered, err := s.coverage.FirmCoversPoint(ctx, product.FirmID, geo.Point{Lat: g.Lat, Lng: g.Lng})
		if err != nil {
			return err
		}
		if !covered {
			return errs.New(errs.CodeGeoOutOfCoverage, "group location is not in firm's coverage")
		}
		// precondition 5 — debit firm credits inside the same transaction as
		// the stored-subscription row-lock, so the apply and the debit commit
		// or roll back together instead of risking a split outcome across
		// two independent transactions.
		txRow, err := s.firms.ApplyCreditDeltaTx(ctx, tx, product.FirmID, -product.CreditCost, "subscription_apply", storedSubID)
		if err != nil {
			return err
		}
		if s.ledger != nil {
			s.ledger.RecordCreditTransaction(product.FirmID, *txRow)
		}

		now := time.Now()
		ss.Applied = true
		ss.AppliedToGroup = groupID
		ss.AppliedAt = now
		if err := s.stored.MarkApplied(ctx, tx, ss); err != nil {
			return err
		}

		base := now
		if g.SubscriptionExpiresAt.After(now) {
			base = g.SubscriptionExpiresAt
		}
		g.SubscriptionID = ss.ID
		g.SubscriptionExpiresAt = base.Add(s.window)
		return nil
	})
}

// productForStoredSub reads the stored subscription's product outside the
// group/stored-subscription lock transaction, since product rows are
// low-write-contention Catalog Store data (§4.I).
func (s *Service) productForStoredSub(ctx context.Context, storedSubID string) (*domain.SubscriptionProduct, error) {
	ss, err := s.stored.FindByID(ctx, storedSubID)
	if err != nil {
		return nil, err
	}
	return s.products.FindProduct(ctx, ss.ProductID)
}

// ValidateSubscription reads the group row and reports active/expires/grace
// per §4.C.
func (s *Service) ValidateSubscription(ctx context.Context, groupID string) (active bool, expiresAt time.Time, grace bool, err error) {
	g, err := s.groupOrErr(ctx, groupID)
	if err != nil {
		return false, time.Time{}, false, err
	}
	now := time.Now()
	active = g.HasActiveSubscription(now)
	grace = g.InGrace(now, s.grace)
	return active, g.SubscriptionExpiresAt, grace, nil
}

func (s *Service) groupOrErr(ctx context.Context, groupID string) (*domain.UserGroup, error) {
	return s.groups.FindByID(ctx, groupID)
}
