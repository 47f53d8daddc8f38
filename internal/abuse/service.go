// Package abuse implements §4.F Abuse & Fines: the progressive fine policy
// triggered by a completed request's prank flag, the suspend/ban thresholds
// on Principal, and fine payment. Grounded on the teacher's
// reputation.ReputationManager row-locked mutation pattern, narrowed from a
// continuous weighted-trust score to the spec's fixed thresholds and
// geometric fine formula.
package abuse

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/coverline/dispatch-core/internal/circuitbreaker"
	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
	"github.com/coverline/dispatch-core/internal/metrics"
	"github.com/coverline/dispatch-core/internal/subscription"
)

const (
	recentWindow = 30 * 24 * time.Hour

	fineBaseCents   = 5000  // $50
	fineCapCents    = 50000 // $500
	fineMultiplier  = 1.5
	fineThreshold   = 3
	suspendThreshold = 5
	banThreshold     = 10
)

// FineRepository persists UserFine rows and the rolling prank count a
// fine's amount depends on. store.FineRepo implements this over Postgres.
type FineRepository interface {
	CreateFine(ctx context.Context, tx *sql.Tx, f domain.UserFine) error
	UnpaidFineCount(ctx context.Context, tx *sql.Tx, userID string) (int, error)
	FindFine(ctx context.Context, fineID string) (*domain.UserFine, error)
	MarkFinePaid(ctx context.Context, tx *sql.Tx, fineID string) error
	RecentPrankCount(ctx context.Context, userID string, window time.Duration) (int, error)
}

// PrincipalLedger is the row-locked principal mutation boundary; WithLockTx
// hands the event's fine-creation and suspend/ban flip the same transaction
// (§4.F: "single transaction per event to preserve monotonicity").
type PrincipalLedger interface {
	WithLockTx(ctx context.Context, id string, fn func(tx *sql.Tx, p *domain.Principal) error) error
}

// AuditMirror mirrors a fine to the tamper-evident ledger once it has
// committed to the primary store. Optional: a nil mirror just skips the
// mirror write, so tests can exercise the fine policy without Spanner.
type AuditMirror interface {
	RecordFine(userID string, f domain.UserFine)
}

// Service implements the prank-accumulation fine policy.
type Service struct {
	principals PrincipalLedger
	fines      FineRepository
	payment    subscription.PaymentGateway
	breaker    *circuitbreaker.CircuitBreaker
	mirror     AuditMirror
}

func NewService(principals PrincipalLedger, fines FineRepository, payment subscription.PaymentGateway, breaker *circuitbreaker.CircuitBreaker, mirror AuditMirror) *Service {
	return &Service{principals: principals, fines: fines, payment: payment, breaker: breaker, mirror: mirror}
}

// FlagPrank is dispatch.AbuseLedger's contract: called once per request
// completed with feedback.is_prank == true. It increments the principal's
// lifetime prank_count, computes a progressive fine off the rolling
// 30-day count, and applies the suspend/ban thresholds — all under one
// row-lock on the principal.
func (s *Service) FlagPrank(ctx context.Context, userID string) error {
	// RecentPrankCount reflects history up to and including this flag:
	// feedback for the just-completed request has already been saved by
	// dispatch.Complete before FlagPrank is called, so the window already
	// contains it.
	recentCount, err := s.fines.RecentPrankCount(ctx, userID, recentWindow)
	if err != nil {
		return err
	}

	return s.principals.WithLockTx(ctx, userID, func(tx *sql.Tx, p *domain.Principal) error {
		p.PrankCount++

		if recentCount >= fineThreshold {
			fine := domain.UserFine{
				ID:          uuid.NewString(),
				UserID:      userID,
				AmountCents: fineAmountCents(recentCount),
				Reason:      "prank_accumulation",
			}
			if err := s.fines.CreateFine(ctx, tx, fine); err != nil {
				return err
			}
			metrics.FinesLevied.WithLabelValues(fine.Reason).Inc()
			metrics.FineAmountCents.Observe(float64(fine.AmountCents))
			if s.mirror != nil {
				s.mirror.RecordFine(userID, fine)
			}
		}

		unpaid, err := s.fines.UnpaidFineCount(ctx, tx, userID)
		if err != nil {
			return err
		}

		if p.PrankCount >= suspendThreshold && unpaid > 0 {
			p.Suspended = true
		}
		if p.PrankCount >= banThreshold {
			p.Banned = true
		}
		return nil
	})
}

// fineAmountCents implements amount = min($50 × 1.5^(recent_count−3), $500).
func fineAmountCents(recentCount int) int64 {
	scaled := float64(fineBaseCents) * math.Pow(fineMultiplier, float64(recentCount-fineThreshold))
	if scaled > fineCapCents {
		return fineCapCents
	}
	return int64(scaled)
}

// PayFine charges the fine amount through the payment gateway (outside any
// store transaction, per §5) then marks it paid and clears suspension once
// no unpaid fines remain; a ban is never cleared by payment (§4.F: "cannot
// be reversed without platform-admin action").
func (s *Service) PayFine(ctx context.Context, fineID, idempotencyKey string) error {
	fine, err := s.fines.FindFine(ctx, fineID)
	if err != nil {
		return err
	}
	if fine.Paid {
		return errs.New(errs.CodeUserFineAlreadyPaid, "fine already paid")
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return s.payment.Charge(ctx, fine.AmountCents, "USD", idempotencyKey)
	})
	if err != nil {
		return errs.Wrap(errs.CodePayDeclined, "fine payment failed", err)
	}

	return s.principals.WithLockTx(ctx, fine.UserID, func(tx *sql.Tx, p *domain.Principal) error {
		if err := s.fines.MarkFinePaid(ctx, tx, fineID); err != nil {
			return err
		}
		unpaid, err := s.fines.UnpaidFineCount(ctx, tx, fine.UserID)
		if err != nil {
			return err
		}
		if unpaid == 0 {
			p.Suspended = false
		}
		return nil
	})
}
