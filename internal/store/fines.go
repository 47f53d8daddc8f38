package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
)

// FineRepo is the Postgres-backed implementation of abuse.FineRepository.
type FineRepo struct {
	store *Store
}

func NewFineRepo(s *Store) *FineRepo { return &FineRepo{store: s} }

// CreateFine inserts a UserFine row inside the caller's transaction (§4.F:
// fine creation and the triggering principal mutation commit together).
func (r *FineRepo) CreateFine(ctx context.Context, tx *sql.Tx, f domain.UserFine) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = time.Now()
	_, err := tx.ExecContext(ctx, `INSERT INTO user_fines
		(id, user_id, amount_cents, reason, paid, created_at) VALUES ($1,$2,$3,$4,false,$5)`,
		f.ID, f.UserID, f.AmountCents, f.Reason, f.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "create fine", err)
	}
	return nil
}

// UnpaidFineCount reports how many unpaid fines userID currently carries,
// read inside the same transaction as the principal row-lock so the
// suspend/clear decision sees a consistent snapshot.
func (r *FineRepo) UnpaidFineCount(ctx context.Context, tx *sql.Tx, userID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM user_fines WHERE user_id = $1 AND paid = false`, userID).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.CodeSysInternal, "count unpaid fines", err)
	}
	return n, nil
}

// FindFine loads one fine by id, outside any transaction (pay_fine resolves
// the owning user before taking the principal lock).
func (r *FineRepo) FindFine(ctx context.Context, fineID string) (*domain.UserFine, error) {
	f := &domain.UserFine{}
	var paidAt sql.NullTime
	row := r.store.DB.QueryRowContext(ctx, `SELECT id, user_id, amount_cents, reason, paid, paid_at, created_at
		FROM user_fines WHERE id = $1`, fineID)
	err := row.Scan(&f.ID, &f.UserID, &f.AmountCents, &f.Reason, &f.Paid, &paidAt, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeUserNotFound, "no such fine")
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "query fine", err)
	}
	f.PaidAt = paidAt.Time
	return f, nil
}

// MarkFinePaid flips a fine to paid inside the caller's transaction.
func (r *FineRepo) MarkFinePaid(ctx context.Context, tx *sql.Tx, fineID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE user_fines SET paid=true, paid_at=now() WHERE id=$1 AND paid=false`, fineID)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "mark fine paid", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.CodeUserFineAlreadyPaid, "fine already paid or does not exist")
	}
	return nil
}

// RecentPrankCount counts is_prank feedback rows authored by userID's
// requests within the rolling window (§4.F: "recent = within rolling 30
// days"), distinct from Principal.PrankCount's lifetime total.
func (r *FineRepo) RecentPrankCount(ctx context.Context, userID string, window time.Duration) (int, error) {
	var n int
	err := r.store.DB.QueryRowContext(ctx, `SELECT count(*) FROM request_feedback f
		JOIN panic_requests p ON p.id = f.request_id
		WHERE p.requester_user_id = $1 AND f.is_prank = true AND f.created_at > $2`,
		userID, time.Now().Add(-window)).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.CodeSysInternal, "count recent pranks", err)
	}
	return n, nil
}
