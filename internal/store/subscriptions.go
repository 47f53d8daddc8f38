package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
)

// SubscriptionRepo persists StoredSubscription rows.
type SubscriptionRepo struct {
	store *Store
}

func NewSubscriptionRepo(s *Store) *SubscriptionRepo { return &SubscriptionRepo{store: s} }

func (r *SubscriptionRepo) Create(ctx context.Context, userID, productID string) (*domain.StoredSubscription, error) {
	ss := &domain.StoredSubscription{ID: uuid.NewString(), UserID: userID, ProductID: productID, PurchasedAt: time.Now()}
	_, err := r.store.DB.ExecContext(ctx, `INSERT INTO stored_subscriptions
		(id, user_id, product_id, applied, purchased_at) VALUES ($1,$2,$3,false,$4)`,
		ss.ID, ss.UserID, ss.ProductID, ss.PurchasedAt)
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "create stored subscription", err)
	}
	return ss, nil
}

// FindByID reads a stored subscription without taking a row lock, used to
// resolve its product before entering the group/stored-subscription
// transaction in apply_subscription.
func (r *SubscriptionRepo) FindByID(ctx context.Context, id string) (*domain.StoredSubscription, error) {
	ss := &domain.StoredSubscription{}
	var appliedTo sql.NullString
	var appliedAt sql.NullTime
	err := r.store.DB.QueryRowContext(ctx,
		`SELECT id, user_id, product_id, applied, applied_to_group, purchased_at, applied_at
		 FROM stored_subscriptions WHERE id = $1`, id).
		Scan(&ss.ID, &ss.UserID, &ss.ProductID, &ss.Applied, &appliedTo, &ss.PurchasedAt, &appliedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeSubNotFound, "no such stored subscription")
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "query stored subscription", err)
	}
	ss.AppliedToGroup = appliedTo.String
	ss.AppliedAt = appliedAt.Time
	return ss, nil
}

// WithLock locks the stored-subscription row inside tx (the same transaction
// used for the firm and group locks in apply_subscription) and returns the
// current row for precondition checks.
func (r *SubscriptionRepo) WithLock(ctx context.Context, tx *sql.Tx, id string) (*domain.StoredSubscription, error) {
	ss := &domain.StoredSubscription{}
	var appliedTo sql.NullString
	var appliedAt sql.NullTime
	err := tx.QueryRowContext(ctx,
		`SELECT id, user_id, product_id, applied, applied_to_group, purchased_at, applied_at
		 FROM stored_subscriptions WHERE id = $1 FOR UPDATE`, id).
		Scan(&ss.ID, &ss.UserID, &ss.ProductID, &ss.Applied, &appliedTo, &ss.PurchasedAt, &appliedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeSubNotFound, "no such stored subscription")
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "lock stored subscription", err)
	}
	ss.AppliedToGroup = appliedTo.String
	ss.AppliedAt = appliedAt.Time
	return ss, nil
}

// MarkApplied persists the applied=true transition inside tx.
func (r *SubscriptionRepo) MarkApplied(ctx context.Context, tx *sql.Tx, ss *domain.StoredSubscription) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE stored_subscriptions SET applied=true, applied_to_group=$2, applied_at=$3 WHERE id=$1`,
		ss.ID, ss.AppliedToGroup, ss.AppliedAt)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "persist stored subscription", err)
	}
	return nil
}
