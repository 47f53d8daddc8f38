package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
)

// FirmRepo handles SecurityFirm credit-balance mutations under row-lock, the
// primary store's transactional counterpart to the Catalog Store's
// low-contention firm metadata.
type FirmRepo struct {
	store *Store
}

func NewFirmRepo(s *Store) *FirmRepo { return &FirmRepo{store: s} }

func (r *FirmRepo) FindByID(ctx context.Context, id string) (*domain.SecurityFirm, error) {
	f := &domain.SecurityFirm{}
	err := r.store.DB.QueryRowContext(ctx,
		`SELECT id, legal_name, legal_id, status, credit_balance, locked, created_at, updated_at
		 FROM firms WHERE id = $1`, id).
		Scan(&f.ID, &f.LegalName, &f.LegalID, &f.Status, &f.CreditBalance, &f.Locked, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeFirmNotFound, "no such firm")
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "query firm", err)
	}
	return f, nil
}

// ApplyCreditDelta atomically adjusts a firm's credit balance under a row
// lock and appends the matching CreditTransaction, opening its own
// transaction for standalone callers (§4.C's purchase_credits).
func (r *FirmRepo) ApplyCreditDelta(ctx context.Context, firmID string, delta int64, reason, externalRef string) (*domain.CreditTransaction, error) {
	var result domain.CreditTransaction
	err := r.store.WithTx(ctx, func(t *sql.Tx) error {
		applied, err := applyCreditDeltaTx(ctx, t, firmID, delta, reason, externalRef)
		if err != nil {
			return err
		}
		result = *applied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ApplyCreditDeltaTx is ApplyCreditDelta threaded through a caller-owned
// transaction, so a multi-row apply (apply_subscription's stored-subscription
// row-lock plus the firm credit debit) commits or rolls back as one unit
// instead of two independent transactions (§4.C precondition 5).
func (r *FirmRepo) ApplyCreditDeltaTx(ctx context.Context, tx *sql.Tx, firmID string, delta int64, reason, externalRef string) (*domain.CreditTransaction, error) {
	return applyCreditDeltaTx(ctx, tx, firmID, delta, reason, externalRef)
}

func applyCreditDeltaTx(ctx context.Context, t *sql.Tx, firmID string, delta int64, reason, externalRef string) (*domain.CreditTransaction, error) {
	var balance int64
	if err := t.QueryRowContext(ctx, `SELECT credit_balance FROM firms WHERE id = $1 FOR UPDATE`, firmID).
		Scan(&balance); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.CodeFirmNotFound, "no such firm")
		}
		return nil, errs.Wrap(errs.CodeSysInternal, "lock firm", err)
	}
	newBalance := balance + delta
	if newBalance < 0 {
		return nil, errs.New(errs.CodeSubInsufficientCredit, "insufficient credit balance")
	}
	if _, err := t.ExecContext(ctx, `UPDATE firms SET credit_balance = $2, updated_at = now() WHERE id = $1`,
		firmID, newBalance); err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "update firm balance", err)
	}

	tx := domain.CreditTransaction{
		ID: uuid.NewString(), FirmID: firmID, Delta: delta,
		Reason: reason, ExternalRef: externalRef, CreatedAt: time.Now(),
	}
	if _, err := t.ExecContext(ctx, `INSERT INTO credit_transactions
		(id, firm_id, delta, reason, external_ref, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		tx.ID, tx.FirmID, tx.Delta, tx.Reason, tx.ExternalRef, tx.CreatedAt); err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "insert credit transaction", err)
	}
	return &tx, nil
}
