package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
)

// PrincipalRepo is the Postgres-backed implementation of
// identity.PrincipalRepository.
type PrincipalRepo struct {
	store *Store
}

func NewPrincipalRepo(s *Store) *PrincipalRepo { return &PrincipalRepo{store: s} }

func scanPrincipal(row *sql.Row) (*domain.Principal, error) {
	p := &domain.Principal{}
	var lockedUntil, otpExpires sql.NullTime
	err := row.Scan(
		&p.ID, &p.Kind, &p.Email, &p.Phone, &p.PasswordHash, &p.Verified,
		&p.LockState, &p.FailedCount, &lockedUntil,
		&p.OTPDigest, &otpExpires, &p.OTPAttemptsLeft,
		&p.Suspended, &p.Banned, &p.PrankCount,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.LockedUntil = lockedUntil.Time
	p.OTPExpiresAt = otpExpires.Time
	return p, nil
}

const principalColumns = `id, kind, email, phone, password_hash, verified,
	lock_state, failed_count, locked_until,
	otp_digest, otp_expires_at, otp_attempts_left,
	suspended, banned, prank_count,
	created_at, updated_at`

func (r *PrincipalRepo) FindByEmailOrPhone(ctx context.Context, identifier string) (*domain.Principal, error) {
	row := r.store.DB.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE lower(email) = lower($1) OR phone = $1`, identifier)
	p, err := scanPrincipal(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeUserNotFound, "no such principal")
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "query principal", err)
	}
	return p, nil
}

func (r *PrincipalRepo) FindByID(ctx context.Context, id string) (*domain.Principal, error) {
	row := r.store.DB.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1`, id)
	p, err := scanPrincipal(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeUserNotFound, "no such principal")
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "query principal", err)
	}
	return p, nil
}

// WithLock loads the principal under SELECT ... FOR UPDATE, runs fn, and
// persists any mutation fn made before committing.
func (r *PrincipalRepo) WithLock(ctx context.Context, id string, fn func(p *domain.Principal) error) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1 FOR UPDATE`, id)
		p, err := scanPrincipal(row)
		if err != nil {
			return errs.Wrap(errs.CodeSysInternal, "lock principal", err)
		}
		if err := fn(p); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE principals SET
			lock_state=$2, failed_count=$3, locked_until=$4,
			otp_digest=$5, otp_expires_at=$6, otp_attempts_left=$7,
			suspended=$8, banned=$9, prank_count=$10, updated_at=now()
			WHERE id=$1`,
			p.ID, p.LockState, p.FailedCount, nullTime(p.LockedUntil),
			p.OTPDigest, nullTime(p.OTPExpiresAt), p.OTPAttemptsLeft,
			p.Suspended, p.Banned, p.PrankCount,
		)
		if err != nil {
			return errs.Wrap(errs.CodeSysInternal, "persist principal", err)
		}
		return nil
	})
}

// WithLockTx is WithLock with the open transaction exposed to fn, for
// callers that need to write other rows (e.g. a UserFine) atomically with
// the principal mutation (§4.F: "all state transitions happen in a single
// transaction per event to preserve monotonicity").
func (r *PrincipalRepo) WithLockTx(ctx context.Context, id string, fn func(tx *sql.Tx, p *domain.Principal) error) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1 FOR UPDATE`, id)
		p, err := scanPrincipal(row)
		if err != nil {
			return errs.Wrap(errs.CodeSysInternal, "lock principal", err)
		}
		if err := fn(tx, p); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE principals SET
			lock_state=$2, failed_count=$3, locked_until=$4,
			otp_digest=$5, otp_expires_at=$6, otp_attempts_left=$7,
			suspended=$8, banned=$9, prank_count=$10, updated_at=now()
			WHERE id=$1`,
			p.ID, p.LockState, p.FailedCount, nullTime(p.LockedUntil),
			p.OTPDigest, nullTime(p.OTPExpiresAt), p.OTPAttemptsLeft,
			p.Suspended, p.Banned, p.PrankCount,
		)
		if err != nil {
			return errs.Wrap(errs.CodeSysInternal, "persist principal", err)
		}
		return nil
	})
}

func (r *PrincipalRepo) Create(ctx context.Context, p *domain.Principal) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	p.LockState = domain.LockStateOK
	_, err := r.store.DB.ExecContext(ctx, `INSERT INTO principals
		(id, kind, email, phone, password_hash, verified, lock_state, failed_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$8)`,
		p.ID, p.Kind, p.Email, p.Phone, p.PasswordHash, p.Verified, p.LockState, now)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "create principal", err)
	}
	return nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
