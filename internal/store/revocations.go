package store

import (
	"context"
	"time"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
)

// RevocationRepo is the Postgres-backed implementation of
// identity.RevocationStore.
type RevocationRepo struct {
	store *Store
}

func NewRevocationRepo(s *Store) *RevocationRepo { return &RevocationRepo{store: s} }

func (r *RevocationRepo) IsRevoked(tokenID string) bool {
	var exists bool
	_ = r.store.DB.QueryRowContext(context.Background(),
		`SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE token_id = $1)`, tokenID).Scan(&exists)
	return exists
}

func (r *RevocationRepo) Revoke(tok domain.RevokedToken) error {
	_, err := r.store.DB.ExecContext(context.Background(), `INSERT INTO revoked_tokens
		(token_id, principal_id, revoked_at, expires_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (token_id) DO NOTHING`,
		tok.TokenID, tok.PrincipalID, tok.RevokedAt, tok.ExpiresAt)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "revoke token", err)
	}
	return nil
}

// PruneExpired deletes revocation rows past their natural expiry, run by
// the hourly scheduler job (§4.G).
func (r *RevocationRepo) PruneExpired(before time.Time) (int, error) {
	res, err := r.store.DB.ExecContext(context.Background(),
		`DELETE FROM revoked_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, errs.Wrap(errs.CodeSysInternal, "prune revoked tokens", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
