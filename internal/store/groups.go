package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
)

// GroupRepo reads/writes UserGroup rows and their membership/phone tables.
type GroupRepo struct {
	store *Store
}

func NewGroupRepo(s *Store) *GroupRepo { return &GroupRepo{store: s} }

func (r *GroupRepo) FindByID(ctx context.Context, id string) (*domain.UserGroup, error) {
	g := &domain.UserGroup{}
	var subID sql.NullString
	var expires sql.NullTime
	err := r.store.DB.QueryRowContext(ctx,
		`SELECT id, name, address, lat, lng, subscription_id, subscription_expires_at, created_at
		 FROM user_groups WHERE id = $1`, id).
		Scan(&g.ID, &g.Name, &g.Address, &g.Lat, &g.Lng, &subID, &expires, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeReqNotFound, "no such group")
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "query group", err)
	}
	g.SubscriptionID = subID.String
	g.SubscriptionExpiresAt = expires.Time
	return g, nil
}

// IsOwnedOrAdministeredBy reports whether userID holds an active owner or
// admin membership in groupID (§4.C precondition 2).
func (r *GroupRepo) IsOwnedOrAdministeredBy(ctx context.Context, groupID, userID string) (bool, error) {
	var exists bool
	err := r.store.DB.QueryRowContext(ctx, `SELECT EXISTS(
		SELECT 1 FROM group_memberships
		WHERE group_id = $1 AND user_id = $2 AND active = true AND role IN ('owner','admin')
	)`, groupID, userID).Scan(&exists)
	if err != nil {
		return false, errs.Wrap(errs.CodeSysInternal, "query membership", err)
	}
	return exists, nil
}

// PhoneCount returns the number of phone numbers registered to groupID
// (§4.C precondition 3, compared against product.max_users).
func (r *GroupRepo) PhoneCount(ctx context.Context, groupID string) (int, error) {
	var n int
	err := r.store.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM group_phone_numbers WHERE group_id = $1`, groupID).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.CodeSysInternal, "count group phones", err)
	}
	return n, nil
}

// ActiveMembershipPrincipal resolves the identity.MembershipLookup contract:
// find the verified principal behind an active membership of phone in
// groupID, for the §4.A emergency override.
func (r *GroupRepo) ActiveMembershipPrincipal(ctx context.Context, phone, groupID string) (*domain.Principal, error) {
	row := r.store.DB.QueryRowContext(ctx, `SELECT `+principalColumns+`
		FROM principals p
		JOIN group_memberships m ON m.user_id = p.id
		WHERE p.phone = $1 AND m.group_id = $2 AND m.active = true`, phone, groupID)
	p, err := scanPrincipal(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeAuthForbidden, "no active membership")
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "query membership principal", err)
	}
	return p, nil
}

// WithGroupLock locks the group row, runs fn, then persists subscription_id
// and subscription_expires_at if fn mutated them.
func (r *GroupRepo) WithGroupLock(ctx context.Context, groupID string, fn func(tx *sql.Tx, g *domain.UserGroup) error) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		g := &domain.UserGroup{}
		var subID sql.NullString
		var expires sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT id, name, address, lat, lng, subscription_id, subscription_expires_at, created_at
			 FROM user_groups WHERE id = $1 FOR UPDATE`, groupID).
			Scan(&g.ID, &g.Name, &g.Address, &g.Lat, &g.Lng, &subID, &expires, &g.CreatedAt)
		if err != nil {
			return errs.Wrap(errs.CodeSysInternal, "lock group", err)
		}
		g.SubscriptionID = subID.String
		g.SubscriptionExpiresAt = expires.Time

		if err := fn(tx, g); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE user_groups SET subscription_id=$2, subscription_expires_at=$3 WHERE id=$1`,
			g.ID, nullString(g.SubscriptionID), nullTime(g.SubscriptionExpiresAt))
		if err != nil {
			return errs.Wrap(errs.CodeSysInternal, "persist group", err)
		}
		return nil
	})
}

// ExpiringOn lists groups whose subscription expires on the calendar day
// `day` (UTC), the scheduler's per-threshold scan for the T-7d/T-3d/T-1d/T-0
// expiry notices (§4.G). Scoping to a single day keeps the job idempotent:
// re-running it mid-day re-finds the same rows rather than a sliding window
// that would re-notify every run.
func (r *GroupRepo) ExpiringOn(ctx context.Context, day time.Time) ([]domain.UserGroup, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	rows, err := r.store.DB.QueryContext(ctx,
		`SELECT id, name, address, lat, lng, subscription_id, subscription_expires_at, created_at
		 FROM user_groups WHERE subscription_expires_at >= $1 AND subscription_expires_at < $2`, start, end)
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "query expiring groups", err)
	}
	defer rows.Close()

	var out []domain.UserGroup
	for rows.Next() {
		g := domain.UserGroup{}
		var subID sql.NullString
		var expires sql.NullTime
		if err := rows.Scan(&g.ID, &g.Name, &g.Address, &g.Lat, &g.Lng, &subID, &expires, &g.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.CodeSysInternal, "scan expiring group", err)
		}
		g.SubscriptionID = subID.String
		g.SubscriptionExpiresAt = expires.Time
		out = append(out, g)
	}
	return out, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
