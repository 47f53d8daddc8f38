package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
)

// RequestRepo persists PanicRequest rows, their status-update log, and
// ProviderAssignment rows, under the row-lock transactions §5 requires.
type RequestRepo struct {
	store *Store
}

func NewRequestRepo(s *Store) *RequestRepo { return &RequestRepo{store: s} }

const requestColumns = `id, requester_phone, requester_user_id, group_id, service_type,
	lat, lng, address, description, status, assigned_team_id, assigned_provider_id,
	grace_alert, silent_mode, created_at, accepted_at, arrived_at, completed_at`

func scanRequest(row interface {
	Scan(...interface{}) error
}) (*domain.PanicRequest, error) {
	r := &domain.PanicRequest{}
	var team, provider sql.NullString
	var accepted, arrived, completed sql.NullTime
	err := row.Scan(&r.ID, &r.RequesterPhone, &r.RequesterUserID, &r.GroupID, &r.ServiceType,
		&r.Lat, &r.Lng, &r.Address, &r.Description, &r.Status, &team, &provider,
		&r.GraceAlert, &r.SilentMode, &r.CreatedAt, &accepted, &arrived, &completed)
	if err != nil {
		return nil, err
	}
	r.AssignedTeamID, r.AssignedProviderID = team.String, provider.String
	r.AcceptedAt, r.ArrivedAt, r.CompletedAt = accepted.Time, arrived.Time, completed.Time
	return r, nil
}

func (r *RequestRepo) Create(ctx context.Context, req *domain.PanicRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.CreatedAt = time.Now()
	_, err := r.store.DB.ExecContext(ctx, `INSERT INTO panic_requests
		(id, requester_phone, requester_user_id, group_id, service_type, lat, lng, address,
		 description, status, grace_alert, silent_mode, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		req.ID, req.RequesterPhone, req.RequesterUserID, req.GroupID, req.ServiceType,
		req.Lat, req.Lng, req.Address, req.Description, req.Status, req.GraceAlert, req.SilentMode, req.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "create panic request", err)
	}
	return nil
}

func (r *RequestRepo) FindByID(ctx context.Context, id string) (*domain.PanicRequest, error) {
	row := r.store.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM panic_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeReqNotFound, "no such request")
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "query request", err)
	}
	return req, nil
}

// DuplicateWithinWindow reports whether a non-terminal request from phone
// for serviceType was created within window (§4.D dedupe).
func (r *RequestRepo) DuplicateWithinWindow(ctx context.Context, phone string, serviceType domain.ServiceType, window time.Duration) (bool, error) {
	var exists bool
	err := r.store.DB.QueryRowContext(ctx, `SELECT EXISTS(
		SELECT 1 FROM panic_requests
		WHERE requester_phone = $1 AND service_type = $2
		  AND status NOT IN ('completed','cancelled')
		  AND created_at > $3
	)`, phone, serviceType, time.Now().Add(-window)).Scan(&exists)
	if err != nil {
		return false, errs.Wrap(errs.CodeSysInternal, "query duplicate request", err)
	}
	return exists, nil
}

// AcceptedCountWithinWindow counts accepted requests from phone within window
// (§4.D rate-limit: >5 accepted within 60s).
func (r *RequestRepo) AcceptedCountWithinWindow(ctx context.Context, phone string, window time.Duration) (int, error) {
	var n int
	err := r.store.DB.QueryRowContext(ctx, `SELECT count(*) FROM panic_requests
		WHERE requester_phone = $1 AND accepted_at > $2`, phone, time.Now().Add(-window)).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.CodeSysInternal, "count accepted requests", err)
	}
	return n, nil
}

// WithLock locks the request row for a status transition, matching §5's
// linearizability requirement: read, precondition check, and write inside
// one transaction.
func (r *RequestRepo) WithLock(ctx context.Context, id string, fn func(tx *sql.Tx, req *domain.PanicRequest) error) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM panic_requests WHERE id = $1 FOR UPDATE`, id)
		req, err := scanRequest(row)
		if err == sql.ErrNoRows {
			return errs.New(errs.CodeReqNotFound, "no such request")
		}
		if err != nil {
			return errs.Wrap(errs.CodeSysInternal, "lock request", err)
		}
		if err := fn(tx, req); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE panic_requests SET
			status=$2, assigned_team_id=$3, assigned_provider_id=$4, grace_alert=$5,
			silent_mode=$6, accepted_at=$7, arrived_at=$8, completed_at=$9
			WHERE id=$1`,
			req.ID, req.Status, nullString(req.AssignedTeamID), nullString(req.AssignedProviderID),
			req.GraceAlert, req.SilentMode, nullTime(req.AcceptedAt), nullTime(req.ArrivedAt), nullTime(req.CompletedAt))
		if err != nil {
			return errs.Wrap(errs.CodeSysInternal, "persist request", err)
		}
		return nil
	})
}

// AppendStatusUpdate writes one RequestStatusUpdate row inside tx, the
// append-only log every state change must produce atomically (§4.D).
func (r *RequestRepo) AppendStatusUpdate(ctx context.Context, tx *sql.Tx, u domain.RequestStatusUpdate) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = time.Now()
	_, err := tx.ExecContext(ctx, `INSERT INTO request_status_updates
		(id, request_id, status, message, responder_id, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		u.ID, u.RequestID, u.Status, u.Message, nullString(u.ResponderID), u.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "append status update", err)
	}
	return nil
}

// CreateAssignment inserts a ProviderAssignment row inside tx.
func (r *RequestRepo) CreateAssignment(ctx context.Context, tx *sql.Tx, a domain.ProviderAssignment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.AssignedAt = time.Now()
	_, err := tx.ExecContext(ctx, `INSERT INTO provider_assignments
		(id, request_id, provider_id, distance_km, eta_minutes, assigned_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ID, a.RequestID, a.ProviderID, a.DistanceKm, a.ETAMinutes, a.AssignedAt)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "create provider assignment", err)
	}
	return nil
}

// ActiveAssignmentCount counts providerID's unreleased assignments on
// requests other than excludeRequestID, read inside tx.
func (r *RequestRepo) ActiveAssignmentCount(ctx context.Context, tx *sql.Tx, providerID, excludeRequestID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM provider_assignments
		WHERE provider_id = $1 AND released_at IS NULL AND request_id <> $2`, providerID, excludeRequestID).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.CodeSysInternal, "count active assignments", err)
	}
	return n, nil
}

func (r *RequestRepo) ReleaseAssignment(ctx context.Context, tx *sql.Tx, requestID, providerID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE provider_assignments SET released_at=now()
		WHERE request_id=$1 AND provider_id=$2 AND released_at IS NULL`, requestID, providerID)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "release provider assignment", err)
	}
	return nil
}

func (r *RequestRepo) SaveFeedback(ctx context.Context, tx *sql.Tx, f domain.RequestFeedback) error {
	f.CreatedAt = time.Now()
	_, err := tx.ExecContext(ctx, `INSERT INTO request_feedback
		(request_id, is_prank, rating, comments, created_at) VALUES ($1,$2,$3,$4,$5)`,
		f.RequestID, f.IsPrank, f.Rating, f.Comments, f.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "save feedback", err)
	}
	return nil
}

// NonTerminalOlderThan lists requests currently in status whose created_at
// is older than age (time spent in status itself is not tracked), feeding
// the timeout scheduler job (§4.D, §4.G).
func (r *RequestRepo) NonTerminalOlderThan(ctx context.Context, status domain.RequestStatus, age time.Duration) ([]domain.PanicRequest, error) {
	rows, err := r.store.DB.QueryContext(ctx, `SELECT `+requestColumns+` FROM panic_requests
		WHERE status = $1 AND created_at < $2`, status, time.Now().Add(-age))
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "query stale requests", err)
	}
	defer rows.Close()

	var out []domain.PanicRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errs.Wrap(errs.CodeSysInternal, "scan request", err)
		}
		out = append(out, req)
	}
	return out, nil
}
