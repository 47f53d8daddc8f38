package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
	"github.com/coverline/dispatch-core/internal/geo"
	"github.com/google/uuid"
)

// RealtimeLookup implements realtime.RequestResolver and
// realtime.LocationRepository over the primary store, joining the request,
// team, and firm-membership tables the Fanout needs to resolve a
// PanicRequest's participants without storing any of that state itself.
type RealtimeLookup struct {
	store *Store
}

func NewRealtimeLookup(s *Store) *RealtimeLookup { return &RealtimeLookup{store: s} }

func (l *RealtimeLookup) FindByID(ctx context.Context, id string) (*domain.PanicRequest, error) {
	row := l.store.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM panic_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeReqNotFound, "no such request")
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "query request", err)
	}
	return req, nil
}

// TeamMemberIDs resolves a team's leader plus its active members, the
// roster BroadcastRequest pushes responder envelopes to.
func (l *RealtimeLookup) TeamMemberIDs(ctx context.Context, teamID string) ([]string, error) {
	rows, err := l.store.DB.QueryContext(ctx, `SELECT principal_id FROM team_members
		WHERE team_id = $1 AND active = true
		UNION SELECT leader_id FROM teams WHERE id = $1`, teamID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "query team members", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.CodeSysInternal, "scan team member", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// OfficeStaffIDs resolves a firm's active office-staff roster (firm_user,
// firm_supervisor, firm_admin roles — domain.FirmRole.IsOfficeStaff),
// BroadcastRequest's office-staff fan-out target.
func (l *RealtimeLookup) OfficeStaffIDs(ctx context.Context, firmID string) ([]string, error) {
	rows, err := l.store.DB.QueryContext(ctx, `SELECT principal_id FROM firm_members
		WHERE firm_id = $1 AND active = true
		AND role IN ('firm_user','firm_supervisor','firm_admin')`, firmID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "query office staff", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.CodeSysInternal, "scan office staff", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FirmForRequest resolves the firm currently responsible for req, preferring
// the assigned provider's firm (set once allocated) and falling back to the
// assigned team's firm for requests allocated directly to a team.
func (l *RealtimeLookup) FirmForRequest(ctx context.Context, req *domain.PanicRequest) (string, error) {
	if req.AssignedProviderID != "" {
		var firmID string
		err := l.store.DB.QueryRowContext(ctx, `SELECT firm_id FROM emergency_providers WHERE id = $1`, req.AssignedProviderID).Scan(&firmID)
		if err == nil {
			return firmID, nil
		}
		if err != sql.ErrNoRows {
			return "", errs.Wrap(errs.CodeSysInternal, "query provider firm", err)
		}
	}
	if req.AssignedTeamID != "" {
		var firmID string
		err := l.store.DB.QueryRowContext(ctx, `SELECT firm_id FROM teams WHERE id = $1`, req.AssignedTeamID).Scan(&firmID)
		if err == nil {
			return firmID, nil
		}
		if err != sql.ErrNoRows {
			return "", errs.Wrap(errs.CodeSysInternal, "query team firm", err)
		}
	}
	return "", nil
}

// AppendLocationLog inserts one GPS breadcrumb row (§4.E).
func (l *RealtimeLookup) AppendLocationLog(ctx context.Context, loc domain.LocationLog) error {
	if loc.ID == "" {
		loc.ID = uuid.NewString()
	}
	loc.CreatedAt = time.Now()
	_, err := l.store.DB.ExecContext(ctx, `INSERT INTO location_logs
		(id, request_id, user_id, lat, lng, accuracy, source, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		loc.ID, loc.RequestID, loc.UserID, loc.Lat, loc.Lng, loc.Accuracy, loc.Source, loc.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "append location log", err)
	}
	return nil
}

// UpdatePrimaryPoint moves a request's headline lat/lng, used for the
// requester's own continuing location updates (not a responder's).
func (l *RealtimeLookup) UpdatePrimaryPoint(ctx context.Context, requestID string, pt geo.Point) error {
	_, err := l.store.DB.ExecContext(ctx, `UPDATE panic_requests SET lat=$2, lng=$3 WHERE id=$1`,
		requestID, pt.Lat, pt.Lng)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "update request point", err)
	}
	return nil
}

// LocationLogsBetween reads the breadcrumb trail for a request within
// [from, to] (unix seconds), feeding Fanout.TotalDistance.
func (l *RealtimeLookup) LocationLogsBetween(ctx context.Context, requestID string, from, to int64) ([]domain.LocationLog, error) {
	rows, err := l.store.DB.QueryContext(ctx, `SELECT id, request_id, user_id, lat, lng, accuracy, source, created_at
		FROM location_logs WHERE request_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at ASC`,
		requestID, time.Unix(from, 0), time.Unix(to, 0))
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "query location logs", err)
	}
	defer rows.Close()

	var out []domain.LocationLog
	for rows.Next() {
		var loc domain.LocationLog
		if err := rows.Scan(&loc.ID, &loc.RequestID, &loc.UserID, &loc.Lat, &loc.Lng, &loc.Accuracy, &loc.Source, &loc.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.CodeSysInternal, "scan location log", err)
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}
