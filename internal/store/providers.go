package store

import (
	"context"
	"database/sql"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
)

// ProviderRepo persists EmergencyProvider rows and the resulting
// ProviderAssignment join rows created by the allocation protocol.
type ProviderRepo struct {
	store *Store
}

func NewProviderRepo(s *Store) *ProviderRepo { return &ProviderRepo{store: s} }

func scanProvider(rows *sql.Rows) (domain.EmergencyProvider, error) {
	var p domain.EmergencyProvider
	err := rows.Scan(&p.ID, &p.FirmID, &p.ProviderTypeID, &p.CurrentLat, &p.CurrentLng,
		&p.BaseLat, &p.BaseLng, &p.CoverageRadiusKm, &p.Status, &p.Active, &p.UpdatedAt)
	return p, err
}

func (r *ProviderRepo) ListAvailableProviders(ctx context.Context, providerTypeID string) ([]domain.EmergencyProvider, error) {
	rows, err := r.store.DB.QueryContext(ctx, `SELECT
		id, firm_id, provider_type_id, current_lat, current_lng, base_lat, base_lng,
		coverage_radius_km, status, active, updated_at
		FROM emergency_providers WHERE provider_type_id = $1 AND status = 'available' AND active = true`,
		providerTypeID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "list available providers", err)
	}
	defer rows.Close()

	var out []domain.EmergencyProvider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, errs.Wrap(errs.CodeSysInternal, "scan provider", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *ProviderRepo) FindByID(ctx context.Context, id string) (*domain.EmergencyProvider, error) {
	p := &domain.EmergencyProvider{}
	err := r.store.DB.QueryRowContext(ctx, `SELECT
		id, firm_id, provider_type_id, current_lat, current_lng, base_lat, base_lng,
		coverage_radius_km, status, active, updated_at
		FROM emergency_providers WHERE id = $1`, id).
		Scan(&p.ID, &p.FirmID, &p.ProviderTypeID, &p.CurrentLat, &p.CurrentLng,
			&p.BaseLat, &p.BaseLng, &p.CoverageRadiusKm, &p.Status, &p.Active, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeReqNotFound, "no such provider")
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "query provider", err)
	}
	return p, nil
}

// SetStatus updates a provider's status within an existing transaction,
// used by the allocation protocol to flip a provider to busy/available.
func (r *ProviderRepo) SetStatus(ctx context.Context, tx *sql.Tx, providerID string, status domain.ProviderStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE emergency_providers SET status=$2, updated_at=now() WHERE id=$1`,
		providerID, status)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "update provider status", err)
	}
	return nil
}

// FirmOffersService reports whether firmID has an active provider or team
// capable of serviceType, backing the Coverage Index's covering_firms query.
func (r *ProviderRepo) FirmOffersService(ctx context.Context, firmID string, serviceType domain.ServiceType) (bool, error) {
	var exists bool
	err := r.store.DB.QueryRowContext(ctx, `SELECT EXISTS(
		SELECT 1 FROM emergency_providers ep
		JOIN provider_types pt ON pt.id = ep.provider_type_id
		WHERE ep.firm_id = $1 AND ep.active = true AND pt.code = $2
	)`, firmID, string(serviceType)).Scan(&exists)
	if err != nil {
		return false, errs.Wrap(errs.CodeSysInternal, "query firm service offering", err)
	}
	return exists, nil
}
