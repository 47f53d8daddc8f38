// Package coverage implements the Coverage Index's two query modes
// (§4.B): covering_firms and nearest_providers, composed from the pure
// geo routines over rows read from the catalog and primary stores.
package coverage

import (
	"context"
	"sort"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
	"github.com/coverline/dispatch-core/internal/geo"
)

// FirmCatalog resolves firm and coverage-area rows.
type FirmCatalog interface {
	ListApprovedFirms(ctx context.Context, limit int) ([]domain.SecurityFirm, error)
	ListActiveCoverageAreas(ctx context.Context, firmID string) ([]domain.CoverageArea, error)
}

// FirmServiceIndex reports whether a firm offers a service type via some
// provider or team.
type FirmServiceIndex interface {
	FirmOffersService(ctx context.Context, firmID string, serviceType domain.ServiceType) (bool, error)
}

// ProviderIndex resolves providers for nearest_providers queries.
type ProviderIndex interface {
	ListAvailableProviders(ctx context.Context, providerTypeID string) ([]domain.EmergencyProvider, error)
}

type Index struct {
	firms      FirmCatalog
	serviceIdx FirmServiceIndex
	providers  ProviderIndex
}

func NewIndex(firms FirmCatalog, serviceIdx FirmServiceIndex, providers ProviderIndex) *Index {
	return &Index{firms: firms, serviceIdx: serviceIdx, providers: providers}
}

// CoveringFirm is one result row of CoveringFirms.
type CoveringFirm struct {
	Firm domain.SecurityFirm
}

// CoveringFirms returns approved firms with at least one active polygon
// containing point, that offer serviceType. A firm appears at most once
// even if multiple of its polygons cover the point.
func (idx *Index) CoveringFirms(ctx context.Context, point geo.Point, serviceType domain.ServiceType) ([]CoveringFirm, error) {
	firms, err := idx.firms.ListApprovedFirms(ctx, 0)
	if err != nil {
		return nil, err
	}

	var out []CoveringFirm
	for _, f := range firms {
		covered, err := idx.firmCoversPoint(ctx, f.ID, point)
		if err != nil {
			return nil, err
		}
		if !covered {
			continue
		}
		offers, err := idx.serviceIdx.FirmOffersService(ctx, f.ID, serviceType)
		if err != nil {
			return nil, err
		}
		if offers {
			out = append(out, CoveringFirm{Firm: f})
		}
	}
	return out, nil
}

// FirmCoversPoint reports whether any active polygon owned by firmID
// contains point; exposed for the Subscription Ledger's coverage
// precondition (§4.C) and the Request State Machine's coverage gate (§4.D).
func (idx *Index) FirmCoversPoint(ctx context.Context, firmID string, point geo.Point) (bool, error) {
	return idx.firmCoversPoint(ctx, firmID, point)
}

func (idx *Index) firmCoversPoint(ctx context.Context, firmID string, point geo.Point) (bool, error) {
	areas, err := idx.firms.ListActiveCoverageAreas(ctx, firmID)
	if err != nil {
		return false, err
	}
	for _, area := range areas {
		poly := toPolygon(area.Polygon)
		inside, err := geo.Contains(poly, point)
		if err != nil {
			if de, ok := err.(*errs.DomainError); ok && de.Code == errs.CodeGeoInvalidCoords {
				continue // invalid polygons are excluded, not fatal to the query
			}
			return false, err
		}
		if inside {
			return true, nil
		}
	}
	return false, nil
}

// CoveringFirmIDs is the same query as CoveringFirms, flattened to bare IDs
// for error-detail payloads (e.g. LOCATION_NOT_COVERED's suggested_firms).
func (idx *Index) CoveringFirmIDs(ctx context.Context, point geo.Point, serviceType domain.ServiceType) ([]string, error) {
	firms, err := idx.CoveringFirms(ctx, point, serviceType)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(firms))
	for i, f := range firms {
		ids[i] = f.Firm.ID
	}
	return ids, nil
}

func toPolygon(pts [][2]float64) geo.Polygon {
	poly := make(geo.Polygon, len(pts))
	for i, p := range pts {
		poly[i] = geo.Point{Lng: p[0], Lat: p[1]}
	}
	return poly
}

// RankedProvider is one result row of NearestProviders.
type RankedProvider struct {
	Provider   domain.EmergencyProvider
	DistanceKm float64
	ETAMinutes int
}

// NearestProviders returns available, active, in-radius providers of
// providerTypeID ranked by ascending distance from point, capped at limit.
func (idx *Index) NearestProviders(ctx context.Context, point geo.Point, providerTypeID string, radiusKm float64, limit int) ([]RankedProvider, error) {
	providers, err := idx.providers.ListAvailableProviders(ctx, providerTypeID)
	if err != nil {
		return nil, err
	}

	var ranked []RankedProvider
	for _, p := range providers {
		if !p.Active || p.Status != domain.ProviderAvailable {
			continue
		}
		d := geo.HaversineKm(point, geo.Point{Lat: p.CurrentLat, Lng: p.CurrentLng})
		if d > p.CoverageRadiusKm {
			continue
		}
		if radiusKm > 0 && d > radiusKm {
			continue
		}
		ranked = append(ranked, RankedProvider{Provider: p, DistanceKm: d, ETAMinutes: geo.ETAMinutes(d)})
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].DistanceKm < ranked[j].DistanceKm })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}
