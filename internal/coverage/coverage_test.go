package coverage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/geo"
)

type fakeFirmCatalog struct {
	firms []domain.SecurityFirm
	areas map[string][]domain.CoverageArea
}

func (f *fakeFirmCatalog) ListApprovedFirms(ctx context.Context, limit int) ([]domain.SecurityFirm, error) {
	return f.firms, nil
}

func (f *fakeFirmCatalog) ListActiveCoverageAreas(ctx context.Context, firmID string) ([]domain.CoverageArea, error) {
	return f.areas[firmID], nil
}

type fakeServiceIndex struct {
	offers map[string]bool
}

func (s *fakeServiceIndex) FirmOffersService(ctx context.Context, firmID string, serviceType domain.ServiceType) (bool, error) {
	return s.offers[firmID], nil
}

type fakeProviderIndex struct {
	providers []domain.EmergencyProvider
}

func (p *fakeProviderIndex) ListAvailableProviders(ctx context.Context, providerTypeID string) ([]domain.EmergencyProvider, error) {
	return p.providers, nil
}

func squarePolygon() [][2]float64 {
	// [lng, lat] pairs around the origin.
	return [][2]float64{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
}

func TestCoveringFirmsFiltersByPolygonAndService(t *testing.T) {
	firms := &fakeFirmCatalog{
		firms: []domain.SecurityFirm{
			{ID: "firm-in-covers", Status: domain.FirmApproved},
			{ID: "firm-in-nocoverage-service", Status: domain.FirmApproved},
			{ID: "firm-out", Status: domain.FirmApproved},
		},
		areas: map[string][]domain.CoverageArea{
			"firm-in-covers":              {{ID: "a1", Polygon: squarePolygon(), Active: true}},
			"firm-in-nocoverage-service":  {{ID: "a2", Polygon: squarePolygon(), Active: true}},
			"firm-out":                   {{ID: "a3", Polygon: [][2]float64{{20, 20}, {30, 20}, {30, 30}, {20, 30}}, Active: true}},
		},
	}
	svc := &fakeServiceIndex{offers: map[string]bool{
		"firm-in-covers":             true,
		"firm-in-nocoverage-service": false,
		"firm-out":                   true,
	}}
	idx := NewIndex(firms, svc, &fakeProviderIndex{})

	results, err := idx.CoveringFirms(context.Background(), geo.Point{Lat: 5, Lng: 5}, domain.ServiceSecurity)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "firm-in-covers", results[0].Firm.ID)
}

func TestCoveringFirmIDsFlattensToIDs(t *testing.T) {
	firms := &fakeFirmCatalog{
		firms: []domain.SecurityFirm{{ID: "firm-1", Status: domain.FirmApproved}},
		areas: map[string][]domain.CoverageArea{
			"firm-1": {{ID: "a1", Polygon: squarePolygon(), Active: true}},
		},
	}
	idx := NewIndex(firms, &fakeServiceIndex{offers: map[string]bool{"firm-1": true}}, &fakeProviderIndex{})

	ids, err := idx.CoveringFirmIDs(context.Background(), geo.Point{Lat: 1, Lng: 1}, domain.ServiceSecurity)
	require.NoError(t, err)
	assert.Equal(t, []string{"firm-1"}, ids)
}

func TestFirmCoversPointSkipsInvalidPolygonsWithoutFailing(t *testing.T) {
	firms := &fakeFirmCatalog{
		areas: map[string][]domain.CoverageArea{
			"firm-1": {
				{ID: "degenerate", Polygon: [][2]float64{{0, 0}, {1, 1}}, Active: true},
				{ID: "valid", Polygon: squarePolygon(), Active: true},
			},
		},
	}
	idx := NewIndex(firms, &fakeServiceIndex{}, &fakeProviderIndex{})

	covered, err := idx.FirmCoversPoint(context.Background(), "firm-1", geo.Point{Lat: 5, Lng: 5})
	require.NoError(t, err)
	assert.True(t, covered)
}

func TestNearestProvidersRanksByDistanceAndFiltersUnavailable(t *testing.T) {
	providers := &fakeProviderIndex{providers: []domain.EmergencyProvider{
		{ID: "far", Active: true, Status: domain.ProviderAvailable, CurrentLat: 10, CurrentLng: 10, CoverageRadiusKm: 5000},
		{ID: "near", Active: true, Status: domain.ProviderAvailable, CurrentLat: 0.01, CurrentLng: 0.01, CoverageRadiusKm: 5000},
		{ID: "busy", Active: true, Status: domain.ProviderBusy, CurrentLat: 0, CurrentLng: 0, CoverageRadiusKm: 5000},
		{ID: "out-of-own-radius", Active: true, Status: domain.ProviderAvailable, CurrentLat: 50, CurrentLng: 50, CoverageRadiusKm: 1},
	}}
	idx := NewIndex(&fakeFirmCatalog{}, &fakeServiceIndex{}, providers)

	ranked, err := idx.NearestProviders(context.Background(), geo.Point{Lat: 0, Lng: 0}, "type-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "near", ranked[0].Provider.ID)
	assert.Equal(t, "far", ranked[1].Provider.ID)
}

func TestNearestProvidersRespectsLimitAndRadius(t *testing.T) {
	providers := &fakeProviderIndex{providers: []domain.EmergencyProvider{
		{ID: "p1", Active: true, Status: domain.ProviderAvailable, CurrentLat: 0.01, CurrentLng: 0.01, CoverageRadiusKm: 5000},
		{ID: "p2", Active: true, Status: domain.ProviderAvailable, CurrentLat: 0.02, CurrentLng: 0.02, CoverageRadiusKm: 5000},
	}}
	idx := NewIndex(&fakeFirmCatalog{}, &fakeServiceIndex{}, providers)

	ranked, err := idx.NearestProviders(context.Background(), geo.Point{Lat: 0, Lng: 0}, "type-1", 0, 1)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "p1", ranked[0].Provider.ID)
}
