package dispatch

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/geo"
)

type fakeAuth struct {
	principal *domain.Principal
	err       error
}

func (a *fakeAuth) EmergencyOverride(ctx context.Context, requesterPhone, groupID string) (*domain.Principal, error) {
	return a.principal, a.err
}

type fakeSubs struct {
	active bool
	grace  bool
	err    error
}

func (s *fakeSubs) ValidateSubscription(ctx context.Context, groupID string) (bool, time.Time, bool, error) {
	return s.active, time.Time{}, s.grace, s.err
}

type fakeGroups struct {
	groups map[string]*domain.UserGroup
}

func (g *fakeGroups) FindByID(ctx context.Context, id string) (*domain.UserGroup, error) {
	return g.groups[id], nil
}

type fakeFirms struct {
	firmID string
}

func (f *fakeFirms) FirmForStoredSubscription(ctx context.Context, subscriptionID string) (string, error) {
	return f.firmID, nil
}

type fakeCoverage struct {
	covered      bool
	alternatives []string
}

func (c *fakeCoverage) FirmCoversPoint(ctx context.Context, firmID string, pt geo.Point) (bool, error) {
	return c.covered, nil
}

func (c *fakeCoverage) CoveringFirmIDs(ctx context.Context, pt geo.Point, serviceType domain.ServiceType) ([]string, error) {
	return c.alternatives, nil
}

type fakeRequests struct {
	requests  map[string]*domain.PanicRequest
	duplicate bool
	accepted  int
	created   []*domain.PanicRequest
	updates   []domain.RequestStatusUpdate
	released  []string
}

func newFakeRequests() *fakeRequests {
	return &fakeRequests{requests: map[string]*domain.PanicRequest{}}
}

func (r *fakeRequests) Create(ctx context.Context, req *domain.PanicRequest) error {
	req.ID = uuid.NewString()
	req.CreatedAt = time.Now()
	r.requests[req.ID] = req
	r.created = append(r.created, req)
	return nil
}

func (r *fakeRequests) FindByID(ctx context.Context, id string) (*domain.PanicRequest, error) {
	return r.requests[id], nil
}

func (r *fakeRequests) DuplicateWithinWindow(ctx context.Context, phone string, serviceType domain.ServiceType, window time.Duration) (bool, error) {
	return r.duplicate, nil
}

func (r *fakeRequests) AcceptedCountWithinWindow(ctx context.Context, phone string, window time.Duration) (int, error) {
	return r.accepted, nil
}

func (r *fakeRequests) WithLock(ctx context.Context, id string, fn func(tx *sql.Tx, req *domain.PanicRequest) error) error {
	req, ok := r.requests[id]
	if !ok {
		return assertErr("request not found")
	}
	return fn(nil, req)
}

func (r *fakeRequests) AppendStatusUpdate(ctx context.Context, tx *sql.Tx, u domain.RequestStatusUpdate) error {
	r.updates = append(r.updates, u)
	return nil
}

func (r *fakeRequests) CreateAssignment(ctx context.Context, tx *sql.Tx, a domain.ProviderAssignment) error {
	return nil
}

func (r *fakeRequests) ActiveAssignmentCount(ctx context.Context, tx *sql.Tx, providerID, excludeRequestID string) (int, error) {
	return 0, nil
}

func (r *fakeRequests) ReleaseAssignment(ctx context.Context, tx *sql.Tx, requestID, providerID string) error {
	r.released = append(r.released, providerID)
	return nil
}

func (r *fakeRequests) SaveFeedback(ctx context.Context, tx *sql.Tx, f domain.RequestFeedback) error {
	return nil
}

func (r *fakeRequests) NonTerminalOlderThan(ctx context.Context, status domain.RequestStatus, age time.Duration) ([]domain.PanicRequest, error) {
	return nil, nil
}

type fakeProviders struct {
	providers map[string]*domain.EmergencyProvider
}

func (p *fakeProviders) FindByID(ctx context.Context, id string) (*domain.EmergencyProvider, error) {
	return p.providers[id], nil
}

func (p *fakeProviders) SetStatus(ctx context.Context, tx *sql.Tx, providerID string, status domain.ProviderStatus) error {
	p.providers[providerID].Status = status
	return nil
}

type fakeAbuse struct {
	flagged []string
}

func (a *fakeAbuse) FlagPrank(ctx context.Context, userID string) error {
	a.flagged = append(a.flagged, userID)
	return nil
}

type fakeBus struct {
	events []string
}

func (b *fakeBus) Broadcast(ctx context.Context, requestID, envelopeType string, payload interface{}) {
	b.events = append(b.events, envelopeType)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func testWindows() Windows {
	return Windows{
		DedupeWindow:     time.Hour,
		AcceptRateWindow: time.Hour,
		MaxAcceptsInRate: 3,
		PendingTimeout:   10 * time.Minute,
		AllocatedTimeout: 10 * time.Minute,
		ArrivalRadiusM:   100,
	}
}

func newTestService() (*Service, *fakeRequests, *fakeProviders, *fakeBus) {
	requests := newFakeRequests()
	providers := &fakeProviders{providers: map[string]*domain.EmergencyProvider{
		"provider-1": {ID: "provider-1", Status: domain.ProviderAvailable, CurrentLat: 1, CurrentLng: 1},
	}}
	bus := &fakeBus{}
	svc := NewService(requests, providers,
		&fakeAuth{principal: &domain.Principal{ID: "user-1"}},
		&fakeSubs{active: true},
		&fakeGroups{groups: map[string]*domain.UserGroup{"group-1": {ID: "group-1", Lat: 1, Lng: 1, SubscriptionID: "sub-1"}}},
		&fakeFirms{firmID: "firm-1"},
		&fakeCoverage{covered: true},
		&fakeAbuse{},
		bus, testWindows())
	return svc, requests, providers, bus
}

func TestIngestSucceedsAndBroadcasts(t *testing.T) {
	svc, requests, _, bus := newTestService()

	req, err := svc.Ingest(context.Background(), IngestInput{
		RequesterPhone: "+15555550100", GroupID: "group-1",
		ServiceType: domain.ServiceSecurity, Point: geo.Point{Lat: 1, Lng: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.Contains(t, requests.requests, req.ID)
	assert.Contains(t, bus.events, "request_created")
}

func TestIngestRejectsInvalidServiceType(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.Ingest(context.Background(), IngestInput{
		RequesterPhone: "+15555550100", GroupID: "group-1",
		ServiceType: "bogus", Point: geo.Point{Lat: 1, Lng: 1},
	})
	require.Error(t, err)
}

func TestIngestRejectsExpiredSubscriptionOutsideGrace(t *testing.T) {
	requests := newFakeRequests()
	svc := NewService(requests, &fakeProviders{providers: map[string]*domain.EmergencyProvider{}},
		&fakeAuth{principal: &domain.Principal{ID: "user-1"}},
		&fakeSubs{active: false, grace: false},
		&fakeGroups{groups: map[string]*domain.UserGroup{"group-1": {ID: "group-1", Lat: 1, Lng: 1}}},
		&fakeFirms{firmID: "firm-1"}, &fakeCoverage{covered: true}, &fakeAbuse{}, &fakeBus{}, testWindows())

	_, err := svc.Ingest(context.Background(), IngestInput{
		RequesterPhone: "+1", GroupID: "group-1", ServiceType: domain.ServiceSecurity, Point: geo.Point{Lat: 1, Lng: 1},
	})
	require.Error(t, err)
}

func TestIngestAllowsGracePermittedServiceInGrace(t *testing.T) {
	requests := newFakeRequests()
	svc := NewService(requests, &fakeProviders{providers: map[string]*domain.EmergencyProvider{}},
		&fakeAuth{principal: &domain.Principal{ID: "user-1"}},
		&fakeSubs{active: false, grace: true},
		&fakeGroups{groups: map[string]*domain.UserGroup{"group-1": {ID: "group-1", Lat: 1, Lng: 1}}},
		&fakeFirms{firmID: "firm-1"}, &fakeCoverage{covered: true}, &fakeAbuse{}, &fakeBus{}, testWindows())

	req, err := svc.Ingest(context.Background(), IngestInput{
		RequesterPhone: "+1", GroupID: "group-1", ServiceType: domain.ServiceSecurity, Point: geo.Point{Lat: 1, Lng: 1},
	})
	require.NoError(t, err)
	assert.True(t, req.GraceAlert)
}

func TestIngestRejectsOutOfCoverageWithSuggestions(t *testing.T) {
	requests := newFakeRequests()
	svc := NewService(requests, &fakeProviders{providers: map[string]*domain.EmergencyProvider{}},
		&fakeAuth{principal: &domain.Principal{ID: "user-1"}},
		&fakeSubs{active: true},
		&fakeGroups{groups: map[string]*domain.UserGroup{"group-1": {ID: "group-1", Lat: 1, Lng: 1}}},
		&fakeFirms{firmID: "firm-1"},
		&fakeCoverage{covered: false, alternatives: []string{"firm-2"}},
		&fakeAbuse{}, &fakeBus{}, testWindows())

	_, err := svc.Ingest(context.Background(), IngestInput{
		RequesterPhone: "+1", GroupID: "group-1", ServiceType: domain.ServiceSecurity, Point: geo.Point{Lat: 1, Lng: 1},
	})
	require.Error(t, err)
}

func TestIngestRejectsDuplicateWithinWindow(t *testing.T) {
	svc, requests, _, _ := newTestService()
	requests.duplicate = true

	_, err := svc.Ingest(context.Background(), IngestInput{
		RequesterPhone: "+1", GroupID: "group-1", ServiceType: domain.ServiceSecurity, Point: geo.Point{Lat: 1, Lng: 1},
	})
	require.Error(t, err)
}

func TestIngestMarksCallTypeSilent(t *testing.T) {
	svc, _, _, _ := newTestService()

	req, err := svc.Ingest(context.Background(), IngestInput{
		RequesterPhone: "+1", GroupID: "group-1", ServiceType: domain.ServiceCall, Point: geo.Point{Lat: 1, Lng: 1},
	})
	require.NoError(t, err)
	assert.True(t, req.SilentMode)
}

func TestAllocateAssignsProviderAndMarksBusy(t *testing.T) {
	svc, requests, providers, bus := newTestService()
	requests.requests["req-1"] = &domain.PanicRequest{ID: "req-1", Status: domain.StatusPending, ServiceType: domain.ServiceSecurity, Lat: 1, Lng: 1}

	err := svc.Allocate(context.Background(), "req-1", "firm-1", "", "provider-1", nil, nil, "")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusAllocated, requests.requests["req-1"].Status)
	assert.Equal(t, "provider-1", requests.requests["req-1"].AssignedProviderID)
	assert.Equal(t, domain.ProviderBusy, providers.providers["provider-1"].Status)
	assert.Contains(t, bus.events, "request_allocated")
}

func TestAllocateRejectsBothTeamAndProviderSet(t *testing.T) {
	svc, requests, _, _ := newTestService()
	requests.requests["req-1"] = &domain.PanicRequest{ID: "req-1", Status: domain.StatusPending}

	err := svc.Allocate(context.Background(), "req-1", "firm-1", "team-1", "provider-1", nil, nil, "")
	require.Error(t, err)
}

func TestAllocateRejectsUnavailableProvider(t *testing.T) {
	svc, requests, providers, _ := newTestService()
	requests.requests["req-1"] = &domain.PanicRequest{ID: "req-1", Status: domain.StatusPending}
	providers.providers["provider-1"].Status = domain.ProviderBusy

	err := svc.Allocate(context.Background(), "req-1", "firm-1", "", "provider-1", nil, nil, "")
	require.Error(t, err)
}

func TestAllocateRejectsNonPendingRequest(t *testing.T) {
	svc, requests, _, _ := newTestService()
	requests.requests["req-1"] = &domain.PanicRequest{ID: "req-1", Status: domain.StatusAllocated}

	err := svc.Allocate(context.Background(), "req-1", "firm-1", "", "provider-1", nil, nil, "")
	require.Error(t, err)
}

func TestTransitionFollowsTable(t *testing.T) {
	svc, requests, _, bus := newTestService()
	requests.requests["req-1"] = &domain.PanicRequest{ID: "req-1", Status: domain.StatusAllocated}

	err := svc.Transition(context.Background(), "req-1", domain.StatusAccepted, "responder-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, requests.requests["req-1"].Status)
	assert.Contains(t, bus.events, "request_status_update")
}

func TestTransitionRejectsSkippingAhead(t *testing.T) {
	svc, requests, _, _ := newTestService()
	requests.requests["req-1"] = &domain.PanicRequest{ID: "req-1", Status: domain.StatusAllocated}

	err := svc.Transition(context.Background(), "req-1", domain.StatusArrived, "responder-1", "")
	require.Error(t, err)
}

func TestCancelReleasesAssignedProvider(t *testing.T) {
	svc, requests, providers, _ := newTestService()
	providers.providers["provider-1"].Status = domain.ProviderBusy
	requests.requests["req-1"] = &domain.PanicRequest{ID: "req-1", Status: domain.StatusAllocated, AssignedProviderID: "provider-1"}

	err := svc.Cancel(context.Background(), "req-1", "responder-1", "caller_cancelled")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, requests.requests["req-1"].Status)
	assert.Equal(t, domain.ProviderAvailable, providers.providers["provider-1"].Status)
}

func TestCancelRejectsTerminalRequest(t *testing.T) {
	svc, requests, _, _ := newTestService()
	requests.requests["req-1"] = &domain.PanicRequest{ID: "req-1", Status: domain.StatusCompleted}

	err := svc.Cancel(context.Background(), "req-1", "responder-1", "caller_cancelled")
	require.Error(t, err)
}

func TestCompleteFlagsPrankAndReleasesProvider(t *testing.T) {
	svc, requests, providers, bus := newTestService()
	providers.providers["provider-1"].Status = domain.ProviderBusy
	requests.requests["req-1"] = &domain.PanicRequest{
		ID: "req-1", Status: domain.StatusInProgress, AssignedProviderID: "provider-1", RequesterUserID: "user-1",
	}

	err := svc.Complete(context.Background(), "req-1", domain.RequestFeedback{IsPrank: true})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, requests.requests["req-1"].Status)
	assert.Equal(t, domain.ProviderAvailable, providers.providers["provider-1"].Status)
	abuseSvc := svc.abuse.(*fakeAbuse)
	assert.Equal(t, []string{"user-1"}, abuseSvc.flagged)
	assert.Contains(t, bus.events, "completed")
}

func TestCompleteRejectsRequestNotInProgress(t *testing.T) {
	svc, requests, _, _ := newTestService()
	requests.requests["req-1"] = &domain.PanicRequest{ID: "req-1", Status: domain.StatusAccepted}

	err := svc.Complete(context.Background(), "req-1", domain.RequestFeedback{})
	require.Error(t, err)
}
