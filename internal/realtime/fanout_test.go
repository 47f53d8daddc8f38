package realtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/geo"
)

type fakeResolver struct {
	requests    map[string]*domain.PanicRequest
	teamMembers map[string][]string
	officeStaff map[string][]string
	firmOf      map[string]string
}

func (r *fakeResolver) FindByID(ctx context.Context, id string) (*domain.PanicRequest, error) {
	return r.requests[id], nil
}

func (r *fakeResolver) TeamMemberIDs(ctx context.Context, teamID string) ([]string, error) {
	return r.teamMembers[teamID], nil
}

func (r *fakeResolver) OfficeStaffIDs(ctx context.Context, firmID string) ([]string, error) {
	return r.officeStaff[firmID], nil
}

func (r *fakeResolver) FirmForRequest(ctx context.Context, req *domain.PanicRequest) (string, error) {
	return r.firmOf[req.ID], nil
}

type fakeLocationRepo struct {
	logs          []domain.LocationLog
	primaryPoints map[string]geo.Point
}

func (l *fakeLocationRepo) AppendLocationLog(ctx context.Context, loc domain.LocationLog) error {
	l.logs = append(l.logs, loc)
	return nil
}

func (l *fakeLocationRepo) UpdatePrimaryPoint(ctx context.Context, requestID string, pt geo.Point) error {
	if l.primaryPoints == nil {
		l.primaryPoints = map[string]geo.Point{}
	}
	l.primaryPoints[requestID] = pt
	return nil
}

func (l *fakeLocationRepo) LocationLogsBetween(ctx context.Context, requestID string, from, to int64) ([]domain.LocationLog, error) {
	return l.logs, nil
}

func TestFanoutBroadcastResolvesParticipantsAndOfficeStaff(t *testing.T) {
	dir := NewDirectory()
	requester := newTestSession("s1", "user-1", "requester", "")
	member := newTestSession("s2", "member-1", "responder", "")
	staff := newTestSession("s3", "staff-1", "office_staff", "firm-1")
	dir.Register(requester)
	dir.Register(member)
	dir.Register(staff)

	resolver := &fakeResolver{
		requests: map[string]*domain.PanicRequest{
			"req-1": {ID: "req-1", RequesterUserID: "user-1", AssignedTeamID: "team-1"},
		},
		teamMembers: map[string][]string{"team-1": {"member-1"}},
		officeStaff: map[string][]string{"firm-1": {"staff-1"}},
		firmOf:      map[string]string{"req-1": "firm-1"},
	}

	fanout := NewFanout(dir, resolver, nil, nil)
	fanout.Broadcast(context.Background(), "req-1", "request_created", nil)

	assertEnvelopeReceived(t, requester, "request_created")
	assertEnvelopeReceived(t, member, "request_created")
	assertEnvelopeReceived(t, staff, "request_created")
}

func TestFanoutBroadcastSilentlyNoOpsOnUnknownRequest(t *testing.T) {
	dir := NewDirectory()
	resolver := &fakeResolver{requests: map[string]*domain.PanicRequest{}}
	fanout := NewFanout(dir, resolver, nil, nil)

	assert.NotPanics(t, func() {
		fanout.Broadcast(context.Background(), "missing", "request_created", nil)
	})
}

func TestTotalDistanceKmSumsConsecutiveSamples(t *testing.T) {
	logs := []domain.LocationLog{
		{Lat: 0, Lng: 0},
		{Lat: 0, Lng: 0.1},
		{Lat: 0.1, Lng: 0.1},
	}
	total := TotalDistanceKm(logs)
	require.Greater(t, total, 0.0)
}

func TestTotalDistanceKmZeroForSinglePoint(t *testing.T) {
	logs := []domain.LocationLog{{Lat: 1, Lng: 1}}
	assert.Equal(t, 0.0, TotalDistanceKm(logs))
}

func TestIngestLocationAppendsAndUpdatesPrimaryPoint(t *testing.T) {
	dir := NewDirectory()
	resolver := &fakeResolver{requests: map[string]*domain.PanicRequest{
		"req-1": {ID: "req-1", RequesterUserID: "user-1"},
	}}
	locs := &fakeLocationRepo{}
	fanout := NewFanout(dir, resolver, locs, nil)

	err := fanout.IngestLocation(context.Background(), domain.LocationLog{RequestID: "req-1", Lat: 10, Lng: 20}, true)
	require.NoError(t, err)

	require.Len(t, locs.logs, 1)
	assert.Equal(t, geo.Point{Lat: 10, Lng: 20}, locs.primaryPoints["req-1"])
}

func TestIngestLocationRejectsInvalidCoordinates(t *testing.T) {
	dir := NewDirectory()
	resolver := &fakeResolver{requests: map[string]*domain.PanicRequest{}}
	locs := &fakeLocationRepo{}
	fanout := NewFanout(dir, resolver, locs, nil)

	err := fanout.IngestLocation(context.Background(), domain.LocationLog{RequestID: "req-1", Lat: 999, Lng: 20}, false)
	require.Error(t, err)
	assert.Empty(t, locs.logs)
}
