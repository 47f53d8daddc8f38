package realtime

import (
	"context"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
	"github.com/coverline/dispatch-core/internal/events"
	"github.com/coverline/dispatch-core/internal/geo"
)

// RequestResolver resolves the participant set and office-staff roster for
// a PanicRequest, the information Directory needs but doesn't itself store.
type RequestResolver interface {
	FindByID(ctx context.Context, id string) (*domain.PanicRequest, error)
	TeamMemberIDs(ctx context.Context, teamID string) ([]string, error)
	OfficeStaffIDs(ctx context.Context, firmID string) ([]string, error)
	FirmForRequest(ctx context.Context, req *domain.PanicRequest) (string, error)
}

// LocationRepository persists LocationLog rows and optionally updates a
// request's primary point (§4.E location-log ingest).
type LocationRepository interface {
	AppendLocationLog(ctx context.Context, l domain.LocationLog) error
	UpdatePrimaryPoint(ctx context.Context, requestID string, pt geo.Point) error
	LocationLogsBetween(ctx context.Context, requestID string, from, to int64) ([]domain.LocationLog, error)
}

// Fanout implements dispatch.Broadcaster by resolving a request's
// participants on every call and routing through the Directory per §4.E.
// An optional events.EventEmitter mirrors every envelope to the event bus;
// nothing in this repository reads that bus back into a Directory.
type Fanout struct {
	dir      *Directory
	resolver RequestResolver
	locs     LocationRepository
	emitter  events.EventEmitter
}

func NewFanout(dir *Directory, resolver RequestResolver, locs LocationRepository, emitter events.EventEmitter) *Fanout {
	return &Fanout{dir: dir, resolver: resolver, locs: locs, emitter: emitter}
}

// Broadcast implements dispatch.Broadcaster.
func (f *Fanout) Broadcast(ctx context.Context, requestID, envelopeType string, payload interface{}) {
	if f.emitter != nil {
		data, _ := payload.(map[string]interface{})
		if data == nil {
			data = map[string]interface{}{"value": payload}
		}
		f.emitter.Emit(envelopeType, "/v1/requests", requestID, data)
	}

	req, err := f.resolver.FindByID(ctx, requestID)
	if err != nil || req == nil {
		return
	}
	participants := RequestParticipants{RequesterID: req.RequesterUserID}
	if req.AssignedTeamID != "" {
		participants.AssignedTeamID = req.AssignedTeamID
		if members, err := f.resolver.TeamMemberIDs(ctx, req.AssignedTeamID); err == nil {
			participants.AssignedMemberIDs = members
		}
	}
	if req.AssignedProviderID != "" {
		participants.AssignedMemberIDs = append(participants.AssignedMemberIDs, req.AssignedProviderID)
	}

	firmID, err := f.resolver.FirmForRequest(ctx, req)
	if err == nil {
		participants.FirmID = firmID
	}
	var officeStaff []string
	if firmID != "" {
		officeStaff, _ = f.resolver.OfficeStaffIDs(ctx, firmID)
	}

	f.dir.BroadcastRequest(participants, officeStaff, envelopeType, payload)
}

// IngestLocation appends a breadcrumb, optionally updates the request's
// primary point, and broadcasts location_update (§4.E).
func (f *Fanout) IngestLocation(ctx context.Context, l domain.LocationLog, updatePrimary bool) error {
	if !(geo.Point{Lat: l.Lat, Lng: l.Lng}).Valid() {
		return errs.New(errs.CodeGeoInvalidCoords, "invalid location sample")
	}
	if err := f.locs.AppendLocationLog(ctx, l); err != nil {
		return err
	}
	if updatePrimary {
		if err := f.locs.UpdatePrimaryPoint(ctx, l.RequestID, geo.Point{Lat: l.Lat, Lng: l.Lng}); err != nil {
			return err
		}
	}
	f.Broadcast(ctx, l.RequestID, "location_update", map[string]interface{}{
		"lat": l.Lat, "lng": l.Lng, "accuracy": l.Accuracy, "source": l.Source,
	})
	return nil
}

// TotalDistance resolves a request's location log between t0 and t1 and
// returns the summed consecutive-sample haversine distance.
func (f *Fanout) TotalDistance(ctx context.Context, requestID string, t0, t1 int64) (float64, error) {
	logs, err := f.locs.LocationLogsBetween(ctx, requestID, t0, t1)
	if err != nil {
		return 0, err
	}
	return TotalDistanceKm(logs), nil
}

// TotalDistanceKm sums consecutive-sample haversine distances for a request
// between two timestamps (§4.E).
func TotalDistanceKm(logs []domain.LocationLog) float64 {
	var total float64
	for i := 1; i < len(logs); i++ {
		a := geo.Point{Lat: logs[i-1].Lat, Lng: logs[i-1].Lng}
		b := geo.Point{Lat: logs[i].Lat, Lng: logs[i].Lng}
		total += geo.HaversineKm(a, b)
	}
	return total
}
