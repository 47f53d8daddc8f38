// Package dispatch implements the Request State Machine (§4.D): the panic
// ingest pipeline, status transitions, the allocation protocol, completion
// and feedback, and the timeout sweep that feeds the scheduler.
package dispatch

import (
	"context"
	"database/sql"
	"time"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
	"github.com/coverline/dispatch-core/internal/geo"
	"github.com/coverline/dispatch-core/internal/metrics"
)

// EmergencyAuthorizer resolves the ingest pipeline's override step: a
// verified active membership of (requester_phone, group_id), independent of
// lockout state.
type EmergencyAuthorizer interface {
	EmergencyOverride(ctx context.Context, requesterPhone, groupID string) (*domain.Principal, error)
}

// SubscriptionGate validates the group's subscription state.
type SubscriptionGate interface {
	ValidateSubscription(ctx context.Context, groupID string) (active bool, expiresAt time.Time, grace bool, err error)
}

// GroupLookup resolves the group row the ingest pipeline needs for its
// coverage and persistence steps.
type GroupLookup interface {
	FindByID(ctx context.Context, id string) (*domain.UserGroup, error)
}

// FirmOfGroup resolves the firm that owns a group's active subscription
// product, needed to run the coverage gate against the correct firm.
type FirmOfGroup interface {
	FirmForStoredSubscription(ctx context.Context, subscriptionID string) (string, error)
}

// CoverageGate reports point-in-polygon containment and ranks alternative
// firms for LOCATION_NOT_COVERED responses.
type CoverageGate interface {
	FirmCoversPoint(ctx context.Context, firmID string, pt geo.Point) (bool, error)
	CoveringFirmIDs(ctx context.Context, pt geo.Point, serviceType domain.ServiceType) ([]string, error)
}

// RequestRepository is the persistence boundary the state machine depends
// on; store.RequestRepo implements it over the primary transactional store.
type RequestRepository interface {
	Create(ctx context.Context, req *domain.PanicRequest) error
	FindByID(ctx context.Context, id string) (*domain.PanicRequest, error)
	DuplicateWithinWindow(ctx context.Context, phone string, serviceType domain.ServiceType, window time.Duration) (bool, error)
	AcceptedCountWithinWindow(ctx context.Context, phone string, window time.Duration) (int, error)
	WithLock(ctx context.Context, id string, fn func(tx *sql.Tx, req *domain.PanicRequest) error) error
	AppendStatusUpdate(ctx context.Context, tx *sql.Tx, u domain.RequestStatusUpdate) error
	CreateAssignment(ctx context.Context, tx *sql.Tx, a domain.ProviderAssignment) error
	ActiveAssignmentCount(ctx context.Context, tx *sql.Tx, providerID, excludeRequestID string) (int, error)
	ReleaseAssignment(ctx context.Context, tx *sql.Tx, requestID, providerID string) error
	SaveFeedback(ctx context.Context, tx *sql.Tx, f domain.RequestFeedback) error
	NonTerminalOlderThan(ctx context.Context, status domain.RequestStatus, age time.Duration) ([]domain.PanicRequest, error)
}

// ProviderRepository is the subset of store.ProviderRepo the allocation
// protocol needs.
type ProviderRepository interface {
	FindByID(ctx context.Context, id string) (*domain.EmergencyProvider, error)
	SetStatus(ctx context.Context, tx *sql.Tx, providerID string, status domain.ProviderStatus) error
}

// AbuseLedger is notified of a completed request flagged as a prank
// (§4.D step 6, fanning out to §4.F).
type AbuseLedger interface {
	FlagPrank(ctx context.Context, userID string) error
}

// Broadcaster emits realtime envelopes for a PanicRequest (§4.E). Service
// calls it unconditionally, so it must be non-nil (tests pass a fake).
type Broadcaster interface {
	Broadcast(ctx context.Context, requestID, envelopeType string, payload interface{})
}

// Windows bundles the configurable timing knobs §6 lists for the ingest
// pipeline and the timeout sweep.
type Windows struct {
	DedupeWindow      time.Duration
	AcceptRateWindow  time.Duration
	MaxAcceptsInRate  int
	PendingTimeout    time.Duration
	AllocatedTimeout  time.Duration
	StaleActiveAlert  time.Duration
	ArrivalRadiusM    float64
}

type Service struct {
	requests  RequestRepository
	providers ProviderRepository
	auth      EmergencyAuthorizer
	subs      SubscriptionGate
	groups    GroupLookup
	firms     FirmOfGroup
	coverage  CoverageGate
	abuse     AbuseLedger
	bus       Broadcaster
	windows   Windows
}

func NewService(requests RequestRepository, providers ProviderRepository, auth EmergencyAuthorizer,
	subs SubscriptionGate, groups GroupLookup, firms FirmOfGroup, coverage CoverageGate,
	abuse AbuseLedger, bus Broadcaster, windows Windows) *Service {
	return &Service{
		requests: requests, providers: providers, auth: auth, subs: subs,
		groups: groups, firms: firms, coverage: coverage, abuse: abuse, bus: bus, windows: windows,
	}
}

// gracePermittedServices is the set §4.D step 2 allows through in grace.
var gracePermittedServices = map[domain.ServiceType]bool{
	domain.ServiceCall: true, domain.ServiceSecurity: true, domain.ServiceAmbulance: true,
	domain.ServiceFire: true, domain.ServiceTowing: true,
}

// IngestInput is the panic-submission payload (§4.D Ingest).
type IngestInput struct {
	RequesterPhone string
	GroupID        string
	ServiceType    domain.ServiceType
	Point          geo.Point
	Address        string
	Description    string
}

// Ingest runs the six-step pipeline and returns the persisted request.
func (s *Service) Ingest(ctx context.Context, in IngestInput) (*domain.PanicRequest, error) {
	if !domain.ValidServiceType(in.ServiceType) {
		return nil, errs.New(errs.CodeReqInvalidServiceType, "unrecognised service_type")
	}
	if !in.Point.Valid() {
		return nil, errs.New(errs.CodeGeoInvalidCoords, "invalid submission coordinates")
	}

	// Step 1: authorize requester via emergency override. Locked principals
	// pass; banned principals do not (enforced inside EmergencyOverride).
	principal, err := s.auth.EmergencyOverride(ctx, in.RequesterPhone, in.GroupID)
	if err != nil {
		return nil, errs.New(errs.CodeAuthForbidden, "unauthorized requester").WithDetails(map[string]interface{}{"reason": err.Error()})
	}

	// Step 2: subscription gate.
	active, _, grace, err := s.subs.ValidateSubscription(ctx, in.GroupID)
	if err != nil {
		return nil, err
	}
	graceAlert := false
	if !active {
		if !grace || !gracePermittedServices[in.ServiceType] {
			return nil, errs.New(errs.CodeSubExpired, "subscription is not active")
		}
		graceAlert = true
	}

	// Step 3: coverage gate, against the firm owning the group's subscription.
	group, err := s.groups.FindByID(ctx, in.GroupID)
	if err != nil {
		return nil, err
	}
	firmID, err := s.firms.FirmForStoredSubscription(ctx, group.SubscriptionID)
	if err != nil {
		return nil, err
	}
	groupCovered, err := s.coverage.FirmCoversPoint(ctx, firmID, geo.Point{Lat: group.Lat, Lng: group.Lng})
	if err != nil {
		return nil, err
	}
	pointCovered, err := s.coverage.FirmCoversPoint(ctx, firmID, in.Point)
	if err != nil {
		return nil, err
	}
	if !groupCovered || !pointCovered {
		alternatives, covErr := s.coverage.CoveringFirmIDs(ctx, in.Point, in.ServiceType)
		if covErr != nil {
			alternatives = nil
		}
		return nil, errs.New(errs.CodeGeoOutOfCoverage, "submission location is not covered").
			WithDetails(map[string]interface{}{"suggested_firms": alternatives})
	}

	// Step 4: dedupe / rate-limit.
	dup, err := s.requests.DuplicateWithinWindow(ctx, in.RequesterPhone, in.ServiceType, s.windows.DedupeWindow)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, errs.New(errs.CodeReqDuplicate, "a non-terminal request already exists for this phone and service type")
	}
	accepted, err := s.requests.AcceptedCountWithinWindow(ctx, in.RequesterPhone, s.windows.AcceptRateWindow)
	if err != nil {
		return nil, err
	}
	if accepted > s.windows.MaxAcceptsInRate {
		return nil, errs.New(errs.CodeReqRateLimited, "too many accepted requests in the rate window").
			WithRetryAfter(int(s.windows.AcceptRateWindow.Seconds()))
	}

	// Step 5: persist.
	req := &domain.PanicRequest{
		RequesterPhone: in.RequesterPhone, RequesterUserID: principal.ID, GroupID: in.GroupID,
		ServiceType: in.ServiceType, Lat: in.Point.Lat, Lng: in.Point.Lng,
		Address: in.Address, Description: in.Description, Status: domain.StatusPending,
		GraceAlert: graceAlert,
	}
	// Step 6: call-type special-case — no auto-assignment, silent hint.
	if in.ServiceType == domain.ServiceCall {
		req.SilentMode = true
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}
	metrics.RequestsIngested.WithLabelValues(string(in.ServiceType)).Inc()
	s.bus.Broadcast(ctx, req.ID, "request_created", req)
	return req, nil
}

// Allocate assigns a team XOR provider to a pending request (§4.D Allocation
// protocol). Exactly one of teamID/providerID must be set.
func (s *Service) Allocate(ctx context.Context, requestID, callerFirmID, teamID, providerID string, callerLat, callerLng *float64, notes string) error {
	if (teamID == "") == (providerID == "") {
		return errs.New(errs.CodeReqInvalidTransition, "exactly one of team_id or provider_id must be set")
	}

	var provider *domain.EmergencyProvider
	var dist float64
	var eta int
	if providerID != "" {
		p, err := s.providers.FindByID(ctx, providerID)
		if err != nil {
			return err
		}
		if p.Status != domain.ProviderAvailable {
			return errs.New(errs.CodeReqAlreadyAssigned, "provider is not available")
		}
		provider = p
	}

	var serviceType domain.ServiceType
	var createdAt time.Time
	err := s.requests.WithLock(ctx, requestID, func(tx *sql.Tx, req *domain.PanicRequest) error {
		if req.Status != domain.StatusPending {
			return errs.New(errs.CodeReqInvalidTransition, "request is not pending")
		}
		serviceType, createdAt = req.ServiceType, req.CreatedAt
		if provider != nil {
			dist = geo.HaversineKm(geo.Point{Lat: req.Lat, Lng: req.Lng}, geo.Point{Lat: provider.CurrentLat, Lng: provider.CurrentLng})
			eta = geo.ETAMinutes(dist)
			if err := s.providers.SetStatus(ctx, tx, provider.ID, domain.ProviderBusy); err != nil {
				return err
			}
			if err := s.requests.CreateAssignment(ctx, tx, domain.ProviderAssignment{
				RequestID: requestID, ProviderID: provider.ID, DistanceKm: dist, ETAMinutes: eta,
			}); err != nil {
				return err
			}
			req.AssignedProviderID = provider.ID
		} else {
			req.AssignedTeamID = teamID
		}
		req.Status = domain.StatusAllocated

		update := domain.RequestStatusUpdate{RequestID: requestID, Status: domain.StatusAllocated, Message: notes}
		if callerLat != nil && callerLng != nil {
			update.ResponderLat, update.ResponderLng = callerLat, callerLng
		}
		return s.requests.AppendStatusUpdate(ctx, tx, update)
	})
	if err != nil {
		return err
	}
	metrics.RequestsAllocated.WithLabelValues(string(serviceType)).Inc()
	metrics.AllocationDuration.WithLabelValues(string(serviceType)).Observe(time.Since(createdAt).Seconds())
	s.bus.Broadcast(ctx, requestID, "request_allocated", map[string]interface{}{"team_id": teamID, "provider_id": providerID})
	return nil
}

// Reassign runs the allocation primitive against a non-terminal request,
// releasing the previous provider assignee back to available iff it has no
// other active assignment, and recomputing distance/ETA against the new
// provider's current position (Open Question (d): reassignment always
// recomputes ETA rather than reusing the stale figure).
func (s *Service) Reassign(ctx context.Context, requestID, callerFirmID, teamID, providerID, notes string) error {
	var newProvider *domain.EmergencyProvider
	if providerID != "" {
		p, err := s.providers.FindByID(ctx, providerID)
		if err != nil {
			return err
		}
		if p.Status != domain.ProviderAvailable {
			return errs.New(errs.CodeReqAlreadyAssigned, "provider is not available")
		}
		newProvider = p
	}

	var previousProvider string
	var eta int
	err := s.requests.WithLock(ctx, requestID, func(tx *sql.Tx, req *domain.PanicRequest) error {
		if req.Status.Terminal() {
			return errs.New(errs.CodeReqInvalidTransition, "request is already terminal")
		}
		previousProvider = req.AssignedProviderID
		req.AssignedTeamID = teamID

		if newProvider != nil {
			dist := geo.HaversineKm(geo.Point{Lat: req.Lat, Lng: req.Lng}, geo.Point{Lat: newProvider.CurrentLat, Lng: newProvider.CurrentLng})
			eta = geo.ETAMinutes(dist)
			if err := s.providers.SetStatus(ctx, tx, newProvider.ID, domain.ProviderBusy); err != nil {
				return err
			}
			if err := s.requests.CreateAssignment(ctx, tx, domain.ProviderAssignment{
				RequestID: requestID, ProviderID: newProvider.ID, DistanceKm: dist, ETAMinutes: eta,
			}); err != nil {
				return err
			}
			req.AssignedProviderID = newProvider.ID
		} else {
			req.AssignedProviderID = ""
		}
		if req.Status == domain.StatusPending {
			req.Status = domain.StatusAllocated
		}
		return s.requests.AppendStatusUpdate(ctx, tx, domain.RequestStatusUpdate{
			RequestID: requestID, Status: req.Status, Message: notes,
		})
	})
	if err != nil {
		return err
	}
	if previousProvider != "" && previousProvider != providerID {
		s.releaseProviderIfIdle(ctx, requestID, previousProvider)
	}
	s.bus.Broadcast(ctx, requestID, "request_allocated", map[string]interface{}{"team_id": teamID, "provider_id": providerID, "reassigned": true})
	if newProvider != nil {
		s.bus.Broadcast(ctx, requestID, "eta_update", map[string]interface{}{"eta_minutes": eta})
	}
	return nil
}

// transitionTable enumerates every allowed non-allocation transition
// (§4.D Status transitions table).
var transitionTable = map[domain.RequestStatus]domain.RequestStatus{
	domain.StatusAllocated:  domain.StatusAccepted,
	domain.StatusAccepted:   domain.StatusEnRoute,
	domain.StatusEnRoute:    domain.StatusArrived,
	domain.StatusArrived:    domain.StatusInProgress,
	domain.StatusInProgress: domain.StatusCompleted,
}

// Transition advances a request to to per the table, appending the status
// log entry inside the same row-locked transaction.
func (s *Service) Transition(ctx context.Context, requestID string, to domain.RequestStatus, responderID, message string) error {
	err := s.requests.WithLock(ctx, requestID, func(tx *sql.Tx, req *domain.PanicRequest) error {
		want, ok := transitionTable[req.Status]
		if !ok || want != to {
			return errs.New(errs.CodeReqInvalidTransition, "invalid status transition")
		}
		req.Status = to
		return s.requests.AppendStatusUpdate(ctx, tx, domain.RequestStatusUpdate{
			RequestID: requestID, Status: to, ResponderID: responderID, Message: message,
		})
	})
	if err != nil {
		return err
	}
	s.bus.Broadcast(ctx, requestID, "request_status_update", map[string]interface{}{"status": to})
	return nil
}

// Cancel moves a pending or allocated request to cancelled.
func (s *Service) Cancel(ctx context.Context, requestID, responderID, reason string) error {
	var providerToRelease string
	err := s.requests.WithLock(ctx, requestID, func(tx *sql.Tx, req *domain.PanicRequest) error {
		if req.Status != domain.StatusPending && req.Status != domain.StatusAllocated {
			return errs.New(errs.CodeReqInvalidTransition, "request cannot be cancelled from this status")
		}
		providerToRelease = req.AssignedProviderID
		req.Status = domain.StatusCancelled
		return s.requests.AppendStatusUpdate(ctx, tx, domain.RequestStatusUpdate{
			RequestID: requestID, Status: domain.StatusCancelled, ResponderID: responderID, Message: reason,
		})
	})
	if err != nil {
		return err
	}
	if providerToRelease != "" {
		s.releaseProviderIfIdle(ctx, requestID, providerToRelease)
	}
	s.bus.Broadcast(ctx, requestID, "cancelled", map[string]interface{}{"reason": reason})
	return nil
}

// Complete writes feedback, closes the request, flags a prank if reported,
// and releases the assigned provider (§4.D Completion & feedback).
func (s *Service) Complete(ctx context.Context, requestID string, feedback domain.RequestFeedback) error {
	var providerToRelease, userID string
	var prank bool
	err := s.requests.WithLock(ctx, requestID, func(tx *sql.Tx, req *domain.PanicRequest) error {
		if req.Status != domain.StatusInProgress {
			return errs.New(errs.CodeReqInvalidTransition, "request is not in progress")
		}
		req.Status = domain.StatusCompleted
		now := time.Now()
		req.CompletedAt = now
		providerToRelease = req.AssignedProviderID
		userID = req.RequesterUserID
		prank = feedback.IsPrank
		feedback.RequestID = requestID

		if err := s.requests.SaveFeedback(ctx, tx, feedback); err != nil {
			return err
		}
		return s.requests.AppendStatusUpdate(ctx, tx, domain.RequestStatusUpdate{
			RequestID: requestID, Status: domain.StatusCompleted,
		})
	})
	if err != nil {
		return err
	}
	if providerToRelease != "" {
		s.releaseProviderIfIdle(ctx, requestID, providerToRelease)
	}
	if prank && s.abuse != nil {
		if err := s.abuse.FlagPrank(ctx, userID); err != nil {
			return err
		}
	}
	s.bus.Broadcast(ctx, requestID, "completed", nil)
	return nil
}

// releaseProviderIfIdle flips a provider back to available unless it holds
// another active assignment, run in its own short transaction outside the
// caller's (§5: external/longer work stays out of the request's own lock).
func (s *Service) releaseProviderIfIdle(ctx context.Context, requestID, providerID string) {
	_ = s.requests.WithLock(ctx, requestID, func(tx *sql.Tx, req *domain.PanicRequest) error {
		n, err := s.requests.ActiveAssignmentCount(ctx, tx, providerID, requestID)
		if err != nil {
			return err
		}
		if err := s.requests.ReleaseAssignment(ctx, tx, requestID, providerID); err != nil {
			return err
		}
		if n == 0 {
			return s.providers.SetStatus(ctx, tx, providerID, domain.ProviderAvailable)
		}
		return nil
	})
}

// SweepTimeouts applies two timeout rules: pending requests older than
// PendingTimeout are cancelled with reason no_allocation, and allocated
// requests older than AllocatedTimeout revert to pending. It raises no alert
// for accepted or en_route requests without recent updates; StaleActiveAlert
// is not read here. Called by the scheduler's 1-minute job.
func (s *Service) SweepTimeouts(ctx context.Context) error {
	stale, err := s.requests.NonTerminalOlderThan(ctx, domain.StatusPending, s.windows.PendingTimeout)
	if err != nil {
		return err
	}
	for _, r := range stale {
		if err := s.Cancel(ctx, r.ID, "", "no_allocation"); err != nil && !errs.Is(err, errs.CodeReqInvalidTransition) {
			return err
		}
	}

	unaccepted, err := s.requests.NonTerminalOlderThan(ctx, domain.StatusAllocated, s.windows.AllocatedTimeout)
	if err != nil {
		return err
	}
	for _, r := range unaccepted {
		if err := s.revertToPending(ctx, r.ID); err != nil && !errs.Is(err, errs.CodeReqInvalidTransition) {
			return err
		}
	}
	return nil
}

func (s *Service) revertToPending(ctx context.Context, requestID string) error {
	var released string
	err := s.requests.WithLock(ctx, requestID, func(tx *sql.Tx, req *domain.PanicRequest) error {
		if req.Status != domain.StatusAllocated {
			return errs.New(errs.CodeReqInvalidTransition, "request is not allocated")
		}
		released = req.AssignedProviderID
		req.Status = domain.StatusPending
		req.AssignedTeamID, req.AssignedProviderID = "", ""
		return s.requests.AppendStatusUpdate(ctx, tx, domain.RequestStatusUpdate{
			RequestID: requestID, Status: domain.StatusPending, Message: "allocation timed out",
		})
	})
	if err != nil {
		return err
	}
	if released != "" {
		s.releaseProviderIfIdle(ctx, requestID, released)
	}
	s.bus.Broadcast(ctx, requestID, "request_status_update", map[string]interface{}{"status": domain.StatusPending, "reason": "reallocation_needed"})
	return nil
}
