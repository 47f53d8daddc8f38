package domain

import "time"

// ServiceType is the kind of responder a PanicRequest asks for.
type ServiceType string

const (
	ServiceCall      ServiceType = "call"
	ServiceSecurity  ServiceType = "security"
	ServiceAmbulance ServiceType = "ambulance"
	ServiceFire      ServiceType = "fire"
	ServiceTowing    ServiceType = "towing"
)

// ValidServiceType reports whether s is one of the five recognised kinds.
func ValidServiceType(s ServiceType) bool {
	switch s {
	case ServiceCall, ServiceSecurity, ServiceAmbulance, ServiceFire, ServiceTowing:
		return true
	default:
		return false
	}
}

// RequestStatus is a PanicRequest's position in its lifecycle.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusAllocated  RequestStatus = "allocated"
	StatusAccepted   RequestStatus = "accepted"
	StatusEnRoute    RequestStatus = "en_route"
	StatusArrived    RequestStatus = "arrived"
	StatusInProgress RequestStatus = "in_progress"
	StatusCompleted  RequestStatus = "completed"
	StatusCancelled  RequestStatus = "cancelled"
)

func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// PanicRequest is the central dispatch entity.
type PanicRequest struct {
	ID               string
	RequesterPhone   string
	RequesterUserID  string
	GroupID          string
	ServiceType      ServiceType
	Lat              float64
	Lng              float64
	Address          string
	Description      string
	Status           RequestStatus

	AssignedTeamID     string
	AssignedProviderID string

	GraceAlert bool
	SilentMode bool

	CreatedAt   time.Time
	AcceptedAt  time.Time
	ArrivedAt   time.Time
	CompletedAt time.Time
}

func (r *PanicRequest) HasAssignment() bool {
	return r.AssignedTeamID != "" || r.AssignedProviderID != ""
}

// RequestStatusUpdate is an append-only log entry per PanicRequest.
type RequestStatusUpdate struct {
	ID          string
	RequestID   string
	Status      RequestStatus
	Message     string
	ResponderID string
	ResponderLat *float64
	ResponderLng *float64
	CreatedAt   time.Time
}

// LocationLog is an append-only GPS breadcrumb.
type LocationSource string

const (
	LocationMobile LocationSource = "mobile"
	LocationWeb    LocationSource = "web"
	LocationManual LocationSource = "manual"
)

type LocationLog struct {
	ID        string
	RequestID string
	UserID    string
	Lat       float64
	Lng       float64
	Accuracy  float64
	Source    LocationSource
	CreatedAt time.Time
}

// RequestFeedback is one-per-request, written by the resolving member.
type RequestFeedback struct {
	RequestID string
	IsPrank   bool
	Rating    *int
	Comments  string
	CreatedAt time.Time
}

// ProviderAssignment records one allocation of a provider to a request.
type ProviderAssignment struct {
	ID          string
	RequestID   string
	ProviderID  string
	DistanceKm  float64
	ETAMinutes  int
	AssignedAt  time.Time
	ReleasedAt  *time.Time
}

func (a *ProviderAssignment) Active() bool { return a.ReleasedAt == nil }
