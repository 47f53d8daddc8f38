package domain

import "time"

// EmergencyProviderType is a platform-administered catalogue entry.
type EmergencyProviderType struct {
	ID                  string
	Code                string
	DisplayName         string
	DefaultCoverageKm   float64
	PriorityLevel       int
}

// ProviderStatus tracks an EmergencyProvider's availability.
type ProviderStatus string

const (
	ProviderAvailable   ProviderStatus = "available"
	ProviderBusy        ProviderStatus = "busy"
	ProviderOffline     ProviderStatus = "offline"
	ProviderMaintenance ProviderStatus = "maintenance"
)

// EmergencyProvider is a dispatchable unit owned by a firm.
type EmergencyProvider struct {
	ID             string
	FirmID         string
	ProviderTypeID string
	CurrentLat     float64
	CurrentLng     float64
	BaseLat        float64
	BaseLng        float64
	CoverageRadiusKm float64
	Capabilities   []string
	Status         ProviderStatus
	Active         bool
	UpdatedAt      time.Time
}
