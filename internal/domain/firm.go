package domain

import "time"

// VerificationStatus is a SecurityFirm's onboarding state.
type VerificationStatus string

const (
	FirmDraft       VerificationStatus = "draft"
	FirmSubmitted   VerificationStatus = "submitted"
	FirmUnderReview VerificationStatus = "under_review"
	FirmApproved    VerificationStatus = "approved"
	FirmRejected    VerificationStatus = "rejected"
)

// SecurityFirm is an organisation offering responder services.
type SecurityFirm struct {
	ID             string
	LegalName      string
	LegalID        string
	Status         VerificationStatus
	CreditBalance  int64
	Locked         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (f *SecurityFirm) Approved() bool { return f.Status == FirmApproved && !f.Locked }

// CoverageArea is a polygon owned by a firm.
type CoverageArea struct {
	ID       string
	FirmID   string
	Name     string
	Polygon  [][2]float64 // [lng, lat] pairs, closed or unclosed ring
	Active   bool
	CreatedAt time.Time
}

// FirmRole is a FirmMember's role within its firm.
type FirmRole string

const (
	RoleFieldAgent     FirmRole = "field_agent"
	RoleTeamLeader     FirmRole = "team_leader"
	RoleFirmUser       FirmRole = "firm_user"
	RoleFirmSupervisor FirmRole = "firm_supervisor"
	RoleFirmAdmin      FirmRole = "firm_admin"
)

// IsOfficeStaff reports whether the role can allocate/cancel requests
// administratively rather than work them in the field.
func (r FirmRole) IsOfficeStaff() bool {
	switch r {
	case RoleFirmUser, RoleFirmSupervisor, RoleFirmAdmin:
		return true
	default:
		return false
	}
}

// FirmMember links a Principal to a firm with a role.
type FirmMember struct {
	ID        string
	PrincipalID string
	FirmID    string
	Role      FirmRole
	Active    bool
}

// Team belongs to a firm, has one leader and zero-or-more members.
type Team struct {
	ID       string
	FirmID   string
	Name     string
	LeaderID string
	MemberIDs []string
}
