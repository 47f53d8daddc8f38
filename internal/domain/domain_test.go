package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSecurityFirmApproved(t *testing.T) {
	f := &SecurityFirm{Status: FirmApproved, Locked: false}
	assert.True(t, f.Approved())

	f.Locked = true
	assert.False(t, f.Approved())

	f2 := &SecurityFirm{Status: FirmSubmitted}
	assert.False(t, f2.Approved())
}

func TestFirmRoleIsOfficeStaff(t *testing.T) {
	cases := map[FirmRole]bool{
		RoleFieldAgent:     false,
		RoleTeamLeader:     false,
		RoleFirmUser:       true,
		RoleFirmSupervisor: true,
		RoleFirmAdmin:      true,
	}
	for role, want := range cases {
		assert.Equal(t, want, role.IsOfficeStaff(), "role %s", role)
	}
}

func TestUserGroupHasActiveSubscription(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	g := &UserGroup{SubscriptionID: "sub-1", SubscriptionExpiresAt: now.Add(time.Hour)}
	assert.True(t, g.HasActiveSubscription(now))

	expired := &UserGroup{SubscriptionID: "sub-1", SubscriptionExpiresAt: now.Add(-time.Hour)}
	assert.False(t, expired.HasActiveSubscription(now))

	none := &UserGroup{}
	assert.False(t, none.HasActiveSubscription(now))
}

func TestUserGroupInGrace(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	grace := 24 * time.Hour

	withinGrace := &UserGroup{SubscriptionID: "sub-1", SubscriptionExpiresAt: now.Add(-time.Hour)}
	assert.True(t, withinGrace.InGrace(now, grace))

	pastGrace := &UserGroup{SubscriptionID: "sub-1", SubscriptionExpiresAt: now.Add(-48 * time.Hour)}
	assert.False(t, pastGrace.InGrace(now, grace))

	never := &UserGroup{}
	assert.False(t, never.InGrace(now, grace))
}

func TestPrincipalIsLockedAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	locked := &Principal{LockState: LockStateLocked, LockedUntil: now.Add(time.Minute)}
	assert.True(t, locked.IsLockedAt(now))

	expired := &Principal{LockState: LockStateLocked, LockedUntil: now.Add(-time.Minute)}
	assert.False(t, expired.IsLockedAt(now))

	ok := &Principal{LockState: LockStateOK}
	assert.False(t, ok.IsLockedAt(now))
}

func TestValidServiceType(t *testing.T) {
	valid := []ServiceType{ServiceCall, ServiceSecurity, ServiceAmbulance, ServiceFire, ServiceTowing}
	for _, s := range valid {
		assert.True(t, ValidServiceType(s))
	}
	assert.False(t, ValidServiceType(ServiceType("unknown")))
}

func TestRequestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInProgress.Terminal())
}

func TestPanicRequestHasAssignment(t *testing.T) {
	assert.False(t, (&PanicRequest{}).HasAssignment())
	assert.True(t, (&PanicRequest{AssignedTeamID: "team-1"}).HasAssignment())
	assert.True(t, (&PanicRequest{AssignedProviderID: "prov-1"}).HasAssignment())
}

func TestProviderAssignmentActive(t *testing.T) {
	active := &ProviderAssignment{}
	assert.True(t, active.Active())

	released := time.Now()
	inactive := &ProviderAssignment{ReleasedAt: &released}
	assert.False(t, inactive.Active())
}
