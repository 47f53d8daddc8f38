package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverline/dispatch-core/internal/domain"
)

func testPolicy() LockoutPolicy {
	return LockoutPolicy{
		FailThreshold:  3,
		LockDuration:   10 * time.Minute,
		OTPLifetime:    5 * time.Minute,
		OTPMaxAttempts: 3,
	}
}

func TestRecordLoginFailureLocksAtThreshold(t *testing.T) {
	pol := testPolicy()
	p := &domain.Principal{}
	now := time.Now()

	require.NoError(t, pol.RecordLoginFailure(p, now))
	require.NoError(t, pol.RecordLoginFailure(p, now))
	assert.Equal(t, domain.LockStateOK, p.LockState)

	require.NoError(t, pol.RecordLoginFailure(p, now))
	assert.Equal(t, domain.LockStateLocked, p.LockState)
	assert.Equal(t, now.Add(pol.LockDuration), p.LockedUntil)
}

func TestRecordLoginFailureWhileLockedReturnsError(t *testing.T) {
	pol := testPolicy()
	p := &domain.Principal{LockState: domain.LockStateLocked, LockedUntil: time.Now().Add(5 * time.Minute)}

	err := pol.RecordLoginFailure(p, time.Now())
	require.Error(t, err)
}

func TestRecordLoginSuccessResetsFailedCount(t *testing.T) {
	pol := testPolicy()
	p := &domain.Principal{FailedCount: 2}

	require.NoError(t, pol.RecordLoginSuccess(p, time.Now()))
	assert.Equal(t, 0, p.FailedCount)
}

func TestRecoverIfExpiredTransitionsBackToOK(t *testing.T) {
	pol := testPolicy()
	now := time.Now()
	p := &domain.Principal{LockState: domain.LockStateLocked, LockedUntil: now.Add(-1 * time.Minute)}

	require.NoError(t, pol.RecordLoginSuccess(p, now))
	assert.Equal(t, domain.LockStateOK, p.LockState)
}

func TestRequestUnlockOTPRequiresLockedState(t *testing.T) {
	pol := testPolicy()
	p := &domain.Principal{LockState: domain.LockStateOK}

	_, err := pol.RequestUnlockOTP(p, time.Now())
	require.Error(t, err)
}

func TestRequestThenVerifyUnlockOTPSucceeds(t *testing.T) {
	pol := testPolicy()
	now := time.Now()
	p := &domain.Principal{LockState: domain.LockStateLocked, LockedUntil: now.Add(5 * time.Minute), FailedCount: 3}

	code, err := pol.RequestUnlockOTP(p, now)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStateOTPPending, p.LockState)

	err = pol.VerifyUnlockOTP(p, code, now)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStateOK, p.LockState)
	assert.Equal(t, 0, p.FailedCount)
	assert.Empty(t, p.OTPDigest)
}

func TestVerifyUnlockOTPWrongCodeDecrementsAttempts(t *testing.T) {
	pol := testPolicy()
	now := time.Now()
	p := &domain.Principal{LockState: domain.LockStateLocked, LockedUntil: now.Add(5 * time.Minute)}

	_, err := pol.RequestUnlockOTP(p, now)
	require.NoError(t, err)
	attemptsBefore := p.OTPAttemptsLeft

	err = pol.VerifyUnlockOTP(p, "000000", now)
	require.Error(t, err)
	assert.Equal(t, attemptsBefore-1, p.OTPAttemptsLeft)
	assert.Equal(t, domain.LockStateOTPPending, p.LockState)
}

func TestVerifyUnlockOTPExhaustsAttemptsAndRelocks(t *testing.T) {
	pol := testPolicy()
	now := time.Now()
	p := &domain.Principal{LockState: domain.LockStateLocked, LockedUntil: now.Add(5 * time.Minute)}

	_, err := pol.RequestUnlockOTP(p, now)
	require.NoError(t, err)

	for i := 0; i < pol.OTPMaxAttempts; i++ {
		_ = pol.VerifyUnlockOTP(p, "000000", now)
	}

	assert.Equal(t, domain.LockStateLocked, p.LockState)
	assert.Empty(t, p.OTPDigest)
}

func TestVerifyUnlockOTPExpiredRelocks(t *testing.T) {
	pol := testPolicy()
	now := time.Now()
	p := &domain.Principal{LockState: domain.LockStateLocked, LockedUntil: now.Add(5 * time.Minute)}

	code, err := pol.RequestUnlockOTP(p, now)
	require.NoError(t, err)

	err = pol.VerifyUnlockOTP(p, code, now.Add(pol.OTPLifetime+time.Second))
	require.Error(t, err)
	assert.Equal(t, domain.LockStateLocked, p.LockState)
}

func TestVerifyUnlockOTPWithoutPendingRejected(t *testing.T) {
	pol := testPolicy()
	p := &domain.Principal{LockState: domain.LockStateOK}

	err := pol.VerifyUnlockOTP(p, "123456", time.Now())
	require.Error(t, err)
}
