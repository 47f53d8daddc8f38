package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
)

// LockoutPolicy parameterises the lockout/OTP state machine (§4.A).
type LockoutPolicy struct {
	FailThreshold   int
	LockDuration    time.Duration
	OTPLifetime     time.Duration
	OTPMaxAttempts  int
}

// recoverIfExpired transitions a principal LOCKED(until) -> OK if now >= until,
// per the spec's "any login attempt while LOCKED" rule.
func recoverIfExpired(p *domain.Principal, now time.Time) {
	if p.LockState == domain.LockStateLocked && !now.Before(p.LockedUntil) {
		p.LockState = domain.LockStateOK
	}
}

// RecordLoginFailure applies the OK -> (OK|LOCKED) transition on a failed
// login attempt. Returns an error if the principal is currently locked.
func (pol LockoutPolicy) RecordLoginFailure(p *domain.Principal, now time.Time) error {
	recoverIfExpired(p, now)

	if p.LockState == domain.LockStateLocked {
		return errs.New(errs.CodeAuthLocked, "account is locked").
			WithRetryAfter(int(p.LockedUntil.Sub(now).Seconds()))
	}

	p.FailedCount++
	if p.FailedCount >= pol.FailThreshold {
		p.LockState = domain.LockStateLocked
		p.LockedUntil = now.Add(pol.LockDuration)
	}
	return nil
}

// RecordLoginSuccess resets the failure counter on success while OK.
func (pol LockoutPolicy) RecordLoginSuccess(p *domain.Principal, now time.Time) error {
	recoverIfExpired(p, now)
	if p.LockState == domain.LockStateLocked {
		return errs.New(errs.CodeAuthLocked, "account is locked").
			WithRetryAfter(int(p.LockedUntil.Sub(now).Seconds()))
	}
	p.FailedCount = 0
	return nil
}

// RequestUnlockOTP issues a fresh OTP while LOCKED, invalidating any prior
// pending OTP. Does not extend the lock.
func (pol LockoutPolicy) RequestUnlockOTP(p *domain.Principal, now time.Time) (code string, err error) {
	recoverIfExpired(p, now)
	if p.LockState != domain.LockStateLocked && p.LockState != domain.LockStateOTPPending {
		return "", errs.New(errs.CodeAuthLocked, "account is not locked")
	}

	code, err = randomSixDigitCode()
	if err != nil {
		return "", errs.Wrap(errs.CodeSysInternal, "failed to generate OTP", err)
	}

	p.OTPDigest = digestOTP(code)
	p.OTPExpiresAt = now.Add(pol.OTPLifetime)
	p.OTPAttemptsLeft = pol.OTPMaxAttempts
	p.LockState = domain.LockStateOTPPending
	return code, nil
}

// VerifyUnlockOTP checks a submitted code against the pending OTP.
func (pol LockoutPolicy) VerifyUnlockOTP(p *domain.Principal, code string, now time.Time) error {
	if p.LockState != domain.LockStateOTPPending {
		return errs.New(errs.CodeAuthOTPExpired, "no OTP pending")
	}
	if now.After(p.OTPExpiresAt) {
		p.LockState = domain.LockStateLocked
		return errs.New(errs.CodeAuthOTPExpired, "OTP expired")
	}

	if digestOTP(code) != p.OTPDigest {
		p.OTPAttemptsLeft--
		if p.OTPAttemptsLeft <= 0 {
			p.LockState = domain.LockStateLocked
			p.OTPDigest = ""
			return errs.New(errs.CodeAuthOTPInvalid, "OTP attempts exhausted, request a new code")
		}
		return errs.New(errs.CodeAuthOTPInvalid, "incorrect code").
			WithDetails(map[string]any{"attempts_remaining": p.OTPAttemptsLeft})
	}

	p.LockState = domain.LockStateOK
	p.FailedCount = 0
	p.OTPDigest = ""
	p.OTPAttemptsLeft = 0
	return nil
}

func randomSixDigitCode() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	n := (uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])) % 1000000
	return fmt.Sprintf("%06d", n), nil
}

func digestOTP(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
