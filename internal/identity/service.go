package identity

import (
	"context"
	"log"
	"time"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
)

// PrincipalRepository is the persistence boundary identity depends on. The
// primary store's Postgres implementation locks the principal row for the
// duration of WithLock (§5: prank/lockout mutations happen under a row-lock
// on the end-user principal).
type PrincipalRepository interface {
	FindByEmailOrPhone(ctx context.Context, identifier string) (*domain.Principal, error)
	FindByID(ctx context.Context, id string) (*domain.Principal, error)
	WithLock(ctx context.Context, id string, fn func(p *domain.Principal) error) error
	Create(ctx context.Context, p *domain.Principal) error
}

// MembershipLookup resolves the emergency-override precondition: an active
// membership of the given phone in the given group, and the principal it
// belongs to.
type MembershipLookup interface {
	ActiveMembershipPrincipal(ctx context.Context, phone, groupID string) (*domain.Principal, error)
}

// OutboundDelivery sends an OTP over SMS or email, guarded by a circuit
// breaker at the caller (§5: external calls happen outside open transactions).
type OutboundDelivery interface {
	Send(ctx context.Context, channel, address, body string) error
}

// Service implements every operation §4.A exposes: login, refresh, revoke,
// me, verify_token, request_unlock_otp, verify_unlock_otp, account_status.
type Service struct {
	repo    PrincipalRepository
	members MembershipLookup
	deliver OutboundDelivery
	broker  *TokenBroker
	policy  LockoutPolicy
	bcryptCost int
	log     *log.Logger
}

func NewService(repo PrincipalRepository, members MembershipLookup, deliver OutboundDelivery, broker *TokenBroker, policy LockoutPolicy, bcryptCost int) *Service {
	return &Service{
		repo: repo, members: members, deliver: deliver, broker: broker,
		policy: policy, bcryptCost: bcryptCost,
		log: log.New(log.Writer(), "[identity] ", log.LstdFlags),
	}
}

// LoginResult carries the minted token pair plus the resolved principal.
type LoginResult struct {
	Principal *domain.Principal
	Access    *IssuedToken
	Refresh   *IssuedToken
}

// Login authenticates credentials and applies the lockout state machine.
func (s *Service) Login(ctx context.Context, identifier, password, firmID, role string, perms []string) (*LoginResult, error) {
	p, err := s.repo.FindByEmailOrPhone(ctx, identifier)
	if err != nil {
		return nil, errs.New(errs.CodeAuthInvalidCredentials, "invalid credentials")
	}
	if p.Banned {
		return nil, errs.New(errs.CodeAuthForbidden, "account is banned")
	}

	var loginErr error
	err = s.repo.WithLock(ctx, p.ID, func(locked *domain.Principal) error {
		now := time.Now()
		if !CheckPassword(locked.PasswordHash, password) {
			loginErr = s.policy.RecordLoginFailure(locked, now)
			if loginErr == nil {
				loginErr = errs.New(errs.CodeAuthInvalidCredentials, "invalid credentials")
			}
			return nil
		}
		loginErr = s.policy.RecordLoginSuccess(locked, now)
		if loginErr == nil {
			*p = *locked
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "login store error", err)
	}
	if loginErr != nil {
		return nil, loginErr
	}

	access, refresh, err := s.broker.IssuePair(p, firmID, role, perms)
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "token issuance failed", err)
	}
	return &LoginResult{Principal: p, Access: access, Refresh: refresh}, nil
}

// Refresh rotates a refresh token: the old one is revoked and a new pair
// issued, per the §4.A "rotation on each refresh" contract.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	claims, err := s.broker.Verify(refreshToken)
	if err != nil || !claims.IsRefresh {
		return nil, errs.New(errs.CodeAuthTokenInvalid, "invalid refresh token")
	}
	p, err := s.repo.FindByID(ctx, claims.PrincipalID)
	if err != nil {
		return nil, errs.New(errs.CodeAuthTokenInvalid, "principal not found")
	}
	if err := s.broker.Revoke(claims); err != nil {
		s.log.Printf("revoke old refresh token: %v", err)
	}
	access, refresh, err := s.broker.IssuePair(p, claims.FirmID, claims.Role, claims.Permissions)
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "token issuance failed", err)
	}
	return &LoginResult{Principal: p, Access: access, Refresh: refresh}, nil
}

// Revoke invalidates a single access or refresh token immediately.
func (s *Service) Revoke(ctx context.Context, token string) error {
	claims, err := s.broker.Verify(token)
	if err != nil {
		return nil // already unusable, revocation is idempotent
	}
	return s.broker.Revoke(claims)
}

// VerifyToken validates a bearer token for an authenticated call.
func (s *Service) VerifyToken(ctx context.Context, token string) (*TokenClaims, error) {
	claims, err := s.broker.Verify(token)
	if err != nil {
		return nil, errs.New(errs.CodeAuthTokenInvalid, err.Error())
	}
	return claims, nil
}

// Me resolves the caller's principal from a verified access token.
func (s *Service) Me(ctx context.Context, token string) (*domain.Principal, error) {
	claims, err := s.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.repo.FindByID(ctx, claims.PrincipalID)
}

// AccountStatus reports the lockout state machine's current state.
func (s *Service) AccountStatus(ctx context.Context, principalID string) (*domain.Principal, error) {
	return s.repo.FindByID(ctx, principalID)
}

// RequestUnlockOTP issues a fresh OTP while locked and delivers it over the
// requested channel, outside of the row-lock transaction per §5.
func (s *Service) RequestUnlockOTP(ctx context.Context, principalID, channel, address string) error {
	var code string
	var opErr error
	err := s.repo.WithLock(ctx, principalID, func(p *domain.Principal) error {
		code, opErr = s.policy.RequestUnlockOTP(p, time.Now())
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "otp request store error", err)
	}
	if opErr != nil {
		return opErr
	}
	if s.deliver != nil {
		if err := s.deliver.Send(ctx, channel, address, "Your verification code is "+code); err != nil {
			return errs.Wrap(errs.CodePayTimeout, "otp delivery failed", err)
		}
	}
	return nil
}

// VerifyUnlockOTP verifies a submitted OTP code and clears the lockout on
// success.
func (s *Service) VerifyUnlockOTP(ctx context.Context, principalID, code string) error {
	var opErr error
	err := s.repo.WithLock(ctx, principalID, func(p *domain.Principal) error {
		opErr = s.policy.VerifyUnlockOTP(p, code, time.Now())
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "otp verify store error", err)
	}
	return opErr
}

// EmergencyOverride implements §4.A's panic-submission bypass: a valid
// active membership succeeds even if the principal is locked or OTP-pending.
// It applies ONLY to the panic-submission path.
func (s *Service) EmergencyOverride(ctx context.Context, requesterPhone, groupID string) (*domain.Principal, error) {
	p, err := s.members.ActiveMembershipPrincipal(ctx, requesterPhone, groupID)
	if err != nil {
		return nil, errs.New(errs.CodeAuthForbidden, "no active membership for requester")
	}
	if p.Banned {
		return nil, errs.New(errs.CodeAuthForbidden, "principal is banned")
	}
	if p.Suspended {
		return nil, errs.New(errs.CodeUserSuspended, "principal is suspended pending fine payment")
	}
	return p, nil
}
