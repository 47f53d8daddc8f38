// Package identity implements authentication, the lockout/OTP state machine,
// and bearer token issuance for the dispatch system (§4.A).
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coverline/dispatch-core/internal/domain"
)

// TokenClaims are the claims embedded in an access or refresh token.
type TokenClaims struct {
	TokenID    string              `json:"tid"`
	PrincipalID string             `json:"pid"`
	Kind       domain.PrincipalKind `json:"kind"`
	FirmID     string              `json:"firm,omitempty"`
	Role       string              `json:"role,omitempty"`
	Permissions []string           `json:"perms,omitempty"`
	IsRefresh  bool                `json:"refresh"`
	IssuedAt   int64               `json:"iat"`
	ExpiresAt  int64               `json:"exp"`
	Issuer     string              `json:"iss"`
}

// IssuedToken is a signed token handed back to the caller.
type IssuedToken struct {
	Token     string `json:"token"`
	TokenID   string `json:"token_id"`
	ExpiresAt int64  `json:"expires_at"`
}

// TokenBrokerConfig configures the broker.
type TokenBrokerConfig struct {
	HMACSecret          string
	PreviousHMACSecret  string
	RotationGracePeriod time.Duration
	AccessTTL           time.Duration
	RefreshTTL          time.Duration
	Issuer              string
	MaxActivePerPrincipal int
}

// TokenBroker issues and validates HMAC-signed opaque bearer tokens, tracks
// per-principal quotas, and checks a durable revocation set.
//
// Token shape is base64(claimsJSON) + "." + base64(hmacSig), matching the
// teacher's JIT-token broker generalized from per-agent to per-principal
// access/refresh tokens.
type TokenBroker struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time

	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	maxPerPrincipal int

	activeTokens  map[string]*TokenClaims
	revoked       RevocationStore
	principalTokens map[string]int
}

// RevocationStore persists revoked token ids durably (backed by the
// primary store's RevokedToken table).
type RevocationStore interface {
	IsRevoked(tokenID string) bool
	Revoke(tok domain.RevokedToken) error
	PruneExpired(before time.Time) (int, error)
}

func NewTokenBroker(cfg TokenBrokerConfig, revoked RevocationStore) *TokenBroker {
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 60 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "dispatch-core"
	}
	if cfg.MaxActivePerPrincipal == 0 {
		cfg.MaxActivePerPrincipal = 10
	}
	if cfg.RotationGracePeriod == 0 {
		cfg.RotationGracePeriod = time.Hour
	}

	secret := []byte(cfg.HMACSecret)
	if len(secret) == 0 {
		secret = []byte("dispatch-dev-hmac-secret-change-in-production")
	}

	var prevSecret []byte
	var graceUntil time.Time
	if cfg.PreviousHMACSecret != "" {
		prevSecret = []byte(cfg.PreviousHMACSecret)
		graceUntil = time.Now().Add(cfg.RotationGracePeriod)
	}

	return &TokenBroker{
		secret:          secret,
		prevSecret:      prevSecret,
		graceUntil:      graceUntil,
		accessTTL:       cfg.AccessTTL,
		refreshTTL:      cfg.RefreshTTL,
		issuer:          cfg.Issuer,
		maxPerPrincipal: cfg.MaxActivePerPrincipal,
		activeTokens:    make(map[string]*TokenClaims),
		revoked:         revoked,
		principalTokens: make(map[string]int),
	}
}

// IssuePair mints an access token and a refresh token for a principal.
func (tb *TokenBroker) IssuePair(p *domain.Principal, firmID, role string, perms []string) (access, refresh *IssuedToken, err error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.principalTokens[p.ID] >= tb.maxPerPrincipal {
		return nil, nil, fmt.Errorf("principal %s has reached max active tokens (%d)", p.ID, tb.maxPerPrincipal)
	}

	now := time.Now()
	access, err = tb.mintLocked(p, firmID, role, perms, false, now, tb.accessTTL)
	if err != nil {
		return nil, nil, err
	}
	refresh, err = tb.mintLocked(p, firmID, role, perms, true, now, tb.refreshTTL)
	if err != nil {
		return nil, nil, err
	}
	tb.principalTokens[p.ID] += 2
	return access, refresh, nil
}

func (tb *TokenBroker) mintLocked(p *domain.Principal, firmID, role string, perms []string, isRefresh bool, now time.Time, ttl time.Duration) (*IssuedToken, error) {
	claims := &TokenClaims{
		TokenID:     uuid.NewString(),
		PrincipalID: p.ID,
		Kind:        p.Kind,
		FirmID:      firmID,
		Role:        role,
		Permissions: perms,
		IsRefresh:   isRefresh,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(ttl).Unix(),
		Issuer:      tb.issuer,
	}

	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("serialize token claims: %w", err)
	}
	sig := tb.sign(claimsJSON)
	tokenStr := base64.RawURLEncoding.EncodeToString(claimsJSON) + "." + base64.RawURLEncoding.EncodeToString(sig)

	tb.activeTokens[claims.TokenID] = claims
	return &IssuedToken{Token: tokenStr, TokenID: claims.TokenID, ExpiresAt: claims.ExpiresAt}, nil
}

// Verify validates a token's signature, expiry, and revocation status,
// trying the previous signing key during a rotation grace window.
func (tb *TokenBroker) Verify(tokenStr string) (*TokenClaims, error) {
	parts := splitToken(tokenStr)
	if len(parts) != 2 {
		return nil, errors.New("invalid token format")
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid token encoding: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}

	valid := hmac.Equal(sig, tb.sign(claimsJSON))
	if !valid {
		tb.mu.RLock()
		hasPrev := len(tb.prevSecret) > 0 && time.Now().Before(tb.graceUntil)
		prev := tb.prevSecret
		tb.mu.RUnlock()
		if hasPrev {
			prevMac := hmac.New(sha256.New, prev)
			prevMac.Write(claimsJSON)
			valid = hmac.Equal(sig, prevMac.Sum(nil))
		}
	}
	if !valid {
		return nil, errors.New("invalid token signature")
	}

	var claims TokenClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("invalid token claims: %w", err)
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, errors.New("token expired")
	}
	if tb.revoked != nil && tb.revoked.IsRevoked(claims.TokenID) {
		return nil, errors.New("token has been revoked")
	}
	return &claims, nil
}

// Revoke adds a token to the durable revocation set, TTLed to its natural
// expiry so the prune job (§4.G) can reclaim the row.
func (tb *TokenBroker) Revoke(claims *TokenClaims) error {
	tb.mu.Lock()
	delete(tb.activeTokens, claims.TokenID)
	if tb.principalTokens[claims.PrincipalID] > 0 {
		tb.principalTokens[claims.PrincipalID]--
	}
	tb.mu.Unlock()

	if tb.revoked == nil {
		return nil
	}
	return tb.revoked.Revoke(domain.RevokedToken{
		TokenID:     claims.TokenID,
		PrincipalID: claims.PrincipalID,
		RevokedAt:   time.Now(),
		ExpiresAt:   time.Unix(claims.ExpiresAt, 0),
	})
}

// RotateKey atomically rotates the HMAC signing secret; the previous key
// remains valid until graceUntil.
func (tb *TokenBroker) RotateKey(newSecret string, grace time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.prevSecret = tb.secret
	tb.graceUntil = time.Now().Add(grace)
	tb.secret = []byte(newSecret)
}

func (tb *TokenBroker) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, tb.secret)
	mac.Write(data)
	return mac.Sum(nil)
}

func splitToken(token string) []string {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return []string{token[:i], token[i+1:]}
		}
	}
	return []string{token}
}
