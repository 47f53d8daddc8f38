package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverline/dispatch-core/internal/domain"
)

type fakeRevocationStore struct {
	revoked map[string]domain.RevokedToken
}

func newFakeRevocationStore() *fakeRevocationStore {
	return &fakeRevocationStore{revoked: map[string]domain.RevokedToken{}}
}

func (f *fakeRevocationStore) IsRevoked(tokenID string) bool {
	_, ok := f.revoked[tokenID]
	return ok
}

func (f *fakeRevocationStore) Revoke(tok domain.RevokedToken) error {
	f.revoked[tok.TokenID] = tok
	return nil
}

func (f *fakeRevocationStore) PruneExpired(before time.Time) (int, error) {
	n := 0
	for id, tok := range f.revoked {
		if tok.ExpiresAt.Before(before) {
			delete(f.revoked, id)
			n++
		}
	}
	return n, nil
}

func newTestBroker(revoked RevocationStore) *TokenBroker {
	return NewTokenBroker(TokenBrokerConfig{
		HMACSecret: "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		Issuer:     "dispatch-core-test",
	}, revoked)
}

func TestIssuePairProducesVerifiableTokens(t *testing.T) {
	tb := newTestBroker(newFakeRevocationStore())
	p := &domain.Principal{ID: "user-1", Kind: domain.PrincipalEndUser}

	access, refresh, err := tb.IssuePair(p, "firm-1", "member", []string{"read"})
	require.NoError(t, err)

	accessClaims, err := tb.Verify(access.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", accessClaims.PrincipalID)
	assert.False(t, accessClaims.IsRefresh)

	refreshClaims, err := tb.Verify(refresh.Token)
	require.NoError(t, err)
	assert.True(t, refreshClaims.IsRefresh)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	tb := newTestBroker(newFakeRevocationStore())
	p := &domain.Principal{ID: "user-1"}

	access, _, err := tb.IssuePair(p, "", "", nil)
	require.NoError(t, err)

	tampered := access.Token + "x"
	_, err = tb.Verify(tampered)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	tb := NewTokenBroker(TokenBrokerConfig{HMACSecret: "s", AccessTTL: -time.Minute, RefreshTTL: time.Hour}, newFakeRevocationStore())
	p := &domain.Principal{ID: "user-1"}

	access, _, err := tb.IssuePair(p, "", "", nil)
	require.NoError(t, err)

	_, err = tb.Verify(access.Token)
	assert.Error(t, err)
}

func TestRevokeMarksTokenRejected(t *testing.T) {
	revoked := newFakeRevocationStore()
	tb := newTestBroker(revoked)
	p := &domain.Principal{ID: "user-1"}

	access, _, err := tb.IssuePair(p, "", "", nil)
	require.NoError(t, err)

	claims, err := tb.Verify(access.Token)
	require.NoError(t, err)

	require.NoError(t, tb.Revoke(claims))
	_, err = tb.Verify(access.Token)
	assert.Error(t, err)
	assert.True(t, revoked.IsRevoked(claims.TokenID))
}

func TestIssuePairEnforcesMaxActivePerPrincipal(t *testing.T) {
	tb := NewTokenBroker(TokenBrokerConfig{HMACSecret: "s", MaxActivePerPrincipal: 2, AccessTTL: time.Hour, RefreshTTL: time.Hour}, newFakeRevocationStore())
	p := &domain.Principal{ID: "user-1"}

	_, _, err := tb.IssuePair(p, "", "", nil)
	require.NoError(t, err)

	_, _, err = tb.IssuePair(p, "", "", nil)
	assert.Error(t, err)
}

func TestRotateKeyKeepsOldTokensValidDuringGrace(t *testing.T) {
	tb := newTestBroker(newFakeRevocationStore())
	p := &domain.Principal{ID: "user-1"}

	access, _, err := tb.IssuePair(p, "", "", nil)
	require.NoError(t, err)

	tb.RotateKey("new-secret", time.Hour)

	_, err = tb.Verify(access.Token)
	assert.NoError(t, err)
}

func TestRotateKeyRejectsOldTokensAfterGraceExpires(t *testing.T) {
	tb := newTestBroker(newFakeRevocationStore())
	p := &domain.Principal{ID: "user-1"}

	access, _, err := tb.IssuePair(p, "", "", nil)
	require.NoError(t, err)

	tb.RotateKey("new-secret", -time.Second)

	_, err = tb.Verify(access.Token)
	assert.Error(t, err)
}
