package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/vgate/internal/domain"
)

type fakeKeyStore struct {
	keys  map[string]*domain.ApiKey
	users map[string]*domain.User
}

// FindApiKeyByHash/GetUser return (nil, nil) for "not found", matching the
// real store contract that authenticateApiKey relies on.

func (f *fakeKeyStore) FindApiKeyByHash(_ context.Context, hash string) (*domain.ApiKey, error) {
	return f.keys[hash], nil
}

func (f *fakeKeyStore) GetUser(_ context.Context, userID string) (*domain.User, error) {
	return f.users[userID], nil
}

func (f *fakeKeyStore) TouchLastUsed(_ context.Context, _ string, _ time.Time) error { return nil }

type fakeOAuthStore struct {
	byAccess map[string]*domain.OAuthToken
	upserted *domain.OAuthToken
}

func (f *fakeOAuthStore) FindOAuthTokenByAccessToken(_ context.Context, accessToken string) (*domain.OAuthToken, error) {
	return f.byAccess[accessToken], nil
}

func (f *fakeOAuthStore) UpsertOAuthToken(_ context.Context, t *domain.OAuthToken) error {
	f.upserted = t
	f.byAccess[t.AccessToken] = t
	return nil
}

func bearer(token string) string { return "Bearer " + token }

func TestAuthenticateMissingHeader(t *testing.T) {
	s := New(&fakeKeyStore{}, nil, "")
	_, err := s.Authenticate(context.Background(), "", "1.2.3.4")
	assert.ErrorIs(t, err, ErrMissingHeader)
}

func TestAuthenticateInvalidFormat(t *testing.T) {
	s := New(&fakeKeyStore{}, nil, "")
	_, err := s.Authenticate(context.Background(), "Basic abc123", "1.2.3.4")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestAuthenticateApiKeyRejectsRevoked(t *testing.T) {
	keys := &fakeKeyStore{
		keys:  map[string]*domain.ApiKey{SearchHash("sk-1"): {ID: "k1", UserID: "u1", Revoked: true}},
		users: map[string]*domain.User{"u1": {ID: "u1", Enabled: true}},
	}
	s := New(keys, nil, "")
	_, err := s.Authenticate(context.Background(), bearer("sk-1"), "1.2.3.4")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestAuthenticateApiKeyRejectsUnknownHash(t *testing.T) {
	s := New(&fakeKeyStore{}, nil, "")
	_, err := s.Authenticate(context.Background(), bearer("sk-unknown"), "1.2.3.4")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestAuthenticateApiKeySuccess(t *testing.T) {
	keys := &fakeKeyStore{
		keys:  map[string]*domain.ApiKey{SearchHash("sk-1"): {ID: "k1", UserID: "u1"}},
		users: map[string]*domain.User{"u1": {ID: "u1", Enabled: true}},
	}
	s := New(keys, nil, "")
	res, err := s.Authenticate(context.Background(), bearer("sk-1"), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "u1", res.User.ID)
	assert.Equal(t, "k1", res.ApiKey.ID)
}

func TestAuthenticateApiKeyRejectsDisabledAccount(t *testing.T) {
	keys := &fakeKeyStore{
		keys:  map[string]*domain.ApiKey{SearchHash("sk-1"): {ID: "k1", UserID: "u1"}},
		users: map[string]*domain.User{"u1": {ID: "u1", Enabled: false}},
	}
	s := New(keys, nil, "")
	_, err := s.Authenticate(context.Background(), bearer("sk-1"), "1.2.3.4")
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestAuthenticateApiKeyRejectsDisallowedIP(t *testing.T) {
	keys := &fakeKeyStore{
		keys: map[string]*domain.ApiKey{SearchHash("sk-1"): {ID: "k1", UserID: "u1"}},
		users: map[string]*domain.User{
			"u1": {ID: "u1", Enabled: true, IPWhitelist: types.Slice[string]{"10.0.0.1"}},
		},
	}
	s := New(keys, nil, "")
	_, err := s.Authenticate(context.Background(), bearer("sk-1"), "203.0.113.9")
	assert.ErrorIs(t, err, ErrIPAccessDenied)
}

func TestAuthenticateMasterAdmin(t *testing.T) {
	hash, err := HashMasterKey("top-secret")
	require.NoError(t, err)
	s := New(&fakeKeyStore{}, nil, hash)
	res, err := s.Authenticate(context.Background(), bearer("top-secret"), "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, res.Master)
}

func TestAuthenticateOAuthRejectsExpiredWithoutRefresher(t *testing.T) {
	oauthStore := &fakeOAuthStore{byAccess: map[string]*domain.OAuthToken{
		"tok-1": {UserID: "u1", Provider: "copilot", AccessToken: "tok-1", ExpiresAt: time.Now().Add(-time.Hour)},
	}}
	keys := &fakeKeyStore{users: map[string]*domain.User{"u1": {ID: "u1", Enabled: true}}}
	s := New(keys, oauthStore, "")
	_, err := s.Authenticate(context.Background(), bearer("tok-1"), "1.2.3.4")
	assert.ErrorIs(t, err, ErrInvalidOAuthToken)
}

func TestAuthenticateOAuthRejectsUnknownToken(t *testing.T) {
	oauthStore := &fakeOAuthStore{byAccess: map[string]*domain.OAuthToken{}}
	keys := &fakeKeyStore{}
	s := New(keys, oauthStore, "")
	_, err := s.Authenticate(context.Background(), bearer("tok-nope"), "1.2.3.4")
	assert.ErrorIs(t, err, ErrInvalidKey, "falls through the api-key path's generic rejection when neither path recognizes the bearer")
}

func TestAuthenticateOAuthRefreshesExpiringToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	oauthStore := &fakeOAuthStore{byAccess: map[string]*domain.OAuthToken{
		"tok-1": {
			UserID:       "u1",
			Provider:     "copilot",
			AccessToken:  "tok-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(time.Minute), // within skew, not yet expired
		},
	}}
	keys := &fakeKeyStore{users: map[string]*domain.User{"u1": {ID: "u1", Enabled: true}}}
	s := New(keys, oauthStore, "")
	s.Configure(WithOAuthRefresh(map[string]OAuthRefreshEndpoint{
		"copilot": {TokenURL: srv.URL, ClientID: "client", ClientSecret: "secret"},
	}))

	res, err := s.Authenticate(context.Background(), bearer("tok-1"), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "u1", res.User.ID)
	require.NotNil(t, oauthStore.upserted)
	assert.Equal(t, "tok-2", oauthStore.upserted.AccessToken)
	assert.Equal(t, "refresh-1", oauthStore.upserted.RefreshToken, "expected unchanged refresh token to carry over")
}

func TestAuthenticateOAuthFallsBackWhenRefreshFailsButNotYetExpired(t *testing.T) {
	oauthStore := &fakeOAuthStore{byAccess: map[string]*domain.OAuthToken{
		"tok-1": {
			UserID:      "u1",
			Provider:    "copilot",
			AccessToken: "tok-1",
			ExpiresAt:   time.Now().Add(time.Minute),
		},
	}}
	keys := &fakeKeyStore{users: map[string]*domain.User{"u1": {ID: "u1", Enabled: true}}}
	s := New(keys, oauthStore, "")

	res, err := s.Authenticate(context.Background(), bearer("tok-1"), "1.2.3.4")
	require.NoError(t, err, "expected fallback to the still-valid token when no refresh endpoint is configured")
	assert.Equal(t, "u1", res.User.ID)
}
