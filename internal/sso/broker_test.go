package sso

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/relaycrm/authcore/internal/autherr"
	"github.com/relaycrm/authcore/internal/crypto"
)

type fakeBrokerStore struct {
	configs  map[ProviderType]*ProviderConfig
	states   map[string]*LoginState
	sessions []*Session
}

func newFakeBrokerStore() *fakeBrokerStore {
	return &fakeBrokerStore{
		configs: make(map[ProviderType]*ProviderConfig),
		states:  make(map[string]*LoginState),
	}
}

func (f *fakeBrokerStore) GetProviderConfig(_ context.Context, tenantID string, provider ProviderType) (*ProviderConfig, error) {
	cfg, ok := f.configs[provider]
	if !ok || cfg.TenantID != tenantID {
		return nil, autherr.New(autherr.KindProviderNotConfigured, "provider not configured for tenant")
	}
	return cfg, nil
}

func (f *fakeBrokerStore) SaveLoginState(_ context.Context, state *LoginState) error {
	f.states[state.State] = state
	return nil
}

func (f *fakeBrokerStore) ConsumeLoginState(_ context.Context, state string) (*LoginState, error) {
	s, ok := f.states[state]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(f.states, state)
	return s, nil
}

func (f *fakeBrokerStore) SaveSession(_ context.Context, session *Session) error {
	f.sessions = append(f.sessions, session)
	return nil
}

func newTestBroker(t *testing.T) (*Broker, *fakeBrokerStore, *crypto.Cipher) {
	t.Helper()
	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{0x42}, crypto.KeySize))
	require.NoError(t, err)

	store := newFakeBrokerStore()
	broker := NewBroker(store, cipher, nil, "https://auth.example.com/")

	secret, err := cipher.Encrypt("client-secret-value")
	require.NoError(t, err)
	for _, p := range []ProviderType{ProviderGoogle, ProviderMicrosoft} {
		store.configs[p] = &ProviderConfig{
			ID:                    "cfg-" + string(p),
			TenantID:              "tenant-1",
			Type:                  p,
			ClientID:              "client-" + string(p),
			EncryptedClientSecret: secret,
			Enabled:               true,
		}
	}
	return broker, store, cipher
}

func TestLoginURLCarriesChallengeNotVerifier(t *testing.T) {
	broker, store, _ := newTestBroker(t)

	rawURL, err := broker.LoginURL(context.Background(), "tenant-1", "user-1", ProviderGoogle)
	require.NoError(t, err)

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "client-google", q.Get("client_id"))
	assert.Equal(t, "https://auth.example.com/sso/google/callback", q.Get("redirect_uri"))
	assert.Equal(t, "offline", q.Get("access_type"))

	state := q.Get("state")
	require.NotEmpty(t, state)
	saved, ok := store.states[state]
	require.True(t, ok, "state must be persisted before the redirect is issued")
	assert.Equal(t, "tenant-1", saved.TenantID)
	assert.Equal(t, "user-1", saved.UserID)
	assert.WithinDuration(t, time.Now().Add(StateTTL), saved.ExpiresAt, 5*time.Second)

	// The verifier never appears in the redirect; only its S256 digest does.
	assert.NotContains(t, rawURL, saved.CodeVerifier)
}

func TestLoginURLFreshPairPerAttempt(t *testing.T) {
	broker, store, _ := newTestBroker(t)

	first, err := broker.LoginURL(context.Background(), "tenant-1", "user-1", ProviderGoogle)
	require.NoError(t, err)
	second, err := broker.LoginURL(context.Background(), "tenant-1", "user-1", ProviderGoogle)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Len(t, store.states, 2)
}

func TestLoginURLMicrosoftUsesQueryResponseMode(t *testing.T) {
	broker, _, _ := newTestBroker(t)

	rawURL, err := broker.LoginURL(context.Background(), "tenant-1", "user-1", ProviderMicrosoft)
	require.NoError(t, err)

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	assert.Equal(t, "query", u.Query().Get("response_mode"))
}

func TestLoginURLUnconfiguredProvider(t *testing.T) {
	broker, _, _ := newTestBroker(t)

	_, err := broker.LoginURL(context.Background(), "tenant-2", "user-1", ProviderGoogle)
	require.Error(t, err)
	assert.Equal(t, autherr.KindProviderNotConfigured, autherr.KindOf(err))
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	broker, _, _ := newTestBroker(t)

	_, _, err := broker.HandleCallback(context.Background(), "tenant-1", ProviderGoogle, "code", "never-issued")
	require.Error(t, err)
	assert.Equal(t, autherr.KindAuthenticationFailure, autherr.KindOf(err))
}

func TestCallbackStateIsSingleUse(t *testing.T) {
	broker, store, _ := newTestBroker(t)
	idp := newFakeIdP(t)
	defer idp.Close()
	broker.endpointOverride = idp.endpoint()

	rawURL, err := broker.LoginURL(context.Background(), "tenant-1", "user-1", ProviderGoogle)
	require.NoError(t, err)
	u, _ := url.Parse(rawURL)
	state := u.Query().Get("state")

	_, _, err = broker.HandleCallback(context.Background(), "tenant-1", ProviderGoogle, "auth-code", state)
	require.NoError(t, err)
	require.Len(t, store.sessions, 1)

	_, _, err = broker.HandleCallback(context.Background(), "tenant-1", ProviderGoogle, "auth-code", state)
	require.Error(t, err)
	assert.Equal(t, autherr.KindAuthenticationFailure, autherr.KindOf(err))
}

func TestCallbackRejectsExpiredState(t *testing.T) {
	broker, store, _ := newTestBroker(t)

	store.states["S1"] = &LoginState{
		State:     "S1",
		TenantID:  "tenant-1",
		Provider:  ProviderGoogle,
		ExpiresAt: time.Now().Add(-time.Minute),
	}

	_, _, err := broker.HandleCallback(context.Background(), "tenant-1", ProviderGoogle, "code", "S1")
	require.Error(t, err)
	assert.Equal(t, autherr.KindAuthenticationFailure, autherr.KindOf(err))
}

func TestCallbackRejectsTenantMismatch(t *testing.T) {
	broker, store, _ := newTestBroker(t)

	store.states["S1"] = &LoginState{
		State:     "S1",
		TenantID:  "tenant-other",
		Provider:  ProviderGoogle,
		ExpiresAt: time.Now().Add(time.Minute),
	}

	_, _, err := broker.HandleCallback(context.Background(), "tenant-1", ProviderGoogle, "code", "S1")
	require.Error(t, err)
	assert.Equal(t, autherr.KindAuthenticationFailure, autherr.KindOf(err))
}

func TestCallbackPersistsEncryptedSession(t *testing.T) {
	broker, store, cipher := newTestBroker(t)
	idp := newFakeIdP(t)
	defer idp.Close()
	broker.endpointOverride = idp.endpoint()

	rawURL, err := broker.LoginURL(context.Background(), "tenant-1", "user-1", ProviderGoogle)
	require.NoError(t, err)
	u, _ := url.Parse(rawURL)
	state := u.Query().Get("state")
	verifier := store.states[state].CodeVerifier

	session, profile, err := broker.HandleCallback(context.Background(), "tenant-1", ProviderGoogle, "auth-code", state)
	require.NoError(t, err)

	// The exchange must carry the original verifier, not the challenge.
	assert.Equal(t, verifier, idp.seenVerifier)

	require.NotNil(t, profile)
	assert.Equal(t, "idp-user-9", profile.ProviderUserID)
	assert.Equal(t, "ada@example.com", profile.Email)
	assert.Equal(t, "Ada", profile.FirstName)

	require.Len(t, store.sessions, 1)
	stored := store.sessions[0]
	assert.Equal(t, session.ID, stored.ID)
	assert.Equal(t, "user-1", stored.UserID)
	assert.Equal(t, "tenant-1", stored.TenantID)

	// Tokens are never stored in the clear.
	assert.NotEqual(t, "provider-access-token", stored.EncryptedAccessToken)
	assert.NotEqual(t, "provider-refresh-token", stored.EncryptedRefreshToken)
	plain, err := cipher.Decrypt(stored.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "provider-access-token", plain)
	plain, err = cipher.Decrypt(stored.EncryptedRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "provider-refresh-token", plain)
}

func TestCallbackExchangeFailure(t *testing.T) {
	broker, store, _ := newTestBroker(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer server.Close()
	broker.endpointOverride = &oauth2.Endpoint{
		AuthURL:  server.URL + "/authorize",
		TokenURL: server.URL + "/token",
	}

	store.states["S1"] = &LoginState{
		State:        "S1",
		TenantID:     "tenant-1",
		Provider:     ProviderGoogle,
		CodeVerifier: "verifier",
		ExpiresAt:    time.Now().Add(time.Minute),
	}

	_, _, err := broker.HandleCallback(context.Background(), "tenant-1", ProviderGoogle, "bad-code", "S1")
	require.Error(t, err)
	assert.Equal(t, autherr.KindProviderExchangeFailed, autherr.KindOf(err))
}

func TestCallbackCorruptSecretIsHardError(t *testing.T) {
	broker, store, _ := newTestBroker(t)
	store.configs[ProviderGoogle].EncryptedClientSecret = base64.StdEncoding.EncodeToString([]byte("garbage-not-a-ciphertext-long-enough"))

	store.states["S1"] = &LoginState{
		State:        "S1",
		TenantID:     "tenant-1",
		Provider:     ProviderGoogle,
		CodeVerifier: "verifier",
		ExpiresAt:    time.Now().Add(time.Minute),
	}

	_, _, err := broker.HandleCallback(context.Background(), "tenant-1", ProviderGoogle, "code", "S1")
	require.Error(t, err)
	assert.Equal(t, autherr.KindEncryptionFailure, autherr.KindOf(err))
	assert.True(t, errors.Is(err, crypto.ErrDecryptFailed))
}

func TestProfileFromIDToken(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		profile, err := profileFromIDToken(fakeIDToken(map[string]any{
			"sub": "abc", "email": "x@example.com", "given_name": "X", "family_name": "Y", "name": "X Y",
		}))
		require.NoError(t, err)
		assert.Equal(t, "abc", profile.ProviderUserID)
		assert.Equal(t, "x@example.com", profile.Email)
		assert.Equal(t, "X Y", profile.DisplayName)
	})

	t.Run("missing sub", func(t *testing.T) {
		_, err := profileFromIDToken(fakeIDToken(map[string]any{"email": "x@example.com"}))
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := profileFromIDToken("")
		assert.Error(t, err)
	})

	t.Run("not a jwt", func(t *testing.T) {
		_, err := profileFromIDToken("one.two")
		assert.Error(t, err)
	})
}

// fakeIdP is a stand-in OAuth2 token endpoint.
type fakeIdP struct {
	server       *httptest.Server
	seenVerifier string
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	idp := &fakeIdP{}
	idp.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		idp.seenVerifier = r.FormValue("code_verifier")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "provider-access-token",
			"refresh_token": "provider-refresh-token",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token": fakeIDToken(map[string]any{
				"sub":         "idp-user-9",
				"email":       "ada@example.com",
				"given_name":  "Ada",
				"family_name": "Lovelace",
				"name":        "Ada Lovelace",
			}),
		})
	}))
	return idp
}

func (f *fakeIdP) endpoint() *oauth2.Endpoint {
	return &oauth2.Endpoint{
		AuthURL:  f.server.URL + "/authorize",
		TokenURL: f.server.URL + "/token",
	}
}

func (f *fakeIdP) Close() { f.server.Close() }

// fakeIDToken builds an unsigned JWT-shaped id_token with the given claims.
func fakeIDToken(claims map[string]any) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload, _ := json.Marshal(claims)
	return fmt.Sprintf("%s.%s.%s", header, base64.RawURLEncoding.EncodeToString(payload), "sig")
}
