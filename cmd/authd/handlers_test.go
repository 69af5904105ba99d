package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/authcore/internal/authmw"
	"github.com/relaycrm/authcore/internal/autherr"
	"github.com/relaycrm/authcore/internal/config"
	"github.com/relaycrm/authcore/internal/crypto"
	"github.com/relaycrm/authcore/internal/revocation"
	"github.com/relaycrm/authcore/internal/sso"
	"github.com/relaycrm/authcore/internal/token"
	"github.com/relaycrm/authcore/internal/usage"
)

type stubVerifier struct {
	claims map[string]*token.Claims
}

func (s stubVerifier) Verify(tokenString string) (*token.Claims, error) {
	if claims, ok := s.claims[tokenString]; ok {
		return claims, nil
	}
	return nil, autherr.New(autherr.KindAuthenticationFailure, "token verification failed")
}

// captureStore records login states so tests can inspect the bindings the
// broker persisted.
type captureStore struct {
	configs map[sso.ProviderType]*sso.ProviderConfig
	states  []*sso.LoginState
}

func (c *captureStore) GetProviderConfig(_ context.Context, tenantID string, provider sso.ProviderType) (*sso.ProviderConfig, error) {
	cfg, ok := c.configs[provider]
	if !ok || cfg.TenantID != tenantID {
		return nil, autherr.New(autherr.KindProviderNotConfigured, "provider not configured for tenant")
	}
	return cfg, nil
}

func (c *captureStore) SaveLoginState(_ context.Context, state *sso.LoginState) error {
	c.states = append(c.states, state)
	return nil
}

func (c *captureStore) ConsumeLoginState(_ context.Context, _ string) (*sso.LoginState, error) {
	return nil, sso.ErrStateNotFound
}

func (c *captureStore) SaveSession(_ context.Context, _ *sso.Session) error { return nil }

func claimsFor(sub, tenant, jti string) *token.Claims {
	c := &token.Claims{TenantID: tenant}
	c.Subject = sub
	c.ID = jti
	return c
}

func newLoginTestServer(t *testing.T) (http.Handler, *captureStore) {
	t.Helper()

	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{0x42}, crypto.KeySize))
	require.NoError(t, err)
	secret, err := cipher.Encrypt("client-secret-value")
	require.NoError(t, err)

	store := &captureStore{configs: map[sso.ProviderType]*sso.ProviderConfig{
		sso.ProviderGoogle: {
			ID:                    "cfg-google",
			TenantID:              "tenant-1",
			Type:                  sso.ProviderGoogle,
			ClientID:              "client-google",
			EncryptedClientSecret: secret,
			Enabled:               true,
		},
	}}

	verifier := stubVerifier{claims: map[string]*token.Claims{
		"good-token":   claimsFor("user-1", "tenant-1", "J1"),
		"other-tenant": claimsFor("user-2", "tenant-2", "J2"),
	}}
	revocations := revocation.NewMemoryStore(time.Hour)
	t.Cleanup(revocations.Close)
	mw := authmw.New(verifier, revocations, usage.NewMemoryTracker(), nil)

	srv := &server{
		cfg:    &config.Config{ExternalURL: "https://auth.example.com"},
		mw:     mw,
		broker: sso.NewBroker(store, cipher, nil, "https://auth.example.com"),
	}
	return srv.routes(), store
}

func TestSSOLoginBindsAuthenticatedUser(t *testing.T) {
	handler, store := newLoginTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sso/google/login?tenant=tenant-1", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	require.Len(t, store.states, 1)
	assert.Equal(t, "user-1", store.states[0].UserID)
	assert.Equal(t, "tenant-1", store.states[0].TenantID)
}

func TestSSOLoginIgnoresCallerSuppliedUser(t *testing.T) {
	handler, store := newLoginTestServer(t)

	// An unauthenticated caller cannot choose the user the state binds to.
	req := httptest.NewRequest(http.MethodGet, "/sso/google/login?tenant=tenant-1&user=victim-7", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	require.Len(t, store.states, 1)
	assert.Empty(t, store.states[0].UserID)
}

func TestSSOLoginRejectsInvalidCredential(t *testing.T) {
	handler, store := newLoginTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sso/google/login?tenant=tenant-1", nil)
	req.Header.Set("Authorization", "Bearer forged-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, store.states)
}

func TestSSOLoginRejectsTenantMismatch(t *testing.T) {
	handler, store := newLoginTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sso/google/login?tenant=tenant-1", nil)
	req.Header.Set("Authorization", "Bearer other-tenant")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, store.states)
}
