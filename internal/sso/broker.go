// Package sso brokers third-party identity federation for the CRM: it holds
// per-tenant provider registrations, runs the OAuth2 authorization-code flow
// with PKCE against Google and Microsoft, and persists the resulting
// sessions with their provider tokens encrypted at rest.
package sso

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/relaycrm/authcore/internal/audit"
	"github.com/relaycrm/authcore/internal/autherr"
	"github.com/relaycrm/authcore/internal/crypto"
	"github.com/relaycrm/authcore/internal/logging"
)

// exchangeTimeout bounds the outbound token-exchange call so IdP latency
// cannot exhaust connections.
const exchangeTimeout = 5 * time.Second

// BrokerStore is the persistence surface the broker needs. *Store satisfies
// it; tests use an in-memory fake.
type BrokerStore interface {
	GetProviderConfig(ctx context.Context, tenantID string, provider ProviderType) (*ProviderConfig, error)
	SaveLoginState(ctx context.Context, state *LoginState) error
	ConsumeLoginState(ctx context.Context, state string) (*LoginState, error)
	SaveSession(ctx context.Context, session *Session) error
}

// Broker runs the SSO login handshake.
type Broker struct {
	store           BrokerStore
	cipher          *crypto.Cipher
	auditor         *audit.Publisher
	callbackBaseURL string
	httpClient      *http.Client

	// endpointOverride routes all providers to a stand-in IdP in tests.
	endpointOverride *oauth2.Endpoint
}

// NewBroker creates a Broker. callbackBaseURL is the externally reachable
// base of this service, e.g. https://auth.example.com.
func NewBroker(store BrokerStore, cipher *crypto.Cipher, auditor *audit.Publisher, callbackBaseURL string) *Broker {
	return &Broker{
		store:           store,
		cipher:          cipher,
		auditor:         auditor,
		callbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
		httpClient:      &http.Client{Timeout: exchangeTimeout},
	}
}

// EncryptSecret encrypts a provider client secret for storage. Exposed for
// the admin configuration surface.
func (b *Broker) EncryptSecret(plaintext string) (string, error) {
	return b.cipher.Encrypt(plaintext)
}

// LoginURL builds the provider authorization URL for one login attempt. A
// fresh PKCE pair and CSRF state are generated per call and bound to the
// initiating tenant/user; only the challenge leaves the service.
func (b *Broker) LoginURL(ctx context.Context, tenantID, userID string, provider ProviderType) (string, error) {
	cfg, err := b.store.GetProviderConfig(ctx, tenantID, provider)
	if err != nil {
		return "", err
	}

	// SAML logins go straight to the IdP entry point; PKCE does not apply.
	if provider == ProviderSAML {
		if cfg.MetadataURL == "" {
			return "", autherr.New(autherr.KindProviderNotConfigured, "saml provider has no entry point URL")
		}
		return cfg.MetadataURL, nil
	}

	pkce, err := crypto.GeneratePKCE()
	if err != nil {
		return "", fmt.Errorf("failed to generate PKCE pair: %w", err)
	}
	state, err := crypto.GenerateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}

	now := time.Now()
	if err := b.store.SaveLoginState(ctx, &LoginState{
		State:        state,
		TenantID:     tenantID,
		UserID:       userID,
		Provider:     provider,
		CodeVerifier: pkce.Verifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(StateTTL),
	}); err != nil {
		return "", fmt.Errorf("failed to persist login state: %w", err)
	}

	oauthCfg, opts, err := b.oauthConfig(cfg, provider)
	if err != nil {
		return "", err
	}
	opts = append(opts,
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	return oauthCfg.AuthCodeURL(state, opts...), nil
}

// HandleCallback completes the authorization-code flow: it validates the
// state binding, exchanges the code with the provider, and persists an
// encrypted session. An expired or mismatched state fails closed.
func (b *Broker) HandleCallback(ctx context.Context, tenantID string, provider ProviderType, code, stateToken string) (*Session, *Profile, error) {
	state, err := b.store.ConsumeLoginState(ctx, stateToken)
	if err != nil {
		if err == ErrStateNotFound {
			return nil, nil, autherr.New(autherr.KindAuthenticationFailure, "unknown or consumed state token")
		}
		return nil, nil, err
	}
	if time.Now().After(state.ExpiresAt) {
		return nil, nil, autherr.New(autherr.KindAuthenticationFailure, "state token expired")
	}
	if state.TenantID != tenantID || state.Provider != provider {
		return nil, nil, autherr.New(autherr.KindAuthenticationFailure, "state token does not match this tenant/provider")
	}

	cfg, err := b.store.GetProviderConfig(ctx, tenantID, provider)
	if err != nil {
		return nil, nil, err
	}

	oauthCfg, _, err := b.oauthConfig(cfg, provider)
	if err != nil {
		return nil, nil, err
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	exchangeCtx = context.WithValue(exchangeCtx, oauth2.HTTPClient, b.httpClient)

	tok, err := oauthCfg.Exchange(exchangeCtx, code,
		oauth2.SetAuthURLParam("code_verifier", state.CodeVerifier),
	)
	if err != nil {
		return nil, nil, autherr.Wrap(autherr.KindProviderExchangeFailed, "code exchange failed", err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	profile, err := profileFromIDToken(idToken)
	if err != nil {
		return nil, nil, autherr.Wrap(autherr.KindProviderExchangeFailed, "provider returned unusable id_token", err)
	}

	session, err := b.buildSession(state, cfg, tok, idToken, profile)
	if err != nil {
		return nil, nil, err
	}
	if err := b.store.SaveSession(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("failed to persist session: %w", err)
	}

	b.auditor.Publish(ctx, audit.Event{
		Type:     audit.EventSSOLogin,
		TenantID: tenantID,
		UserID:   state.UserID,
		Details: map[string]string{
			"provider":       string(provider),
			"provider_email": profile.Email,
		},
	})
	logging.Info("sso login completed",
		zap.String("tenant_id", tenantID),
		zap.String("provider", string(provider)),
		zap.String("user_id", state.UserID),
	)
	return session, profile, nil
}

// buildSession encrypts the provider tokens into a persisted session row.
func (b *Broker) buildSession(state *LoginState, cfg *ProviderConfig, tok *oauth2.Token, idToken string, profile *Profile) (*Session, error) {
	accessEnc, err := b.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindEncryptionFailure, "failed to encrypt access token", err)
	}
	refreshEnc := ""
	if tok.RefreshToken != "" {
		refreshEnc, err = b.cipher.Encrypt(tok.RefreshToken)
		if err != nil {
			return nil, autherr.Wrap(autherr.KindEncryptionFailure, "failed to encrypt refresh token", err)
		}
	}

	return &Session{
		ID:                    uuid.New().String(),
		UserID:                state.UserID,
		TenantID:              state.TenantID,
		ProviderID:            cfg.ID,
		ProviderUserID:        profile.ProviderUserID,
		ProviderEmail:         profile.Email,
		EncryptedAccessToken:  accessEnc,
		EncryptedRefreshToken: refreshEnc,
		IDToken:               idToken,
		ExpiresAt:             tok.Expiry,
		CreatedAt:             time.Now(),
	}, nil
}

// AccessToken decrypts a session's provider access token. A bad tag or
// wrong key is a hard error, never a silent empty value.
func (b *Broker) AccessToken(session *Session) (string, error) {
	plaintext, err := b.cipher.Decrypt(session.EncryptedAccessToken)
	if err != nil {
		return "", autherr.Wrap(autherr.KindEncryptionFailure, "failed to decrypt access token", err)
	}
	return plaintext, nil
}

// oauthConfig assembles the provider-specific oauth2 configuration. The
// client secret is decrypted here and held only for the call's duration.
func (b *Broker) oauthConfig(cfg *ProviderConfig, provider ProviderType) (*oauth2.Config, []oauth2.AuthCodeOption, error) {
	secret, err := b.cipher.Decrypt(cfg.EncryptedClientSecret)
	if err != nil {
		return nil, nil, autherr.Wrap(autherr.KindEncryptionFailure, "failed to decrypt provider client secret", err)
	}

	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		RedirectURL:  fmt.Sprintf("%s/sso/%s/callback", b.callbackBaseURL, provider),
		Scopes:       []string{"openid", "email", "profile"},
	}

	var opts []oauth2.AuthCodeOption
	switch provider {
	case ProviderGoogle:
		oc.Endpoint = endpoints.Google
		opts = append(opts, oauth2.AccessTypeOffline)
	case ProviderMicrosoft:
		oc.Endpoint = endpoints.AzureAD("common")
		opts = append(opts, oauth2.SetAuthURLParam("response_mode", "query"))
	default:
		return nil, nil, autherr.New(autherr.KindProviderNotConfigured, fmt.Sprintf("unsupported provider %q", provider))
	}
	if b.endpointOverride != nil {
		oc.Endpoint = *b.endpointOverride
	}
	return oc, opts, nil
}

// profileFromIDToken extracts the identity claims from the id_token payload.
// The token arrived over the provider's TLS token endpoint in direct
// response to our code exchange, so the signature is not re-verified here.
func profileFromIDToken(idToken string) (*Profile, error) {
	if idToken == "" {
		return nil, fmt.Errorf("missing id_token")
	}
	parts := strings.SplitN(idToken, ".", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed id_token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid id_token payload encoding: %w", err)
	}

	var claims struct {
		Sub        string `json:"sub"`
		Email      string `json:"email"`
		GivenName  string `json:"given_name"`
		FamilyName string `json:"family_name"`
		Name       string `json:"name"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("invalid id_token payload: %w", err)
	}
	if claims.Sub == "" {
		return nil, fmt.Errorf("id_token missing sub")
	}

	return &Profile{
		ProviderUserID: claims.Sub,
		Email:          claims.Email,
		FirstName:      claims.GivenName,
		LastName:       claims.FamilyName,
		DisplayName:    claims.Name,
	}, nil
}
