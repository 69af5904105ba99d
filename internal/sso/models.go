package sso

import "time"

// ProviderType identifies a federation provider.
type ProviderType string

const (
	ProviderGoogle    ProviderType = "google"
	ProviderMicrosoft ProviderType = "microsoft"
	ProviderSAML      ProviderType = "saml"
)

// ProviderConfig is a per-tenant provider registration. The client secret is
// stored AES-GCM encrypted and never logged in plaintext.
type ProviderConfig struct {
	ID                    string
	TenantID              string
	Type                  ProviderType
	ClientID              string
	EncryptedClientSecret string
	MetadataURL           string
	Enabled               bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ProviderConfigPatch is a partial update to a provider registration. Nil
// fields are left untouched; ClientSecret is plaintext here and encrypted
// before it reaches the row.
type ProviderConfigPatch struct {
	ClientID     *string
	ClientSecret *string
	MetadataURL  *string
	Enabled      *bool
}

// Session is a persisted SSO session. Access and refresh tokens are AES-GCM
// encrypted at rest.
type Session struct {
	ID                    string
	UserID                string
	TenantID              string
	ProviderID            string
	ProviderUserID        string
	ProviderEmail         string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	IDToken               string
	ExpiresAt             time.Time
	CreatedAt             time.Time
}

// LoginState binds a CSRF state token to the tenant, user and PKCE verifier
// of one login attempt. Valid for ten minutes.
type LoginState struct {
	State        string
	TenantID     string
	UserID       string
	Provider     ProviderType
	CodeVerifier string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Profile is the identity resolved from a provider callback.
type Profile struct {
	ProviderUserID string
	Email          string
	FirstName      string
	LastName       string
	DisplayName    string
}

// StateTTL is the validity window for a login state token.
const StateTTL = 10 * time.Minute

// SessionRetention is how long completed sessions are kept before the GC
// sweep removes them.
const SessionRetention = 30 * 24 * time.Hour
