// Package saml implements the service-provider side of SAML federation:
// SP metadata, IdP login/logout URL generation, and assertion parsing into
// a normalized user profile with attribute fallback chains.
package saml

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"
	dsig "github.com/russellhaering/goxmldsig"
	"go.uber.org/zap"

	"github.com/relaycrm/authcore/internal/audit"
	"github.com/relaycrm/authcore/internal/autherr"
	"github.com/relaycrm/authcore/internal/logging"
)

// UserProfile is the normalized identity resolved from one assertion. It is
// transient; only the link into the user record persists.
type UserProfile struct {
	UserID      string
	Email       string
	FirstName   string
	LastName    string
	DisplayName string
	Groups      []string
}

// Linker applies SAML identity links to local user records.
type Linker interface {
	LinkUserIdentity(ctx context.Context, userID, providerID, providerUserID string) error
	UnlinkUserIdentity(ctx context.Context, userID string) error
}

// Config describes one tenant's service-provider registration.
type Config struct {
	ProviderID string
	TenantID   string
	EntityID   string
	// RootURL is the externally reachable base of this service; the
	// metadata, ACS and SLO endpoints are derived from it.
	RootURL        string
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	// Exactly one of IDPMetadataURL / IDPMetadataXML must be set.
	IDPMetadataURL    string
	IDPMetadataXML    []byte
	AllowIDPInitiated bool
	// AttributeMapPath optionally points at a YAML file of per-deployment
	// attribute URI overrides.
	AttributeMapPath string
}

// Federator is a per-tenant SAML service provider.
type Federator struct {
	sp       *saml.ServiceProvider
	attrs    AttributeMap
	linker   Linker
	auditor  *audit.Publisher
	tenantID string
	provider string

	// Outstanding AuthnRequest IDs and consumed assertion IDs share one
	// bounded TTL cache each.
	pendingRequests *idCache
	seenAssertions  *idCache
}

const (
	requestWindow  = 10 * time.Minute
	assertionGrace = 8 * time.Hour
)

// NewFederator builds the service provider from tenant configuration.
func NewFederator(ctx context.Context, cfg Config, linker Linker, auditor *audit.Publisher) (*Federator, error) {
	keyPair, err := tls.X509KeyPair(cfg.CertificatePEM, cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load SP keypair: %w", err)
	}
	cert := keyPair.Leaf
	if cert == nil {
		cert, err = x509.ParseCertificate(keyPair.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse SP certificate: %w", err)
		}
	}
	signer, ok := keyPair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("SP private key does not implement crypto.Signer")
	}

	idpMetadata, err := loadIDPMetadata(ctx, cfg)
	if err != nil {
		return nil, err
	}

	attrs, err := LoadAttributeMap(cfg.AttributeMapPath)
	if err != nil {
		return nil, err
	}

	if cfg.TenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	// Endpoints are tenant-scoped so the IdP's posts carry the tenant in
	// the path; nothing else identifies the tenant on an inbound ACS call.
	base := strings.TrimRight(cfg.RootURL, "/") + "/saml/" + cfg.TenantID
	metadataURL, err := url.Parse(base + "/metadata")
	if err != nil {
		return nil, fmt.Errorf("invalid root URL: %w", err)
	}
	acsURL, _ := url.Parse(base + "/acs")
	sloURL, _ := url.Parse(base + "/slo")

	sp := &saml.ServiceProvider{
		EntityID:          cfg.EntityID,
		Key:               signer,
		Certificate:       cert,
		MetadataURL:       *metadataURL,
		AcsURL:            *acsURL,
		SloURL:            *sloURL,
		IDPMetadata:       idpMetadata,
		AuthnNameIDFormat: saml.EmailAddressNameIDFormat,
		AllowIDPInitiated: cfg.AllowIDPInitiated,
		SignatureMethod:   dsig.RSASHA256SignatureMethod,
		// Without LogoutBindings the metadata carries no
		// SingleLogoutService element and SloURL is never advertised.
		LogoutBindings: []string{saml.HTTPRedirectBinding},
	}

	return &Federator{
		sp:              sp,
		attrs:           attrs,
		linker:          linker,
		auditor:         auditor,
		tenantID:        cfg.TenantID,
		provider:        cfg.ProviderID,
		pendingRequests: newIDCache(requestWindow),
		seenAssertions:  newIDCache(assertionGrace),
	}, nil
}

func loadIDPMetadata(ctx context.Context, cfg Config) (*saml.EntityDescriptor, error) {
	if cfg.IDPMetadataURL != "" {
		metaURL, err := url.Parse(cfg.IDPMetadataURL)
		if err != nil {
			return nil, fmt.Errorf("invalid IdP metadata URL: %w", err)
		}
		md, err := samlsp.FetchMetadata(ctx, http.DefaultClient, *metaURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch IdP metadata: %w", err)
		}
		return md, nil
	}
	md, err := samlsp.ParseMetadata(cfg.IDPMetadataXML)
	if err != nil {
		return nil, fmt.Errorf("failed to parse IdP metadata: %w", err)
	}
	return md, nil
}

// Metadata renders the SP metadata document. Deterministic for a given
// configuration.
func (f *Federator) Metadata() ([]byte, error) {
	md := f.sp.Metadata()

	required := true
	optional := false
	for i := range md.SPSSODescriptors {
		md.SPSSODescriptors[i].AttributeConsumingServices = []saml.AttributeConsumingService{{
			Index: 1,
			ServiceNames: []saml.LocalizedName{
				{Lang: "en", Value: "RelayCRM"},
			},
			RequestedAttributes: []saml.RequestedAttribute{
				{
					IsRequired: &required,
					Attribute: saml.Attribute{
						Name:         "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
						FriendlyName: "email",
					},
				},
				{
					IsRequired: &optional,
					Attribute: saml.Attribute{
						Name:         "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname",
						FriendlyName: "firstName",
					},
				},
				{
					IsRequired: &optional,
					Attribute: saml.Attribute{
						Name:         "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname",
						FriendlyName: "lastName",
					},
				},
			},
		}}
	}

	data, err := xml.MarshalIndent(md, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SP metadata: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}

// LoginURL builds the signed redirect to the IdP for SP-initiated SSO. The
// request ID is tracked so the eventual response can be matched to it.
func (f *Federator) LoginURL(relayState string) (string, error) {
	req, err := f.sp.MakeAuthenticationRequest(
		f.sp.GetSSOBindingLocation(saml.HTTPRedirectBinding),
		saml.HTTPRedirectBinding,
		saml.HTTPPostBinding,
	)
	if err != nil {
		return "", fmt.Errorf("failed to build authentication request: %w", err)
	}
	f.pendingRequests.put(req.ID)

	redirect, err := req.Redirect(relayState, f.sp)
	if err != nil {
		return "", fmt.Errorf("failed to sign redirect: %w", err)
	}
	return redirect.String(), nil
}

// LogoutURL builds the redirect to the IdP's single-logout endpoint.
// sessionIndex may be empty when the IdP did not assert one.
func (f *Federator) LogoutURL(nameID, sessionIndex string) (string, error) {
	req, err := f.sp.MakeLogoutRequest(
		f.sp.GetSLOBindingLocation(saml.HTTPRedirectBinding),
		nameID,
	)
	if err != nil {
		return "", fmt.Errorf("failed to build logout request: %w", err)
	}
	if sessionIndex != "" {
		req.SessionIndex = &saml.SessionIndex{Value: sessionIndex}
	}
	return req.Redirect("").String(), nil
}

// HandleCallback validates the SAMLResponse posted to the ACS endpoint and
// resolves the asserted identity. Replayed assertions are rejected.
func (f *Federator) HandleCallback(r *http.Request) (*UserProfile, error) {
	assertion, err := f.sp.ParseResponse(r, f.pendingRequests.snapshot())
	if err != nil {
		if ire, ok := err.(*saml.InvalidResponseError); ok {
			logging.Info("rejected SAML response",
				zap.String("tenant_id", f.tenantID),
				zap.NamedError("detail", ire.PrivateErr),
			)
		}
		return nil, autherr.Wrap(autherr.KindAssertionInvalid, "assertion validation failed", err)
	}

	if assertion.ID != "" && !f.seenAssertions.putIfAbsent(assertion.ID) {
		return nil, autherr.New(autherr.KindAssertionInvalid, "assertion already consumed")
	}

	profile, err := f.ResolveProfile(assertion)
	if err != nil {
		return nil, err
	}

	f.auditor.Publish(r.Context(), audit.Event{
		Type:     audit.EventSAMLLogin,
		TenantID: f.tenantID,
		UserID:   profile.UserID,
		Details:  map[string]string{"provider_email": profile.Email},
	})
	return profile, nil
}

// ResolveProfile extracts the normalized profile from a validated assertion.
// Every field walks its attribute chain in order; email and user id fall
// back to the NameID. A profile without an email is rejected.
func (f *Federator) ResolveProfile(assertion *saml.Assertion) (*UserProfile, error) {
	attrs := flattenAttributes(assertion)

	nameID := ""
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		nameID = assertion.Subject.NameID.Value
	}

	email := f.first(attrs, FieldEmail)
	if email == "" && strings.Contains(nameID, "@") {
		email = nameID
	}
	if email == "" {
		return nil, autherr.New(autherr.KindAssertionInvalid, "no email attribute resolved from assertion")
	}

	userID := f.first(attrs, FieldUserID)
	if userID == "" {
		userID = nameID
	}

	return &UserProfile{
		UserID:      userID,
		Email:       email,
		FirstName:   f.first(attrs, FieldFirstName),
		LastName:    f.first(attrs, FieldLastName),
		DisplayName: f.first(attrs, FieldDisplayName),
		Groups:      f.all(attrs, FieldGroups),
	}, nil
}

// Link binds a resolved SAML identity to a local user record. Repeating the
// call with the same arguments is a no-op.
func (f *Federator) Link(ctx context.Context, userID string, profile *UserProfile) error {
	return f.linker.LinkUserIdentity(ctx, userID, f.provider, profile.UserID)
}

// Unlink clears the SAML identity from a local user record. Safe to call on
// an already unlinked user.
func (f *Federator) Unlink(ctx context.Context, userID string) error {
	return f.linker.UnlinkUserIdentity(ctx, userID)
}

func (f *Federator) first(attrs map[string][]string, field string) string {
	for _, uri := range f.attrs[field] {
		if values, ok := attrs[uri]; ok && len(values) > 0 && values[0] != "" {
			return values[0]
		}
	}
	return ""
}

func (f *Federator) all(attrs map[string][]string, field string) []string {
	for _, uri := range f.attrs[field] {
		if values, ok := attrs[uri]; ok && len(values) > 0 {
			return values
		}
	}
	return nil
}

// flattenAttributes indexes the assertion's attribute statements by both the
// attribute Name and FriendlyName, since IdPs disagree on which to populate.
func flattenAttributes(assertion *saml.Assertion) map[string][]string {
	attrs := make(map[string][]string)
	for _, stmt := range assertion.AttributeStatements {
		for _, attr := range stmt.Attributes {
			var values []string
			for _, v := range attr.Values {
				values = append(values, v.Value)
			}
			if attr.Name != "" {
				attrs[attr.Name] = values
			}
			if attr.FriendlyName != "" && attr.FriendlyName != attr.Name {
				attrs[attr.FriendlyName] = values
			}
		}
	}
	return attrs
}

// idCache is a bounded set of IDs with per-entry expiry, shared by request
// tracking and assertion replay protection.
type idCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

const idCacheMaxSize = 10000

func newIDCache(ttl time.Duration) *idCache {
	return &idCache{entries: make(map[string]time.Time), ttl: ttl}
}

func (c *idCache) put(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	c.entries[id] = time.Now().Add(c.ttl)
}

// putIfAbsent records the ID and reports whether it was new. A false return
// means the ID was already present and unexpired.
func (c *idCache) putIfAbsent(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if expiry, seen := c.entries[id]; seen && time.Now().Before(expiry) {
		return false
	}
	c.evictLocked()
	c.entries[id] = time.Now().Add(c.ttl)
	return true
}

func (c *idCache) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	ids := make([]string, 0, len(c.entries))
	for id, expiry := range c.entries {
		if now.Before(expiry) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *idCache) evictLocked() {
	if len(c.entries) < idCacheMaxSize {
		return
	}
	now := time.Now()
	for id, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, id)
		}
	}
}
