package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/relaycrm/authcore/internal/audit"
	"github.com/relaycrm/authcore/internal/authmw"
	"github.com/relaycrm/authcore/internal/autherr"
	"github.com/relaycrm/authcore/internal/config"
	"github.com/relaycrm/authcore/internal/logging"
	"github.com/relaycrm/authcore/internal/saml"
	"github.com/relaycrm/authcore/internal/sso"
	"github.com/relaycrm/authcore/internal/token"
)

type server struct {
	cfg        *config.Config
	mw         *authmw.Middleware
	broker     *sso.Broker
	minter     *token.Minter
	store      *sso.Store
	federators *federatorRegistry
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": ServiceVersion})
	})

	mux.HandleFunc("GET /sso/{provider}/login", s.handleSSOLogin)
	mux.HandleFunc("GET /sso/{provider}/callback", s.handleSSOCallback)

	// SAML endpoints are tenant-scoped: the IdP posts back to the
	// advertised ACS URL and the path is the only tenant signal it carries.
	mux.HandleFunc("GET /saml/{tenant}/metadata", s.handleSAMLMetadata)
	mux.HandleFunc("GET /saml/{tenant}/login", s.handleSAMLLogin)
	mux.HandleFunc("POST /saml/{tenant}/acs", s.handleSAMLACS)
	mux.HandleFunc("GET /saml/{tenant}/logout", s.handleSAMLLogout)

	mux.Handle("GET /me", s.mw.Handler(http.HandlerFunc(s.handleMe)))
	mux.Handle("POST /logout", s.mw.Handler(http.HandlerFunc(s.handleLogout)))

	mux.HandleFunc("POST /ops/revoke", s.requireOpsToken(s.handleOpsRevoke))
	mux.HandleFunc("POST /ops/providers", s.requireOpsToken(s.handleUpsertProvider))
	mux.HandleFunc("PATCH /ops/providers/{tenant}/{type}", s.requireOpsToken(s.handlePatchProvider))

	return mux
}

func (s *server) handleSSOLogin(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		http.Error(w, "tenant query parameter is required", http.StatusBadRequest)
		return
	}
	provider := sso.ProviderType(r.PathValue("provider"))

	// The user binding on the login state comes from a verified credential,
	// never from caller-supplied input. Anonymous logins bind at tenant
	// level only.
	userID := ""
	if r.Header.Get("Authorization") != "" {
		identity, err := s.mw.Authenticate(r)
		if err != nil {
			autherr.WriteJSON(w, err)
			return
		}
		if identity.TenantID != tenant {
			autherr.WriteJSON(w, autherr.New(autherr.KindAuthenticationFailure, "credential tenant does not match login tenant"))
			return
		}
		userID = identity.UserID
	}

	loginURL, err := s.broker.LoginURL(r.Context(), tenant, userID, provider)
	if err != nil {
		autherr.WriteJSON(w, err)
		return
	}
	http.Redirect(w, r, loginURL, http.StatusFound)
}

func (s *server) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if tenant == "" || code == "" || state == "" {
		http.Error(w, "tenant, code and state are required", http.StatusBadRequest)
		return
	}
	provider := sso.ProviderType(r.PathValue("provider"))

	session, profile, err := s.broker.HandleCallback(r.Context(), tenant, provider, code, state)
	if err != nil {
		autherr.WriteJSON(w, err)
		return
	}

	subject := session.UserID
	if subject == "" {
		subject = profile.ProviderUserID
	}
	accessToken, claims, err := s.minter.Mint(subject, tenant, "user", profile.Email)
	if err != nil {
		logging.Error("failed to mint token after SSO callback", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": accessToken,
		"expires_at":   claims.ExpiresAt.Time,
		"session_id":   session.ID,
		"profile": map[string]string{
			"email":        profile.Email,
			"display_name": profile.DisplayName,
		},
	})
}

func (s *server) handleSAMLMetadata(w http.ResponseWriter, r *http.Request) {
	f, err := s.federators.get(r.Context(), r.PathValue("tenant"))
	if err != nil {
		autherr.WriteJSON(w, err)
		return
	}
	md, err := f.Metadata()
	if err != nil {
		logging.Error("failed to render SP metadata", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	_, _ = w.Write(md)
}

func (s *server) handleSAMLLogin(w http.ResponseWriter, r *http.Request) {
	f, err := s.federators.get(r.Context(), r.PathValue("tenant"))
	if err != nil {
		autherr.WriteJSON(w, err)
		return
	}
	loginURL, err := f.LoginURL(r.URL.Query().Get("relay_state"))
	if err != nil {
		logging.Error("failed to build SAML login URL", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, loginURL, http.StatusFound)
}

func (s *server) handleSAMLACS(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	f, err := s.federators.get(r.Context(), tenant)
	if err != nil {
		autherr.WriteJSON(w, err)
		return
	}

	profile, err := f.HandleCallback(r)
	if err != nil {
		autherr.WriteJSON(w, err)
		return
	}

	accessToken, claims, err := s.minter.Mint(profile.UserID, tenant, "user", profile.Email)
	if err != nil {
		logging.Error("failed to mint token after SAML login", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": accessToken,
		"expires_at":   claims.ExpiresAt.Time,
		"profile": map[string]any{
			"email":        profile.Email,
			"first_name":   profile.FirstName,
			"last_name":    profile.LastName,
			"display_name": profile.DisplayName,
			"groups":       profile.Groups,
		},
	})
}

func (s *server) handleSAMLLogout(w http.ResponseWriter, r *http.Request) {
	f, err := s.federators.get(r.Context(), r.PathValue("tenant"))
	if err != nil {
		autherr.WriteJSON(w, err)
		return
	}
	nameID := r.URL.Query().Get("name_id")
	if nameID == "" {
		http.Error(w, "name_id query parameter is required", http.StatusBadRequest)
		return
	}
	logoutURL, err := f.LogoutURL(nameID, r.URL.Query().Get("session_index"))
	if err != nil {
		logging.Error("failed to build SAML logout URL", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, logoutURL, http.StatusFound)
}

func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := authmw.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":   identity.UserID,
		"tenant_id": identity.TenantID,
		"role":      identity.Role,
	})
}

// handleLogout revokes the caller's own credential.
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity, ok := authmw.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if err := s.mw.Revoke(r.Context(), raw, identity.JTI, identity.TenantID, identity.UserID); err != nil {
		logging.Error("failed to revoke on logout", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireOpsToken guards operator endpoints with the bcrypt-hashed ops token.
func (s *server) requireOpsToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.OpsTokenHash == "" {
			http.Error(w, "operator API disabled", http.StatusNotFound)
			return
		}
		provided := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if provided == "" ||
			bcrypt.CompareHashAndPassword([]byte(s.cfg.OpsTokenHash), []byte(provided)) != nil {
			autherr.WriteJSON(w, autherr.New(autherr.KindAuthenticationFailure, "ops token rejected"))
			return
		}
		next(w, r)
	}
}

func (s *server) handleOpsRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		JTI      string `json:"jti"`
		TenantID string `json:"tenant_id"`
		UserID   string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Token == "" && req.JTI == "") {
		http.Error(w, "token or jti is required", http.StatusBadRequest)
		return
	}

	if err := s.mw.Revoke(r.Context(), req.Token, req.JTI, req.TenantID, req.UserID); err != nil {
		logging.Error("ops revoke failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleUpsertProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID     string `json:"tenant_id"`
		Type         string `json:"type"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		MetadataURL  string `json:"metadata_url"`
		Enabled      bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" || req.Type == "" {
		http.Error(w, "tenant_id and type are required", http.StatusBadRequest)
		return
	}

	encrypted := ""
	if req.ClientSecret != "" {
		var err error
		encrypted, err = s.broker.EncryptSecret(req.ClientSecret)
		if err != nil {
			logging.Error("failed to encrypt client secret", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	cfg := &sso.ProviderConfig{
		TenantID:              req.TenantID,
		Type:                  sso.ProviderType(req.Type),
		ClientID:              req.ClientID,
		EncryptedClientSecret: encrypted,
		MetadataURL:           req.MetadataURL,
		Enabled:               req.Enabled,
	}
	if err := s.store.SaveProviderConfig(r.Context(), cfg); err != nil {
		logging.Error("failed to save provider config", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": cfg.ID})
}

func (s *server) handlePatchProvider(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	provider := sso.ProviderType(r.PathValue("type"))

	var req struct {
		ClientID     *string `json:"client_id"`
		ClientSecret *string `json:"client_secret"`
		MetadataURL  *string `json:"metadata_url"`
		Enabled      *bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid patch body", http.StatusBadRequest)
		return
	}

	patch := sso.ProviderConfigPatch{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		MetadataURL:  req.MetadataURL,
		Enabled:      req.Enabled,
	}
	if err := s.store.PatchProviderConfig(r.Context(), tenant, provider, patch, s.broker.EncryptSecret); err != nil {
		autherr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// federatorRegistry lazily builds one Federator per tenant from its stored
// SAML provider configuration and the deployment's SP keypair.
type federatorRegistry struct {
	cfg     *config.Config
	store   *sso.Store
	auditor *audit.Publisher

	mu         sync.Mutex
	federators map[string]*saml.Federator
}

func newFederatorRegistry(cfg *config.Config, store *sso.Store, auditor *audit.Publisher) *federatorRegistry {
	return &federatorRegistry{
		cfg:        cfg,
		store:      store,
		auditor:    auditor,
		federators: make(map[string]*saml.Federator),
	}
}

func (reg *federatorRegistry) get(ctx context.Context, tenantID string) (*saml.Federator, error) {
	if tenantID == "" {
		return nil, autherr.New(autherr.KindProviderNotConfigured, "tenant query parameter is required")
	}

	reg.mu.Lock()
	if f, ok := reg.federators[tenantID]; ok {
		reg.mu.Unlock()
		return f, nil
	}
	reg.mu.Unlock()

	providerCfg, err := reg.store.GetProviderConfig(ctx, tenantID, sso.ProviderSAML)
	if err != nil {
		return nil, err
	}
	if reg.cfg.SAMLCertFile == "" || reg.cfg.SAMLKeyFile == "" {
		return nil, autherr.New(autherr.KindProviderNotConfigured, "SAML SP keypair not configured for this deployment")
	}
	certPEM, err := os.ReadFile(reg.cfg.SAMLCertFile)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindProviderNotConfigured, "failed to read SP certificate", err)
	}
	keyPEM, err := os.ReadFile(reg.cfg.SAMLKeyFile)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindProviderNotConfigured, "failed to read SP key", err)
	}

	buildCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	f, err := saml.NewFederator(buildCtx, saml.Config{
		ProviderID:       providerCfg.ID,
		TenantID:         tenantID,
		EntityID:         reg.cfg.ExternalURL + "/saml/" + tenantID + "/metadata",
		RootURL:          reg.cfg.ExternalURL,
		CertificatePEM:   certPEM,
		PrivateKeyPEM:    keyPEM,
		IDPMetadataURL:   providerCfg.MetadataURL,
		AttributeMapPath: reg.cfg.SAMLAttributeMap,
	}, reg.store, reg.auditor)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindProviderNotConfigured, "failed to build SAML service provider", err)
	}

	reg.mu.Lock()
	reg.federators[tenantID] = f
	reg.mu.Unlock()
	return f, nil
}
