// Package authmw is the validating middleware at the trust boundary of the
// CRM backend. It parses the bearer credential, verifies it, consults the
// revocation store and usage tracker, and attaches the verified identity to
// the request context. Per request it moves through
// NoHeader -> Malformed -> Verified -> {RevokedRejected | AnomalyLogged | Accepted}.
package authmw

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/relaycrm/authcore/internal/audit"
	"github.com/relaycrm/authcore/internal/autherr"
	"github.com/relaycrm/authcore/internal/logging"
	"github.com/relaycrm/authcore/internal/revocation"
	"github.com/relaycrm/authcore/internal/token"
	"github.com/relaycrm/authcore/internal/usage"
)

type contextKey string

const identityContextKey contextKey = "authcore.identity"

// Response headers carrying the resolved identity for downstream log
// correlation. Changing these breaks existing observability tooling.
const (
	HeaderUserID   = "X-Auth-User-ID"
	HeaderTenantID = "X-Auth-Tenant-ID"
)

// Identity is the verified identity attached to the request context.
// Downstream code must treat it as read-only for the request's duration.
type Identity struct {
	UserID   string
	TenantID string
	Role     string
	JTI      string
}

// TokenVerifier verifies a bearer credential into claims.
type TokenVerifier interface {
	Verify(tokenString string) (*token.Claims, error)
}

// Middleware validates bearer tokens on every request.
type Middleware struct {
	verifier    TokenVerifier
	revocations revocation.Store
	tracker     usage.Tracker
	auditor     *audit.Publisher
}

// New creates the middleware. All collaborators are injected; the middleware
// owns none of their lifecycles.
func New(verifier TokenVerifier, revocations revocation.Store, tracker usage.Tracker, auditor *audit.Publisher) *Middleware {
	return &Middleware{
		verifier:    verifier,
		revocations: revocations,
		tracker:     tracker,
		auditor:     auditor,
	}
}

// Handler wraps next with bearer-token validation.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.Authenticate(r)
		if err != nil {
			autherr.WriteJSON(w, err)
			return
		}

		w.Header().Set(HeaderUserID, identity.UserID)
		w.Header().Set(HeaderTenantID, identity.TenantID)

		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate runs the full validation sequence for a request and returns
// the verified identity. The revocation and verification checks happen
// before any usage recording; a missing header never reaches a store.
func (m *Middleware) Authenticate(r *http.Request) (*Identity, error) {
	tokenString := extractBearerToken(r)
	if tokenString == "" {
		return nil, autherr.New(autherr.KindAuthenticationFailure, "missing or malformed Authorization header")
	}

	claims, err := m.verifier.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	revoked, err := m.revocations.IsRevoked(r.Context(), tokenString, claims.ID)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindAuthenticationFailure, "revocation check failed", err)
	}
	if revoked {
		// Distinguished internally; the client sees the same 401 as any
		// other authentication failure.
		logging.Info("rejected revoked token",
			zap.String("jti", claims.ID),
			zap.String("tenant_id", claims.TenantID),
		)
		return nil, autherr.New(autherr.KindTokenRevoked, "token revoked")
	}

	m.tracker.Record(claims.ID, clientIP(r), r.UserAgent())
	if s := m.tracker.Evaluate(claims.ID); s.Suspicious {
		// Fail-open: warn and audit, but accept the request. Auto-revoking
		// on heuristics alone would let an attacker lock out the victim.
		logging.Warn("suspicious token usage",
			zap.String("jti", claims.ID),
			zap.String("tenant_id", claims.TenantID),
			zap.String("reason", s.Reason),
			zap.Int("distinct_ips", s.DistinctIPs),
			zap.Int("distinct_user_agents", s.DistinctAgents),
			zap.Float64("requests_per_minute", s.RequestsPerMinute),
		)
		m.auditor.Publish(r.Context(), audit.Event{
			Type:     audit.EventSuspiciousToken,
			TenantID: claims.TenantID,
			UserID:   claims.Subject,
			JTI:      claims.ID,
			Details: map[string]string{
				"reason":               s.Reason,
				"distinct_ips":         strconv.Itoa(s.DistinctIPs),
				"distinct_user_agents": strconv.Itoa(s.DistinctAgents),
			},
		})
	}

	return &Identity{
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		Role:     claims.Role,
		JTI:      claims.ID,
	}, nil
}

// Revoke marks a credential unusable and emits an audit event. Used by the
// logout and ops endpoints.
func (m *Middleware) Revoke(ctx context.Context, tokenString, jti, tenantID, userID string) error {
	if err := m.revocations.Add(ctx, tokenString, jti, 0); err != nil {
		return err
	}
	m.auditor.Publish(ctx, audit.Event{
		Type:     audit.EventTokenRevoked,
		TenantID: tenantID,
		UserID:   userID,
		JTI:      jti,
	})
	return nil
}

// IdentityFromContext extracts the verified identity set by Handler.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	return identity, ok
}

// extractBearerToken returns the credential from a well-formed
// "Authorization: Bearer <token>" header, or "".
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return ""
	}
	return parts[1]
}

// clientIP resolves the originating IP, preferring the first entry of
// X-Forwarded-For when a proxy sits in front.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
