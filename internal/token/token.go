// Package token mints and verifies the RS256 access tokens that carry the
// authenticated identity and tenant through the CRM backend.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/relaycrm/authcore/internal/autherr"
)

// Claims are the access-token claims. TenantID and Role ride alongside the
// registered claims; the jti (RegisteredClaims.ID) keys revocation and usage
// state.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tid"`
	Role     string `json:"role,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Config holds issuance and verification settings.
type Config struct {
	Issuer   string
	Audience string
	TTL      time.Duration
}

// Minter issues access tokens for identities resolved by the SSO broker and
// SAML federator.
type Minter struct {
	cfg  Config
	keys *KeyManager
}

// NewMinter creates a Minter.
func NewMinter(cfg Config, keys *KeyManager) *Minter {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Minter{cfg: cfg, keys: keys}
}

// Mint signs a fresh access token. Each issuance gets a unique jti.
func (m *Minter) Mint(subject, tenantID, role, email string) (string, *Claims, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{m.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TTL)),
			ID:        uuid.New().String(),
		},
		TenantID: tenantID,
		Role:     role,
		Email:    email,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = m.keys.KID()

	signed, err := tok.SignedString(m.keys.PrivateKey())
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims, nil
}

// Verifier validates access tokens. All verification failures collapse into
// KindAuthenticationFailure so the caller cannot build a verification oracle
// from the error.
type Verifier struct {
	cfg  Config
	keys *KeyManager
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg Config, keys *KeyManager) *Verifier {
	return &Verifier{cfg: cfg, keys: keys}
}

// Verify checks the signature, expiry, issuer, audience and subject of a
// token and returns its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return v.keys.PublicKey(), nil
	})
	if err != nil {
		return nil, autherr.Wrap(autherr.KindAuthenticationFailure, "token verification failed", err)
	}
	if !tok.Valid {
		return nil, autherr.New(autherr.KindAuthenticationFailure, "invalid token")
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok {
		return nil, autherr.New(autherr.KindAuthenticationFailure, "invalid claims type")
	}
	if claims.Issuer != v.cfg.Issuer {
		return nil, autherr.New(autherr.KindAuthenticationFailure, "issuer mismatch")
	}
	if !audienceContains(claims.Audience, v.cfg.Audience) {
		return nil, autherr.New(autherr.KindAuthenticationFailure, "audience mismatch")
	}
	if claims.Subject == "" {
		return nil, autherr.New(autherr.KindAuthenticationFailure, "missing subject")
	}
	if claims.TenantID == "" {
		return nil, autherr.New(autherr.KindAuthenticationFailure, "missing tenant")
	}
	return claims, nil
}

func audienceContains(values jwt.ClaimStrings, target string) bool {
	for _, val := range values {
		if val == target {
			return true
		}
	}
	return false
}
