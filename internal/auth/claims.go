package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessClaims is the subset of access token claims the client inspects.
// Tokens are parsed without verification; the backend remains the
// authority and the client holds no signing keys.
type accessClaims struct {
	TenantID string `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

func parseClaims(token string) (*accessClaims, bool) {
	claims := &accessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// tokenTenant returns the tenant a JWT access token is scoped to, if any
func tokenTenant(token string) (string, bool) {
	claims, ok := parseClaims(token)
	if !ok || claims.TenantID == "" {
		return "", false
	}
	return claims.TenantID, true
}

// tokenExpired reports whether token is a JWT whose exp has passed.
// Opaque tokens are never considered expired.
func tokenExpired(token string, now time.Time) bool {
	claims, ok := parseClaims(token)
	if !ok || claims.ExpiresAt == nil {
		return false
	}
	return !claims.ExpiresAt.After(now)
}
