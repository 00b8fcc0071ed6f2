// Package auth extracts the tenant identity from bearer tokens. The core
// never sees a request without a tenant: every store call downstream is
// keyed by the value produced here.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid bearer token")
	ErrMissingTenant = errors.New("token has no tenant claim")
)

// TenantExtractor validates JWT bearer tokens and pulls the tenant claim.
// With an empty secret (local development) it falls back to the
// X-Tenant-ID header instead of validating tokens.
type TenantExtractor struct {
	secret      []byte
	tenantClaim string
}

func NewTenantExtractor(secret, tenantClaim string) *TenantExtractor {
	if tenantClaim == "" {
		tenantClaim = "tenant_id"
	}
	return &TenantExtractor{secret: []byte(secret), tenantClaim: tenantClaim}
}

// TenantFromRequest resolves the tenant for an incoming request.
func (e *TenantExtractor) TenantFromRequest(r *http.Request) (string, error) {
	if len(e.secret) == 0 {
		if v := r.Header.Get("X-Tenant-ID"); v != "" {
			return v, nil
		}
		return "", ErrMissingToken
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", ErrMissingToken
	}
	return e.TenantFromToken(raw)
}

// TenantFromToken validates raw and returns its tenant claim.
func (e *TenantExtractor) TenantFromToken(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return e.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	tenant, ok := claims[e.tenantClaim].(string)
	if !ok || tenant == "" {
		return "", ErrMissingTenant
	}
	return tenant, nil
}
