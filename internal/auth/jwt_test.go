package auth

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func TestTenantFromToken(t *testing.T) {
	e := NewTenantExtractor("s3cret", "tenant_id")

	raw := signToken(t, "s3cret", jwt.MapClaims{"tenant_id": "acme"})
	tenant, err := e.TenantFromToken(raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if tenant != "acme" {
		t.Errorf("tenant = %q, want acme", tenant)
	}
}

func TestTenantFromTokenWrongSecret(t *testing.T) {
	e := NewTenantExtractor("s3cret", "tenant_id")
	raw := signToken(t, "other-secret", jwt.MapClaims{"tenant_id": "acme"})
	if _, err := e.TenantFromToken(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestTenantFromTokenMissingClaim(t *testing.T) {
	e := NewTenantExtractor("s3cret", "tenant_id")
	raw := signToken(t, "s3cret", jwt.MapClaims{"sub": "someone"})
	if _, err := e.TenantFromToken(raw); !errors.Is(err, ErrMissingTenant) {
		t.Fatalf("err = %v, want ErrMissingTenant", err)
	}
}

func TestTenantFromRequest(t *testing.T) {
	e := NewTenantExtractor("s3cret", "org")
	raw := signToken(t, "s3cret", jwt.MapClaims{"org": "acme"})

	req := httptest.NewRequest("GET", "/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	tenant, err := e.TenantFromRequest(req)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if tenant != "acme" {
		t.Errorf("tenant = %q, want acme", tenant)
	}

	bare := httptest.NewRequest("GET", "/jobs", nil)
	if _, err := e.TenantFromRequest(bare); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("missing header err = %v", err)
	}
}

func TestHeaderFallbackWithoutSecret(t *testing.T) {
	e := NewTenantExtractor("", "")

	req := httptest.NewRequest("GET", "/jobs", nil)
	req.Header.Set("X-Tenant-ID", "acme")
	tenant, err := e.TenantFromRequest(req)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if tenant != "acme" {
		t.Errorf("tenant = %q, want acme", tenant)
	}

	bare := httptest.NewRequest("GET", "/jobs", nil)
	if _, err := e.TenantFromRequest(bare); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("missing header err = %v", err)
	}
}
