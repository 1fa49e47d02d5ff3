package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(subject string, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: roles,
	}
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, authHeader string, next echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/records", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	return mw(next)(c)
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "", okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tt.header, okHandler)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-456", RoleClinician, RoleViewer), testSigningKey)

	var called bool
	err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr, func(c echo.Context) error {
		called = true
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "user-456" {
			t.Errorf("expected user_id=user-456, got %s", uid)
		}
		roles := RolesFromContext(ctx)
		if len(roles) != 2 || roles[0] != RoleClinician || roles[1] != RoleViewer {
			t.Errorf("expected roles=[clinician viewer], got %v", roles)
		}
		return c.String(http.StatusOK, "ok")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims("user-123")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))
	tokenStr := createTestToken(t, claims, testSigningKey)

	err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr, okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-123"), []byte("some-other-key"))

	err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr, okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_IssuerAndAudience(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.example", Audience: "medrec"}

	good := validClaims("user-1")
	good.Issuer = "https://idp.example"
	good.Audience = jwt.ClaimStrings{"medrec"}
	if err := runMiddleware(t, JWTMiddleware(cfg), "Bearer "+createTestToken(t, good, testSigningKey), okHandler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wrongIss := good
	wrongIss.Issuer = "https://evil.example"
	err := runMiddleware(t, JWTMiddleware(cfg), "Bearer "+createTestToken(t, wrongIss, testSigningKey), okHandler)
	expectStatus(t, err, http.StatusUnauthorized)

	wrongAud := good
	wrongAud.Audience = jwt.ClaimStrings{"billing"}
	err = runMiddleware(t, JWTMiddleware(cfg), "Bearer "+createTestToken(t, wrongAud, testSigningKey), okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: func(echo.Context) bool { return true }}
	if err := runMiddleware(t, JWTMiddleware(cfg), "", okHandler); err != nil {
		t.Fatalf("expected skipped request to pass, got %v", err)
	}
}

func TestDevAuthMiddleware_NoToken(t *testing.T) {
	var called bool
	err := runMiddleware(t, DevAuthMiddleware(nil), "", func(c echo.Context) error {
		called = true
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "dev-user" {
			t.Errorf("expected user_id=dev-user, got %s", uid)
		}
		roles := RolesFromContext(ctx)
		if len(roles) != 1 || roles[0] != RoleAdmin {
			t.Errorf("expected roles=[admin], got %v", roles)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}

func TestDevAuthMiddleware_VerifiesProvidedToken(t *testing.T) {
	verify := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})

	err := runMiddleware(t, DevAuthMiddleware(verify), "Bearer garbage", okHandler)
	expectStatus(t, err, http.StatusUnauthorized)

	tokenStr := createTestToken(t, validClaims("user-9", RoleViewer), testSigningKey)
	err = runMiddleware(t, DevAuthMiddleware(verify), "Bearer "+tokenStr, func(c echo.Context) error {
		if uid := UserIDFromContext(c.Request().Context()); uid != "user-9" {
			t.Errorf("expected user_id=user-9, got %s", uid)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	// n = 0x01 0x00 0x01 (65537 as modulus bytes), e = 65537
	key, err := parseRSAPublicKey(JWKSKey{Kty: "RSA", N: "AQAB", E: "AQAB"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.E != 65537 {
		t.Errorf("expected exponent 65537, got %d", key.E)
	}
	if key.N.Int64() != 65537 {
		t.Errorf("expected modulus 65537, got %d", key.N.Int64())
	}

	if _, err := parseRSAPublicKey(JWKSKey{Kty: "RSA", N: "!!", E: "AQAB"}); err == nil {
		t.Error("expected error for malformed modulus")
	}
}
