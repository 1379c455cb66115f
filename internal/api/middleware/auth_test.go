package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/orrn/printfleet/internal/config"
)

func newRouter(t *testing.T, cfg config.AuthConfig) (*gin.Engine, *Auth) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a, err := NewAuth(cfg, nil)
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	r := gin.New()
	api := r.Group("/api/v1")
	a.RegisterRoutes(api)
	protected := api.Group("", a.RequireAuth())
	protected.GET("/secret", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	return r, a
}

func login(t *testing.T, r *gin.Engine, password string) (*httptest.ResponseRecorder, LoginResponse) {
	t.Helper()
	body, _ := json.Marshal(LoginRequest{Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var resp LoginResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func get(r *gin.Engine, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLoginIssuesUsableToken(t *testing.T) {
	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	r, _ := newRouter(t, config.AuthConfig{PasswordHash: hash, JWTSecret: "0123456789abcdef0123456789abcdef"})

	if w := get(r, "/api/v1/secret", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w, resp := login(t, r, "wrong-password")
	if w.Code != http.StatusUnauthorized || resp.Success {
		t.Fatalf("expected rejected login, got %d %+v", w.Code, resp)
	}

	w, resp = login(t, r, "hunter22")
	if w.Code != http.StatusOK || resp.Token == "" {
		t.Fatalf("expected token, got %d %+v", w.Code, resp)
	}
	if len(w.Result().Cookies()) == 0 {
		t.Fatalf("expected session cookie")
	}

	if w := get(r, "/api/v1/secret", resp.Token); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}

	var status StatusResponse
	w = get(r, "/api/v1/auth/status", resp.Token)
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Enabled || !status.Authenticated {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestRejectsForeignAndExpiredTokens(t *testing.T) {
	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	r, a := newRouter(t, config.AuthConfig{PasswordHash: hash})

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Authenticated:    true,
	})
	signed, err := foreign.SignedString([]byte("some-other-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if w := get(r, "/api/v1/secret", signed); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign token, got %d", w.Code)
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
		Authenticated:    true,
	})
	signed, err = expired.SignedString(a.secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if w := get(r, "/api/v1/secret", signed); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", w.Code)
	}
}

func TestDisabledAuthPassesThrough(t *testing.T) {
	r, a := newRouter(t, config.AuthConfig{})
	if a.Enabled() {
		t.Fatalf("auth should be disabled without a hash")
	}
	if w := get(r, "/api/v1/secret", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d", w.Code)
	}
}

func TestHashPasswordRejectsShortPasswords(t *testing.T) {
	if _, err := HashPassword("abc"); err == nil {
		t.Fatalf("expected error for short password")
	}
}
