package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/sims/sims/internal/config"
	"github.com/sims/sims/internal/platform/auth"
	"github.com/sims/sims/internal/platform/cache"
)

// ---------------------------------------------------------------------------
// outputPath
// ---------------------------------------------------------------------------

func TestOutputPath_Default(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if got := outputPath("", "PDF", now); got != "visits-2026-03-02.pdf" {
		t.Errorf("outputPath = %q, want %q", got, "visits-2026-03-02.pdf")
	}
}

func TestOutputPath_Directory(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	want := filepath.Join(dir, "visits-2026-03-02.xlsx")
	if got := outputPath(dir, "xlsx", now); got != want {
		t.Errorf("outputPath = %q, want %q", got, want)
	}
}

func TestOutputPath_ExplicitFile(t *testing.T) {
	if got := outputPath("/tmp/term1.csv", "csv", time.Now()); got != "/tmp/term1.csv" {
		t.Errorf("outputPath = %q, want /tmp/term1.csv", got)
	}
}

// ---------------------------------------------------------------------------
// identityConfig
// ---------------------------------------------------------------------------

func TestIdentityConfig_Disabled(t *testing.T) {
	if _, ok := identityConfig(&config.Config{AuthIssuer: "https://idp/realms/school"}); ok {
		t.Error("expected user management to be disabled without IDP_ADMIN_URL")
	}
}

func TestIdentityConfig_DerivesTokenURL(t *testing.T) {
	cfg := &config.Config{
		AuthIssuer:      "https://idp/realms/school/",
		AuthClientID:    "sims-api",
		IDPAdminURL:     "https://idp/admin/realms/school",
		IDPClientSecret: "s3cret",
	}
	got, ok := identityConfig(cfg)
	if !ok {
		t.Fatal("expected user management to be enabled")
	}
	if got.TokenURL != "https://idp/realms/school/protocol/openid-connect/token" {
		t.Errorf("TokenURL = %q", got.TokenURL)
	}
	if got.ClientID != "sims-api" || got.ClientSecret != "s3cret" {
		t.Errorf("unexpected client credentials: %+v", got)
	}
}

// ---------------------------------------------------------------------------
// newCache
// ---------------------------------------------------------------------------

func TestNewCache_MemoryWithoutRedis(t *testing.T) {
	c, closeFn, err := newCache(context.Background(), "", zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeFn()
	if _, ok := c.(*cache.Memory); !ok {
		t.Errorf("expected *cache.Memory, got %T", c)
	}
}

func TestNewCache_BadRedisURL(t *testing.T) {
	_, closeFn, err := newCache(context.Background(), "not-a-url", zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for malformed REDIS_URL")
	}
	closeFn()
}

// ---------------------------------------------------------------------------
// newEcho
// ---------------------------------------------------------------------------

func TestNewEcho_DevelopmentSessionAndHeaders(t *testing.T) {
	cfg := &config.Config{Env: "development", CORSOrigins: []string{"http://localhost:3000"}}
	e := newEcho(cfg, zerolog.Nop(), nil)
	e.GET("/api/whoami", func(c echo.Context) error {
		s := auth.SessionFromContext(c.Request().Context())
		if s == nil {
			return c.NoContent(http.StatusUnauthorized)
		}
		return c.String(http.StatusOK, strings.Join(s.Roles, ","))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), auth.RoleAdmin) {
		t.Errorf("expected dev session with admin role, got %q", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestNewEcho_ExternalAuthRejectsAnonymous(t *testing.T) {
	cfg := &config.Config{Env: "staging", AuthIssuer: "https://idp.invalid/realms/school", AuthJWKSURL: "https://idp.invalid/certs"}
	e := newEcho(cfg, zerolog.Nop(), nil)
	e.GET("/api/medications", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/medications", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected /health to be public, got %d", rec.Code)
	}
}
