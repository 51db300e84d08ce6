package main

import (
	"bytes"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/occhealth/ohs/internal/config"
	"github.com/occhealth/ohs/internal/platform/auth"
	"github.com/occhealth/ohs/internal/platform/db"
	"github.com/occhealth/ohs/internal/platform/metrics"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"loud":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTargetSchema(t *testing.T) {
	if got := targetSchema("tenant_x", "ohs"); got != "tenant_x" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := targetSchema("", "ohs"); got != "ohs" {
		t.Errorf("configured schema should be used, got %q", got)
	}
	if got := targetSchema("", ""); got != "public" {
		t.Errorf("expected public fallback, got %q", got)
	}
}

func TestMigrationSource_Embedded(t *testing.T) {
	files, err := fs.Glob(migrationSource(""), "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected embedded migrations")
	}
}

func TestMigrationSource_Directory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_only.sql"), []byte("SELECT 1;"), 0o600); err != nil {
		t.Fatal(err)
	}
	migs, err := db.NewMigrator(nil, migrationSource(dir)).LoadMigrations()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(migs) != 1 || migs[0].Version != 1 {
		t.Errorf("expected the single file from dir, got %+v", migs)
	}
}

func TestWriteStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	writeStatus(&buf, "ohs", []db.MigrationStatus{
		{Version: 1, Name: "surveillance_schema", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "fitness_respirator", Applied: true, AppliedAt: &at, Drifted: true},
		{Version: 3, Name: "next", Applied: false},
	})
	out := buf.String()

	for _, want := range []string{
		"Migration status for schema: ohs",
		"surveillance_schema",
		"2026-03-01 09:30:00",
		"drifted",
		"pending",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "migrate", "allocate"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("expected subcommand %q, got %v (err %v)", name, cmd, err)
		}
	}
	for _, name := range []string{"up", "status", "down"} {
		cmd, _, err := root.Find([]string{"migrate", name})
		if err != nil || cmd.Name() != name {
			t.Errorf("expected migrate %s, err %v", name, err)
		}
	}
}

func testServerConfig() *config.Config {
	return &config.Config{
		Env:            "development",
		CORSOrigins:    []string{"http://localhost:3000"},
		RequestTimeout: 5 * time.Second,
		RateLimitRPS:   100,
		RateLimitBurst: 200,
	}
}

func TestNewEcho_HealthAndMetrics(t *testing.T) {
	m := metrics.NewCollector("ohs_cmd_test")
	e := newEcho(testServerConfig(), zerolog.Nop(), m)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), version) {
		t.Errorf("expected version in health body, got %s", rec.Body.String())
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("expected a request id header")
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ohs_cmd_test_http_requests_total") {
		t.Errorf("expected request counter in metrics output")
	}
}

func TestAPIAuth(t *testing.T) {
	ok := func(c echo.Context) error {
		return c.String(http.StatusOK, auth.UserIDFromContext(c.Request().Context()))
	}

	t.Run("development", func(t *testing.T) {
		cfg := testServerConfig()
		e := echo.New()
		e.GET("/api/v1/ping", ok, apiAuth(cfg))

		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if rec.Body.String() != "dev-user" {
			t.Errorf("expected dev-user, got %q", rec.Body.String())
		}
	})

	t.Run("jwt", func(t *testing.T) {
		cfg := testServerConfig()
		cfg.Env = "production"
		cfg.AuthSigningKey = strings.Repeat("s", 32)
		e := echo.New()
		e.GET("/api/v1/ping", ok, apiAuth(cfg))

		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401 without a token, got %d", rec.Code)
		}
	})
}

func TestAPIGroup_AuditsRejectedRequests(t *testing.T) {
	cfg := testServerConfig()
	cfg.Env = "production"
	cfg.AuthSigningKey = strings.Repeat("s", 32)

	var buf bytes.Buffer
	e := echo.New()
	api := apiGroup(e, cfg, zerolog.New(&buf))
	api.GET("/surveillance/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/surveillance/12", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
	out := buf.String()
	for _, want := range []string{`"type":"audit"`, `"surveillance_id":"12"`, `"status":401`} {
		if !strings.Contains(out, want) {
			t.Errorf("audit log missing %s: %s", want, out)
		}
	}
}

func TestIsOperationalPath(t *testing.T) {
	for _, p := range []string{"/health", "/health/db", "/metrics"} {
		if !isOperationalPath(p) {
			t.Errorf("%s should skip rate limiting", p)
		}
	}
	if isOperationalPath("/api/v1/surveillance/1") {
		t.Error("api paths must be rate limited")
	}
}
