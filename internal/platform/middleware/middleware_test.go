package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/pdcare/pdcare/internal/platform/auth"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequestID()(func(c echo.Context) error {
		if rid, _ := c.Get("request_id").(string); rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	})

	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequestID()(func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	})
	h(c)

	if got := rec.Header().Get(RequestIDHeader); got != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", got)
	}
}

func TestRequestID_ReplacesOversizedID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	RequestID()(func(c echo.Context) error { return nil })(c)

	if got := rec.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Errorf("expected a generated uuid, got %q", got)
	}
}

func TestLogger_LogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-1")

	h := Logger(logger)(func(c echo.Context) error {
		c.Set("clinic_id", "north")
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["request_id"] != "req-1" || line["path"] != "/api/v1/patients" || line["message"] != "request" {
		t.Errorf("unexpected log line: %v", line)
	}
	if line["status"] != float64(200) {
		t.Errorf("expected status 200, got %v", line["status"])
	}
	if line["clinic_id"] != "north" {
		t.Errorf("expected clinic_id north, got %v", line["clinic_id"])
	}
	if line["bytes_out"] != float64(2) {
		t.Errorf("expected bytes_out 2, got %v", line["bytes_out"])
	}
}

func TestLogger_UsesHTTPErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/x", nil), httptest.NewRecorder())

	h := Logger(logger)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	})
	h(c)

	if !strings.Contains(buf.String(), `"status":404`) || !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Errorf("expected warn line with 404, got %s", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/panic", nil), httptest.NewRecorder())

	h := Recovery(logger)(func(c echo.Context) error {
		panic("test panic")
	})
	err := h(c)

	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Error("expected panic to be logged")
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())

	h := Recovery(zerolog.Nop())(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAudit_RecordsPatientAccess(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	pid := "0b6a7d3e-4d6f-4a58-9a52-5e3b9f0c1a11"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients/"+pid+"/exchanges", nil)
	ctx := context.WithValue(req.Context(), auth.UserIDKey, "nurse-1")
	ctx = context.WithValue(ctx, auth.UserRolesKey, []string{"nurse"})
	req = req.WithContext(ctx)
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "req-123")
	c.Set("clinic_id", "north")

	var got []AuditEntry
	rec := AuditRecorderFunc(func(entry AuditEntry) error {
		got = append(got, entry)
		return nil
	})

	h := Audit(logger, rec)(func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(got))
	}
	entry := got[0]
	if entry.PatientID != pid {
		t.Errorf("expected patient id %s, got %s", pid, entry.PatientID)
	}
	if entry.Resource != "exchanges" || entry.Action != "create" {
		t.Errorf("unexpected resource/action %s/%s", entry.Resource, entry.Action)
	}
	if entry.UserID != "nurse-1" || entry.ClinicID != "north" || entry.StatusCode != http.StatusCreated {
		t.Errorf("unexpected entry %+v", entry)
	}
	if !strings.Contains(buf.String(), "phi_access") {
		t.Error("expected phi_access log line")
	}
}

func TestAudit_SkipsNonAPIPaths(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())

	h := Audit(zerolog.New(&buf))(func(c echo.Context) error { return nil })
	h(c)

	if buf.Len() != 0 {
		t.Errorf("expected no audit output, got %s", buf.String())
	}
}

func TestResourceFromPath(t *testing.T) {
	tests := map[string]string{
		"/api/v1/patients":                "patients",
		"/api/v1/patients/abc":            "patients",
		"/api/v1/patients/abc/labs/trend": "labs",
		"/api/v1/kpi/dashboard":           "kpi",
		"/api/v1/":                        "unknown",
	}
	for path, want := range tests {
		if got := resourceFromPath(path); got != want {
			t.Errorf("resourceFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil), rec)

	SecurityHeaders()(func(c echo.Context) error { return nil })(c)

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected nosniff")
	}
	if rec.Header().Get("Content-Security-Policy") != "default-src 'none'; frame-ancestors 'none'" {
		t.Errorf("unexpected CSP %q", rec.Header().Get("Content-Security-Policy"))
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/patients/x/labs/trend", nil), rec)
	SecurityHeaders()(func(c echo.Context) error { return nil })(c)
	if !strings.Contains(rec.Header().Get("Content-Security-Policy"), "script-src") {
		t.Error("expected chart CSP on trend page")
	}
}

func TestRateLimit_RejectsAfterBurst(t *testing.T) {
	e := echo.New()
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})
	h := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	do := func() (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		return rec, h(e.NewContext(req, rec))
	}

	for i := 0; i < 2; i++ {
		if _, err := do(); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}
	rec, err := do()
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_SeparateClients(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(func(c echo.Context) error { return nil })

	for _, ip := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip
		if err := h(e.NewContext(req, httptest.NewRecorder())); err != nil {
			t.Errorf("client %s should not be limited: %v", ip, err)
		}
	}
}

func TestLimiterStore_Sweep(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	store.get("a")

	now = now.Add(2 * time.Minute)
	store.get("b")

	if removed := store.sweep(); removed != 1 {
		t.Errorf("expected 1 idle limiter removed, got %d", removed)
	}
	if _, ok := store.visitors["b"]; !ok {
		t.Error("expected recent limiter to survive")
	}
}
