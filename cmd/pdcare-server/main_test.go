package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
)

func denyAll(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
	}
}

func TestSkipPublic(t *testing.T) {
	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/health/db", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/patients", http.StatusServiceUnavailable},
		{"/ws", http.StatusServiceUnavailable},
	}

	e := echo.New()
	h := skipPublic(denyAll)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			c := e.NewContext(httptest.NewRequest(http.MethodGet, tt.path, nil), httptest.NewRecorder())
			err := h(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			if status != tt.want {
				t.Errorf("%s: expected %d, got %d", tt.path, tt.want, status)
			}
		})
	}
}

func subcommands(cmd *cobra.Command) map[string]*cobra.Command {
	out := make(map[string]*cobra.Command)
	for _, c := range cmd.Commands() {
		out[c.Name()] = c
	}
	return out
}

func TestCommandTree(t *testing.T) {
	migrate := subcommands(migrateCmd())
	for _, name := range []string{"up", "status", "down"} {
		c, ok := migrate[name]
		if !ok {
			t.Fatalf("migrate %s missing", name)
		}
		if c.Flags().Lookup("schema") == nil || c.Flags().Lookup("dir") == nil {
			t.Errorf("migrate %s should take --schema and --dir", name)
		}
	}
	if f := migrate["up"].Flags().Lookup("schema"); f.DefValue != "clinic_default" {
		t.Errorf("expected default schema clinic_default, got %s", f.DefValue)
	}
	if migrate["down"].Flags().Lookup("steps") == nil {
		t.Error("migrate down should take --steps")
	}

	clinic := subcommands(clinicCmd())
	if _, ok := clinic["create"]; !ok {
		t.Error("clinic create missing")
	}
	if _, ok := clinic["list"]; !ok {
		t.Error("clinic list missing")
	}

	roster, ok := subcommands(exportCmd())["roster"]
	if !ok {
		t.Fatal("export roster missing")
	}
	for _, flag := range []string{"clinic", "out"} {
		if roster.Flags().Lookup(flag) == nil {
			t.Errorf("export roster should take --%s", flag)
		}
	}
}

func TestNewLogger_NilConfig(t *testing.T) {
	logger := newLogger(nil)
	logger.Info().Msg("logger without config")
}
