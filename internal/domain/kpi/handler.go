package kpi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pdcare/pdcare/internal/domain/patient"
	"github.com/pdcare/pdcare/internal/platform/auth"
	"github.com/pdcare/pdcare/internal/platform/db"
	"github.com/pdcare/pdcare/internal/platform/reporting"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse
	readGroup := api.Group("/kpi", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	readGroup.GET("/dashboard", h.Dashboard)
	readGroup.GET("/peritonitis-rate", h.PeritonitisRate)
	readGroup.GET("/clinic", h.ClinicSummary)
	readGroup.GET("/risk", h.Risk)

	// Exports – admin, physician
	exportGroup := api.Group("/kpi", auth.RequireRole(auth.RolePhysician))
	exportGroup.GET("/export.xlsx", h.Export)
}

func (h *Handler) Dashboard(c echo.Context) error {
	d, err := h.svc.Dashboard(c.Request().Context())
	if err != nil {
		return patient.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) PeritonitisRate(c echo.Context) error {
	r, err := h.svc.PeritonitisRate(c.Request().Context())
	if err != nil {
		return patient.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ClinicSummary(c echo.Context) error {
	s, err := h.svc.ClinicSummary(c.Request().Context())
	if err != nil {
		return patient.HTTPError(err)
	}
	return c.JSON(http.StatusOK, s)
}

// Risk returns the ranking; ?limit defaults to DashboardTopRisk and 0 means
// every patient.
func (h *Handler) Risk(c echo.Context) error {
	limit := DashboardTopRisk
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	entries, err := h.svc.Risk(c.Request().Context(), limit)
	if err != nil {
		return patient.HTTPError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) Export(c echo.Context) error {
	ctx := c.Request().Context()
	data, err := h.svc.ExportRoster(ctx)
	if err != nil {
		return patient.HTTPError(err)
	}
	name := "pd-roster.xlsx"
	if clinicID := db.ClinicFromContext(ctx); clinicID != "" {
		name = fmt.Sprintf("pd-roster-%s.xlsx", clinicID)
	}
	return reporting.Attachment(c, name, data)
}
