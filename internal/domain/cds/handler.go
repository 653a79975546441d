package cds

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pdcare/pdcare/internal/domain/patient"
	"github.com/pdcare/pdcare/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse
	readGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	readGroup.GET("/patients/:id/alerts", h.PatientAlerts)
	readGroup.GET("/alerts", h.RosterAlerts)
}

func (h *Handler) PatientAlerts(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ev, err := h.svc.EvaluatePatient(c.Request().Context(), id)
	if err != nil {
		return patient.HTTPError(err)
	}
	return c.JSON(http.StatusOK, ev)
}

// RosterAlerts evaluates the whole clinic. With ?alerting=true only patients
// that have at least one alert are returned; ?severity narrows to patients
// with an alert of that severity.
func (h *Handler) RosterAlerts(c echo.Context) error {
	alerting := false
	if v := c.QueryParam("alerting"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "alerting must be a boolean")
		}
		alerting = b
	}
	severity := Severity(c.QueryParam("severity"))
	if severity != "" && severity != SeverityCritical && severity != SeverityWarning {
		return echo.NewHTTPError(http.StatusBadRequest, "severity must be critical or warning")
	}

	evs, err := h.svc.EvaluateRoster(c.Request().Context())
	if err != nil {
		return patient.HTTPError(err)
	}

	out := make([]Evaluation, 0, len(evs))
	for _, ev := range evs {
		if alerting && len(ev.Alerts) == 0 {
			continue
		}
		if severity != "" && !hasSeverity(ev.Alerts, severity) {
			continue
		}
		out = append(out, ev)
	}
	return c.JSON(http.StatusOK, out)
}

func hasSeverity(alerts []Alert, s Severity) bool {
	for _, a := range alerts {
		if a.Severity == s {
			return true
		}
	}
	return false
}
