package pet

import (
	"errors"
	"net/http"
	"time"

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
	g := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	g.POST("/pet/calculate", h.Calculate)
	g.POST("/patients/:id/pet", h.Record)
}

// Calculate evaluates a PET without storing anything.
func (h *Handler) Calculate(c echo.Context) error {
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := Calculate(in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

type recordRequest struct {
	Input
	PerformedAt time.Time `json:"performed_at"`
}

// Record evaluates a PET and files the results on the patient's labs.
func (h *Handler) Record(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req recordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PerformedAt.IsZero() {
		req.PerformedAt = time.Now().UTC()
	}
	r, err := h.svc.Record(c.Request().Context(), id, req.PerformedAt, req.Input)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func httpError(err error) error {
	if errors.Is(err, ErrInvalid) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return patient.HTTPError(err)
}
