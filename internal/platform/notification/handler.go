package notification

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pdcare/pdcare/internal/platform/auth"
	"github.com/pdcare/pdcare/internal/platform/db"
)

// Handler exposes notification history and manual sends over HTTP.
type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	read := g.Group("/notifications", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	read.GET("", h.HandleList)
	read.GET("/stats", h.HandleStats)
	read.GET("/:id", h.HandleGet)
	read.POST("/:id/retry", h.HandleRetry)
	read.POST("/send-template", h.HandleSendTemplate)
}

type sendTemplateRequest struct {
	TemplateID string            `json:"template_id"`
	Type       NotificationType  `json:"type"`
	Recipient  string            `json:"recipient"`
	PatientID  string            `json:"patient_id"`
	Data       map[string]string `json:"data"`
}

// HandleSendTemplate handles POST /notifications/send-template.
func (h *Handler) HandleSendTemplate(c echo.Context) error {
	var req sendTemplateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TemplateID == "" || req.Recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "template_id and recipient are required")
	}
	if _, ok := h.manager.Templates().Get(req.TemplateID); !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown template "+req.TemplateID)
	}

	ctx := c.Request().Context()
	n := &Notification{
		ClinicID:  db.ClinicFromContext(ctx),
		PatientID: req.PatientID,
		Type:      req.Type,
		Recipient: req.Recipient,
	}
	// Delivery failures are recorded on the notification and still return 201.
	_ = h.manager.SendFromTemplate(ctx, req.TemplateID, req.Data, n)
	return c.JSON(http.StatusCreated, n)
}

// HandleGet handles GET /notifications/:id.
func (h *Handler) HandleGet(c echo.Context) error {
	n, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, n)
}

// HandleList handles GET /notifications?recipient=&patient_id=&limit=
func (h *Handler) HandleList(c echo.Context) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	ctx := c.Request().Context()
	list := h.manager.List(ctx, db.ClinicFromContext(ctx), c.QueryParam("recipient"), c.QueryParam("patient_id"), limit)
	if list == nil {
		list = []*Notification{}
	}
	return c.JSON(http.StatusOK, list)
}

// HandleRetry handles POST /notifications/:id/retry.
func (h *Handler) HandleRetry(c echo.Context) error {
	if _, err := h.lookup(c); err != nil {
		return err
	}
	n, err := h.manager.Retry(c.Request().Context(), c.Param("id"))
	if n == nil && err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

// HandleStats handles GET /notifications/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	ctx := c.Request().Context()
	return c.JSON(http.StatusOK, h.manager.Stats(ctx, db.ClinicFromContext(ctx)))
}

func (h *Handler) lookup(c echo.Context) (*Notification, error) {
	ctx := c.Request().Context()
	n, err := h.manager.Get(ctx, c.Param("id"))
	if errors.Is(err, ErrNotFound) || (err == nil && n.ClinicID != db.ClinicFromContext(ctx)) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	return n, err
}
