package patient

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pdcare/pdcare/internal/platform/auth"
	"github.com/pdcare/pdcare/internal/platform/reporting"
	"github.com/pdcare/pdcare/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read and clinical-log write endpoints – admin, physician, nurse
	readGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	readGroup.GET("/patients", h.ListPatients)
	readGroup.GET("/patients/:id", h.GetPatient)
	readGroup.GET("/patients/:id/record", h.GetRecord)
	readGroup.GET("/patients/:id/labs/trend", h.LabTrend)
	readGroup.GET("/patients/:id/images/:entryID/content", h.ImageContent)
	for _, c := range []Collection{Vitals, Labs, Exchanges, Medications, Episodes, Urine, Outcomes, Images} {
		readGroup.GET("/patients/:id/"+string(c), h.listCollection(c))
	}

	writeGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	writeGroup.POST("/patients", h.CreatePatient)
	writeGroup.PUT("/patients/:id", h.UpdatePatient)
	writeGroup.POST("/patients/:id/vitals", h.AddVital)
	writeGroup.POST("/patients/:id/labs", h.AddLab)
	writeGroup.POST("/patients/:id/exchanges", h.AddExchange)
	writeGroup.POST("/patients/:id/medications", h.AddMedication)
	writeGroup.PATCH("/patients/:id/medications/:entryID", h.UpdateMedicationStatus)
	writeGroup.POST("/patients/:id/episodes", h.AddEpisode)
	writeGroup.POST("/patients/:id/urine", h.AddUrine)
	writeGroup.POST("/patients/:id/outcomes", h.AddOutcome)
	writeGroup.POST("/patients/:id/images", h.UploadImage)
	writeGroup.PATCH("/patients/:id/images/:entryID", h.SetImageReview)
	for _, c := range []Collection{Vitals, Labs, Exchanges, Medications, Episodes, Urine, Outcomes, Images} {
		writeGroup.DELETE("/patients/:id/"+string(c)+"/:entryID", h.deleteEntry(c))
	}

	// Removing a patient – admin, physician
	deleteGroup := api.Group("", auth.RequireRole(auth.RolePhysician))
	deleteGroup.DELETE("/patients/:id", h.DeletePatient)
}

// HTTPError maps service errors to HTTP errors.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Patient --

func (h *Handler) CreatePatient(c echo.Context) error {
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreatePatient(c.Request().Context(), &p); err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{Status: Status(c.QueryParam("status")), Query: c.QueryParam("q")}
	patients, total, err := h.svc.ListPatients(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(patients, total, pg).WithLinks(c.Request().URL))
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = id
	if err := h.svc.UpdatePatient(c.Request().Context(), &p); err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeletePatient(c.Request().Context(), id); err != nil {
		return HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	rec, err := h.svc.GetRecord(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// -- Collections --

func (h *Handler) listCollection(col Collection) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := pathID(c, "id")
		if err != nil {
			return err
		}
		items, err := h.svc.List(c.Request().Context(), col, id)
		if err != nil {
			return HTTPError(err)
		}
		return c.JSON(http.StatusOK, items)
	}
}

func (h *Handler) deleteEntry(col Collection) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := pathID(c, "id")
		if err != nil {
			return err
		}
		entryID, err := pathID(c, "entryID")
		if err != nil {
			return err
		}
		if err := h.svc.DeleteEntry(c.Request().Context(), col, id, entryID); err != nil {
			return HTTPError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// addEntry binds the body into v, stamps the patient id and calls add.
func addEntry[T any](c echo.Context, v *T, setPatient func(uuid.UUID), add func() error) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	setPatient(id)
	if err := add(); err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) AddVital(c echo.Context) error {
	var v VitalSign
	return addEntry(c, &v, func(id uuid.UUID) { v.PatientID = id }, func() error {
		return h.svc.AddVital(c.Request().Context(), &v)
	})
}

func (h *Handler) AddLab(c echo.Context) error {
	var l LabResult
	return addEntry(c, &l, func(id uuid.UUID) { l.PatientID = id }, func() error {
		return h.svc.AddLab(c.Request().Context(), &l)
	})
}

func (h *Handler) AddExchange(c echo.Context) error {
	var x Exchange
	return addEntry(c, &x, func(id uuid.UUID) { x.PatientID = id }, func() error {
		return h.svc.AddExchange(c.Request().Context(), &x)
	})
}

func (h *Handler) AddMedication(c echo.Context) error {
	var m Medication
	return addEntry(c, &m, func(id uuid.UUID) { m.PatientID = id }, func() error {
		return h.svc.AddMedication(c.Request().Context(), &m)
	})
}

func (h *Handler) AddEpisode(c echo.Context) error {
	var e PeritonitisEpisode
	return addEntry(c, &e, func(id uuid.UUID) { e.PatientID = id }, func() error {
		return h.svc.AddEpisode(c.Request().Context(), &e)
	})
}

func (h *Handler) AddUrine(c echo.Context) error {
	var u UrineOutput
	return addEntry(c, &u, func(id uuid.UUID) { u.PatientID = id }, func() error {
		return h.svc.AddUrine(c.Request().Context(), &u)
	})
}

func (h *Handler) AddOutcome(c echo.Context) error {
	var o ReportedOutcome
	return addEntry(c, &o, func(id uuid.UUID) { o.PatientID = id }, func() error {
		return h.svc.AddOutcome(c.Request().Context(), &o)
	})
}

func (h *Handler) UpdateMedicationStatus(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	medID, err := pathID(c, "entryID")
	if err != nil {
		return err
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := h.svc.UpdateMedicationStatus(c.Request().Context(), id, medID, body.Status)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

// -- Images --

func (h *Handler) UploadImage(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	requiresReview := false
	if v := c.FormValue("requires_review"); v != "" {
		if requiresReview, err = strconv.ParseBool(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "requires_review must be a boolean")
		}
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	img, err := h.svc.UploadImage(c.Request().Context(), id, ImageUpload{
		FileName:       fh.Filename,
		ContentType:    fh.Header.Get(echo.HeaderContentType),
		Description:    c.FormValue("description"),
		RequiresReview: requiresReview,
	}, f)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, img)
}

func (h *Handler) SetImageReview(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	imageID, err := pathID(c, "entryID")
	if err != nil {
		return err
	}
	var body struct {
		RequiresReview *bool `json:"requires_review"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.RequiresReview == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "requires_review is required")
	}
	img, err := h.svc.SetImageReview(c.Request().Context(), id, imageID, *body.RequiresReview)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, img)
}

func (h *Handler) ImageContent(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	imageID, err := pathID(c, "entryID")
	if err != nil {
		return err
	}
	rc, img, err := h.svc.ImageContent(c.Request().Context(), id, imageID)
	if err != nil {
		return HTTPError(err)
	}
	defer rc.Close()
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", img.FileName))
	return c.Stream(http.StatusOK, img.ContentType, rc)
}

// -- Charts --

func (h *Handler) LabTrend(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	chart, err := h.svc.LabTrend(c.Request().Context(), id, c.QueryParam("test"))
	if err != nil {
		return HTTPError(err)
	}
	var buf bytes.Buffer
	if err := chart.Render(&buf); err != nil {
		if errors.Is(err, reporting.ErrNoData) {
			return echo.NewHTTPError(http.StatusNotFound, "no results for test")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}
