package reporting

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/pdcare/pdcare/internal/platform/auth"
	"github.com/pdcare/pdcare/internal/platform/db"
)

// MeasureDefinition defines a reporting measure with its SQL query. Parameters
// bind to $1..$n in order; a missing value falls back to Defaults.
type MeasureDefinition struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	SQL         string            `json:"-"`
	Parameters  []string          `json:"parameters"`
	Defaults    map[string]string `json:"defaults,omitempty"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	GeneratedAt time.Time                `json:"generated_at"`
	Columns     []string                 `json:"columns"`
	Results     []map[string]interface{} `json:"results"`
	Parameters  map[string]string        `json:"parameters,omitempty"`
}

// PredefinedMeasures is the list of available reporting measures. All of them
// run against the caller's clinic schema.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "patient-status",
		Name:        "Patients by Status",
		Description: "Number of patients in each PD status",
		SQL:         `SELECT status, COUNT(*) AS total FROM patients GROUP BY status ORDER BY total DESC, status`,
		Parameters:  []string{},
	},
	{
		ID:          "cloudy-exchanges",
		Name:        "Cloudy Effluent Exchanges",
		Description: "Cloudy drain bags per day over the last N days",
		SQL: `SELECT performed_at::date AS day, COUNT(*) AS total
FROM exchanges
WHERE is_effluent_cloudy AND performed_at >= NOW() - make_interval(days => $1::int)
GROUP BY day ORDER BY day`,
		Parameters: []string{"days"},
		Defaults:   map[string]string{"days": "30"},
	},
	{
		ID:          "peritonitis-organisms",
		Name:        "Peritonitis Episodes by Organism",
		Description: "Episode counts grouped by causative organism",
		SQL: `SELECT COALESCE(NULLIF(lower(trim(organism)), ''), 'unknown') AS organism, COUNT(*) AS total
FROM peritonitis_episodes GROUP BY 1 ORDER BY total DESC, organism`,
		Parameters: []string{},
	},
	{
		ID:          "exchange-adherence",
		Name:        "Exchange Adherence",
		Description: "Exchanges logged by each active PD patient over the last N days against four per day",
		SQL: `SELECT p.id::text AS patient_id, p.name, COUNT(e.id) AS exchanges,
       ROUND((COUNT(e.id) * 100.0 / (4 * $1::int))::numeric, 1)::float8 AS adherence_pct
FROM patients p
LEFT JOIN exchanges e ON e.patient_id = p.id AND e.performed_at >= NOW() - make_interval(days => $1::int)
WHERE p.status = 'ActivePD'
GROUP BY p.id, p.name
ORDER BY adherence_pct, p.name`,
		Parameters: []string{"days"},
		Defaults:   map[string]string{"days": "7"},
	},
	{
		ID:          "mean-ultrafiltration",
		Name:        "Mean Daily Ultrafiltration",
		Description: "Average net ultrafiltration per patient per day over the last N days",
		SQL: `SELECT p.id::text AS patient_id, p.name, ROUND(AVG(d.uf)::numeric, 0)::float8 AS mean_daily_uf_ml
FROM patients p
JOIN (
    SELECT patient_id, performed_at::date AS day, SUM(ultrafiltration_ml) AS uf
    FROM exchanges
    WHERE performed_at >= NOW() - make_interval(days => $1::int)
    GROUP BY patient_id, day
) d ON d.patient_id = p.id
GROUP BY p.id, p.name
ORDER BY mean_daily_uf_ml, p.name`,
		Parameters: []string{"days"},
		Defaults:   map[string]string{"days": "30"},
	},
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Args resolves the measure's positional arguments. Every parameter must be a
// positive integer.
func (m *MeasureDefinition) Args(values map[string]string) (map[string]string, []any, error) {
	used := make(map[string]string, len(m.Parameters))
	args := make([]any, 0, len(m.Parameters))
	for _, p := range m.Parameters {
		v := values[p]
		if v == "" {
			v = m.Defaults[p]
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, nil, fmt.Errorf("parameter %s must be a positive integer", p)
		}
		used[p] = v
		args = append(args, n)
	}
	return used, args, nil
}

// Evaluate runs a measure and returns its rows keyed by column name.
func Evaluate(ctx context.Context, q Querier, m *MeasureDefinition, values map[string]string) (*MeasureReport, error) {
	params, args, err := m.Args(values)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, m.SQL, args...)
	if err != nil {
		return nil, fmt.Errorf("query measure %s: %w", m.ID, err)
	}
	defer rows.Close()

	columns := columnNames(rows.FieldDescriptions())
	results := []map[string]interface{}{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan measure %s: %w", m.ID, err)
		}
		row := make(map[string]interface{}, len(columns))
		for i, name := range columns {
			row[name] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read measure %s: %w", m.ID, err)
	}

	return &MeasureReport{
		MeasureID:   m.ID,
		MeasureName: m.Name,
		GeneratedAt: time.Now().UTC(),
		Columns:     columns,
		Results:     results,
		Parameters:  params,
	}, nil
}

func columnNames(fds []pgconn.FieldDescription) []string {
	out := make([]string, len(fds))
	for i, fd := range fds {
		out[i] = fd.Name
	}
	return out
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	pool *pgxpool.Pool
}

func NewHandler(pool *pgxpool.Pool) *Handler {
	return &Handler{pool: pool}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports", auth.RequireRole(auth.RolePhysician))
	g.GET("/measures", h.ListMeasures)
	g.GET("/measures/:id/evaluate", h.EvaluateMeasure)
	g.GET("/measures/:id/export.xlsx", h.ExportMeasure)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure executes a measure's SQL and returns the results.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	report, err := h.evaluate(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

// ExportMeasure returns the measure results as a single-sheet workbook.
func (h *Handler) ExportMeasure(c echo.Context) error {
	report, err := h.evaluate(c)
	if err != nil {
		return err
	}

	rows := make([][]interface{}, 0, len(report.Results))
	for _, r := range report.Results {
		row := make([]interface{}, len(report.Columns))
		for i, col := range report.Columns {
			row[i] = r[col]
		}
		rows = append(rows, row)
	}

	wb, err := NewWorkbook()
	if err != nil {
		return err
	}
	if err := wb.AddSheet(report.MeasureName, report.Columns, rows); err != nil {
		wb.Close()
		return err
	}
	data, err := wb.Bytes()
	if err != nil {
		return err
	}
	return Attachment(c, report.MeasureID+".xlsx", data)
}

func (h *Handler) evaluate(c echo.Context) (*MeasureReport, error) {
	m := FindMeasure(c.Param("id"))
	if m == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	values := make(map[string]string, len(m.Parameters))
	for _, p := range m.Parameters {
		values[p] = c.QueryParam(p)
	}
	if _, _, err := m.Args(values); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	var q Querier = h.pool
	if conn := db.ConnFromContext(ctx); conn != nil {
		q = conn
	}
	report, err := Evaluate(ctx, q, m, values)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}
	return report, nil
}
