package reporting

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
	"github.com/xuri/excelize/v2"
)

type fakeRows struct {
	cols []string
	data [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close() {}
func (r *fakeRows) Err() error { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) Scan(...any) error { return errors.New("not supported") }
func (r *fakeRows) RawValues() [][]byte { return nil }
func (r *fakeRows) Conn() *pgx.Conn { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.cols))
	for i, c := range r.cols {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.data[r.idx-1], nil }

type fakeQuerier struct {
	rows    *fakeRows
	gotSQL  string
	gotArgs []any
}

func (q *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.gotSQL, q.gotArgs = sql, args
	return q.rows, nil
}

func TestPredefinedMeasures_Complete(t *testing.T) {
	seen := map[string]bool{}
	for _, m := range PredefinedMeasures {
		if m.SQL == "" || m.Name == "" || m.Description == "" {
			t.Errorf("measure %s is incomplete", m.ID)
		}
		if seen[m.ID] {
			t.Errorf("duplicate measure id %s", m.ID)
		}
		seen[m.ID] = true
		for _, p := range m.Parameters {
			if m.Defaults[p] == "" {
				t.Errorf("measure %s parameter %s has no default", m.ID, p)
			}
		}
	}
}

func TestFindMeasure(t *testing.T) {
	if m := FindMeasure("patient-status"); m == nil || m.Name != "Patients by Status" {
		t.Fatalf("FindMeasure(patient-status) = %+v", m)
	}
	if FindMeasure("nonexistent") != nil {
		t.Error("expected nil for nonexistent measure")
	}
}

func TestMeasureArgs(t *testing.T) {
	m := FindMeasure("cloudy-exchanges")

	used, args, err := m.Args(nil)
	if err != nil {
		t.Fatalf("Args: %v", err)
	}
	if used["days"] != "30" || len(args) != 1 || args[0] != 30 {
		t.Errorf("default args = %v %v", used, args)
	}

	_, args, err = m.Args(map[string]string{"days": "7"})
	if err != nil || args[0] != 7 {
		t.Errorf("Args(7) = %v, %v", args, err)
	}

	for _, bad := range []string{"0", "-3", "week"} {
		if _, _, err := m.Args(map[string]string{"days": bad}); err == nil {
			t.Errorf("Args(%q) should fail", bad)
		}
	}
}

func TestEvaluate(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{
		cols: []string{"status", "total"},
		data: [][]any{{"ActivePD", int64(12)}, {"AwaitingCatheter", int64(3)}},
	}}

	report, err := Evaluate(context.Background(), q, FindMeasure("exchange-adherence"), map[string]string{"days": "14"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if q.gotArgs[0] != 14 {
		t.Errorf("query args = %v", q.gotArgs)
	}
	if len(report.Results) != 2 || report.Results[0]["status"] != "ActivePD" || report.Results[1]["total"] != int64(3) {
		t.Errorf("results = %v", report.Results)
	}
	if strings.Join(report.Columns, ",") != "status,total" {
		t.Errorf("columns = %v", report.Columns)
	}
	if report.Parameters["days"] != "14" {
		t.Errorf("parameters = %v", report.Parameters)
	}
}

func TestEvaluate_RowsError(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{cols: []string{"x"}, err: errors.New("conn reset")}}
	if _, err := Evaluate(context.Background(), q, FindMeasure("patient-status"), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestHandler_ListMeasures(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/reports/measures", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := NewHandler(nil).ListMeasures(c); err != nil {
		t.Fatalf("ListMeasures: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "SELECT") {
		t.Error("measure SQL must not be exposed")
	}
}

func TestHandler_EvaluateErrors(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		query string
		code  int
	}{
		{"unknown measure", "nope", "", http.StatusNotFound},
		{"bad parameter", "cloudy-exchanges", "?days=abc", http.StatusBadRequest},
	}
	h := NewHandler(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/reports/measures/"+tt.id+"/evaluate"+tt.query, nil)
			c := e.NewContext(req, httptest.NewRecorder())
			c.SetParamNames("id")
			c.SetParamValues(tt.id)

			err := h.EvaluateMeasure(c)
			var he *echo.HTTPError
			if !errors.As(err, &he) || he.Code != tt.code {
				t.Errorf("got %v, want %d", err, tt.code)
			}
		})
	}
}

func TestWorkbook_Sheets(t *testing.T) {
	wb, err := NewWorkbook()
	if err != nil {
		t.Fatalf("NewWorkbook: %v", err)
	}
	low := 3.5
	when := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	if err := wb.AddSheet("Roster", []string{"Name", "Albumin", "Seen"}, [][]interface{}{
		{"Ravi", &low, when},
		{"Mina", (*float64)(nil), nil},
	}); err != nil {
		t.Fatalf("AddSheet: %v", err)
	}
	if err := wb.AddSheet("A sheet name that is far too long for Excel", []string{"K"}, nil); err != nil {
		t.Fatalf("AddSheet long: %v", err)
	}
	data, err := wb.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 2 || sheets[0] != "Roster" || len(sheets[1]) != 31 {
		t.Fatalf("sheets = %v", sheets)
	}
	rows, err := f.GetRows("Roster")
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %v", rows)
	}
	if rows[0][0] != "Name" || rows[1][0] != "Ravi" || rows[1][1] != "3.5" || rows[1][2] != "2026-03-01 08:30" {
		t.Errorf("unexpected rows: %v", rows)
	}
	if rows[2][0] != "Mina" {
		t.Errorf("unexpected second row: %v", rows[2])
	}
}

func TestAttachment(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	if err := Attachment(c, "roster.xlsx", []byte("PK")); err != nil {
		t.Fatalf("Attachment: %v", err)
	}
	if got := rec.Header().Get(echo.HeaderContentType); got != XLSXContentType {
		t.Errorf("content type = %q", got)
	}
	if got := rec.Header().Get(echo.HeaderContentDisposition); got != `attachment; filename="roster.xlsx"` {
		t.Errorf("disposition = %q", got)
	}
}

func TestLineChart_Render(t *testing.T) {
	low, high := 3.5, 5.0
	chart := LineChart{
		Title:   "Albumin",
		Unit:    "g/dL",
		Points:  []Point{{Label: "Jan 2", Value: 3.4}, {Label: "Feb 6", Value: 3.8}},
		RefLow:  &low,
		RefHigh: &high,
	}
	var buf bytes.Buffer
	if err := chart.Render(&buf); err != nil {
		t.Fatalf("Render: %v", err)
	}
	html := buf.String()
	for _, want := range []string{"<title>Albumin</title>", "Ref Low", "Ref High", "Feb 6"} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered chart missing %q", want)
		}
	}
}

func TestLineChart_NoData(t *testing.T) {
	if err := (LineChart{Title: "x"}).Render(&bytes.Buffer{}); !errors.Is(err, ErrNoData) {
		t.Errorf("Render = %v, want ErrNoData", err)
	}
}
