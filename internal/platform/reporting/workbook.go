package reporting

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/xuri/excelize/v2"
)

// XLSXContentType is the MIME type of workbooks produced by Workbook.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// maxSheetName is Excel's limit on sheet name length.
const maxSheetName = 31

// Workbook builds an XLSX file one tabular sheet at a time. Each sheet gets a
// bold, frozen header row.
type Workbook struct {
	f           *excelize.File
	headerStyle int
	sheets      int
}

func NewWorkbook() (*Workbook, error) {
	f := excelize.NewFile()
	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create header style: %w", err)
	}
	return &Workbook{f: f, headerStyle: style}, nil
}

// AddSheet appends a sheet. The first call renames the default sheet.
func (w *Workbook) AddSheet(name string, headers []string, rows [][]interface{}) error {
	if len(name) > maxSheetName {
		name = name[:maxSheetName]
	}
	if w.sheets == 0 {
		if err := w.f.SetSheetName(w.f.GetSheetName(0), name); err != nil {
			return fmt.Errorf("rename sheet: %w", err)
		}
	} else if _, err := w.f.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}
	w.sheets++

	header := make([]interface{}, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := w.f.SetSheetRow(name, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(headers) > 0 {
		last, err := excelize.CoordinatesToCellName(len(headers), 1)
		if err != nil {
			return err
		}
		if err := w.f.SetCellStyle(name, "A1", last, w.headerStyle); err != nil {
			return fmt.Errorf("style header: %w", err)
		}
		lastCol, _ := excelize.ColumnNumberToName(len(headers))
		if err := w.f.SetColWidth(name, "A", lastCol, 18); err != nil {
			return fmt.Errorf("set column width: %w", err)
		}
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := make([]interface{}, len(row))
		for j, v := range row {
			values[j] = cellValue(v)
		}
		if err := w.f.SetSheetRow(name, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	return w.f.SetPanes(name, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

// Bytes serialises the workbook and closes it.
func (w *Workbook) Bytes() ([]byte, error) {
	w.f.SetActiveSheet(0)
	var buf bytes.Buffer
	if _, err := w.f.WriteTo(&buf); err != nil {
		w.f.Close()
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return nil, fmt.Errorf("close workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func (w *Workbook) Close() error {
	return w.f.Close()
}

// cellValue flattens pointers and formats times so cells read the same in
// every spreadsheet application.
func cellValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format("2006-01-02 15:04")
	case *time.Time:
		if t == nil {
			return ""
		}
		return cellValue(*t)
	case *float64:
		if t == nil {
			return ""
		}
		return *t
	case *int:
		if t == nil {
			return ""
		}
		return *t
	case *string:
		if t == nil {
			return ""
		}
		return *t
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", t[0:4], t[4:6], t[6:8], t[8:10], t[10:16])
	default:
		return v
	}
}

// Attachment writes an XLSX download response.
func Attachment(c echo.Context, filename string, data []byte) error {
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, filename))
	return c.Blob(http.StatusOK, XLSXContentType, data)
}
