package reporting

import (
	"errors"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// Point is one x/y sample of a line chart.
type Point struct {
	Label string
	Value float64
}

// LineChart describes a single-series trend with optional reference lines.
type LineChart struct {
	Title   string
	Unit    string
	Points  []Point
	RefLow  *float64
	RefHigh *float64
}

var ErrNoData = errors.New("chart has no data points")

// Render writes the chart as a standalone HTML page.
func (lc LineChart) Render(w io.Writer) error {
	if len(lc.Points) == 0 {
		return ErrNoData
	}

	xAxis := make([]string, 0, len(lc.Points))
	data := make([]opts.LineData, 0, len(lc.Points))
	for _, p := range lc.Points {
		xAxis = append(xAxis, p.Label)
		data = append(data, opts.LineData{Value: p.Value})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: lc.Title}),
		charts.WithTitleOpts(opts.Title{Title: lc.Title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithYAxisOpts(opts.YAxis{Name: lc.Unit, Min: "dataMin", Max: "dataMax"}),
	)

	seriesOpts := []charts.SeriesOpts{
		charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(false), ShowSymbol: opts.Bool(true)}),
		charts.WithMarkPointNameTypeItemOpts(
			opts.MarkPointNameTypeItem{Name: "Max", Type: "max"},
			opts.MarkPointNameTypeItem{Name: "Min", Type: "min"},
		),
	}

	var refLines []interface{}
	if lc.RefLow != nil {
		refLines = append(refLines, opts.MarkLineNameYAxisItem{Name: "Ref Low", YAxis: *lc.RefLow})
	}
	if lc.RefHigh != nil {
		refLines = append(refLines, opts.MarkLineNameYAxisItem{Name: "Ref High", YAxis: *lc.RefHigh})
	}
	if len(refLines) > 0 {
		seriesOpts = append(seriesOpts, func(s *charts.SingleSeries) {
			s.MarkLines = &opts.MarkLines{
				Data: refLines,
				MarkLineStyle: opts.MarkLineStyle{
					Symbol: []string{"none", "none"},
					LineStyle: &opts.LineStyle{
						Color: "rgba(128, 128, 128, 0.6)",
						Type:  "dashed",
						Width: 1.5,
					},
				},
			}
		})
	}

	line.SetXAxis(xAxis).
		AddSeries(lc.Title, data).
		SetSeriesOptions(seriesOpts...)

	return line.Render(w)
}
