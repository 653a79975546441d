package suggestion

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/samber/lo"

	"github.com/pdcare/pdcare/internal/domain/cds"
	"github.com/pdcare/pdcare/internal/domain/patient"
)

// recentWindow bounds the exchanges summarised in a prompt.
const recentWindow = 7 * 24 * time.Hour

// clinicalSummary is the de-identified view of a record sent to the model. It
// carries no name, MRN, contact detail or record id.
type clinicalSummary struct {
	Status         string
	MonthsOnPD     string
	LatestVitals   string
	AbnormalLabs   []string
	ExchangeDays   int
	Exchanges      int
	CloudyBags     int
	MeanDailyUF    string
	Complications  []string
	ActiveMeds     []string
	Alerts         []string
	PatientReports []string
}

var suggestTemplate = template.Must(template.New("suggest").Parse(`You are assisting a peritoneal dialysis nephrology team.
Review this de-identified patient summary and propose practical next steps for the clinicians.

Status: {{.Status}}{{if .MonthsOnPD}} ({{.MonthsOnPD}} on PD){{end}}
Latest vitals: {{if .LatestVitals}}{{.LatestVitals}}{{else}}none recorded{{end}}
Out-of-range labs:{{range .AbnormalLabs}}
- {{.}}{{else}} none{{end}}
Exchanges in the last 7 days: {{.Exchanges}} over {{.ExchangeDays}} day(s), {{.CloudyBags}} cloudy{{if .MeanDailyUF}}, mean daily UF {{.MeanDailyUF}}{{end}}
Reported complications:{{range .Complications}}
- {{.}}{{else}} none{{end}}
Patient reports:{{range .PatientReports}}
- {{.}}{{else}} none{{end}}
Active medications:{{range .ActiveMeds}}
- {{.}}{{else}} none{{end}}
Current alerts:{{range .Alerts}}
- {{.}}{{else}} none{{end}}

Reply with JSON only, in this shape:
{"summary": "<two sentences>", "suggestions": [{"title": "<short action>", "rationale": "<why>", "priority": "high|medium|low"}]}
`))

var reportTemplate = template.Must(template.New("report").Parse(`You are triaging a free-text report written by a peritoneal dialysis patient at home.
Extract any findings a PD nurse should act on (for example cloudy effluent, abdominal pain, fever, exit-site redness or pus, drainage problems, fluid overload).

Report:
"""
{{.}}
"""

Reply with JSON only, in this shape:
{"summary": "<one sentence>", "findings": ["<finding>", ...]}
Use an empty findings list when nothing is concerning.
`))

func summarise(rec patient.Record, alerts []cds.Alert, now time.Time) clinicalSummary {
	s := clinicalSummary{Status: string(rec.Patient.Status)}
	if start := rec.Patient.TherapyStartDate; start != nil && !start.IsZero() {
		months := int(now.Sub(*start).Hours() / 24 / 30.44)
		if months >= 0 {
			s.MonthsOnPD = fmt.Sprintf("%d months", months)
		}
	}

	if v, ok := latest(rec.Vitals, func(v patient.VitalSign) time.Time { return v.RecordedAt }); ok {
		s.LatestVitals = describeVital(v)
	}

	for _, l := range rec.Labs {
		if flag := l.Flag(); flag == patient.FlagHigh || flag == patient.FlagLow {
			s.AbnormalLabs = append(s.AbnormalLabs, fmt.Sprintf("%s %g %s (%s) on %s",
				l.TestName, l.Value, l.Unit, flag, l.ResultDate.Format("2006-01-02")))
		}
	}

	recent := lo.Filter(rec.Exchanges, func(x patient.Exchange, _ int) bool {
		return !x.PerformedAt.IsZero() && !x.PerformedAt.Before(now.Add(-recentWindow)) && !x.PerformedAt.After(now)
	})
	s.Exchanges = len(recent)
	s.CloudyBags = lo.CountBy(recent, func(x patient.Exchange) bool { return x.IsEffluentCloudy })
	byDay := lo.GroupBy(recent, func(x patient.Exchange) string { return x.PerformedAt.Format("2006-01-02") })
	s.ExchangeDays = len(byDay)
	if len(byDay) > 0 {
		total := lo.SumBy(recent, func(x patient.Exchange) float64 { return x.UltrafiltrationML })
		s.MeanDailyUF = fmt.Sprintf("%.0f mL", total/float64(len(byDay)))
	}
	for _, x := range recent {
		if x.Complications != nil && strings.TrimSpace(*x.Complications) != "" {
			s.Complications = append(s.Complications, strings.TrimSpace(*x.Complications))
		}
	}

	outcomes := append([]patient.ReportedOutcome(nil), rec.Outcomes...)
	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].ReportedAt.After(outcomes[j].ReportedAt) })
	for _, o := range lo.Slice(outcomes, 0, 3) {
		s.PatientReports = append(s.PatientReports, o.Summary)
	}

	for _, m := range rec.Medications {
		if m.Status == patient.MedicationActive {
			s.ActiveMeds = append(s.ActiveMeds, strings.TrimSpace(fmt.Sprintf("%s %s %s", m.Name, m.Dosage, m.Frequency)))
		}
	}

	s.Alerts = lo.Map(alerts, func(a cds.Alert, _ int) string {
		return fmt.Sprintf("[%s] %s", a.Severity, a.Message)
	})
	return s
}

func latest[T any](items []T, at func(T) time.Time) (T, bool) {
	var best T
	found := false
	for _, it := range items {
		if at(it).IsZero() {
			continue
		}
		if !found || !at(it).Before(at(best)) {
			best, found = it, true
		}
	}
	return best, found
}

func describeVital(v patient.VitalSign) string {
	var parts []string
	if v.SystolicBP != nil && v.DiastolicBP != nil {
		parts = append(parts, fmt.Sprintf("BP %d/%d", *v.SystolicBP, *v.DiastolicBP))
	}
	if v.HeartRate != nil {
		parts = append(parts, fmt.Sprintf("HR %d", *v.HeartRate))
	}
	if v.Temperature != nil {
		parts = append(parts, fmt.Sprintf("temp %.1f °C", *v.Temperature))
	}
	if v.Weight != nil {
		parts = append(parts, fmt.Sprintf("weight %.1f kg", *v.Weight))
	}
	if v.RespiratoryRate != nil {
		parts = append(parts, fmt.Sprintf("RR %d", *v.RespiratoryRate))
	}
	if v.FluidStatusNote != nil && *v.FluidStatusNote != "" {
		parts = append(parts, "fluid status: "+*v.FluidStatusNote)
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ", ") + " (" + v.RecordedAt.Format("2006-01-02") + ")"
}

func render(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", t.Name(), err)
	}
	return b.String(), nil
}
