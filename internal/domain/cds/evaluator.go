package cds

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pdcare/pdcare/internal/domain/patient"
)

// Keywords are the terms that flag a complication note, reported outcome or
// fluid-status note for review. Matching is a case-insensitive substring test.
var Keywords = []string{
	"pain",
	"vomiting",
	"redness",
	"pus",
	"leakage",
	"outflow issue",
	"disturbance",
	"abdomen",
}

// PrescribedDailyExchanges is the number of CAPD exchanges expected per day.
const PrescribedDailyExchanges = 4

// Thresholds.
const (
	FeverCelsius         = 38.0
	HighSystolicBP       = 180
	MissedLogDays        = 3
	UrineDropRatio       = 0.5
	WeightChangeFraction = 0.10
)

// EvaluateAlerts runs every check against rec in a fixed order and returns the
// triggered alerts, de-duplicated by id. It reads no clock other than now and
// performs no I/O. Records with a zero timestamp are ignored; a non-finite or
// negative number is ignored only by the check that reads that field.
func EvaluateAlerts(rec patient.Record, now time.Time) []Alert {
	var alerts []Alert
	add := func(a *Alert) {
		if a != nil {
			alerts = append(alerts, *a)
		}
	}

	alerts = append(alerts, cloudyEffluent(rec)...)
	vital := latestVital(rec.Vitals)
	add(edemaNote(vital))
	add(fever(vital))
	add(concerningKeywords(rec))
	add(highBloodPressure(vital))
	add(missedLogs(rec, now))
	add(urineDrop(rec.Urine))
	add(weightChange(rec.Vitals))
	add(imageReview(rec))
	add(nonCompliance(rec, now))

	return dedupe(alerts)
}

func dedupe(alerts []Alert) []Alert {
	seen := make(map[string]bool, len(alerts))
	out := make([]Alert, 0, len(alerts))
	for _, a := range alerts {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		out = append(out, a)
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func validWeight(v patient.VitalSign) bool {
	return v.Weight != nil && finite(*v.Weight) && *v.Weight >= 0
}

func validUrine(u patient.UrineOutput) bool {
	return !u.LogDate.IsZero() && finite(u.VolumeML) && u.VolumeML >= 0
}

// latestVital returns the dated vital with the greatest timestamp. On a tie the
// later entry wins. Each check validates only the field it reads.
func latestVital(vitals []patient.VitalSign) *patient.VitalSign {
	var latest *patient.VitalSign
	for i := range vitals {
		v := &vitals[i]
		if v.RecordedAt.IsZero() {
			continue
		}
		if latest == nil || !v.RecordedAt.Before(latest.RecordedAt) {
			latest = v
		}
	}
	return latest
}

// calendarDay truncates t to its date in loc, expressed in UTC so that day
// arithmetic is not skewed by DST transitions.
func calendarDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time, loc *time.Location) int {
	return int(calendarDay(to, loc).Sub(calendarDay(from, loc)).Hours() / 24)
}

// -- Checks --

func cloudyEffluent(rec patient.Record) []Alert {
	var out []Alert
	for _, x := range rec.Exchanges {
		if !x.IsEffluentCloudy {
			continue
		}
		msg := "Cloudy effluent reported; possible peritonitis"
		if !x.PerformedAt.IsZero() {
			msg = fmt.Sprintf("Cloudy effluent reported on %s; possible peritonitis", x.PerformedAt.Format("2006-01-02 15:04"))
		}
		out = append(out, Alert{
			ID:       "cloudy-fluid-" + x.ID.String(),
			Severity: SeverityCritical,
			Message:  msg,
			Category: CategoryInfection,
		})
	}
	return out
}

func edemaNote(v *patient.VitalSign) *Alert {
	if v == nil || v.FluidStatusNote == nil {
		return nil
	}
	if !strings.Contains(strings.ToLower(*v.FluidStatusNote), "edema") {
		return nil
	}
	return &Alert{
		ID:       "edema-" + v.ID.String(),
		Severity: SeverityWarning,
		Message:  "Edema noted in latest fluid status assessment",
		Category: CategoryFluid,
	}
}

func fever(v *patient.VitalSign) *Alert {
	if v == nil || v.Temperature == nil || !finite(*v.Temperature) || *v.Temperature <= FeverCelsius {
		return nil
	}
	return &Alert{
		ID:       "fever-" + v.ID.String(),
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("Fever: latest temperature %.1f °C", *v.Temperature),
		Category: CategoryInfection,
	}
}

// MatchKeywords returns the Keywords found in texts, in Keywords order.
func MatchKeywords(texts ...string) []string {
	var found []string
	for _, kw := range Keywords {
		for _, t := range texts {
			if strings.Contains(strings.ToLower(t), kw) {
				found = append(found, kw)
				break
			}
		}
	}
	return found
}

func concerningKeywords(rec patient.Record) *Alert {
	var texts []string
	for _, x := range rec.Exchanges {
		if x.Complications != nil {
			texts = append(texts, *x.Complications)
		}
	}
	for _, o := range rec.Outcomes {
		texts = append(texts, o.Summary)
	}
	for _, v := range rec.Vitals {
		if v.FluidStatusNote != nil {
			texts = append(texts, *v.FluidStatusNote)
		}
	}

	found := MatchKeywords(texts...)
	if len(found) == 0 {
		return nil
	}
	return &Alert{
		ID:       "keywords-" + rec.Patient.ID.String(),
		Severity: SeverityWarning,
		Message:  "Concerning symptoms reported: " + strings.Join(found, ", "),
		Category: CategorySymptoms,
	}
}

func highBloodPressure(v *patient.VitalSign) *Alert {
	if v == nil || v.SystolicBP == nil || *v.SystolicBP <= HighSystolicBP {
		return nil
	}
	msg := fmt.Sprintf("High blood pressure: systolic %d mmHg", *v.SystolicBP)
	if v.DiastolicBP != nil {
		msg = fmt.Sprintf("High blood pressure: %d/%d mmHg", *v.SystolicBP, *v.DiastolicBP)
	}
	return &Alert{
		ID:       "high-bp-" + v.ID.String(),
		Severity: SeverityCritical,
		Message:  msg,
		Category: CategoryVitals,
	}
}

func missedLogs(rec patient.Record, now time.Time) *Alert {
	var last time.Time
	for _, x := range rec.Exchanges {
		if !x.PerformedAt.IsZero() && x.PerformedAt.After(last) {
			last = x.PerformedAt
		}
	}

	a := &Alert{
		ID:       "missed-logs-" + rec.Patient.ID.String(),
		Severity: SeverityWarning,
		Category: CategoryAdherence,
	}
	if last.IsZero() {
		a.Message = "No PD exchanges have ever been logged"
		return a
	}
	days := daysBetween(last, now, now.Location())
	if days < MissedLogDays {
		return nil
	}
	a.Message = fmt.Sprintf("No PD exchange logged for %d days", days)
	return a
}

func urineDrop(logs []patient.UrineOutput) *Alert {
	var valid []patient.UrineOutput
	latest := -1
	for _, u := range logs {
		if !validUrine(u) {
			continue
		}
		valid = append(valid, u)
		if latest < 0 || !u.LogDate.Before(valid[latest].LogDate) {
			latest = len(valid) - 1
		}
	}
	if len(valid) < 2 {
		return nil
	}

	var sum float64
	for i, u := range valid {
		if i != latest {
			sum += u.VolumeML
		}
	}
	mean := sum / float64(len(valid)-1)
	if mean <= 0 {
		return nil
	}
	cur := valid[latest]
	if cur.VolumeML >= mean*UrineDropRatio {
		return nil
	}
	return &Alert{
		ID:       "urine-drop-" + cur.ID.String(),
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("Urine output dropped to %.0f mL (baseline %.0f mL)", cur.VolumeML, mean),
		Category: CategoryRenal,
	}
}

func weightChange(vitals []patient.VitalSign) *Alert {
	var weighed []patient.VitalSign
	latest := -1
	for _, v := range vitals {
		if v.RecordedAt.IsZero() || !validWeight(v) {
			continue
		}
		weighed = append(weighed, v)
		if latest < 0 || !v.RecordedAt.Before(weighed[latest].RecordedAt) {
			latest = len(weighed) - 1
		}
	}
	if len(weighed) < 2 {
		return nil
	}

	var sum float64
	for i, v := range weighed {
		if i != latest {
			sum += *v.Weight
		}
	}
	mean := sum / float64(len(weighed)-1)
	if mean <= 0 {
		return nil
	}
	cur := weighed[latest]
	change := (*cur.Weight - mean) / mean
	if math.Abs(change) <= WeightChangeFraction {
		return nil
	}
	return &Alert{
		ID:       "weight-change-" + cur.ID.String(),
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("Weight changed %+.1f%% from average (%.1f kg vs %.1f kg)", change*100, *cur.Weight, mean),
		Category: CategoryFluid,
	}
}

func imageReview(rec patient.Record) *Alert {
	n := 0
	for _, img := range rec.Images {
		if img.RequiresReview {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return &Alert{
		ID:       "image-review-" + rec.Patient.ID.String(),
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("%d uploaded image(s) awaiting clinician review", n),
		Category: CategoryImaging,
	}
}

func nonCompliance(rec patient.Record, now time.Time) *Alert {
	loc := now.Location()
	yesterday := calendarDay(now, loc).AddDate(0, 0, -1)
	n := 0
	for _, x := range rec.Exchanges {
		if !x.PerformedAt.IsZero() && calendarDay(x.PerformedAt, loc).Equal(yesterday) {
			n++
		}
	}
	if n == 0 || n >= PrescribedDailyExchanges {
		return nil
	}
	day := yesterday.Format("2006-01-02")
	return &Alert{
		ID:       fmt.Sprintf("non-compliance-%s-%s", rec.Patient.ID, day),
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("Only %d of %d prescribed exchanges logged on %s", n, PrescribedDailyExchanges, day),
		Category: CategoryAdherence,
	}
}
