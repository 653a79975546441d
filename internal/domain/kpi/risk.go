package kpi

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/pdcare/pdcare/internal/domain/cds"
	"github.com/pdcare/pdcare/internal/domain/patient"
)

// Risk weights.
const (
	WeightRecentEpisode  = 30
	WeightRecentCloudy   = 25
	WeightCriticalAlert  = 10
	WeightWarningAlert   = 3
	WeightLowAlbumin     = 15
	WeightNewStart       = 10
	DefaultAlbuminLow    = 3.5
	recentCloudyWindow   = 30 * 24 * time.Hour
	newStartWindowInDays = 90
)

// RiskEntry is one row of the risk ranking.
type RiskEntry struct {
	PatientID uuid.UUID      `json:"patient_id"`
	Name      string         `json:"name"`
	Status    patient.Status `json:"status"`
	Score     int            `json:"score"`
	Critical  int            `json:"critical_alerts"`
	Warning   int            `json:"warning_alerts"`
}

// RiskScore is a weighted sum over recent infections, current alerts,
// nutrition and therapy age. It has the cds.RiskScorer signature.
func RiskScore(rec patient.Record, alerts []cds.Alert, now time.Time) int {
	today := localDate(now, now.Location())
	score := 0

	yearAgo := today.AddDate(-1, 0, 0)
	score += WeightRecentEpisode * lo.CountBy(rec.Episodes, func(e patient.PeritonitisEpisode) bool {
		d := dateOf(e.DiagnosisDate)
		return !e.DiagnosisDate.IsZero() && !d.Before(yearAgo) && !d.After(today)
	})

	score += WeightRecentCloudy * lo.CountBy(rec.Exchanges, func(x patient.Exchange) bool {
		return x.IsEffluentCloudy && !x.PerformedAt.IsZero() &&
			!x.PerformedAt.Before(now.Add(-recentCloudyWindow)) && !x.PerformedAt.After(now)
	})

	critical, warning := cds.CountBySeverity(alerts)
	score += WeightCriticalAlert*critical + WeightWarningAlert*warning

	if lowAlbumin(rec.Labs) {
		score += WeightLowAlbumin
	}

	p := rec.Patient
	if p.Status == patient.StatusActivePD && p.TherapyStartDate != nil && !p.TherapyStartDate.IsZero() {
		start := dateOf(*p.TherapyStartDate)
		if !start.Before(today.AddDate(0, 0, -newStartWindowInDays)) && !start.After(today) {
			score += WeightNewStart
		}
	}
	return score
}

// lowAlbumin reports whether the most recent albumin result is below its
// reference low, or below DefaultAlbuminLow g/dL when it has none.
func lowAlbumin(labs []patient.LabResult) bool {
	var latest *patient.LabResult
	for i := range labs {
		l := &labs[i]
		if !strings.EqualFold(strings.TrimSpace(l.TestName), "albumin") || l.ResultDate.IsZero() {
			continue
		}
		if latest == nil || !l.ResultDate.Before(latest.ResultDate) {
			latest = l
		}
	}
	if latest == nil {
		return false
	}
	low := DefaultAlbuminLow
	if latest.RefLow != nil {
		low = *latest.RefLow
	}
	return latest.Value < low
}

// TopRisk evaluates every record and returns the n highest scores. Ties go to
// the patient whose name sorts first, then to the lower id. n <= 0 returns
// the whole ranking.
func TopRisk(recs []patient.Record, n int, now time.Time) []RiskEntry {
	entries := lo.Map(recs, func(rec patient.Record, _ int) RiskEntry {
		alerts := cds.EvaluateAlerts(rec, now)
		critical, warning := cds.CountBySeverity(alerts)
		return RiskEntry{
			PatientID: rec.Patient.ID,
			Name:      rec.Patient.Name,
			Status:    rec.Patient.Status,
			Score:     RiskScore(rec, alerts, now),
			Critical:  critical,
			Warning:   warning,
		}
	})

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if an, bn := strings.ToLower(a.Name), strings.ToLower(b.Name); an != bn {
			return an < bn
		}
		return a.PatientID.String() < b.PatientID.String()
	})

	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
