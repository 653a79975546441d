// Package kpi aggregates clinic-level indicators from patient records: the
// peritonitis rate, the clinic summary counts and the risk ranking.
package kpi

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/pdcare/pdcare/internal/domain/patient"
)

// Rate is the peritonitis rate in episodes per patient-year.
type Rate struct {
	Rate         float64 `json:"rate"`
	Episodes     int     `json:"episodes"`
	PatientYears float64 `json:"patient_years"`
	Infinite     bool    `json:"-"`
}

// MarshalJSON writes an infinite rate as the string "infinite".
func (r Rate) MarshalJSON() ([]byte, error) {
	type plain struct {
		Rate         any     `json:"rate"`
		Episodes     int     `json:"episodes"`
		PatientYears float64 `json:"patient_years"`
	}
	out := plain{Rate: r.Rate, Episodes: r.Episodes, PatientYears: r.PatientYears}
	if r.Infinite {
		out.Rate = "infinite"
	}
	return json.Marshal(out)
}

func (r *Rate) UnmarshalJSON(data []byte) error {
	var in struct {
		Rate         json.RawMessage `json:"rate"`
		Episodes     int             `json:"episodes"`
		PatientYears float64         `json:"patient_years"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Rate{Episodes: in.Episodes, PatientYears: in.PatientYears}
	if string(in.Rate) == `"infinite"` {
		r.Rate = math.Inf(1)
		r.Infinite = true
		return nil
	}
	if len(in.Rate) == 0 || string(in.Rate) == "null" {
		return nil
	}
	return json.Unmarshal(in.Rate, &r.Rate)
}

// ComputePeritonitisRate divides the distinct episodes of all patients by
// their combined time on therapy. Relapses, a repeat of the previous
// episode's organism within one calendar month, are not counted.
func ComputePeritonitisRate(recs []patient.Record, now time.Time) Rate {
	months := 0
	episodes := 0
	for _, rec := range recs {
		months += monthsOnTherapy(rec.Patient, now)
		episodes += distinctEpisodes(rec.Episodes)
	}

	r := Rate{Episodes: episodes, PatientYears: float64(months) / 12}
	switch {
	case months > 0:
		r.Rate = float64(episodes) / r.PatientYears
	case episodes > 0:
		r.Rate = math.Inf(1)
		r.Infinite = true
	}
	return r
}

func monthsOnTherapy(p patient.Patient, now time.Time) int {
	if p.TherapyStartDate == nil || p.TherapyStartDate.IsZero() {
		return 0
	}
	end := now
	if p.Status != patient.StatusActivePD {
		end = p.UpdatedAt
	}
	return wholeMonths(dateOf(*p.TherapyStartDate), localDate(end, now.Location()))
}

func distinctEpisodes(eps []patient.PeritonitisEpisode) int {
	eps = lo.Filter(eps, func(e patient.PeritonitisEpisode, _ int) bool {
		return !e.DiagnosisDate.IsZero()
	})
	sort.SliceStable(eps, func(i, j int) bool {
		return eps[i].DiagnosisDate.Before(eps[j].DiagnosisDate)
	})

	n := 0
	for i, e := range eps {
		if i > 0 {
			prev := eps[i-1]
			if organism(prev) == organism(e) &&
				wholeMonths(dateOf(prev.DiagnosisDate), dateOf(e.DiagnosisDate)) < 1 {
				continue
			}
		}
		n++
	}
	return n
}

func organism(e patient.PeritonitisEpisode) string {
	return strings.ToLower(strings.TrimSpace(e.Organism))
}

// dateOf returns the civil date of a DATE column value. Postgres dates scan
// as UTC midnight, so the stored components are used as-is.
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// localDate returns the date of an instant as seen in loc.
func localDate(t time.Time, loc *time.Location) time.Time {
	return dateOf(t.In(loc))
}

// wholeMonths counts the complete calendar months from one date to a later
// one. A month is complete once the day of month is reached again. Spans that
// run backwards count as zero.
func wholeMonths(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	n := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	if to.Day() < from.Day() {
		n--
	}
	return max(n, 0)
}
