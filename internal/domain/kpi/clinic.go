package kpi

import (
	"time"

	"github.com/samber/lo"

	"github.com/pdcare/pdcare/internal/domain/patient"
)

// Summary holds the clinic headline counts. Each is an independent filter
// over the roster.
type Summary struct {
	ActivePD             int `json:"active_pd"`
	AppointmentsThisWeek int `json:"appointments_this_week"`
	NewStartsLastMonth   int `json:"new_starts_last_month"`
	Dropouts             int `json:"dropouts"`
	AwaitingCatheter     int `json:"awaiting_catheter"`
	MissedVisits         int `json:"missed_visits"`
}

// ComputeClinicKpis counts the roster relative to the date of now in now's
// location.
func ComputeClinicKpis(recs []patient.Record, now time.Time) Summary {
	loc := now.Location()
	today := localDate(now, loc)
	weekStart := today.AddDate(0, 0, -isoWeekday(today)+1)
	weekEnd := weekStart.AddDate(0, 0, 7)
	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
	lastMonthStart := monthStart.AddDate(0, -1, 0)

	pts := lo.Map(recs, func(r patient.Record, _ int) patient.Patient { return r.Patient })
	withStatus := func(s patient.Status) int {
		return lo.CountBy(pts, func(p patient.Patient) bool { return p.Status == s })
	}
	appointment := func(p patient.Patient) (time.Time, bool) {
		if p.NextAppointment == nil || p.NextAppointment.IsZero() {
			return time.Time{}, false
		}
		return localDate(*p.NextAppointment, loc), true
	}

	thisWeek := lo.CountBy(pts, func(p patient.Patient) bool {
		d, ok := appointment(p)
		return ok && !d.Before(weekStart) && d.Before(weekEnd)
	})
	newStarts := lo.CountBy(pts, func(p patient.Patient) bool {
		if p.TherapyStartDate == nil || p.TherapyStartDate.IsZero() {
			return false
		}
		d := dateOf(*p.TherapyStartDate)
		return !d.Before(lastMonthStart) && d.Before(monthStart)
	})
	missed := lo.CountBy(pts, func(p patient.Patient) bool {
		d, ok := appointment(p)
		return ok && d.Before(today)
	})

	return Summary{
		ActivePD:             withStatus(patient.StatusActivePD),
		AppointmentsThisWeek: thisWeek,
		NewStartsLastMonth:   newStarts,
		Dropouts:             lo.CountBy(pts, func(p patient.Patient) bool { return p.Status.IsDropout() }),
		AwaitingCatheter:     withStatus(patient.StatusAwaitingCatheter),
		MissedVisits:         missed,
	}
}

// isoWeekday maps Monday to 1 and Sunday to 7.
func isoWeekday(t time.Time) int {
	if wd := int(t.Weekday()); wd != 0 {
		return wd
	}
	return 7
}
