package kpi

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pdcare/pdcare/internal/domain/patient"
	"github.com/pdcare/pdcare/internal/platform/cache"
	"github.com/pdcare/pdcare/internal/platform/db"
	"github.com/pdcare/pdcare/internal/platform/events"
	"github.com/pdcare/pdcare/internal/platform/metrics"
	"github.com/pdcare/pdcare/internal/platform/reporting"
)

// DashboardTopRisk is the number of patients listed on the dashboard.
const DashboardTopRisk = 5

// RecordSource lists the records of the clinic on the context.
type RecordSource interface {
	ListRecords(ctx context.Context) ([]patient.Record, error)
}

type Dashboard struct {
	PeritonitisRate Rate        `json:"peritonitis_rate"`
	Clinic          Summary     `json:"clinic"`
	TopRisk         []RiskEntry `json:"top_risk"`
	GeneratedAt     time.Time   `json:"generated_at"`
}

type Service struct {
	records RecordSource
	cache   cache.Cache
	ttl     time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewService returns a KPI service. A nil cache or a zero ttl disables
// dashboard caching.
func NewService(records RecordSource, c cache.Cache, ttl time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		records: records,
		cache:   c,
		ttl:     ttl,
		logger:  logger.With().Str("component", "kpi_service").Logger(),
		now:     time.Now,
	}
}

func dashboardKey(clinicID string) string {
	return "kpi:dashboard:" + clinicID
}

// Subscribe drops a clinic's cached dashboard whenever one of its patients
// changes.
func (s *Service) Subscribe(bus *events.Bus) {
	bus.Subscribe(func(ctx context.Context, e events.Event) error {
		clinicID := e.ClinicID
		if clinicID == "" {
			clinicID = db.ClinicFromContext(ctx)
		}
		return s.Invalidate(ctx, clinicID)
	}, events.PatientEvents...)
}

// Invalidate removes the cached dashboard of clinicID.
func (s *Service) Invalidate(ctx context.Context, clinicID string) error {
	if s.cache == nil || clinicID == "" {
		return nil
	}
	if err := s.cache.Delete(ctx, dashboardKey(clinicID)); err != nil {
		return fmt.Errorf("invalidate dashboard: %w", err)
	}
	return nil
}

// Dashboard returns the clinic dashboard, from cache when fresh.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	clinicID := db.ClinicFromContext(ctx)
	caching := s.cache != nil && s.ttl > 0 && clinicID != ""
	log := s.logger.With().Str("clinic_id", clinicID).Logger()

	if caching {
		var cached Dashboard
		hit, err := s.cache.Get(ctx, dashboardKey(clinicID), &cached)
		if err != nil {
			log.Warn().Err(err).Msg("dashboard cache read failed")
		}
		metrics.RecordCacheLookup("dashboard", hit)
		if hit {
			return &cached, nil
		}
	}

	recs, err := s.records.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	d := &Dashboard{
		PeritonitisRate: ComputePeritonitisRate(recs, now),
		Clinic:          ComputeClinicKpis(recs, now),
		TopRisk:         TopRisk(recs, DashboardTopRisk, now),
		GeneratedAt:     now.UTC(),
	}

	if caching {
		if err := s.cache.Set(ctx, dashboardKey(clinicID), d, s.ttl); err != nil {
			log.Warn().Err(err).Msg("dashboard cache write failed")
		}
	}
	return d, nil
}

func (s *Service) PeritonitisRate(ctx context.Context) (Rate, error) {
	recs, err := s.records.ListRecords(ctx)
	if err != nil {
		return Rate{}, err
	}
	return ComputePeritonitisRate(recs, s.now()), nil
}

func (s *Service) ClinicSummary(ctx context.Context) (Summary, error) {
	recs, err := s.records.ListRecords(ctx)
	if err != nil {
		return Summary{}, err
	}
	return ComputeClinicKpis(recs, s.now()), nil
}

// Risk returns the n highest risk patients; n <= 0 returns all of them.
func (s *Service) Risk(ctx context.Context, n int) ([]RiskEntry, error) {
	recs, err := s.records.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	return TopRisk(recs, n, s.now()), nil
}

var (
	rosterHeaders = []string{"Name", "MRN", "Status", "Physician", "Therapy Start", "Next Appointment", "Months on PD", "Peritonitis Episodes"}
	kpiHeaders    = []string{"Indicator", "Value"}
	riskHeaders   = []string{"Rank", "Name", "Status", "Score", "Critical Alerts", "Warning Alerts"}
)

// ExportRoster builds a workbook with the roster, the clinic indicators and
// the full risk ranking.
func (s *Service) ExportRoster(ctx context.Context) ([]byte, error) {
	recs, err := s.records.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()

	sorted := append([]patient.Record(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].Patient.Name) < strings.ToLower(sorted[j].Patient.Name)
	})
	roster := make([][]interface{}, 0, len(sorted))
	for _, rec := range sorted {
		p := rec.Patient
		roster = append(roster, []interface{}{
			p.Name, p.MRN, string(p.Status), p.Physician,
			formatDate(p.TherapyStartDate), p.NextAppointment,
			monthsOnTherapy(p, now), distinctEpisodes(rec.Episodes),
		})
	}

	rate := ComputePeritonitisRate(recs, now)
	sum := ComputeClinicKpis(recs, now)
	var rateCell interface{} = math.Round(rate.Rate*100) / 100
	if rate.Infinite {
		rateCell = "infinite"
	}
	indicators := [][]interface{}{
		{"Peritonitis rate (episodes per patient-year)", rateCell},
		{"Peritonitis episodes", rate.Episodes},
		{"Patient-years", math.Round(rate.PatientYears*100) / 100},
		{"Active PD", sum.ActivePD},
		{"Appointments this week", sum.AppointmentsThisWeek},
		{"New starts last month", sum.NewStartsLastMonth},
		{"Dropouts", sum.Dropouts},
		{"Awaiting catheter", sum.AwaitingCatheter},
		{"Missed visits", sum.MissedVisits},
	}

	ranking := TopRisk(recs, 0, now)
	risk := make([][]interface{}, 0, len(ranking))
	for i, r := range ranking {
		risk = append(risk, []interface{}{i + 1, r.Name, string(r.Status), r.Score, r.Critical, r.Warning})
	}

	wb, err := reporting.NewWorkbook()
	if err != nil {
		return nil, err
	}
	for _, sheet := range []struct {
		name    string
		headers []string
		rows    [][]interface{}
	}{
		{"Roster", rosterHeaders, roster},
		{"KPIs", kpiHeaders, indicators},
		{"Risk", riskHeaders, risk},
	} {
		if err := wb.AddSheet(sheet.name, sheet.headers, sheet.rows); err != nil {
			wb.Close()
			return nil, err
		}
	}
	return wb.Bytes()
}

func formatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}
