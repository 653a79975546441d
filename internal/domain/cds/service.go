package cds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pdcare/pdcare/internal/domain/patient"
	"github.com/pdcare/pdcare/internal/platform/cache"
	"github.com/pdcare/pdcare/internal/platform/db"
	"github.com/pdcare/pdcare/internal/platform/events"
	"github.com/pdcare/pdcare/internal/platform/metrics"
	"github.com/pdcare/pdcare/internal/platform/notification"
)

// RecordSource supplies patient snapshots. *patient.Service implements it.
type RecordSource interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*patient.Record, error)
	ListRecords(ctx context.Context) ([]patient.Record, error)
}

// RiskScorer ranks a patient from its record and current alerts.
type RiskScorer func(rec patient.Record, alerts []Alert, now time.Time) int

// Notifier delivers alert notifications. *notification.Manager implements it.
type Notifier interface {
	Send(ctx context.Context, n *notification.Notification) error
	SendFromTemplate(ctx context.Context, templateID string, data map[string]string, n *notification.Notification) error
}

type Options struct {
	// AlertEmail receives critical alert emails. Empty disables email.
	AlertEmail string
	// Workers bounds roster evaluation concurrency.
	Workers int
	// NotifyTTL is how long notified alert ids and each patient's active
	// alert set are remembered.
	NotifyTTL time.Duration
}

// RaisedAlert is the payload of an alert.raised event.
type RaisedAlert struct {
	Alert
	PatientID   uuid.UUID `json:"patient_id"`
	PatientName string    `json:"patient_name"`
	TriggeredBy string    `json:"triggered_by"`
}

type Service struct {
	records  RecordSource
	score    RiskScorer
	bus      events.Publisher
	notifier Notifier
	guard    cache.Cache
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(records RecordSource, score RiskScorer, bus events.Publisher, notifier Notifier, guard cache.Cache, opts Options, logger zerolog.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.NotifyTTL <= 0 {
		opts.NotifyTTL = 30 * 24 * time.Hour
	}
	return &Service{
		records:  records,
		score:    score,
		bus:      bus,
		notifier: notifier,
		guard:    guard,
		opts:     opts,
		logger:   logger.With().Str("component", "cds_service").Logger(),
		now:      time.Now,
	}
}

// Subscribe re-evaluates a patient whenever its record changes.
func (s *Service) Subscribe(bus *events.Bus) {
	bus.Subscribe(s.HandlePatientEvent, events.PatientEvents...)
}

func (s *Service) evaluate(rec patient.Record, now time.Time) Evaluation {
	start := time.Now()
	alerts := EvaluateAlerts(rec, now)
	metrics.RecordEvaluation(time.Since(start))

	ev := Evaluation{
		PatientID:   rec.Patient.ID,
		PatientName: rec.Patient.Name,
		Alerts:      alerts,
		EvaluatedAt: now,
	}
	if s.score != nil {
		ev.RiskScore = s.score(rec, alerts, now)
	}
	return ev
}

// EvaluatePatient loads one record and evaluates it.
func (s *Service) EvaluatePatient(ctx context.Context, id uuid.UUID) (*Evaluation, error) {
	rec, err := s.records.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	ev := s.evaluate(*rec, s.now())
	return &ev, nil
}

// EvaluateRoster evaluates every patient of the clinic on a bounded pool and
// returns the results ordered by patient name.
func (s *Service) EvaluateRoster(ctx context.Context) ([]Evaluation, error) {
	recs, err := s.records.ListRecords(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	results := make([]Evaluation, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i := range recs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.evaluate(recs[i], now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := strings.ToLower(results[i].PatientName), strings.ToLower(results[j].PatientName)
		if a != b {
			return a < b
		}
		return results[i].PatientID.String() < results[j].PatientID.String()
	})
	return results, nil
}

// HandlePatientEvent re-evaluates the patient named by e, publishes an
// alert.raised event for each alert that was not active at the previous
// evaluation and notifies staff about new cloudy effluent. An alert that
// clears and later returns is raised again. Failures are logged; the write
// that produced e has already succeeded.
func (s *Service) HandlePatientEvent(ctx context.Context, e events.Event) error {
	id, err := uuid.Parse(e.PatientID)
	if err != nil {
		return nil
	}
	rec, err := s.records.GetRecord(ctx, id)
	if err != nil {
		if !errors.Is(err, patient.ErrNotFound) {
			s.logger.Error().Err(err).Str("patient_id", e.PatientID).Msg("load record for evaluation")
		}
		return nil
	}

	ev := s.evaluate(*rec, s.now())
	clinicID := e.ClinicID
	if clinicID == "" {
		clinicID = db.ClinicFromContext(ctx)
	}

	active := s.swapActive(ctx, clinicID, ev)
	for _, a := range ev.Alerts {
		if !active[a.ID] {
			metrics.RecordAlert(string(a.Severity), a.Category)
			s.raise(ctx, clinicID, e.Type, ev, a)
		}
		if a.Severity == SeverityCritical && strings.HasPrefix(a.ID, "cloudy-fluid-") {
			s.notifyOnce(ctx, clinicID, *rec, a)
		}
	}
	return nil
}

// swapActive stores the alert ids of ev as the patient's active set and
// returns the set stored by the previous evaluation. If the guard is
// unreachable it returns nil, so every alert is raised.
func (s *Service) swapActive(ctx context.Context, clinicID string, ev Evaluation) map[string]bool {
	if s.guard == nil {
		return nil
	}
	key := fmt.Sprintf("cds:active:%s:%s", clinicID, ev.PatientID)
	log := s.logger.With().Str("patient_id", ev.PatientID.String()).Logger()

	var prev []string
	if _, err := s.guard.Get(ctx, key, &prev); err != nil {
		log.Warn().Err(err).Msg("active alert set unavailable")
		return nil
	}
	ids := make([]string, 0, len(ev.Alerts))
	for _, a := range ev.Alerts {
		ids = append(ids, a.ID)
	}
	if err := s.guard.Set(ctx, key, ids, s.opts.NotifyTTL); err != nil {
		log.Warn().Err(err).Msg("store active alert set")
	}

	active := make(map[string]bool, len(prev))
	for _, id := range prev {
		active[id] = true
	}
	return active
}

func (s *Service) raise(ctx context.Context, clinicID, trigger string, ev Evaluation, a Alert) {
	if s.bus == nil {
		return
	}
	payload := RaisedAlert{Alert: a, PatientID: ev.PatientID, PatientName: ev.PatientName, TriggeredBy: trigger}
	out, err := events.New(events.AlertRaised, clinicID, ev.PatientID.String(), payload)
	if err != nil {
		s.logger.Error().Err(err).Str("alert_id", a.ID).Msg("build alert event")
		return
	}
	if err := s.bus.Publish(ctx, out); err != nil {
		s.logger.Warn().Err(err).Str("alert_id", a.ID).Msg("alert event delivery incomplete")
	}
}

// notifyOnce emails the clinic and pushes to the clinic topic the first time
// an alert id is seen. If the guard is unreachable the alert is sent anyway.
func (s *Service) notifyOnce(ctx context.Context, clinicID string, rec patient.Record, a Alert) {
	if s.notifier == nil {
		return
	}
	if s.guard != nil {
		first, err := s.guard.SetNX(ctx, fmt.Sprintf("cds:notified:%s:%s", clinicID, a.ID), s.opts.NotifyTTL)
		if err != nil {
			s.logger.Warn().Err(err).Str("alert_id", a.ID).Msg("notify guard unavailable")
		} else if !first {
			return
		}
	}

	performedAt := ""
	for _, x := range rec.Exchanges {
		if "cloudy-fluid-"+x.ID.String() == a.ID && !x.PerformedAt.IsZero() {
			performedAt = x.PerformedAt.Format("2006-01-02 15:04")
		}
	}
	log := s.logger.With().Str("alert_id", a.ID).Str("patient_id", rec.Patient.ID.String()).Logger()

	if s.opts.AlertEmail != "" {
		err := s.notifier.SendFromTemplate(ctx, notification.TemplateCloudyEffluent, map[string]string{
			"patient_name": rec.Patient.Name,
			"performed_at": performedAt,
			"alert_id":     a.ID,
		}, &notification.Notification{
			ClinicID:  clinicID,
			PatientID: rec.Patient.ID.String(),
			Recipient: s.opts.AlertEmail,
			Priority:  "urgent",
		})
		if err != nil {
			log.Error().Err(err).Msg("cloudy effluent email failed")
		}
	}

	err := s.notifier.Send(ctx, &notification.Notification{
		ClinicID:  clinicID,
		PatientID: rec.Patient.ID.String(),
		Type:      notification.TypePush,
		Recipient: notification.AlertTopic(clinicID),
		Subject:   "Cloudy effluent",
		Body:      fmt.Sprintf("%s: %s", rec.Patient.Name, a.Message),
		Priority:  "urgent",
	})
	if err != nil {
		log.Error().Err(err).Msg("cloudy effluent push failed")
	}
}
