package patient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/pdcare/pdcare/internal/platform/auth"
	"github.com/pdcare/pdcare/internal/platform/blobstore"
	"github.com/pdcare/pdcare/internal/platform/db"
	"github.com/pdcare/pdcare/internal/platform/events"
	"github.com/pdcare/pdcare/internal/platform/reporting"
)

// ErrInvalid marks input validation failures. Handlers answer 400 for it.
var ErrInvalid = errors.New("invalid input")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

type Service struct {
	repo   Repository
	blobs  blobstore.BlobStore
	bus    events.Publisher
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, blobs blobstore.BlobStore, bus events.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		blobs:  blobs,
		bus:    bus,
		logger: logger.With().Str("component", "patient_service").Logger(),
		now:    time.Now,
	}
}

// publish sends a domain event. Delivery failures are logged; the write that
// produced the event has already committed.
func (s *Service) publish(ctx context.Context, eventType string, patientID uuid.UUID, payload any) {
	if s.bus == nil {
		return
	}
	e, err := events.New(eventType, db.ClinicFromContext(ctx), patientID.String(), payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Msg("build event")
		return
	}
	if err := s.bus.Publish(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Str("patient_id", patientID.String()).Msg("event delivery incomplete")
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finitePtr(v *float64) bool {
	return v == nil || finite(*v)
}

// -- Patient --

func validatePatient(p *Patient) error {
	p.Name = strings.TrimSpace(p.Name)
	p.Physician = strings.TrimSpace(p.Physician)
	if p.Name == "" {
		return invalidf("name is required")
	}
	if p.Physician == "" {
		return invalidf("physician is required")
	}
	if p.Status == "" {
		p.Status = StatusAwaitingCatheter
	}
	if !p.Status.Valid() {
		return invalidf("unknown status %q", p.Status)
	}
	return nil
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if err := validatePatient(p); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return err
	}
	s.publish(ctx, events.PatientCreated, p.ID, p)
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

// UpdatePatient replaces the patient's fields. updated_at only moves when the
// status changes, since it dates the end of PD for former patients.
func (s *Service) UpdatePatient(ctx context.Context, p *Patient) error {
	if err := validatePatient(p); err != nil {
		return err
	}
	existing, err := s.repo.GetByID(ctx, p.ID)
	if err != nil {
		return err
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = existing.UpdatedAt
	if p.Status != existing.Status {
		p.UpdatedAt = s.now().UTC()
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return err
	}
	s.publish(ctx, events.PatientUpdated, p.ID, p)
	return nil
}

func (s *Service) DeletePatient(ctx context.Context, id uuid.UUID) error {
	images, err := s.repo.Images(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	for _, img := range images {
		s.deleteBlob(ctx, img.BlobID)
	}
	s.publish(ctx, events.PatientUpdated, id, map[string]any{"id": id, "deleted": true})
	return nil
}

func (s *Service) ListPatients(ctx context.Context, f ListFilter, limit, offset int) ([]*Patient, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, invalidf("unknown status %q", f.Status)
	}
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) requirePatient(ctx context.Context, id uuid.UUID) error {
	_, err := s.repo.GetByID(ctx, id)
	return err
}

// -- Clinical logs --

func (s *Service) AddVital(ctx context.Context, v *VitalSign) error {
	if v.RecordedAt.IsZero() {
		v.RecordedAt = s.now().UTC()
	}
	if !finitePtr(v.Temperature) || !finitePtr(v.Weight) {
		return invalidf("temperature and weight must be finite numbers")
	}
	if v.Weight != nil && *v.Weight <= 0 {
		return invalidf("weight must be positive")
	}
	for name, n := range map[string]*int{
		"systolic_bp": v.SystolicBP, "diastolic_bp": v.DiastolicBP,
		"heart_rate": v.HeartRate, "respiratory_rate": v.RespiratoryRate,
	} {
		if n != nil && *n < 0 {
			return invalidf("%s must not be negative", name)
		}
	}
	if err := s.requirePatient(ctx, v.PatientID); err != nil {
		return err
	}
	if err := s.repo.AddVital(ctx, v); err != nil {
		return err
	}
	s.publish(ctx, events.VitalRecorded, v.PatientID, v)
	return nil
}

func (s *Service) AddLab(ctx context.Context, l *LabResult) error {
	l.TestName = strings.TrimSpace(l.TestName)
	if l.TestName == "" {
		return invalidf("test_name is required")
	}
	if !finite(l.Value) || !finitePtr(l.RefLow) || !finitePtr(l.RefHigh) {
		return invalidf("value and reference range must be finite numbers")
	}
	if l.RefLow != nil && l.RefHigh != nil && *l.RefLow > *l.RefHigh {
		return invalidf("ref_low must not exceed ref_high")
	}
	if l.ResultDate.IsZero() {
		l.ResultDate = s.now().UTC()
	}
	if err := s.requirePatient(ctx, l.PatientID); err != nil {
		return err
	}
	if err := s.repo.AddLab(ctx, l); err != nil {
		return err
	}
	s.publish(ctx, events.LabRecorded, l.PatientID, l)
	return nil
}

// AddExchange records one bag exchange. Ultrafiltration is always derived
// from the drain and fill volumes; a client-supplied value is ignored.
func (s *Service) AddExchange(ctx context.Context, x *Exchange) error {
	if x.PerformedAt.IsZero() {
		return invalidf("performed_at is required")
	}
	if !finite(x.FillVolumeML) || !finite(x.DrainVolumeML) {
		return invalidf("fill and drain volumes must be finite numbers")
	}
	if x.FillVolumeML < 0 || x.DrainVolumeML < 0 {
		return invalidf("fill and drain volumes must not be negative")
	}
	if x.DwellMinutes < 0 {
		return invalidf("dwell_minutes must not be negative")
	}
	x.UltrafiltrationML = x.DrainVolumeML - x.FillVolumeML
	if x.RecordedBy == "" {
		x.RecordedBy = auth.UserIDFromContext(ctx)
	}
	if err := s.requirePatient(ctx, x.PatientID); err != nil {
		return err
	}
	if err := s.repo.AddExchange(ctx, x); err != nil {
		return err
	}
	s.publish(ctx, events.ExchangeLogged, x.PatientID, x)
	return nil
}

func (s *Service) AddMedication(ctx context.Context, m *Medication) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return invalidf("name is required")
	}
	if m.Status == "" {
		m.Status = MedicationActive
	}
	if !validMedicationStatus(m.Status) {
		return invalidf("unknown medication status %q", m.Status)
	}
	if m.StartDate.IsZero() {
		m.StartDate = s.now().UTC().Truncate(24 * time.Hour)
	}
	if m.EndDate != nil && m.EndDate.Before(m.StartDate) {
		return invalidf("end_date must not be before start_date")
	}
	if err := s.requirePatient(ctx, m.PatientID); err != nil {
		return err
	}
	if err := s.repo.AddMedication(ctx, m); err != nil {
		return err
	}
	s.publish(ctx, events.PatientUpdated, m.PatientID, m)
	return nil
}

func (s *Service) UpdateMedicationStatus(ctx context.Context, patientID, id uuid.UUID, status string) (*Medication, error) {
	if !validMedicationStatus(status) {
		return nil, invalidf("unknown medication status %q", status)
	}
	m, err := s.repo.UpdateMedicationStatus(ctx, patientID, id, status)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.PatientUpdated, patientID, m)
	return m, nil
}

func (s *Service) AddEpisode(ctx context.Context, e *PeritonitisEpisode) error {
	if e.DiagnosisDate.IsZero() {
		return invalidf("diagnosis_date is required")
	}
	e.Organism = strings.TrimSpace(e.Organism)
	if e.ResolutionDate != nil && e.ResolutionDate.Before(e.DiagnosisDate) {
		return invalidf("resolution_date must not be before diagnosis_date")
	}
	if err := s.requirePatient(ctx, e.PatientID); err != nil {
		return err
	}
	if err := s.repo.AddEpisode(ctx, e); err != nil {
		return err
	}
	s.publish(ctx, events.EpisodeRecorded, e.PatientID, e)
	return nil
}

func (s *Service) AddUrine(ctx context.Context, u *UrineOutput) error {
	if !finite(u.VolumeML) || u.VolumeML < 0 {
		return invalidf("volume_ml must be a non-negative number")
	}
	if u.LogDate.IsZero() {
		u.LogDate = s.now().UTC()
	}
	if err := s.requirePatient(ctx, u.PatientID); err != nil {
		return err
	}
	if err := s.repo.AddUrine(ctx, u); err != nil {
		return err
	}
	s.publish(ctx, events.UrineLogged, u.PatientID, u)
	return nil
}

func (s *Service) AddOutcome(ctx context.Context, o *ReportedOutcome) error {
	o.Summary = strings.TrimSpace(o.Summary)
	if o.Summary == "" {
		return invalidf("summary is required")
	}
	if o.ReportedAt.IsZero() {
		o.ReportedAt = s.now().UTC()
	}
	if err := s.requirePatient(ctx, o.PatientID); err != nil {
		return err
	}
	if err := s.repo.AddOutcome(ctx, o); err != nil {
		return err
	}
	s.publish(ctx, events.OutcomeReported, o.PatientID, o)
	return nil
}

// -- Images --

// ImageUpload is the metadata of a multipart image upload.
type ImageUpload struct {
	FileName       string
	ContentType    string
	Description    string
	RequiresReview bool
}

// UploadImage stores the content in the blob store and then records the
// image. The blob is removed again if the record cannot be written.
func (s *Service) UploadImage(ctx context.Context, patientID uuid.UUID, up ImageUpload, content io.Reader) (*Image, error) {
	if err := s.requirePatient(ctx, patientID); err != nil {
		return nil, err
	}
	uploader := auth.UserIDFromContext(ctx)
	meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
		FileName:    up.FileName,
		ContentType: up.ContentType,
		PatientID:   patientID.String(),
		CreatedBy:   uploader,
	}, content)
	if err != nil {
		if rejectedUpload(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return nil, fmt.Errorf("store image: %w", err)
	}

	img := &Image{
		PatientID:      patientID,
		BlobID:         meta.ID,
		FileName:       meta.FileName,
		ContentType:    meta.ContentType,
		Description:    strings.TrimSpace(up.Description),
		RequiresReview: up.RequiresReview,
		UploadedBy:     uploader,
		UploadedAt:     s.now().UTC(),
	}
	if err := s.repo.AddImage(ctx, img); err != nil {
		s.deleteBlob(ctx, meta.ID)
		return nil, err
	}
	s.publish(ctx, events.ImageUploaded, patientID, img)
	return img, nil
}

func (s *Service) SetImageReview(ctx context.Context, patientID, id uuid.UUID, requiresReview bool) (*Image, error) {
	img, err := s.repo.SetImageReview(ctx, patientID, id, requiresReview)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.PatientUpdated, patientID, img)
	return img, nil
}

// ImageContent opens the stored bytes of an image. The caller closes the reader.
func (s *Service) ImageContent(ctx context.Context, patientID, id uuid.UUID) (io.ReadCloser, *Image, error) {
	img, err := s.repo.GetImage(ctx, patientID, id)
	if err != nil {
		return nil, nil, err
	}
	rc, _, err := s.blobs.Download(ctx, img.BlobID)
	if err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return rc, img, nil
}

func rejectedUpload(err error) bool {
	return errors.Is(err, blobstore.ErrFileTooLarge) ||
		errors.Is(err, blobstore.ErrInvalidContentType) ||
		errors.Is(err, blobstore.ErrMissingFileName) ||
		errors.Is(err, blobstore.ErrEmptyFile)
}

func (s *Service) deleteBlob(ctx context.Context, blobID string) {
	if err := s.blobs.Delete(ctx, blobID); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		s.logger.Warn().Err(err).Str("blob_id", blobID).Msg("orphaned image blob")
	}
}

// -- Collections --

// DeleteEntry removes one item from a patient's collection. Removing an image
// also removes its blob.
func (s *Service) DeleteEntry(ctx context.Context, c Collection, patientID, id uuid.UUID) error {
	var blobID string
	if c == Images {
		img, err := s.repo.GetImage(ctx, patientID, id)
		if err != nil {
			return err
		}
		blobID = img.BlobID
	}
	if err := s.repo.DeleteEntry(ctx, c, patientID, id); err != nil {
		return err
	}
	if blobID != "" {
		s.deleteBlob(ctx, blobID)
	}
	s.publish(ctx, events.PatientUpdated, patientID, map[string]any{"collection": c, "deleted": id})
	return nil
}

// List returns one collection of a patient, oldest first.
func (s *Service) List(ctx context.Context, c Collection, patientID uuid.UUID) (any, error) {
	if err := s.requirePatient(ctx, patientID); err != nil {
		return nil, err
	}
	switch c {
	case Vitals:
		return s.repo.Vitals(ctx, patientID)
	case Labs:
		return s.repo.Labs(ctx, patientID)
	case Exchanges:
		return s.repo.Exchanges(ctx, patientID)
	case Medications:
		return s.repo.Medications(ctx, patientID)
	case Episodes:
		return s.repo.Episodes(ctx, patientID)
	case Urine:
		return s.repo.Urine(ctx, patientID)
	case Outcomes:
		return s.repo.Outcomes(ctx, patientID)
	case Images:
		return s.repo.Images(ctx, patientID)
	}
	return nil, invalidf("unknown collection %q", c)
}

// -- Records --

// GetRecord assembles the full snapshot of one patient.
func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	recs, err := s.load(ctx, []*Patient{p})
	if err != nil {
		return nil, err
	}
	return &recs[0], nil
}

// ListRecords assembles snapshots for every patient of the clinic, ordered by
// name. Each collection is fetched once for the whole roster.
func (s *Service) ListRecords(ctx context.Context) ([]Record, error) {
	patients, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, patients)
}

func (s *Service) load(ctx context.Context, patients []*Patient) ([]Record, error) {
	if len(patients) == 0 {
		return []Record{}, nil
	}
	ids := lo.Map(patients, func(p *Patient, _ int) uuid.UUID { return p.ID })

	vitals, err := s.repo.Vitals(ctx, ids...)
	if err != nil {
		return nil, err
	}
	labs, err := s.repo.Labs(ctx, ids...)
	if err != nil {
		return nil, err
	}
	exchanges, err := s.repo.Exchanges(ctx, ids...)
	if err != nil {
		return nil, err
	}
	meds, err := s.repo.Medications(ctx, ids...)
	if err != nil {
		return nil, err
	}
	episodes, err := s.repo.Episodes(ctx, ids...)
	if err != nil {
		return nil, err
	}
	urine, err := s.repo.Urine(ctx, ids...)
	if err != nil {
		return nil, err
	}
	outcomes, err := s.repo.Outcomes(ctx, ids...)
	if err != nil {
		return nil, err
	}
	images, err := s.repo.Images(ctx, ids...)
	if err != nil {
		return nil, err
	}

	byVital := lo.GroupBy(vitals, func(v VitalSign) uuid.UUID { return v.PatientID })
	byLab := lo.GroupBy(labs, func(l LabResult) uuid.UUID { return l.PatientID })
	byExchange := lo.GroupBy(exchanges, func(x Exchange) uuid.UUID { return x.PatientID })
	byMed := lo.GroupBy(meds, func(m Medication) uuid.UUID { return m.PatientID })
	byEpisode := lo.GroupBy(episodes, func(e PeritonitisEpisode) uuid.UUID { return e.PatientID })
	byUrine := lo.GroupBy(urine, func(u UrineOutput) uuid.UUID { return u.PatientID })
	byOutcome := lo.GroupBy(outcomes, func(o ReportedOutcome) uuid.UUID { return o.PatientID })
	byImage := lo.GroupBy(images, func(i Image) uuid.UUID { return i.PatientID })

	recs := make([]Record, 0, len(patients))
	for _, p := range patients {
		recs = append(recs, Record{
			Patient:     *p,
			Vitals:      byVital[p.ID],
			Labs:        byLab[p.ID],
			Exchanges:   byExchange[p.ID],
			Medications: byMed[p.ID],
			Episodes:    byEpisode[p.ID],
			Urine:       byUrine[p.ID],
			Outcomes:    byOutcome[p.ID],
			Images:      byImage[p.ID],
		})
	}
	return recs, nil
}

// LabTrend builds a line chart of one test for a patient. The reference
// lines come from the most recent result that carries a range.
func (s *Service) LabTrend(ctx context.Context, patientID uuid.UUID, test string) (*reporting.LineChart, error) {
	test = strings.TrimSpace(test)
	if test == "" {
		return nil, invalidf("test is required")
	}
	p, err := s.repo.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	labs, err := s.repo.Labs(ctx, patientID)
	if err != nil {
		return nil, err
	}
	matches := lo.Filter(labs, func(l LabResult, _ int) bool {
		return strings.EqualFold(l.TestName, test)
	})
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].ResultDate.Before(matches[j].ResultDate) })

	chart := &reporting.LineChart{Title: fmt.Sprintf("%s: %s", p.Name, test)}
	for _, l := range matches {
		chart.Points = append(chart.Points, reporting.Point{Label: l.ResultDate.Format("2006-01-02"), Value: l.Value})
		if l.Unit != "" {
			chart.Unit = l.Unit
		}
		if l.RefLow != nil || l.RefHigh != nil {
			chart.RefLow, chart.RefHigh = l.RefLow, l.RefHigh
		}
	}
	return chart, nil
}
