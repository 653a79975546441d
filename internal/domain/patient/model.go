// Package patient owns the PD patient aggregate: registration, the daily
// clinical logs and the read-only Record snapshot used by alerting and KPIs.
package patient

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// Status is a patient's position in the PD care pathway.
type Status string

const (
	StatusAwaitingCatheter Status = "AwaitingCatheter"
	StatusActivePD         Status = "ActivePD"
	StatusTransferredToHD  Status = "TransferredToHD"
	StatusCatheterRemoved  Status = "CatheterRemoved"
	StatusTransplanted     Status = "Transplanted"
	StatusDeceased         Status = "Deceased"
)

var Statuses = []Status{
	StatusAwaitingCatheter, StatusActivePD, StatusTransferredToHD,
	StatusCatheterRemoved, StatusTransplanted, StatusDeceased,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsDropout reports whether the patient has left PD.
func (s Status) IsDropout() bool {
	switch s {
	case StatusDeceased, StatusTransferredToHD, StatusCatheterRemoved, StatusTransplanted:
		return true
	}
	return false
}

type Patient struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	Name             string     `db:"name" json:"name"`
	MRN              *string    `db:"mrn" json:"mrn,omitempty"`
	Physician        string     `db:"physician" json:"physician"`
	Status           Status     `db:"status" json:"status"`
	TherapyStartDate *time.Time `db:"therapy_start_date" json:"therapy_start_date,omitempty"`
	NextAppointment  *time.Time `db:"next_appointment" json:"next_appointment,omitempty"`
	Email            *string    `db:"email" json:"email,omitempty"`
	Phone            *string    `db:"phone" json:"phone,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

type VitalSign struct {
	ID              uuid.UUID `db:"id" json:"id"`
	PatientID       uuid.UUID `db:"patient_id" json:"patient_id"`
	RecordedAt      time.Time `db:"recorded_at" json:"recorded_at"`
	SystolicBP      *int      `db:"systolic_bp" json:"systolic_bp,omitempty"`
	DiastolicBP     *int      `db:"diastolic_bp" json:"diastolic_bp,omitempty"`
	HeartRate       *int      `db:"heart_rate" json:"heart_rate,omitempty"`
	Temperature     *float64  `db:"temperature" json:"temperature,omitempty"`
	Weight          *float64  `db:"weight" json:"weight,omitempty"`
	RespiratoryRate *int      `db:"respiratory_rate" json:"respiratory_rate,omitempty"`
	FluidStatusNote *string   `db:"fluid_status_note" json:"fluid_status_note,omitempty"`
}

// Lab flags.
const (
	FlagHigh   = "high"
	FlagLow    = "low"
	FlagNormal = "normal"
)

type LabResult struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	ResultDate time.Time `db:"result_date" json:"result_date"`
	TestName   string    `db:"test_name" json:"test_name"`
	Value      float64   `db:"value" json:"value"`
	Unit       string    `db:"unit" json:"unit"`
	RefLow     *float64  `db:"ref_low" json:"ref_low,omitempty"`
	RefHigh    *float64  `db:"ref_high" json:"ref_high,omitempty"`
}

// Flag compares the value to the reference range. It returns "" when the
// result has no range at all; a missing range is never "normal".
func (l LabResult) Flag() string {
	if l.RefLow == nil && l.RefHigh == nil {
		return ""
	}
	if l.RefHigh != nil && l.Value > *l.RefHigh {
		return FlagHigh
	}
	if l.RefLow != nil && l.Value < *l.RefLow {
		return FlagLow
	}
	return FlagNormal
}

// Exchange is one PD bag exchange.
type Exchange struct {
	ID                uuid.UUID `db:"id" json:"id"`
	PatientID         uuid.UUID `db:"patient_id" json:"patient_id"`
	PerformedAt       time.Time `db:"performed_at" json:"performed_at"`
	DialysateType     string    `db:"dialysate_type" json:"dialysate_type"`
	FillVolumeML      float64   `db:"fill_volume_ml" json:"fill_volume_ml"`
	DrainVolumeML     float64   `db:"drain_volume_ml" json:"drain_volume_ml"`
	UltrafiltrationML float64   `db:"ultrafiltration_ml" json:"ultrafiltration_ml"`
	DwellMinutes      int       `db:"dwell_minutes" json:"dwell_minutes"`
	IsEffluentCloudy  bool      `db:"is_effluent_cloudy" json:"is_effluent_cloudy"`
	Complications     *string   `db:"complications" json:"complications,omitempty"`
	RecordedBy        string    `db:"recorded_by" json:"recorded_by"`
}

// MedicationStatus values.
const (
	MedicationActive    = "active"
	MedicationOnHold    = "on-hold"
	MedicationCompleted = "completed"
	MedicationStopped   = "stopped"
)

func validMedicationStatus(s string) bool {
	switch s {
	case MedicationActive, MedicationOnHold, MedicationCompleted, MedicationStopped:
		return true
	}
	return false
}

type Medication struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	PatientID uuid.UUID  `db:"patient_id" json:"patient_id"`
	Name      string     `db:"name" json:"name"`
	Dosage    string     `db:"dosage" json:"dosage"`
	Frequency string     `db:"frequency" json:"frequency"`
	StartDate time.Time  `db:"start_date" json:"start_date"`
	EndDate   *time.Time `db:"end_date" json:"end_date,omitempty"`
	Status    string     `db:"status" json:"status"`
}

type PeritonitisEpisode struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PatientID      uuid.UUID  `db:"patient_id" json:"patient_id"`
	DiagnosisDate  time.Time  `db:"diagnosis_date" json:"diagnosis_date"`
	Organism       string     `db:"organism" json:"organism"`
	Treatment      string     `db:"treatment" json:"treatment"`
	Outcome        string     `db:"outcome" json:"outcome"`
	ResolutionDate *time.Time `db:"resolution_date" json:"resolution_date,omitempty"`
}

type UrineOutput struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	LogDate   time.Time `db:"log_date" json:"log_date"`
	VolumeML  float64   `db:"volume_ml" json:"volume_ml"`
}

// ReportedOutcome is free text from a patient's daily report.
type ReportedOutcome struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	ReportedAt time.Time `db:"reported_at" json:"reported_at"`
	Summary    string    `db:"summary" json:"summary"`
}

// Image is an uploaded photo or document; the bytes live in the blob store.
type Image struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PatientID      uuid.UUID `db:"patient_id" json:"patient_id"`
	BlobID         string    `db:"blob_id" json:"blob_id"`
	FileName       string    `db:"file_name" json:"file_name"`
	ContentType    string    `db:"content_type" json:"content_type"`
	Description    string    `db:"description" json:"description"`
	RequiresReview bool      `db:"requires_review" json:"requires_review"`
	UploadedBy     string    `db:"uploaded_by" json:"uploaded_by"`
	UploadedAt     time.Time `db:"uploaded_at" json:"uploaded_at"`
}

// Record is a read-only snapshot of one patient and every clinical
// collection. Evaluators and aggregators consume it without I/O.
type Record struct {
	Patient     Patient              `json:"patient"`
	Vitals      []VitalSign          `json:"vitals"`
	Labs        []LabResult          `json:"labs"`
	Exchanges   []Exchange           `json:"exchanges"`
	Medications []Medication         `json:"medications"`
	Episodes    []PeritonitisEpisode `json:"episodes"`
	Urine       []UrineOutput        `json:"urine"`
	Outcomes    []ReportedOutcome    `json:"outcomes"`
	Images      []Image              `json:"images"`
}

// Collection names a per-patient child collection.
type Collection string

const (
	Vitals      Collection = "vitals"
	Labs        Collection = "labs"
	Exchanges   Collection = "exchanges"
	Medications Collection = "medications"
	Episodes    Collection = "episodes"
	Urine       Collection = "urine"
	Outcomes    Collection = "outcomes"
	Images      Collection = "images"
)

// ListFilter narrows patient listings. Query matches name or MRN.
type ListFilter struct {
	Status Status
	Query  string
}
