package patient

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists patients and their clinical collections in the
// caller's clinic schema. Collection readers take one or more patient ids
// so a whole roster loads in one query per table.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Patient, int, error)
	ListAll(ctx context.Context) ([]*Patient, error)

	AddVital(ctx context.Context, v *VitalSign) error
	AddLab(ctx context.Context, l *LabResult) error
	AddExchange(ctx context.Context, x *Exchange) error
	AddMedication(ctx context.Context, m *Medication) error
	UpdateMedicationStatus(ctx context.Context, patientID, id uuid.UUID, status string) (*Medication, error)
	AddEpisode(ctx context.Context, e *PeritonitisEpisode) error
	AddUrine(ctx context.Context, u *UrineOutput) error
	AddOutcome(ctx context.Context, o *ReportedOutcome) error
	AddImage(ctx context.Context, img *Image) error
	GetImage(ctx context.Context, patientID, id uuid.UUID) (*Image, error)
	SetImageReview(ctx context.Context, patientID, id uuid.UUID, requiresReview bool) (*Image, error)

	Vitals(ctx context.Context, patientIDs ...uuid.UUID) ([]VitalSign, error)
	Labs(ctx context.Context, patientIDs ...uuid.UUID) ([]LabResult, error)
	Exchanges(ctx context.Context, patientIDs ...uuid.UUID) ([]Exchange, error)
	Medications(ctx context.Context, patientIDs ...uuid.UUID) ([]Medication, error)
	Episodes(ctx context.Context, patientIDs ...uuid.UUID) ([]PeritonitisEpisode, error)
	Urine(ctx context.Context, patientIDs ...uuid.UUID) ([]UrineOutput, error)
	Outcomes(ctx context.Context, patientIDs ...uuid.UUID) ([]ReportedOutcome, error)
	Images(ctx context.Context, patientIDs ...uuid.UUID) ([]Image, error)

	// DeleteEntry removes one item of a collection. It returns ErrNotFound
	// when the item does not belong to the patient.
	DeleteEntry(ctx context.Context, c Collection, patientID, id uuid.UUID) error
}
