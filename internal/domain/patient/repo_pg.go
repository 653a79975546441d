package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pdcare/pdcare/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const patientCols = `id, name, mrn, physician, status, therapy_start_date, next_appointment,
	email, phone, created_at, updated_at`

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, name, mrn, physician, status, therapy_start_date, next_appointment, email, phone)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.MRN, p.Physician, p.Status, p.TherapyStartDate, p.NextAppointment, p.Email, p.Phone,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	p, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Patient])
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patients SET
			name=$2, mrn=$3, physician=$4, status=$5, therapy_start_date=$6, next_appointment=$7,
			email=$8, phone=$9, updated_at=$10
		WHERE id = $1
		RETURNING created_at`,
		p.ID, p.Name, p.MRN, p.Physician, p.Status, p.TherapyStartDate, p.NextAppointment,
		p.Email, p.Phone, p.UpdatedAt,
	).Scan(&p.CreatedAt)
	return notFound(err)
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Patient, int, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		args = append(args, "%"+q+"%")
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR mrn ILIKE $%d)", len(args), len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM patients%s ORDER BY lower(name), id LIMIT $%d OFFSET $%d`,
			patientCols, clause, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	patients, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Patient])
	if err != nil {
		return nil, 0, err
	}
	return patients, total, nil
}

func (r *repoPG) ListAll(ctx context.Context) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patients ORDER BY lower(name), id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Patient])
}

// -- Collections --

const (
	vitalCols    = `id, patient_id, recorded_at, systolic_bp, diastolic_bp, heart_rate, temperature, weight, respiratory_rate, fluid_status_note`
	labCols      = `id, patient_id, result_date, test_name, value, unit, ref_low, ref_high`
	exchangeCols = `id, patient_id, performed_at, dialysate_type, fill_volume_ml, drain_volume_ml, ultrafiltration_ml, dwell_minutes, is_effluent_cloudy, complications, recorded_by`
	medCols      = `id, patient_id, name, dosage, frequency, start_date, end_date, status`
	episodeCols  = `id, patient_id, diagnosis_date, organism, treatment, outcome, resolution_date`
	urineCols    = `id, patient_id, log_date, volume_ml`
	outcomeCols  = `id, patient_id, reported_at, summary`
	imageCols    = `id, patient_id, blob_id, file_name, content_type, description, requires_review, uploaded_by, uploaded_at`
)

var collectionTables = map[Collection]string{
	Vitals:      "vital_signs",
	Labs:        "lab_results",
	Exchanges:   "exchanges",
	Medications: "medications",
	Episodes:    "peritonitis_episodes",
	Urine:       "urine_outputs",
	Outcomes:    "reported_outcomes",
	Images:      "patient_images",
}

func (r *repoPG) AddVital(ctx context.Context, v *VitalSign) error {
	v.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO vital_signs (`+vitalCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		v.ID, v.PatientID, v.RecordedAt, v.SystolicBP, v.DiastolicBP, v.HeartRate, v.Temperature, v.Weight,
		v.RespiratoryRate, v.FluidStatusNote)
	return err
}

func (r *repoPG) AddLab(ctx context.Context, l *LabResult) error {
	l.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO lab_results (`+labCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		l.ID, l.PatientID, l.ResultDate, l.TestName, l.Value, l.Unit, l.RefLow, l.RefHigh)
	return err
}

func (r *repoPG) AddExchange(ctx context.Context, x *Exchange) error {
	x.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO exchanges (`+exchangeCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		x.ID, x.PatientID, x.PerformedAt, x.DialysateType, x.FillVolumeML, x.DrainVolumeML, x.UltrafiltrationML,
		x.DwellMinutes, x.IsEffluentCloudy, x.Complications, x.RecordedBy)
	return err
}

func (r *repoPG) AddMedication(ctx context.Context, m *Medication) error {
	m.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO medications (`+medCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.PatientID, m.Name, m.Dosage, m.Frequency, m.StartDate, m.EndDate, m.Status)
	return err
}

func (r *repoPG) UpdateMedicationStatus(ctx context.Context, patientID, id uuid.UUID, status string) (*Medication, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`UPDATE medications SET status = $3 WHERE patient_id = $1 AND id = $2 RETURNING `+medCols,
		patientID, id, status)
	if err != nil {
		return nil, err
	}
	m, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Medication])
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (r *repoPG) AddEpisode(ctx context.Context, e *PeritonitisEpisode) error {
	e.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO peritonitis_episodes (`+episodeCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.PatientID, e.DiagnosisDate, e.Organism, e.Treatment, e.Outcome, e.ResolutionDate)
	return err
}

func (r *repoPG) AddUrine(ctx context.Context, u *UrineOutput) error {
	u.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO urine_outputs (`+urineCols+`) VALUES ($1,$2,$3,$4)`,
		u.ID, u.PatientID, u.LogDate, u.VolumeML)
	return err
}

func (r *repoPG) AddOutcome(ctx context.Context, o *ReportedOutcome) error {
	o.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO reported_outcomes (`+outcomeCols+`) VALUES ($1,$2,$3,$4)`,
		o.ID, o.PatientID, o.ReportedAt, o.Summary)
	return err
}

func (r *repoPG) AddImage(ctx context.Context, img *Image) error {
	img.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO patient_images (`+imageCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		img.ID, img.PatientID, img.BlobID, img.FileName, img.ContentType, img.Description, img.RequiresReview,
		img.UploadedBy, img.UploadedAt)
	return err
}

func (r *repoPG) GetImage(ctx context.Context, patientID, id uuid.UUID) (*Image, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+imageCols+` FROM patient_images WHERE patient_id = $1 AND id = $2`, patientID, id)
	if err != nil {
		return nil, err
	}
	img, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Image])
	if err != nil {
		return nil, notFound(err)
	}
	return img, nil
}

func (r *repoPG) SetImageReview(ctx context.Context, patientID, id uuid.UUID, requiresReview bool) (*Image, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`UPDATE patient_images SET requires_review = $3 WHERE patient_id = $1 AND id = $2 RETURNING `+imageCols,
		patientID, id, requiresReview)
	if err != nil {
		return nil, err
	}
	img, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Image])
	if err != nil {
		return nil, notFound(err)
	}
	return img, nil
}

// collect loads a collection for the given patients in chronological order.
func collect[T any](ctx context.Context, q querier, table, cols, orderBy string, patientIDs []uuid.UUID) ([]T, error) {
	ids := make([]string, len(patientIDs))
	for i, id := range patientIDs {
		ids[i] = id.String()
	}
	rows, err := q.Query(ctx,
		`SELECT `+cols+` FROM `+table+` WHERE patient_id = ANY($1::uuid[]) ORDER BY `+orderBy+`, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[T])
}

func (r *repoPG) Vitals(ctx context.Context, ids ...uuid.UUID) ([]VitalSign, error) {
	return collect[VitalSign](ctx, r.conn(ctx), "vital_signs", vitalCols, "recorded_at", ids)
}

func (r *repoPG) Labs(ctx context.Context, ids ...uuid.UUID) ([]LabResult, error) {
	return collect[LabResult](ctx, r.conn(ctx), "lab_results", labCols, "result_date", ids)
}

func (r *repoPG) Exchanges(ctx context.Context, ids ...uuid.UUID) ([]Exchange, error) {
	return collect[Exchange](ctx, r.conn(ctx), "exchanges", exchangeCols, "performed_at", ids)
}

func (r *repoPG) Medications(ctx context.Context, ids ...uuid.UUID) ([]Medication, error) {
	return collect[Medication](ctx, r.conn(ctx), "medications", medCols, "start_date", ids)
}

func (r *repoPG) Episodes(ctx context.Context, ids ...uuid.UUID) ([]PeritonitisEpisode, error) {
	return collect[PeritonitisEpisode](ctx, r.conn(ctx), "peritonitis_episodes", episodeCols, "diagnosis_date", ids)
}

func (r *repoPG) Urine(ctx context.Context, ids ...uuid.UUID) ([]UrineOutput, error) {
	return collect[UrineOutput](ctx, r.conn(ctx), "urine_outputs", urineCols, "log_date", ids)
}

func (r *repoPG) Outcomes(ctx context.Context, ids ...uuid.UUID) ([]ReportedOutcome, error) {
	return collect[ReportedOutcome](ctx, r.conn(ctx), "reported_outcomes", outcomeCols, "reported_at", ids)
}

func (r *repoPG) Images(ctx context.Context, ids ...uuid.UUID) ([]Image, error) {
	return collect[Image](ctx, r.conn(ctx), "patient_images", imageCols, "uploaded_at", ids)
}

func (r *repoPG) DeleteEntry(ctx context.Context, c Collection, patientID, id uuid.UUID) error {
	table, ok := collectionTables[c]
	if !ok {
		return fmt.Errorf("unknown collection %q", c)
	}
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM `+table+` WHERE patient_id = $1 AND id = $2`, patientID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
