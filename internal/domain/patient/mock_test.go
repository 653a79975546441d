package patient

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repository --

type mockRepo struct {
	mu          sync.Mutex
	patients    map[uuid.UUID]*Patient
	vitals      []VitalSign
	labs        []LabResult
	exchanges   []Exchange
	medications []Medication
	episodes    []PeritonitisEpisode
	urine       []UrineOutput
	outcomes    []ReportedOutcome
	images      []Image
	failAdd     error
}

func newMockRepo() *mockRepo {
	return &mockRepo{patients: make(map[uuid.UUID]*Patient)}
}

func (m *mockRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockRepo) Update(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[id]; !ok {
		return ErrNotFound
	}
	delete(m.patients, id)
	return nil
}

func (m *mockRepo) sorted() []*Patient {
	out := make([]*Patient, 0, len(m.patients))
	for _, p := range m.patients {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Patient, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Patient
	for _, p := range m.sorted() {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(f.Query)) {
			continue
		}
		result = append(result, p)
	}
	total := len(result)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return result[offset:end], total, nil
}

func (m *mockRepo) ListAll(_ context.Context) ([]*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(), nil
}

func (m *mockRepo) AddVital(_ context.Context, v *VitalSign) error {
	if m.failAdd != nil {
		return m.failAdd
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ID = uuid.New()
	m.vitals = append(m.vitals, *v)
	return nil
}

func (m *mockRepo) AddLab(_ context.Context, l *LabResult) error {
	if m.failAdd != nil {
		return m.failAdd
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = uuid.New()
	m.labs = append(m.labs, *l)
	return nil
}

func (m *mockRepo) AddExchange(_ context.Context, x *Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	x.ID = uuid.New()
	m.exchanges = append(m.exchanges, *x)
	return nil
}

func (m *mockRepo) AddMedication(_ context.Context, med *Medication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	med.ID = uuid.New()
	m.medications = append(m.medications, *med)
	return nil
}

func (m *mockRepo) UpdateMedicationStatus(_ context.Context, patientID, id uuid.UUID, status string) (*Medication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.medications {
		if m.medications[i].PatientID == patientID && m.medications[i].ID == id {
			m.medications[i].Status = status
			cp := m.medications[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) AddEpisode(_ context.Context, e *PeritonitisEpisode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	m.episodes = append(m.episodes, *e)
	return nil
}

func (m *mockRepo) AddUrine(_ context.Context, u *UrineOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = uuid.New()
	m.urine = append(m.urine, *u)
	return nil
}

func (m *mockRepo) AddOutcome(_ context.Context, o *ReportedOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = uuid.New()
	m.outcomes = append(m.outcomes, *o)
	return nil
}

func (m *mockRepo) AddImage(_ context.Context, img *Image) error {
	if m.failAdd != nil {
		return m.failAdd
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	img.ID = uuid.New()
	m.images = append(m.images, *img)
	return nil
}

func (m *mockRepo) GetImage(_ context.Context, patientID, id uuid.UUID) (*Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, img := range m.images {
		if img.PatientID == patientID && img.ID == id {
			cp := img
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) SetImageReview(_ context.Context, patientID, id uuid.UUID, requiresReview bool) (*Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.images {
		if m.images[i].PatientID == patientID && m.images[i].ID == id {
			m.images[i].RequiresReview = requiresReview
			cp := m.images[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func filterByPatient[T any](items []T, patientOf func(T) uuid.UUID, ids []uuid.UUID) []T {
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []T
	for _, it := range items {
		if want[patientOf(it)] {
			out = append(out, it)
		}
	}
	return out
}

func (m *mockRepo) Vitals(_ context.Context, ids ...uuid.UUID) ([]VitalSign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterByPatient(m.vitals, func(v VitalSign) uuid.UUID { return v.PatientID }, ids), nil
}

func (m *mockRepo) Labs(_ context.Context, ids ...uuid.UUID) ([]LabResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterByPatient(m.labs, func(l LabResult) uuid.UUID { return l.PatientID }, ids), nil
}

func (m *mockRepo) Exchanges(_ context.Context, ids ...uuid.UUID) ([]Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterByPatient(m.exchanges, func(x Exchange) uuid.UUID { return x.PatientID }, ids), nil
}

func (m *mockRepo) Medications(_ context.Context, ids ...uuid.UUID) ([]Medication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterByPatient(m.medications, func(x Medication) uuid.UUID { return x.PatientID }, ids), nil
}

func (m *mockRepo) Episodes(_ context.Context, ids ...uuid.UUID) ([]PeritonitisEpisode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterByPatient(m.episodes, func(x PeritonitisEpisode) uuid.UUID { return x.PatientID }, ids), nil
}

func (m *mockRepo) Urine(_ context.Context, ids ...uuid.UUID) ([]UrineOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterByPatient(m.urine, func(x UrineOutput) uuid.UUID { return x.PatientID }, ids), nil
}

func (m *mockRepo) Outcomes(_ context.Context, ids ...uuid.UUID) ([]ReportedOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterByPatient(m.outcomes, func(x ReportedOutcome) uuid.UUID { return x.PatientID }, ids), nil
}

func (m *mockRepo) Images(_ context.Context, ids ...uuid.UUID) ([]Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterByPatient(m.images, func(x Image) uuid.UUID { return x.PatientID }, ids), nil
}

func removeEntry[T any](items []T, match func(T) bool) ([]T, bool) {
	for i, it := range items {
		if match(it) {
			return append(items[:i], items[i+1:]...), true
		}
	}
	return items, false
}

func (m *mockRepo) DeleteEntry(_ context.Context, c Collection, patientID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ok bool
	switch c {
	case Vitals:
		m.vitals, ok = removeEntry(m.vitals, func(x VitalSign) bool { return x.PatientID == patientID && x.ID == id })
	case Labs:
		m.labs, ok = removeEntry(m.labs, func(x LabResult) bool { return x.PatientID == patientID && x.ID == id })
	case Exchanges:
		m.exchanges, ok = removeEntry(m.exchanges, func(x Exchange) bool { return x.PatientID == patientID && x.ID == id })
	case Medications:
		m.medications, ok = removeEntry(m.medications, func(x Medication) bool { return x.PatientID == patientID && x.ID == id })
	case Episodes:
		m.episodes, ok = removeEntry(m.episodes, func(x PeritonitisEpisode) bool { return x.PatientID == patientID && x.ID == id })
	case Urine:
		m.urine, ok = removeEntry(m.urine, func(x UrineOutput) bool { return x.PatientID == patientID && x.ID == id })
	case Outcomes:
		m.outcomes, ok = removeEntry(m.outcomes, func(x ReportedOutcome) bool { return x.PatientID == patientID && x.ID == id })
	case Images:
		m.images, ok = removeEntry(m.images, func(x Image) bool { return x.PatientID == patientID && x.ID == id })
	default:
		return fmt.Errorf("unknown collection %q", c)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
