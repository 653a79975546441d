package suggestion

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdcare/pdcare/internal/domain/patient"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

type fakeModel struct {
	reply   string
	err     error
	prompts []string
}

func (m *fakeModel) Generate(_ context.Context, prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	return m.reply, m.err
}

type fakeStore struct {
	records  map[uuid.UUID]patient.Record
	outcomes []patient.ReportedOutcome
}

func (f *fakeStore) GetRecord(_ context.Context, id uuid.UUID) (*patient.Record, error) {
	r, ok := f.records[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	return &r, nil
}

func (f *fakeStore) AddOutcome(_ context.Context, o *patient.ReportedOutcome) error {
	if _, ok := f.records[o.PatientID]; !ok {
		return patient.ErrNotFound
	}
	o.ID = uuid.New()
	f.outcomes = append(f.outcomes, *o)
	return nil
}

func sampleRecord() patient.Record {
	id := uuid.New()
	return patient.Record{
		Patient: patient.Patient{
			ID:               id,
			Name:             "Amina Yusuf",
			MRN:              ptr("MRN-4471"),
			Email:            ptr("amina@example.com"),
			Status:           patient.StatusActivePD,
			TherapyStartDate: ptr(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
		},
		Vitals: []patient.VitalSign{{
			ID: uuid.New(), RecordedAt: testNow.Add(-2 * time.Hour),
			SystolicBP: ptr(150), DiastolicBP: ptr(90), Temperature: ptr(38.4),
		}},
		Labs: []patient.LabResult{
			{ID: uuid.New(), TestName: "Potassium", Value: 2.9, Unit: "mmol/L", RefLow: ptr(3.5), RefHigh: ptr(5.1), ResultDate: testNow.AddDate(0, 0, -3)},
			{ID: uuid.New(), TestName: "Sodium", Value: 139, Unit: "mmol/L", RefLow: ptr(135.0), RefHigh: ptr(145.0), ResultDate: testNow.AddDate(0, 0, -3)},
		},
		Exchanges: []patient.Exchange{
			{ID: uuid.New(), PerformedAt: testNow.Add(-3 * time.Hour), UltrafiltrationML: 200, IsEffluentCloudy: true, Complications: ptr("mild abdominal pain")},
			{ID: uuid.New(), PerformedAt: testNow.Add(-27 * time.Hour), UltrafiltrationML: 300},
		},
		Medications: []patient.Medication{
			{ID: uuid.New(), Name: "Calcium acetate", Dosage: "667 mg", Frequency: "TID", Status: patient.MedicationActive},
			{ID: uuid.New(), Name: "Vancomycin", Dosage: "1 g", Frequency: "weekly", Status: patient.MedicationCompleted},
		},
	}
}

func newTestService(model *fakeModel, recs ...patient.Record) (*Service, *fakeStore) {
	store := &fakeStore{records: make(map[uuid.UUID]patient.Record)}
	for _, r := range recs {
		store.records[r.Patient.ID] = r
	}
	svc := NewService(store, nil, zerolog.Nop())
	if model != nil {
		svc.model = model
	}
	svc.now = func() time.Time { return testNow }
	return svc, store
}

func TestSuggest_ParsesReply(t *testing.T) {
	rec := sampleRecord()
	model := &fakeModel{reply: "```json\n" + `{"summary":"Likely peritonitis.","suggestions":[
		{"title":"Send effluent cell count","rationale":"Cloudy bag with fever","priority":"HIGH"},
		{"title":"  ","rationale":"dropped"},
		{"title":"Review potassium","rationale":"K 2.9","priority":"urgent"}]}` + "\n```"}
	svc, _ := newTestService(model, rec)

	out, err := svc.Suggest(context.Background(), rec.Patient.ID)
	require.NoError(t, err)
	assert.Equal(t, "Likely peritonitis.", out.Summary)
	require.Len(t, out.Suggestions, 2)
	assert.Equal(t, PriorityHigh, out.Suggestions[0].Priority)
	assert.Equal(t, PriorityMedium, out.Suggestions[1].Priority)
	assert.NotEmpty(t, out.Alerts)
	assert.Equal(t, testNow, out.GeneratedAt)
}

func TestSuggest_PromptIsDeidentified(t *testing.T) {
	rec := sampleRecord()
	model := &fakeModel{reply: `{"summary":"ok","suggestions":[]}`}
	svc, _ := newTestService(model, rec)

	_, err := svc.Suggest(context.Background(), rec.Patient.ID)
	require.NoError(t, err)
	require.Len(t, model.prompts, 1)
	prompt := model.prompts[0]

	for _, secret := range []string{"Amina", "Yusuf", "MRN-4471", "amina@example.com", rec.Patient.ID.String()} {
		assert.NotContains(t, prompt, secret)
	}
	assert.Contains(t, prompt, "BP 150/90")
	assert.Contains(t, prompt, "Potassium 2.9 mmol/L (low)")
	assert.NotContains(t, prompt, "Sodium")
	assert.Contains(t, prompt, "2 over 2 day(s), 1 cloudy")
	assert.Contains(t, prompt, "mild abdominal pain")
	assert.Contains(t, prompt, "Calcium acetate 667 mg TID")
	assert.NotContains(t, prompt, "Vancomycin")
	assert.Contains(t, prompt, "[critical] Cloudy effluent")
}

func TestSuggest_NonJSONFallback(t *testing.T) {
	rec := sampleRecord()
	model := &fakeModel{reply: "Consider an urgent effluent cell count."}
	svc, _ := newTestService(model, rec)

	out, err := svc.Suggest(context.Background(), rec.Patient.ID)
	require.NoError(t, err)
	assert.Equal(t, "Consider an urgent effluent cell count.", out.Summary)
	assert.Empty(t, out.Suggestions)
}

func TestSuggest_Errors(t *testing.T) {
	rec := sampleRecord()

	svc, _ := newTestService(nil, rec)
	_, err := svc.Suggest(context.Background(), rec.Patient.ID)
	assert.ErrorIs(t, err, ErrUnavailable)

	svc, _ = newTestService(&fakeModel{err: errors.New("quota exceeded")}, rec)
	_, err = svc.Suggest(context.Background(), rec.Patient.ID)
	assert.ErrorIs(t, err, ErrModel)

	_, err = svc.Suggest(context.Background(), uuid.New())
	assert.ErrorIs(t, err, patient.ErrNotFound)
}

func TestAnalyzeReport_StoresFindings(t *testing.T) {
	rec := sampleRecord()
	model := &fakeModel{reply: `{"summary":"Possible exit-site infection.","findings":["redness at exit site"," ","redness at exit site","fever"]}`}
	svc, store := newTestService(model, rec)

	a, err := svc.AnalyzeReport(context.Background(), rec.Patient.ID, "  The tube area looks red and I feel hot  ")
	require.NoError(t, err)
	assert.Equal(t, []string{"redness at exit site", "fever"}, a.Findings)
	assert.Equal(t, "Possible exit-site infection.", a.Summary)
	assert.Equal(t, []string{"redness"}, a.Keywords)

	require.Len(t, store.outcomes, 1)
	stored := store.outcomes[0]
	assert.True(t, strings.HasPrefix(stored.Summary, "The tube area looks red and I feel hot\n\nFlagged findings: "))
	assert.Equal(t, testNow, stored.ReportedAt)
	assert.Contains(t, model.prompts[0], "The tube area looks red and I feel hot")
}

func TestAnalyzeReport_ModelFailureStoresText(t *testing.T) {
	rec := sampleRecord()
	for _, model := range []*fakeModel{nil, {err: errors.New("timeout")}, {reply: "not json"}} {
		svc, store := newTestService(model, rec)
		a, err := svc.AnalyzeReport(context.Background(), rec.Patient.ID, "bag was cloudy, some pain")
		require.NoError(t, err)
		assert.Empty(t, a.Findings)
		assert.Equal(t, []string{"pain"}, a.Keywords)
		require.Len(t, store.outcomes, 1)
		assert.Equal(t, "bag was cloudy, some pain", store.outcomes[0].Summary)
	}
}

func TestAnalyzeReport_Errors(t *testing.T) {
	svc, _ := newTestService(&fakeModel{}, sampleRecord())

	_, err := svc.AnalyzeReport(context.Background(), uuid.New(), "   ")
	assert.ErrorIs(t, err, patient.ErrInvalid)

	_, err = svc.AnalyzeReport(context.Background(), uuid.New(), "fine today")
	assert.ErrorIs(t, err, patient.ErrNotFound)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```\n{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, stripFences(`  {"a":1} `))
}
