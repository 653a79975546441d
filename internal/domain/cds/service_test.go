package cds

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdcare/pdcare/internal/domain/patient"
	"github.com/pdcare/pdcare/internal/platform/cache"
	"github.com/pdcare/pdcare/internal/platform/db"
	"github.com/pdcare/pdcare/internal/platform/events"
	"github.com/pdcare/pdcare/internal/platform/notification"
)

type fakeRecords struct {
	mu      sync.Mutex
	records map[uuid.UUID]patient.Record
	order   []uuid.UUID
	err     error
}

func newFakeRecords(recs ...patient.Record) *fakeRecords {
	f := &fakeRecords{records: make(map[uuid.UUID]patient.Record)}
	for _, r := range recs {
		f.put(r)
	}
	return f
}

func (f *fakeRecords) put(r patient.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[r.Patient.ID]; !ok {
		f.order = append(f.order, r.Patient.ID)
	}
	f.records[r.Patient.ID] = r
}

func (f *fakeRecords) GetRecord(_ context.Context, id uuid.UUID) (*patient.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.records[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	return &r, nil
}

func (f *fakeRecords) ListRecords(context.Context) ([]patient.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]patient.Record, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.records[id])
	}
	return out, nil
}

type sentNotification struct {
	Template string
	Data     map[string]string
	N        notification.Notification
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, n *notification.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{N: *n})
	return f.err
}

func (f *fakeNotifier) SendFromTemplate(_ context.Context, id string, data map[string]string, n *notification.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{Template: id, Data: data, N: *n})
	return f.err
}

func (f *fakeNotifier) Sent() []sentNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentNotification(nil), f.sent...)
}

type failingCache struct{ cache.Cache }

func (failingCache) SetNX(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis unreachable")
}

func (failingCache) Get(context.Context, string, any) (bool, error) {
	return false, errors.New("redis unreachable")
}

func (failingCache) Set(context.Context, string, any, time.Duration) error {
	return errors.New("redis unreachable")
}

func countAlerts(rec patient.Record, alerts []Alert, _ time.Time) int {
	return len(alerts)
}

type serviceFixture struct {
	svc      *Service
	records  *fakeRecords
	recorder *events.Recorder
	notifier *fakeNotifier
}

func newServiceFixture(recs ...patient.Record) *serviceFixture {
	f := &serviceFixture{
		records:  newFakeRecords(recs...),
		recorder: &events.Recorder{},
		notifier: &fakeNotifier{},
	}
	f.svc = NewService(f.records, countAlerts, f.recorder, f.notifier, cache.NewMemory(),
		Options{AlertEmail: "pd-team@clinic.example", Workers: 2}, zerolog.Nop())
	f.svc.now = func() time.Time { return evalNow }
	return f
}

func clinicCtx() context.Context {
	return db.WithClinicID(context.Background(), "north")
}

func cloudyRecord(name string) patient.Record {
	rec := newRecord()
	rec.Patient.Name = name
	withDailyExchanges(&rec, 1)
	rec.Exchanges[1].IsEffluentCloudy = true
	return rec
}

func patientEvent(t *testing.T, rec patient.Record) events.Event {
	t.Helper()
	e, err := events.New(events.ExchangeLogged, "north", rec.Patient.ID.String(), nil)
	require.NoError(t, err)
	return e
}

func TestService_EvaluatePatient(t *testing.T) {
	rec := cloudyRecord("Amina")
	f := newServiceFixture(rec)

	ev, err := f.svc.EvaluatePatient(clinicCtx(), rec.Patient.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Patient.ID, ev.PatientID)
	assert.Equal(t, "Amina", ev.PatientName)
	assert.Equal(t, evalNow, ev.EvaluatedAt)
	require.Len(t, ev.Alerts, 1)
	assert.Equal(t, "cloudy-fluid-"+rec.Exchanges[1].ID.String(), ev.Alerts[0].ID)
	assert.Equal(t, 1, ev.RiskScore)
}

func TestService_EvaluatePatient_NotFound(t *testing.T) {
	f := newServiceFixture()
	_, err := f.svc.EvaluatePatient(clinicCtx(), uuid.New())
	assert.ErrorIs(t, err, patient.ErrNotFound)
}

func TestService_EvaluateRoster_OrderedByName(t *testing.T) {
	zed := newRecord()
	zed.Patient.Name = "Zed"
	amina := newRecord()
	amina.Patient.Name = "amina"
	bola := newRecord()
	bola.Patient.Name = "Bola"
	f := newServiceFixture(zed, amina, bola)

	evs, err := f.svc.EvaluateRoster(clinicCtx())
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, []string{"amina", "Bola", "Zed"}, []string{evs[0].PatientName, evs[1].PatientName, evs[2].PatientName})
	for _, ev := range evs {
		require.Len(t, ev.Alerts, 1, "every empty record only misses logs")
	}
}

func TestService_EvaluateRoster_SameNameOrderedByID(t *testing.T) {
	a, b := newRecord(), newRecord()
	f := newServiceFixture(a, b)

	evs, err := f.svc.EvaluateRoster(clinicCtx())
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Less(t, evs[0].PatientID.String(), evs[1].PatientID.String())
}

func TestService_EvaluateRoster_SourceError(t *testing.T) {
	f := newServiceFixture()
	f.records.err = errors.New("connection reset")
	_, err := f.svc.EvaluateRoster(clinicCtx())
	assert.Error(t, err)
}

func TestService_EvaluateRoster_Cancelled(t *testing.T) {
	f := newServiceFixture(newRecord(), newRecord())
	ctx, cancel := context.WithCancel(clinicCtx())
	cancel()
	_, err := f.svc.EvaluateRoster(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestService_HandlePatientEvent_RaisesAndNotifies(t *testing.T) {
	rec := cloudyRecord("Amina")
	f := newServiceFixture(rec)

	require.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), patientEvent(t, rec)))

	raised := f.recorder.OfType(events.AlertRaised)
	require.Len(t, raised, 1)
	assert.Equal(t, "north", raised[0].ClinicID)
	assert.Equal(t, rec.Patient.ID.String(), raised[0].PatientID)

	var payload RaisedAlert
	require.NoError(t, json.Unmarshal(raised[0].Data, &payload))
	assert.Equal(t, "cloudy-fluid-"+rec.Exchanges[1].ID.String(), payload.ID)
	assert.Equal(t, SeverityCritical, payload.Severity)
	assert.Equal(t, events.ExchangeLogged, payload.TriggeredBy)
	assert.Equal(t, "Amina", payload.PatientName)

	sent := f.notifier.Sent()
	require.Len(t, sent, 2)
	email, push := sent[0], sent[1]
	assert.Equal(t, notification.TemplateCloudyEffluent, email.Template)
	assert.Equal(t, "pd-team@clinic.example", email.N.Recipient)
	assert.Equal(t, "Amina", email.Data["patient_name"])
	assert.Equal(t, rec.Exchanges[1].PerformedAt.Format("2006-01-02 15:04"), email.Data["performed_at"])
	assert.Equal(t, notification.TypePush, push.N.Type)
	assert.Equal(t, notification.AlertTopic("north"), push.N.Recipient)
	assert.Equal(t, "urgent", push.N.Priority)
}

func TestService_HandlePatientEvent_NotifiesOncePerAlert(t *testing.T) {
	rec := cloudyRecord("Amina")
	f := newServiceFixture(rec)
	e := patientEvent(t, rec)

	require.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), e))
	require.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), e))

	assert.Len(t, f.notifier.Sent(), 2, "second evaluation must not notify again")
	assert.Len(t, f.recorder.OfType(events.AlertRaised), 1, "an alert that is still active is not raised again")

	// A new cloudy bag is a new alert id.
	bag := patient.Exchange{ID: uuid.New(), PerformedAt: evalNow.Add(-time.Hour), IsEffluentCloudy: true}
	rec.Exchanges = append(rec.Exchanges, bag)
	f.records.put(rec)
	require.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), e))
	assert.Len(t, f.notifier.Sent(), 4)
	assert.Equal(t, []string{"cloudy-fluid-" + rec.Exchanges[1].ID.String(), "cloudy-fluid-" + bag.ID.String()}, raisedIDs(t, f.recorder))
}

func raisedIDs(t *testing.T, rec *events.Recorder) []string {
	t.Helper()
	var ids []string
	for _, e := range rec.OfType(events.AlertRaised) {
		var payload RaisedAlert
		require.NoError(t, json.Unmarshal(e.Data, &payload))
		ids = append(ids, payload.ID)
	}
	return ids
}

func TestService_HandlePatientEvent_RaisesAgainAfterAlertClears(t *testing.T) {
	rec := cloudyRecord("Amina")
	f := newServiceFixture(rec)
	e := patientEvent(t, rec)
	alertID := "cloudy-fluid-" + rec.Exchanges[1].ID.String()

	require.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), e))

	rec.Exchanges[1].IsEffluentCloudy = false
	f.records.put(rec)
	require.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), e))
	assert.Equal(t, []string{alertID}, raisedIDs(t, f.recorder))

	rec.Exchanges[1].IsEffluentCloudy = true
	f.records.put(rec)
	require.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), e))
	assert.Equal(t, []string{alertID, alertID}, raisedIDs(t, f.recorder))
	assert.Len(t, f.notifier.Sent(), 2, "staff are notified once per alert id")
}

func TestService_HandlePatientEvent_ActiveSetIsPerPatient(t *testing.T) {
	first, second := cloudyRecord("Amina"), cloudyRecord("Bilal")
	f := newServiceFixture(first, second)

	require.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), patientEvent(t, first)))
	require.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), patientEvent(t, second)))
	require.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), patientEvent(t, first)))

	raised := f.recorder.OfType(events.AlertRaised)
	require.Len(t, raised, 2)
	assert.Equal(t, first.Patient.ID.String(), raised[0].PatientID)
	assert.Equal(t, second.Patient.ID.String(), raised[1].PatientID)
}

func TestService_HandlePatientEvent_GuardFailureStillNotifies(t *testing.T) {
	rec := cloudyRecord("Amina")
	f := newServiceFixture(rec)
	f.svc.guard = failingCache{}
	e := patientEvent(t, rec)

	require.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), e))
	assert.Len(t, f.notifier.Sent(), 2)

	require.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), e))
	assert.Len(t, f.recorder.OfType(events.AlertRaised), 2, "without the guard every evaluation raises")
}

func TestService_HandlePatientEvent_NoEmailWithoutAddress(t *testing.T) {
	rec := cloudyRecord("Amina")
	f := newServiceFixture(rec)
	f.svc.opts.AlertEmail = ""

	require.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), patientEvent(t, rec)))
	sent := f.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notification.TypePush, sent[0].N.Type)
}

func TestService_HandlePatientEvent_NotifierErrorIsSwallowed(t *testing.T) {
	rec := cloudyRecord("Amina")
	f := newServiceFixture(rec)
	f.notifier.err = errors.New("smtp down")

	assert.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), patientEvent(t, rec)))
}

func TestService_HandlePatientEvent_WarningsDoNotNotify(t *testing.T) {
	rec := newRecord()
	f := newServiceFixture(rec)

	require.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), patientEvent(t, rec)))
	assert.Len(t, f.recorder.OfType(events.AlertRaised), 1)
	assert.Empty(t, f.notifier.Sent())
}

func TestService_HandlePatientEvent_IgnoresUnknownPatients(t *testing.T) {
	f := newServiceFixture()

	assert.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), events.Event{Type: events.PatientUpdated, PatientID: "not-a-uuid"}))
	assert.NoError(t, f.svc.HandlePatientEvent(clinicCtx(), events.Event{Type: events.PatientUpdated, PatientID: uuid.NewString()}))
	assert.Empty(t, f.recorder.Events())
}

func TestService_Subscribe(t *testing.T) {
	rec := cloudyRecord("Amina")
	f := newServiceFixture(rec)
	bus := events.NewBus(zerolog.Nop())
	sink := &events.Recorder{}
	bus.AddSink(events.Sink{Name: "test", Publisher: sink, Types: []string{events.AlertRaised}})
	f.svc.bus = bus
	f.svc.Subscribe(bus)

	e := patientEvent(t, rec)
	require.NoError(t, bus.Publish(clinicCtx(), e))
	assert.Len(t, sink.OfType(events.AlertRaised), 1)

	// Alert events are not patient events and do not loop back.
	require.NoError(t, bus.Publish(clinicCtx(), events.Event{Type: events.AlertRaised, PatientID: rec.Patient.ID.String()}))
	assert.Len(t, sink.OfType(events.AlertRaised), 2)
}
