// Package events carries domain events from services to in-process
// subscribers and outbound sinks (WebSocket hub, Kafka).
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pdcare/pdcare/internal/platform/metrics"
)

// Event types published by the patient and alert services.
const (
	PatientCreated  = "patient.created"
	PatientUpdated  = "patient.updated"
	ExchangeLogged  = "exchange.logged"
	VitalRecorded   = "vital.recorded"
	LabRecorded     = "lab.recorded"
	UrineLogged     = "urine.logged"
	OutcomeReported = "outcome.reported"
	ImageUploaded   = "image.uploaded"
	EpisodeRecorded = "episode.recorded"
	AlertRaised     = "alert.raised"
)

// PatientEvents lists every event that changes a patient's record.
var PatientEvents = []string{
	PatientCreated, PatientUpdated, ExchangeLogged, VitalRecorded, LabRecorded,
	UrineLogged, OutcomeReported, ImageUploaded, EpisodeRecorded,
}

// Event is a domain event. Data holds the JSON payload of the changed entity.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	ClinicID  string          `json:"clinic_id"`
	PatientID string          `json:"patient_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New builds an event with a fresh id and the payload marshalled into Data.
func New(eventType, clinicID, patientID string, payload any) (Event, error) {
	e := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		ClinicID:  clinicID,
		PatientID: patientID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		e.Data = data
	}
	return e, nil
}

// Publisher accepts events. The Bus, the WebSocket hub and the Kafka sink all
// implement it.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Handler reacts to an event inside the process.
type Handler func(ctx context.Context, e Event) error

// Sink is an outbound Publisher registered on the bus. Types limits which
// events it receives; empty means all.
type Sink struct {
	Name      string
	Publisher Publisher
	Types     []string
}

// Bus dispatches events synchronously: handlers first, in subscription order,
// then sinks. A failing handler or sink is logged and does not stop the rest.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	sinks    []Sink
	logger   zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers h for the given event types.
func (b *Bus) Subscribe(h Handler, eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish delivers e and returns the joined delivery errors. Callers on a
// write path log the error instead of failing the write.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[e.Type]...)
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			b.logger.Error().Err(err).Str("event_type", e.Type).Str("event_id", e.ID).Msg("event handler failed")
			errs = append(errs, err)
		}
	}

	for _, s := range sinks {
		if !s.accepts(e.Type) {
			continue
		}
		err := s.Publisher.Publish(ctx, e)
		metrics.RecordEventPublished(e.Type, s.Name, err == nil)
		if err != nil {
			b.logger.Error().Err(err).Str("sink", s.Name).Str("event_type", e.Type).Msg("event sink failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s Sink) accepts(eventType string) bool {
	if len(s.Types) == 0 {
		return true
	}
	for _, t := range s.Types {
		if t == eventType {
			return true
		}
	}
	return false
}

// Recorder is a Publisher that keeps every event in memory. Tests and the
// dev server without Kafka use it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
