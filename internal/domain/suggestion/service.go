// Package suggestion asks a generative model for clinical next steps on a PD
// patient and triages free-text patient reports.
package suggestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/pdcare/pdcare/internal/domain/cds"
	"github.com/pdcare/pdcare/internal/domain/patient"
	"github.com/pdcare/pdcare/internal/platform/ai"
)

// ErrUnavailable is returned when no model is configured.
var ErrUnavailable = errors.New("ai suggestions are not configured")

// ErrModel wraps failures of the model call.
var ErrModel = errors.New("ai model request failed")

// Priorities.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// PatientStore is the slice of the patient service used here.
type PatientStore interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*patient.Record, error)
	AddOutcome(ctx context.Context, o *patient.ReportedOutcome) error
}

type Item struct {
	Title     string `json:"title"`
	Rationale string `json:"rationale"`
	Priority  string `json:"priority"`
}

type Suggestions struct {
	PatientID   uuid.UUID   `json:"patient_id"`
	Summary     string      `json:"summary"`
	Suggestions []Item      `json:"suggestions"`
	Alerts      []cds.Alert `json:"alerts"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// Analysis is the triage of a patient report and the outcome stored for it.
type Analysis struct {
	Outcome  *patient.ReportedOutcome `json:"outcome"`
	Summary  string                   `json:"summary,omitempty"`
	Findings []string                 `json:"findings"`
	Keywords []string                 `json:"keywords"`
}

type Service struct {
	patients PatientStore
	model    ai.Generator
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService returns the suggestion service. A nil model makes every call
// fail with ErrUnavailable, except AnalyzeReport, which still stores the
// report.
func NewService(patients PatientStore, model ai.Generator, logger zerolog.Logger) *Service {
	return &Service{
		patients: patients,
		model:    model,
		logger:   logger.With().Str("component", "suggestion_service").Logger(),
		now:      time.Now,
	}
}

// Suggest summarises the patient's record without identifiers and asks the
// model for next steps. A reply that is not the expected JSON is returned as
// the summary with no suggestion items.
func (s *Service) Suggest(ctx context.Context, patientID uuid.UUID) (*Suggestions, error) {
	if s.model == nil {
		return nil, ErrUnavailable
	}
	rec, err := s.patients.GetRecord(ctx, patientID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	alerts := cds.EvaluateAlerts(*rec, now)
	prompt, err := render(suggestTemplate, summarise(*rec, alerts, now))
	if err != nil {
		return nil, err
	}

	reply, err := s.model.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModel, err)
	}

	out := &Suggestions{PatientID: patientID, Alerts: alerts, GeneratedAt: now.UTC(), Suggestions: []Item{}}
	var parsed struct {
		Summary     string `json:"summary"`
		Suggestions []Item `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(stripFences(reply)), &parsed); err != nil {
		s.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("model reply was not JSON")
		out.Summary = reply
		return out, nil
	}

	out.Summary = strings.TrimSpace(parsed.Summary)
	for _, it := range parsed.Suggestions {
		it.Title = strings.TrimSpace(it.Title)
		if it.Title == "" {
			continue
		}
		it.Rationale = strings.TrimSpace(it.Rationale)
		it.Priority = normalizePriority(it.Priority)
		out.Suggestions = append(out.Suggestions, it)
	}
	return out, nil
}

// AnalyzeReport stores a patient's free-text report as a ReportedOutcome,
// appending the findings the model flags so the alert evaluator sees them.
// If the model is missing or fails, the report is stored as written.
func (s *Service) AnalyzeReport(ctx context.Context, patientID uuid.UUID, text string) (*Analysis, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: text is required", patient.ErrInvalid)
	}

	a := &Analysis{Findings: []string{}}
	if s.model != nil {
		summary, findings, err := s.triage(ctx, text)
		if err != nil {
			s.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("report triage failed; storing report as written")
		} else {
			a.Summary, a.Findings = summary, findings
		}
	}

	stored := text
	if len(a.Findings) > 0 {
		stored = fmt.Sprintf("%s\n\nFlagged findings: %s", text, strings.Join(a.Findings, "; "))
	}
	o := &patient.ReportedOutcome{PatientID: patientID, ReportedAt: s.now().UTC(), Summary: stored}
	if err := s.patients.AddOutcome(ctx, o); err != nil {
		return nil, err
	}
	a.Outcome = o
	a.Keywords = cds.MatchKeywords(stored)
	if a.Keywords == nil {
		a.Keywords = []string{}
	}
	return a, nil
}

func (s *Service) triage(ctx context.Context, text string) (string, []string, error) {
	prompt, err := render(reportTemplate, text)
	if err != nil {
		return "", nil, err
	}
	reply, err := s.model.Generate(ctx, prompt)
	if err != nil {
		return "", nil, err
	}
	var parsed struct {
		Summary  string   `json:"summary"`
		Findings []string `json:"findings"`
	}
	if err := json.Unmarshal([]byte(stripFences(reply)), &parsed); err != nil {
		return "", nil, fmt.Errorf("parse triage reply: %w", err)
	}
	findings := lo.Uniq(lo.FilterMap(parsed.Findings, func(f string, _ int) (string, bool) {
		f = strings.TrimSpace(f)
		return f, f != ""
	}))
	return strings.TrimSpace(parsed.Summary), findings, nil
}

// stripFences removes a Markdown code fence around a JSON reply.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func normalizePriority(p string) string {
	switch p = strings.ToLower(strings.TrimSpace(p)); p {
	case PriorityHigh, PriorityLow:
		return p
	default:
		return PriorityMedium
	}
}
