// Package notification delivers clinic notifications over email and SMS
// (queued for an outbound worker) and mobile push (MQTT), keeping a bounded
// in-memory history for the dashboard.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pdcare/pdcare/internal/platform/metrics"
)

// NotificationType represents the channel used to deliver a notification.
type NotificationType string

const (
	TypeEmail NotificationType = "email"
	TypeSMS   NotificationType = "sms"
	TypePush  NotificationType = "push"
)

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

var ErrNotFound = errors.New("notification not found")

// Notification represents a single outbound notification.
type Notification struct {
	ID           string            `json:"id"`
	ClinicID     string            `json:"clinic_id"`
	PatientID    string            `json:"patient_id,omitempty"`
	Type         NotificationType  `json:"type"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Priority     string            `json:"priority"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// PushSender delivers a push message to a topic that the mobile app
// subscribes to.
type PushSender interface {
	SendPush(ctx context.Context, topic, title, body string) error
}

// Template defines a reusable notification template. Placeholders are {{key}}.
type Template struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Subject string           `json:"subject"`
	Body    string           `json:"body"`
	Type    NotificationType `json:"type"`
}

const (
	TemplateCloudyEffluent = "cloudy-effluent-alert"
	TemplateCriticalAlert  = "critical-alert"
	TemplateMissedVisit    = "missed-visit-reminder"
	TemplateAppointment    = "appointment-reminder"
)

type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range []Template{
		{
			ID:      TemplateCloudyEffluent,
			Name:    "Cloudy Effluent Alert",
			Subject: "URGENT: cloudy PD effluent for {{patient_name}}",
			Body:    "{{patient_name}} logged a cloudy drain bag on {{performed_at}}. Possible peritonitis: obtain effluent cell count and culture today. Alert {{alert_id}}.",
			Type:    TypeEmail,
		},
		{
			ID:      TemplateCriticalAlert,
			Name:    "Critical Alert",
			Subject: "Critical alert for {{patient_name}}",
			Body:    "{{message}} (alert {{alert_id}})",
			Type:    TypeEmail,
		},
		{
			ID:      TemplateMissedVisit,
			Name:    "Missed Visit Reminder",
			Subject: "We missed you at clinic",
			Body:    "Dear {{patient_name}}, you missed your PD clinic visit on {{date}}. Please call {{clinic_phone}} to rebook.",
			Type:    TypeSMS,
		},
		{
			ID:      TemplateAppointment,
			Name:    "Appointment Reminder",
			Subject: "PD clinic appointment reminder",
			Body:    "Dear {{patient_name}}, this is a reminder of your PD clinic appointment on {{date}} with {{physician}}.",
			Type:    TypeSMS,
		},
	} {
		e.templates[t.ID] = t
	}
	return e
}

func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

func (e *TemplateEngine) Get(id string) (Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[id]
	return t, ok
}

// Render fills a template. Placeholders without data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	t, ok := e.Get(templateID)
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}
	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// historyLimit caps how many notifications the manager remembers.
const historyLimit = 5000

// Manager sends notifications and keeps their delivery history.
type Manager struct {
	email     EmailSender
	sms       SMSSender
	push      PushSender
	templates *TemplateEngine
	logger    zerolog.Logger

	mu            sync.RWMutex
	notifications map[string]*Notification
	order         []string
}

// NewManager wires the senders. A nil sender makes its channel fail with an
// "not configured" error.
func NewManager(email EmailSender, sms SMSSender, push PushSender, tpl *TemplateEngine, logger zerolog.Logger) *Manager {
	return &Manager{
		email:         email,
		sms:           sms,
		push:          push,
		templates:     tpl,
		logger:        logger.With().Str("component", "notifications").Logger(),
		notifications: make(map[string]*Notification),
	}
}

func (m *Manager) Templates() *TemplateEngine { return m.templates }

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	switch n.Type {
	case TypeEmail:
		if m.email == nil {
			return errors.New("email channel not configured")
		}
		return m.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	case TypeSMS:
		if m.sms == nil {
			return errors.New("sms channel not configured")
		}
		return m.sms.SendSMS(ctx, n.Recipient, n.Body)
	case TypePush:
		if m.push == nil {
			return errors.New("push channel not configured")
		}
		return m.push.SendPush(ctx, n.Recipient, n.Subject, n.Body)
	default:
		return fmt.Errorf("unsupported notification type: %s", n.Type)
	}
}

// Send delivers n, records the outcome and returns the delivery error.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Priority == "" {
		n.Priority = "normal"
	}
	n.CreatedAt = time.Now().UTC()

	err := m.attempt(ctx, n)

	m.mu.Lock()
	m.notifications[n.ID] = n
	m.order = append(m.order, n.ID)
	if len(m.order) > historyLimit {
		delete(m.notifications, m.order[0])
		m.order = m.order[1:]
	}
	m.mu.Unlock()
	return err
}

func (m *Manager) attempt(ctx context.Context, n *Notification) error {
	err := m.deliver(ctx, n)
	metrics.RecordNotification(string(n.Type), err == nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	n.Attempts++
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		m.logger.Error().Err(err).
			Str("notification_id", n.ID).
			Str("type", string(n.Type)).
			Str("patient_id", n.PatientID).
			Msg("notification delivery failed")
		return err
	}
	sentAt := time.Now().UTC()
	n.Status = StatusSent
	n.SentAt = &sentAt
	n.Error = ""
	return nil
}

// SendFromTemplate renders a template and sends it on the template's channel
// unless the notification overrides the type.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, n *Notification) error {
	tpl, ok := m.templates.Get(templateID)
	if !ok {
		return fmt.Errorf("template %q not found", templateID)
	}
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return err
	}
	if n.Type == "" {
		n.Type = tpl.Type
	}
	n.Subject = subject
	n.Body = body
	n.TemplateID = templateID
	n.TemplateData = data
	return m.Send(ctx, n)
}

func (m *Manager) Get(_ context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// List returns a clinic's notifications newest first, optionally filtered by
// recipient or patient.
func (m *Manager) List(_ context.Context, clinicID, recipient, patientID string, limit int) []*Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for i := len(m.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		n := m.notifications[m.order[i]]
		if n.ClinicID != clinicID {
			continue
		}
		if recipient != "" && n.Recipient != recipient {
			continue
		}
		if patientID != "" && n.PatientID != patientID {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	return out
}

// Retry re-sends a failed notification.
func (m *Manager) Retry(ctx context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	n, ok := m.notifications[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if n.Status != StatusFailed {
		return nil, fmt.Errorf("notification %q is not in failed status (current: %s)", id, n.Status)
	}
	err := m.attempt(ctx, n)
	out, _ := m.Get(ctx, id)
	return out, err
}

// Stats counts a clinic's notifications by status and by channel.
func (m *Manager) Stats(_ context.Context, clinicID string) map[string]map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]map[string]int{"status": {}, "type": {}}
	for _, n := range m.notifications {
		if n.ClinicID != clinicID {
			continue
		}
		stats["status"][n.Status]++
		stats["type"][string(n.Type)]++
	}
	return stats
}

// LogSender writes notifications to the log instead of delivering them. The
// dev server uses it for channels with no backing service.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.Logger.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Msg("notification not delivered: email channel is log-only")
	return nil
}

func (s LogSender) SendSMS(_ context.Context, to, _ string) error {
	s.Logger.Info().Str("channel", "sms").Str("to", to).Msg("notification not delivered: sms channel is log-only")
	return nil
}

func (s LogSender) SendPush(_ context.Context, topic, title, _ string) error {
	s.Logger.Info().Str("channel", "push").Str("topic", topic).Str("title", title).Msg("notification not delivered: push channel is log-only")
	return nil
}
