// Package cds is clinical decision support for PD patients: a pure alert
// evaluator over a patient Record and the service that runs it when records
// change.
package cds

import (
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Alert categories.
const (
	CategoryInfection = "infection"
	CategoryFluid     = "fluid"
	CategorySymptoms  = "symptoms"
	CategoryVitals    = "vitals"
	CategoryAdherence = "adherence"
	CategoryRenal     = "renal"
	CategoryImaging   = "imaging"
)

// Alert is one triggered check. ID is built from the check name and the id of
// the record that triggered it, so re-evaluation yields the same ids.
type Alert struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Category string   `json:"category"`
}

// Evaluation is the outcome of evaluating one patient.
type Evaluation struct {
	PatientID   uuid.UUID `json:"patient_id"`
	PatientName string    `json:"patient_name"`
	Alerts      []Alert   `json:"alerts"`
	RiskScore   int       `json:"risk_score"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// CountBySeverity returns the number of critical and warning alerts.
func CountBySeverity(alerts []Alert) (critical, warning int) {
	for _, a := range alerts {
		switch a.Severity {
		case SeverityCritical:
			critical++
		case SeverityWarning:
			warning++
		}
	}
	return critical, warning
}
