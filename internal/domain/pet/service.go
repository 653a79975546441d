package pet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pdcare/pdcare/internal/domain/patient"
)

// Lab test names under which a patient's PET results are filed.
const (
	LabDPCreatinine4h = "D/P Creatinine 4h"
	LabDD0Glucose4h   = "D/D0 Glucose 4h"
	LabWeeklyKtV      = "Weekly Kt/V"
)

// MinWeeklyKtV is the adequacy target used as the Kt/V reference low.
const MinWeeklyKtV = 1.7

// LabRecorder files lab results. *patient.Service implements it.
type LabRecorder interface {
	AddLab(ctx context.Context, l *patient.LabResult) error
}

type Service struct {
	labs   LabRecorder
	logger zerolog.Logger
}

func NewService(labs LabRecorder, logger zerolog.Logger) *Service {
	return &Service{labs: labs, logger: logger.With().Str("component", "pet_service").Logger()}
}

// Record calculates in and files the 4-hour ratios, and Kt/V when present,
// as lab results of patientID dated performedAt.
func (s *Service) Record(ctx context.Context, patientID uuid.UUID, performedAt time.Time, in Input) (*Result, error) {
	r, err := Calculate(in)
	if err != nil {
		return nil, err
	}

	labs := []patient.LabResult{
		{TestName: LabDPCreatinine4h, Value: r.DPCreatinine4h, Unit: "ratio"},
		{TestName: LabDD0Glucose4h, Value: r.DD0Glucose4h, Unit: "ratio"},
	}
	if r.Clearance != nil {
		low := MinWeeklyKtV
		labs = append(labs, patient.LabResult{TestName: LabWeeklyKtV, Value: r.Clearance.WeeklyKtV, Unit: "per week", RefLow: &low})
	}
	for i := range labs {
		l := &labs[i]
		l.PatientID = patientID
		l.ResultDate = performedAt
		if err := s.labs.AddLab(ctx, l); err != nil {
			return nil, fmt.Errorf("file %s: %w", l.TestName, err)
		}
	}

	s.logger.Info().
		Str("patient_id", patientID.String()).
		Str("transport_class", r.TransportClass).
		Int("labs", len(labs)).
		Msg("PET recorded")
	return r, nil
}
