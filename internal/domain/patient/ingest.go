package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/pdcare/pdcare/internal/platform/db"
	"github.com/pdcare/pdcare/internal/platform/metrics"
)

// LabMessage is the JSON payload of a lab analyser result on the ingest topic.
type LabMessage struct {
	ClinicID   string    `json:"clinic_id"`
	PatientID  string    `json:"patient_id"`
	TestName   string    `json:"test_name"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	RefLow     *float64  `json:"ref_low,omitempty"`
	RefHigh    *float64  `json:"ref_high,omitempty"`
	ResultDate time.Time `json:"result_date"`
}

// ClinicScope runs fn with ctx bound to a clinic schema. db.WithClinic
// satisfies it once the pool is applied.
type ClinicScope func(ctx context.Context, clinicID string, fn func(ctx context.Context) error) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// LabIngestor consumes lab results from Kafka and stores them through the
// patient service, so ingested labs raise the same events as manual entry.
type LabIngestor struct {
	reader messageReader
	svc    *Service
	scope  ClinicScope
	logger zerolog.Logger

	// retryBase and retryMax bound the backoff between attempts to store a
	// message that failed for a reason other than bad content.
	retryBase time.Duration
	retryMax  time.Duration
}

func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  time.Second,
	})
}

func NewLabIngestor(reader messageReader, svc *Service, scope ClinicScope, logger zerolog.Logger) *LabIngestor {
	return &LabIngestor{
		reader: reader,
		svc:    svc,
		scope:  scope,
		logger: logger.With().Str("component", "lab_ingest").Logger(),

		retryBase: time.Second,
		retryMax:  30 * time.Second,
	}
}

// Run consumes until ctx is cancelled. A message is committed once it is
// stored or rejected as malformed. Storage failures are retried with backoff
// and the offset stays uncommitted until the store succeeds, so the consumer
// group redelivers it after a restart.
func (in *LabIngestor) Run(ctx context.Context) error {
	defer in.reader.Close()
	for {
		msg, err := in.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch lab message: %w", err)
		}

		log := in.logger.With().Int("partition", msg.Partition).Int64("offset", msg.Offset).Logger()
		if !in.store(ctx, msg, log) {
			return nil
		}

		if err := in.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit lab message: %w", err)
		}
	}
}

// store reports whether msg is done with and may be committed. It returns
// false only when ctx ends before a failing store succeeds.
func (in *LabIngestor) store(ctx context.Context, msg kafka.Message, log zerolog.Logger) bool {
	wait := in.retryBase
	for attempt := 1; ; attempt++ {
		err := in.handle(ctx, msg)
		switch {
		case err == nil:
			metrics.RecordLabIngest("stored")
			return true
		case errors.Is(err, ErrInvalid), errors.Is(err, ErrNotFound):
			metrics.RecordLabIngest("rejected")
			log.Warn().Err(err).Msg("skipping lab message")
			return true
		}

		metrics.RecordLabIngest("failed")
		log.Error().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("storing lab message")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		if wait *= 2; wait > in.retryMax {
			wait = in.retryMax
		}
	}
}

func (in *LabIngestor) handle(ctx context.Context, msg kafka.Message) error {
	var m LabMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return invalidf("decode: %v", err)
	}
	if !db.ValidClinicID(m.ClinicID) {
		return invalidf("invalid clinic_id %q", m.ClinicID)
	}
	patientID, err := uuid.Parse(m.PatientID)
	if err != nil {
		return invalidf("invalid patient_id %q", m.PatientID)
	}
	if m.ResultDate.IsZero() {
		return invalidf("result_date is required")
	}

	lab := &LabResult{
		PatientID:  patientID,
		ResultDate: m.ResultDate,
		TestName:   m.TestName,
		Value:      m.Value,
		Unit:       m.Unit,
		RefLow:     m.RefLow,
		RefHigh:    m.RefHigh,
	}
	return in.scope(ctx, m.ClinicID, func(ctx context.Context) error {
		return in.svc.AddLab(ctx, lab)
	})
}
