package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domain "commerce-relay/internal/domain/outbox"
	"commerce-relay/pkg/logger"

	"go.uber.org/zap"
)

// AlertSink receives dead-letter notifications.
type AlertSink interface {
	OnDeadLetter(ctx context.Context, dl domain.DeadLetterEvent) error
	OnThresholdExceeded(ctx context.Context, count int64, threshold int) error
}

// LogAlertSink writes alerts to the structured log.
type LogAlertSink struct {
	log *logger.Logger
}

func NewLogAlertSink(log *logger.Logger) *LogAlertSink {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogAlertSink{log: log.Named("alerts")}
}

func (s *LogAlertSink) OnDeadLetter(_ context.Context, dl domain.DeadLetterEvent) error {
	s.log.Logger.Warn("event dead-lettered",
		zap.Int64("dead_letter_id", dl.ID),
		zap.Int64("original_event_id", dl.OriginalEventID),
		zap.String("event_type", dl.EventType),
		zap.String("aggregate_type", dl.AggregateType),
		zap.String("aggregate_id", dl.AggregateID),
		zap.Int("retry_count", dl.RetryCount),
		zap.String("reason", dl.ErrorMessage),
	)
	return nil
}

func (s *LogAlertSink) OnThresholdExceeded(_ context.Context, count int64, threshold int) error {
	s.log.Logger.Error("unresolved dead letters above threshold",
		zap.Int64("unresolved", count),
		zap.Int("threshold", threshold),
		zap.String("severity", "escalated"),
	)
	return nil
}

// Archiver stores dead-letter snapshots outside the database.
type Archiver interface {
	PutJSON(ctx context.Context, key string, body []byte) error
	DeadLetterKey(eventType string, id int64, failedAt time.Time) string
}

// ArchiveAlertSink copies every dead letter to object storage so the
// snapshot survives cleanup of the table.
type ArchiveAlertSink struct {
	archive Archiver
}

func NewArchiveAlertSink(archive Archiver) *ArchiveAlertSink {
	return &ArchiveAlertSink{archive: archive}
}

func (s *ArchiveAlertSink) OnDeadLetter(ctx context.Context, dl domain.DeadLetterEvent) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter %d: %w", dl.ID, err)
	}
	return s.archive.PutJSON(ctx, s.archive.DeadLetterKey(dl.EventType, dl.ID, dl.FailedAt), body)
}

func (s *ArchiveAlertSink) OnThresholdExceeded(context.Context, int64, int) error {
	return nil
}

// MultiSink fans an alert out to every sink and joins their errors.
type MultiSink []AlertSink

func (m MultiSink) OnDeadLetter(ctx context.Context, dl domain.DeadLetterEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.OnDeadLetter(ctx, dl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) OnThresholdExceeded(ctx context.Context, count int64, threshold int) error {
	var errs []error
	for _, s := range m {
		if err := s.OnThresholdExceeded(ctx, count, threshold); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
