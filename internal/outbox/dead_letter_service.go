package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "commerce-relay/internal/domain/outbox"
	"commerce-relay/internal/metrics"
	"commerce-relay/internal/repository"
	relay_errors "commerce-relay/pkg/errors"
	"commerce-relay/pkg/logger"

	"go.uber.org/zap"
)

const alertTimeout = 10 * time.Second

// DeadLetterService moves poison events into quarantine and lets an operator
// replay or close them.
type DeadLetterService struct {
	deadLetters repository.DeadLetterRepository
	events      repository.OutboxRepository
	alerts      AlertSink
	metrics     *metrics.RelayMetrics
	log         *logger.Logger
	clock       func() time.Time
	alertsWG    sync.WaitGroup
}

type Stats struct {
	PendingEvents         int64 `json:"pending_events"`
	UnresolvedDeadLetters int64 `json:"unresolved_dead_letters"`
}

func NewDeadLetterService(deadLetters repository.DeadLetterRepository, events repository.OutboxRepository, alerts AlertSink, m *metrics.RelayMetrics, log *logger.Logger) *DeadLetterService {
	if log == nil {
		log = logger.NewNop()
	}
	if alerts == nil {
		alerts = NewLogAlertSink(log)
	}
	return &DeadLetterService{
		deadLetters: deadLetters,
		events:      events,
		alerts:      alerts,
		metrics:     m,
		log:         log.Named("dead_letters"),
		clock:       time.Now,
	}
}

// MoveToDeadLetter snapshots e and deletes it from the log in one
// transaction, then alerts in the background. Alert failures are logged only.
func (s *DeadLetterService) MoveToDeadLetter(ctx context.Context, e domain.PendingEvent, reason string) (domain.DeadLetterEvent, error) {
	dl, err := s.deadLetters.MoveToDeadLetter(ctx, e, reason, s.clock().UTC())
	if err != nil {
		return domain.DeadLetterEvent{}, fmt.Errorf("move event %d to dead letter: %w", e.ID, err)
	}
	s.metrics.RecordDeadLettered(ctx, e.EventType, reasonLabel(reason))
	s.notify(dl)
	return dl, nil
}

func (s *DeadLetterService) notify(dl domain.DeadLetterEvent) {
	s.alertsWG.Add(1)
	go func() {
		defer s.alertsWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Errorf("dead letter alert panicked for %d: %v", dl.ID, r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := s.alerts.OnDeadLetter(ctx, dl); err != nil {
			s.log.Logger.Warn("dead letter alert failed",
				zap.Int64("dead_letter_id", dl.ID),
				zap.Error(err),
			)
		}
	}()
}

// WaitAlerts blocks until in-flight alerts have returned.
func (s *DeadLetterService) WaitAlerts() {
	s.alertsWG.Wait()
}

// Retry re-creates a fresh pending event with a zero retry count and marks
// the dead letter resolved by operatorID.
func (s *DeadLetterService) Retry(ctx context.Context, id int64, operatorID string) (domain.PendingEvent, error) {
	if strings.TrimSpace(operatorID) == "" {
		return domain.PendingEvent{}, fmt.Errorf("%w: operator id is required", relay_errors.ErrInvalidInput)
	}
	fresh, err := s.deadLetters.Requeue(ctx, id, operatorID, "requeued by "+operatorID, s.clock().UTC())
	if err != nil {
		return domain.PendingEvent{}, err
	}
	s.log.WithContext(ctx).Infof("dead letter %d requeued as event %d", id, fresh.ID)
	return fresh, nil
}

// ResolveManually closes the dead letter without requeueing it.
func (s *DeadLetterService) ResolveManually(ctx context.Context, id int64, operatorID, note string) error {
	if strings.TrimSpace(operatorID) == "" {
		return fmt.Errorf("%w: operator id is required", relay_errors.ErrInvalidInput)
	}
	if err := s.deadLetters.Resolve(ctx, id, operatorID, note, s.clock().UTC()); err != nil {
		return err
	}
	s.log.WithContext(ctx).Infof("dead letter %d resolved manually", id)
	return nil
}

func (s *DeadLetterService) Get(ctx context.Context, id int64) (domain.DeadLetterEvent, error) {
	return s.deadLetters.GetByID(ctx, id)
}

// List returns one page of unresolved dead letters, newest first, and the
// total unresolved count.
func (s *DeadLetterService) List(ctx context.Context, limit, offset int) ([]domain.DeadLetterEvent, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	items, err := s.deadLetters.ListUnresolved(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.deadLetters.CountUnresolved(ctx)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *DeadLetterService) Stats(ctx context.Context) (Stats, error) {
	unresolved, err := s.deadLetters.CountUnresolved(ctx)
	if err != nil {
		return Stats{}, err
	}
	var pending int64
	if s.events != nil {
		if pending, err = s.events.CountPending(ctx); err != nil {
			return Stats{}, err
		}
	}
	return Stats{PendingEvents: pending, UnresolvedDeadLetters: unresolved}, nil
}

func reasonLabel(reason string) string {
	switch {
	case strings.HasPrefix(reason, reasonNoHandler):
		return "no_handler"
	case strings.HasPrefix(reason, reasonMaxRetries):
		return "max_retries"
	default:
		return "other"
	}
}
