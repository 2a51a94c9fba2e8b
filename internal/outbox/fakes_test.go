package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	domain "commerce-relay/internal/domain/outbox"
	"commerce-relay/internal/repository"
	relay_errors "commerce-relay/pkg/errors"
)

// memStore backs both fake repositories so a dead-letter move can delete
// from the event log.
type memStore struct {
	mu          sync.Mutex
	nextEventID int64
	nextDLID    int64
	events      map[int64]domain.PendingEvent
	deadLetters map[int64]domain.DeadLetterEvent
	failMove    error
}

func newMemStore() *memStore {
	return &memStore{
		events:      make(map[int64]domain.PendingEvent),
		deadLetters: make(map[int64]domain.DeadLetterEvent),
	}
}

func (s *memStore) add(eventType, aggregateID, payload string) domain.PendingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	e := domain.PendingEvent{
		ID:            s.nextEventID,
		EventType:     eventType,
		AggregateType: "test",
		AggregateID:   aggregateID,
		Payload:       []byte(payload),
		CreatedAt:     time.Unix(s.nextEventID, 0),
	}
	s.events[e.ID] = e
	return e
}

func (s *memStore) event(id int64) (domain.PendingEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	return e, ok
}

func (s *memStore) deadLetterFor(originalID int64) []domain.DeadLetterEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeadLetterEvent
	for _, d := range s.deadLetters {
		if d.OriginalEventID == originalID {
			out = append(out, d)
		}
	}
	return out
}

type fakeOutboxRepo struct{ s *memStore }

func (r fakeOutboxRepo) Append(_ context.Context, tx repository.DBTX, e domain.NewEvent) (int64, error) {
	if tx == nil {
		return 0, relay_errors.ErrNoTransaction
	}
	return r.s.add(e.EventType, e.AggregateID, string(e.Payload)).ID, nil
}

func (r fakeOutboxRepo) AppendMany(ctx context.Context, tx repository.DBTX, events []domain.NewEvent) error {
	for _, e := range events {
		if _, err := r.Append(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r fakeOutboxRepo) GetByID(_ context.Context, id int64) (domain.PendingEvent, error) {
	e, ok := r.s.event(id)
	if !ok {
		return domain.PendingEvent{}, relay_errors.ErrNotFound
	}
	return e, nil
}

func (r fakeOutboxRepo) FetchPending(_ context.Context, limit int) ([]domain.PendingEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.PendingEvent
	for _, e := range r.s.events {
		if !e.Processed {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r fakeOutboxRepo) CountPending(ctx context.Context) (int64, error) {
	pending, _ := r.FetchPending(ctx, 1<<30)
	return int64(len(pending)), nil
}

func (r fakeOutboxRepo) MarkProcessed(_ context.Context, ids []int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		e := r.s.events[id]
		e.Processed = true
		e.ProcessedAt = &now
		r.s.events[id] = e
	}
	return nil
}

func (r fakeOutboxRepo) MarkFailed(_ context.Context, id int64, msg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[id]
	if !ok {
		return relay_errors.ErrNotFound
	}
	e.RetryCount++
	e.ErrorMessage = &msg
	r.s.events[id] = e
	return nil
}

type fakeDeadLetterRepo struct{ s *memStore }

func (r fakeDeadLetterRepo) MoveToDeadLetter(_ context.Context, e domain.PendingEvent, reason string, at time.Time) (domain.DeadLetterEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failMove != nil {
		return domain.DeadLetterEvent{}, r.s.failMove
	}
	if _, ok := r.s.events[e.ID]; !ok {
		return domain.DeadLetterEvent{}, relay_errors.ErrNotFound
	}
	r.s.nextDLID++
	dl := domain.NewDeadLetter(e, reason, at)
	dl.ID = r.s.nextDLID
	r.s.deadLetters[dl.ID] = dl
	delete(r.s.events, e.ID)
	return dl, nil
}

func (r fakeDeadLetterRepo) GetByID(_ context.Context, id int64) (domain.DeadLetterEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	dl, ok := r.s.deadLetters[id]
	if !ok {
		return domain.DeadLetterEvent{}, relay_errors.ErrNotFound
	}
	return dl, nil
}

func (r fakeDeadLetterRepo) ListUnresolved(_ context.Context, limit, offset int) ([]domain.DeadLetterEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.DeadLetterEvent
	for _, d := range r.s.deadLetters {
		if !d.Resolved {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r fakeDeadLetterRepo) CountUnresolved(ctx context.Context) (int64, error) {
	all, _ := r.ListUnresolved(ctx, 1<<30, 0)
	return int64(len(all)), nil
}

func (r fakeDeadLetterRepo) lockUnresolved(id int64) (domain.DeadLetterEvent, error) {
	dl, ok := r.s.deadLetters[id]
	if !ok {
		return domain.DeadLetterEvent{}, relay_errors.ErrNotFound
	}
	if dl.Resolved {
		return domain.DeadLetterEvent{}, relay_errors.ErrAlreadyResolved
	}
	return dl, nil
}

func (r fakeDeadLetterRepo) resolve(dl domain.DeadLetterEvent, by, note string, at time.Time) {
	dl.Resolved = true
	dl.ResolvedAt = &at
	dl.ResolvedBy = &by
	dl.ResolutionNote = &note
	r.s.deadLetters[dl.ID] = dl
}

func (r fakeDeadLetterRepo) Resolve(_ context.Context, id int64, by, note string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	dl, err := r.lockUnresolved(id)
	if err != nil {
		return err
	}
	r.resolve(dl, by, note, at)
	return nil
}

func (r fakeDeadLetterRepo) Requeue(_ context.Context, id int64, by, note string, at time.Time) (domain.PendingEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	dl, err := r.lockUnresolved(id)
	if err != nil {
		return domain.PendingEvent{}, err
	}
	fresh := dl.Requeue(at)
	r.s.nextEventID++
	fresh.ID = r.s.nextEventID
	r.s.events[fresh.ID] = fresh
	r.resolve(dl, by, note, at)
	return fresh, nil
}

// recordingSink captures alerts.
type recordingSink struct {
	mu          sync.Mutex
	deadLetters []domain.DeadLetterEvent
	thresholds  []int64
	err         error
}

func (s *recordingSink) OnDeadLetter(_ context.Context, dl domain.DeadLetterEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, dl)
	return s.err
}

func (s *recordingSink) OnThresholdExceeded(_ context.Context, count int64, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.thresholds = append(s.thresholds, count)
	return nil
}

func (s *recordingSink) deadLetterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadLetters)
}

type fakeLocker struct {
	held  bool
	calls int
}

func (l *fakeLocker) TryExecuteWithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) (bool, error) {
	l.calls++
	if l.held {
		return false, nil
	}
	return true, fn(ctx)
}
