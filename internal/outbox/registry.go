package outbox

import (
	"context"
	"sort"
	"sync"

	domain "commerce-relay/internal/domain/outbox"
)

// Handler consumes one pending event. Returning false or an error marks the
// event as failed for this cycle.
type Handler interface {
	Handle(ctx context.Context, e domain.PendingEvent) (bool, error)
}

// BatchHandler is implemented by handlers that can take a whole same-type
// group in one call. SupportsBatch lets a wrapper opt out at runtime.
type BatchHandler interface {
	Handler
	SupportsBatch() bool
	HandleBatch(ctx context.Context, events []domain.PendingEvent) (bool, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e domain.PendingEvent) (bool, error)

func (f HandlerFunc) Handle(ctx context.Context, e domain.PendingEvent) (bool, error) {
	return f(ctx, e)
}

func asBatch(h Handler) (BatchHandler, bool) {
	bh, ok := h.(BatchHandler)
	if !ok || !bh.SupportsBatch() {
		return nil, false
	}
	return bh, true
}

// Registry maps event types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Handler)}
}

func (r *Registry) Register(eventType string, h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], h)
}

// Handlers returns a copy of the handlers registered for eventType.
func (r *Registry) Handlers(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.handlers[eventType]
	if len(hs) == 0 {
		return nil
	}
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
