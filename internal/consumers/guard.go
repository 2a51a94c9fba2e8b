package consumers

import "context"

// Guard claims an idempotency key. TryAcquire returns true only for the
// caller that set the key.
type Guard interface {
	TryAcquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}
