package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"commerce-relay/internal/domain/coupon"

	goredis "github.com/redis/go-redis/v9"
)

// Allocator key patterns. The hash tag keeps every key of one coupon on the
// same cluster slot:
// - coupon:{id}:issued    - set of requester ids holding a grant
// - coupon:{id}:seq       - grant sequence counter
// - coupon:{id}:soldout   - exhausted latch
// - coupon:{id}:queue     - sorted set requester -> sequence awaiting persistence
// - coupon:{id}:capacity  - immutable capacity
// - coupon:{id}:committed - set of requester ids whose grant is in coupon_issues
// - coupon:active         - coupons the allocation worker drains
const activeCouponsKey = "coupon:active"

func issuedKey(couponID string) string    { return fmt.Sprintf("coupon:{%s}:issued", couponID) }
func sequenceKey(couponID string) string  { return fmt.Sprintf("coupon:{%s}:seq", couponID) }
func soldOutKey(couponID string) string   { return fmt.Sprintf("coupon:{%s}:soldout", couponID) }
func queueKey(couponID string) string     { return fmt.Sprintf("coupon:{%s}:queue", couponID) }
func capacityKey(couponID string) string  { return fmt.Sprintf("coupon:{%s}:capacity", couponID) }
func committedKey(couponID string) string { return fmt.Sprintf("coupon:{%s}:committed", couponID) }

// Allocator issues at most capacity grants per coupon to distinct requesters
// using only single-key atomic commands. An overshoot at the capacity
// boundary is rolled back instead of prevented by a lock.
type Allocator struct {
	client *goredis.Client
}

func NewAllocator(client *goredis.Client) *Allocator {
	return &Allocator{client: client}
}

// Init records the immutable capacity and marks the coupon active. Calling it
// again for the same coupon keeps the original capacity.
func (a *Allocator) Init(ctx context.Context, couponID string, capacity int64) error {
	if capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	pipe := a.client.Pipeline()
	pipe.SetNX(ctx, capacityKey(couponID), capacity, 0)
	pipe.SAdd(ctx, activeCouponsKey, couponID)
	_, err := pipe.Exec(ctx)
	return err
}

// Capacity reads the authoritative capacity. Returns ok=false when the coupon
// was never initialized.
func (a *Allocator) Capacity(ctx context.Context, couponID string) (int64, bool, error) {
	capacity, err := a.client.Get(ctx, capacityKey(couponID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return capacity, true, nil
}

// TryAllocate attempts to grant one unit of couponID to requesterID.
func (a *Allocator) TryAllocate(ctx context.Context, couponID, requesterID string, capacity int64) (coupon.AllocationResult, error) {
	// once sold out, a single round trip answers every request
	soldOut, err := a.client.Exists(ctx, soldOutKey(couponID)).Result()
	if err != nil {
		return coupon.AllocationResult{}, fmt.Errorf("check sold out flag: %w", err)
	}
	if soldOut > 0 {
		return coupon.AllocationResult{Outcome: coupon.OutcomeExhausted}, nil
	}

	added, err := a.client.SAdd(ctx, issuedKey(couponID), requesterID).Result()
	if err != nil {
		return coupon.AllocationResult{}, fmt.Errorf("claim requester: %w", err)
	}
	if added == 0 {
		return coupon.AllocationResult{Outcome: coupon.OutcomeAlreadyGranted}, nil
	}

	seq, err := a.client.Incr(ctx, sequenceKey(couponID)).Result()
	if err != nil {
		err = fmt.Errorf("claim sequence: %w", err)
		// release the distinctness claim so the requester can try again
		if srErr := a.client.SRem(ctx, issuedKey(couponID), requesterID).Err(); srErr != nil {
			err = errors.Join(err, fmt.Errorf("release requester %s: %w", requesterID, srErr))
		}
		return coupon.AllocationResult{}, err
	}

	if seq > capacity {
		if err := a.rollback(ctx, couponID, requesterID); err != nil {
			return coupon.AllocationResult{}, fmt.Errorf("rollback overshoot: %w", err)
		}
		return coupon.AllocationResult{Outcome: coupon.OutcomeExhausted}, nil
	}

	// a worker may have retired the coupon between INCR and here
	_, err = a.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, queueKey(couponID), goredis.Z{
			Score:  float64(seq),
			Member: requesterID,
		})
		pipe.SAdd(ctx, activeCouponsKey, couponID)
		return nil
	})
	if err != nil {
		return coupon.AllocationResult{}, fmt.Errorf("enqueue grant: %w", err)
	}
	return coupon.AllocationResult{Outcome: coupon.OutcomeGranted, Sequence: seq}, nil
}

func (a *Allocator) rollback(ctx context.Context, couponID, requesterID string) error {
	pipe := a.client.Pipeline()
	pipe.SRem(ctx, issuedKey(couponID), requesterID)
	pipe.Decr(ctx, sequenceKey(couponID))
	pipe.Set(ctx, soldOutKey(couponID), "1", 0)
	_, err := pipe.Exec(ctx)
	return err
}

// Drain pops up to maxBatch lowest-sequence grants from the wait queue in one
// round trip.
func (a *Allocator) Drain(ctx context.Context, couponID string, maxBatch int) ([]coupon.Grant, error) {
	if maxBatch <= 0 {
		return nil, nil
	}
	popped, err := a.client.ZPopMin(ctx, queueKey(couponID), int64(maxBatch)).Result()
	if err != nil {
		return nil, err
	}
	grants := make([]coupon.Grant, 0, len(popped))
	for _, z := range popped {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		grants = append(grants, coupon.Grant{RequesterID: member, Sequence: int64(z.Score)})
	}
	return grants, nil
}

// Requeue puts grants back into the wait queue with their original sequence.
func (a *Allocator) Requeue(ctx context.Context, couponID string, grants []coupon.Grant) error {
	if len(grants) == 0 {
		return nil
	}
	members := make([]goredis.Z, 0, len(grants))
	for _, g := range grants {
		members = append(members, goredis.Z{Score: float64(g.Sequence), Member: g.RequesterID})
	}
	return a.client.ZAdd(ctx, queueKey(couponID), members...).Err()
}

// MarkCommitted records grants whose coupon_issues rows are committed.
// Recording the same requester twice is a no-op.
func (a *Allocator) MarkCommitted(ctx context.Context, couponID string, grants []coupon.Grant) error {
	if len(grants) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(grants))
	for _, g := range grants {
		members = append(members, g.RequesterID)
	}
	return a.client.SAdd(ctx, committedKey(couponID), members...).Err()
}

// ActiveCoupons lists coupons that may still have queued grants.
func (a *Allocator) ActiveCoupons(ctx context.Context) ([]string, error) {
	return a.client.SMembers(ctx, activeCouponsKey).Result()
}

// Retire removes a coupon from the active set once every unit is granted,
// its queue is empty and every claimed sequence is committed. A requester
// between INCR and ZADD holds a sequence that is not committed yet, so the
// coupon stays active. Returns true when the coupon was retired.
func (a *Allocator) Retire(ctx context.Context, couponID string) (bool, error) {
	st, err := a.State(ctx, couponID)
	if err != nil {
		return false, err
	}
	allGranted := st.Exhausted || (st.Capacity > 0 && st.Sequence >= st.Capacity)
	if !allGranted || st.QueueDepth > 0 || st.Committed < st.Sequence {
		return false, nil
	}
	return true, a.client.SRem(ctx, activeCouponsKey, couponID).Err()
}

// State reads every allocator key of a coupon.
func (a *Allocator) State(ctx context.Context, couponID string) (coupon.State, error) {
	pipe := a.client.Pipeline()
	capacity := pipe.Get(ctx, capacityKey(couponID))
	issued := pipe.SCard(ctx, issuedKey(couponID))
	seq := pipe.Get(ctx, sequenceKey(couponID))
	depth := pipe.ZCard(ctx, queueKey(couponID))
	soldOut := pipe.Exists(ctx, soldOutKey(couponID))
	committed := pipe.SCard(ctx, committedKey(couponID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return coupon.State{}, err
	}
	return coupon.State{
		CouponID:   couponID,
		Capacity:   parseInt(capacity.Val()),
		Issued:     issued.Val(),
		Sequence:   parseInt(seq.Val()),
		QueueDepth: depth.Val(),
		Exhausted:  soldOut.Val() > 0,
		Committed:  committed.Val(),
	}, nil
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
