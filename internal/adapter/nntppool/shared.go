package nntppool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// SharedBudget is the global pooled-connection semaphore: every lease
// against a pooled provider holds one permit, capping total in-flight
// pooled leases at min(sum of provider maxima, configured streaming
// cap). Backup pools carry their own private budgets and never touch
// the shared one.
type SharedBudget struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

func NewSharedBudget(capacity int) *SharedBudget {
	if capacity < 1 {
		capacity = 1
	}
	return &SharedBudget{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

func (b *SharedBudget) Acquire(ctx context.Context) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	b.inUse.Add(1)
	return nil
}

func (b *SharedBudget) Release() {
	b.inUse.Add(-1)
	b.sem.Release(1)
}

func (b *SharedBudget) Capacity() int64 {
	return b.capacity
}

func (b *SharedBudget) InUse() int64 {
	return b.inUse.Load()
}

// Remaining is used by the dispatcher to order providers by headroom.
func (b *SharedBudget) Remaining() int64 {
	return b.capacity - b.inUse.Load()
}
