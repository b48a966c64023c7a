package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johoja12/nzbstream/internal/core/domain"
)

func TestClassFor(t *testing.T) {
	tests := []struct {
		kind domain.UsageKind
		want Class
	}{
		{domain.UsageStreaming, ClassStreaming},
		{domain.UsageBufferedStreaming, ClassStreaming},
		{domain.UsageHealthCheck, ClassHealthCheck},
		{domain.UsageRepair, ClassHealthCheck},
		{domain.UsageQueue, ClassQueue},
		{domain.UsageAnalysis, ClassQueue},
		{domain.UsageUnknown, ClassQueue},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassFor(tt.kind), "kind %s", tt.kind)
	}
}

func TestAcquireWithinCaps(t *testing.T) {
	l := New(2, 2, 2, 0)

	p1, err := l.Acquire(context.Background(), ClassQueue)
	require.NoError(t, err)
	p2, err := l.Acquire(context.Background(), ClassQueue)
	require.NoError(t, err)

	snap := l.Snapshot()
	assert.Equal(t, int64(2), snap.QueueInUse)
	assert.Equal(t, int64(2), snap.TotalInUse)

	p1.Release()
	p2.Release()
	snap = l.Snapshot()
	assert.Equal(t, int64(0), snap.TotalInUse)
}

func TestClassCapBlocks(t *testing.T) {
	l := New(1, 5, 5, 0)

	p1, err := l.Acquire(context.Background(), ClassQueue)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, ClassQueue)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p1.Release()
	p2, err := l.Acquire(context.Background(), ClassQueue)
	require.NoError(t, err)
	p2.Release()
}

func TestTotalCapBlocksOtherClasses(t *testing.T) {
	l := New(5, 5, 5, 2)

	p1, err := l.Acquire(context.Background(), ClassQueue)
	require.NoError(t, err)
	p2, err := l.Acquire(context.Background(), ClassQueue)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, ClassStreaming)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p1.Release()
	p2.Release()
}

// Streaming must be admitted ahead of earlier-queued lower classes when
// a total permit frees up.
func TestStreamingPriorityOverQueue(t *testing.T) {
	l := New(10, 10, 10, 2)

	held := make([]*Permit, 0, 2)
	for i := 0; i < 2; i++ {
		p, err := l.Acquire(context.Background(), ClassQueue)
		require.NoError(t, err)
		held = append(held, p)
	}

	results := make(chan Class, 2)

	var started sync.WaitGroup
	started.Add(1)
	go func() {
		started.Done()
		p, err := l.Acquire(context.Background(), ClassQueue)
		if err == nil {
			results <- p.Class()
			p.Release()
		}
	}()
	started.Wait()
	time.Sleep(20 * time.Millisecond) // queue waiter is parked first

	started.Add(1)
	go func() {
		started.Done()
		p, err := l.Acquire(context.Background(), ClassStreaming)
		if err == nil {
			results <- p.Class()
			p.Release()
		}
	}()
	started.Wait()
	time.Sleep(20 * time.Millisecond)

	held[0].Release()

	first := <-results
	assert.Equal(t, ClassStreaming, first, "streaming should be admitted before the earlier queue waiter")

	held[1].Release()
	second := <-results
	assert.Equal(t, ClassQueue, second)
}

func TestPermitDoubleReleaseIsNoop(t *testing.T) {
	l := New(1, 1, 1, 0)

	p, err := l.Acquire(context.Background(), ClassStreaming)
	require.NoError(t, err)
	p.Release()
	p.Release()

	snap := l.Snapshot()
	assert.Equal(t, int64(0), snap.StreamingInUse)
	assert.Equal(t, int64(0), snap.TotalInUse)
}

func TestCancelledWaiterLeavesNoDebris(t *testing.T) {
	l := New(1, 1, 1, 0)

	p, err := l.Acquire(context.Background(), ClassQueue)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, aerr := l.Acquire(ctx, ClassQueue)
		errCh <- aerr
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	p.Release()

	// The abandoned waiter must not have swallowed the freed permit.
	p2, err := l.Acquire(context.Background(), ClassQueue)
	require.NoError(t, err)
	p2.Release()

	snap := l.Snapshot()
	assert.Equal(t, int64(0), snap.TotalInUse)
}

func TestPermitSymmetryUnderLoad(t *testing.T) {
	l := New(3, 3, 3, 5)

	var wg sync.WaitGroup
	classes := []Class{ClassQueue, ClassHealthCheck, ClassStreaming}
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p, err := l.Acquire(context.Background(), classes[n%3])
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			p.Release()
		}(i)
	}
	wg.Wait()

	snap := l.Snapshot()
	assert.Equal(t, int64(0), snap.QueueInUse)
	assert.Equal(t, int64(0), snap.HealthCheckInUse)
	assert.Equal(t, int64(0), snap.StreamingInUse)
	assert.Equal(t, int64(0), snap.TotalInUse)
}
