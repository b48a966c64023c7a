package limiter

import (
	"context"
	"sync"

	"github.com/johoja12/nzbstream/internal/core/domain"
	"github.com/johoja12/nzbstream/internal/core/ports"
)

// Class is an admission class for provider operations.
type Class int

const (
	ClassQueue Class = iota
	ClassHealthCheck
	ClassStreaming
	classCount
)

func (c Class) String() string {
	switch c {
	case ClassQueue:
		return "queue"
	case ClassHealthCheck:
		return "health-check"
	case ClassStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// ClassFor maps a usage kind onto its admission class.
func ClassFor(kind domain.UsageKind) Class {
	switch kind {
	case domain.UsageStreaming, domain.UsageBufferedStreaming:
		return ClassStreaming
	case domain.UsageHealthCheck, domain.UsageRepair:
		return ClassHealthCheck
	default:
		return ClassQueue
	}
}

// wakeOrder: when a permit frees, streaming waiters go first, then
// health checks, then queue work.
var wakeOrder = [classCount]Class{ClassStreaming, ClassHealthCheck, ClassQueue}

// OperationLimiter is process-wide admission control over all provider
// operations: each class has its own cap and everything shares a total
// cap. Waiters are FIFO within a class and strictly prioritised across
// classes at release time.
type OperationLimiter struct {
	mu       sync.Mutex
	caps     [classCount]int64
	inUse    [classCount]int64
	total    int64
	totalCap int64
	waiters  [classCount][]chan struct{}
}

// New builds a limiter with per-class caps. A totalCap of zero means
// the sum of the class caps (no extra squeeze).
func New(queueCap, healthCap, streamingCap, totalCap int) *OperationLimiter {
	l := &OperationLimiter{}
	l.caps[ClassQueue] = int64(max(1, queueCap))
	l.caps[ClassHealthCheck] = int64(max(1, healthCap))
	l.caps[ClassStreaming] = int64(max(1, streamingCap))
	if totalCap <= 0 {
		totalCap = int(l.caps[ClassQueue] + l.caps[ClassHealthCheck] + l.caps[ClassStreaming])
	}
	l.totalCap = int64(totalCap)
	return l
}

// Permit is one admitted operation. Release exactly once; a second
// Release is a no-op.
type Permit struct {
	l        *OperationLimiter
	class    Class
	released bool
	mu       sync.Mutex
}

func (p *Permit) Class() Class {
	return p.class
}

func (p *Permit) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	p.mu.Unlock()
	p.l.release(p.class)
}

// Acquire blocks until a class permit and a total permit are both
// available, or ctx expires.
func (l *OperationLimiter) Acquire(ctx context.Context, class Class) (*Permit, error) {
	l.mu.Lock()
	if l.canAdmit(class) && !l.hasEarlierWaiter(class) {
		l.admit(class)
		l.mu.Unlock()
		return &Permit{l: l, class: class}, nil
	}

	ch := make(chan struct{})
	l.waiters[class] = append(l.waiters[class], ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return &Permit{l: l, class: class}, nil
	case <-ctx.Done():
		l.mu.Lock()
		if removed := l.removeWaiter(class, ch); !removed {
			// Lost the race: a releaser already admitted us. Give the
			// permit straight back.
			l.mu.Unlock()
			l.release(class)
			return nil, ctx.Err()
		}
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (l *OperationLimiter) canAdmit(class Class) bool {
	return l.inUse[class] < l.caps[class] && l.total < l.totalCap
}

// hasEarlierWaiter keeps same-class FIFO honest: a fresh acquirer must
// not overtake an already-queued waiter of its own class.
func (l *OperationLimiter) hasEarlierWaiter(class Class) bool {
	return len(l.waiters[class]) > 0
}

func (l *OperationLimiter) admit(class Class) {
	l.inUse[class]++
	l.total++
}

func (l *OperationLimiter) removeWaiter(class Class, ch chan struct{}) bool {
	for i, w := range l.waiters[class] {
		if w == ch {
			l.waiters[class] = append(l.waiters[class][:i], l.waiters[class][i+1:]...)
			return true
		}
	}
	return false
}

func (l *OperationLimiter) release(class Class) {
	l.mu.Lock()
	l.inUse[class]--
	l.total--

	// Admit as many waiters as the freed capacity allows, highest
	// class first.
	for _, c := range wakeOrder {
		for len(l.waiters[c]) > 0 && l.canAdmit(c) {
			ch := l.waiters[c][0]
			l.waiters[c] = l.waiters[c][1:]
			l.admit(c)
			close(ch)
		}
	}
	l.mu.Unlock()
}

// Snapshot reports permit occupancy for the status surface.
func (l *OperationLimiter) Snapshot() ports.LimiterSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ports.LimiterSnapshot{
		QueueInUse:        l.inUse[ClassQueue],
		HealthCheckInUse:  l.inUse[ClassHealthCheck],
		StreamingInUse:    l.inUse[ClassStreaming],
		TotalInUse:        l.total,
		QueueCapacity:     l.caps[ClassQueue],
		HealthCapacity:    l.caps[ClassHealthCheck],
		StreamingCapacity: l.caps[ClassStreaming],
		TotalCapacity:     l.totalCap,
	}
}
