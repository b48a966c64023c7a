package eventbus

// EventBus is a small lock-free pub/sub used to fan engine events
// (missing articles, provider state changes) out to observers without
// coupling the hot path to any consumer. Slow subscribers drop events
// rather than applying backpressure to the publisher.

import (
	"strconv"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

type EventBus[T any] struct {
	subscribers   *xsync.Map[string, *subscriber[T]]
	subscriberSeq atomic.Uint64
	bufferSize    int
	isShutdown    atomic.Bool
}

type subscriber[T any] struct {
	ch      chan T
	id      string
	dropped atomic.Uint64
	active  atomic.Bool
}

const defaultBufferSize = 100

// New creates an EventBus with the default per-subscriber buffer.
func New[T any]() *EventBus[T] {
	return NewWithBuffer[T](defaultBufferSize)
}

func NewWithBuffer[T any](bufferSize int) *EventBus[T] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &EventBus[T]{
		subscribers: xsync.NewMap[string, *subscriber[T]](),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or
// shutdown.
func (eb *EventBus[T]) Subscribe() (<-chan T, func()) {
	id := strconv.FormatUint(eb.subscriberSeq.Add(1), 10)
	sub := &subscriber[T]{
		ch: make(chan T, eb.bufferSize),
		id: id,
	}
	sub.active.Store(true)

	if eb.isShutdown.Load() {
		close(sub.ch)
		return sub.ch, func() {}
	}

	eb.subscribers.Store(id, sub)

	unsubscribe := func() {
		if sub.active.CompareAndSwap(true, false) {
			eb.subscribers.Delete(id)
			close(sub.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers the event to every active subscriber. Full buffers
// drop the event and bump the subscriber's drop counter.
func (eb *EventBus[T]) Publish(event T) {
	if eb.isShutdown.Load() {
		return
	}
	eb.subscribers.Range(func(_ string, sub *subscriber[T]) bool {
		if !sub.active.Load() {
			return true
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
		return true
	})
}

// SubscriberCount returns the number of active subscribers.
func (eb *EventBus[T]) SubscriberCount() int {
	count := 0
	eb.subscribers.Range(func(_ string, _ *subscriber[T]) bool {
		count++
		return true
	})
	return count
}

// DroppedEvents sums drops across subscribers.
func (eb *EventBus[T]) DroppedEvents() uint64 {
	var total uint64
	eb.subscribers.Range(func(_ string, sub *subscriber[T]) bool {
		total += sub.dropped.Load()
		return true
	})
	return total
}

// Shutdown closes all subscriber channels. Publish becomes a no-op.
func (eb *EventBus[T]) Shutdown() {
	if !eb.isShutdown.CompareAndSwap(false, true) {
		return
	}
	eb.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		if sub.active.CompareAndSwap(true, false) {
			eb.subscribers.Delete(id)
			close(sub.ch)
		}
		return true
	})
}
