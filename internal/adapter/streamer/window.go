package streamer

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/johoja12/nzbstream/internal/core/domain"
)

type slotState int

const (
	slotFetching slotState = iota
	slotReady
	slotFailed
)

// slot is one in-flight or completed segment within the look-ahead
// window.
type slot struct {
	seq   int
	state slotState

	// Exactly one of data/zeroFill describes a ready slot's payload.
	buf      *bytes.Buffer
	data     []byte
	zeroFill int64

	err error

	startedAt time.Time
	cancels   []context.CancelFunc
	uc        *domain.UsageContext
	secondary bool
}

func (sl *slot) size() int64 {
	if sl.zeroFill > 0 {
		return sl.zeroFill
	}
	return int64(len(sl.data))
}

// fetchProvider reports which provider the primary fetch is currently
// talking to, for straggler exclusion.
func (sl *slot) fetchProvider() int {
	if sl.uc == nil {
		return domain.NoProvider
	}
	return sl.uc.CurrentProvider()
}

func (sl *slot) cancelAll() {
	for _, cancel := range sl.cancels {
		cancel()
	}
	sl.cancels = nil
}

// window is the bounded arena of slots keyed by segment sequence
// number. All state is guarded by mu; the reader and the fetchers
// coordinate through cond.
type window struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots map[int]*slot

	start int // next seq the reader emits
	limit int // B

	total int // segment count N

	// avgFetchNanos is the rolling average of completed fetch times,
	// feeding the straggler threshold.
	avgFetchNanos float64

	closed bool
}

func newWindow(total, limit int) *window {
	w := &window{
		slots: make(map[int]*slot, limit),
		limit: limit,
		total: total,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// nextToSchedule picks the lowest unscheduled sequence inside the
// window, or -1 when nothing is schedulable right now.
func (w *window) nextToSchedule() int {
	end := w.start + w.limit
	if end > w.total {
		end = w.total
	}
	for seq := w.start; seq < end; seq++ {
		if _, ok := w.slots[seq]; !ok {
			return seq
		}
	}
	return -1
}

// awaitWork blocks a fetcher until a schedulable sequence appears (and
// registers its slot) or the window closes.
func (w *window) awaitWork(ctx context.Context, fetchCancel context.CancelFunc, uc *domain.UsageContext) *slot {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if w.closed || ctx.Err() != nil {
			return nil
		}
		if seq := w.nextToSchedule(); seq >= 0 {
			sl := &slot{
				seq:       seq,
				state:     slotFetching,
				startedAt: time.Now(),
				cancels:   []context.CancelFunc{fetchCancel},
				uc:        uc,
			}
			w.slots[seq] = sl
			return sl
		}
		w.cond.Wait()
	}
}

// attachSecondary registers a rescue fetch's cancel against the slot so
// whichever attempt settles first can cancel the other. False when the
// slot already settled or vanished.
func (w *window) attachSecondary(seq int, cancel context.CancelFunc) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	sl, ok := w.slots[seq]
	if !ok || sl.state != slotFetching {
		return false
	}
	sl.cancels = append(sl.cancels, cancel)
	return true
}

// complete settles a fetch outcome into its slot. Returns false when
// the slot is gone or already settled (the racing attempt won), in
// which case the caller keeps ownership of buf.
func (w *window) complete(seq int, buf *bytes.Buffer, data []byte, zeroFill int64, err error, elapsed time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	sl, ok := w.slots[seq]
	if !ok || sl.state != slotFetching {
		return false
	}

	if err != nil {
		sl.state = slotFailed
		sl.err = err
	} else {
		sl.state = slotReady
		sl.buf = buf
		sl.data = data
		sl.zeroFill = zeroFill
		if elapsed > 0 {
			const alpha = 0.2
			if w.avgFetchNanos == 0 {
				w.avgFetchNanos = float64(elapsed.Nanoseconds())
			} else {
				w.avgFetchNanos = alpha*float64(elapsed.Nanoseconds()) + (1-alpha)*w.avgFetchNanos
			}
		}
	}
	sl.cancelAll()
	w.cond.Broadcast()
	return true
}

// front returns the reader's current slot once it has settled. The
// boolean is false when the window is torn down; a nil slot with true
// means end of stream.
func (w *window) front(ctx context.Context) (*slot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if w.closed || ctx.Err() != nil {
			return nil, false
		}
		if w.start >= w.total {
			return nil, true
		}
		if sl, ok := w.slots[w.start]; ok && sl.state != slotFetching {
			return sl, true
		}
		w.cond.Wait()
	}
}

// advance retires the front slot and moves the window forward.
func (w *window) advance() {
	w.mu.Lock()
	if sl, ok := w.slots[w.start]; ok {
		delete(w.slots, w.start)
		releaseSlot(sl)
	}
	w.start++
	w.cond.Broadcast()
	w.mu.Unlock()
}

// seekTo repositions the window: slots inside the new window survive,
// whether completed or still fetching; everything outside it is
// cancelled and dropped.
func (w *window) seekTo(newStart int) {
	w.mu.Lock()
	end := newStart + w.limit
	for seq, sl := range w.slots {
		if seq >= newStart && seq < end {
			continue
		}
		sl.cancelAll()
		delete(w.slots, seq)
		releaseSlot(sl)
	}
	w.start = newStart
	w.cond.Broadcast()
	w.mu.Unlock()
}

// stragglers returns fetching slots older than the soft deadline that
// have no secondary yet, marking them so each straggler fires exactly
// one rescue fetch.
func (w *window) stragglers(threshold func(avg time.Duration) time.Duration) []*slot {
	w.mu.Lock()
	defer w.mu.Unlock()

	limit := threshold(time.Duration(w.avgFetchNanos))
	var out []*slot
	now := time.Now()
	for _, sl := range w.slots {
		if sl.state != slotFetching || sl.secondary {
			continue
		}
		if now.Sub(sl.startedAt) >= limit {
			sl.secondary = true
			out = append(out, sl)
		}
	}
	return out
}

// readyCount reports settled-but-unread slots for observability.
func (w *window) readyCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, sl := range w.slots {
		if sl.state == slotReady {
			n++
		}
	}
	return n
}

func (w *window) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for seq, sl := range w.slots {
		sl.cancelAll()
		delete(w.slots, seq)
		// Buffers are dropped rather than pooled: a reader may still
		// be copying from the front slot when teardown races in.
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}
