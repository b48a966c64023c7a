package stats

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/johoja12/nzbstream/internal/core/constants"
	"github.com/johoja12/nzbstream/internal/core/ports"
	"github.com/johoja12/nzbstream/pkg/eventbus"
)

// MissingArticles is the bounded log of per-provider article misses.
// Every event also goes out on the bus so repair tooling can subscribe
// without polling.
type MissingArticles struct {
	mu    sync.Mutex
	ring  [constants.MissingArticleRingSize]ports.MissingArticleEvent
	head  int
	count int
	total int64

	byProvider *xsync.Map[int, *xsync.Counter]
	byFileName *xsync.Map[string, *xsync.Counter]

	bus *eventbus.EventBus[ports.MissingArticleEvent]
}

var _ ports.ErrorSink = (*MissingArticles)(nil)

func NewMissingArticles() *MissingArticles {
	return &MissingArticles{
		byProvider: xsync.NewMap[int, *xsync.Counter](),
		byFileName: xsync.NewMap[string, *xsync.Counter](),
		bus:        eventbus.New[ports.MissingArticleEvent](),
	}
}

func (m *MissingArticles) RecordMissingArticle(ev ports.MissingArticleEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	m.mu.Lock()
	m.ring[m.head] = ev
	m.head = (m.head + 1) % constants.MissingArticleRingSize
	if m.count < constants.MissingArticleRingSize {
		m.count++
	}
	m.total++
	m.mu.Unlock()

	pc, _ := m.byProvider.LoadOrStore(ev.ProviderIndex, xsync.NewCounter())
	pc.Inc()
	if ev.FileName != "" {
		fc, _ := m.byFileName.LoadOrStore(ev.FileName, xsync.NewCounter())
		fc.Inc()
	}

	m.bus.Publish(ev)
}

// Subscribe exposes the event stream; the returned cancel must be
// called when the consumer goes away.
func (m *MissingArticles) Subscribe() (<-chan ports.MissingArticleEvent, func()) {
	return m.bus.Subscribe()
}

func (m *MissingArticles) Snapshot() ports.MissingArticleSnapshot {
	m.mu.Lock()
	recent := make([]ports.MissingArticleEvent, 0, m.count)
	// Oldest first.
	start := m.head - m.count
	if start < 0 {
		start += constants.MissingArticleRingSize
	}
	for i := 0; i < m.count; i++ {
		recent = append(recent, m.ring[(start+i)%constants.MissingArticleRingSize])
	}
	total := m.total
	m.mu.Unlock()

	byProvider := make(map[int]int64)
	m.byProvider.Range(func(idx int, c *xsync.Counter) bool {
		byProvider[idx] = c.Value()
		return true
	})
	byFileName := make(map[string]int64)
	m.byFileName.Range(func(name string, c *xsync.Counter) bool {
		byFileName[name] = c.Value()
		return true
	})

	return ports.MissingArticleSnapshot{
		Total:      total,
		Recent:     recent,
		ByProvider: byProvider,
		ByFileName: byFileName,
	}
}

func (m *MissingArticles) Close() {
	m.bus.Shutdown()
}
