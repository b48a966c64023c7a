package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johoja12/nzbstream/internal/core/ports"
)

func TestBandwidthBytesAndSpeed(t *testing.T) {
	b := NewBandwidth()
	b.RegisterProvider(0, "news.example.com:563")

	b.RecordBytes(0, 1024)
	b.RecordBytes(0, 2048)

	assert.Equal(t, int64(3072), b.TotalBytes(0))
	assert.Greater(t, b.SpeedBps(0), 0.0)

	snaps := b.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "news.example.com:563", snaps[0].ProviderName)
	assert.Equal(t, int64(3072), snaps[0].TotalBytes)
}

func TestBandwidthLatencyEWMA(t *testing.T) {
	b := NewBandwidth()

	b.RecordLatency(1, 100*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, b.AverageLatency(1))

	// alpha=0.2: 0.2*200 + 0.8*100 = 120ms
	b.RecordLatency(1, 200*time.Millisecond)
	assert.InDelta(t, float64(120*time.Millisecond), float64(b.AverageLatency(1)), float64(time.Millisecond))
}

func TestBandwidthUnknownProvider(t *testing.T) {
	b := NewBandwidth()
	assert.Equal(t, time.Duration(0), b.AverageLatency(42))
	assert.Equal(t, 0.0, b.SpeedBps(42))
	assert.Equal(t, int64(0), b.TotalBytes(42))
}

func TestMissingArticlesRingAndCounts(t *testing.T) {
	m := NewMissingArticles()
	defer m.Close()

	m.RecordMissingArticle(ports.MissingArticleEvent{
		SegmentID: "<s1@x>", FileName: "a.mkv", Operation: "BODY", ProviderIndex: 0, ProviderName: "A",
	})
	m.RecordMissingArticle(ports.MissingArticleEvent{
		SegmentID: "<s2@x>", FileName: "a.mkv", Operation: "STAT", ProviderIndex: 1, ProviderName: "B",
	})

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Total)
	require.Len(t, snap.Recent, 2)
	assert.Equal(t, "<s1@x>", snap.Recent[0].SegmentID) // oldest first
	assert.Equal(t, int64(1), snap.ByProvider[0])
	assert.Equal(t, int64(1), snap.ByProvider[1])
	assert.Equal(t, int64(2), snap.ByFileName["a.mkv"])
	assert.False(t, snap.Recent[0].Time.IsZero())
}

func TestMissingArticlesSubscription(t *testing.T) {
	m := NewMissingArticles()
	defer m.Close()

	events, cancel := m.Subscribe()
	defer cancel()

	m.RecordMissingArticle(ports.MissingArticleEvent{SegmentID: "<gone@x>", ProviderIndex: 2})

	select {
	case ev := <-events:
		assert.Equal(t, "<gone@x>", ev.SegmentID)
		assert.Equal(t, 2, ev.ProviderIndex)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestMissingArticlesRingBounded(t *testing.T) {
	m := NewMissingArticles()
	defer m.Close()

	for i := 0; i < 600; i++ {
		m.RecordMissingArticle(ports.MissingArticleEvent{SegmentID: "<s@x>", ProviderIndex: 0})
	}

	snap := m.Snapshot()
	assert.Equal(t, int64(600), snap.Total)
	assert.Equal(t, 512, len(snap.Recent))
}
