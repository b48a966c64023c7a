package ports

import "time"

// BandwidthSnapshot is a point-in-time view of one provider's I/O.
type BandwidthSnapshot struct {
	ProviderIndex  int
	ProviderName   string
	TotalBytes     int64
	BytesPerSecond float64
	AverageLatency time.Duration
}

// MissingArticleSnapshot summarises the missing-article ring.
type MissingArticleSnapshot struct {
	Total      int64
	Recent     []MissingArticleEvent
	ByProvider map[int]int64
	ByFileName map[string]int64
}

// LimiterSnapshot reports permit occupancy per admission class.
type LimiterSnapshot struct {
	QueueInUse        int64
	HealthCheckInUse  int64
	StreamingInUse    int64
	TotalInUse        int64
	QueueCapacity     int64
	HealthCapacity    int64
	StreamingCapacity int64
	TotalCapacity     int64
}

// StatsSnapshotter is the read side of C9, consumed by the status
// surface.
type StatsSnapshotter interface {
	BandwidthSnapshots() []BandwidthSnapshot
	MissingArticles() MissingArticleSnapshot
}
