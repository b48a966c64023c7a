package ports

import (
	"context"
	"io"
	"time"

	"github.com/johoja12/nzbstream/internal/core/domain"
)

// TransportConn is one authenticated NNTP connection. Implementations
// are not safe for concurrent use; the pool guarantees single ownership
// through leases.
type TransportConn interface {
	// Stat checks article existence without consuming a body.
	Stat(ctx context.Context, segmentID string) (bool, error)

	// Head fetches the article headers. A missing article surfaces as
	// *domain.ArticleNotFoundError.
	Head(ctx context.Context, segmentID string) (map[string]string, error)

	// Body returns the yEnc-decoded article body. The part header is
	// parsed before Body returns; failure to parse it surfaces as
	// *domain.SegmentSizeUnknownError. Closing the reader before the
	// yEnc end sentinel dirties the connection.
	Body(ctx context.Context, segmentID string, includeHeaders bool) (*BodyReader, error)

	// Date is the cheapest round-trip; used as a latency probe.
	Date(ctx context.Context) (time.Time, error)

	// Group selects a newsgroup.
	Group(ctx context.Context, name string) error

	// DownloadArticleBody selects group then fetches a body by article
	// id; used for opportunistic health pings on providers that index
	// by group.
	DownloadArticleBody(ctx context.Context, group, articleID string) (*BodyReader, error)

	// AwaitQuiet blocks until the transport is drained and reusable,
	// or ctx expires. A non-nil return means the connection must be
	// replaced, not returned.
	AwaitQuiet(ctx context.Context) error

	State() domain.ConnectionState
	MarkDirty(reason string)
	Close() error
}

// BodyReader couples the decoded article stream with its parsed yEnc
// part header. Read consumes the transport through the end sentinel;
// Close before EOF dirties the owning connection.
type BodyReader struct {
	Header  domain.YencHeader
	Headers map[string]string // article headers, when requested
	Body    io.ReadCloser
}

// TransportDialer opens and authenticates a fresh connection to one
// provider. The pool owns the returned connection.
type TransportDialer func(ctx context.Context, p *domain.Provider) (TransportConn, error)

// BandwidthSink receives the engine's I/O accounting.
type BandwidthSink interface {
	RecordBytes(providerIndex int, bytes int64)
	RecordLatency(providerIndex int, latency time.Duration)
	AverageLatency(providerIndex int) time.Duration
}

// ErrorSink receives missing-article events for operator inspection and
// downstream repair tooling.
type ErrorSink interface {
	RecordMissingArticle(ev MissingArticleEvent)
}

// MissingArticleEvent is one observed per-provider article miss.
type MissingArticleEvent struct {
	Time          time.Time
	SegmentID     string
	FileName      string
	Operation     string
	ProviderIndex int
	ProviderName  string
	Imported      bool
}

// AffinityStore rehydrates and persists the affinity learner's records.
// The core ships an in-memory implementation; durable storage lives
// with the collaborators.
type AffinityStore interface {
	Load(ctx context.Context) ([]AffinityRecord, error)
	Save(ctx context.Context, records []AffinityRecord) error
}

// AffinityRecord is the persisted shape of one (key, provider) entry.
type AffinityRecord struct {
	AffinityKey   string
	ProviderIndex int
	Throughput    float64 // bytes per millisecond, EWMA
	FailureRate   float64 // [0,1], EWMA
	Samples       int64
}

// BenchmarkSource yields measured per-provider throughput used to seed
// affinity priors for keys with no history yet.
type BenchmarkSource interface {
	BenchmarkSpeeds(ctx context.Context) (map[int]float64, error)
}
