package dispatch

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johoja12/nzbstream/internal/adapter/affinity"
	"github.com/johoja12/nzbstream/internal/adapter/limiter"
	"github.com/johoja12/nzbstream/internal/adapter/nntppool"
	"github.com/johoja12/nzbstream/internal/adapter/provider"
	"github.com/johoja12/nzbstream/internal/adapter/segcache"
	"github.com/johoja12/nzbstream/internal/adapter/stats"
	"github.com/johoja12/nzbstream/internal/core/domain"
	"github.com/johoja12/nzbstream/internal/core/ports"
)

// testStack is a fully wired dispatcher over mock provider backends.
type testStack struct {
	dispatcher *Dispatcher
	servers    map[int]*ports.MockServer
	missing    *stats.MissingArticles
	affinity   *affinity.Tracker
}

type stackProvider struct {
	index int
	kind  domain.ProviderKind
}

func newTestStack(t *testing.T, defs []stackProvider) *testStack {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	aff := affinity.NewTracker(logger)
	bandwidth := stats.NewBandwidth()
	missing := stats.NewMissingArticles()
	t.Cleanup(missing.Close)
	cache, err := segcache.New(64)
	require.NoError(t, err)

	d := New(aff, bandwidth, missing, cache, logger)
	limits := limiter.New(8, 8, 8, 0)
	shared := nntppool.NewSharedBudget(16)

	servers := make(map[int]*ports.MockServer, len(defs))
	clients := make([]*provider.Client, 0, len(defs))
	for i, def := range defs {
		p := &domain.Provider{
			Host:           string(rune('a'+i)) + ".example.com",
			Port:           563,
			MaxConnections: 4,
			Kind:           def.kind,
			Index:          def.index,
		}
		server := ports.NewMockServer()
		servers[def.index] = server

		budget := shared
		if !p.Kind.SharesPooledBudget() {
			budget = nntppool.NewSharedBudget(p.MaxConnections)
		}
		pool := nntppool.NewConnectionPool(p, server.Dialer(), budget, logger)
		client := provider.NewClient(p, pool, limits, bandwidth, time.Minute, 2, logger)
		t.Cleanup(client.Close)
		clients = append(clients, client)
	}
	d.SetClients(clients)

	return &testStack{dispatcher: d, servers: servers, missing: missing, affinity: aff}
}

func usageCtx(kind domain.UsageKind, affinityKey string) (context.Context, *domain.UsageContext) {
	uc := domain.NewUsageContext(kind, "test-job", affinityKey)
	return domain.WithUsage(context.Background(), uc), uc
}

func TestDispatchStat(t *testing.T) {
	st := newTestStack(t, []stackProvider{{0, domain.KindPooled}})
	st.servers[0].AddArticle("<s1@x>", &ports.MockArticle{Data: []byte("x")})

	ctx, _ := usageCtx(domain.UsageStreaming, "")
	exists, err := st.dispatcher.Stat(ctx, "<s1@x>", "a.mkv")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = st.dispatcher.Stat(ctx, "<gone@x>", "a.mkv")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFailOverOnMissingArticle(t *testing.T) {
	st := newTestStack(t, []stackProvider{{0, domain.KindPooled}, {1, domain.KindBackup}})

	payload := []byte("only on the backup")
	// Present on B, missing on A.
	st.servers[1].AddArticle("<m2@x>", &ports.MockArticle{Data: payload})

	ctx, uc := usageCtx(domain.UsageStreaming, "")
	var buf bytes.Buffer
	_, err := st.dispatcher.DownloadSegment(ctx, "<m2@x>", "a.mkv", false, &buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf.Bytes())

	// Exactly one missing-article event, attributed to provider 0.
	snap := st.missing.Snapshot()
	require.Equal(t, int64(1), snap.Total)
	assert.Equal(t, "<m2@x>", snap.Recent[0].SegmentID)
	assert.Equal(t, 0, snap.Recent[0].ProviderIndex)
	assert.Equal(t, domain.OpBody, snap.Recent[0].Operation)
	assert.Equal(t, "a.mkv", snap.Recent[0].FileName)

	// The backup served it; stickiness and flags reflect that.
	assert.Equal(t, 1, uc.LastSuccessfulProvider())
	assert.True(t, uc.IsBackup())
	assert.True(t, uc.IsSecondary())
}

func TestStickyLastSuccessfulProvider(t *testing.T) {
	st := newTestStack(t, []stackProvider{{0, domain.KindPooled}, {1, domain.KindPooled}})

	payload := []byte("everywhere")
	st.servers[0].AddArticle("<s@x>", &ports.MockArticle{Data: payload})
	st.servers[1].AddArticle("<s@x>", &ports.MockArticle{Data: payload})
	st.servers[0].AddArticle("<s2@x>", &ports.MockArticle{Data: payload})
	st.servers[1].AddArticle("<s2@x>", &ports.MockArticle{Data: payload})

	ctx, uc := usageCtx(domain.UsageStreaming, "")
	uc.SetLastSuccessfulProvider(1)

	var buf bytes.Buffer
	_, err := st.dispatcher.DownloadSegment(ctx, "<s@x>", "", false, &buf)
	require.NoError(t, err)

	// The sticky provider leads the order.
	assert.Equal(t, int64(1), st.servers[1].BodyCount())
	assert.Equal(t, int64(0), st.servers[0].BodyCount())
	assert.Equal(t, 1, uc.LastSuccessfulProvider())
}

func TestForcedProvider(t *testing.T) {
	st := newTestStack(t, []stackProvider{{0, domain.KindPooled}, {1, domain.KindPooled}})
	st.servers[0].AddArticle("<s@x>", &ports.MockArticle{Data: []byte("x")})
	// Forced to provider 1 where the article is absent: no fail-over.
	ctx, uc := usageCtx(domain.UsageStreaming, "")
	uc.ForcedProviderIndex = 1

	var buf bytes.Buffer
	_, err := st.dispatcher.DownloadSegment(ctx, "<s@x>", "", false, &buf)
	require.Error(t, err)
	assert.Equal(t, int64(0), st.servers[0].BodyCount())
}

func TestExcludedProviderDemotedNotDropped(t *testing.T) {
	st := newTestStack(t, []stackProvider{{0, domain.KindPooled}, {1, domain.KindPooled}})

	payload := []byte("only on the excluded one")
	st.servers[0].AddArticle("<s@x>", &ports.MockArticle{Data: payload})

	ctx, uc := usageCtx(domain.UsageStreaming, "")
	uc.ExcludedProviderIndices = []int{0}

	var buf bytes.Buffer
	_, err := st.dispatcher.DownloadSegment(ctx, "<s@x>", "", false, &buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf.Bytes())

	// Provider 1 was tried first and missed; 0 still served as tail.
	snap := st.missing.Snapshot()
	assert.Equal(t, int64(1), snap.Total)
	assert.Equal(t, 1, snap.Recent[0].ProviderIndex)
}

func TestAllProvidersFailed(t *testing.T) {
	st := newTestStack(t, []stackProvider{{0, domain.KindPooled}, {1, domain.KindBackup}})

	ctx, _ := usageCtx(domain.UsageStreaming, "")
	var buf bytes.Buffer
	_, err := st.dispatcher.DownloadSegment(ctx, "<nowhere@x>", "b.mkv", false, &buf)

	var all *domain.AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	assert.Equal(t, 2, all.Attempts)
	assert.True(t, domain.IsPermanentMiss(all.Last))

	snap := st.missing.Snapshot()
	assert.Equal(t, int64(2), snap.Total)
}

func TestAffinityRecordsSuccessAndFailure(t *testing.T) {
	st := newTestStack(t, []stackProvider{{0, domain.KindPooled}, {1, domain.KindPooled}})

	payload := make([]byte, 100_000)
	st.servers[1].AddArticle("<s@x>", &ports.MockArticle{Data: payload})
	// Provider 0 fails transiently forever.
	st.servers[0].AddArticle("<s@x>", &ports.MockArticle{Data: payload, FailFirst: 1000})

	ctx, uc := usageCtx(domain.UsageStreaming, "release-z")
	uc.SetLastSuccessfulProvider(0) // force 0 to be tried first

	var buf bytes.Buffer
	_, err := st.dispatcher.DownloadSegment(ctx, "<s@x>", "", false, &buf)
	require.NoError(t, err)

	records := st.affinity.Snapshot()
	require.Len(t, records, 2)
	byIndex := map[int]float64{}
	for _, r := range records {
		if r.FailureRate > 0 {
			byIndex[r.ProviderIndex] = r.FailureRate
		}
	}
	assert.Contains(t, byIndex, 0, "failed provider should carry a failure bump")
}

func TestCancellationAbortsFailover(t *testing.T) {
	st := newTestStack(t, []stackProvider{{0, domain.KindPooled}, {1, domain.KindPooled}})
	st.servers[0].AddArticle("<s@x>", &ports.MockArticle{Data: []byte("x"), Delay: 5 * time.Second})
	st.servers[1].AddArticle("<s@x>", &ports.MockArticle{Data: []byte("x")})

	baseCtx, cancel := context.WithCancel(context.Background())
	uc := domain.NewUsageContext(domain.UsageStreaming, "j", "")
	ctx := domain.WithUsage(baseCtx, uc)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	var buf bytes.Buffer
	start := time.Now()
	_, err := st.dispatcher.DownloadSegment(ctx, "<s@x>", "", false, &buf)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestYencHeaderCached(t *testing.T) {
	st := newTestStack(t, []stackProvider{{0, domain.KindPooled}})
	st.servers[0].AddArticle("<s@x>", &ports.MockArticle{Data: make([]byte, 500), Offset: 1500})

	ctx, _ := usageCtx(domain.UsageStreaming, "")
	hdr, err := st.dispatcher.GetYencHeader(ctx, "<s@x>", "")
	require.NoError(t, err)
	assert.Equal(t, int64(500), hdr.PartSize)

	bodies := st.servers[0].BodyCount()
	hdr2, err := st.dispatcher.GetYencHeader(ctx, "<s@x>", "")
	require.NoError(t, err)
	assert.Equal(t, hdr, hdr2)
	assert.Equal(t, bodies, st.servers[0].BodyCount(), "second lookup must hit the cache")
}
