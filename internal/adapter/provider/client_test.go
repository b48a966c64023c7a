package provider

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johoja12/nzbstream/internal/adapter/limiter"
	"github.com/johoja12/nzbstream/internal/adapter/nntppool"
	"github.com/johoja12/nzbstream/internal/adapter/stats"
	"github.com/johoja12/nzbstream/internal/core/domain"
	"github.com/johoja12/nzbstream/internal/core/ports"
)

func newTestClient(t *testing.T, server *ports.MockServer) (*Client, *stats.Bandwidth) {
	t.Helper()
	p := &domain.Provider{
		Host:           "news.example.com",
		Port:           563,
		MaxConnections: 4,
		Kind:           domain.KindPooled,
	}
	logger := slog.New(slog.DiscardHandler)
	bandwidth := stats.NewBandwidth()
	pool := nntppool.NewConnectionPool(p, server.Dialer(), nntppool.NewSharedBudget(8), logger)
	client := NewClient(p, pool, limiter.New(4, 4, 4, 0), bandwidth, time.Minute, 3, logger)
	t.Cleanup(client.Close)
	return client, bandwidth
}

func streamingCtx() context.Context {
	uc := domain.NewUsageContext(domain.UsageStreaming, "test-job", "")
	return domain.WithUsage(context.Background(), uc)
}

func TestClientStat(t *testing.T) {
	server := ports.NewMockServer()
	server.AddArticle("<s1@x>", &ports.MockArticle{Data: []byte("x")})
	client, bandwidth := newTestClient(t, server)

	exists, err := client.Stat(streamingCtx(), "<s1@x>")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = client.Stat(streamingCtx(), "<nope@x>")
	require.NoError(t, err)
	assert.False(t, exists)

	// Latency was recorded for the operation.
	assert.Greater(t, int64(bandwidth.AverageLatency(0)), int64(0))
}

func TestClientDownloadSegment(t *testing.T) {
	payload := []byte("segment payload bytes")
	server := ports.NewMockServer()
	server.AddArticle("<s1@x>", &ports.MockArticle{Data: payload, Offset: 4096})
	client, bandwidth := newTestClient(t, server)

	var buf bytes.Buffer
	hdr, err := client.DownloadSegment(streamingCtx(), "<s1@x>", &buf)
	require.NoError(t, err)

	assert.Equal(t, payload, buf.Bytes())
	assert.Equal(t, int64(len(payload)), hdr.PartSize)
	assert.Equal(t, int64(4096), hdr.PartOffset)
	assert.Equal(t, int64(len(payload)), bandwidth.TotalBytes(0))

	// Connection was returned, not replaced.
	assert.Equal(t, 1, client.Pool().IdleConnections())
}

func TestClientRetriesTransientFaults(t *testing.T) {
	payload := []byte("eventually works")
	server := ports.NewMockServer()
	server.AddArticle("<flaky@x>", &ports.MockArticle{Data: payload, FailFirst: 2})
	client, _ := newTestClient(t, server)

	var buf bytes.Buffer
	_, err := client.DownloadSegment(streamingCtx(), "<flaky@x>", &buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf.Bytes())

	// Each transient fault dirtied a connection, forcing fresh dials.
	assert.GreaterOrEqual(t, server.DialCount(), int64(3))
}

func TestClientRetryBudgetExhausted(t *testing.T) {
	server := ports.NewMockServer()
	server.AddArticle("<dead@x>", &ports.MockArticle{Data: []byte("x"), FailFirst: 100})
	client, _ := newTestClient(t, server)

	var buf bytes.Buffer
	_, err := client.DownloadSegment(streamingCtx(), "<dead@x>", &buf)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestClientArticleNotFoundIsNotRetried(t *testing.T) {
	server := ports.NewMockServer()
	client, _ := newTestClient(t, server)

	var buf bytes.Buffer
	_, err := client.DownloadSegment(streamingCtx(), "<gone@x>", &buf)

	var nf *domain.ArticleNotFoundError
	require.ErrorAs(t, err, &nf)
	// One attempt only: a 430 is permanent for this provider.
	assert.Equal(t, int64(1), server.BodyCount())
	// And the connection survives it.
	assert.Equal(t, 1, client.Pool().IdleConnections())
}

func TestClientGetYencHeader(t *testing.T) {
	server := ports.NewMockServer()
	server.AddArticle("<s1@x>", &ports.MockArticle{Data: make([]byte, 700_000), Offset: 2_100_000})
	client, _ := newTestClient(t, server)

	hdr, err := client.GetYencHeader(streamingCtx(), "<s1@x>")
	require.NoError(t, err)
	assert.Equal(t, int64(700_000), hdr.PartSize)
	assert.Equal(t, int64(2_100_000), hdr.PartOffset)
}

func TestClientBodyStreamDisposalReleasesResources(t *testing.T) {
	payload := []byte("streamed body")
	server := ports.NewMockServer()
	server.AddArticle("<s1@x>", &ports.MockArticle{Data: payload})
	client, _ := newTestClient(t, server)

	body, err := client.BodyStream(streamingCtx(), "<s1@x>", false)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), body.Header.PartSize)

	got := make([]byte, 64)
	n, _ := body.Body.Read(got)
	assert.Equal(t, payload, got[:n])

	require.NoError(t, body.Body.Close())
	require.NoError(t, body.Body.Close()) // idempotent

	// Cleanup happens in the background.
	require.Eventually(t, func() bool {
		return client.Pool().ActiveLeases() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientDownloadArticleBody(t *testing.T) {
	payload := []byte("group indexed article")
	server := ports.NewMockServer()
	server.AddArticle("<ping@x>", &ports.MockArticle{Data: payload})
	client, _ := newTestClient(t, server)

	n, err := client.DownloadArticleBody(streamingCtx(), "alt.binaries.test", "<ping@x>")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
}

func TestClientCancellation(t *testing.T) {
	server := ports.NewMockServer()
	server.AddArticle("<slow@x>", &ports.MockArticle{Data: []byte("x"), Delay: 5 * time.Second})
	client, _ := newTestClient(t, server)

	ctx, cancel := context.WithCancel(streamingCtx())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	var buf bytes.Buffer
	start := time.Now()
	_, err := client.DownloadSegment(ctx, "<slow@x>", &buf)
	require.Error(t, err)
	assert.True(t, domain.IsCanceled(err))
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Eventually(t, func() bool {
		return client.Pool().ActiveLeases() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
