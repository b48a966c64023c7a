package provider

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/johoja12/nzbstream/internal/adapter/limiter"
	"github.com/johoja12/nzbstream/internal/adapter/nntppool"
	"github.com/johoja12/nzbstream/internal/core/constants"
	"github.com/johoja12/nzbstream/internal/core/domain"
	"github.com/johoja12/nzbstream/internal/core/ports"
	"github.com/johoja12/nzbstream/internal/util"
)

// Client exposes the transport operations for a whole provider. Every
// operation follows the same shape: operation permit, dynamic deadline,
// connection lease, the transport call, then a bounded quiet wait that
// decides between returning and replacing the connection. Transient
// faults replace the connection and retry on a fresh one; permanent
// misses surface immediately so the dispatcher can fail over.
type Client struct {
	provider  *domain.Provider
	pool      *nntppool.ConnectionPool
	limits    *limiter.OperationLimiter
	bandwidth ports.BandwidthSink
	logger    *slog.Logger

	configuredTimeout time.Duration
	retries           int

	lastActivity atomic.Int64 // unix nanos
	probeStop    chan struct{}
	probeStopped atomic.Bool
}

func NewClient(
	p *domain.Provider,
	pool *nntppool.ConnectionPool,
	limits *limiter.OperationLimiter,
	bandwidth ports.BandwidthSink,
	configuredTimeout time.Duration,
	retries int,
	logger *slog.Logger,
) *Client {
	if configuredTimeout <= 0 {
		configuredTimeout = constants.DefaultOperationTimeout
	}
	if retries <= 0 {
		retries = constants.DefaultOperationRetries
	}
	c := &Client{
		provider:          p,
		pool:              pool,
		limits:            limits,
		bandwidth:         bandwidth,
		logger:            logger.With("provider", p.Name()),
		configuredTimeout: configuredTimeout,
		retries:           retries,
		probeStop:         make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	go c.probeLoop()
	return c
}

func (c *Client) Provider() *domain.Provider {
	return c.provider
}

func (c *Client) Pool() *nntppool.ConnectionPool {
	return c.pool
}

// operationTimeout clamps 4x the rolling average latency between the
// minimum and the configured ceiling. Cold providers get the ceiling.
func (c *Client) operationTimeout() time.Duration {
	avg := c.bandwidth.AverageLatency(c.provider.Index)
	if avg <= 0 {
		return c.configuredTimeout
	}
	return util.ClampDuration(4*avg, constants.MinOperationTimeout, c.configuredTimeout)
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// retryDelay spaces same-provider retries: 500ms after the first
// failure, doubling up to the cap.
func retryDelay(n uint, _ error, _ *retry.Config) time.Duration {
	return util.CalculateExponentialBackoff(int(n)+1, constants.RetryBackoff, constants.MaxRetryBackoff, 0)
}

// runUnary executes op with the full permit/lease/retry treatment. The
// permit is released at the end of each attempt, before any backoff, so
// a stalled provider cannot hold admission slots hostage.
func (c *Client) runUnary(ctx context.Context, class limiter.Class, op func(ctx context.Context, conn ports.TransportConn) error) error {
	c.touch()
	return retry.Do(
		func() error {
			return c.attemptUnary(ctx, class, op)
		},
		retry.Attempts(uint(c.retries)),
		retry.DelayType(retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return domain.IsTransient(err) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("retrying operation", "attempt", n+1, "error", err)
		}),
		retry.Context(ctx),
	)
}

func (c *Client) attemptUnary(ctx context.Context, class limiter.Class, op func(ctx context.Context, conn ports.TransportConn) error) error {
	permit, err := c.limits.Acquire(ctx, class)
	if err != nil {
		return err
	}
	defer permit.Release()

	opCtx, cancel := context.WithTimeout(ctx, c.operationTimeout())
	defer cancel()

	lease, err := c.pool.Lease(opCtx, 0)
	if err != nil {
		return err
	}

	start := time.Now()
	opErr := op(opCtx, lease.Conn())
	elapsed := time.Since(start)

	if opErr != nil {
		if domain.IsCanceled(opErr) && ctx.Err() != nil {
			// Caller cancellation: not the provider's fault, but the
			// connection may be mid-response.
			lease.Replace("canceled")
			return opErr
		}
		if domain.IsPermanentMiss(opErr) {
			// The connection is fine after a 430; reuse it.
			c.settleQuiet(lease)
			c.bandwidth.RecordLatency(c.provider.Index, elapsed)
			return opErr
		}
		lease.Replace(opErr.Error())
		return opErr
	}

	c.bandwidth.RecordLatency(c.provider.Index, elapsed)
	c.settleQuiet(lease)
	c.touch()
	return nil
}

// settleQuiet runs the post-operation quiet wait: drained within the
// budget means the connection is reusable, anything else replaces it.
func (c *Client) settleQuiet(lease *nntppool.Lease) {
	quietCtx, cancel := context.WithTimeout(context.Background(), constants.QuietWaitBudget)
	defer cancel()
	if err := lease.Conn().AwaitQuiet(quietCtx); err != nil {
		lease.Replace("quiet wait failed")
		return
	}
	lease.Return()
}

// Stat checks article existence.
func (c *Client) Stat(ctx context.Context, segmentID string) (bool, error) {
	uc := domain.UsageFrom(ctx)
	var exists bool
	err := c.runUnary(ctx, limiter.ClassFor(uc.Kind), func(opCtx context.Context, conn ports.TransportConn) error {
		var statErr error
		exists, statErr = conn.Stat(opCtx, segmentID)
		return statErr
	})
	return exists, err
}

// Head fetches article headers.
func (c *Client) Head(ctx context.Context, segmentID string) (map[string]string, error) {
	uc := domain.UsageFrom(ctx)
	var headers map[string]string
	err := c.runUnary(ctx, limiter.ClassFor(uc.Kind), func(opCtx context.Context, conn ports.TransportConn) error {
		var headErr error
		headers, headErr = conn.Head(opCtx, segmentID)
		return headErr
	})
	return headers, err
}

// DownloadSegment fetches and decodes a whole segment body into buf.
// Two-phase on purpose: draining into memory releases the connection
// quickly instead of holding it while a slow consumer reads.
func (c *Client) DownloadSegment(ctx context.Context, segmentID string, buf *bytes.Buffer) (domain.YencHeader, error) {
	uc := domain.UsageFrom(ctx)
	var hdr domain.YencHeader
	err := c.runUnary(ctx, limiter.ClassFor(uc.Kind), func(opCtx context.Context, conn ports.TransportConn) error {
		body, bodyErr := conn.Body(opCtx, segmentID, false)
		if bodyErr != nil {
			return bodyErr
		}
		hdr = body.Header
		if hdr.PartSize > 0 {
			buf.Grow(int(hdr.PartSize))
		}
		n, copyErr := io.Copy(buf, body.Body)
		c.bandwidth.RecordBytes(c.provider.Index, n)
		if copyErr != nil {
			_ = body.Body.Close()
			return copyErr
		}
		return body.Body.Close()
	})
	return hdr, err
}

// GetYencHeader learns a segment's part size and offset by opening its
// body and abandoning the stream after the header lines. The abandoned
// connection is dirty by construction and gets replaced; that is the
// price of the only place this metadata lives.
func (c *Client) GetYencHeader(ctx context.Context, segmentID string) (domain.YencHeader, error) {
	uc := domain.UsageFrom(ctx)
	var hdr domain.YencHeader
	err := c.runUnary(ctx, limiter.ClassFor(uc.Kind), func(opCtx context.Context, conn ports.TransportConn) error {
		body, bodyErr := conn.Body(opCtx, segmentID, false)
		if bodyErr != nil {
			return bodyErr
		}
		hdr = body.Header
		return body.Body.Close()
	})
	return hdr, err
}

// BodyStream opens a decoded body stream. The permit and lease stay
// held until the returned reader is closed; disposal settles the
// connection in the background so callers never block on cleanup.
func (c *Client) BodyStream(ctx context.Context, segmentID string, includeHeaders bool) (*ports.BodyReader, error) {
	uc := domain.UsageFrom(ctx)
	class := limiter.ClassFor(uc.Kind)
	c.touch()

	var result *ports.BodyReader
	err := retry.Do(
		func() error {
			br, attemptErr := c.attemptBodyStream(ctx, class, segmentID, includeHeaders)
			if attemptErr != nil {
				return attemptErr
			}
			result = br
			return nil
		},
		retry.Attempts(uint(c.retries)),
		retry.DelayType(retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return domain.IsTransient(err) && ctx.Err() == nil
		}),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) attemptBodyStream(ctx context.Context, class limiter.Class, segmentID string, includeHeaders bool) (*ports.BodyReader, error) {
	permit, err := c.limits.Acquire(ctx, class)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*ports.BodyReader, error) {
		permit.Release()
		return nil, err
	}

	// The dynamic timeout covers acquisition; once the stream is
	// handed off, pacing is the streamer's business, so the body
	// itself rides on the caller's context alone.
	lease, err := c.pool.Lease(ctx, c.operationTimeout())
	if err != nil {
		return fail(err)
	}

	start := time.Now()
	body, err := lease.Conn().Body(ctx, segmentID, includeHeaders)
	if err != nil {
		if domain.IsPermanentMiss(err) {
			c.settleQuiet(lease)
			return fail(err)
		}
		lease.Replace(err.Error())
		return fail(err)
	}
	c.bandwidth.RecordLatency(c.provider.Index, time.Since(start))

	stream := &managedBody{
		inner:  body.Body,
		client: c,
		lease:  lease,
		permit: permit,
	}
	return &ports.BodyReader{Header: body.Header, Headers: body.Headers, Body: stream}, nil
}

// DownloadArticleBody selects a group then drains a body by article
// id, for opportunistic health pings against group-indexed providers.
func (c *Client) DownloadArticleBody(ctx context.Context, group, articleID string) (int64, error) {
	uc := domain.UsageFrom(ctx)
	var total int64
	err := c.runUnary(ctx, limiter.ClassFor(uc.Kind), func(opCtx context.Context, conn ports.TransportConn) error {
		body, bodyErr := conn.DownloadArticleBody(opCtx, group, articleID)
		if bodyErr != nil {
			return bodyErr
		}
		n, copyErr := io.Copy(io.Discard, body.Body)
		total = n
		c.bandwidth.RecordBytes(c.provider.Index, n)
		if copyErr != nil {
			_ = body.Body.Close()
			return copyErr
		}
		return body.Body.Close()
	})
	return total, err
}

// Date fires the latency probe round-trip.
func (c *Client) Date(ctx context.Context) (time.Time, error) {
	uc := domain.UsageFrom(ctx)
	var stamp time.Time
	err := c.runUnary(ctx, limiter.ClassFor(uc.Kind), func(opCtx context.Context, conn ports.TransportConn) error {
		var dateErr error
		stamp, dateErr = conn.Date(opCtx)
		return dateErr
	})
	return stamp, err
}

// probeLoop keeps latency numbers warm: after enough idleness a DATE
// probe refreshes the EWMA. Failures are logged and otherwise handled
// by the normal replace path.
func (c *Client) probeLoop() {
	ticker := time.NewTicker(constants.LatencyProbeAfter / 3)
	defer ticker.Stop()
	for {
		select {
		case <-c.probeStop:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idle < constants.LatencyProbeAfter {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), constants.LatencyProbeBudget)
			uc := domain.NewUsageContext(domain.UsageHealthCheck, "latency-probe", "")
			if _, err := c.Date(domain.WithUsage(ctx, uc)); err != nil && !domain.IsCanceled(err) {
				c.logger.Debug("latency probe failed", "error", err)
			}
			cancel()
		}
	}
}

// Close stops the probe loop and disposes the pool.
func (c *Client) Close() {
	if c.probeStopped.CompareAndSwap(false, true) {
		close(c.probeStop)
	}
	c.pool.Dispose()
}

// managedBody ties a streamed body's disposal to lease settlement and
// permit release, off the caller's goroutine.
type managedBody struct {
	inner   io.ReadCloser
	client  *Client
	lease   *nntppool.Lease
	permit  *limiter.Permit
	settled atomic.Bool
	bytes   atomic.Int64
}

func (m *managedBody) Read(p []byte) (int, error) {
	n, err := m.inner.Read(p)
	if n > 0 {
		m.bytes.Add(int64(n))
		m.client.bandwidth.RecordBytes(m.client.provider.Index, int64(n))
	}
	if err != nil {
		m.settle()
	}
	return n, err
}

// Close is idempotent and never blocks on network cleanup.
func (m *managedBody) Close() error {
	err := m.inner.Close()
	m.settle()
	return err
}

func (m *managedBody) settle() {
	if !m.settled.CompareAndSwap(false, true) {
		return
	}
	go func() {
		m.client.settleQuiet(m.lease)
		m.permit.Release()
		m.client.touch()
	}()
}
