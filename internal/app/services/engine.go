package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/johoja12/nzbstream/internal/adapter/affinity"
	"github.com/johoja12/nzbstream/internal/adapter/dispatch"
	"github.com/johoja12/nzbstream/internal/adapter/limiter"
	"github.com/johoja12/nzbstream/internal/adapter/nntppool"
	"github.com/johoja12/nzbstream/internal/adapter/provider"
	"github.com/johoja12/nzbstream/internal/adapter/segcache"
	"github.com/johoja12/nzbstream/internal/adapter/stats"
	"github.com/johoja12/nzbstream/internal/adapter/streamer"
	"github.com/johoja12/nzbstream/internal/config"
	"github.com/johoja12/nzbstream/internal/core/domain"
	"github.com/johoja12/nzbstream/internal/core/ports"
)

// Engine is the assembled streaming core: pools and clients per
// provider, the dispatcher on top, plus the affinity learner, metadata
// cache and stat sinks. Collaborators (WebDAV, import queues, repair
// workers) only ever talk to this type.
type Engine struct {
	usenet config.UsenetConfig
	logger *slog.Logger
	dialer ports.TransportDialer

	limits    *limiter.OperationLimiter
	bandwidth *stats.Bandwidth
	missing   *stats.MissingArticles
	affinity  *affinity.Tracker
	cache     *segcache.Cache
	disp      *dispatch.Dispatcher

	mu      sync.Mutex
	clients []*provider.Client
}

// New wires the engine. dialer opens provider connections; New applies
// no default, so the application passes the real NNTP transport and
// tests inject fakes.
func New(usenet config.UsenetConfig, providers []*domain.Provider, dialer ports.TransportDialer, logger *slog.Logger) (*Engine, error) {
	cache, err := segcache.New(0)
	if err != nil {
		return nil, err
	}

	streamingCap := usenet.PooledConnectionCap(providers)
	if streamingCap == 0 {
		streamingCap = 1
	}

	e := &Engine{
		usenet:    usenet,
		logger:    logger,
		dialer:    dialer,
		limits:    limiter.New(usenet.MaxQueueConnections, usenet.MaxHealthCheckConnections, streamingCap, 0),
		bandwidth: stats.NewBandwidth(),
		missing:   stats.NewMissingArticles(),
		affinity:  affinity.NewTracker(logger),
		cache:     cache,
	}
	e.disp = dispatch.New(e.affinity, e.bandwidth, e.missing, cache, logger)

	e.ApplyProviders(providers)
	return e, nil
}

// ApplyProviders swaps the provider set; called at startup and on
// config reload. Old clients are closed once the dispatcher stops
// handing them out.
func (e *Engine) ApplyProviders(providers []*domain.Provider) {
	shared := nntppool.NewSharedBudget(e.usenet.PooledConnectionCap(providers))

	clients := make([]*provider.Client, 0, len(providers))
	for _, p := range providers {
		if p.Kind == domain.KindDisabled {
			continue
		}
		budget := shared
		if !p.Kind.SharesPooledBudget() {
			// Backup pools get a private budget sized to themselves.
			budget = nntppool.NewSharedBudget(p.MaxConnections)
		}
		cp := nntppool.NewConnectionPool(p, e.dialer, budget, e.logger)
		clients = append(clients, provider.NewClient(
			p, cp, e.limits, e.bandwidth,
			e.usenet.OperationTimeoutDuration(),
			e.usenet.EffectiveRetries(),
			e.logger,
		))
		e.bandwidth.RegisterProvider(p.Index, p.Name())
	}

	e.disp.SetClients(clients)

	e.mu.Lock()
	old := e.clients
	e.clients = clients
	e.mu.Unlock()

	for _, c := range old {
		c.Close()
	}
	e.logger.Info("providers applied", "count", len(clients))
}

// OpenStreamOptions parameterises one stream.
type OpenStreamOptions struct {
	SegmentIDs   []string
	FileSize     int64
	FileName     string
	AffinityKey  string
	Connections  int     // K, zero for config default
	BufferSize   int     // B, zero for derived default
	SegmentSizes []int64 // optional known sizes

	DisableGracefulDegradation bool
}

// OpenStream builds an ordered, seekable stream over the segment list.
func (e *Engine) OpenStream(ctx context.Context, opts OpenStreamOptions) (io.ReadSeekCloser, error) {
	uc := domain.UsageFrom(ctx)
	if uc.Kind == domain.UsageUnknown {
		uc = domain.NewUsageContext(domain.UsageBufferedStreaming, opts.FileName, opts.AffinityKey)
		ctx = domain.WithUsage(ctx, uc)
	}
	uc.DisableGracefulDegradation = uc.DisableGracefulDegradation || opts.DisableGracefulDegradation
	if uc.AffinityKey != "" {
		e.affinity.SeedKey(uc.AffinityKey)
	}

	workers := opts.Connections
	if workers <= 0 {
		workers = e.usenet.EffectiveConnectionsPerStream()
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = e.usenet.EffectiveBufferSize()
	}

	return streamer.OpenStream(ctx, e.disp, e.logger, streamer.Options{
		SegmentIDs:   opts.SegmentIDs,
		FileSize:     opts.FileSize,
		FileName:     opts.FileName,
		Workers:      workers,
		BufferSize:   bufferSize,
		SegmentSizes: opts.SegmentSizes,
	})
}

// Stat resolves whether a segment is retrievable anywhere.
func (e *Engine) Stat(ctx context.Context, segmentID string) (bool, error) {
	return e.disp.Stat(ctx, segmentID, "")
}

// GetYencHeader resolves a segment's decoded size and file offset.
func (e *Engine) GetYencHeader(ctx context.Context, segmentID string) (domain.YencHeader, error) {
	return e.disp.GetYencHeader(ctx, segmentID, "")
}

// CheckProgress reports a sweep's liveness to the caller.
type CheckProgress func(done, total int, segmentID string, exists bool)

// CheckAllSegments STATs every segment with bounded concurrency and
// returns the ids that no provider can serve.
func (e *Engine) CheckAllSegments(ctx context.Context, segmentIDs []string, concurrency int, progress CheckProgress) ([]string, error) {
	if concurrency <= 0 {
		concurrency = e.usenet.EffectiveConnectionsPerStream()
	}

	uc := domain.UsageFrom(ctx)
	if uc.Kind == domain.UsageUnknown {
		ctx = domain.WithUsage(ctx, domain.NewUsageContext(domain.UsageHealthCheck, "segment-check", ""))
	}

	var mu sync.Mutex
	var missing []string
	done := 0

	p := pool.New().WithMaxGoroutines(concurrency).WithContext(ctx).WithCancelOnError()
	for _, id := range segmentIDs {
		segmentID := id
		p.Go(func(taskCtx context.Context) error {
			exists, err := e.disp.Stat(taskCtx, segmentID, "")
			if err != nil {
				return err
			}
			mu.Lock()
			done++
			if !exists {
				missing = append(missing, segmentID)
			}
			d := done
			mu.Unlock()
			if progress != nil {
				progress(d, len(segmentIDs), segmentID, exists)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return missing, err
	}
	return missing, nil
}

// FileSegments names one file's ordered segment list for batch sizing.
type FileSegments struct {
	FileName   string
	SegmentIDs []string
}

// FileSize is one batch-sizing result.
type FileSize struct {
	FileName string
	Size     int64
	Err      error
}

// GetFileSizesBatch computes each file's decoded size from its last
// segment header (part offset plus part size), fanned out with bounded
// concurrency.
func (e *Engine) GetFileSizesBatch(ctx context.Context, files []FileSegments, concurrency int) []FileSize {
	if concurrency <= 0 {
		concurrency = e.usenet.EffectiveConnectionsPerStream()
	}

	uc := domain.UsageFrom(ctx)
	if uc.Kind == domain.UsageUnknown {
		ctx = domain.WithUsage(ctx, domain.NewUsageContext(domain.UsageAnalysis, "file-sizes", ""))
	}

	results := make([]FileSize, len(files))
	p := pool.New().WithMaxGoroutines(concurrency)
	for i, f := range files {
		i, f := i, f
		p.Go(func() {
			results[i] = FileSize{FileName: f.FileName}
			if len(f.SegmentIDs) == 0 {
				results[i].Err = fmt.Errorf("no segments for %s", f.FileName)
				return
			}
			last := f.SegmentIDs[len(f.SegmentIDs)-1]
			hdr, err := e.disp.GetYencHeader(ctx, last, f.FileName)
			if err != nil {
				results[i].Err = err
				return
			}
			results[i].Size = hdr.PartOffset + hdr.PartSize
		})
	}
	p.Wait()
	return results
}

// Snapshot surfaces.

func (e *Engine) BandwidthSnapshots() []ports.BandwidthSnapshot {
	return e.bandwidth.Snapshots()
}

func (e *Engine) MissingArticles() ports.MissingArticleSnapshot {
	return e.missing.Snapshot()
}

func (e *Engine) LimiterSnapshot() ports.LimiterSnapshot {
	return e.limits.Snapshot()
}

// ProviderSnapshots merges pool counters with bandwidth stats.
func (e *Engine) ProviderSnapshots() []domain.ProviderSnapshot {
	e.mu.Lock()
	clients := e.clients
	e.mu.Unlock()

	out := make([]domain.ProviderSnapshot, 0, len(clients))
	for _, c := range clients {
		p := c.Provider()
		cp := c.Pool()
		out = append(out, domain.ProviderSnapshot{
			Name:            p.Name(),
			Kind:            p.Kind,
			Index:           p.Index,
			MaxConnections:  p.MaxConnections,
			LiveConnections: cp.LiveConnections(),
			IdleConnections: cp.IdleConnections(),
			ActiveLeases:    cp.ActiveLeases(),
			AverageLatency:  e.bandwidth.AverageLatency(p.Index),
			BytesPerSecond:  e.bandwidth.SpeedBps(p.Index),
		})
	}
	return out
}

// SubscribeMissingArticles exposes the missing-article event stream.
func (e *Engine) SubscribeMissingArticles() (<-chan ports.MissingArticleEvent, func()) {
	return e.missing.Subscribe()
}

// RehydrateAffinity restores persisted learner state at startup.
func (e *Engine) RehydrateAffinity(ctx context.Context, store ports.AffinityStore) error {
	return e.affinity.LoadFrom(ctx, store)
}

// PersistAffinity snapshots learner state into the store.
func (e *Engine) PersistAffinity(ctx context.Context, store ports.AffinityStore) error {
	return e.affinity.SaveTo(ctx, store)
}

// RefreshBenchmarkSpeeds reloads the benchmark priors.
func (e *Engine) RefreshBenchmarkSpeeds(ctx context.Context, source ports.BenchmarkSource) error {
	return e.affinity.RefreshBenchmarkSpeeds(ctx, source)
}

// Close tears down every provider client and pool.
func (e *Engine) Close() {
	e.mu.Lock()
	clients := e.clients
	e.clients = nil
	e.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	e.missing.Close()
}
