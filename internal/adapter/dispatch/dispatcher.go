package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/johoja12/nzbstream/internal/adapter/affinity"
	"github.com/johoja12/nzbstream/internal/adapter/provider"
	"github.com/johoja12/nzbstream/internal/adapter/segcache"
	"github.com/johoja12/nzbstream/internal/adapter/stats"
	"github.com/johoja12/nzbstream/internal/core/domain"
	"github.com/johoja12/nzbstream/internal/core/ports"
)

// Dispatcher runs one operation against an ordered list of providers,
// failing over on transient faults and article misses, and feeding the
// affinity learner and missing-article log as it goes.
type Dispatcher struct {
	mu      sync.RWMutex
	clients []*provider.Client

	affinity  *affinity.Tracker
	bandwidth *stats.Bandwidth
	missing   ports.ErrorSink
	cache     *segcache.Cache
	logger    *slog.Logger
}

func New(
	aff *affinity.Tracker,
	bandwidth *stats.Bandwidth,
	missing ports.ErrorSink,
	cache *segcache.Cache,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		affinity:  aff,
		bandwidth: bandwidth,
		missing:   missing,
		cache:     cache,
		logger:    logger.With("component", "dispatcher"),
	}
}

// SetClients swaps the provider set (initial wiring and config
// reloads). Disabled providers are filtered here, once.
func (d *Dispatcher) SetClients(clients []*provider.Client) {
	routable := make([]*provider.Client, 0, len(clients))
	for _, c := range clients {
		if c.Provider().Kind.IsRoutable() {
			routable = append(routable, c)
		}
	}
	d.mu.Lock()
	d.clients = routable
	d.mu.Unlock()
}

func (d *Dispatcher) snapshotClients() []*provider.Client {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clients
}

func (d *Dispatcher) Cache() *segcache.Cache {
	return d.cache
}

// opResult carries what one provider attempt produced, for affinity
// accounting.
type opResult struct {
	bytes int64
}

// run is the fail-over loop shared by every operation flavour.
func (d *Dispatcher) run(
	ctx context.Context,
	opName, segmentID, fileName string,
	balanced bool,
	op func(ctx context.Context, c *provider.Client) (opResult, error),
) error {
	uc := domain.UsageFrom(ctx)

	var order []*provider.Client
	if balanced {
		order = d.orderBalanced(uc)
	} else {
		order = d.orderSequential(uc)
	}
	if len(order) == 0 {
		return &domain.AllProvidersFailedError{Operation: opName, SegmentID: segmentID, Last: nil}
	}

	var lastErr error
	for attempt, client := range order {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p := client.Provider()
		uc.SetCurrentProvider(p.Index)
		if attempt > 0 {
			uc.MarkSecondary()
		}
		if !p.Kind.SharesPooledBudget() {
			uc.MarkBackup()
		}

		start := time.Now()
		res, err := op(ctx, client)
		if err == nil {
			uc.SetLastSuccessfulProvider(p.Index)
			if uc.AffinityKey != "" && res.bytes > 0 {
				d.affinity.RecordSuccess(uc.AffinityKey, p.Index, res.bytes, time.Since(start).Milliseconds())
			}
			return nil
		}

		if domain.IsCanceled(err) && ctx.Err() != nil {
			return err
		}

		if domain.IsPermanentMiss(err) {
			d.missing.RecordMissingArticle(ports.MissingArticleEvent{
				Time:          time.Now(),
				SegmentID:     segmentID,
				FileName:      fileName,
				Operation:     opName,
				ProviderIndex: p.Index,
				ProviderName:  p.Name(),
			})
			d.cache.PutExists(segmentID, false)
			lastErr = err
			continue
		}

		// Transient (including this provider's operation timeout):
		// count it against the provider and move on.
		if uc.AffinityKey != "" {
			d.affinity.RecordFailure(uc.AffinityKey, p.Index)
		}
		d.logger.Debug("provider failed, moving on",
			"operation", opName, "segment", segmentID, "provider", p.Name(), "error", err)
		lastErr = err
	}

	return &domain.AllProvidersFailedError{
		Operation: opName,
		SegmentID: segmentID,
		Attempts:  len(order),
		Last:      lastErr,
	}
}

// Stat resolves article existence across providers. A STAT miss is
// treated exactly like a 430.
func (d *Dispatcher) Stat(ctx context.Context, segmentID, fileName string) (bool, error) {
	if meta, ok := d.cache.Get(segmentID); ok && meta.Exists {
		return true, nil
	}

	err := d.run(ctx, domain.OpStat, segmentID, fileName, false, func(opCtx context.Context, c *provider.Client) (opResult, error) {
		exists, statErr := c.Stat(opCtx, segmentID)
		if statErr != nil {
			return opResult{}, statErr
		}
		if !exists {
			return opResult{}, &domain.ArticleNotFoundError{
				SegmentID: segmentID,
				Provider:  c.Provider().Name(),
				Operation: domain.OpStat,
			}
		}
		return opResult{}, nil
	})
	if err != nil {
		var all *domain.AllProvidersFailedError
		if errors.As(err, &all) && domain.IsPermanentMiss(all.Last) {
			return false, nil
		}
		return false, err
	}
	d.cache.PutExists(segmentID, true)
	return true, nil
}

// Head fetches article headers with fail-over.
func (d *Dispatcher) Head(ctx context.Context, segmentID, fileName string) (map[string]string, error) {
	var headers map[string]string
	err := d.run(ctx, domain.OpHead, segmentID, fileName, false, func(opCtx context.Context, c *provider.Client) (opResult, error) {
		h, headErr := c.Head(opCtx, segmentID)
		if headErr != nil {
			return opResult{}, headErr
		}
		headers = h
		return opResult{}, nil
	})
	return headers, err
}

// GetYencHeader resolves a segment's part size/offset, consulting the
// metadata cache first.
func (d *Dispatcher) GetYencHeader(ctx context.Context, segmentID, fileName string) (domain.YencHeader, error) {
	if meta, ok := d.cache.Get(segmentID); ok && meta.HasSize() {
		return domain.YencHeader{PartSize: meta.PartSize, PartOffset: meta.PartOffset}, nil
	}

	var hdr domain.YencHeader
	err := d.run(ctx, domain.OpBody, segmentID, fileName, false, func(opCtx context.Context, c *provider.Client) (opResult, error) {
		h, hdrErr := c.GetYencHeader(opCtx, segmentID)
		if hdrErr != nil {
			return opResult{}, hdrErr
		}
		hdr = h
		return opResult{}, nil
	})
	if err == nil {
		d.cache.PutHeader(segmentID, hdr.PartSize, hdr.PartOffset)
	}
	return hdr, err
}

// DownloadSegment fetches one decoded segment body into buf. balanced
// selects the look-ahead provider order; the streamer sets it, one-shot
// callers do not.
func (d *Dispatcher) DownloadSegment(ctx context.Context, segmentID, fileName string, balanced bool, buf *bytes.Buffer) (domain.YencHeader, error) {
	var hdr domain.YencHeader
	err := d.run(ctx, domain.OpBody, segmentID, fileName, balanced, func(opCtx context.Context, c *provider.Client) (opResult, error) {
		buf.Reset()
		h, dlErr := c.DownloadSegment(opCtx, segmentID, buf)
		if dlErr != nil {
			return opResult{}, dlErr
		}
		hdr = h
		return opResult{bytes: int64(buf.Len())}, nil
	})
	if err == nil {
		d.cache.PutHeader(segmentID, hdr.PartSize, hdr.PartOffset)
	}
	return hdr, err
}
