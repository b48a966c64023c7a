package affinity

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/johoja12/nzbstream/internal/core/constants"
	"github.com/johoja12/nzbstream/internal/core/domain"
	"github.com/johoja12/nzbstream/internal/core/ports"
)

// Tracker learns which provider serves a given job best: per
// (affinity key, provider) EWMAs of throughput and failure rate drive
// an epsilon-greedy pick that the dispatcher prepends to its order.
type Tracker struct {
	records *xsync.Map[string, *record]
	logger  *slog.Logger

	// benchmark throughput per provider, used as a prior for keys with
	// no history.
	benchmarkMu sync.RWMutex
	benchmark   map[int]float64
}

type record struct {
	mu          sync.Mutex
	throughput  float64 // bytes per millisecond, EWMA
	failureRate float64 // [0,1], EWMA
	samples     int64
}

func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		records: xsync.NewMap[string, *record](),
		logger:  logger.With("component", "affinity"),
		benchmark: make(map[int]float64),
	}
}

func recordKey(affinityKey string, providerIndex int) string {
	return fmt.Sprintf("%s|%d", affinityKey, providerIndex)
}

func (t *Tracker) get(affinityKey string, providerIndex int) *record {
	key := recordKey(affinityKey, providerIndex)
	if r, ok := t.records.Load(key); ok {
		return r
	}
	r, _ := t.records.LoadOrStore(key, &record{})
	return r
}

// RecordSuccess folds one completed fetch into the EWMAs. elapsedMs of
// zero is clamped so a fast local fake cannot divide by zero.
func (t *Tracker) RecordSuccess(affinityKey string, providerIndex int, bytes int64, elapsedMs int64) {
	if affinityKey == "" {
		return
	}
	if elapsedMs < 1 {
		elapsedMs = 1
	}
	r := t.get(affinityKey, providerIndex)
	observed := float64(bytes) / float64(elapsedMs)

	r.mu.Lock()
	if r.samples == 0 && r.throughput == 0 {
		r.throughput = observed
	} else {
		r.throughput = constants.AffinityAlpha*observed + (1-constants.AffinityAlpha)*r.throughput
	}
	r.failureRate = (1 - constants.AffinityAlpha) * r.failureRate
	r.samples++
	r.mu.Unlock()
}

func (t *Tracker) RecordFailure(affinityKey string, providerIndex int) {
	if affinityKey == "" {
		return
	}
	r := t.get(affinityKey, providerIndex)
	r.mu.Lock()
	r.failureRate = constants.AffinityAlpha*1 + (1-constants.AffinityAlpha)*r.failureRate
	r.samples++
	r.mu.Unlock()
}

// GetPreferredProvider picks a provider for the key: with probability
// epsilon a uniform pick among non-saturated candidates (exploration),
// otherwise the best throughput discounted by failure rate. Disabled
// and BackupOnly providers are skipped unless nothing else has a
// record. Returns false when the key has no history at all.
func (t *Tracker) GetPreferredProvider(affinityKey string, providers []*domain.Provider) (int, bool) {
	if affinityKey == "" {
		return domain.NoProvider, false
	}

	type candidate struct {
		index int
		score float64
		sat   bool
	}

	collect := func(fallback bool) []candidate {
		var out []candidate
		for _, p := range providers {
			if !fallback && (p.Kind == domain.KindDisabled || p.Kind == domain.KindBackupOnly) {
				continue
			}
			r, ok := t.records.Load(recordKey(affinityKey, p.Index))
			if !ok {
				continue
			}
			r.mu.Lock()
			tp, fr, samples := r.throughput, r.failureRate, r.samples
			r.mu.Unlock()
			if samples == 0 && tp == 0 {
				continue
			}
			out = append(out, candidate{
				index: p.Index,
				score: tp / (1 + constants.AffinityFailureBias*fr),
				sat:   fr > 0.95,
			})
		}
		return out
	}

	candidates := collect(false)
	if len(candidates) == 0 {
		candidates = collect(true)
	}
	if len(candidates) == 0 {
		return domain.NoProvider, false
	}

	if rand.Float64() < constants.AffinityEpsilon {
		healthy := candidates[:0:0]
		for _, c := range candidates {
			if !c.sat {
				healthy = append(healthy, c)
			}
		}
		if len(healthy) > 0 {
			return healthy[rand.Intn(len(healthy))].index, true
		}
		return candidates[rand.Intn(len(candidates))].index, true
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score {
			best = c
		}
	}
	return best.index, true
}

// RefreshBenchmarkSpeeds loads measured per-provider throughput so
// fresh keys start from a sane prior instead of cold.
func (t *Tracker) RefreshBenchmarkSpeeds(ctx context.Context, source ports.BenchmarkSource) error {
	speeds, err := source.BenchmarkSpeeds(ctx)
	if err != nil {
		return err
	}
	t.benchmarkMu.Lock()
	t.benchmark = speeds
	t.benchmarkMu.Unlock()
	t.logger.Debug("benchmark speeds refreshed", "providers", len(speeds))
	return nil
}

// SeedKey initialises a key's throughput EWMAs from the benchmark
// table. No-op for providers the key already has history on.
func (t *Tracker) SeedKey(affinityKey string) {
	if affinityKey == "" {
		return
	}
	t.benchmarkMu.RLock()
	defer t.benchmarkMu.RUnlock()
	for idx, speed := range t.benchmark {
		if speed <= 0 {
			continue
		}
		r := t.get(affinityKey, idx)
		r.mu.Lock()
		if r.samples == 0 && r.throughput == 0 {
			r.throughput = speed
		}
		r.mu.Unlock()
	}
}

// Snapshot exports all records for persistence.
func (t *Tracker) Snapshot() []ports.AffinityRecord {
	var out []ports.AffinityRecord
	t.records.Range(func(key string, r *record) bool {
		// key layout is "<affinity>|<index>"; split from the right so
		// keys containing '|' survive.
		sep := strings.LastIndexByte(key, '|')
		if sep < 0 {
			return true
		}
		affinityKey := key[:sep]
		idx, err := strconv.Atoi(key[sep+1:])
		if err != nil {
			return true
		}
		r.mu.Lock()
		out = append(out, ports.AffinityRecord{
			AffinityKey:   affinityKey,
			ProviderIndex: idx,
			Throughput:    r.throughput,
			FailureRate:   r.failureRate,
			Samples:       r.samples,
		})
		r.mu.Unlock()
		return true
	})
	return out
}

// Rehydrate restores persisted records at startup.
func (t *Tracker) Rehydrate(records []ports.AffinityRecord) {
	for _, rec := range records {
		r := t.get(rec.AffinityKey, rec.ProviderIndex)
		r.mu.Lock()
		r.throughput = rec.Throughput
		r.failureRate = rec.FailureRate
		r.samples = rec.Samples
		r.mu.Unlock()
	}
}

// LoadFrom rehydrates from a store, tolerating an empty one.
func (t *Tracker) LoadFrom(ctx context.Context, store ports.AffinityStore) error {
	records, err := store.Load(ctx)
	if err != nil {
		return err
	}
	t.Rehydrate(records)
	return nil
}

// SaveTo persists the current records.
func (t *Tracker) SaveTo(ctx context.Context, store ports.AffinityStore) error {
	return store.Save(ctx, t.Snapshot())
}
