package stats

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/johoja12/nzbstream/internal/core/constants"
	"github.com/johoja12/nzbstream/internal/core/ports"
)

const latencyAlpha = 0.2

// Bandwidth tracks per-provider I/O: a ring of (timestamp, bytes)
// samples for short-window speed, a lifetime byte counter and a latency
// EWMA. Hot-path writes are lock-free where possible; the sample ring
// takes a per-provider mutex.
type Bandwidth struct {
	providers *xsync.Map[int, *providerBandwidth]
	names     *xsync.Map[int, string]
}

type providerBandwidth struct {
	totalBytes *xsync.Counter

	// latencyNanos holds the EWMA as math.Float64bits for CAS updates.
	latencyNanos atomic.Uint64

	mu      sync.Mutex
	samples [constants.BandwidthRingSize]bandwidthSample
	head    int
	count   int
}

type bandwidthSample struct {
	at    time.Time
	bytes int64
}

var _ ports.BandwidthSink = (*Bandwidth)(nil)

func NewBandwidth() *Bandwidth {
	return &Bandwidth{
		providers: xsync.NewMap[int, *providerBandwidth](),
		names:     xsync.NewMap[int, string](),
	}
}

// RegisterProvider names an index for snapshots.
func (b *Bandwidth) RegisterProvider(index int, name string) {
	b.names.Store(index, name)
}

func (b *Bandwidth) get(index int) *providerBandwidth {
	if pb, ok := b.providers.Load(index); ok {
		return pb
	}
	pb, _ := b.providers.LoadOrStore(index, &providerBandwidth{totalBytes: xsync.NewCounter()})
	return pb
}

func (b *Bandwidth) RecordBytes(providerIndex int, bytes int64) {
	if bytes <= 0 {
		return
	}
	pb := b.get(providerIndex)
	pb.totalBytes.Add(bytes)

	pb.mu.Lock()
	pb.samples[pb.head] = bandwidthSample{at: time.Now(), bytes: bytes}
	pb.head = (pb.head + 1) % constants.BandwidthRingSize
	if pb.count < constants.BandwidthRingSize {
		pb.count++
	}
	pb.mu.Unlock()
}

func (b *Bandwidth) RecordLatency(providerIndex int, latency time.Duration) {
	if latency <= 0 {
		return
	}
	pb := b.get(providerIndex)
	for {
		old := pb.latencyNanos.Load()
		prev := math.Float64frombits(old)
		var next float64
		if prev == 0 {
			next = float64(latency.Nanoseconds())
		} else {
			next = latencyAlpha*float64(latency.Nanoseconds()) + (1-latencyAlpha)*prev
		}
		if pb.latencyNanos.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

func (b *Bandwidth) AverageLatency(providerIndex int) time.Duration {
	pb, ok := b.providers.Load(providerIndex)
	if !ok {
		return 0
	}
	return time.Duration(math.Float64frombits(pb.latencyNanos.Load()))
}

// SpeedBps sums the sample ring over the speed window.
func (b *Bandwidth) SpeedBps(providerIndex int) float64 {
	pb, ok := b.providers.Load(providerIndex)
	if !ok {
		return 0
	}
	cutoff := time.Now().Add(-constants.BandwidthSpeedWindow)

	pb.mu.Lock()
	var sum int64
	for i := 0; i < pb.count; i++ {
		s := pb.samples[i]
		if s.at.After(cutoff) {
			sum += s.bytes
		}
	}
	pb.mu.Unlock()

	return float64(sum) / constants.BandwidthSpeedWindow.Seconds()
}

func (b *Bandwidth) TotalBytes(providerIndex int) int64 {
	pb, ok := b.providers.Load(providerIndex)
	if !ok {
		return 0
	}
	return pb.totalBytes.Value()
}

func (b *Bandwidth) Snapshots() []ports.BandwidthSnapshot {
	var out []ports.BandwidthSnapshot
	b.providers.Range(func(index int, pb *providerBandwidth) bool {
		name, _ := b.names.Load(index)
		out = append(out, ports.BandwidthSnapshot{
			ProviderIndex:  index,
			ProviderName:   name,
			TotalBytes:     pb.totalBytes.Value(),
			BytesPerSecond: b.SpeedBps(index),
			AverageLatency: time.Duration(math.Float64frombits(pb.latencyNanos.Load())),
		})
		return true
	})
	return out
}
