package domain

import (
	"context"
	"sync"
	"sync/atomic"
)

const (
	UsageStringUnknown           = "unknown"
	UsageStringQueue             = "queue"
	UsageStringStreaming         = "streaming"
	UsageStringBufferedStreaming = "buffered-streaming"
	UsageStringHealthCheck       = "health-check"
	UsageStringRepair            = "repair"
	UsageStringAnalysis          = "analysis"
)

// UsageKind classifies what a request is for. The limiter maps kinds to
// its three admission classes. The dispatcher does not read it: the
// caller chooses sequential or balanced provider ordering.
type UsageKind string

const (
	UsageUnknown           UsageKind = UsageStringUnknown
	UsageQueue             UsageKind = UsageStringQueue
	UsageStreaming         UsageKind = UsageStringStreaming
	UsageBufferedStreaming UsageKind = UsageStringBufferedStreaming
	UsageHealthCheck       UsageKind = UsageStringHealthCheck
	UsageRepair            UsageKind = UsageStringRepair
	UsageAnalysis          UsageKind = UsageStringAnalysis
)

const NoProvider = -1

// UsageContext travels with every request alongside the
// context.Context. It is created at the edge and mutated by the
// dispatcher and streamer for observability, so all mutable fields are
// behind a mutex or atomics.
type UsageContext struct {
	Kind        UsageKind
	JobName     string
	AffinityKey string

	// ForcedProviderIndex pins the request to one provider; NoProvider
	// means unpinned.
	ForcedProviderIndex int

	// ExcludedProviderIndices demotes providers to the tail of the
	// order (straggler retries). They are never dropped outright.
	ExcludedProviderIndices []int

	DisableGracefulDegradation bool

	mu                     sync.Mutex
	isBackup               bool
	isSecondary            bool
	lastSuccessfulProvider int
	parent                 *UsageContext
	currentProviderIndex   atomic.Int64

	// Streamer progress, exported for observers.
	BufferedCount atomic.Int64
	BufferWindow  atomic.Int64
	TotalSegments int64
}

func NewUsageContext(kind UsageKind, jobName, affinityKey string) *UsageContext {
	uc := &UsageContext{
		Kind:                   kind,
		JobName:                jobName,
		AffinityKey:            affinityKey,
		ForcedProviderIndex:    NoProvider,
		lastSuccessfulProvider: NoProvider,
	}
	uc.currentProviderIndex.Store(NoProvider)
	return uc
}

// Clone returns a copy carrying the same routing hints but fresh
// observability state. Used by per-fetch workers and secondary
// (straggler) fetches so exclusions do not leak back into the parent.
// The sticky last-successful provider stays shared with the parent:
// the whole stream is one logical request chain.
func (u *UsageContext) Clone() *UsageContext {
	u.mu.Lock()
	defer u.mu.Unlock()
	c := NewUsageContext(u.Kind, u.JobName, u.AffinityKey)
	c.ForcedProviderIndex = u.ForcedProviderIndex
	c.ExcludedProviderIndices = append([]int(nil), u.ExcludedProviderIndices...)
	c.DisableGracefulDegradation = u.DisableGracefulDegradation
	c.TotalSegments = u.TotalSegments
	c.lastSuccessfulProvider = u.lastSuccessfulProvider
	c.parent = u
	return c
}

// LastSuccessfulProvider is sticky within one logical request chain; it
// seeds the next dispatch order. NoProvider when nothing has succeeded
// yet.
func (u *UsageContext) LastSuccessfulProvider() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastSuccessfulProvider
}

func (u *UsageContext) SetLastSuccessfulProvider(index int) {
	u.mu.Lock()
	u.lastSuccessfulProvider = index
	parent := u.parent
	u.mu.Unlock()
	if parent != nil {
		parent.SetLastSuccessfulProvider(index)
	}
}

func (u *UsageContext) MarkBackup() {
	u.mu.Lock()
	u.isBackup = true
	u.mu.Unlock()
}

func (u *UsageContext) MarkSecondary() {
	u.mu.Lock()
	u.isSecondary = true
	u.mu.Unlock()
}

func (u *UsageContext) IsBackup() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.isBackup
}

func (u *UsageContext) IsSecondary() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.isSecondary
}

func (u *UsageContext) SetCurrentProvider(index int) {
	u.currentProviderIndex.Store(int64(index))
}

func (u *UsageContext) CurrentProvider() int {
	return int(u.currentProviderIndex.Load())
}

func (u *UsageContext) IsExcluded(index int) bool {
	for _, e := range u.ExcludedProviderIndices {
		if e == index {
			return true
		}
	}
	return false
}

type usageContextKey struct{}

// WithUsage attaches a UsageContext to ctx. The value is a pointer:
// updates made downstream are visible to the caller.
func WithUsage(ctx context.Context, uc *UsageContext) context.Context {
	return context.WithValue(ctx, usageContextKey{}, uc)
}

// UsageFrom extracts the ambient UsageContext, falling back to a fresh
// Unknown context so callers never need a nil check.
func UsageFrom(ctx context.Context) *UsageContext {
	if uc, ok := ctx.Value(usageContextKey{}).(*UsageContext); ok && uc != nil {
		return uc
	}
	return NewUsageContext(UsageUnknown, "", "")
}
