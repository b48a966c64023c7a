package constants

import "time"

// Connection establishment and reuse.
const (
	// ConnectTimeout bounds dial+greeting+auth independently of any
	// operation deadline.
	ConnectTimeout = 60 * time.Second

	// IdleConnectionTimeout is how long an idle pooled connection may
	// sit before the reaper closes it.
	IdleConnectionTimeout = 120 * time.Second

	// IdleReapInterval is how often the pool scans its idle stack.
	IdleReapInterval = 15 * time.Second

	// QuietWaitBudget bounds the post-operation drain check. A
	// connection that is not quiet within this window is replaced.
	QuietWaitBudget = 500 * time.Millisecond
)

// Provider operation behaviour.
const (
	// MinOperationTimeout is the floor of the dynamic per-operation
	// deadline (4x rolling average latency, clamped).
	MinOperationTimeout = 45 * time.Second

	// DefaultOperationTimeout is the configured upper clamp when the
	// config does not say otherwise.
	DefaultOperationTimeout = 120 * time.Second

	// DefaultOperationRetries is the per-provider retry budget for
	// unary operations and streaming acquisition.
	DefaultOperationRetries = 5

	// RetryBackoff is the base pause before a same-provider retry,
	// after the failed connection has been replaced. Subsequent
	// retries double it up to MaxRetryBackoff.
	RetryBackoff    = 500 * time.Millisecond
	MaxRetryBackoff = 5 * time.Second

	// LatencyProbeAfter is the idle span after which a provider fires
	// a DATE probe; LatencyProbeBudget bounds the probe itself.
	LatencyProbeAfter  = 45 * time.Second
	LatencyProbeBudget = 10 * time.Second
)

// Streamer defaults.
const (
	DefaultConnectionsPerStream = 4

	// BufferSizeMultiplier: default look-ahead window is workers x this.
	BufferSizeMultiplier = 5

	// StragglerMinThreshold floors the soft deadline for a single
	// segment fetch; the working threshold is 3x the rolling average.
	StragglerMinThreshold  = 2 * time.Second
	StragglerFactor        = 3
)

// Limiter defaults.
const (
	DefaultMaxQueueConnections       = 10
	DefaultMaxHealthCheckConnections = 5
	DefaultTotalStreamingConnections = 0 // 0: sum of provider maxima
)

// Affinity learner.
const (
	AffinityAlpha       = 0.2
	AffinityEpsilon     = 0.1
	AffinityFailureBias = 2.0
)

// Stats retention.
const (
	BandwidthRingSize      = 256
	BandwidthSpeedWindow   = time.Second
	MissingArticleRingSize = 512
	SegmentCacheSize       = 8192
)
