package config

import (
	"time"

	"github.com/johoja12/nzbstream/internal/core/constants"
	"github.com/johoja12/nzbstream/internal/core/domain"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Usenet  UsenetConfig  `mapstructure:"usenet"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
}

type UsenetConfig struct {
	Providers []ProviderConfig `mapstructure:"providers"`

	// ConnectionsPerStream is K: concurrent segment fetchers per stream.
	ConnectionsPerStream int `mapstructure:"connections-per-stream"`

	// OperationTimeout (seconds) is the upper clamp of the dynamic
	// per-operation deadline.
	OperationTimeout int `mapstructure:"operation-timeout"`

	// OperationRetries is the per-provider retry budget.
	OperationRetries int `mapstructure:"operation-retries"`

	// StreamBufferSize is B: the look-ahead window in segments. Zero
	// derives it from ConnectionsPerStream.
	StreamBufferSize int `mapstructure:"stream-buffer-size"`

	// TotalStreamingConnections caps the shared pooled semaphore; zero
	// means the sum of pooled provider maxima.
	TotalStreamingConnections int `mapstructure:"total-streaming-connections"`

	MaxQueueConnections       int `mapstructure:"max-queue-connections"`
	MaxHealthCheckConnections int `mapstructure:"max-healthcheck-connections"`
}

type ProviderConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	UseSSL         bool   `mapstructure:"useSsl"`
	Username       string `mapstructure:"user"`
	Password       string `mapstructure:"pass"`
	MaxConnections int    `mapstructure:"maxConnections"`
	Type           string `mapstructure:"type"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Theme      string `mapstructure:"theme"`
	Directory  string `mapstructure:"directory"`
	FileOutput bool   `mapstructure:"file-output"`
	PrettyLogs bool   `mapstructure:"pretty"`
}

func (u *UsenetConfig) OperationTimeoutDuration() time.Duration {
	if u.OperationTimeout <= 0 {
		return constants.DefaultOperationTimeout
	}
	return time.Duration(u.OperationTimeout) * time.Second
}

func (u *UsenetConfig) EffectiveBufferSize() int {
	if u.StreamBufferSize > 0 {
		return u.StreamBufferSize
	}
	return u.EffectiveConnectionsPerStream() * constants.BufferSizeMultiplier
}

func (u *UsenetConfig) EffectiveConnectionsPerStream() int {
	if u.ConnectionsPerStream > 0 {
		return u.ConnectionsPerStream
	}
	return constants.DefaultConnectionsPerStream
}

func (u *UsenetConfig) EffectiveRetries() int {
	if u.OperationRetries > 0 {
		return u.OperationRetries
	}
	return constants.DefaultOperationRetries
}

// PooledConnectionCap is the shared pooled-semaphore capacity:
// min(sum of pooled provider maxima, configured streaming cap).
func (u *UsenetConfig) PooledConnectionCap(providers []*domain.Provider) int {
	sum := 0
	for _, p := range providers {
		if p.Kind.SharesPooledBudget() {
			sum += p.MaxConnections
		}
	}
	if u.TotalStreamingConnections > 0 && u.TotalStreamingConnections < sum {
		return u.TotalStreamingConnections
	}
	return sum
}
