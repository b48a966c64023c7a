package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johoja12/nzbstream/internal/core/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultHost, cfg.Server.Host)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Usenet.ConnectionsPerStream)
	assert.Equal(t, 5, cfg.Usenet.OperationRetries)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadProviders(t *testing.T) {
	tests := []struct {
		name     string
		provider ProviderConfig
	}{
		{"missing host", ProviderConfig{Port: 563, MaxConnections: 5}},
		{"bad port", ProviderConfig{Host: "a", Port: 0, MaxConnections: 5}},
		{"port out of range", ProviderConfig{Host: "a", Port: 70000, MaxConnections: 5}},
		{"zero connections", ProviderConfig{Host: "a", Port: 563, MaxConnections: 0}},
		{"bad kind", ProviderConfig{Host: "a", Port: 563, MaxConnections: 5, Type: "weird"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Usenet.Providers = []ProviderConfig{tt.provider}
			err := cfg.Validate()
			var vErr *domain.ConfigValidationError
			require.ErrorAs(t, err, &vErr)
		})
	}
}

func TestValidateRejectsDuplicateEndpoints(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Usenet.Providers = []ProviderConfig{
		{Host: "news.example.com", Port: 563, MaxConnections: 5},
		{Host: "news.example.com", Port: 563, MaxConnections: 10},
	}
	require.Error(t, cfg.Validate())
}

func TestEffectiveDefaults(t *testing.T) {
	u := UsenetConfig{}
	assert.Equal(t, 4, u.EffectiveConnectionsPerStream())
	assert.Equal(t, 20, u.EffectiveBufferSize()) // 4 workers x 5
	assert.Equal(t, 5, u.EffectiveRetries())
	assert.Equal(t, 2*time.Minute, u.OperationTimeoutDuration())

	u.ConnectionsPerStream = 8
	assert.Equal(t, 40, u.EffectiveBufferSize())
	u.StreamBufferSize = 12
	assert.Equal(t, 12, u.EffectiveBufferSize())
	u.OperationTimeout = 90
	assert.Equal(t, 90*time.Second, u.OperationTimeoutDuration())
}

func TestPooledConnectionCap(t *testing.T) {
	providers := []*domain.Provider{
		{Host: "a", Kind: domain.KindPooled, MaxConnections: 10},
		{Host: "b", Kind: domain.KindPooled, MaxConnections: 20},
		{Host: "c", Kind: domain.KindBackup, MaxConnections: 50},
	}

	u := UsenetConfig{}
	assert.Equal(t, 30, u.PooledConnectionCap(providers))

	u.TotalStreamingConnections = 25
	assert.Equal(t, 25, u.PooledConnectionCap(providers))

	u.TotalStreamingConnections = 100
	assert.Equal(t, 30, u.PooledConnectionCap(providers))
}

func TestProviderIndexerStability(t *testing.T) {
	indexer := NewProviderIndexer()

	cfg := &UsenetConfig{Providers: []ProviderConfig{
		{Host: "a.example.com", Port: 563, MaxConnections: 5, Type: "pooled"},
		{Host: "b.example.com", Port: 563, MaxConnections: 5, Type: "backup"},
	}}

	providers := indexer.Providers(cfg)
	require.Len(t, providers, 2)
	assert.Equal(t, 0, providers[0].Index)
	assert.Equal(t, 1, providers[1].Index)
	assert.Equal(t, domain.KindBackup, providers[1].Kind)

	// Reorder plus a new host: existing hosts keep their indices, the
	// newcomer takes the lowest free one.
	cfg.Providers = []ProviderConfig{
		{Host: "b.example.com", Port: 563, MaxConnections: 5},
		{Host: "c.example.com", Port: 563, MaxConnections: 5},
		{Host: "a.example.com", Port: 563, MaxConnections: 5},
	}
	providers = indexer.Providers(cfg)
	require.Len(t, providers, 3)
	assert.Equal(t, 1, providers[0].Index) // b
	assert.Equal(t, 2, providers[1].Index) // c gets the next free slot
	assert.Equal(t, 0, providers[2].Index) // a
}

func TestProviderIndexerKeepsAssignmentAcrossLoads(t *testing.T) {
	indexer := NewProviderIndexer()

	cfg := &UsenetConfig{Providers: []ProviderConfig{
		{Host: "a.example.com", Port: 563, MaxConnections: 5},
	}}
	providers := indexer.Providers(cfg)
	assert.Equal(t, 0, providers[0].Index)

	// A second load keeps the assignment.
	providers = indexer.Providers(cfg)
	assert.Equal(t, 0, providers[0].Index)
}

func TestParseProviderKind(t *testing.T) {
	kind, err := domain.ParseProviderKind("")
	require.NoError(t, err)
	assert.Equal(t, domain.KindPooled, kind)

	_, err = domain.ParseProviderKind("nope")
	require.Error(t, err)

	for _, s := range []string{"pooled", "backup", "backup-only", "disabled"} {
		_, err := domain.ParseProviderKind(s)
		require.NoError(t, err)
	}
}
