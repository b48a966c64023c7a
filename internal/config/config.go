package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/johoja12/nzbstream/internal/core/constants"
	"github.com/johoja12/nzbstream/internal/core/domain"
)

const (
	DefaultPort = 19420
	DefaultHost = "localhost"

	DefaultFileWriteDelay = 150 * time.Millisecond // debounce after file change event
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ShutdownTimeout: 10 * time.Second,
		},
		Usenet: UsenetConfig{
			ConnectionsPerStream:      constants.DefaultConnectionsPerStream,
			OperationTimeout:          int(constants.DefaultOperationTimeout / time.Second),
			OperationRetries:          constants.DefaultOperationRetries,
			MaxQueueConnections:       constants.DefaultMaxQueueConnections,
			MaxHealthCheckConnections: constants.DefaultMaxHealthCheckConnections,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Theme:      "default",
			Directory:  "./logs",
			FileOutput: false,
			PrettyLogs: true,
		},
	}
}

// Load loads configuration from file and environment variables
func Load(onConfigChange func()) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("NZBSTREAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("NZBSTREAM_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			// Editors fire several events per save; debounce them.
			reloadMutex.Lock()
			if time.Since(lastReload) < DefaultFileWriteDelay {
				reloadMutex.Unlock()
				return
			}
			lastReload = time.Now()
			reloadMutex.Unlock()

			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
		viper.WatchConfig()
	}

	return config, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Usenet.Providers))
	for i, p := range c.Usenet.Providers {
		if p.Host == "" {
			return &domain.ConfigValidationError{Field: fmt.Sprintf("usenet.providers[%d].host", i), Value: p.Host, Reason: "host is required"}
		}
		if p.Port <= 0 || p.Port > 65535 {
			return &domain.ConfigValidationError{Field: fmt.Sprintf("usenet.providers[%d].port", i), Value: p.Port, Reason: "port must be 1-65535"}
		}
		if p.MaxConnections <= 0 {
			return &domain.ConfigValidationError{Field: fmt.Sprintf("usenet.providers[%d].maxConnections", i), Value: p.MaxConnections, Reason: "maxConnections must be positive"}
		}
		if _, err := domain.ParseProviderKind(p.Type); err != nil {
			return &domain.ConfigValidationError{Field: fmt.Sprintf("usenet.providers[%d].type", i), Value: p.Type, Reason: err.Error()}
		}
		key := fmt.Sprintf("%s:%d", p.Host, p.Port)
		if seen[key] {
			return &domain.ConfigValidationError{Field: fmt.Sprintf("usenet.providers[%d]", i), Value: key, Reason: "duplicate provider endpoint"}
		}
		seen[key] = true
	}
	if c.Usenet.TotalStreamingConnections < 0 {
		return &domain.ConfigValidationError{Field: "usenet.total-streaming-connections", Value: c.Usenet.TotalStreamingConnections, Reason: "must not be negative"}
	}
	return nil
}

// ProviderIndexer assigns stable provider indices. Indices are keyed by
// host so affinity records and stats keyed by index survive config
// reloads and restarts; new hosts take the lowest free index.
type ProviderIndexer struct {
	mu      sync.Mutex
	byHost  map[string]int
	nextTry int
}

func NewProviderIndexer() *ProviderIndexer {
	return &ProviderIndexer{byHost: make(map[string]int)}
}

// Providers resolves the configured provider list into domain providers
// with stable indices.
func (pi *ProviderIndexer) Providers(cfg *UsenetConfig) []*domain.Provider {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	used := make(map[int]bool, len(pi.byHost))
	for _, idx := range pi.byHost {
		used[idx] = true
	}

	providers := make([]*domain.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		kind, _ := domain.ParseProviderKind(pc.Type)

		idx, ok := pi.byHost[pc.Host]
		if !ok {
			idx = 0
			for used[idx] {
				idx++
			}
			pi.byHost[pc.Host] = idx
			used[idx] = true
		}

		providers = append(providers, &domain.Provider{
			Host:           pc.Host,
			Port:           pc.Port,
			TLS:            pc.UseSSL,
			Username:       pc.Username,
			Password:       pc.Password,
			MaxConnections: pc.MaxConnections,
			Kind:           kind,
			Index:          idx,
		})
	}
	return providers
}
