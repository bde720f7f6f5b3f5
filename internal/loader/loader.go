// Package loader handles configuration file loading, validation, and
// conversion into component configs.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/labfeed/labfeed/internal/coordinator"
	"github.com/labfeed/labfeed/internal/server"
	"github.com/labfeed/labfeed/internal/subscription"
	"github.com/labfeed/labfeed/internal/transport"
	"github.com/labfeed/labfeed/internal/tsstore"
	"github.com/labfeed/labfeed/internal/tsstore/durable"
	"github.com/labfeed/labfeed/internal/tsstore/durable/parquetstore"
	"github.com/labfeed/labfeed/internal/tsstore/wal"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file. Environment variable
// references in the file are expanded before parsing, so tokens can be
// kept out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration, collecting every problem
// instead of stopping at the first.
func Validate(cfg *Config) error {
	var problems []string
	add := func(field, msg string) {
		problems = append(problems, fmt.Sprintf("%s: %s", field, msg))
	}

	if cfg.Listen == "" {
		add("listen", "cannot be empty")
	}

	if len(cfg.Auth.Tokens) == 0 {
		add("auth.tokens", "at least one token is required")
	}
	for i, t := range cfg.Auth.Tokens {
		if t.User == "" {
			add(fmt.Sprintf("auth.tokens[%d].user", i), "cannot be empty")
		}
		if t.Token == "" {
			add(fmt.Sprintf("auth.tokens[%d].token", i), "cannot be empty")
		}
	}

	if cfg.Registry.Path == "" {
		add("registry.path", "cannot be empty")
	}
	if cfg.Store.DataDir == "" {
		add("store.data_dir", "cannot be empty")
	}

	switch cfg.WAL.SyncMode {
	case "", "async", "sync", "fsync":
	default:
		add("wal.sync_mode", `must be "async", "sync" or "fsync"`)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// =============================================================================
// Conversion
// =============================================================================

// WALDir returns the configured WAL directory, defaulting to a wal/
// subdirectory of the data dir.
func (c *Config) WALDir() string {
	if c.WAL.Dir != "" {
		return c.WAL.Dir
	}
	return filepath.Join(c.Store.DataDir, "wal")
}

// SegmentDir returns the directory durable Parquet segments live in.
func (c *Config) SegmentDir() string {
	return filepath.Join(c.Store.DataDir, "segments")
}

// OpenDurable opens the durable segment store described by the config.
func OpenDurable(cfg *Config) (durable.Store, error) {
	return parquetstore.New(cfg.SegmentDir(), parquetstore.Options{
		MemoryLimit: cfg.Store.MemoryLimit,
	})
}

// ToCoordinatorConfig converts the loaded config into a coordinator
// config around an opened durable store.
func ToCoordinatorConfig(cfg *Config, d durable.Store) coordinator.Config {
	return coordinator.Config{
		RegistryPath: cfg.Registry.Path,
		WALDir:       cfg.WALDir(),
		WAL: wal.Options{
			MaxSegmentSize: cfg.WAL.MaxSegmentSize.Bytes(),
			SyncMode:       cfg.WAL.SyncMode,
			SyncInterval:   cfg.WAL.SyncInterval.Duration(),
		},
		Durable: d,
		Store: tsstore.Options{
			CacheCapacity:  cfg.Store.CacheCapacity,
			CacheShards:    cfg.Store.CacheShards,
			FlushBatchSize: cfg.Store.FlushBatchSize,
			FlushInterval:  cfg.Store.FlushInterval.Duration(),
			SkewWindow:     cfg.Store.SkewWindow.Duration(),
			RetryBaseDelay: cfg.Store.RetryBaseDelay.Duration(),
			RetryMaxDelay:  cfg.Store.RetryMaxDelay.Duration(),
			RetryWindow:    cfg.Store.RetryWindow.Duration(),
			FetchTimeout:   cfg.Store.FetchTimeout.Duration(),
		},
		Subscription: subscription.Options{
			QueueSize:   cfg.Subscription.QueueSize,
			SendTimeout: cfg.Subscription.SendTimeout.Duration(),
			MaxDrops:    cfg.Subscription.MaxDrops,
		},
		RetentionCheckInterval: cfg.Store.RetentionCheckInterval.Duration(),
	}
}

// ToServerConfig converts the loaded config into a server config around
// a backend.
func ToServerConfig(cfg *Config, backend transport.Backend) *server.Config {
	tokens := make([]server.TokenConfig, 0, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		tokens = append(tokens, server.TokenConfig{
			User:  t.User,
			Token: t.Token,
			Admin: t.Admin,
		})
	}

	return &server.Config{
		Backend:        backend,
		Listen:         cfg.Listen,
		Tokens:         tokens,
		AuthTimeoutSec: cfg.Session.AuthTimeoutSec,
		SendBufferSize: cfg.Session.SendBufferSize,
		SendTimeoutMs:  cfg.Session.SendTimeoutMs,
	}
}
