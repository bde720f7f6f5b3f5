// Package loader - Configuration Types
//
// Defines the YAML configuration structure for labfeedd.
package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/labfeed/labfeed/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for labfeedd.
type Config struct {
	// Listen is the TCP server listen address.
	// Format: "host:port" or ":port"
	Listen string `yaml:"listen"`

	// Log configures structured logging output.
	Log LogConfig `yaml:"log"`

	// Auth configures authentication tokens and rate limiting.
	Auth AuthConfig `yaml:"auth"`

	// Session configures client session management.
	Session SessionConfig `yaml:"session"`

	// Shutdown configures graceful shutdown behavior.
	Shutdown ShutdownConfig `yaml:"shutdown"`

	// Registry is the feed/experiment/grant metadata database (DuckDB).
	Registry RegistryConfig `yaml:"registry"`

	// Store is the time-series sample store (WAL + cache + Parquet).
	Store StoreConfig `yaml:"store"`

	// WAL configures the write-ahead log.
	WAL WALConfig `yaml:"wal"`

	// Subscription configures live fan-out queues.
	Subscription SubscriptionConfig `yaml:"subscription"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// JSON switches output from text to JSON lines.
	JSON bool `yaml:"json"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	// Tokens are the accepted bearer tokens.
	Tokens []TokenConfig `yaml:"tokens"`

	// RateLimitPerMinute is the failed-auth limit per IP.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// TokenConfig maps a token to a user identity.
type TokenConfig struct {
	User  string `yaml:"user"`
	Token string `yaml:"token"`

	// Admin tokens may manage permission grants.
	Admin bool `yaml:"admin"`
}

// SessionConfig configures client sessions.
type SessionConfig struct {
	AuthTimeoutSec     int `yaml:"auth_timeout_sec"`
	CleanupIntervalSec int `yaml:"cleanup_interval_sec"`
	SendBufferSize     int `yaml:"send_buffer_size"`
	SendTimeoutMs      int `yaml:"send_timeout_ms"`
}

// ShutdownConfig configures graceful shutdown.
type ShutdownConfig struct {
	DrainTimeoutSec int `yaml:"drain_timeout_sec"`
}

// RegistryConfig configures the metadata database.
type RegistryConfig struct {
	// Path is the DuckDB database file.
	Path string `yaml:"path"`
}

// StoreConfig configures the time-series store.
type StoreConfig struct {
	// DataDir is the root directory for durable Parquet segments.
	DataDir string `yaml:"data_dir"`

	CacheCapacity  int      `yaml:"cache_capacity"`
	CacheShards    int      `yaml:"cache_shards"`
	FlushBatchSize int      `yaml:"flush_batch_size"`
	FlushInterval  Duration `yaml:"flush_interval"`
	SkewWindow     Duration `yaml:"skew_window"`

	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  Duration `yaml:"retry_max_delay"`
	RetryWindow    Duration `yaml:"retry_window"`
	FetchTimeout   Duration `yaml:"fetch_timeout"`

	RetentionCheckInterval Duration `yaml:"retention_check_interval"`

	// MemoryLimit is handed to the embedded query engine (e.g. "512MB").
	MemoryLimit string `yaml:"memory_limit"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	// Dir is the WAL directory. Defaults to <store.data_dir>/wal.
	Dir string `yaml:"dir"`

	// SyncMode is "async", "sync" or "fsync".
	SyncMode string `yaml:"sync_mode"`

	SyncInterval   Duration `yaml:"sync_interval"`
	MaxSegmentSize ByteSize `yaml:"max_segment_size"`
}

// SubscriptionConfig configures live delivery.
type SubscriptionConfig struct {
	QueueSize   int      `yaml:"queue_size"`
	SendTimeout Duration `yaml:"send_timeout"`
	MaxDrops    int      `yaml:"max_drops"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: config.DefaultListenAddress,

		Log: LogConfig{
			Level: "info",
		},

		Auth: AuthConfig{
			RateLimitPerMinute: config.DefaultAuthRateLimitPerMinute,
		},

		Session: SessionConfig{
			AuthTimeoutSec:     config.DefaultAuthTimeoutSec,
			CleanupIntervalSec: config.DefaultSessionCleanupIntervalSec,
			SendBufferSize:     config.DefaultSubscriptionQueueSize,
			SendTimeoutMs:      config.DefaultSubscriptionSendTimeoutMs,
		},

		Shutdown: ShutdownConfig{
			DrainTimeoutSec: config.DefaultDrainTimeoutSec,
		},

		Registry: RegistryConfig{
			Path: "labfeed.db",
		},

		Store: StoreConfig{
			DataDir:        "/var/lib/labfeed/samples",
			CacheCapacity:  config.DefaultCacheCapacity,
			CacheShards:    config.DefaultCacheShards,
			FlushBatchSize: config.DefaultFlushBatchSize,
			FlushInterval:  Duration(time.Duration(config.DefaultFlushIntervalMs) * time.Millisecond),
			SkewWindow:     Duration(config.DefaultSkewWindow),

			RetryBaseDelay: Duration(config.DefaultRetryBaseDelay),
			RetryMaxDelay:  Duration(config.DefaultRetryMaxDelay),
			RetryWindow:    Duration(config.DefaultRetryWindow),
			FetchTimeout:   Duration(config.DefaultFetchTimeout),

			RetentionCheckInterval: Duration(config.DefaultRetentionCheckInterval),
		},

		WAL: WALConfig{
			SyncMode:       "async",
			SyncInterval:   Duration(time.Duration(config.DefaultWALSyncIntervalSec) * time.Second),
			MaxSegmentSize: ByteSize(config.DefaultWALSegmentSize),
		},

		Subscription: SubscriptionConfig{
			QueueSize:   config.DefaultSubscriptionQueueSize,
			SendTimeout: Duration(time.Duration(config.DefaultSubscriptionSendTimeoutMs) * time.Millisecond),
			MaxDrops:    config.DefaultSubscriptionMaxDrops,
		},
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML, from
// either a duration string ("30s") or an integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "100MB", "1GB", "500KB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// parseByteSize parses a size string like "100MB" or "1GB".
func parseByteSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	s = strings.ToUpper(strings.TrimSpace(s))

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.multiplier, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}
