// Package config provides configuration defaults and utilities
// for the labfeed backend.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default server listen address.
	// Override via config: server.listen
	DefaultListenAddress = "0.0.0.0:9410"

	// DefaultMaxMessageSize limits wire envelope size to prevent OOM.
	// 16 MiB accommodates the largest blob sample plus framing.
	// Override via config: server.max_message_size
	DefaultMaxMessageSize = 16 * 1024 * 1024
)

// =============================================================================
// Session Defaults
// =============================================================================

const (
	// DefaultAuthTimeoutSec is the time allowed for authentication after connect.
	// Clients must authenticate within this window or be disconnected.
	// Override via config: session.auth_timeout_sec
	DefaultAuthTimeoutSec = 30

	// DefaultAuthRateLimitPerMinute is the number of failed auth attempts
	// per IP before new connections from that IP are rejected.
	DefaultAuthRateLimitPerMinute = 5

	// DefaultSessionCleanupIntervalSec is how often closed sessions are
	// swept from the session table.
	// Override via config: session.cleanup_interval_sec
	DefaultSessionCleanupIntervalSec = 60
)

// =============================================================================
// Subscription Defaults
// =============================================================================

const (
	// DefaultSubscriptionQueueSize is the capacity of the per-subscription
	// delivery queue. Samples beyond this are subject to the slow-consumer
	// policy (drop, then disconnect).
	// Override via config: subscription.queue_size
	DefaultSubscriptionQueueSize = 1000

	// DefaultSubscriptionSendTimeoutMs is how long delivery waits on a full
	// queue before dropping the sample.
	// Override via config: subscription.send_timeout_ms
	DefaultSubscriptionSendTimeoutMs = 100

	// DefaultSubscriptionMaxDrops is the number of dropped deliveries after
	// which a slow subscription is closed rather than silently starved.
	// Override via config: subscription.max_drops
	DefaultSubscriptionMaxDrops = 1000
)

// =============================================================================
// Time-Series Store Defaults
// =============================================================================

const (
	// DefaultCacheCapacity is the per-process bound on cached samples
	// across all feeds. Eviction is LRU at chunk granularity and never
	// removes samples that have not reached durable storage.
	// Override via config: store.cache_capacity
	DefaultCacheCapacity = 1_000_000

	// DefaultCacheShards is the number of cache shards. Feeds are assigned
	// to shards by hash so unrelated feeds do not contend on one lock.
	DefaultCacheShards = 16

	// DefaultFlushBatchSize is the maximum number of samples mirrored to
	// durable storage in one batch.
	// Override via config: store.flush_batch_size
	DefaultFlushBatchSize = 5000

	// DefaultFlushIntervalMs is how often buffered samples are mirrored to
	// durable storage when the batch size is not reached first.
	// Override via config: store.flush_interval_ms
	DefaultFlushIntervalMs = 1000

	// DefaultSkewWindow is how far behind a feed's durable watermark a
	// sample may arrive before it is flagged late. Late samples are still
	// stored and returned in order.
	// Override via config: store.skew_window
	DefaultSkewWindow = 30 * time.Second

	// DefaultBlobCompressMin is the blob payload size in bytes above which
	// payloads are zstd-compressed before storage.
	DefaultBlobCompressMin = 512
)

// =============================================================================
// Durable Storage Retry Defaults
// =============================================================================

const (
	// DefaultRetryBaseDelay is the initial backoff for transient durable
	// storage errors.
	DefaultRetryBaseDelay = 250 * time.Millisecond

	// DefaultRetryMaxDelay caps the exponential backoff.
	DefaultRetryMaxDelay = 30 * time.Second

	// DefaultRetryWindow bounds the total retry time for one batch before
	// the feed is marked degraded (writes keep buffering in cache).
	DefaultRetryWindow = 5 * time.Minute

	// DefaultFetchTimeout bounds a single durable range fetch. Reads that
	// exceed it return the cached portion plus a retryable error.
	DefaultFetchTimeout = 10 * time.Second
)

// =============================================================================
// WAL Defaults
// =============================================================================

const (
	// DefaultWALSegmentSize is the maximum WAL segment file size before
	// rotation.
	DefaultWALSegmentSize = 64 * 1024 * 1024

	// DefaultWALSyncIntervalSec is the sync interval in async mode.
	DefaultWALSyncIntervalSec = 1
)

// =============================================================================
// Retention Defaults
// =============================================================================

const (
	// DefaultRetentionCheckInterval is how often durable segments are
	// checked against feed retention settings.
	// Override via config: store.retention_check_interval
	DefaultRetentionCheckInterval = time.Hour
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeoutSec is how long shutdown waits for the final flush
	// of all feeds. After this timeout, remaining batches are abandoned
	// (they remain recoverable from the WAL).
	// Override via config: server.drain_timeout_sec
	DefaultDrainTimeoutSec = 30
)
