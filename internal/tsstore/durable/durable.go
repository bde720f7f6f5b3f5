// Package durable defines the durable storage tier of the time-series
// store. Implementations persist flushed sample batches and answer
// range reads for data that has aged out of the cache.
package durable

import (
	"context"

	"github.com/labfeed/labfeed/internal/tsstore/types"
)

// Store is the durable tier. Implementations must tolerate PutBatch
// replays: the (feed, timestamp, seq) key identifies a sample, and
// writing the same key twice must not produce a duplicate in reads.
//
// Transient failures (IO, database) are reported wrapped in
// errors.ErrTransientStorage so callers can distinguish retry-worthy
// conditions from permanent ones.
type Store interface {
	// PutBatch persists a batch of samples.
	PutBatch(ctx context.Context, samples []types.Sample) error

	// GetRange returns samples of one feed with fromMs <= timestamp <=
	// toMs, ordered by (timestamp, seq). limit <= 0 means no limit.
	GetRange(ctx context.Context, feedID string, fromMs, toMs int64, limit int) ([]types.Sample, error)

	// Watermark returns the highest stored key for a feed. ok is false
	// when the feed has no durable data.
	Watermark(ctx context.Context, feedID string) (types.Key, bool, error)

	// DeleteFeed removes a feed's samples from reads. Space reclamation
	// may be deferred.
	DeleteFeed(ctx context.Context, feedID string) error

	// Prune removes data entirely older than beforeMs.
	Prune(ctx context.Context, beforeMs int64) error

	// Close releases resources.
	Close() error
}
