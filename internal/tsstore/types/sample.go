// Package types defines the sample model shared by the time-series
// store components.
package types

import (
	"time"

	"github.com/labfeed/labfeed/internal/feed"
)

// Sample represents a single data point on a feed.
// This is the primary data unit flowing through the storage system.
type Sample struct {
	// Identity
	FeedID string

	// Ordering key. Samples of a feed are stored and returned ordered
	// by (TimestampMs, Seq) regardless of arrival order. Seq breaks
	// ties between samples carrying the same producer timestamp and is
	// assigned at router acceptance when the producer supplied no hint.
	TimestampMs int64
	Seq         uint32

	// Value. Exactly one of Scalar/Vector/Blob is meaningful,
	// selected by ValueType.
	ValueType feed.ValueType
	Scalar    float64
	Vector    []float64
	Blob      []byte

	// Late marks a sample that arrived more than the feed's skew window
	// behind the durable watermark. Late samples are stored and served
	// in order like any other.
	Late bool
}

// TimestampTime returns the timestamp as a time.Time.
func (s *Sample) TimestampTime() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// Key returns the ordering key of the sample.
func (s *Sample) Key() Key {
	return Key{TimestampMs: s.TimestampMs, Seq: s.Seq}
}

// Key is the (timestamp, sequence) ordering key of a sample within a
// feed. It is also the idempotency key: appending the same key twice
// stores one sample.
type Key struct {
	TimestampMs int64
	Seq         uint32
}

// Less reports whether k orders strictly before other.
func (k Key) Less(other Key) bool {
	if k.TimestampMs != other.TimestampMs {
		return k.TimestampMs < other.TimestampMs
	}
	return k.Seq < other.Seq
}

// Compare returns -1, 0 or 1.
func (k Key) Compare(other Key) int {
	switch {
	case k.Less(other):
		return -1
	case other.Less(k):
		return 1
	default:
		return 0
	}
}
