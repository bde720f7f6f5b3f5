// Package buffer implements the in-memory cache layer of the
// time-series store: one time-ordered buffer per feed, sharded across
// locks by feed id hash, with LRU eviction that never removes samples
// that have not reached durable storage.
package buffer

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labfeed/labfeed/internal/tsstore/types"
)

// entry is one cached sample plus its durability flag.
type entry struct {
	sample  types.Sample
	flushed bool
}

// FeedBuffer is the ordered cache for a single feed.
//
// Samples are kept sorted by (timestamp, seq). Insert is an idempotent
// upsert on that key: re-inserting an existing key is a no-op, which is
// what makes at-least-once redelivery safe. The buffer tracks which
// samples have been mirrored to durable storage so eviction can skip
// unflushed data.
//
// FeedBuffer is safe for concurrent use.
type FeedBuffer struct {
	mu sync.RWMutex

	feedID  string
	entries []entry

	// completeFromMs is the timestamp from which the cache is known to
	// hold every sample of the feed. Appends always land in cache, so
	// coverage only shrinks on eviction and grows when a durable fetch
	// back-fills older history.
	completeFromMs int64

	unflushed int // count of entries with flushed == false

	// lastAccess is a unix-nano LRU clock, updated on reads and writes.
	lastAccess atomic.Int64

	// Statistics
	insertCount atomic.Int64
	dupCount    atomic.Int64
	evictCount  atomic.Int64
}

// newFeedBuffer creates a buffer for one feed. completeFromMs declares
// from which timestamp the cache will observe every sample (MinInt64
// for a feed with no durable history).
func newFeedBuffer(feedID string, completeFromMs int64) *FeedBuffer {
	fb := &FeedBuffer{
		feedID:         feedID,
		completeFromMs: completeFromMs,
	}
	fb.touch()
	return fb
}

func (fb *FeedBuffer) touch() {
	fb.lastAccess.Store(time.Now().UnixNano())
}

// search returns the index of the first entry whose key is >= key.
func (fb *FeedBuffer) search(key types.Key) int {
	return sort.Search(len(fb.entries), func(i int) bool {
		return !fb.entries[i].sample.Key().Less(key)
	})
}

// Insert upserts a sample in key order. Returns false if a sample with
// the same (timestamp, seq) is already cached.
func (fb *FeedBuffer) Insert(s types.Sample) bool {
	fb.touch()

	fb.mu.Lock()
	defer fb.mu.Unlock()

	key := s.Key()
	i := fb.search(key)
	if i < len(fb.entries) && fb.entries[i].sample.Key() == key {
		fb.dupCount.Add(1)
		return false
	}

	fb.entries = append(fb.entries, entry{})
	copy(fb.entries[i+1:], fb.entries[i:])
	fb.entries[i] = entry{sample: s}
	fb.unflushed++
	fb.insertCount.Add(1)
	return true
}

// Populate inserts samples fetched from durable storage, marked as
// flushed. Existing keys are left untouched. When the populated range
// [fromMs, toMs] adjoins or overlaps current coverage, coverage is
// extended down to fromMs.
func (fb *FeedBuffer) Populate(samples []types.Sample, fromMs, toMs int64) {
	if len(samples) == 0 && toMs < fb.CompleteFrom() {
		return
	}
	fb.touch()

	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, s := range samples {
		key := s.Key()
		i := fb.search(key)
		if i < len(fb.entries) && fb.entries[i].sample.Key() == key {
			continue
		}
		fb.entries = append(fb.entries, entry{})
		copy(fb.entries[i+1:], fb.entries[i:])
		fb.entries[i] = entry{sample: s, flushed: true}
	}

	if toMs >= fb.completeFromMs-1 && fromMs < fb.completeFromMs {
		fb.completeFromMs = fromMs
	}
}

// Query returns a copy of the cached samples with fromMs <= timestamp
// <= toMs, ordered by (timestamp, seq). limit <= 0 means no limit.
func (fb *FeedBuffer) Query(fromMs, toMs int64, limit int) []types.Sample {
	fb.touch()

	fb.mu.RLock()
	defer fb.mu.RUnlock()

	lo := fb.search(types.Key{TimestampMs: fromMs})
	var out []types.Sample
	for i := lo; i < len(fb.entries); i++ {
		if fb.entries[i].sample.TimestampMs > toMs {
			break
		}
		out = append(out, fb.entries[i].sample)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Latest returns the highest-ordered cached sample.
func (fb *FeedBuffer) Latest() (types.Sample, bool) {
	fb.touch()

	fb.mu.RLock()
	defer fb.mu.RUnlock()

	if len(fb.entries) == 0 {
		return types.Sample{}, false
	}
	return fb.entries[len(fb.entries)-1].sample, true
}

// Unflushed returns up to max samples not yet mirrored to durable
// storage, in key order. max <= 0 means all.
func (fb *FeedBuffer) Unflushed(max int) []types.Sample {
	fb.mu.RLock()
	defer fb.mu.RUnlock()

	if fb.unflushed == 0 {
		return nil
	}

	var out []types.Sample
	for i := range fb.entries {
		if fb.entries[i].flushed {
			continue
		}
		out = append(out, fb.entries[i].sample)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// UnflushedCount returns the number of samples awaiting durable mirror.
func (fb *FeedBuffer) UnflushedCount() int {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	return fb.unflushed
}

// MarkFlushed flags the given keys as durable. Called after a batch
// commit succeeds.
func (fb *FeedBuffer) MarkFlushed(keys []types.Key) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, key := range keys {
		i := fb.search(key)
		if i < len(fb.entries) && fb.entries[i].sample.Key() == key && !fb.entries[i].flushed {
			fb.entries[i].flushed = true
			fb.unflushed--
		}
	}
}

// Watermark returns the highest key among flushed samples, i.e. the
// durable watermark as far as the cache knows. ok is false when nothing
// has been flushed.
func (fb *FeedBuffer) Watermark() (types.Key, bool) {
	fb.mu.RLock()
	defer fb.mu.RUnlock()

	for i := len(fb.entries) - 1; i >= 0; i-- {
		if fb.entries[i].flushed {
			return fb.entries[i].sample.Key(), true
		}
	}
	return types.Key{}, false
}

// Covers reports whether the cache is known to hold every sample in
// [fromMs, toMs].
func (fb *FeedBuffer) Covers(fromMs int64) bool {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	return fromMs >= fb.completeFromMs
}

// CompleteFrom returns the coverage lower bound.
func (fb *FeedBuffer) CompleteFrom() int64 {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	return fb.completeFromMs
}

// EvictFlushed removes up to n flushed samples from the front of the
// buffer and advances the coverage bound accordingly. Eviction stops at
// the first unflushed sample so unflushed data is never the victim.
// Returns the number of samples evicted.
func (fb *FeedBuffer) EvictFlushed(n int) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	evicted := 0
	for evicted < n && evicted < len(fb.entries) {
		if !fb.entries[evicted].flushed {
			break
		}
		evicted++
	}
	if evicted == 0 {
		return 0
	}

	// Coverage now starts after the last evicted sample.
	last := fb.entries[evicted-1].sample.TimestampMs
	fb.entries = append(fb.entries[:0], fb.entries[evicted:]...)
	if len(fb.entries) > 0 && fb.entries[0].sample.TimestampMs > last {
		fb.completeFromMs = fb.entries[0].sample.TimestampMs
	} else {
		fb.completeFromMs = last + 1
	}

	fb.evictCount.Add(int64(evicted))
	return evicted
}

// Len returns the number of cached samples.
func (fb *FeedBuffer) Len() int {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	return len(fb.entries)
}

// LastAccess returns the LRU clock value.
func (fb *FeedBuffer) LastAccess() int64 {
	return fb.lastAccess.Load()
}

// Stats returns buffer statistics.
func (fb *FeedBuffer) Stats() FeedStats {
	fb.mu.RLock()
	defer fb.mu.RUnlock()

	return FeedStats{
		FeedID:     fb.feedID,
		Cached:     len(fb.entries),
		Unflushed:  fb.unflushed,
		Inserts:    fb.insertCount.Load(),
		Duplicates: fb.dupCount.Load(),
		Evictions:  fb.evictCount.Load(),
	}
}

// FeedStats holds per-feed buffer statistics.
type FeedStats struct {
	FeedID     string
	Cached     int
	Unflushed  int
	Inserts    int64
	Duplicates int64
	Evictions  int64
}

// NoCoverage is the completeFrom value for a feed whose durable history
// is unknown to the cache.
const NoCoverage = int64(math.MaxInt64)

// FullCoverage is the completeFrom value for a feed with no durable
// history (everything the feed will ever hold flows through this
// process).
const FullCoverage = int64(math.MinInt64)
