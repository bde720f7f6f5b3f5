package buffer

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/labfeed/labfeed/internal/logging"
)

var log = logging.Component("buffer")

// evictChunk is how many samples one eviction step removes from a feed.
// Evicting in chunks keeps the LRU scan cheap relative to the memory
// reclaimed per step.
const evictChunk = 256

// Cache is the sharded collection of per-feed buffers with a global
// sample capacity. Feeds are assigned to shards by xxhash of the feed
// id so unrelated feeds do not contend on one lock.
//
// Cache is safe for concurrent use.
type Cache struct {
	shards   []*shard
	capacity int

	evictMu sync.Mutex // serializes eviction passes
}

type shard struct {
	mu    sync.RWMutex
	feeds map[string]*FeedBuffer
}

// NewCache creates a cache with the given number of shards and a global
// capacity in samples.
func NewCache(shards, capacity int) *Cache {
	if shards < 1 {
		shards = 1
	}
	c := &Cache{
		shards:   make([]*shard, shards),
		capacity: capacity,
	}
	for i := range c.shards {
		c.shards[i] = &shard{feeds: make(map[string]*FeedBuffer)}
	}
	return c
}

func (c *Cache) shardFor(feedID string) *shard {
	return c.shards[xxhash.Sum64String(feedID)%uint64(len(c.shards))]
}

// Get returns the buffer for feedID, or nil when the feed is not
// cached.
func (c *Cache) Get(feedID string) *FeedBuffer {
	sh := c.shardFor(feedID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.feeds[feedID]
}

// GetOrCreate returns the buffer for feedID, creating it with the given
// coverage bound when absent.
func (c *Cache) GetOrCreate(feedID string, completeFromMs int64) *FeedBuffer {
	sh := c.shardFor(feedID)

	sh.mu.RLock()
	fb := sh.feeds[feedID]
	sh.mu.RUnlock()
	if fb != nil {
		return fb
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if fb = sh.feeds[feedID]; fb != nil {
		return fb
	}
	fb = newFeedBuffer(feedID, completeFromMs)
	sh.feeds[feedID] = fb
	return fb
}

// Remove drops a feed's buffer entirely. Called on feed deletion; any
// unflushed samples are discarded with it.
func (c *Cache) Remove(feedID string) {
	sh := c.shardFor(feedID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.feeds, feedID)
}

// Len returns the total number of cached samples across all feeds.
func (c *Cache) Len() int {
	total := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		for _, fb := range sh.feeds {
			total += fb.Len()
		}
		sh.mu.RUnlock()
	}
	return total
}

// Usage returns cache fullness as a fraction of capacity.
func (c *Cache) Usage() float64 {
	if c.capacity <= 0 {
		return 0
	}
	return float64(c.Len()) / float64(c.capacity)
}

// Capacity returns the configured sample capacity.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Feeds returns the ids of all cached feeds.
func (c *Cache) Feeds() []string {
	var ids []string
	for _, sh := range c.shards {
		sh.mu.RLock()
		for id := range sh.feeds {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()
	}
	return ids
}

// ForEach calls fn for every cached feed buffer.
func (c *Cache) ForEach(fn func(feedID string, fb *FeedBuffer)) {
	for _, sh := range c.shards {
		sh.mu.RLock()
		buffers := make(map[string]*FeedBuffer, len(sh.feeds))
		for id, fb := range sh.feeds {
			buffers[id] = fb
		}
		sh.mu.RUnlock()

		for id, fb := range buffers {
			fn(id, fb)
		}
	}
}

// EvictToCapacity evicts flushed samples from least-recently-accessed
// feeds until usage is at or below capacity, or nothing evictable
// remains. Unflushed samples are never evicted, so a cache full of
// unflushed data stays over capacity until flushing catches up; the
// backpressure controller reacts to that condition upstream.
//
// Returns the number of samples evicted.
func (c *Cache) EvictToCapacity() int {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	evicted := 0
	for c.Len() > c.capacity {
		victim := c.coldest()
		if victim == nil {
			break
		}
		n := victim.EvictFlushed(evictChunk)
		if n == 0 {
			// Coldest feed has nothing evictable; try the next pass with
			// it touched so another feed becomes the victim.
			victim.touch()
			if !c.anyEvictable() {
				break
			}
			continue
		}
		evicted += n
	}

	if evicted > 0 {
		log.Debug("cache eviction pass", "evicted", evicted, "cached", c.Len())
	}
	return evicted
}

// coldest returns the non-empty feed buffer with the oldest access
// time.
func (c *Cache) coldest() *FeedBuffer {
	var victim *FeedBuffer
	var oldest int64
	for _, sh := range c.shards {
		sh.mu.RLock()
		for _, fb := range sh.feeds {
			if fb.Len() == 0 {
				continue
			}
			at := fb.LastAccess()
			if victim == nil || at < oldest {
				victim = fb
				oldest = at
			}
		}
		sh.mu.RUnlock()
	}
	return victim
}

// anyEvictable reports whether any buffer holds flushed samples at its
// front.
func (c *Cache) anyEvictable() bool {
	found := false
	for _, sh := range c.shards {
		sh.mu.RLock()
		for _, fb := range sh.feeds {
			fb.mu.RLock()
			if len(fb.entries) > 0 && fb.entries[0].flushed {
				found = true
			}
			fb.mu.RUnlock()
			if found {
				break
			}
		}
		sh.mu.RUnlock()
		if found {
			break
		}
	}
	return found
}

// Stats returns aggregate cache statistics.
func (c *Cache) Stats() CacheStats {
	st := CacheStats{Capacity: c.capacity}
	for _, sh := range c.shards {
		sh.mu.RLock()
		for _, fb := range sh.feeds {
			fs := fb.Stats()
			st.Feeds++
			st.Cached += fs.Cached
			st.Unflushed += fs.Unflushed
			st.Inserts += fs.Inserts
			st.Duplicates += fs.Duplicates
			st.Evictions += fs.Evictions
		}
		sh.mu.RUnlock()
	}
	return st
}

// CacheStats holds aggregate cache statistics.
type CacheStats struct {
	Feeds      int
	Cached     int
	Capacity   int
	Unflushed  int
	Inserts    int64
	Duplicates int64
	Evictions  int64
}
