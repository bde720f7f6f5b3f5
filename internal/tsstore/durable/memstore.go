package durable

import (
	"context"
	"sort"
	"sync"

	"github.com/labfeed/labfeed/internal/tsstore/types"
)

// MemStore is an in-memory Store for tests and ephemeral deployments.
// It honors the same idempotency and ordering contract as the parquet
// store.
type MemStore struct {
	mu    sync.RWMutex
	feeds map[string]map[types.Key]types.Sample

	// FailPuts and FailGets make the corresponding operation return an
	// error while set. Tests use them to exercise retry, degraded and
	// partial-read paths.
	FailPuts func() error
	FailGets func() error
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		feeds: make(map[string]map[types.Key]types.Sample),
	}
}

// PutBatch persists a batch of samples.
func (m *MemStore) PutBatch(ctx context.Context, samples []types.Sample) error {
	if m.FailPuts != nil {
		if err := m.FailPuts(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range samples {
		byKey := m.feeds[s.FeedID]
		if byKey == nil {
			byKey = make(map[types.Key]types.Sample)
			m.feeds[s.FeedID] = byKey
		}
		if _, exists := byKey[s.Key()]; !exists {
			byKey[s.Key()] = s
		}
	}
	return nil
}

// GetRange returns samples of one feed in key order.
func (m *MemStore) GetRange(ctx context.Context, feedID string, fromMs, toMs int64, limit int) ([]types.Sample, error) {
	if m.FailGets != nil {
		if err := m.FailGets(); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Sample
	for key, s := range m.feeds[feedID] {
		if key.TimestampMs >= fromMs && key.TimestampMs <= toMs {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().Less(out[j].Key())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Watermark returns the highest stored key for a feed.
func (m *MemStore) Watermark(ctx context.Context, feedID string) (types.Key, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byKey := m.feeds[feedID]
	if len(byKey) == 0 {
		return types.Key{}, false, nil
	}

	var max types.Key
	first := true
	for key := range byKey {
		if first || max.Less(key) {
			max = key
			first = false
		}
	}
	return max, true, nil
}

// DeleteFeed removes a feed's samples.
func (m *MemStore) DeleteFeed(ctx context.Context, feedID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.feeds, feedID)
	return nil
}

// Prune removes samples older than beforeMs.
func (m *MemStore) Prune(ctx context.Context, beforeMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for feedID, byKey := range m.feeds {
		for key := range byKey {
			if key.TimestampMs < beforeMs {
				delete(byKey, key)
			}
		}
		if len(byKey) == 0 {
			delete(m.feeds, feedID)
		}
	}
	return nil
}

// Close is a no-op.
func (m *MemStore) Close() error {
	return nil
}

// Len returns the total number of stored samples.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, byKey := range m.feeds {
		total += len(byKey)
	}
	return total
}
