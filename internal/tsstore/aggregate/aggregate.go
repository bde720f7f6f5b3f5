// Package aggregate maintains streaming statistics per feed. Scalar
// feeds get running count/sum/min/max plus DDSketch percentiles;
// vector and blob feeds get sample counts only.
package aggregate

import (
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/tsstore/types"
)

// defaultAccuracy is the DDSketch relative accuracy.
const defaultAccuracy = 0.01

// FeedAggregate maintains running statistics for one feed.
type FeedAggregate struct {
	mu sync.Mutex

	feedID string

	count   int64
	sum     float64
	min     float64
	max     float64
	firstTs int64
	lastTs  int64

	// sketch is nil for non-scalar feeds.
	sketch *ddsketch.DDSketch
}

// New creates an aggregate for a feed. Percentile tracking is enabled
// for scalar feeds only.
func New(feedID string, valueType feed.ValueType) *FeedAggregate {
	agg := &FeedAggregate{
		feedID: feedID,
		min:    math.MaxFloat64,
		max:    -math.MaxFloat64,
	}

	if valueType == feed.ValueScalar {
		sketch, err := ddsketch.NewDefaultDDSketch(defaultAccuracy)
		if err == nil {
			agg.sketch = sketch
		}
	}

	return agg
}

// AddSample folds a sample into the running statistics.
func (a *FeedAggregate) AddSample(s *types.Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.count++

	if a.firstTs == 0 || s.TimestampMs < a.firstTs {
		a.firstTs = s.TimestampMs
	}
	if s.TimestampMs > a.lastTs {
		a.lastTs = s.TimestampMs
	}

	if s.ValueType != feed.ValueScalar {
		return
	}

	a.sum += s.Scalar
	if s.Scalar < a.min {
		a.min = s.Scalar
	}
	if s.Scalar > a.max {
		a.max = s.Scalar
	}
	if a.sketch != nil {
		a.sketch.Add(s.Scalar)
	}
}

// Count returns the number of samples folded in.
func (a *FeedAggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Result returns a snapshot of the statistics.
func (a *FeedAggregate) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := Result{
		FeedID:  a.feedID,
		Count:   a.count,
		Sum:     a.sum,
		FirstTs: a.firstTs,
		LastTs:  a.lastTs,
	}

	if a.count > 0 && a.min <= a.max {
		result.Min = a.min
		result.Max = a.max
		result.Avg = a.sum / float64(a.count)
	}

	if a.sketch != nil && a.count > 0 {
		p50, _ := a.sketch.GetValueAtQuantile(0.50)
		p90, _ := a.sketch.GetValueAtQuantile(0.90)
		p99, _ := a.sketch.GetValueAtQuantile(0.99)
		result.P50, result.P90, result.P99 = p50, p90, p99
		result.HasPercentiles = true
	}

	return result
}

// Reset clears the statistics, keeping the feed identity.
func (a *FeedAggregate) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.count = 0
	a.sum = 0
	a.min = math.MaxFloat64
	a.max = -math.MaxFloat64
	a.firstTs = 0
	a.lastTs = 0

	if a.sketch != nil {
		// DDSketch has no clear; start a fresh one.
		sketch, err := ddsketch.NewDefaultDDSketch(defaultAccuracy)
		if err == nil {
			a.sketch = sketch
		}
	}
}

// Result is a point-in-time statistics snapshot for one feed.
type Result struct {
	FeedID  string
	Count   int64
	Sum     float64
	Min     float64
	Max     float64
	Avg     float64
	FirstTs int64
	LastTs  int64

	P50, P90, P99  float64
	HasPercentiles bool
}

// Registry holds the aggregate of every active feed.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	feeds map[string]*FeedAggregate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{feeds: make(map[string]*FeedAggregate)}
}

// GetOrCreate returns the aggregate for feedID, creating it if needed.
func (r *Registry) GetOrCreate(feedID string, valueType feed.ValueType) *FeedAggregate {
	r.mu.RLock()
	agg := r.feeds[feedID]
	r.mu.RUnlock()
	if agg != nil {
		return agg
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if agg = r.feeds[feedID]; agg != nil {
		return agg
	}
	agg = New(feedID, valueType)
	r.feeds[feedID] = agg
	return agg
}

// Get returns the aggregate for feedID, or nil.
func (r *Registry) Get(feedID string) *FeedAggregate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.feeds[feedID]
}

// Remove drops a feed's aggregate.
func (r *Registry) Remove(feedID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.feeds, feedID)
}

// Results returns a snapshot for every tracked feed.
func (r *Registry) Results() []Result {
	r.mu.RLock()
	aggs := make([]*FeedAggregate, 0, len(r.feeds))
	for _, agg := range r.feeds {
		aggs = append(aggs, agg)
	}
	r.mu.RUnlock()

	out := make([]Result, len(aggs))
	for i, agg := range aggs {
		out[i] = agg.Result()
	}
	return out
}
