package tsstore

import (
	"context"

	"github.com/labfeed/labfeed/internal/tsstore/types"
)

// defaultIteratorPage is how many samples one iterator fetch pulls.
const defaultIteratorPage = 1000

// Iterator walks a feed's samples over a time range in key order,
// fetching lazily in pages. It is finite: it covers the range as of
// each page fetch and does not follow the live feed. Reset restarts it
// from the beginning of the range.
//
// Iterator is not safe for concurrent use.
type Iterator struct {
	store  *Store
	feedID string
	fromMs int64
	toMs   int64
	page   int

	buffer   []types.Sample
	position int
	lastKey  types.Key
	haveLast bool
	done     bool
	partial  bool
	err      error
}

// NewIterator creates an iterator over [fromMs, toMs] for one feed.
func (s *Store) NewIterator(feedID string, fromMs, toMs int64) *Iterator {
	return &Iterator{
		store:  s,
		feedID: feedID,
		fromMs: fromMs,
		toMs:   toMs,
		page:   defaultIteratorPage,
	}
}

// Next advances to the next sample. Returns false at the end of the
// range or on error.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}

	if it.position < len(it.buffer) {
		return true
	}

	// Fetch the next page starting just past the last key seen.
	from := it.fromMs
	if it.haveLast {
		from = it.lastKey.TimestampMs
	}

	samples, partial, err := it.store.ReadRange(ctx, it.feedID, from, it.toMs, 0)
	if err != nil && len(samples) == 0 {
		it.err = err
		return false
	}
	it.partial = it.partial || partial

	// Drop everything at or before the last key already delivered.
	start := 0
	if it.haveLast {
		for start < len(samples) && !it.lastKey.Less(samples[start].Key()) {
			start++
		}
	}
	samples = samples[start:]

	if len(samples) == 0 {
		it.done = true
		return false
	}
	if len(samples) > it.page {
		samples = samples[:it.page]
	}

	it.buffer = samples
	it.position = 0
	return true
}

// Sample returns the current sample and advances the cursor.
func (it *Iterator) Sample() types.Sample {
	if it.position >= len(it.buffer) {
		return types.Sample{}
	}
	s := it.buffer[it.position]
	it.position++
	it.lastKey = s.Key()
	it.haveLast = true
	return s
}

// Partial reports whether any page was served without durable data.
func (it *Iterator) Partial() bool {
	return it.partial
}

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Reset restarts the iterator from the beginning of its range.
func (it *Iterator) Reset() {
	it.buffer = nil
	it.position = 0
	it.haveLast = false
	it.done = false
	it.partial = false
	it.err = nil
}
