// Package parquetstore implements the durable tier on Parquet segment
// files queried through DuckDB. Each flushed batch becomes one
// immutable segment; range reads scan the segment glob with
// read_parquet and dedupe replayed keys.
package parquetstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/labfeed/labfeed/internal/errors"
	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/logging"
	"github.com/labfeed/labfeed/internal/tsstore/types"
)

var log = logging.Component("parquetstore")

// Store persists sample batches as Parquet segments under a directory
// and serves range reads through an in-memory DuckDB instance.
//
// Idempotency: a replayed batch produces a second segment holding the
// same keys; reads dedupe on (timestamp, seq), so replays are
// invisible to callers.
type Store struct {
	mu sync.Mutex

	dir        string
	db         *sql.DB
	segmentSeq int64

	// Feeds removed from reads. Their rows still occupy segments until
	// retention pruning removes the files.
	tombstones map[string]bool

	opts Options

	// Statistics
	stats Stats
}

// Options configures the parquet store.
type Options struct {
	// MemoryLimit is passed to DuckDB's memory_limit setting when set
	// (e.g. "512MB").
	MemoryLimit string
}

// Stats holds store statistics.
type Stats struct {
	SegmentsWritten int64
	SamplesWritten  int64
	QueriesExecuted int64
	RowsReturned    int64
	SegmentsPruned  int64
	Errors          int64
}

// New creates a parquet store rooted at dir, continuing the segment
// sequence from any segments already present.
func New(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if opts.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", opts.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	s := &Store{
		dir:        dir,
		db:         db,
		tombstones: make(map[string]bool),
		opts:       opts,
	}

	segments, err := s.listSegments()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		s.segmentSeq = segments[len(segments)-1].seq + 1
	}

	return s, nil
}

// PutBatch writes the batch as one new segment file.
func (s *Store) PutBatch(ctx context.Context, samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	minTs, maxTs := samples[0].TimestampMs, samples[0].TimestampMs
	for i := range samples {
		if samples[i].TimestampMs < minTs {
			minTs = samples[i].TimestampMs
		}
		if samples[i].TimestampMs > maxTs {
			maxTs = samples[i].TimestampMs
		}
	}

	name := segmentName(s.segmentSeq, minTs, maxTs)
	path := filepath.Join(s.dir, name)

	if err := writeSegment(path, samples); err != nil {
		s.stats.Errors++
		return fmt.Errorf("write segment %s: %v: %w", name, err, errors.ErrTransientStorage)
	}

	s.segmentSeq++
	s.stats.SegmentsWritten++
	s.stats.SamplesWritten += int64(len(samples))

	return nil
}

// GetRange returns samples of one feed in key order, deduped across
// segments.
func (s *Store) GetRange(ctx context.Context, feedID string, fromMs, toMs int64, limit int) ([]types.Sample, error) {
	s.mu.Lock()
	if s.tombstones[feedID] {
		s.mu.Unlock()
		return nil, nil
	}
	empty := s.segmentSeq == 0
	s.mu.Unlock()
	if empty {
		return nil, nil
	}

	pattern := filepath.Join(s.dir, "*.parquet")

	query := `
		SELECT timestamp_ms, seq, value_type, late, payload
		FROM read_parquet($1)
		WHERE feed_id = $2
		  AND timestamp_ms >= $3
		  AND timestamp_ms <= $4
		ORDER BY timestamp_ms, seq
	`

	rows, err := s.db.QueryContext(ctx, query, pattern, feedID, fromMs, toMs)
	if err != nil {
		s.mu.Lock()
		s.stats.Errors++
		s.mu.Unlock()
		return nil, fmt.Errorf("query range %s: %v: %w", feedID, err, errors.ErrTransientStorage)
	}
	defer rows.Close()

	out, err := scanSamples(rows, feedID, limit)
	if err != nil {
		s.mu.Lock()
		s.stats.Errors++
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(out))
	s.mu.Unlock()

	return out, nil
}

// scanSamples scans ordered rows, dropping consecutive duplicate keys
// left by replayed batches.
func scanSamples(rows *sql.Rows, feedID string, limit int) ([]types.Sample, error) {
	var out []types.Sample
	var lastKey types.Key
	haveLast := false

	for rows.Next() {
		var (
			ts        int64
			seq       int64
			valueType int64
			late      bool
			payload   []byte
		)
		if err := rows.Scan(&ts, &seq, &valueType, &late, &payload); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		sample := types.Sample{
			FeedID:      feedID,
			TimestampMs: ts,
			Seq:         uint32(seq),
			ValueType:   feed.ValueType(valueType),
			Late:        late,
		}

		if haveLast && sample.Key() == lastKey {
			continue
		}
		lastKey = sample.Key()
		haveLast = true

		if err := types.DecodePayload(&sample, payload); err != nil {
			return nil, fmt.Errorf("decode payload at %d/%d: %w", ts, seq, err)
		}

		out = append(out, sample)
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	return out, rows.Err()
}

// Watermark returns the highest stored key for a feed.
func (s *Store) Watermark(ctx context.Context, feedID string) (types.Key, bool, error) {
	s.mu.Lock()
	if s.tombstones[feedID] || s.segmentSeq == 0 {
		s.mu.Unlock()
		return types.Key{}, false, nil
	}
	s.mu.Unlock()

	pattern := filepath.Join(s.dir, "*.parquet")

	query := `
		SELECT timestamp_ms, seq
		FROM read_parquet($1)
		WHERE feed_id = $2
		ORDER BY timestamp_ms DESC, seq DESC
		LIMIT 1
	`

	var ts, seq int64
	err := s.db.QueryRowContext(ctx, query, pattern, feedID).Scan(&ts, &seq)
	if err == sql.ErrNoRows {
		return types.Key{}, false, nil
	}
	if err != nil {
		return types.Key{}, false, fmt.Errorf("query watermark %s: %v: %w",
			feedID, err, errors.ErrTransientStorage)
	}

	return types.Key{TimestampMs: ts, Seq: uint32(seq)}, true, nil
}

// DeleteFeed hides a feed from reads. Segment space is reclaimed later
// by Prune once the feed's rows age past retention.
func (s *Store) DeleteFeed(ctx context.Context, feedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tombstones[feedID] = true
	return nil
}

// Prune removes segment files whose entire contents are older than
// beforeMs.
func (s *Store) Prune(ctx context.Context, beforeMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	segments, err := s.listSegments()
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}

	pruned := 0
	for _, seg := range segments {
		if seg.maxTs >= beforeMs {
			continue
		}
		if err := os.Remove(seg.path); err != nil {
			log.Warn("prune segment failed", "path", seg.path, "error", err)
			continue
		}
		pruned++
	}

	if pruned > 0 {
		s.stats.SegmentsPruned += int64(pruned)
		log.Info("pruned segments", "count", pruned, "before_ms", beforeMs)
	}
	return nil
}

// Close closes the DuckDB handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// segmentInfo describes one segment file.
type segmentInfo struct {
	path  string
	seq   int64
	minTs int64
	maxTs int64
}

func segmentName(seq, minTs, maxTs int64) string {
	return fmt.Sprintf("%016d-%013d-%013d.parquet", seq, minTs, maxTs)
}

// listSegments returns segment files in sequence order.
func (s *Store) listSegments() ([]segmentInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		var seq, minTs, maxTs int64
		if _, err := fmt.Sscanf(entry.Name(), "%016d-%013d-%013d.parquet", &seq, &minTs, &maxTs); err != nil {
			continue
		}

		segments = append(segments, segmentInfo{
			path:  filepath.Join(s.dir, entry.Name()),
			seq:   seq,
			minTs: minTs,
			maxTs: maxTs,
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})

	return segments, nil
}
