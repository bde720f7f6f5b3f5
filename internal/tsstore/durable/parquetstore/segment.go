package parquetstore

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/tsstore/types"
)

// sampleRow is the Parquet row layout for one sample. The value is
// stored as its encoded payload so all three value types share one
// schema; payload pages carry their own zstd compression on top of the
// value codec.
type sampleRow struct {
	FeedID      string `parquet:"feed_id,zstd"`
	TimestampMs int64  `parquet:"timestamp_ms"`
	Seq         int64  `parquet:"seq"`
	ValueType   int64  `parquet:"value_type"`
	Late        bool   `parquet:"late"`
	Payload     []byte `parquet:"payload,zstd"`
}

// writeSegment writes samples as one Parquet file. The file is written
// to a temporary name and renamed into place so readers never observe a
// half-written segment.
func writeSegment(path string, samples []types.Sample) error {
	rows := make([]sampleRow, len(samples))
	for i := range samples {
		payload, err := types.EncodePayload(&samples[i])
		if err != nil {
			return fmt.Errorf("encode payload %d: %w", i, err)
		}
		rows[i] = sampleRow{
			FeedID:      samples[i].FeedID,
			TimestampMs: samples[i].TimestampMs,
			Seq:         int64(samples[i].Seq),
			ValueType:   int64(samples[i].ValueType),
			Late:        samples[i].Late,
			Payload:     payload,
		}
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[sampleRow](f, parquet.Compression(&parquet.Zstd))

	if _, err := writer.Write(rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename segment: %w", err)
	}
	return nil
}

// readSegment reads every row of one segment file. Used by tests and
// offline tooling; the query path goes through DuckDB.
func readSegment(path string) ([]types.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[sampleRow](f)
	defer reader.Close()

	rows := make([]sampleRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	samples := make([]types.Sample, n)
	for i := 0; i < n; i++ {
		samples[i] = types.Sample{
			FeedID:      rows[i].FeedID,
			TimestampMs: rows[i].TimestampMs,
			Seq:         uint32(rows[i].Seq),
			ValueType:   feed.ValueType(rows[i].ValueType),
			Late:        rows[i].Late,
		}
		if err := types.DecodePayload(&samples[i], rows[i].Payload); err != nil {
			return nil, fmt.Errorf("decode payload %d: %w", i, err)
		}
	}
	return samples, nil
}
