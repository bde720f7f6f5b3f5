package parquetstore

import (
	"path/filepath"
	"testing"

	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/tsstore/types"
)

func TestSegmentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, segmentName(0, 1000, 2000))

	want := []types.Sample{
		{
			FeedID:      "ws/exp/loss",
			TimestampMs: 1000,
			Seq:         1,
			ValueType:   feed.ValueScalar,
			Scalar:      3.14,
		},
		{
			FeedID:      "ws/exp/embedding",
			TimestampMs: 1500,
			Seq:         1,
			ValueType:   feed.ValueVector,
			Vector:      []float64{0.1, 0.2, 0.3},
		},
		{
			FeedID:      "ws/exp/checkpoint",
			TimestampMs: 2000,
			Seq:         1,
			ValueType:   feed.ValueBlob,
			Blob:        []byte("weights"),
			Late:        true,
		},
	}

	if err := writeSegment(path, want); err != nil {
		t.Fatalf("writeSegment: %v", err)
	}

	got, err := readSegment(path)
	if err != nil {
		t.Fatalf("readSegment: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("read %d rows, want %d", len(got), len(want))
	}

	for i := range want {
		if got[i].FeedID != want[i].FeedID || got[i].Key() != want[i].Key() {
			t.Errorf("row %d: identity mismatch: %+v", i, got[i])
		}
	}
	if got[0].Scalar != 3.14 {
		t.Errorf("scalar = %v, want 3.14", got[0].Scalar)
	}
	if len(got[1].Vector) != 3 || got[1].Vector[2] != 0.3 {
		t.Errorf("vector = %v", got[1].Vector)
	}
	if string(got[2].Blob) != "weights" || !got[2].Late {
		t.Errorf("blob row = %+v", got[2])
	}
}

func TestSegmentNameParsing(t *testing.T) {
	s := &Store{dir: t.TempDir()}

	for _, seg := range []struct {
		seq, minTs, maxTs int64
	}{
		{2, 3000, 4000},
		{0, 1000, 2000},
		{1, 2000, 3000},
	} {
		path := filepath.Join(s.dir, segmentName(seg.seq, seg.minTs, seg.maxTs))
		if err := writeSegment(path, []types.Sample{{
			FeedID:      "ws/exp/x",
			TimestampMs: seg.minTs,
			ValueType:   feed.ValueScalar,
		}}); err != nil {
			t.Fatalf("writeSegment: %v", err)
		}
	}

	segments, err := s.listSegments()
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("listed %d segments, want 3", len(segments))
	}
	for i, seg := range segments {
		if seg.seq != int64(i) {
			t.Errorf("segment %d: seq = %d, not in order", i, seg.seq)
		}
	}
	if segments[2].minTs != 3000 || segments[2].maxTs != 4000 {
		t.Errorf("segment bounds not parsed: %+v", segments[2])
	}
}
