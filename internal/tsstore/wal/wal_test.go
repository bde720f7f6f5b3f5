package wal

import (
	"os"
	"testing"

	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/tsstore/types"
)

func testSamples() []types.Sample {
	return []types.Sample{
		{
			FeedID:      "ws/exp/loss",
			TimestampMs: 1000,
			Seq:         1,
			ValueType:   feed.ValueScalar,
			Scalar:      0.42,
		},
		{
			FeedID:      "ws/exp/grad-norm",
			TimestampMs: 1000,
			Seq:         2,
			ValueType:   feed.ValueVector,
			Vector:      []float64{1.5, -2.25, 0},
			Late:        true,
		},
		{
			FeedID:      "ws/exp/checkpoint",
			TimestampMs: 2000,
			Seq:         1,
			ValueType:   feed.ValueBlob,
			Blob:        []byte("model-state"),
		},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	want := testSamples()
	if err := w.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := ReadSegment(w.CurrentSegment())
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("read %d samples, want %d", len(got), len(want))
	}

	for i := range want {
		if got[i].FeedID != want[i].FeedID {
			t.Errorf("sample %d: feed id %q, want %q", i, got[i].FeedID, want[i].FeedID)
		}
		if got[i].Key() != want[i].Key() {
			t.Errorf("sample %d: key %+v, want %+v", i, got[i].Key(), want[i].Key())
		}
		if got[i].Late != want[i].Late {
			t.Errorf("sample %d: late %v, want %v", i, got[i].Late, want[i].Late)
		}
	}

	if got[0].Scalar != 0.42 {
		t.Errorf("scalar value = %v, want 0.42", got[0].Scalar)
	}
	if len(got[1].Vector) != 3 || got[1].Vector[1] != -2.25 {
		t.Errorf("vector value = %v", got[1].Vector)
	}
	if string(got[2].Blob) != "model-state" {
		t.Errorf("blob value = %q", got[2].Blob)
	}
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 256 // force rotation quickly
	opts.SyncMode = "sync"

	w, err := NewWriter(dir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	for i := 0; i < 20; i++ {
		if err := w.Write(testSamples()); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	segments, err := w.ListSegments()
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segments) < 2 {
		t.Fatalf("expected rotation to produce multiple segments, got %d", len(segments))
	}

	// Every record across all segments must survive replay.
	w.Sync()
	total := 0
	for _, path := range segments {
		samples, err := ReadSegment(path)
		if err != nil {
			t.Fatalf("ReadSegment(%s): %v", path, err)
		}
		total += len(samples)
	}
	if total != 60 {
		t.Errorf("replayed %d samples, want 60", total)
	}
}

func TestCorruptTailSkipped(t *testing.T) {
	dir := t.TempDir()

	opts := DefaultOptions()
	opts.SyncMode = "sync"

	w, err := NewWriter(dir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write(testSamples()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	path := w.CurrentSegment()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a torn write: append a half-finished record.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	f.Write([]byte{0xFF, 0x00, 0x00, 0x00, 0xDE, 0xAD})
	f.Close()

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	got, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("replayed %d samples from segment with torn tail, want 3", len(got))
	}
}

func TestDeleteSegmentsBefore(t *testing.T) {
	dir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 256
	opts.SyncMode = "sync"

	w, err := NewWriter(dir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	for i := 0; i < 20; i++ {
		if err := w.Write(testSamples()); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	before, _ := w.ListSegments()
	deleted, err := w.DeleteSegmentsBefore(w.segmentSeq - 1)
	if err != nil {
		t.Fatalf("DeleteSegmentsBefore: %v", err)
	}
	if deleted != len(before)-1 {
		t.Errorf("deleted %d segments, want %d", deleted, len(before)-1)
	}

	after, _ := w.ListSegments()
	if len(after) != 1 {
		t.Errorf("%d segments remain, want 1 (the current segment)", len(after))
	}
}

func TestWriterContinuesSequence(t *testing.T) {
	dir := t.TempDir()

	w1, err := NewWriter(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	first := w1.CurrentSegment()
	w1.Write(testSamples())
	w1.Close()

	w2, err := NewWriter(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("second NewWriter: %v", err)
	}
	defer w2.Close()

	if w2.CurrentSegment() == first {
		t.Error("restarted writer reused an existing segment file")
	}
}
