package tsstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/labfeed/labfeed/internal/errors"
	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/tsstore/durable"
	"github.com/labfeed/labfeed/internal/tsstore/types"
	"github.com/labfeed/labfeed/internal/tsstore/wal"
)

func newTestStore(t *testing.T, walDir string, mem *durable.MemStore) *Store {
	t.Helper()

	walOpts := wal.DefaultOptions()
	walOpts.SyncMode = "sync"
	w, err := wal.NewWriter(walDir, walOpts)
	if err != nil {
		t.Fatalf("wal.NewWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	opts := DefaultOptions()
	opts.CacheCapacity = 10000
	opts.FlushBatchSize = 100
	opts.RetryBaseDelay = time.Millisecond
	opts.RetryMaxDelay = 10 * time.Millisecond
	opts.RetryWindow = time.Millisecond

	return New(w, mem, opts)
}

func scalar(feedID string, ts int64, seq uint32, v float64) types.Sample {
	return types.Sample{
		FeedID:      feedID,
		TimestampMs: ts,
		Seq:         seq,
		ValueType:   feed.ValueScalar,
		Scalar:      v,
	}
}

func TestAppendReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, t.TempDir(), durable.NewMemStore())

	// Out-of-order producer timestamps.
	for _, ts := range []int64{3000, 1000, 2000} {
		if _, err := s.Append(ctx, scalar("ws/exp/loss", ts, 0, float64(ts))); err != nil {
			t.Fatalf("Append(%d): %v", ts, err)
		}
	}

	got, partial, err := s.ReadRange(ctx, "ws/exp/loss", 0, 5000, 0)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if partial {
		t.Error("cache-resident read reported partial")
	}
	want := []int64{1000, 2000, 3000}
	if len(got) != len(want) {
		t.Fatalf("read %d samples, want %d", len(got), len(want))
	}
	for i, ts := range want {
		if got[i].TimestampMs != ts {
			t.Errorf("sample %d: timestamp %d, want %d", i, got[i].TimestampMs, ts)
		}
	}
}

func TestAppendIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, t.TempDir(), durable.NewMemStore())

	sample := scalar("ws/exp/loss", 1000, 7, 0.5)
	if _, err := s.Append(ctx, sample); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Redelivery of the same key.
	if _, err := s.Append(ctx, sample); err != nil {
		t.Fatalf("replayed Append: %v", err)
	}

	got, _, err := s.ReadRange(ctx, "ws/exp/loss", 0, 5000, 0)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("read %d samples after replay, want 1", len(got))
	}

	st := s.Stats()
	if st.Appends != 1 || st.Duplicates != 1 {
		t.Errorf("stats = %+v, want 1 append and 1 duplicate", st)
	}
}

func TestLateSampleFlagged(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, t.TempDir(), durable.NewMemStore())

	base := int64(1_000_000)
	if _, err := s.Append(ctx, scalar("ws/exp/loss", base, 0, 1)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// More than the skew window behind the newest sample.
	lateTs := base - DefaultOptions().SkewWindow.Milliseconds() - 1000
	stored, err := s.Append(ctx, scalar("ws/exp/loss", lateTs, 0, 2))
	if err != nil {
		t.Fatalf("late Append: %v", err)
	}
	if !stored.Late {
		t.Error("sample behind the skew window not flagged late")
	}

	// Late samples are stored and served in order like any other.
	got, _, err := s.ReadRange(ctx, "ws/exp/loss", 0, base+1, 0)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 2 || got[0].TimestampMs != lateTs || !got[0].Late {
		t.Errorf("late sample not in order: %+v", got)
	}

	// A sample inside the window is not late.
	okTs := base - 1000
	stored, err = s.Append(ctx, scalar("ws/exp/loss", okTs, 0, 3))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if stored.Late {
		t.Error("sample inside the skew window flagged late")
	}
}

func TestFlushAndColdRead(t *testing.T) {
	ctx := context.Background()
	mem := durable.NewMemStore()
	s := newTestStore(t, t.TempDir(), mem)

	for ts := int64(1000); ts <= 5000; ts += 1000 {
		if _, err := s.Append(ctx, scalar("ws/exp/loss", ts, 0, float64(ts))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Flush(ctx, "ws/exp/loss"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if mem.Len() != 5 {
		t.Fatalf("durable holds %d samples after flush, want 5", mem.Len())
	}

	// A fresh store (cold cache) must back-fill from durable.
	s2 := newTestStore(t, t.TempDir(), mem)
	got, partial, err := s2.ReadRange(ctx, "ws/exp/loss", 0, 10000, 0)
	if err != nil {
		t.Fatalf("cold ReadRange: %v", err)
	}
	if partial {
		t.Error("successful durable fetch reported partial")
	}
	if len(got) != 5 {
		t.Fatalf("cold read returned %d samples, want 5", len(got))
	}

	// Second read of the same range is served from the populated cache.
	before := s2.Stats().DurableFetches
	if _, _, err := s2.ReadRange(ctx, "ws/exp/loss", 0, 10000, 0); err != nil {
		t.Fatalf("warm ReadRange: %v", err)
	}
	if s2.Stats().DurableFetches != before {
		t.Error("warm read went back to durable storage")
	}
}

func TestFlushFailureDegradesAndRecovers(t *testing.T) {
	ctx := context.Background()
	mem := durable.NewMemStore()
	failing := true
	mem.FailPuts = func() error {
		if failing {
			return errors.ErrTransientStorage
		}
		return nil
	}

	s := newTestStore(t, t.TempDir(), mem)

	if _, err := s.Append(ctx, scalar("ws/exp/loss", 1000, 0, 1)); err != nil {
		t.Fatalf("Append during outage: %v", err)
	}

	if err := s.Flush(ctx, "ws/exp/loss"); err == nil {
		t.Fatal("Flush succeeded against failing backend")
	}

	// A failure past the retry window marks the feed degraded.
	time.Sleep(2 * time.Millisecond)
	s.Flush(ctx, "ws/exp/loss")
	if !s.Degraded() {
		t.Fatal("store not degraded after retry window elapsed")
	}

	// Writes keep landing in cache and reads serve them.
	if _, err := s.Append(ctx, scalar("ws/exp/loss", 2000, 0, 2)); err != nil {
		t.Fatalf("Append while degraded: %v", err)
	}
	got, _, err := s.ReadRange(ctx, "ws/exp/loss", 0, 5000, 0)
	if err != nil {
		t.Fatalf("ReadRange while degraded: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("read %d samples while degraded, want 2", len(got))
	}

	// Backend recovery clears the degraded state on the next flush.
	failing = false
	if err := s.Flush(ctx, "ws/exp/loss"); err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}
	if s.Degraded() {
		t.Error("store still degraded after successful flush")
	}
	if mem.Len() != 2 {
		t.Errorf("durable holds %d samples after recovery, want 2", mem.Len())
	}
	if s.Stats().RecoveredFeeds != 1 {
		t.Errorf("RecoveredFeeds = %d, want 1", s.Stats().RecoveredFeeds)
	}
}

func TestPartialReadOnDurableOutage(t *testing.T) {
	ctx := context.Background()
	mem := durable.NewMemStore()
	s := newTestStore(t, t.TempDir(), mem)

	// History in durable only.
	mem.PutBatch(ctx, []types.Sample{scalar("ws/exp/loss", 1000, 0, 1)})
	// Recent data in cache.
	if _, err := s.Append(ctx, scalar("ws/exp/loss", 9000, 0, 9)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	mem.FailGets = func() error { return errors.ErrTransientStorage }

	got, partial, err := s.ReadRange(ctx, "ws/exp/loss", 0, 10000, 0)
	if !partial {
		t.Error("read during durable outage not marked partial")
	}
	if !errors.Is(err, errors.ErrTransientStorage) {
		t.Errorf("err = %v, want ErrTransientStorage", err)
	}
	if len(got) != 1 || got[0].TimestampMs != 9000 {
		t.Errorf("partial read = %+v, want the cached sample only", got)
	}
}

func TestRecoverReplaysWAL(t *testing.T) {
	ctx := context.Background()
	mem := durable.NewMemStore()
	walDir := t.TempDir()

	s1 := newTestStore(t, walDir, mem)
	for ts := int64(1000); ts <= 3000; ts += 1000 {
		if _, err := s1.Append(ctx, scalar("ws/exp/loss", ts, 0, float64(ts))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Crash before any flush: durable is empty, WAL holds everything.
	s1.wal.Close()
	if mem.Len() != 0 {
		t.Fatal("setup leaked samples into durable store")
	}

	s2 := newTestStore(t, walDir, mem)
	if err := s2.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if s2.Stats().ReplayedSamples != 3 {
		t.Errorf("ReplayedSamples = %d, want 3", s2.Stats().ReplayedSamples)
	}

	got, _, err := s2.ReadRange(ctx, "ws/exp/loss", 0, 5000, 0)
	if err != nil {
		t.Fatalf("ReadRange after recovery: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("read %d samples after recovery, want 3", len(got))
	}

	// Replayed samples flush on the next pass.
	if err := s2.Flush(ctx, "ws/exp/loss"); err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}
	if mem.Len() != 3 {
		t.Errorf("durable holds %d samples after recovery flush, want 3", mem.Len())
	}
}

func TestTrimConcurrentWithAppendsLosesNothing(t *testing.T) {
	ctx := context.Background()
	mem := durable.NewMemStore()
	walDir := t.TempDir()
	s1 := newTestStore(t, walDir, mem)

	// Trim and flush race against the append path. A WAL record written
	// but not yet inserted must never be trimmed away: every append that
	// was acknowledged and not flushed has to survive a crash.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s1.maybeTrimWAL()
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s1.Flush(ctx, "ws/exp/loss")
			}
		}
	}()

	const n = 500
	for i := 0; i < n; i++ {
		if _, err := s1.Append(ctx, scalar("ws/exp/loss", int64(i+1)*10, 0, float64(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	close(stop)
	wg.Wait()

	// Crash without a final flush: whatever the flusher did not reach
	// exists only in cache and WAL.
	s1.wal.Close()

	s2 := newTestStore(t, walDir, mem)
	if err := s2.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	got, _, err := s2.ReadRange(ctx, "ws/exp/loss", 0, int64(n+1)*10, 0)
	if err != nil {
		t.Fatalf("ReadRange after recovery: %v", err)
	}
	if len(got) != n {
		t.Fatalf("recovered %d samples, want %d", len(got), n)
	}
}

func TestReadLatest(t *testing.T) {
	ctx := context.Background()
	mem := durable.NewMemStore()
	s := newTestStore(t, t.TempDir(), mem)

	if _, ok, _ := s.ReadLatest(ctx, "ws/exp/loss"); ok {
		t.Fatal("empty feed reported a latest sample")
	}

	s.Append(ctx, scalar("ws/exp/loss", 1000, 0, 1))
	s.Append(ctx, scalar("ws/exp/loss", 3000, 0, 3))
	s.Append(ctx, scalar("ws/exp/loss", 2000, 0, 2))

	latest, ok, err := s.ReadLatest(ctx, "ws/exp/loss")
	if err != nil || !ok {
		t.Fatalf("ReadLatest: %v, ok=%v", err, ok)
	}
	if latest.TimestampMs != 3000 {
		t.Errorf("latest timestamp = %d, want 3000", latest.TimestampMs)
	}
}

func TestIterator(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, t.TempDir(), durable.NewMemStore())

	for ts := int64(1); ts <= 10; ts++ {
		s.Append(ctx, scalar("ws/exp/loss", ts*1000, 0, float64(ts)))
	}

	it := s.NewIterator("ws/exp/loss", 2000, 8000)

	var got []int64
	for it.Next(ctx) {
		got = append(got, it.Sample().TimestampMs)
	}
	if it.Err() != nil {
		t.Fatalf("iterator error: %v", it.Err())
	}
	if len(got) != 7 || got[0] != 2000 || got[6] != 8000 {
		t.Errorf("iterated %v", got)
	}

	// Restart covers the range again.
	it.Reset()
	count := 0
	for it.Next(ctx) {
		it.Sample()
		count++
	}
	if count != 7 {
		t.Errorf("restarted iterator yielded %d samples, want 7", count)
	}
}

func TestRemoveFeed(t *testing.T) {
	ctx := context.Background()
	mem := durable.NewMemStore()
	s := newTestStore(t, t.TempDir(), mem)

	s.Append(ctx, scalar("ws/exp/loss", 1000, 0, 1))
	s.Flush(ctx, "ws/exp/loss")

	if err := s.RemoveFeed(ctx, "ws/exp/loss"); err != nil {
		t.Fatalf("RemoveFeed: %v", err)
	}

	got, _, err := s.ReadRange(ctx, "ws/exp/loss", 0, 5000, 0)
	if err != nil {
		t.Fatalf("ReadRange after delete: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("read %d samples from deleted feed, want 0", len(got))
	}
}
