package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/labfeed/labfeed/internal/errors"
	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/permission"
	"github.com/labfeed/labfeed/internal/tsstore"
	"github.com/labfeed/labfeed/internal/tsstore/durable"
	"github.com/labfeed/labfeed/internal/tsstore/types"
	"github.com/labfeed/labfeed/internal/tsstore/wal"
)

func newTestManager(t *testing.T, opts Options) (*Manager, *tsstore.Store, *permission.Store) {
	t.Helper()

	walOpts := wal.DefaultOptions()
	walOpts.SyncMode = "sync"
	w, err := wal.NewWriter(t.TempDir(), walOpts)
	if err != nil {
		t.Fatalf("wal.NewWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	store := tsstore.New(w, durable.NewMemStore(), tsstore.DefaultOptions())
	perms := permission.NewStore()
	return NewManager(perms, store, opts), store, perms
}

func sample(ts int64, seq uint32) types.Sample {
	return types.Sample{
		FeedID:      "ws/exp/loss",
		TimestampMs: ts,
		Seq:         seq,
		ValueType:   feed.ValueScalar,
		Scalar:      float64(ts),
	}
}

func drain(sub *Subscription, max int, timeout time.Duration) []types.Sample {
	var out []types.Sample
	deadline := time.After(timeout)
	for len(out) < max {
		select {
		case s, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, s)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestSubscribeDeniedWithoutReadGrant(t *testing.T) {
	m, _, perms := newTestManager(t, DefaultOptions())
	// Write grant only: read does not follow from write.
	perms.Grant("alice", permission.MustParsePattern("ws/exp/*"), permission.CapWrite)

	_, err := m.Subscribe(context.Background(), "alice", "ws/exp/loss", -1)
	if !errors.Is(err, errors.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if m.Count() != 0 {
		t.Error("denied subscribe left a subscription behind")
	}
	if m.Stats().Denied != 1 {
		t.Errorf("Denied = %d, want 1", m.Stats().Denied)
	}
}

func TestLiveDelivery(t *testing.T) {
	m, _, perms := newTestManager(t, DefaultOptions())
	perms.Grant("alice", permission.MustParsePattern("ws/exp/*"), permission.CapRead)

	sub, err := m.Subscribe(context.Background(), "alice", "ws/exp/loss", -1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.State() != StateStreaming {
		t.Fatalf("state = %v, want streaming", sub.State())
	}

	m.Broadcast(sample(1000, 0))
	m.Broadcast(sample(2000, 0))

	got := drain(sub, 2, time.Second)
	if len(got) != 2 || got[0].TimestampMs != 1000 || got[1].TimestampMs != 2000 {
		t.Errorf("delivered %+v", got)
	}
}

func TestBacklogThenLiveNoDuplicates(t *testing.T) {
	ctx := context.Background()
	m, store, perms := newTestManager(t, DefaultOptions())
	perms.Grant("alice", permission.MustParsePattern("ws/exp/*"), permission.CapRead)

	// Backlog in the store.
	for ts := int64(1000); ts <= 3000; ts += 1000 {
		if _, err := store.Append(ctx, sample(ts, 0)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	sub, err := m.Subscribe(ctx, "alice", "ws/exp/loss", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// A live sample that the backlog already covered must not repeat,
	// a new one must arrive.
	m.Broadcast(sample(3000, 0))
	m.Broadcast(sample(4000, 0))

	got := drain(sub, 4, time.Second)
	want := []int64{1000, 2000, 3000, 4000}
	if len(got) != len(want) {
		t.Fatalf("delivered %d samples, want %d: %+v", len(got), len(want), got)
	}
	for i, ts := range want {
		if got[i].TimestampMs != ts {
			t.Errorf("sample %d: timestamp %d, want %d", i, got[i].TimestampMs, ts)
		}
	}
}

func TestSubscribeFromTimeFiltersBacklog(t *testing.T) {
	ctx := context.Background()
	m, store, perms := newTestManager(t, DefaultOptions())
	perms.Grant("alice", permission.MustParsePattern("ws/exp/*"), permission.CapRead)

	for ts := int64(1000); ts <= 5000; ts += 1000 {
		store.Append(ctx, sample(ts, 0))
	}

	sub, err := m.Subscribe(ctx, "alice", "ws/exp/loss", 3000)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	got := drain(sub, 3, 500*time.Millisecond)
	if len(got) != 3 || got[0].TimestampMs != 3000 {
		t.Errorf("backlog from 3000 delivered %+v", got)
	}
}

func TestBacklogReplaySpansIteratorPages(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions()
	opts.QueueSize = 2000
	m, store, perms := newTestManager(t, opts)
	perms.Grant("alice", permission.MustParsePattern("ws/exp/*"), permission.CapRead)

	// More backlog than one iterator page fetch.
	const n = 1200
	for i := 0; i < n; i++ {
		if _, err := store.Append(ctx, sample(int64(i+1)*10, 0)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	sub, err := m.Subscribe(ctx, "alice", "ws/exp/loss", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	got := drain(sub, n, 5*time.Second)
	if len(got) != n {
		t.Fatalf("backlog delivered %d samples, want %d", len(got), n)
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].Key().Less(got[i].Key()) {
			t.Fatalf("backlog out of order at %d: %+v then %+v", i, got[i-1].Key(), got[i].Key())
		}
	}
}

func TestSlowConsumerDisconnected(t *testing.T) {
	opts := Options{
		QueueSize:   1,
		SendTimeout: 5 * time.Millisecond,
		MaxDrops:    2,
	}
	m, _, perms := newTestManager(t, opts)
	perms.Grant("alice", permission.MustParsePattern("ws/exp/*"), permission.CapRead)

	sub, err := m.Subscribe(context.Background(), "alice", "ws/exp/loss", -1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Never read from sub.C(): fill the queue, then exceed MaxDrops.
	m.Broadcast(sample(1, 0)) // fills the queue
	m.Broadcast(sample(2, 0)) // drop 1
	m.Broadcast(sample(3, 0)) // drop 2 -> disconnect

	deadline := time.Now().Add(time.Second)
	for sub.State() != StateClosed && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sub.State() != StateClosed {
		t.Fatal("slow consumer not disconnected")
	}
	if m.Count() != 0 {
		t.Error("closed subscription still indexed")
	}
	if m.Stats().SlowDisconnect != 1 {
		t.Errorf("SlowDisconnect = %d, want 1", m.Stats().SlowDisconnect)
	}

	// The channel must be closed so the consumer observes the cut.
	if _, ok := <-sub.C(); ok {
		// One buffered sample may remain; the channel must end after it.
		if _, ok := <-sub.C(); ok {
			t.Error("delivery channel not closed after disconnect")
		}
	}
}

func TestUnsubscribeDuringBlockedDelivery(t *testing.T) {
	opts := Options{
		QueueSize:   1,
		SendTimeout: 250 * time.Millisecond,
		MaxDrops:    100,
	}
	m, _, perms := newTestManager(t, opts)
	perms.Grant("alice", permission.MustParsePattern("ws/exp/*"), permission.CapRead)

	sub, err := m.Subscribe(context.Background(), "alice", "ws/exp/loss", -1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Fill the queue so the next delivery waits in the timed send, then
	// close the subscription out from under it. The delivery must abort
	// cleanly, not hit a closed channel.
	m.Broadcast(sample(1, 0))

	broadcastDone := make(chan struct{})
	go func() {
		defer close(broadcastDone)
		m.Broadcast(sample(2, 0))
	}()

	time.Sleep(20 * time.Millisecond)
	if err := m.Unsubscribe(sub.ID()); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	select {
	case <-broadcastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast did not return after unsubscribe")
	}

	// The consumer still observes the channel closing, possibly after
	// draining what was buffered.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("delivery channel not closed after unsubscribe")
		}
	}
}

func TestBroadcastConcurrentWithCloseFeed(t *testing.T) {
	opts := Options{
		QueueSize:   1,
		SendTimeout: 5 * time.Millisecond,
		MaxDrops:    1000,
	}
	m, _, perms := newTestManager(t, opts)
	perms.Grant("alice", permission.MustParsePattern("ws/exp/*"), permission.CapRead)

	for i := 0; i < 20; i++ {
		if _, err := m.Subscribe(context.Background(), "alice", "ws/exp/loss", -1); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for ts := int64(1); ts <= 10; ts++ {
				m.Broadcast(sample(ts, 0))
			}
		}()
		m.CloseFeed("ws/exp/loss")
		<-done
	}

	if m.Count() != 0 {
		t.Errorf("%d subscriptions still indexed", m.Count())
	}
}

func TestUnsubscribe(t *testing.T) {
	m, _, perms := newTestManager(t, DefaultOptions())
	perms.Grant("alice", permission.MustParsePattern("ws/exp/*"), permission.CapRead)

	sub, err := m.Subscribe(context.Background(), "alice", "ws/exp/loss", -1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := m.Unsubscribe(sub.ID()); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if sub.State() != StateClosed {
		t.Errorf("state = %v after unsubscribe, want closed", sub.State())
	}
	if m.Count() != 0 {
		t.Error("unsubscribed subscription still indexed")
	}

	if err := m.Unsubscribe(sub.ID()); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("second Unsubscribe err = %v, want ErrNotFound", err)
	}
}

func TestCloseFeed(t *testing.T) {
	m, _, perms := newTestManager(t, DefaultOptions())
	perms.Grant("alice", permission.MustParsePattern("ws/exp/*"), permission.CapRead)
	perms.Grant("bob", permission.MustParsePattern("ws/exp/*"), permission.CapRead)

	a, _ := m.Subscribe(context.Background(), "alice", "ws/exp/loss", -1)
	b, _ := m.Subscribe(context.Background(), "bob", "ws/exp/loss", -1)

	m.CloseFeed("ws/exp/loss")

	if a.State() != StateClosed || b.State() != StateClosed {
		t.Error("feed deletion did not close its subscriptions")
	}
	if m.Count() != 0 {
		t.Error("subscriptions still indexed after feed close")
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateRequested:  "requested",
		StateAuthorized: "authorized",
		StateDenied:     "denied",
		StateStreaming:  "streaming",
		StateClosed:     "closed",
	}
	for state, want := range states {
		if state.String() != want {
			t.Errorf("%d.String() = %q, want %q", state, state.String(), want)
		}
	}
}
