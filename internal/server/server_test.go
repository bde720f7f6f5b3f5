package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/labfeed/labfeed/internal/client"
	"github.com/labfeed/labfeed/internal/coordinator"
	"github.com/labfeed/labfeed/internal/errors"
	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/subscription"
	"github.com/labfeed/labfeed/internal/tsstore"
	"github.com/labfeed/labfeed/internal/tsstore/durable"
	"github.com/labfeed/labfeed/internal/tsstore/types"
	"github.com/labfeed/labfeed/internal/tsstore/wal"
	"github.com/labfeed/labfeed/internal/wire"
)

// =============================================================================
// Test Harness
// =============================================================================

func startTestServer(t *testing.T) *Server {
	t.Helper()

	dir := t.TempDir()
	walOpts := wal.DefaultOptions()
	walOpts.SyncMode = "sync"

	coord, err := coordinator.New(coordinator.Config{
		RegistryPath: filepath.Join(dir, "registry.db"),
		WALDir:       filepath.Join(dir, "wal"),
		WAL:          walOpts,
		Durable:      durable.NewMemStore(),
		Store: tsstore.Options{
			FlushInterval:  10 * time.Millisecond,
			RetryBaseDelay: time.Millisecond,
			RetryMaxDelay:  10 * time.Millisecond,
			RetryWindow:    5 * time.Millisecond,
		},
		Subscription:           subscription.DefaultOptions(),
		RetentionCheckInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("coordinator.Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		coord.Stop(ctx)
	})

	srv := New(&Config{
		Backend: coord,
		Listen:  "127.0.0.1:0",
		Tokens: []TokenConfig{
			{User: "root", Token: "root-token", Admin: true},
			{User: "alice", Token: "alice-token"},
			{User: "bob", Token: "bob-token"},
		},
		AuthTimeoutSec: 2,
	})

	go srv.Run()
	t.Cleanup(srv.Shutdown)

	// Wait for the listener to come up.
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv
}

func dialClient(t *testing.T, srv *Server, token string) *client.Client {
	t.Helper()

	c := client.New(&client.Config{
		Addr:           srv.Addr(),
		Token:          token,
		RequestTimeout: 5 * time.Second,
	})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect(%s): %v", token, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// =============================================================================
// Rate Limiter
// =============================================================================

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	if rl.IsBlocked("10.0.0.1") {
		t.Error("fresh IP blocked")
	}
	for i := 0; i < 3; i++ {
		rl.RecordFailure("10.0.0.1")
	}
	if !rl.IsBlocked("10.0.0.1") {
		t.Error("IP not blocked after reaching the limit")
	}
	if rl.IsBlocked("10.0.0.2") {
		t.Error("unrelated IP blocked")
	}

	rl.Reset("10.0.0.1")
	if rl.IsBlocked("10.0.0.1") {
		t.Error("IP still blocked after reset")
	}
	if got := rl.FailureCount("10.0.0.1"); got != 0 {
		t.Errorf("FailureCount after reset = %d", got)
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)

	rl.RecordFailure("10.0.0.1")
	if !rl.IsBlocked("10.0.0.1") {
		t.Fatal("not blocked inside the window")
	}

	time.Sleep(20 * time.Millisecond)
	if rl.IsBlocked("10.0.0.1") {
		t.Error("still blocked after the window expired")
	}

	rl.cleanup()
	if got := rl.FailureCount("10.0.0.1"); got != 0 {
		t.Errorf("FailureCount after cleanup = %d", got)
	}
}

// =============================================================================
// Authentication
// =============================================================================

func TestAuthInvalidToken(t *testing.T) {
	srv := startTestServer(t)

	c := client.New(&client.Config{Addr: srv.Addr(), Token: "wrong"})
	err := c.Connect()
	if !errors.Is(err, errors.ErrInvalidToken) {
		t.Errorf("Connect err = %v, want ErrInvalidToken", err)
	}
}

func TestFirstMessageMustBeAuth(t *testing.T) {
	srv := startTestServer(t)

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	w := wire.NewConn(conn)

	if err := w.Write(&wire.Envelope{
		Id:         1,
		Type:       wire.TypeReadLatest,
		ReadLatest: &wire.ReadLatest{FeedID: "ws/exp/loss"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	env, err := w.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != wire.TypeError || env.Error == nil || env.Error.Code != errors.CodeNotAuthenticated {
		t.Errorf("reply = %+v, want not-authenticated error", env)
	}
}

// =============================================================================
// End To End
// =============================================================================

func TestEndToEnd(t *testing.T) {
	srv := startTestServer(t)
	ctx := context.Background()

	admin := dialClient(t, srv, "root-token")
	alice := dialClient(t, srv, "alice-token")
	bob := dialClient(t, srv, "bob-token")

	if admin.SessionID() == "" {
		t.Error("empty session id after auth")
	}

	// Admin hands out grants; alice may not.
	if err := alice.Grant(ctx, "alice", "ws/exp/*", "write"); !errors.Is(err, errors.ErrPermissionDenied) {
		t.Errorf("non-admin grant err = %v, want ErrPermissionDenied", err)
	}
	for _, g := range []struct{ user, cap string }{
		{"alice", "write"}, {"alice", "read"}, {"bob", "read"},
	} {
		if err := admin.Grant(ctx, g.user, "ws/exp/*", g.cap); err != nil {
			t.Fatalf("Grant(%s, %s): %v", g.user, g.cap, err)
		}
	}

	if err := alice.CreateFeed(ctx, "ws/exp/loss", feed.ValueScalar, 0); err != nil {
		t.Fatalf("CreateFeed: %v", err)
	}

	// bob subscribes live before any data arrives.
	delivered := make(chan types.Sample, 16)
	bob.OnSample(func(s types.Sample) { delivered <- s })
	subID, err := bob.Subscribe(ctx, "ws/exp/loss", -1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ack, err := alice.Publish(ctx, types.Sample{
		FeedID:      "ws/exp/loss",
		TimestampMs: 1000,
		ValueType:   feed.ValueScalar,
		Scalar:      0.5,
	}, nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ack.TimestampMs != 1000 {
		t.Errorf("ack = %+v", ack)
	}

	select {
	case s := <-delivered:
		if s.FeedID != "ws/exp/loss" || s.TimestampMs != 1000 || s.Scalar != 0.5 {
			t.Errorf("delivered %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live sample not delivered")
	}

	// Stored reads via both paths.
	samples, partial, err := alice.ReadRange(ctx, "ws/exp/loss", 0, 2000, 0)
	if err != nil || partial {
		t.Fatalf("ReadRange: %d samples, partial=%v, err=%v", len(samples), partial, err)
	}
	if len(samples) != 1 || samples[0].Scalar != 0.5 {
		t.Errorf("ReadRange = %+v", samples)
	}

	latest, ok, err := alice.ReadLatest(ctx, "ws/exp/loss")
	if err != nil || !ok {
		t.Fatalf("ReadLatest: ok=%v err=%v", ok, err)
	}
	if latest.TimestampMs != 1000 {
		t.Errorf("ReadLatest = %+v", latest)
	}

	// bob can read but not write.
	if _, err := bob.Publish(ctx, types.Sample{
		FeedID:      "ws/exp/loss",
		TimestampMs: 2000,
		ValueType:   feed.ValueScalar,
		Scalar:      0.4,
	}, nil); !errors.Is(err, errors.ErrPermissionDenied) {
		t.Errorf("bob publish err = %v, want ErrPermissionDenied", err)
	}

	if err := bob.Unsubscribe(ctx, subID); err != nil {
		t.Errorf("Unsubscribe: %v", err)
	}

	if err := alice.DeleteFeed(ctx, "ws/exp/loss"); err != nil {
		t.Fatalf("DeleteFeed: %v", err)
	}
	if _, _, err := alice.ReadRange(ctx, "ws/exp/loss", 0, 5000, 0); !errors.Is(err, errors.ErrFeedNotFound) {
		t.Errorf("read after delete err = %v, want ErrFeedNotFound", err)
	}
}

func TestSeqHintIdempotentOverWire(t *testing.T) {
	srv := startTestServer(t)
	ctx := context.Background()

	admin := dialClient(t, srv, "root-token")
	if err := admin.Grant(ctx, "alice", "ws/exp/*", "write"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := admin.Grant(ctx, "alice", "ws/exp/*", "read"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	alice := dialClient(t, srv, "alice-token")
	if err := alice.CreateFeed(ctx, "ws/exp/loss", feed.ValueScalar, 0); err != nil {
		t.Fatalf("CreateFeed: %v", err)
	}

	seq := uint32(7)
	sample := types.Sample{
		FeedID:      "ws/exp/loss",
		TimestampMs: 1000,
		ValueType:   feed.ValueScalar,
		Scalar:      0.5,
	}
	// Redelivery of the same (timestamp, seq) must not duplicate.
	for i := 0; i < 2; i++ {
		if _, err := alice.Publish(ctx, sample, &seq); err != nil {
			t.Fatalf("Publish attempt %d: %v", i, err)
		}
	}

	samples, _, err := alice.ReadRange(ctx, "ws/exp/loss", 0, 2000, 0)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(samples) != 1 {
		t.Errorf("got %d samples after redelivery, want 1", len(samples))
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	srv := startTestServer(t)

	c := dialClient(t, srv, "alice-token")
	disconnected := make(chan error, 1)
	c.OnDisconnect(func(err error) { disconnected <- err })

	srv.Shutdown()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Error("client not disconnected by shutdown")
	}
	if got := srv.SessionCount(); got != 0 {
		t.Errorf("SessionCount after shutdown = %d", got)
	}
}
