package client

import (
	"context"
	"testing"

	"github.com/labfeed/labfeed/internal/errors"
	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/tsstore/types"
	"github.com/labfeed/labfeed/internal/wire"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateClosing, "closing"},
		{StateClosed, "closed"},
		{State(99), "unknown(99)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		valid    bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateDisconnected, StateClosed, true},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateDisconnected, true},
		{StateConnected, StateDisconnected, true},
		{StateConnected, StateClosing, true},
		{StateClosing, StateClosed, true},

		// A closed client never comes back.
		{StateClosed, StateConnecting, false},
		{StateClosed, StateConnected, false},
		// No skipping the handshake.
		{StateDisconnected, StateConnected, false},
		{StateClosing, StateConnected, false},
	}

	for _, tt := range tests {
		c := New(nil)
		c.state.Store(int32(tt.from))

		err := c.transitionTo(tt.to)
		if tt.valid && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.valid && err == nil {
			t.Errorf("%s -> %s: transition allowed", tt.from, tt.to)
		}
	}
}

func TestTransitionFromWrongState(t *testing.T) {
	c := New(nil)
	c.state.Store(int32(StateConnected))

	if c.transitionFrom(StateDisconnected, StateConnecting) {
		t.Error("transitionFrom succeeded from the wrong state")
	}
	if got := c.State(); got != StateConnected {
		t.Errorf("state changed to %s", got)
	}
}

func TestRequestWhenDisconnected(t *testing.T) {
	c := New(nil)

	_, err := c.Publish(context.Background(), types.Sample{
		FeedID:    "ws/exp/loss",
		ValueType: feed.ValueScalar,
	}, nil)
	if !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestCloseBeforeConnect(t *testing.T) {
	c := New(nil)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := c.State(); got != StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
	if err := c.Connect(); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("Connect after Close err = %v, want ErrClosed", err)
	}
	// Close is idempotent.
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestWireToSample(t *testing.T) {
	orig := types.Sample{
		FeedID:      "ws/exp/activations",
		TimestampMs: 1234,
		Seq:         7,
		ValueType:   feed.ValueVector,
		Vector:      []float64{1.5, -2.5, 0},
		Late:        true,
	}
	payload, err := types.EncodePayload(&orig)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}

	got, err := wireToSample(&wire.Sample{
		FeedID:      orig.FeedID,
		TimestampMs: orig.TimestampMs,
		Seq:         orig.Seq,
		ValueType:   uint8(orig.ValueType),
		Payload:     payload,
		Late:        orig.Late,
	})
	if err != nil {
		t.Fatalf("wireToSample: %v", err)
	}

	if got.FeedID != orig.FeedID || got.TimestampMs != orig.TimestampMs ||
		got.Seq != orig.Seq || !got.Late {
		t.Errorf("header fields: %+v", got)
	}
	if len(got.Vector) != 3 || got.Vector[1] != -2.5 {
		t.Errorf("vector = %v", got.Vector)
	}
}
