package backpressure

import (
	"testing"

	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/tsstore/buffer"
	"github.com/labfeed/labfeed/internal/tsstore/types"
)

func fillCache(t *testing.T, c *buffer.Cache, n int) {
	t.Helper()
	fb := c.GetOrCreate("ws/exp/load", buffer.FullCoverage)
	start := fb.Len()
	for i := 0; i < n; i++ {
		fb.Insert(types.Sample{
			FeedID:      "ws/exp/load",
			TimestampMs: int64(start + i),
			ValueType:   feed.ValueScalar,
		})
	}
}

func TestLevelEscalation(t *testing.T) {
	cache := buffer.NewCache(1, 100)
	ctrl := New(cache)

	if lvl := ctrl.Check(); lvl != LevelNormal {
		t.Fatalf("empty cache level = %v, want normal", lvl)
	}

	fillCache(t, cache, 75)
	if lvl := ctrl.Check(); lvl != LevelWarning {
		t.Errorf("75%% usage level = %v, want warning", lvl)
	}

	fillCache(t, cache, 12) // 87%
	if lvl := ctrl.Check(); lvl != LevelCritical {
		t.Errorf("87%% usage level = %v, want critical", lvl)
	}

	fillCache(t, cache, 10) // 97%
	if lvl := ctrl.Check(); lvl != LevelEmergency {
		t.Errorf("97%% usage level = %v, want emergency", lvl)
	}
	if !ctrl.ShouldReject() {
		t.Error("emergency level must reject publishes")
	}
}

func TestHysteresisOnRecovery(t *testing.T) {
	cache := buffer.NewCache(1, 100)
	ctrl := New(cache)

	fillCache(t, cache, 72)
	if lvl := ctrl.Check(); lvl != LevelWarning {
		t.Fatalf("setup level = %v, want warning", lvl)
	}

	// Drop just below the warning threshold: hysteresis holds the level.
	fb := cache.Get("ws/exp/load")
	var keys []types.Key
	for _, s := range fb.Unflushed(0) {
		keys = append(keys, s.Key())
	}
	fb.MarkFlushed(keys)
	fb.EvictFlushed(4) // 68%, above 70% - 5%

	if lvl := ctrl.Check(); lvl != LevelWarning {
		t.Errorf("level inside hysteresis band = %v, want warning held", lvl)
	}

	fb.EvictFlushed(10) // 58%, below the band
	if lvl := ctrl.Check(); lvl != LevelNormal {
		t.Errorf("level below hysteresis band = %v, want normal", lvl)
	}
}

func TestLevelChangeCallback(t *testing.T) {
	cache := buffer.NewCache(1, 100)
	ctrl := New(cache)

	var transitions [][2]Level
	ctrl.SetOnLevelChange(func(old, new Level) {
		transitions = append(transitions, [2]Level{old, new})
	})

	fillCache(t, cache, 96)
	ctrl.Check()

	if len(transitions) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(transitions))
	}
	if transitions[0][0] != LevelNormal || transitions[0][1] != LevelEmergency {
		t.Errorf("transition = %v", transitions[0])
	}

	st := ctrl.Stats()
	if st.LevelChanges != 1 || st.EmergencyCount != 1 {
		t.Errorf("stats = %+v", st)
	}
}
