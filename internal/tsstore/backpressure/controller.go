// Package backpressure derives a pressure level from cache utilization
// so ingestion can shed load before the cache fills with unflushed
// samples.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/labfeed/labfeed/internal/tsstore/buffer"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - system operating normally.
	LevelNormal Level = iota

	// LevelWarning - elevated load, pause background work.
	LevelWarning

	// LevelCritical - high load, throttle publishers.
	LevelCritical

	// LevelEmergency - overload, reject publishes until flushing
	// catches up.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Thresholds are cache usage ratios at which each level engages.
type Thresholds struct {
	Warning   float64
	Critical  float64
	Emergency float64
}

// DefaultThresholds returns the default level thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:   0.70,
		Critical:  0.85,
		Emergency: 0.95,
	}
}

// Controller tracks cache utilization and maps it to a pressure level.
// Recovery applies hysteresis so the level does not flap around a
// threshold.
type Controller struct {
	mu sync.Mutex

	cache      *buffer.Cache
	thresholds Thresholds
	hysteresis float64

	level     atomic.Int32
	lastLevel Level

	// Statistics
	stats Stats

	onLevelChange func(old, new Level)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges     int64
	EmergencyCount   int64
	PublishesDropped int64
}

// New creates a controller over the given cache with default
// thresholds and 5% hysteresis.
func New(cache *buffer.Cache) *Controller {
	return &Controller{
		cache:      cache,
		thresholds: DefaultThresholds(),
		hysteresis: 0.05,
	}
}

// SetOnLevelChange sets the callback fired on level transitions.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check evaluates cache usage and updates the level. Called
// periodically and after flush passes.
func (c *Controller) Check() Level {
	c.mu.Lock()
	defer c.mu.Unlock()

	usage := c.cache.Usage()
	newLevel := c.determineLevel(usage)

	if newLevel != c.lastLevel {
		old := c.lastLevel
		c.lastLevel = newLevel
		c.level.Store(int32(newLevel))
		c.stats.LevelChanges++
		if newLevel == LevelEmergency {
			c.stats.EmergencyCount++
		}
		if c.onLevelChange != nil {
			c.onLevelChange(old, newLevel)
		}
	}

	return newLevel
}

// determineLevel applies thresholds upward and hysteresis downward.
func (c *Controller) determineLevel(usage float64) Level {
	t := c.thresholds

	if usage >= t.Emergency {
		return LevelEmergency
	}
	if usage >= t.Critical {
		return LevelCritical
	}
	if usage >= t.Warning {
		return LevelWarning
	}

	switch c.lastLevel {
	case LevelEmergency:
		if usage < t.Emergency-c.hysteresis {
			return LevelCritical
		}
		return LevelEmergency
	case LevelCritical:
		if usage < t.Critical-c.hysteresis {
			return LevelWarning
		}
		return LevelCritical
	case LevelWarning:
		if usage < t.Warning-c.hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

// CurrentLevel returns the current level without re-evaluating.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldReject reports whether publishes must be rejected.
func (c *Controller) ShouldReject() bool {
	return c.CurrentLevel() == LevelEmergency
}

// ShouldThrottle reports whether publishers should be slowed.
func (c *Controller) ShouldThrottle() bool {
	return c.CurrentLevel() >= LevelCritical
}

// ThrottleDelay returns the recommended delay before accepting the
// next publish.
func (c *Controller) ThrottleDelay() time.Duration {
	switch c.CurrentLevel() {
	case LevelCritical:
		return 10 * time.Millisecond
	case LevelEmergency:
		return 100 * time.Millisecond
	default:
		return 0
	}
}

// RecordDrop counts a rejected publish.
func (c *Controller) RecordDrop() {
	c.mu.Lock()
	c.stats.PublishesDropped++
	c.mu.Unlock()
}

// Stats returns controller statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ControllerStats{
		CurrentLevel:     c.lastLevel,
		LevelChanges:     c.stats.LevelChanges,
		EmergencyCount:   c.stats.EmergencyCount,
		PublishesDropped: c.stats.PublishesDropped,
		CacheUsage:       c.cache.Usage(),
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel     Level
	LevelChanges     int64
	EmergencyCount   int64
	PublishesDropped int64
	CacheUsage       float64
}
