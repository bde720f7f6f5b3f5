// Package permission implements the per-user, per-feed access control
// store. Absence of a grant implies denial.
package permission

import (
	"fmt"
	"strings"

	"github.com/labfeed/labfeed/internal/errors"
	"github.com/labfeed/labfeed/internal/feed"
)

// Capability is the access right a grant conveys. Write does not imply
// read; a publisher that also consumes needs both grants.
type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
)

// String returns the string representation of the capability.
func (c Capability) String() string {
	switch c {
	case CapRead:
		return "read"
	case CapWrite:
		return "write"
	default:
		return "unknown"
	}
}

// ParseCapability parses a capability string.
func ParseCapability(s string) (Capability, error) {
	switch s {
	case "read":
		return CapRead, nil
	case "write":
		return CapWrite, nil
	default:
		return 0, fmt.Errorf("capability %q: %w", s, errors.ErrInvalidPattern)
	}
}

// CapabilitySet is a bit set of capabilities.
type CapabilitySet uint8

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	return s&CapabilitySet(c) != 0
}

// Add returns the set with c added.
func (s CapabilitySet) Add(c Capability) CapabilitySet {
	return s | CapabilitySet(c)
}

// Remove returns the set with c removed.
func (s CapabilitySet) Remove(c Capability) CapabilitySet {
	return s &^ CapabilitySet(c)
}

// String returns "read", "write", "read,write" or "".
func (s CapabilitySet) String() string {
	var parts []string
	if s.Has(CapRead) {
		parts = append(parts, "read")
	}
	if s.Has(CapWrite) {
		parts = append(parts, "write")
	}
	return strings.Join(parts, ",")
}

// patternKind discriminates the Pattern variant.
type patternKind uint8

const (
	kindExact patternKind = iota
	kindPrefix
)

// Pattern is a feed pattern: either an exact three-segment feed id, or
// a wildcard scoped to a workspace ("ws/*") or experiment ("ws/exp/*")
// prefix. It is a small tagged variant evaluated by an explicit
// matcher, never by string comparison at check time.
type Pattern struct {
	kind   patternKind
	prefix string // exact feed id, or prefix without the trailing "/*"
}

// ParsePattern parses a pattern string.
//
//	"ws/exp/temp"  matches exactly that feed
//	"ws/exp/*"     matches every feed of the experiment
//	"ws/*"         matches every feed of the workspace
func ParsePattern(s string) (Pattern, error) {
	if s == "" || s == "*" {
		return Pattern{}, fmt.Errorf("pattern %q must be scoped to a workspace or experiment: %w",
			s, errors.ErrInvalidPattern)
	}

	if rest, ok := strings.CutSuffix(s, "/*"); ok {
		segs := strings.Split(rest, "/")
		if len(segs) != 1 && len(segs) != 2 {
			return Pattern{}, fmt.Errorf("pattern %q: wildcard must follow a workspace or experiment prefix: %w",
				s, errors.ErrInvalidPattern)
		}
		for _, seg := range segs {
			if err := feed.ValidateSegment(seg); err != nil {
				return Pattern{}, fmt.Errorf("pattern %q: %w", s, err)
			}
		}
		return Pattern{kind: kindPrefix, prefix: rest}, nil
	}

	if err := feed.ValidateID(s); err != nil {
		return Pattern{}, fmt.Errorf("pattern %q: %w", s, err)
	}
	return Pattern{kind: kindExact, prefix: s}, nil
}

// MustParsePattern parses a pattern and panics on error. For tests and
// static configuration only.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Matches reports whether the pattern covers feedID.
func (p Pattern) Matches(feedID string) bool {
	switch p.kind {
	case kindExact:
		return feedID == p.prefix
	case kindPrefix:
		return strings.HasPrefix(feedID, p.prefix+"/")
	default:
		return false
	}
}

// IsExact reports whether the pattern names a single feed.
func (p Pattern) IsExact() bool {
	return p.kind == kindExact
}

// String returns the canonical pattern string.
func (p Pattern) String() string {
	if p.kind == kindPrefix {
		return p.prefix + "/*"
	}
	return p.prefix
}
