package feed

import (
	"fmt"

	"github.com/labfeed/labfeed/internal/errors"
)

const maxSegmentLen = 128

// ValidateSegment checks a single path segment (workspace name,
// experiment name, or feed name). Segments are limited to letters,
// digits, '.', '_' and '-' so they compose into unambiguous feed ids
// and permission patterns.
func ValidateSegment(s string) error {
	if s == "" {
		return fmt.Errorf("empty segment: %w", errors.ErrInvalidName)
	}
	if len(s) > maxSegmentLen {
		return fmt.Errorf("segment %q exceeds %d characters: %w", s, maxSegmentLen, errors.ErrInvalidName)
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return fmt.Errorf("segment %q contains %q: %w", s, r, errors.ErrInvalidName)
		}
	}
	return nil
}

// ValidateID checks a full three-segment feed id.
func ValidateID(feedID string) error {
	ws, exp, name, ok := SplitID(feedID)
	if !ok {
		return fmt.Errorf("feed id %q is not workspace/experiment/name: %w", feedID, errors.ErrInvalidFeedID)
	}
	for _, seg := range []string{ws, exp, name} {
		if err := ValidateSegment(seg); err != nil {
			return fmt.Errorf("feed id %q: %w", feedID, err)
		}
	}
	return nil
}
