package permission

import (
	"testing"

	"github.com/labfeed/labfeed/internal/errors"
)

// =============================================================================
// Patterns
// =============================================================================

func TestParsePattern(t *testing.T) {
	tests := []struct {
		in      string
		exact   bool
		wantErr bool
	}{
		{"ws/exp/temp", true, false},
		{"ws/exp/*", false, false},
		{"ws/*", false, false},

		{"", false, true},
		{"*", false, true},             // global wildcard is not grantable
		{"ws/exp/temp/*", false, true}, // wildcard below feed level
		{"ws/exp", false, true},        // not a feed id, not a wildcard
		{"ws//*", false, true},         // empty segment
		{"ws/ex p/*", false, true},     // invalid segment characters
	}

	for _, tt := range tests {
		p, err := ParsePattern(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParsePattern(%q) accepted", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePattern(%q): %v", tt.in, err)
			continue
		}
		if p.IsExact() != tt.exact {
			t.Errorf("ParsePattern(%q).IsExact() = %v", tt.in, p.IsExact())
		}
		if p.String() != tt.in {
			t.Errorf("ParsePattern(%q).String() = %q", tt.in, p.String())
		}
	}
}

func TestPatternMatches(t *testing.T) {
	tests := []struct {
		pattern string
		feedID  string
		want    bool
	}{
		{"ws/exp/temp", "ws/exp/temp", true},
		{"ws/exp/temp", "ws/exp/temp2", false},

		{"ws/exp/*", "ws/exp/temp", true},
		{"ws/exp/*", "ws/exp/loss", true},
		{"ws/exp/*", "ws/exp2/temp", false},
		{"ws/exp/*", "ws2/exp/temp", false},

		{"ws/*", "ws/exp/temp", true},
		{"ws/*", "ws/other/temp", true},
		{"ws/*", "wsx/exp/temp", false},
	}

	for _, tt := range tests {
		p := MustParsePattern(tt.pattern)
		if got := p.Matches(tt.feedID); got != tt.want {
			t.Errorf("%q.Matches(%q) = %v, want %v", tt.pattern, tt.feedID, got, tt.want)
		}
	}
}

func TestParseCapability(t *testing.T) {
	if c, err := ParseCapability("read"); err != nil || c != CapRead {
		t.Errorf("read: %v %v", c, err)
	}
	if c, err := ParseCapability("write"); err != nil || c != CapWrite {
		t.Errorf("write: %v %v", c, err)
	}
	if _, err := ParseCapability("admin"); !errors.Is(err, errors.ErrInvalidPattern) {
		t.Errorf("admin err = %v", err)
	}
}

func TestCapabilitySet(t *testing.T) {
	var s CapabilitySet
	s = s.Add(CapRead)
	if !s.Has(CapRead) || s.Has(CapWrite) {
		t.Errorf("after Add(read): %s", s)
	}
	s = s.Add(CapWrite)
	if s.String() != "read,write" {
		t.Errorf("String() = %q", s.String())
	}
	s = s.Remove(CapRead)
	if s.Has(CapRead) || !s.Has(CapWrite) {
		t.Errorf("after Remove(read): %s", s)
	}
}

// =============================================================================
// Store
// =============================================================================

func TestStoreDefaultDeny(t *testing.T) {
	s := NewStore()

	if s.Check("alice", "ws/exp/temp", CapRead) {
		t.Error("empty store granted access")
	}

	// Write does not imply read and vice versa.
	s.Grant("alice", MustParsePattern("ws/exp/*"), CapWrite)
	if s.Check("alice", "ws/exp/temp", CapRead) {
		t.Error("write grant satisfied a read check")
	}
	if !s.Check("alice", "ws/exp/temp", CapWrite) {
		t.Error("write grant did not satisfy a write check")
	}

	// Grants are per user.
	if s.Check("bob", "ws/exp/temp", CapWrite) {
		t.Error("alice's grant leaked to bob")
	}
}

func TestStoreRevoke(t *testing.T) {
	s := NewStore()
	p := MustParsePattern("ws/exp/*")

	s.Grant("alice", p, CapRead)
	s.Grant("alice", p, CapWrite)
	s.Revoke("alice", p, CapWrite)

	if s.Check("alice", "ws/exp/temp", CapWrite) {
		t.Error("write survived revoke")
	}
	if !s.Check("alice", "ws/exp/temp", CapRead) {
		t.Error("read removed by revoking write")
	}

	// Revoking everything removes the user entirely.
	s.Revoke("alice", p, CapRead)
	if got := s.Dump("alice"); got != nil {
		t.Errorf("Dump after full revoke = %v", got)
	}

	// No-ops.
	s.Revoke("alice", p, CapRead)
	s.Revoke("ghost", p, CapRead)
}

func TestStoreOverlappingPatterns(t *testing.T) {
	s := NewStore()
	s.Grant("alice", MustParsePattern("ws/*"), CapRead)
	s.Grant("alice", MustParsePattern("ws/exp/temp"), CapWrite)

	if !s.Check("alice", "ws/other/loss", CapRead) {
		t.Error("workspace read grant did not cover sibling experiment")
	}
	if !s.Check("alice", "ws/exp/temp", CapWrite) {
		t.Error("exact write grant not honored")
	}
	if s.Check("alice", "ws/exp/loss", CapWrite) {
		t.Error("exact write grant covered a different feed")
	}
}

func TestStoreSnapshot(t *testing.T) {
	s := NewStore()
	s.Grant("alice", MustParsePattern("ws/exp/*"), CapRead)
	s.Grant("alice", MustParsePattern("ws/exp/*"), CapWrite)
	s.Grant("bob", MustParsePattern("ws/exp/temp"), CapRead)

	rows := s.Snapshot()
	if len(rows) != 2 {
		t.Fatalf("Snapshot rows = %d, want 2", len(rows))
	}
	byUser := make(map[string]GrantRow)
	for _, r := range rows {
		byUser[r.User] = r
	}
	if r := byUser["alice"]; r.Pattern != "ws/exp/*" || !r.Caps.Has(CapRead) || !r.Caps.Has(CapWrite) {
		t.Errorf("alice row = %+v", r)
	}
	if r := byUser["bob"]; r.Pattern != "ws/exp/temp" || r.Caps.Has(CapWrite) {
		t.Errorf("bob row = %+v", r)
	}
}

func TestStoreStats(t *testing.T) {
	s := NewStore()
	s.Grant("alice", MustParsePattern("ws/exp/*"), CapRead)

	s.Check("alice", "ws/exp/temp", CapRead)
	s.Check("alice", "ws/exp/temp", CapWrite)

	stats := s.Stats()
	if stats.Users != 1 || stats.Patterns != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Checks != 2 || stats.Denials != 1 {
		t.Errorf("check counts = %+v", stats)
	}
}
