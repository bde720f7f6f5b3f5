package permission

import (
	"sync"
	"sync/atomic"
)

// Store holds permission grants and answers hot-path checks.
//
// Lookups never fail with an error: an unknown user or feed simply
// yields false (default-deny). Grant and Revoke are idempotent.
// Concurrent Grant/Revoke/Check are linearizable per (user, pattern)
// key; Dump is a point-in-time snapshot of one user's grants.
//
// Store is safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	// user -> canonical pattern string -> (pattern, capability set)
	grants map[string]map[string]grantEntry

	// Statistics
	checkCount  atomic.Int64
	denyCount   atomic.Int64
	grantCount  atomic.Int64
	revokeCount atomic.Int64
}

type grantEntry struct {
	pattern Pattern
	caps    CapabilitySet
}

// NewStore creates an empty permission store.
func NewStore() *Store {
	return &Store{
		grants: make(map[string]map[string]grantEntry),
	}
}

// Grant adds a capability grant for a user. Adding an existing grant is
// a no-op.
func (s *Store) Grant(user string, pattern Pattern, cap Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPattern := s.grants[user]
	if byPattern == nil {
		byPattern = make(map[string]grantEntry)
		s.grants[user] = byPattern
	}

	key := pattern.String()
	entry := byPattern[key]
	entry.pattern = pattern
	entry.caps = entry.caps.Add(cap)
	byPattern[key] = entry

	s.grantCount.Add(1)
}

// Revoke removes a capability grant. Revoking a non-existent grant is a
// no-op.
func (s *Store) Revoke(user string, pattern Pattern, cap Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPattern := s.grants[user]
	if byPattern == nil {
		return
	}

	key := pattern.String()
	entry, ok := byPattern[key]
	if !ok {
		return
	}

	entry.caps = entry.caps.Remove(cap)
	if entry.caps == 0 {
		delete(byPattern, key)
		if len(byPattern) == 0 {
			delete(s.grants, user)
		}
	} else {
		byPattern[key] = entry
	}

	s.revokeCount.Add(1)
}

// Check reports whether some grant of user covers feedID with the
// requested capability. It never returns an error.
func (s *Store) Check(user, feedID string, cap Capability) bool {
	s.checkCount.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	byPattern := s.grants[user]
	for _, entry := range byPattern {
		if entry.caps.Has(cap) && entry.pattern.Matches(feedID) {
			return true
		}
	}

	s.denyCount.Add(1)
	return false
}

// Dump returns a snapshot of a user's grants keyed by canonical pattern
// string. Used for audit and UI, not on the hot path.
func (s *Store) Dump(user string) map[string]CapabilitySet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPattern := s.grants[user]
	if len(byPattern) == 0 {
		return nil
	}

	out := make(map[string]CapabilitySet, len(byPattern))
	for key, entry := range byPattern {
		out[key] = entry.caps
	}
	return out
}

// Snapshot returns every grant in the store as (user, pattern, caps)
// rows. Used by the registry to persist grants across restarts; like
// Dump it is eventually consistent across keys.
func (s *Store) Snapshot() []GrantRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []GrantRow
	for user, byPattern := range s.grants {
		for key, entry := range byPattern {
			rows = append(rows, GrantRow{User: user, Pattern: key, Caps: entry.caps})
		}
	}
	return rows
}

// GrantRow is one persisted grant.
type GrantRow struct {
	User    string
	Pattern string
	Caps    CapabilitySet
}

// Stats returns store statistics.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	users := len(s.grants)
	patterns := 0
	for _, byPattern := range s.grants {
		patterns += len(byPattern)
	}
	s.mu.RUnlock()

	return StoreStats{
		Users:    users,
		Patterns: patterns,
		Checks:   s.checkCount.Load(),
		Denials:  s.denyCount.Load(),
		Grants:   s.grantCount.Load(),
		Revokes:  s.revokeCount.Load(),
	}
}

// StoreStats holds permission store statistics.
type StoreStats struct {
	Users    int
	Patterns int
	Checks   int64
	Denials  int64
	Grants   int64
	Revokes  int64
}
