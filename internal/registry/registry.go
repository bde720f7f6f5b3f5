// Package registry is the metadata store: workspaces, experiments,
// feeds and permission grants, persisted in DuckDB and mirrored in
// memory for hot-path lookups.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/labfeed/labfeed/internal/errors"
	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/logging"
	"github.com/labfeed/labfeed/internal/permission"
)

var log = logging.Component("registry")

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id         TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS experiments (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS feeds (
	id            TEXT PRIMARY KEY,
	experiment_id TEXT NOT NULL,
	value_type    INTEGER NOT NULL,
	retention_ms  BIGINT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS grants (
	user_name TEXT NOT NULL,
	pattern   TEXT NOT NULL,
	caps      INTEGER NOT NULL,
	PRIMARY KEY (user_name, pattern)
);
`

// Registry persists metadata in DuckDB. Feed rows are mirrored into an
// in-memory map so the publish hot path never touches SQL.
//
// Registry is safe for concurrent use.
type Registry struct {
	db *sql.DB

	mu          sync.RWMutex
	feeds       map[string]feed.Feed
	experiments map[string]feed.Experiment
	workspaces  map[string]feed.Workspace
}

// Open opens (or creates) a registry database. path "" opens an
// in-memory database for tests.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	r := &Registry{
		db:          db,
		feeds:       make(map[string]feed.Feed),
		experiments: make(map[string]feed.Experiment),
		workspaces:  make(map[string]feed.Workspace),
	}

	if err := r.load(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("registry opened", "path", path,
		"workspaces", len(r.workspaces), "experiments", len(r.experiments), "feeds", len(r.feeds))
	return r, nil
}

// load hydrates the in-memory mirror from the database.
func (r *Registry) load() error {
	rows, err := r.db.Query(`SELECT id, owner, created_at FROM workspaces`)
	if err != nil {
		return fmt.Errorf("load workspaces: %w", err)
	}
	for rows.Next() {
		var w feed.Workspace
		if err := rows.Scan(&w.ID, &w.Owner, &w.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan workspace: %w", err)
		}
		w.Name = w.ID
		r.workspaces[w.ID] = w
	}
	rows.Close()

	rows, err = r.db.Query(`SELECT id, workspace_id, status, started_at FROM experiments`)
	if err != nil {
		return fmt.Errorf("load experiments: %w", err)
	}
	for rows.Next() {
		var e feed.Experiment
		var status string
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &status, &e.StartedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan experiment: %w", err)
		}
		e.Status = parseStatus(status)
		r.experiments[e.ID] = e
	}
	rows.Close()

	rows, err = r.db.Query(`SELECT id, experiment_id, value_type, retention_ms, created_at FROM feeds`)
	if err != nil {
		return fmt.Errorf("load feeds: %w", err)
	}
	for rows.Next() {
		var f feed.Feed
		var valueType int64
		var retentionMs int64
		if err := rows.Scan(&f.ID, &f.ExperimentID, &valueType, &retentionMs, &f.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan feed: %w", err)
		}
		f.ValueType = feed.ValueType(valueType)
		f.Retention = time.Duration(retentionMs) * time.Millisecond
		r.feeds[f.ID] = f
	}
	rows.Close()

	return nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// ============================================================================
// Feed lookups (hot path)
// ============================================================================

// Feed returns a feed's metadata. Implements the router's resolver.
func (r *Registry) Feed(feedID string) (feed.Feed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.feeds[feedID]
	return f, ok
}

// Feeds returns all feeds, optionally filtered by id prefix
// ("ws" or "ws/exp"; "" for all).
func (r *Registry) Feeds(prefix string) []feed.Feed {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []feed.Feed
	for id, f := range r.feeds {
		if prefix == "" || strings.HasPrefix(id, prefix+"/") {
			out = append(out, f)
		}
	}
	return out
}

// Experiment returns an experiment's metadata.
func (r *Registry) Experiment(id string) (feed.Experiment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.experiments[id]
	return e, ok
}

// Workspace returns a workspace's metadata.
func (r *Registry) Workspace(id string) (feed.Workspace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workspaces[id]
	return w, ok
}

// ============================================================================
// Mutations
// ============================================================================

// CreateFeed registers a feed, creating its workspace and experiment
// rows on first use. Creating an existing feed fails; creating a feed
// under an archived experiment fails.
func (r *Registry) CreateFeed(ctx context.Context, f feed.Feed, owner string) error {
	wsID, expName, _, ok := feed.SplitID(f.ID)
	if !ok {
		return fmt.Errorf("feed id %q: %w", f.ID, errors.ErrInvalidFeedID)
	}
	expID := wsID + "/" + expName

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.feeds[f.ID]; exists {
		return fmt.Errorf("feed %s: %w", f.ID, errors.ErrFeedExists)
	}
	if exp, ok := r.experiments[expID]; ok && exp.Status == feed.StatusArchived {
		return fmt.Errorf("experiment %s: %w", expID, errors.ErrExperimentRetired)
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %v: %w", err, errors.ErrDatabase)
	}
	defer tx.Rollback()

	if _, ok := r.workspaces[wsID]; !ok {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workspaces (id, owner, created_at) VALUES ($1, $2, $3)`,
			wsID, owner, now); err != nil {
			return fmt.Errorf("insert workspace: %v: %w", err, errors.ErrDatabase)
		}
	}
	if _, ok := r.experiments[expID]; !ok {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO experiments (id, workspace_id, status, started_at) VALUES ($1, $2, $3, $4)`,
			expID, wsID, feed.StatusActive.String(), now); err != nil {
			return fmt.Errorf("insert experiment: %v: %w", err, errors.ErrDatabase)
		}
	}

	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.ExperimentID = expID
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO feeds (id, experiment_id, value_type, retention_ms, created_at) VALUES ($1, $2, $3, $4, $5)`,
		f.ID, expID, int64(f.ValueType), f.Retention.Milliseconds(), f.CreatedAt); err != nil {
		return fmt.Errorf("insert feed: %v: %w", err, errors.ErrDatabase)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %v: %w", err, errors.ErrDatabase)
	}

	if _, ok := r.workspaces[wsID]; !ok {
		r.workspaces[wsID] = feed.Workspace{ID: wsID, Name: wsID, Owner: owner, CreatedAt: now}
	}
	if _, ok := r.experiments[expID]; !ok {
		r.experiments[expID] = feed.Experiment{ID: expID, WorkspaceID: wsID, Status: feed.StatusActive, StartedAt: now}
	}
	r.feeds[f.ID] = f

	log.Info("feed created", "feed", f.ID, "type", f.ValueType, "retention", f.Retention)
	return nil
}

// DeleteFeed removes a feed.
func (r *Registry) DeleteFeed(ctx context.Context, feedID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.feeds[feedID]; !exists {
		return fmt.Errorf("feed %s: %w", feedID, errors.ErrFeedNotFound)
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM feeds WHERE id = $1`, feedID); err != nil {
		return fmt.Errorf("delete feed: %v: %w", err, errors.ErrDatabase)
	}

	delete(r.feeds, feedID)
	log.Info("feed deleted", "feed", feedID)
	return nil
}

// ArchiveExperiment marks an experiment archived. Its feeds remain
// readable; new feeds and publishes are rejected upstream.
func (r *Registry) ArchiveExperiment(ctx context.Context, expID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exp, ok := r.experiments[expID]
	if !ok {
		return fmt.Errorf("experiment %s: %w", expID, errors.ErrExperimentNotFound)
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE experiments SET status = $1 WHERE id = $2`,
		feed.StatusArchived.String(), expID); err != nil {
		return fmt.Errorf("archive experiment: %v: %w", err, errors.ErrDatabase)
	}

	exp.Status = feed.StatusArchived
	r.experiments[expID] = exp
	log.Info("experiment archived", "experiment", expID)
	return nil
}

// DeleteExperiment removes an experiment and returns the ids of its
// feeds, which are deleted with it.
func (r *Registry) DeleteExperiment(ctx context.Context, expID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.experiments[expID]; !ok {
		return nil, fmt.Errorf("experiment %s: %w", expID, errors.ErrExperimentNotFound)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %v: %w", err, errors.ErrDatabase)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE experiment_id = $1`, expID); err != nil {
		return nil, fmt.Errorf("delete feeds: %v: %w", err, errors.ErrDatabase)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM experiments WHERE id = $1`, expID); err != nil {
		return nil, fmt.Errorf("delete experiment: %v: %w", err, errors.ErrDatabase)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %v: %w", err, errors.ErrDatabase)
	}

	var removed []string
	for id, f := range r.feeds {
		if f.ExperimentID == expID {
			removed = append(removed, id)
			delete(r.feeds, id)
		}
	}
	delete(r.experiments, expID)

	log.Info("experiment deleted", "experiment", expID, "feeds", len(removed))
	return removed, nil
}

// ============================================================================
// Grant persistence
// ============================================================================

// ReplaceGrants persists a full permission snapshot, replacing the
// stored set. Called after each grant mutation.
func (r *Registry) ReplaceGrants(ctx context.Context, grants []permission.GrantRow) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %v: %w", err, errors.ErrDatabase)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM grants`); err != nil {
		return fmt.Errorf("clear grants: %v: %w", err, errors.ErrDatabase)
	}
	for _, g := range grants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO grants (user_name, pattern, caps) VALUES ($1, $2, $3)`,
			g.User, g.Pattern, int64(g.Caps)); err != nil {
			return fmt.Errorf("insert grant: %v: %w", err, errors.ErrDatabase)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %v: %w", err, errors.ErrDatabase)
	}
	return nil
}

// LoadGrants returns all persisted grants for permission store
// hydration at startup.
func (r *Registry) LoadGrants(ctx context.Context) ([]permission.GrantRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_name, pattern, caps FROM grants`)
	if err != nil {
		return nil, fmt.Errorf("load grants: %v: %w", err, errors.ErrDatabase)
	}
	defer rows.Close()

	var out []permission.GrantRow
	for rows.Next() {
		var g permission.GrantRow
		var caps int64
		if err := rows.Scan(&g.User, &g.Pattern, &caps); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Caps = permission.CapabilitySet(caps)
		out = append(out, g)
	}
	return out, rows.Err()
}

// parseStatus maps a stored status string back to the enum.
func parseStatus(s string) feed.ExperimentStatus {
	if s == feed.StatusArchived.String() {
		return feed.StatusArchived
	}
	return feed.StatusActive
}
