// Package coordinator wires the backend together: registry, permission
// store, time-series store, router and subscription manager behind one
// operation surface. It owns startup (grant hydration, WAL replay) and
// shutdown (final flush), and runs the retention sweep.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/labfeed/labfeed/config"
	"github.com/labfeed/labfeed/internal/errors"
	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/logging"
	"github.com/labfeed/labfeed/internal/permission"
	"github.com/labfeed/labfeed/internal/registry"
	"github.com/labfeed/labfeed/internal/router"
	"github.com/labfeed/labfeed/internal/subscription"
	"github.com/labfeed/labfeed/internal/transport"
	"github.com/labfeed/labfeed/internal/tsstore"
	"github.com/labfeed/labfeed/internal/tsstore/durable"
	"github.com/labfeed/labfeed/internal/tsstore/types"
	"github.com/labfeed/labfeed/internal/tsstore/wal"
	"github.com/labfeed/labfeed/internal/wire"
)

var log = logging.Component("coordinator")

// Config holds coordinator construction parameters.
type Config struct {
	// RegistryPath is the metadata database file. "" opens an in-memory
	// registry (tests).
	RegistryPath string

	// WALDir is the write-ahead log directory.
	WALDir string

	// WAL configures the write-ahead log.
	WAL wal.Options

	// Durable is the durable sample tier (required).
	Durable durable.Store

	// Store configures the time-series store.
	Store tsstore.Options

	// Subscription configures subscriber queues.
	Subscription subscription.Options

	// RetentionCheckInterval is the cadence of the retention sweep.
	RetentionCheckInterval time.Duration
}

// Coordinator owns the backend components. It implements
// transport.Backend; the server holds it through that interface.
type Coordinator struct {
	cfg Config

	registry *registry.Registry
	perms    *permission.Store
	store    *tsstore.Store
	router   *router.Router
	subs     *subscription.Manager
	walw     *wal.Writer

	group  *errgroup.Group
	cancel context.CancelFunc
}

var _ transport.Backend = (*Coordinator)(nil)

// New builds a coordinator. The registry is opened and the WAL writer
// created here; Start performs recovery and begins background work.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Durable == nil {
		return nil, fmt.Errorf("durable store: %w", errors.ErrMissingField)
	}
	if cfg.RetentionCheckInterval <= 0 {
		cfg.RetentionCheckInterval = config.DefaultRetentionCheckInterval
	}

	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	walw, err := wal.NewWriter(cfg.WALDir, cfg.WAL)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("open wal: %w", err)
	}

	perms := permission.NewStore()
	store := tsstore.New(walw, cfg.Durable, cfg.Store)
	subs := subscription.NewManager(perms, store, cfg.Subscription)
	rt := router.New(perms, store, reg, subs)

	return &Coordinator{
		cfg:      cfg,
		registry: reg,
		perms:    perms,
		store:    store,
		router:   rt,
		subs:     subs,
		walw:     walw,
	}, nil
}

// Start hydrates grants, replays the WAL and launches background
// workers.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.hydrateGrants(ctx); err != nil {
		return err
	}

	if err := c.store.Recover(ctx); err != nil {
		return fmt.Errorf("wal recovery: %w", err)
	}

	if err := c.store.Start(); err != nil {
		return err
	}

	workCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group, workCtx = errgroup.WithContext(workCtx)
	c.group.Go(func() error {
		c.retentionLoop(workCtx)
		return nil
	})

	log.Info("coordinator started",
		"feeds", len(c.registry.Feeds("")), "users", c.perms.Stats().Users)
	return nil
}

// Stop flushes all feeds, halts background work and closes the
// registry and WAL.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		c.group.Wait()
	}

	if err := c.store.Stop(ctx); err != nil && !errors.Is(err, errors.ErrNotRunning) {
		log.Warn("store stop", "error", err)
	}
	if err := c.walw.Close(); err != nil {
		log.Warn("wal close", "error", err)
	}
	return c.registry.Close()
}

// hydrateGrants loads persisted grants into the permission store.
func (c *Coordinator) hydrateGrants(ctx context.Context) error {
	rows, err := c.registry.LoadGrants(ctx)
	if err != nil {
		return fmt.Errorf("load grants: %w", err)
	}

	loaded := 0
	for _, row := range rows {
		p, err := permission.ParsePattern(row.Pattern)
		if err != nil {
			log.Warn("skipping stored grant with invalid pattern",
				"user", row.User, "pattern", row.Pattern, "error", err)
			continue
		}
		if row.Caps.Has(permission.CapRead) {
			c.perms.Grant(row.User, p, permission.CapRead)
		}
		if row.Caps.Has(permission.CapWrite) {
			c.perms.Grant(row.User, p, permission.CapWrite)
		}
		loaded++
	}

	if loaded > 0 {
		log.Info("grants hydrated", "rows", loaded)
	}
	return nil
}

// ============================================================================
// transport.Backend
// ============================================================================

// Publish routes one sample. Publishes to feeds of archived
// experiments are rejected.
func (c *Coordinator) Publish(ctx context.Context, user string, pub *wire.Publish) (*wire.PublishAck, error) {
	if f, ok := c.registry.Feed(pub.FeedID); ok {
		if exp, ok := c.registry.Experiment(f.ExperimentID); ok && exp.Status == feed.StatusArchived {
			return nil, fmt.Errorf("feed %s: %w", pub.FeedID, errors.ErrExperimentRetired)
		}
	}
	return c.router.Publish(ctx, user, pub)
}

// Subscribe attaches user to a feed.
func (c *Coordinator) Subscribe(ctx context.Context, user, feedID string, fromMs int64) (transport.Stream, error) {
	if _, ok := c.registry.Feed(feedID); !ok {
		return nil, fmt.Errorf("feed %s: %w", feedID, errors.ErrFeedNotFound)
	}
	sub, err := c.subs.Subscribe(ctx, user, feedID, fromMs)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe closes a subscription.
func (c *Coordinator) Unsubscribe(subID string) error {
	return c.subs.Unsubscribe(subID)
}

// ReadRange returns stored samples of a feed, permission-checked.
func (c *Coordinator) ReadRange(ctx context.Context, user, feedID string, fromMs, toMs int64, limit int) ([]types.Sample, bool, error) {
	if err := feed.ValidateID(feedID); err != nil {
		return nil, false, err
	}
	if _, ok := c.registry.Feed(feedID); !ok {
		return nil, false, fmt.Errorf("feed %s: %w", feedID, errors.ErrFeedNotFound)
	}
	if !c.perms.Check(user, feedID, permission.CapRead) {
		return nil, false, fmt.Errorf("user %s cannot read %s: %w", user, feedID, errors.ErrPermissionDenied)
	}
	return c.store.ReadRange(ctx, feedID, fromMs, toMs, limit)
}

// ReadLatest returns the newest sample of a feed, permission-checked.
func (c *Coordinator) ReadLatest(ctx context.Context, user, feedID string) (types.Sample, bool, error) {
	if err := feed.ValidateID(feedID); err != nil {
		return types.Sample{}, false, err
	}
	if _, ok := c.registry.Feed(feedID); !ok {
		return types.Sample{}, false, fmt.Errorf("feed %s: %w", feedID, errors.ErrFeedNotFound)
	}
	if !c.perms.Check(user, feedID, permission.CapRead) {
		return types.Sample{}, false, fmt.Errorf("user %s cannot read %s: %w", user, feedID, errors.ErrPermissionDenied)
	}
	return c.store.ReadLatest(ctx, feedID)
}

// CreateFeed registers a feed. The creating user needs write permission
// covering the new feed id.
func (c *Coordinator) CreateFeed(ctx context.Context, user, feedID string, valueType uint8, retentionMs int64) error {
	if err := feed.ValidateID(feedID); err != nil {
		return err
	}
	if !c.perms.Check(user, feedID, permission.CapWrite) {
		return fmt.Errorf("user %s cannot create %s: %w", user, feedID, errors.ErrPermissionDenied)
	}
	return c.registry.CreateFeed(ctx, feed.Feed{
		ID:        feedID,
		ValueType: feed.ValueType(valueType),
		Retention: time.Duration(retentionMs) * time.Millisecond,
	}, user)
}

// DeleteFeed removes a feed everywhere: registry, store, router
// sequence state and live subscriptions. Grants are left in place;
// patterns may cover future feeds.
func (c *Coordinator) DeleteFeed(ctx context.Context, user, feedID string) error {
	if !c.perms.Check(user, feedID, permission.CapWrite) {
		return fmt.Errorf("user %s cannot delete %s: %w", user, feedID, errors.ErrPermissionDenied)
	}
	if err := c.registry.DeleteFeed(ctx, feedID); err != nil {
		return err
	}

	c.subs.CloseFeed(feedID)
	c.router.ForgetFeed(feedID)
	if err := c.store.RemoveFeed(ctx, feedID); err != nil {
		log.Warn("durable delete incomplete", "feed", feedID, "error", err)
	}
	return nil
}

// Grant adds a permission grant and persists the new grant set.
func (c *Coordinator) Grant(ctx context.Context, user, pattern, capability string) error {
	p, err := permission.ParsePattern(pattern)
	if err != nil {
		return err
	}
	cap, err := permission.ParseCapability(capability)
	if err != nil {
		return err
	}

	c.perms.Grant(user, p, cap)
	return c.persistGrants(ctx)
}

// Revoke removes a permission grant and persists the new grant set.
func (c *Coordinator) Revoke(ctx context.Context, user, pattern, capability string) error {
	p, err := permission.ParsePattern(pattern)
	if err != nil {
		return err
	}
	cap, err := permission.ParseCapability(capability)
	if err != nil {
		return err
	}

	c.perms.Revoke(user, p, cap)
	return c.persistGrants(ctx)
}

func (c *Coordinator) persistGrants(ctx context.Context) error {
	if err := c.registry.ReplaceGrants(ctx, c.perms.Snapshot()); err != nil {
		return fmt.Errorf("persist grants: %w", err)
	}
	return nil
}

// ============================================================================
// Experiment lifecycle
// ============================================================================

// ArchiveExperiment flushes the experiment's feeds durable and marks it
// archived. Its feeds stay readable; new feeds and publishes are
// rejected.
func (c *Coordinator) ArchiveExperiment(ctx context.Context, expID string) error {
	for _, f := range c.registry.Feeds(expID) {
		if err := c.store.Flush(ctx, f.ID); err != nil {
			return fmt.Errorf("flush %s before archive: %w", f.ID, err)
		}
	}
	return c.registry.ArchiveExperiment(ctx, expID)
}

// DeleteExperiment removes an experiment and all its feeds.
func (c *Coordinator) DeleteExperiment(ctx context.Context, expID string) error {
	removed, err := c.registry.DeleteExperiment(ctx, expID)
	if err != nil {
		return err
	}
	for _, feedID := range removed {
		c.subs.CloseFeed(feedID)
		c.router.ForgetFeed(feedID)
		if err := c.store.RemoveFeed(ctx, feedID); err != nil {
			log.Warn("durable delete incomplete", "feed", feedID, "error", err)
		}
	}
	return nil
}

// ============================================================================
// Accessors and stats
// ============================================================================

// Registry exposes the metadata registry (admin/read-only paths).
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Permissions exposes the permission store (audit paths).
func (c *Coordinator) Permissions() *permission.Store { return c.perms }

// Store exposes the time-series store.
func (c *Coordinator) Store() *tsstore.Store { return c.store }

// Stats bundles component statistics.
type Stats struct {
	Router        router.Stats
	Store         tsstore.Stats
	Subscriptions subscription.Stats
	Permissions   permission.StoreStats
}

// Stats returns a snapshot of component statistics.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Router:        c.router.Stats(),
		Store:         c.store.Stats(),
		Subscriptions: c.subs.Stats(),
		Permissions:   c.perms.Stats(),
	}
}

// ============================================================================
// Retention
// ============================================================================

// retentionLoop periodically prunes durable segments that every feed's
// retention has outlived. Pruning is whole-segment: the cutoff is the
// longest configured retention, so no feed loses data it is still
// entitled to. Feeds with zero retention keep data forever and disable
// the sweep.
func (c *Coordinator) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RetentionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.retentionSweep(ctx)
		}
	}
}

func (c *Coordinator) retentionSweep(ctx context.Context) {
	var maxRetention time.Duration
	for _, f := range c.registry.Feeds("") {
		if f.Retention == 0 {
			return
		}
		if f.Retention > maxRetention {
			maxRetention = f.Retention
		}
	}
	if maxRetention == 0 {
		return
	}

	beforeMs := time.Now().Add(-maxRetention).UnixMilli()
	if err := c.store.Prune(ctx, beforeMs); err != nil {
		log.Warn("retention prune failed", "before_ms", beforeMs, "error", err)
		return
	}
	log.Debug("retention sweep complete", "before_ms", beforeMs)
}
