package subscription

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/labfeed/labfeed/config"
	"github.com/labfeed/labfeed/internal/errors"
	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/logging"
	"github.com/labfeed/labfeed/internal/permission"
	"github.com/labfeed/labfeed/internal/tsstore"
	"github.com/labfeed/labfeed/internal/tsstore/types"
)

var log = logging.Component("subscription")

// Options configures subscriber queue behavior.
type Options struct {
	// QueueSize is the per-subscriber buffered channel capacity.
	QueueSize int

	// SendTimeout is how long delivery waits on a full queue before
	// counting a drop.
	SendTimeout time.Duration

	// MaxDrops is the drop count at which a slow consumer is
	// disconnected.
	MaxDrops int
}

// DefaultOptions returns the default subscription options.
func DefaultOptions() Options {
	return Options{
		QueueSize:   config.DefaultSubscriptionQueueSize,
		SendTimeout: time.Duration(config.DefaultSubscriptionSendTimeoutMs) * time.Millisecond,
		MaxDrops:    config.DefaultSubscriptionMaxDrops,
	}
}

// Manager owns all live subscriptions. It authorizes attachment,
// replays backlog, fans out live samples and disconnects slow
// consumers.
//
// Manager is safe for concurrent use.
type Manager struct {
	perms *permission.Store
	store *tsstore.Store
	opts  Options

	mu     sync.RWMutex
	subs   map[string]*Subscription
	byFeed map[string]map[string]*Subscription

	// Statistics
	stats Stats
}

// Stats holds manager statistics.
type Stats struct {
	Subscribed     int64
	Denied         int64
	Unsubscribed   int64
	Delivered      int64
	Dropped        int64
	SlowDisconnect int64
}

// NewManager creates a subscription manager.
func NewManager(perms *permission.Store, store *tsstore.Store, opts Options) *Manager {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = def.SendTimeout
	}
	if opts.MaxDrops <= 0 {
		opts.MaxDrops = def.MaxDrops
	}

	return &Manager{
		perms:  perms,
		store:  store,
		opts:   opts,
		subs:   make(map[string]*Subscription),
		byFeed: make(map[string]map[string]*Subscription),
	}
}

// Subscribe attaches user to feedID. When fromMs >= 0 the stored
// backlog from that time is delivered before live samples; fromMs < 0
// requests live samples only. Denied and invalid requests leave no
// subscription behind.
func (m *Manager) Subscribe(ctx context.Context, user, feedID string, fromMs int64) (*Subscription, error) {
	if err := feed.ValidateID(feedID); err != nil {
		return nil, err
	}

	sub := newSubscription(user, feedID, fromMs, m.opts.QueueSize, m.opts.SendTimeout, m.opts.MaxDrops)
	sub.onClose = m.detach

	if !m.perms.Check(user, feedID, permission.CapRead) {
		sub.mu.Lock()
		sub.transition(StateDenied)
		sub.transition(StateClosed)
		sub.mu.Unlock()

		m.mu.Lock()
		m.stats.Denied++
		m.mu.Unlock()
		log.Info("subscribe denied", "user", user, "feed", feedID)
		return nil, fmt.Errorf("user %s cannot read %s: %w", user, feedID, errors.ErrPermissionDenied)
	}

	sub.mu.Lock()
	sub.transition(StateAuthorized)
	sub.mu.Unlock()

	// Attach to the live index before the backlog read so no sample
	// falls between backlog and live; overlap is removed by watermark.
	m.mu.Lock()
	m.subs[sub.id] = sub
	if m.byFeed[feedID] == nil {
		m.byFeed[feedID] = make(map[string]*Subscription)
	}
	m.byFeed[feedID][sub.id] = sub
	m.stats.Subscribed++
	m.mu.Unlock()

	if fromMs >= 0 {
		// Backlog is replayed through the store's lazy iterator so a
		// long history never materializes in one slice.
		it := m.store.NewIterator(feedID, fromMs, math.MaxInt64)
		delivered := 0
		for it.Next(ctx) {
			sample := it.Sample()
			sub.mu.Lock()
			sub.watermark = sample.Key()
			sub.haveWm = true
			sub.mu.Unlock()
			if !sub.enqueue(sample) {
				m.disconnectSlow(sub)
				return nil, errors.ErrSlowConsumer
			}
			delivered++
		}
		if err := it.Err(); err != nil && delivered == 0 {
			sub.close()
			return nil, fmt.Errorf("backlog read: %w", err)
		}
		if it.Partial() || it.Err() != nil {
			log.Warn("backlog replay partial", "feed", feedID, "sub", sub.id)
		}
	}

	sub.mu.Lock()
	sub.transition(StateStreaming)
	sub.mu.Unlock()
	sub.replayDone()

	log.Debug("subscribed", "user", user, "feed", feedID, "sub", sub.id, "from_ms", fromMs)
	return sub, nil
}

// Unsubscribe closes a subscription by id.
func (m *Manager) Unsubscribe(subID string) error {
	m.mu.RLock()
	sub := m.subs[subID]
	m.mu.RUnlock()

	if sub == nil {
		return fmt.Errorf("subscription %s: %w", subID, errors.ErrNotFound)
	}

	sub.close()
	m.mu.Lock()
	m.stats.Unsubscribed++
	m.mu.Unlock()
	return nil
}

// Broadcast delivers an accepted sample to every subscriber of its
// feed. Implements the router's fanout.
func (m *Manager) Broadcast(sample types.Sample) {
	m.mu.RLock()
	byID := m.byFeed[sample.FeedID]
	if len(byID) == 0 {
		m.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(byID))
	for _, sub := range byID {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		if sub.deliver(sample) {
			m.mu.Lock()
			m.stats.Delivered++
			m.mu.Unlock()
		} else {
			m.disconnectSlow(sub)
		}
	}
}

// CloseFeed closes every subscription of a deleted feed.
func (m *Manager) CloseFeed(feedID string) {
	m.mu.RLock()
	byID := m.byFeed[feedID]
	targets := make([]*Subscription, 0, len(byID))
	for _, sub := range byID {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		sub.close()
	}
}

// Get returns a subscription by id.
func (m *Manager) Get(subID string) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[subID]
	return sub, ok
}

// Count returns the number of live subscriptions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Stats returns manager statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// disconnectSlow applies the slow-consumer policy: the subscription is
// closed and the consumer must re-subscribe.
func (m *Manager) disconnectSlow(sub *Subscription) {
	m.mu.Lock()
	m.stats.SlowDisconnect++
	m.mu.Unlock()

	log.Warn("slow consumer disconnected",
		"user", sub.user, "feed", sub.feedID, "sub", sub.id, "drops", sub.Drops())
	sub.close()
}

// detach removes a closed subscription from the index.
func (m *Manager) detach(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subs, sub.id)
	if byID := m.byFeed[sub.feedID]; byID != nil {
		delete(byID, sub.id)
		if len(byID) == 0 {
			delete(m.byFeed, sub.feedID)
		}
	}
}
