// Package router is the ingestion entry point: it validates publishes,
// enforces write permission, assigns sequence numbers and hands
// accepted samples to the store and to live subscribers.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/labfeed/labfeed/internal/errors"
	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/logging"
	"github.com/labfeed/labfeed/internal/permission"
	"github.com/labfeed/labfeed/internal/tsstore"
	"github.com/labfeed/labfeed/internal/tsstore/types"
	"github.com/labfeed/labfeed/internal/wire"
)

var log = logging.Component("router")

// FeedResolver answers feed metadata lookups. Implemented by the
// registry.
type FeedResolver interface {
	Feed(feedID string) (feed.Feed, bool)
}

// Fanout receives accepted samples for delivery to live subscribers.
// Implemented by the subscription manager.
type Fanout interface {
	Broadcast(sample types.Sample)
}

// seqState tracks sequence assignment for one feed.
type seqState struct {
	lastTs  int64
	nextSeq uint32
}

// Router validates and routes published samples.
//
// Acceptance order is fixed: name validation, feed lookup, permission
// check, payload decode, sequence assignment, store append, fanout.
// A sample that fails any step before the append leaves no trace in
// the store.
type Router struct {
	perms    *permission.Store
	store    *tsstore.Store
	resolver FeedResolver
	fanout   Fanout

	mu   sync.Mutex
	seqs map[string]*seqState

	// Statistics
	stats Stats
}

// Stats holds router statistics.
type Stats struct {
	Accepted  int64
	Denied    int64
	Malformed int64
	NotFound  int64
	Failed    int64
}

// New creates a router. fanout may be nil when no live delivery is
// wanted.
func New(perms *permission.Store, store *tsstore.Store, resolver FeedResolver, fanout Fanout) *Router {
	return &Router{
		perms:    perms,
		store:    store,
		resolver: resolver,
		fanout:   fanout,
		seqs:     make(map[string]*seqState),
	}
}

// Publish routes one published sample on behalf of user. The returned
// ack carries the assigned sequence number and the late flag.
func (r *Router) Publish(ctx context.Context, user string, pub *wire.Publish) (*wire.PublishAck, error) {
	if err := feed.ValidateID(pub.FeedID); err != nil {
		r.countMalformed()
		log.Warn("malformed publish dropped", "user", user, "feed", pub.FeedID, "error", err)
		return nil, fmt.Errorf("feed id: %w", errors.ErrMalformedMessage)
	}

	f, ok := r.resolver.Feed(pub.FeedID)
	if !ok {
		r.mu.Lock()
		r.stats.NotFound++
		r.mu.Unlock()
		return nil, fmt.Errorf("feed %s: %w", pub.FeedID, errors.ErrFeedNotFound)
	}

	if !r.perms.Check(user, pub.FeedID, permission.CapWrite) {
		r.mu.Lock()
		r.stats.Denied++
		r.mu.Unlock()
		log.Info("publish denied", "user", user, "feed", pub.FeedID)
		return nil, fmt.Errorf("user %s cannot write %s: %w", user, pub.FeedID, errors.ErrPermissionDenied)
	}

	if feed.ValueType(pub.ValueType) != f.ValueType {
		r.countMalformed()
		log.Warn("publish value type mismatch dropped",
			"user", user, "feed", pub.FeedID,
			"got", feed.ValueType(pub.ValueType), "want", f.ValueType)
		return nil, fmt.Errorf("value type %d on %s feed: %w",
			pub.ValueType, f.ValueType, errors.ErrMalformedMessage)
	}

	sample := types.Sample{
		FeedID:      pub.FeedID,
		TimestampMs: pub.TimestampMs,
		ValueType:   f.ValueType,
	}
	if err := types.DecodePayload(&sample, pub.Payload); err != nil {
		r.countMalformed()
		log.Warn("malformed payload dropped", "user", user, "feed", pub.FeedID, "error", err)
		return nil, err
	}

	sample.Seq = r.assignSeq(pub)

	stored, err := r.store.Append(ctx, sample)
	if err != nil {
		r.mu.Lock()
		r.stats.Failed++
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	r.stats.Accepted++
	r.mu.Unlock()

	if r.fanout != nil {
		r.fanout.Broadcast(stored)
	}

	return &wire.PublishAck{
		FeedID:      stored.FeedID,
		TimestampMs: stored.TimestampMs,
		Seq:         stored.Seq,
		Late:        stored.Late,
	}, nil
}

// assignSeq uses the producer's hint when present; otherwise it
// assigns the next sequence for the feed's current timestamp.
// Producer hints are what make redelivery idempotent; router-assigned
// sequences only disambiguate distinct samples sharing a timestamp.
func (r *Router) assignSeq(pub *wire.Publish) uint32 {
	if pub.HasSeqHint {
		return pub.SeqHint
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.seqs[pub.FeedID]
	if st == nil {
		st = &seqState{}
		r.seqs[pub.FeedID] = st
	}
	if pub.TimestampMs == st.lastTs {
		st.nextSeq++
	} else {
		st.lastTs = pub.TimestampMs
		st.nextSeq = 0
	}
	return st.nextSeq
}

func (r *Router) countMalformed() {
	r.mu.Lock()
	r.stats.Malformed++
	r.mu.Unlock()
}

// ForgetFeed drops sequence state for a deleted feed.
func (r *Router) ForgetFeed(feedID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seqs, feedID)
}

// Stats returns router statistics.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
