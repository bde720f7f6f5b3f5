// Package transport defines the boundary between the network layer and
// the backend core. The server depends on these interfaces only; the
// coordinator implements them. This keeps connection handling free of
// storage and permission concerns and lets transport tests run against
// small fakes.
package transport

import (
	"context"

	"github.com/labfeed/labfeed/internal/tsstore/types"
	"github.com/labfeed/labfeed/internal/wire"
)

// Stream is a live sample feed handed to a transport session. The
// channel closes when the subscription ends, whether by Unsubscribe,
// feed deletion or the slow-consumer policy.
type Stream interface {
	ID() string
	FeedID() string
	C() <-chan types.Sample
}

// Backend is the operation surface a transport session dispatches into.
// The user argument is the authenticated identity of the session; it is
// never taken from the message payload.
type Backend interface {
	// Publish validates and stores one sample, returning the assigned
	// sequence number and late flag.
	Publish(ctx context.Context, user string, pub *wire.Publish) (*wire.PublishAck, error)

	// Subscribe attaches user to a feed. fromMs >= 0 requests backlog
	// from that time before live samples; fromMs < 0 is live-only.
	Subscribe(ctx context.Context, user, feedID string, fromMs int64) (Stream, error)

	// Unsubscribe closes a subscription by id.
	Unsubscribe(subID string) error

	// ReadRange returns stored samples in [fromMs, toMs]. partial is
	// true when only the cached portion could be served.
	ReadRange(ctx context.Context, user, feedID string, fromMs, toMs int64, limit int) ([]types.Sample, bool, error)

	// ReadLatest returns the highest-ordered sample of a feed.
	ReadLatest(ctx context.Context, user, feedID string) (types.Sample, bool, error)

	// CreateFeed registers a feed.
	CreateFeed(ctx context.Context, user, feedID string, valueType uint8, retentionMs int64) error

	// DeleteFeed removes a feed, its stored samples and its
	// subscriptions.
	DeleteFeed(ctx context.Context, user, feedID string) error

	// Grant adds a permission grant.
	Grant(ctx context.Context, user, pattern, capability string) error

	// Revoke removes a permission grant.
	Revoke(ctx context.Context, user, pattern, capability string) error
}
