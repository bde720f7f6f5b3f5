// Package subscription implements live feed delivery: per-subscriber
// bounded queues fed by the router's fanout, with a backlog replay on
// attach and a drop-then-disconnect policy for slow consumers.
package subscription

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labfeed/labfeed/internal/tsstore/types"
)

// State is the lifecycle state of a subscription.
type State int

const (
	StateRequested State = iota
	StateAuthorized
	StateDenied
	StateStreaming
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateAuthorized:
		return "authorized"
	case StateDenied:
		return "denied"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// validTransitions defines the allowed state transitions.
var validTransitions = map[State][]State{
	StateRequested:  {StateAuthorized, StateDenied},
	StateAuthorized: {StateStreaming, StateClosed},
	StateDenied:     {StateClosed},
	StateStreaming:  {StateClosed},
	StateClosed:     {},
}

// Subscription is one consumer's attachment to a feed. Samples are
// delivered on C in (timestamp, seq) order: the backlog from the
// requested start time first, then live samples, with overlap removed
// by watermark.
type Subscription struct {
	id     string
	user   string
	feedID string
	fromMs int64

	mu          sync.Mutex
	state       State
	queue       chan types.Sample
	done        chan struct{}
	closed      bool
	queueClosed bool
	senders     int
	buffering   bool
	pending     []types.Sample
	watermark   types.Key
	haveWm      bool
	drops       int

	sendTimeout time.Duration
	maxDrops    int

	// onClose detaches the subscription from the manager's index.
	onClose func(*Subscription)
}

func newSubscription(user, feedID string, fromMs int64, queueSize int, sendTimeout time.Duration, maxDrops int) *Subscription {
	return &Subscription{
		id:          uuid.NewString(),
		user:        user,
		feedID:      feedID,
		fromMs:      fromMs,
		state:       StateRequested,
		queue:       make(chan types.Sample, queueSize),
		done:        make(chan struct{}),
		buffering:   true,
		sendTimeout: sendTimeout,
		maxDrops:    maxDrops,
	}
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// User returns the subscribing user.
func (s *Subscription) User() string { return s.user }

// FeedID returns the subscribed feed.
func (s *Subscription) FeedID() string { return s.feedID }

// C returns the delivery channel. It is closed when the subscription
// closes, whether by Unsubscribe, feed deletion or the slow-consumer
// policy.
func (s *Subscription) C() <-chan types.Sample { return s.queue }

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Drops returns how many samples were dropped for this subscriber.
func (s *Subscription) Drops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// transition moves the subscription to a new state, panicking on a
// transition the table does not allow. State bugs are programmer
// errors, not runtime conditions.
func (s *Subscription) transition(to State) {
	for _, allowed := range validTransitions[s.state] {
		if allowed == to {
			s.state = to
			return
		}
	}
	panic(fmt.Sprintf("subscription: invalid transition %s -> %s", s.state, to))
}

// deliver routes one live sample. During backlog replay samples are
// parked; afterwards anything at or below the watermark already went
// out with the backlog.
// Returns false when the subscription should be disconnected.
func (s *Subscription) deliver(sample types.Sample) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.buffering {
		s.pending = append(s.pending, sample)
		s.mu.Unlock()
		return true
	}
	if s.haveWm && !s.watermark.Less(sample.Key()) {
		s.mu.Unlock()
		return true
	}
	s.watermark = sample.Key()
	s.haveWm = true
	s.mu.Unlock()

	return s.enqueue(sample)
}

// enqueue attempts a non-blocking send, then waits up to the send
// timeout before counting a drop. Sends register in the sender count so
// a concurrent close never closes the queue under a send in flight; a
// close while waiting aborts the send through done.
func (s *Subscription) enqueue(sample types.Sample) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.senders++
	s.mu.Unlock()
	defer s.senderDone()

	select {
	case s.queue <- sample:
		return true
	case <-s.done:
		return false
	default:
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()

	select {
	case s.queue <- sample:
		return true
	case <-s.done:
		return false
	case <-timer.C:
	}

	s.mu.Lock()
	s.drops++
	disconnect := s.drops >= s.maxDrops
	s.mu.Unlock()
	return !disconnect
}

// senderDone deregisters a sender. The last sender out after close
// closes the delivery channel.
func (s *Subscription) senderDone() {
	s.mu.Lock()
	s.senders--
	closeQueue := s.closed && s.senders == 0 && !s.queueClosed
	if closeQueue {
		s.queueClosed = true
	}
	s.mu.Unlock()

	if closeQueue {
		close(s.queue)
	}
}

// replayDone flushes parked live samples that the backlog did not
// cover and switches to live delivery.
func (s *Subscription) replayDone() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.buffering = false
	s.mu.Unlock()

	for _, sample := range pending {
		s.mu.Lock()
		dup := s.haveWm && !s.watermark.Less(sample.Key())
		if !dup {
			s.watermark = sample.Key()
			s.haveWm = true
		}
		s.mu.Unlock()
		if !dup {
			s.enqueue(sample)
		}
	}
}

// close transitions to Closed and closes the delivery channel. Safe to
// call more than once. When senders are in flight the channel close is
// deferred to the last of them; done wakes any sender waiting on a full
// queue.
func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.state != StateClosed {
		s.transition(StateClosed)
	}
	close(s.done)
	closeQueue := s.senders == 0
	if closeQueue {
		s.queueClosed = true
	}
	s.mu.Unlock()

	if closeQueue {
		close(s.queue)
	}
	if s.onClose != nil {
		s.onClose(s)
	}
}
