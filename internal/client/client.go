// Package client provides a Go client for the labfeed server: a
// connection state machine with validated transitions, request/response
// correlation over the wire protocol, and callbacks for streamed
// samples.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labfeed/labfeed/internal/errors"
	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/tsstore/types"
	"github.com/labfeed/labfeed/internal/wire"
)

// =============================================================================
// Connection State Machine
// =============================================================================

// State represents the connection state of a client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

type stateTransition struct {
	from State
	to   State
}

// validTransitions defines all allowed state transitions.
var validTransitions = map[stateTransition]bool{
	{StateDisconnected, StateConnecting}: true,
	{StateDisconnected, StateClosed}:     true,

	{StateConnecting, StateConnected}:    true,
	{StateConnecting, StateDisconnected}: true,

	{StateConnected, StateDisconnected}: true,
	{StateConnected, StateClosing}:      true,

	{StateClosing, StateClosed}: true,
}

// =============================================================================
// Client
// =============================================================================

// Client connects to a labfeed server. After a disconnect, Reconnect
// re-authenticates; active subscriptions do not survive and must be
// re-established from the last delivered (timestamp, seq).
type Client struct {
	addr  string
	token string

	requestTimeout time.Duration

	// Connection - protected by mu
	mu        sync.Mutex
	conn      net.Conn
	wire      *wire.Conn
	sessionID string
	shutdown  chan struct{}

	state atomic.Int32

	// Pending requests by envelope id
	pendingMu sync.RWMutex
	pending   map[uint64]chan *wire.Envelope
	requestID atomic.Uint64

	// Callbacks
	onSample     func(types.Sample)
	onDisconnect func(error)
}

// Config holds client configuration.
type Config struct {
	Addr           string
	Token          string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "localhost:9410",
		ConnectTimeout: 30 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// New creates a client.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	return &Client{
		addr:           cfg.Addr,
		token:          cfg.Token,
		requestTimeout: cfg.RequestTimeout,
		pending:        make(map[uint64]chan *wire.Envelope),
		shutdown:       make(chan struct{}),
	}
}

// =============================================================================
// State Transitions
// =============================================================================

func (c *Client) getState() State {
	return State(c.state.Load())
}

// transitionTo attempts a validated transition to a new state.
func (c *Client) transitionTo(to State) error {
	for {
		from := c.getState()
		if !validTransitions[stateTransition{from, to}] {
			return fmt.Errorf("invalid client transition %s -> %s", from, to)
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

// transitionFrom attempts a validated transition from a specific state.
func (c *Client) transitionFrom(from, to State) bool {
	if !validTransitions[stateTransition{from, to}] {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// =============================================================================
// Connection Management
// =============================================================================

// Connect dials and authenticates.
func (c *Client) Connect() error {
	return c.ConnectWithContext(context.Background())
}

// ConnectWithContext dials and authenticates with a context for
// timeout/cancellation.
func (c *Client) ConnectWithContext(ctx context.Context) error {
	switch c.getState() {
	case StateClosed, StateClosing:
		return errors.ErrClosed
	case StateConnected, StateConnecting:
		return errors.ErrAlreadyRunning
	}

	if !c.transitionFrom(StateDisconnected, StateConnecting) {
		return fmt.Errorf("cannot connect from state %s", c.getState())
	}

	success := false
	defer func() {
		if !success {
			c.transitionFrom(StateConnecting, StateDisconnected)
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %v: %w", c.addr, err, errors.ErrConnectionFailed)
	}

	c.conn = conn
	c.wire = wire.NewConn(conn)

	if err := c.authenticate(ctx); err != nil {
		conn.Close()
		c.conn = nil
		c.wire = nil
		return err
	}

	go c.readLoop(c.wire)

	if err := c.transitionTo(StateConnected); err != nil {
		conn.Close()
		c.conn = nil
		c.wire = nil
		return err
	}

	success = true
	return nil
}

func (c *Client) authenticate(ctx context.Context) error {
	if err := c.wire.Write(&wire.Envelope{
		Id:   1,
		Type: wire.TypeAuth,
		Auth: &wire.Auth{Token: c.token},
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	} else {
		c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	}
	defer c.conn.SetReadDeadline(time.Time{})

	env, err := c.wire.Read()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}

	if env.Error != nil {
		return fmt.Errorf("auth: %s: %w", env.Error.Message, errors.CodeToError(env.Error.Code))
	}
	if env.AuthResp == nil || !env.AuthResp.OK {
		msg := "authentication failed"
		if env.AuthResp != nil && env.AuthResp.Message != "" {
			msg = env.AuthResp.Message
		}
		return fmt.Errorf("%s: %w", msg, errors.ErrInvalidToken)
	}

	c.sessionID = env.AuthResp.SessionID
	return nil
}

// Close closes the client permanently.
func (c *Client) Close() error {
	state := c.getState()
	if state == StateClosed || state == StateClosing {
		return nil
	}

	if state == StateDisconnected {
		c.transitionFrom(StateDisconnected, StateClosed)
		return nil
	}
	if !c.transitionFrom(StateConnected, StateClosing) {
		return nil
	}

	c.mu.Lock()
	close(c.shutdown)
	var closeErr error
	if c.conn != nil {
		closeErr = c.conn.Close()
		c.conn = nil
		c.wire = nil
	}
	c.mu.Unlock()

	c.failPending()
	c.transitionFrom(StateClosing, StateClosed)
	return closeErr
}

// Reconnect dials again after a disconnect.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.getState() == StateClosed {
		return errors.ErrClosed
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.wire = nil
	}
	c.shutdown = make(chan struct{})
	c.mu.Unlock()

	c.state.Store(int32(StateDisconnected))
	c.failPending()

	return c.ConnectWithContext(ctx)
}

// failPending closes every pending response channel.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// SessionID returns the session id assigned at authentication.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.getState() == StateConnected
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.getState()
}

// OnSample sets the handler for streamed samples.
func (c *Client) OnSample(fn func(types.Sample)) {
	c.pendingMu.Lock()
	c.onSample = fn
	c.pendingMu.Unlock()
}

// OnDisconnect sets the handler invoked when the connection drops.
func (c *Client) OnDisconnect(fn func(error)) {
	c.pendingMu.Lock()
	c.onDisconnect = fn
	c.pendingMu.Unlock()
}

// =============================================================================
// Read Loop
// =============================================================================

func (c *Client) readLoop(w *wire.Conn) {
	var disconnectErr error

	defer func() {
		c.pendingMu.RLock()
		fn := c.onDisconnect
		c.pendingMu.RUnlock()

		if fn != nil && disconnectErr != nil {
			fn(disconnectErr)
		}
	}()

	for {
		env, err := w.Read()
		if err != nil {
			if c.getState() != StateConnected && c.getState() != StateConnecting {
				return
			}
			disconnectErr = err
			c.transitionFrom(StateConnected, StateDisconnected)
			return
		}
		c.handleMessage(env)
	}
}

func (c *Client) handleMessage(env *wire.Envelope) {
	if env.Type == wire.TypeSample && env.Sample != nil {
		c.pendingMu.RLock()
		fn := c.onSample
		c.pendingMu.RUnlock()

		if fn != nil {
			if sample, err := wireToSample(env.Sample); err == nil {
				fn(sample)
			}
		}
		return
	}

	c.pendingMu.RLock()
	ch, ok := c.pending[env.Id]
	c.pendingMu.RUnlock()

	if ok {
		select {
		case ch <- env:
		default:
		}
	}
}

// =============================================================================
// Request/Response
// =============================================================================

func (c *Client) request(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	if c.getState() != StateConnected {
		return nil, errors.ErrNotRunning
	}

	id := c.requestID.Add(2) // ids start at 2; 1 is the auth exchange
	env.Id = id

	ch := make(chan *wire.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.mu.Lock()
	w := c.wire
	shutdown := c.shutdown
	c.mu.Unlock()
	if w == nil {
		return nil, errors.ErrNotRunning
	}

	if err := w.Write(env); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errors.ErrClosed
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", resp.Error.Message, errors.CodeToError(resp.Error.Code))
		}
		return resp, nil

	case <-ctx.Done():
		return nil, fmt.Errorf("%v: %w", ctx.Err(), errors.ErrTimeout)

	case <-shutdown:
		return nil, errors.ErrClosed
	}
}

func (c *Client) requestWithTimeout(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	return c.request(ctx, env)
}

// =============================================================================
// Operations
// =============================================================================

// Publish sends one sample. seqHint, when non-nil, is the
// producer-assigned sequence making redelivery idempotent.
func (c *Client) Publish(ctx context.Context, sample types.Sample, seqHint *uint32) (*wire.PublishAck, error) {
	payload, err := types.EncodePayload(&sample)
	if err != nil {
		return nil, err
	}

	pub := &wire.Publish{
		FeedID:      sample.FeedID,
		TimestampMs: sample.TimestampMs,
		ValueType:   uint8(sample.ValueType),
		Payload:     payload,
	}
	if seqHint != nil {
		pub.SeqHint = *seqHint
		pub.HasSeqHint = true
	}

	resp, err := c.requestWithTimeout(ctx, &wire.Envelope{Type: wire.TypePublish, Publish: pub})
	if err != nil {
		return nil, err
	}
	if resp.PublishAck == nil {
		return nil, errors.ErrMalformedMessage
	}
	return resp.PublishAck, nil
}

// Subscribe opens a live subscription. Samples arrive via OnSample.
// fromMs >= 0 requests backlog from that time first; fromMs < 0 is
// live-only.
func (c *Client) Subscribe(ctx context.Context, feedID string, fromMs int64) (string, error) {
	resp, err := c.requestWithTimeout(ctx, &wire.Envelope{
		Type:      wire.TypeSubscribe,
		Subscribe: &wire.Subscribe{FeedID: feedID, FromMs: fromMs},
	})
	if err != nil {
		return "", err
	}
	if resp.SubOK == nil {
		return "", errors.ErrMalformedMessage
	}
	return resp.SubOK.SubscriptionID, nil
}

// Unsubscribe closes a subscription.
func (c *Client) Unsubscribe(ctx context.Context, subID string) error {
	_, err := c.requestWithTimeout(ctx, &wire.Envelope{
		Type:        wire.TypeUnsubscribe,
		Unsubscribe: &wire.Unsubscribe{SubscriptionID: subID},
	})
	return err
}

// ReadRange returns stored samples in [fromMs, toMs]. partial is true
// when durable storage was unreachable and only the cached portion came
// back.
func (c *Client) ReadRange(ctx context.Context, feedID string, fromMs, toMs int64, limit int) (samples []types.Sample, partial bool, err error) {
	resp, err := c.requestWithTimeout(ctx, &wire.Envelope{
		Type:      wire.TypeReadRange,
		ReadRange: &wire.ReadRange{FeedID: feedID, FromMs: fromMs, ToMs: toMs, Limit: limit},
	})
	if err != nil {
		return nil, false, err
	}
	if resp.RangeResp == nil {
		return nil, false, errors.ErrMalformedMessage
	}

	samples = make([]types.Sample, 0, len(resp.RangeResp.Samples))
	for i := range resp.RangeResp.Samples {
		sample, err := wireToSample(&resp.RangeResp.Samples[i])
		if err != nil {
			return nil, false, err
		}
		samples = append(samples, sample)
	}

	if resp.RangeResp.Partial {
		return samples, true, errors.CodeToError(resp.RangeResp.ErrorCode)
	}
	return samples, false, nil
}

// ReadLatest returns the newest sample of a feed.
func (c *Client) ReadLatest(ctx context.Context, feedID string) (types.Sample, bool, error) {
	resp, err := c.requestWithTimeout(ctx, &wire.Envelope{
		Type:       wire.TypeReadLatest,
		ReadLatest: &wire.ReadLatest{FeedID: feedID},
	})
	if err != nil {
		return types.Sample{}, false, err
	}
	if resp.LatestResp == nil {
		return types.Sample{}, false, errors.ErrMalformedMessage
	}
	if resp.LatestResp.Sample == nil {
		return types.Sample{}, false, nil
	}
	sample, err := wireToSample(resp.LatestResp.Sample)
	if err != nil {
		return types.Sample{}, false, err
	}
	return sample, true, nil
}

// CreateFeed registers a feed.
func (c *Client) CreateFeed(ctx context.Context, feedID string, valueType feed.ValueType, retention time.Duration) error {
	_, err := c.requestWithTimeout(ctx, &wire.Envelope{
		Type: wire.TypeCreateFeed,
		CreateFeed: &wire.CreateFeed{
			FeedID:      feedID,
			ValueType:   uint8(valueType),
			RetentionMs: retention.Milliseconds(),
		},
	})
	return err
}

// DeleteFeed removes a feed.
func (c *Client) DeleteFeed(ctx context.Context, feedID string) error {
	_, err := c.requestWithTimeout(ctx, &wire.Envelope{
		Type:       wire.TypeDeleteFeed,
		DeleteFeed: &wire.DeleteFeed{FeedID: feedID},
	})
	return err
}

// Grant adds a permission grant (admin tokens only).
func (c *Client) Grant(ctx context.Context, user, pattern, capability string) error {
	_, err := c.requestWithTimeout(ctx, &wire.Envelope{
		Type:  wire.TypeGrant,
		Grant: &wire.Grant{User: user, Pattern: pattern, Capability: capability},
	})
	return err
}

// Revoke removes a permission grant (admin tokens only).
func (c *Client) Revoke(ctx context.Context, user, pattern, capability string) error {
	_, err := c.requestWithTimeout(ctx, &wire.Envelope{
		Type:   wire.TypeRevoke,
		Revoke: &wire.Revoke{User: user, Pattern: pattern, Capability: capability},
	})
	return err
}

// wireToSample decodes a wire sample into its stored form.
func wireToSample(ws *wire.Sample) (types.Sample, error) {
	sample := types.Sample{
		FeedID:      ws.FeedID,
		TimestampMs: ws.TimestampMs,
		Seq:         ws.Seq,
		ValueType:   feed.ValueType(ws.ValueType),
		Late:        ws.Late,
	}
	if err := types.DecodePayload(&sample, ws.Payload); err != nil {
		return types.Sample{}, err
	}
	return sample, nil
}
