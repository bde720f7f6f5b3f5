package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labfeed/labfeed/internal/errors"
	"github.com/labfeed/labfeed/internal/logging"
	"github.com/labfeed/labfeed/internal/transport"
	"github.com/labfeed/labfeed/internal/tsstore/types"
	"github.com/labfeed/labfeed/internal/wire"
)

// Session is one authenticated connection. There is no session
// resumption: after a disconnect the client re-authenticates and
// re-subscribes from its last delivered (timestamp, seq), and the
// backlog replay fills the gap.
//
// Session is safe for concurrent use.
type Session struct {
	// Immutable
	ID    string
	User  string
	Admin bool

	backend transport.Backend

	conn net.Conn

	// Outbound frame queue, drained by the writer goroutine.
	sendMu sync.RWMutex
	sendCh chan []byte

	// Live streams of this session, by subscription id.
	mu      sync.Mutex
	streams map[string]transport.Stream

	closed    atomic.Bool
	closeOnce sync.Once

	sendTimeout time.Duration
}

func newSession(token TokenConfig, conn net.Conn, backend transport.Backend, sendBufferSize, sendTimeoutMs int) *Session {
	return &Session{
		ID:          generateSessionID(),
		User:        token.User,
		Admin:       token.Admin,
		backend:     backend,
		conn:        conn,
		sendCh:      make(chan []byte, sendBufferSize),
		streams:     make(map[string]transport.Stream),
		sendTimeout: time.Duration(sendTimeoutMs) * time.Millisecond,
	}
}

// SendChan returns the outbound queue for the writer goroutine.
func (s *Session) SendChan() <-chan []byte {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	return s.sendCh
}

// Send queues a framed message. Returns false when the session is
// closed or the queue stayed full past the send timeout.
func (s *Session) Send(data []byte) bool {
	if s.closed.Load() {
		return false
	}

	s.sendMu.RLock()
	ch := s.sendCh
	s.sendMu.RUnlock()
	if ch == nil {
		return false
	}

	select {
	case ch <- data:
		return true
	default:
	}

	select {
	case ch <- data:
		return true
	case <-time.After(s.sendTimeout):
		log.Warn("send buffer full, dropping message", "session_id", s.ID)
		return false
	}
}

// IsClosed reports whether the session is closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Close tears the session down: subscriptions, send queue, socket.
// Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.mu.Lock()
		streams := s.streams
		s.streams = make(map[string]transport.Stream)
		s.mu.Unlock()
		for id := range streams {
			s.backend.Unsubscribe(id)
		}

		s.sendMu.Lock()
		if s.sendCh != nil {
			close(s.sendCh)
			s.sendCh = nil
		}
		s.sendMu.Unlock()

		s.conn.Close()
	})
}

// ============================================================================
// Dispatch
// ============================================================================

// handle dispatches one request envelope. Replies go through the send
// queue so the writer goroutine stays the only socket writer.
func (s *Session) handle(env *wire.Envelope) {
	ctx := logging.ContextWithUser(context.Background(), s.User)
	ctx = logging.ContextWithRequestID(ctx, env.Id)

	switch env.Type {
	case wire.TypePublish:
		s.handlePublish(ctx, env)
	case wire.TypeSubscribe:
		s.handleSubscribe(ctx, env)
	case wire.TypeUnsubscribe:
		s.handleUnsubscribe(env)
	case wire.TypeReadRange:
		s.handleReadRange(ctx, env)
	case wire.TypeReadLatest:
		s.handleReadLatest(ctx, env)
	case wire.TypeCreateFeed:
		s.handleCreateFeed(ctx, env)
	case wire.TypeDeleteFeed:
		s.handleDeleteFeed(ctx, env)
	case wire.TypeGrant, wire.TypeRevoke:
		s.handleGrantRevoke(ctx, env)
	default:
		s.reply(wire.NewErrorf(env.Id, errors.CodeInvalidRequest,
			"unexpected message type %s", env.Type))
	}
}

func (s *Session) handlePublish(ctx context.Context, env *wire.Envelope) {
	if env.Publish == nil {
		s.reply(wire.NewError(env.Id, errors.CodeMalformedMessage, "publish payload missing"))
		return
	}
	ack, err := s.backend.Publish(ctx, s.User, env.Publish)
	if err != nil {
		s.reply(wire.NewErrorFromErr(env.Id, err))
		return
	}
	s.reply(&wire.Envelope{Id: env.Id, Type: wire.TypePublishAck, PublishAck: ack})
}

func (s *Session) handleSubscribe(ctx context.Context, env *wire.Envelope) {
	if env.Subscribe == nil {
		s.reply(wire.NewError(env.Id, errors.CodeMalformedMessage, "subscribe payload missing"))
		return
	}

	stream, err := s.backend.Subscribe(ctx, s.User, env.Subscribe.FeedID, env.Subscribe.FromMs)
	if err != nil {
		s.reply(wire.NewErrorFromErr(env.Id, err))
		return
	}

	s.mu.Lock()
	s.streams[stream.ID()] = stream
	s.mu.Unlock()

	s.reply(&wire.Envelope{
		Id:    env.Id,
		Type:  wire.TypeSubscribeOK,
		SubOK: &wire.SubscribeOK{SubscriptionID: stream.ID()},
	})

	go s.forward(stream)
}

// forward pumps one stream into the session send queue until the
// stream closes. A send the session cannot absorb ends the
// subscription; the session itself stays up.
func (s *Session) forward(stream transport.Stream) {
	for sample := range stream.C() {
		ws, err := sampleToWire(sample)
		if err != nil {
			log.Error("sample encode failed", "feed", sample.FeedID, "error", err)
			continue
		}
		data, err := wire.Encode(&wire.Envelope{Type: wire.TypeSample, Sample: ws})
		if err != nil {
			continue
		}
		if !s.Send(data) {
			s.backend.Unsubscribe(stream.ID())
			break
		}
	}

	s.mu.Lock()
	delete(s.streams, stream.ID())
	s.mu.Unlock()
}

func (s *Session) handleUnsubscribe(env *wire.Envelope) {
	if env.Unsubscribe == nil {
		s.reply(wire.NewError(env.Id, errors.CodeMalformedMessage, "unsubscribe payload missing"))
		return
	}

	s.mu.Lock()
	delete(s.streams, env.Unsubscribe.SubscriptionID)
	s.mu.Unlock()

	if err := s.backend.Unsubscribe(env.Unsubscribe.SubscriptionID); err != nil {
		s.reply(wire.NewErrorFromErr(env.Id, err))
		return
	}
	s.reply(&wire.Envelope{Id: env.Id, Type: wire.TypeOK})
}

func (s *Session) handleReadRange(ctx context.Context, env *wire.Envelope) {
	if env.ReadRange == nil {
		s.reply(wire.NewError(env.Id, errors.CodeMalformedMessage, "read_range payload missing"))
		return
	}
	req := env.ReadRange

	samples, partial, err := s.backend.ReadRange(ctx, s.User, req.FeedID, req.FromMs, req.ToMs, req.Limit)
	if err != nil && !partial {
		s.reply(wire.NewErrorFromErr(env.Id, err))
		return
	}

	resp := &wire.ReadRangeResponse{Partial: partial}
	if partial {
		resp.ErrorCode = errors.ErrorToCode(err)
	}
	resp.Samples = make([]wire.Sample, 0, len(samples))
	for i := range samples {
		ws, err := sampleToWire(samples[i])
		if err != nil {
			s.reply(wire.NewErrorFromErr(env.Id, err))
			return
		}
		resp.Samples = append(resp.Samples, *ws)
	}
	s.reply(&wire.Envelope{Id: env.Id, Type: wire.TypeReadRangeResponse, RangeResp: resp})
}

func (s *Session) handleReadLatest(ctx context.Context, env *wire.Envelope) {
	if env.ReadLatest == nil {
		s.reply(wire.NewError(env.Id, errors.CodeMalformedMessage, "read_latest payload missing"))
		return
	}

	sample, ok, err := s.backend.ReadLatest(ctx, s.User, env.ReadLatest.FeedID)
	if err != nil {
		s.reply(wire.NewErrorFromErr(env.Id, err))
		return
	}

	resp := &wire.ReadLatestResponse{}
	if ok {
		ws, err := sampleToWire(sample)
		if err != nil {
			s.reply(wire.NewErrorFromErr(env.Id, err))
			return
		}
		resp.Sample = ws
	}
	s.reply(&wire.Envelope{Id: env.Id, Type: wire.TypeReadLatestResponse, LatestResp: resp})
}

func (s *Session) handleCreateFeed(ctx context.Context, env *wire.Envelope) {
	if env.CreateFeed == nil {
		s.reply(wire.NewError(env.Id, errors.CodeMalformedMessage, "create_feed payload missing"))
		return
	}
	req := env.CreateFeed

	if err := s.backend.CreateFeed(ctx, s.User, req.FeedID, req.ValueType, req.RetentionMs); err != nil {
		s.reply(wire.NewErrorFromErr(env.Id, err))
		return
	}
	s.reply(&wire.Envelope{Id: env.Id, Type: wire.TypeOK})
}

func (s *Session) handleDeleteFeed(ctx context.Context, env *wire.Envelope) {
	if env.DeleteFeed == nil {
		s.reply(wire.NewError(env.Id, errors.CodeMalformedMessage, "delete_feed payload missing"))
		return
	}

	if err := s.backend.DeleteFeed(ctx, s.User, env.DeleteFeed.FeedID); err != nil {
		s.reply(wire.NewErrorFromErr(env.Id, err))
		return
	}
	s.reply(&wire.Envelope{Id: env.Id, Type: wire.TypeOK})
}

// handleGrantRevoke processes grant management. Only admin tokens may
// change grants.
func (s *Session) handleGrantRevoke(ctx context.Context, env *wire.Envelope) {
	if !s.Admin {
		s.reply(wire.NewError(env.Id, errors.CodePermissionDenied,
			"grant management requires an admin token"))
		return
	}

	var err error
	switch {
	case env.Type == wire.TypeGrant && env.Grant != nil:
		err = s.backend.Grant(ctx, env.Grant.User, env.Grant.Pattern, env.Grant.Capability)
	case env.Type == wire.TypeRevoke && env.Revoke != nil:
		err = s.backend.Revoke(ctx, env.Revoke.User, env.Revoke.Pattern, env.Revoke.Capability)
	default:
		s.reply(wire.NewError(env.Id, errors.CodeMalformedMessage, "grant payload missing"))
		return
	}

	if err != nil {
		s.reply(wire.NewErrorFromErr(env.Id, err))
		return
	}
	s.reply(&wire.Envelope{Id: env.Id, Type: wire.TypeOK})
}

// reply queues a response envelope.
func (s *Session) reply(env *wire.Envelope) {
	data, err := wire.Encode(env)
	if err != nil {
		log.Error("response encode failed", "session_id", s.ID, "error", err)
		return
	}
	s.Send(data)
}

// sampleToWire converts a stored sample to its wire form.
func sampleToWire(sample types.Sample) (*wire.Sample, error) {
	payload, err := types.EncodePayload(&sample)
	if err != nil {
		return nil, err
	}
	return &wire.Sample{
		FeedID:      sample.FeedID,
		TimestampMs: sample.TimestampMs,
		Seq:         sample.Seq,
		ValueType:   uint8(sample.ValueType),
		Payload:     payload,
		Late:        sample.Late,
	}, nil
}

// generateSessionID returns 128 bits of randomness as hex.
func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate session ID: " + err.Error())
	}
	return hex.EncodeToString(b)
}
