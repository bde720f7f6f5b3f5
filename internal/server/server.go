// Package server is the TCP transport: it accepts connections,
// authenticates them with a first-message token exchange, and runs one
// session per connection dispatching into the backend.
package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/labfeed/labfeed/config"
	"github.com/labfeed/labfeed/internal/errors"
	"github.com/labfeed/labfeed/internal/logging"
	"github.com/labfeed/labfeed/internal/transport"
	"github.com/labfeed/labfeed/internal/wire"
)

var log = logging.Component("server")

// =============================================================================
// Rate Limiter for Failed Authentication Attempts
// =============================================================================

// RateLimiter limits FAILED authentication attempts per IP address per
// time window. Successful authentications are not counted and reset the
// failure counter.
type RateLimiter struct {
	mu       sync.RWMutex
	failures map[string]*rateLimitEntry
	limit    int
	window   time.Duration
}

type rateLimitEntry struct {
	count     int
	resetTime time.Time
}

// NewRateLimiter creates a rate limiter allowing limit failures per
// window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		failures: make(map[string]*rateLimitEntry),
		limit:    limit,
		window:   window,
	}
}

// IsBlocked reports whether the IP has exceeded the failure limit.
// Called before attempting authentication.
func (rl *RateLimiter) IsBlocked(ip string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok {
		return false
	}
	if time.Now().After(entry.resetTime) {
		return false
	}
	return entry.count >= rl.limit
}

// RecordFailure records a failed authentication attempt.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, ok := rl.failures[ip]
	if !ok || now.After(entry.resetTime) {
		rl.failures[ip] = &rateLimitEntry{count: 1, resetTime: now.Add(rl.window)}
		return
	}
	entry.count++
}

// Reset clears the failure count for an IP after a successful auth.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
}

// FailureCount returns the current failure count for an IP.
func (rl *RateLimiter) FailureCount(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok || time.Now().After(entry.resetTime) {
		return 0
	}
	return entry.count
}

// cleanup drops expired entries. Called from the server's sweep loop.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, entry := range rl.failures {
		if now.After(entry.resetTime) {
			delete(rl.failures, ip)
		}
	}
}

// =============================================================================
// Server Configuration
// =============================================================================

// TokenConfig maps an auth token to a backend identity. Admin tokens
// may manage grants.
type TokenConfig struct {
	User  string
	Token string
	Admin bool
}

// Config holds server configuration.
type Config struct {
	// Backend is the operation surface sessions dispatch into (required).
	Backend transport.Backend

	// Listen is the address to listen on (e.g. "0.0.0.0:9410").
	Listen string

	// Tokens are the accepted authentication tokens.
	Tokens []TokenConfig

	// AuthTimeoutSec is how long a connection may take to authenticate.
	AuthTimeoutSec int

	// SendBufferSize is the per-session outbound frame queue capacity.
	SendBufferSize int

	// SendTimeoutMs is how long an outbound frame waits on a full queue
	// before being dropped.
	SendTimeoutMs int
}

// =============================================================================
// Server
// =============================================================================

// Server is the labfeed TCP server.
type Server struct {
	cfg     *Config
	backend transport.Backend

	listener net.Listener

	mu       sync.RWMutex
	sessions map[string]*Session

	authRateLimiter *RateLimiter

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New creates a server.
func New(cfg *Config) *Server {
	if cfg.AuthTimeoutSec <= 0 {
		cfg.AuthTimeoutSec = config.DefaultAuthTimeoutSec
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = config.DefaultSubscriptionQueueSize
	}
	if cfg.SendTimeoutMs <= 0 {
		cfg.SendTimeoutMs = config.DefaultSubscriptionSendTimeoutMs
	}

	return &Server{
		cfg:      cfg,
		backend:  cfg.Backend,
		sessions: make(map[string]*Session),
		authRateLimiter: NewRateLimiter(
			config.DefaultAuthRateLimitPerMinute,
			time.Minute,
		),
		shutdown: make(chan struct{}),
	}
}

// Run starts listening and blocks until Shutdown.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	log.Info("listening", "address", ln.Addr().String())

	s.wg.Add(1)
	go s.sweepLoop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				log.Error("accept error", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Addr returns the bound listen address, once Run has started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and closes all sessions.
// Idempotent.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		log.Info("shutting down")
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}

		s.mu.Lock()
		for _, session := range s.sessions {
			session.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		log.Info("shutdown complete")
	})
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// =============================================================================
// Connection Handling
// =============================================================================

// handleConn authenticates a new connection and runs its session.
func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	remoteIP := extractIP(remote)

	if s.authRateLimiter.IsBlocked(remoteIP) {
		log.Warn("blocked due to too many failed auth attempts", "remote", remote)
		conn.Close()
		return
	}

	w := wire.NewConn(conn)

	// The first message must be auth, within the auth window.
	conn.SetDeadline(time.Now().Add(time.Duration(s.cfg.AuthTimeoutSec) * time.Second))

	env, err := w.Read()
	if err != nil {
		log.Debug("auth read error", "remote", remote, "error", err)
		conn.Close()
		return
	}

	if env.Type != wire.TypeAuth || env.Auth == nil {
		s.authRateLimiter.RecordFailure(remoteIP)
		w.Write(wire.NewError(env.Id, errors.CodeNotAuthenticated, "first message must be auth"))
		conn.Close()
		return
	}

	token, ok := s.lookupToken(env.Auth.Token)
	if !ok {
		s.authRateLimiter.RecordFailure(remoteIP)
		w.Write(&wire.Envelope{
			Id:       env.Id,
			Type:     wire.TypeAuthResponse,
			AuthResp: &wire.AuthResponse{OK: false, Message: "invalid token"},
		})
		conn.Close()
		log.Warn("auth failed", "remote", remote,
			"failure_count", s.authRateLimiter.FailureCount(remoteIP))
		return
	}

	s.authRateLimiter.Reset(remoteIP)
	conn.SetDeadline(time.Time{})

	session := newSession(token, conn, s.backend, s.cfg.SendBufferSize, s.cfg.SendTimeoutMs)
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	log.Info("session created", "session_id", session.ID, "remote", remote, "user", token.User)

	if err := w.Write(&wire.Envelope{
		Id:       env.Id,
		Type:     wire.TypeAuthResponse,
		AuthResp: &wire.AuthResponse{OK: true, SessionID: session.ID},
	}); err != nil {
		log.Error("auth response write failed", "remote", remote, "error", err)
		session.Close()
		s.removeSession(session.ID)
		return
	}

	// Writer goroutine: the only goroutine that writes to the socket
	// after auth.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range session.SendChan() {
			if _, err := conn.Write(data); err != nil {
				log.Debug("write failed, closing session",
					"session_id", session.ID, "error", err)
				session.Close()
				return
			}
		}
	}()

	for {
		env, err := w.Read()
		if err != nil {
			break
		}
		session.handle(env)
	}

	session.Close()
	<-done
	s.removeSession(session.ID)
	log.Info("session disconnected", "session_id", session.ID)
}

func (s *Server) lookupToken(token string) (TokenConfig, bool) {
	for _, t := range s.cfg.Tokens {
		if t.Token == token {
			return t, true
		}
	}
	return TokenConfig{}, false
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// sweepLoop periodically drops expired rate-limit entries and closed
// sessions.
func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(config.DefaultSessionCleanupIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.authRateLimiter.cleanup()
			s.mu.Lock()
			for id, session := range s.sessions {
				if session.IsClosed() {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		case <-s.shutdown:
			return
		}
	}
}

// extractIP extracts the IP address from a remote address string.
func extractIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
