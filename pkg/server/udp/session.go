// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/retiarius/pkg/errors"
	"github.com/absmach/retiarius/pkg/handler"
	"github.com/absmach/retiarius/pkg/pump"
)

// Session binds one client address to the backend pump that owns the
// client's dedicated backend socket.
type Session struct {
	// ID is a unique identifier for this session
	ID string

	// RemoteAddr is the client's UDP address
	RemoteAddr *net.UDPAddr

	// Backend is the pump owning the session's backend socket
	Backend *pump.Pump

	// Context is the handler context for this session
	Context *handler.Context

	key          string
	lastActivity atomic.Int64

	upDatagrams   atomic.Uint64
	upBytes       atomic.Uint64
	downDatagrams atomic.Uint64
	downBytes     atomic.Uint64
}

// Key returns the session table key, the client address in host:port form.
func (s *Session) Key() string {
	return s.key
}

// UpdateActivity updates the last activity timestamp for this session.
func (s *Session) UpdateActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// GetLastActivity returns the last activity timestamp.
func (s *Session) GetLastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Stats returns the traffic carried by the session so far.
func (s *Session) Stats() handler.Stats {
	return handler.Stats{
		UpstreamDatagrams:   s.upDatagrams.Load(),
		UpstreamBytes:       s.upBytes.Load(),
		DownstreamDatagrams: s.downDatagrams.Load(),
		DownstreamBytes:     s.downBytes.Load(),
	}
}

func (s *Session) countUpstream(n int) {
	s.upDatagrams.Add(1)
	s.upBytes.Add(uint64(n))
}

func (s *Session) countDownstream(n int) {
	s.downDatagrams.Add(1)
	s.downBytes.Add(uint64(n))
}

// Close stops the backend pump and releases its socket.
func (s *Session) Close() error {
	if s.Backend != nil {
		return s.Backend.Close()
	}
	return nil
}

// SessionFactory creates a session for a client seen for the first time.
// It must not return a partially constructed session: on error every
// resource it acquired has been released.
type SessionFactory func(ctx context.Context, clientAddr *net.UDPAddr) (*Session, error)

// SessionManager is the session table, keyed by client address.
//
// The router is the only goroutine that creates sessions; the idle sweep and
// dead-pump handling remove them. All mutations hold mu.
type SessionManager struct {
	sessions    map[string]*Session
	mu          sync.RWMutex
	logger      *slog.Logger
	maxSessions int
}

// NewSessionManager creates a new session manager.
// maxSessions bounds the table; 0 means unlimited.
func NewSessionManager(logger *slog.Logger, maxSessions int) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions:    make(map[string]*Session),
		logger:      logger,
		maxSessions: maxSessions,
	}
}

// GetOrCreate returns the session for clientAddr, calling create to build
// one if none exists. The boolean is true when the session was created.
// On error nothing is installed, so the next call retries creation.
func (sm *SessionManager) GetOrCreate(ctx context.Context, clientAddr *net.UDPAddr, create SessionFactory) (*Session, bool, error) {
	key := clientAddr.String()

	sm.mu.RLock()
	if sess, ok := sm.sessions[key]; ok {
		sm.mu.RUnlock()
		return sess, false, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Double-check in case another goroutine created it
	if sess, ok := sm.sessions[key]; ok {
		return sess, false, nil
	}

	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		return nil, false, errors.ErrSessionLimit
	}

	sess, err := create(ctx, clientAddr)
	if err != nil {
		return nil, false, err
	}
	sess.key = key
	sess.UpdateActivity()

	sm.sessions[key] = sess

	sm.logger.Debug("new UDP session created",
		slog.String("session", sess.ID),
		slog.String("client", key))

	return sess, true, nil
}

// Get returns the session stored under key.
func (sm *SessionManager) Get(key string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[key]
	return sess, ok
}

// Remove removes sess from the table. It reports false when the table holds
// a different session (or none) under sess's key, so a stale removal never
// evicts a session recreated for the same client.
func (sm *SessionManager) Remove(sess *Session) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if current, ok := sm.sessions[sess.key]; ok && current == sess {
		delete(sm.sessions, sess.key)
		return true
	}
	return false
}

// Expired removes and returns the sessions idle for longer than timeout.
// The caller owns closing them.
func (sm *SessionManager) Expired(timeout time.Duration) []*Session {
	now := time.Now()
	var candidates []*Session

	sm.mu.RLock()
	for _, sess := range sm.sessions {
		if now.Sub(sess.GetLastActivity()) > timeout {
			candidates = append(candidates, sess)
		}
	}
	sm.mu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}

	var expired []*Session
	sm.mu.Lock()
	for _, sess := range candidates {
		// Activity may have arrived between the two locks.
		if now.Sub(sess.GetLastActivity()) <= timeout {
			continue
		}
		if current, ok := sm.sessions[sess.key]; ok && current == sess {
			delete(sm.sessions, sess.key)
			expired = append(expired, sess)
		}
	}
	sm.mu.Unlock()

	return expired
}

// RemoveAll empties the table and returns every session it held.
func (sm *SessionManager) RemoveAll() []*Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	all := make([]*Session, 0, len(sm.sessions))
	for key, sess := range sm.sessions {
		all = append(all, sess)
		delete(sm.sessions, key)
	}
	return all
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
