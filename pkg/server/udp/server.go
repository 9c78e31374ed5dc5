// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/retiarius/pkg/breaker"
	"github.com/absmach/retiarius/pkg/datagram"
	"github.com/absmach/retiarius/pkg/errors"
	"github.com/absmach/retiarius/pkg/filter"
	"github.com/absmach/retiarius/pkg/handler"
	"github.com/absmach/retiarius/pkg/metrics"
	"github.com/absmach/retiarius/pkg/pool"
	"github.com/absmach/retiarius/pkg/pump"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSessionTimeout is the default timeout for idle UDP sessions.
	DefaultSessionTimeout = 2 * time.Minute

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = pool.MaxSize

	// DefaultBufferSize is the default read size, one Ethernet MTU.
	DefaultBufferSize = datagram.DefaultMTU

	// DefaultQueueSize is the default capacity of every pump queue.
	DefaultQueueSize = pump.DefaultQueueSize
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.ErrShutdownTimeout

// Config holds the UDP relay configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TargetAddress is the backend server address to relay to (host:port)
	TargetAddress string

	// SessionTimeout is the idle timeout for UDP sessions.
	// A session with no traffic in either direction for this duration is
	// evicted and its backend socket released.
	SessionTimeout time.Duration

	// SweepInterval is how often idle sessions are looked for.
	// If 0, uses SessionTimeout / 2.
	SweepInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for sessions to close
	// during graceful shutdown
	ShutdownTimeout time.Duration

	// MaxSessions is the maximum number of concurrent UDP sessions allowed.
	// If 0, no limit is enforced.
	MaxSessions int

	// BufferSize is the largest datagram read from any socket, in bytes.
	// If 0, uses DefaultBufferSize (1500 bytes).
	// Must not exceed MaxDatagramSize (65535).
	BufferSize int

	// QueueSize is the capacity of every pump queue and of the inbound
	// channels. If 0, uses DefaultQueueSize.
	QueueSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// FilterDirections selects which traffic the filter is applied to.
	// If 0, the filter applies to client -> server traffic only.
	FilterDirections datagram.Directions

	// Breaker, if set, guards backend session creation. A failed dial and
	// every read or write refused by the backend (ICMP port unreachable on
	// a session socket) count as failures, so the breaker opens while the
	// backend is down.
	Breaker *breaker.CircuitBreaker

	// Dial opens the backend socket of a new session.
	// If nil, uses net.DialUDP from an ephemeral local port.
	Dial func(target *net.UDPAddr) (*net.UDPConn, error)

	// Metrics for relay events. If nil, metrics go to a private registry.
	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Server relays datagrams between clients and one backend server, giving
// every client address its own backend socket.
type Server struct {
	config   Config
	filter   filter.Filter
	handler  handler.Handler
	sessions *SessionManager
	buffers  *pool.Buffers
	metrics  *metrics.Metrics

	target    *net.UDPAddr
	backendIn chan datagram.Datagram
	dead      chan *Session

	client  atomic.Pointer[pump.Pump]
	ready   chan struct{}
	watchWg sync.WaitGroup
}

// New creates a new UDP relay with the given configuration, filter, and handler.
// A nil filter passes every datagram; a nil handler ignores session events.
func New(cfg Config, f filter.Filter, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = cfg.SessionTimeout / 2
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.FilterDirections == 0 {
		cfg.FilterDirections = datagram.UpstreamOnly
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("", prometheus.NewRegistry())
	}
	if cfg.Dial == nil {
		cfg.Dial = func(target *net.UDPAddr) (*net.UDPConn, error) {
			return net.DialUDP("udp", nil, target)
		}
	}
	if f == nil {
		f = filter.Pass{}
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Server{
		config:    cfg,
		filter:    f,
		handler:   h,
		sessions:  NewSessionManager(cfg.Logger, cfg.MaxSessions),
		buffers:   pool.New(cfg.BufferSize),
		metrics:   cfg.Metrics,
		backendIn: make(chan datagram.Datagram, cfg.QueueSize),
		dead:      make(chan *Session, 16),
		ready:     make(chan struct{}),
	}
}

// Listen starts the relay and blocks until the context is cancelled or the
// client-facing socket fails. On return every socket has been released.
func (s *Server) Listen(ctx context.Context) error {
	target, err := net.ResolveUDPAddr("udp", s.config.TargetAddress)
	if err != nil {
		return fmt.Errorf("failed to resolve target address %s: %w", s.config.TargetAddress, err)
	}
	s.target = target

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.tuneSocket(conn)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	clientIn := make(chan datagram.Datagram, s.config.QueueSize)
	client := pump.Start(runCtx, conn, clientIn, pump.Config{
		Name:      "client",
		QueueSize: s.config.QueueSize,
		Buffers:   s.buffers,
		Metrics:   s.metrics,
		Logger:    s.config.Logger,
	})
	s.client.Store(client)
	close(s.ready)

	s.config.Logger.Info("UDP relay started",
		slog.String("address", client.LocalAddr().String()),
		slog.String("target", target.String()),
		slog.Duration("session_timeout", s.config.SessionTimeout),
		slog.String("buffer_size", humanize.Bytes(uint64(s.config.BufferSize))),
		slog.Int("queue_size", s.config.QueueSize),
		slog.String("filter_directions", s.config.FilterDirections.String()))

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return s.route(gctx, client, clientIn)
	})
	g.Go(func() error {
		s.sweep(gctx)
		return nil
	})

	routeErr := g.Wait()
	if routeErr == nil {
		s.config.Logger.Info("shutdown signal received, closing listener")
	}

	cancel()
	client.Close()

	if err := s.drain(); err != nil {
		if routeErr != nil {
			return routeErr
		}
		return err
	}
	return routeErr
}

// route is the single router loop. It owns session creation and moves
// datagrams between the client pump and the backend pumps.
func (s *Server) route(ctx context.Context, client *pump.Pump, clientIn <-chan datagram.Datagram) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			if err := client.Err(); err != nil {
				return fmt.Errorf("client pump stopped: %w", err)
			}
			return nil
		case d := <-clientIn:
			s.routeUpstream(ctx, d)
		case d := <-s.backendIn:
			s.routeDownstream(ctx, client, d)
		case sess := <-s.dead:
			s.retire(sess, metrics.ClosePumpDead)
		}
	}
}

// routeUpstream forwards a client datagram to the session's backend pump,
// creating the session on first sight of the client address.
func (s *Server) routeUpstream(ctx context.Context, d datagram.Datagram) {
	up := datagram.Upstream.String()

	sess, isNew, err := s.sessions.GetOrCreate(ctx, d.Origin, s.newSession)
	if err != nil {
		s.metrics.SessionFailures.WithLabelValues(failureType(err)).Inc()
		s.metrics.ObserveDrop(up, metrics.ReasonSessionFailed)
		s.config.Logger.Warn("failed to create session",
			slog.String("client", d.Origin.String()),
			slog.String("error", err.Error()))
		return
	}
	if isNew {
		s.opened(ctx, sess)
	}
	sess.UpdateActivity()

	if s.config.FilterDirections.Has(datagram.Upstream) {
		var ok bool
		if d, ok = s.filter.Apply(d); !ok {
			s.metrics.ObserveDrop(up, metrics.ReasonFiltered)
			return
		}
	}

	// A full session queue drops rather than stalls every other session.
	switch err := sess.Backend.TrySend(d.To(s.target)); {
	case err == nil:
		sess.countUpstream(d.Len())
		s.metrics.ObserveForward(up, d.Len())
	case errors.Is(err, errors.ErrQueueFull):
		s.metrics.ObserveDrop(up, metrics.ReasonQueueFull)
	default:
		// The pump died before its watcher reported it; the next datagram
		// from this client gets a fresh session.
		s.metrics.ObserveDrop(up, metrics.ReasonNoSession)
		s.retire(sess, metrics.ClosePumpDead)
	}
}

// routeDownstream forwards a backend reply to the client that owns the
// session it arrived on.
func (s *Server) routeDownstream(ctx context.Context, client *pump.Pump, d datagram.Datagram) {
	down := datagram.Downstream.String()

	sess, ok := s.sessions.Get(d.Session)
	if !ok {
		s.metrics.ObserveDrop(down, metrics.ReasonNoSession)
		return
	}
	sess.UpdateActivity()

	if s.config.FilterDirections.Has(datagram.Downstream) {
		if d, ok = s.filter.Apply(d); !ok {
			s.metrics.ObserveDrop(down, metrics.ReasonFiltered)
			return
		}
	}

	d.Origin = nil
	if err := client.Send(ctx, d.To(sess.RemoteAddr)); err != nil {
		return
	}
	sess.countDownstream(d.Len())
	s.metrics.ObserveForward(down, d.Len())
}

// newSession binds an ephemeral backend socket connected to the target and
// starts its pump. It is the SessionFactory used by the router.
func (s *Server) newSession(ctx context.Context, clientAddr *net.UDPAddr) (*Session, error) {
	var conn *net.UDPConn
	dial := func() error {
		var err error
		conn, err = s.config.Dial(s.target)
		return err
	}

	var err error
	if s.config.Breaker != nil {
		err = s.config.Breaker.Call(dial)
	} else {
		err = dial()
	}
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			err = errors.Wrap(errors.ErrBackendUnavailable, err.Error())
		}
		return nil, errors.New("create session", "", clientAddr.String(), err)
	}
	s.tuneSocket(conn)

	id := uuid.New().String()
	key := clientAddr.String()
	backend := pump.Start(ctx, conn, s.backendIn, pump.Config{
		Name:      "backend",
		Session:   key,
		QueueSize: s.config.QueueSize,
		Buffers:   s.buffers,
		Metrics:   s.metrics,
		OnError:   s.backendError,
		Logger:    s.config.Logger.With(slog.String("session", id)),
	})

	return &Session{
		ID:         id,
		RemoteAddr: clientAddr,
		Backend:    backend,
		Context: &handler.Context{
			SessionID:  id,
			RemoteAddr: key,
			LocalAddr:  backend.LocalAddr().String(),
			ServerAddr: s.target.String(),
			CreatedAt:  time.Now(),
		},
	}, nil
}

// backendError feeds refusals from the backend into the breaker.
func (s *Server) backendError(err error) {
	if s.config.Breaker != nil && pump.IsRefused(err) {
		s.config.Breaker.Failure()
	}
}

// opened runs once per new session: metrics, hooks, and the watcher that
// reports a backend pump dying on a fatal socket error.
func (s *Server) opened(ctx context.Context, sess *Session) {
	s.metrics.SessionsOpened.Inc()
	s.metrics.ActiveSessions.Inc()

	s.config.Logger.Debug("session opened",
		slog.String("session", sess.ID),
		slog.String("client", sess.RemoteAddr.String()),
		slog.String("backend_local", sess.Context.LocalAddr))

	if err := s.handler.OnSessionOpen(ctx, sess.Context); err != nil {
		s.config.Logger.Error("session open handler error",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
	}

	s.watchWg.Add(1)
	go func() {
		defer s.watchWg.Done()
		select {
		case <-sess.Backend.Done():
		case <-ctx.Done():
			return
		}
		if sess.Backend.Err() == nil {
			// Closed on purpose by eviction or shutdown.
			return
		}
		select {
		case s.dead <- sess:
		case <-ctx.Done():
		}
	}()
}

// retire removes sess from the table, if it is still there, and closes it.
func (s *Server) retire(sess *Session, reason string) {
	if s.sessions.Remove(sess) {
		s.closeSession(sess, reason)
	}
}

// closeSession releases a session already removed from the table.
func (s *Server) closeSession(sess *Session, reason string) {
	sess.Close()

	s.metrics.ActiveSessions.Dec()
	s.metrics.SessionsClosed.WithLabelValues(reason).Inc()
	s.metrics.SessionDuration.Observe(time.Since(sess.Context.CreatedAt).Seconds())

	stats := sess.Stats()
	s.config.Logger.Debug("session closed",
		slog.String("session", sess.ID),
		slog.String("client", sess.RemoteAddr.String()),
		slog.String("reason", reason),
		slog.String("upstream", humanize.Bytes(stats.UpstreamBytes)),
		slog.String("downstream", humanize.Bytes(stats.DownstreamBytes)))

	if err := s.handler.OnSessionClose(context.Background(), sess.Context, reason, stats); err != nil {
		s.config.Logger.Error("session close handler error",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
	}
}

// sweep periodically evicts idle sessions.
func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := s.sessions.Expired(s.config.SessionTimeout)
			for _, sess := range expired {
				s.closeSession(sess, metrics.CloseIdle)
			}
			if len(expired) > 0 {
				s.config.Logger.Debug("cleaned up expired sessions", slog.Int("count", len(expired)))
			}
		}
	}
}

// drain closes every remaining session, giving up after ShutdownTimeout.
func (s *Server) drain() error {
	s.config.Logger.Info("draining all UDP sessions")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, sess := range s.sessions.RemoveAll() {
			s.closeSession(sess, metrics.CloseShutdown)
		}
		s.watchWg.Wait()
	}()

	select {
	case <-done:
		s.config.Logger.Info("all sessions drained")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("drain timeout exceeded")
		return ErrShutdownTimeout
	}
}

func (s *Server) tuneSocket(conn *net.UDPConn) {
	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}
}

// Ready is closed once the client-facing socket is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound client-facing address, or nil before Ready.
func (s *Server) Addr() *net.UDPAddr {
	if client := s.client.Load(); client != nil {
		return client.LocalAddr()
	}
	return nil
}

// SessionCount returns the number of active sessions.
func (s *Server) SessionCount() int {
	return s.sessions.Count()
}

// Healthy reports whether the client-facing pump is running.
func (s *Server) Healthy() error {
	client := s.client.Load()
	if client == nil {
		return fmt.Errorf("relay not started")
	}
	select {
	case <-client.Done():
		if err := client.Err(); err != nil {
			return fmt.Errorf("client pump stopped: %w", err)
		}
		return fmt.Errorf("client pump stopped")
	default:
		return nil
	}
}

func failureType(err error) string {
	switch {
	case errors.Is(err, errors.ErrSessionLimit):
		return "session_limit"
	case errors.Is(err, errors.ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "dial"
	}
}
