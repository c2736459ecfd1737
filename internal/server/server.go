// Package server runs TLS sessions accepted from a listener through a
// Handler, with session limits, accept throttling and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avatls/internal/observability"
	tlspkg "github.com/vyrodovalexey/avatls/internal/tls"
	"github.com/vyrodovalexey/avatls/internal/transport"
)

// Default configuration values.
const (
	// DefaultAcceptDeadline is the deadline for accept operations
	// to allow periodic context checks.
	DefaultAcceptDeadline = 500 * time.Millisecond

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultIdleTimeout is the default session idle timeout.
	DefaultIdleTimeout = 5 * time.Minute

	// forceCloseWait bounds the wait for handlers after a forced close.
	forceCloseWait = time.Second
)

// ErrServerRunning is returned by Serve when the server is already serving.
var ErrServerRunning = errors.New("server already running")

// Config holds configuration for the server.
type Config struct {
	// Address is the address to listen on.
	Address string

	// MaxSessions is the maximum number of concurrent sessions.
	MaxSessions int

	// IdleTimeout bounds the handshake and, for the echo handler, each
	// wait for data.
	IdleTimeout time.Duration

	// AcceptRate limits accepted connections per second. Zero disables the limit.
	AcceptRate float64

	// AcceptBurst is the number of connections accepted above AcceptRate in a burst.
	AcceptBurst int

	// ShutdownTimeout is the timeout for graceful shutdown.
	ShutdownTimeout time.Duration

	// AcceptDeadline is the deadline for accept operations to allow
	// periodic context checks.
	AcceptDeadline time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Address:         ":8443",
		MaxSessions:     tlspkg.DefaultMaxSessions,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		AcceptDeadline:  DefaultAcceptDeadline,
	}
}

// EngineSource supplies the engine used for each new session.
// *tls.Reloader implements it.
type EngineSource interface {
	Engine() *tlspkg.Engine
}

type staticEngine struct {
	engine *tlspkg.Engine
}

func (s staticEngine) Engine() *tlspkg.Engine {
	return s.engine
}

// Static returns an EngineSource always supplying e.
func Static(e *tlspkg.Engine) EngineSource {
	return staticEngine{engine: e}
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithHandler sets the session handler. The default echoes data back.
func WithHandler(h Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.handler = h
		}
	}
}

// WithLogger sets the logger of the server.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server accepts TLS sessions from a listener.
type Server struct {
	source   EngineSource
	config   *Config
	handler  Handler
	logger   observability.Logger
	sessions *tlspkg.SessionTracker
	limiter  *rate.Limiter

	wg       sync.WaitGroup
	mu       sync.RWMutex
	listener net.Listener
	running  bool
	stopCh   chan struct{}
	cancel   context.CancelFunc
}

// New creates a server taking engines from source.
func New(source EngineSource, config *Config, opts ...Option) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	s := &Server{
		source: source,
		config: config,
		logger: observability.NopLogger(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.handler == nil {
		s.handler = &Echo{IdleTimeout: config.IdleTimeout}
	}

	s.sessions = tlspkg.NewSessionTracker(config.MaxSessions, s.logger)

	limit := rate.Inf
	if config.AcceptRate > 0 {
		limit = rate.Limit(config.AcceptRate)
	}
	burst := config.AcceptBurst
	if burst <= 0 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(limit, burst)

	return s
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := transport.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. It returns nil after Shutdown, or the
// context error once ctx is done and every handler has returned. The
// listener is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	serverCtx, err := s.initialize(ctx, ln)
	if err != nil {
		return err
	}

	s.logger.Info("starting TLS server",
		observability.String("address", ln.Addr().String()),
		observability.Int("max_sessions", s.config.MaxSessions),
		observability.Duration("idle_timeout", s.config.IdleTimeout),
		observability.Duration("shutdown_timeout", s.shutdownTimeout()),
	)

	err = s.acceptLoop(serverCtx, ln)
	s.closeListener()

	if s.stopped() {
		return nil
	}

	s.wg.Wait()
	s.finalize()
	return err
}

func (s *Server) initialize(ctx context.Context, ln net.Listener) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, ErrServerRunning
	}

	serverCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.listener = ln
	s.running = true
	s.stopCh = make(chan struct{})

	return serverCtx, nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	deadline := s.config.AcceptDeadline
	if deadline <= 0 {
		deadline = DefaultAcceptDeadline
	}

	for {
		if s.stopped() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if dl, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
			if err := dl.SetDeadline(time.Now().Add(deadline)); err != nil {
				s.logger.Warn("failed to set accept deadline", observability.Error(err))
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.stopped() || ctx.Err() != nil {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("accept error", observability.Error(err))
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			// Cancelled, or the next token lies past the ctx deadline.
			s.logger.Warn("connection throttled",
				observability.String("remote_addr", conn.RemoteAddr().String()),
				observability.Error(err),
			)
			_ = conn.Close()
			continue
		}

		s.spawn(ctx, conn)
	}
}

func (s *Server) spawn(ctx context.Context, conn net.Conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConnection(ctx, conn)
	}()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	engine := s.source.Engine()
	sess, err := engine.NewSession(conn, "")
	if err != nil {
		s.logger.Warn("session rejected",
			observability.String("remote_addr", conn.RemoteAddr().String()),
			observability.Error(err),
		)
		return
	}

	if err := s.sessions.Add(sess); err != nil {
		s.logger.Warn("session rejected",
			observability.String("remote_addr", conn.RemoteAddr().String()),
			observability.Error(err),
		)
		_ = sess.Close()
		return
	}
	defer s.sessions.Remove(sess.ID())
	defer func() { _ = sess.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	if s.config.IdleTimeout > 0 {
		_ = sess.SetTimeout(s.config.IdleTimeout)
	}

	if err := sess.Handshake(ctx); err != nil {
		s.logger.Debug("handshake failed",
			observability.String("session_id", sess.ID()),
			observability.String("remote_addr", sess.RemoteAddr().String()),
			observability.String("kind", tlspkg.KindOf(err).String()),
			observability.Error(err),
		)
		return
	}
	_ = sess.SetTimeout(0)

	if err := s.handler.ServeSession(ctx, sess); err != nil && ctx.Err() == nil {
		s.logger.Debug("handler error",
			observability.String("session_id", sess.ID()),
			observability.Error(err),
		)
	}

	stats := sess.Stats()
	s.logger.Debug("session finished",
		observability.String("session_id", sess.ID()),
		observability.Int64("bytes_in", stats.BytesIn),
		observability.Int64("bytes_out", stats.BytesOut),
		observability.Duration("duration", stats.Duration),
	)
}

// Shutdown stops accepting and waits for sessions to finish, up to the
// configured shutdown timeout or the ctx deadline, whichever comes first.
// Remaining sessions are then closed and an error wrapping the deadline is
// returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	select {
	case <-s.stopCh:
		s.mu.Unlock()
		return nil
	default:
		close(s.stopCh)
	}
	s.mu.Unlock()

	s.logger.Info("stopping TLS server",
		observability.Duration("shutdown_timeout", s.shutdownTimeout()),
		observability.Int("active_sessions", s.sessions.Count()),
	)

	s.closeListener()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout())
	defer cancel()

	var err error
	if !s.wait(shutdownCtx.Done()) {
		s.logger.Warn("graceful shutdown timed out, force closing remaining sessions",
			observability.Int("remaining_sessions", s.sessions.Count()),
		)
		s.cancelHandlers()
		s.sessions.CloseAll()
		forceCtx, forceCancel := context.WithTimeout(context.Background(), forceCloseWait)
		if !s.wait(forceCtx.Done()) {
			s.logger.Warn("some session handlers may still be running")
		}
		forceCancel()
		err = fmt.Errorf("graceful shutdown incomplete: %w", shutdownCtx.Err())
	}

	s.finalize()
	s.logger.Info("TLS server stopped")
	return err
}

// wait reports whether all handlers returned before done fired.
func (s *Server) wait(done <-chan struct{}) bool {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return true
	case <-done:
		return false
	}
}

func (s *Server) stopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Server) cancelHandlers() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) closeListener() {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("error closing listener", observability.Error(err))
		}
	}
}

func (s *Server) finalize() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
	s.mu.Unlock()
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.config.ShutdownTimeout <= 0 {
		return DefaultShutdownTimeout
	}
	return s.config.ShutdownTimeout
}

// IsRunning returns whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveSessions returns the number of sessions being served.
func (s *Server) ActiveSessions() int {
	return s.sessions.Count()
}

// Sessions returns the sessions being served.
func (s *Server) Sessions() []*tlspkg.Session {
	return s.sessions.List()
}
