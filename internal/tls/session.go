package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

// State is the lifecycle state of a session.
type State int32

// Session states.
const (
	StateUnopened State = iota
	StateHandshaking
	StateEstablished
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one TLS connection over a transport. It implements net.Conn.
// Sending and receiving may happen on separate goroutines, each driven by
// one goroutine at a time. Close may be called from any goroutine and
// unblocks pending I/O.
type Session struct {
	id         string
	engine     *Engine
	serverName string
	startTime  time.Time

	transport *CountingConn
	conn      *tls.Conn

	state     atomic.Int32
	writers   atomic.Int32
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
	closeOnce sync.Once
	closeErr  error

	logger observability.Logger
}

func newSession(e *Engine, transport net.Conn, serverName string, cfg *tls.Config) *Session {
	s := &Session{
		id:         uuid.New().String(),
		engine:     e,
		serverName: serverName,
		startTime:  time.Now(),
		transport:  NewCountingConn(transport),
	}

	if e.mode == ModeClient {
		s.conn = tls.Client(s.transport, cfg)
	} else {
		s.conn = tls.Server(s.transport, cfg)
	}

	s.logger = e.opts.logger.With(
		observability.String("session_id", s.id),
		observability.String("mode", e.mode.String()),
	)
	return s
}

// ID returns the unique session id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Engine returns the engine that created the session.
func (s *Session) Engine() *Engine {
	return s.engine
}

// ServerName returns the name the client verified, empty on servers.
func (s *Session) ServerName() string {
	return s.serverName
}

// Handshake performs the TLS handshake. It may only be called once, on an
// unopened session.
func (s *Session) Handshake(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateUnopened), int32(StateHandshaking)) {
		return s.engine.fail(&Error{
			Kind:       KindHandshake,
			Diagnostic: "handshake on " + s.State().String() + " session",
			Cause:      ErrNotEstablished,
		})
	}

	mode := s.engine.mode
	ctx, span := s.engine.opts.tracer.StartSpan(ctx, "tls.handshake",
		trace.WithSpanKind(spanKind(mode)),
		trace.WithAttributes(
			attribute.String("tls.mode", mode.String()),
			attribute.String("tls.server_name", s.serverName),
			attribute.String("tls.session_id", s.id),
		),
	)
	defer span.End()

	if timeout := s.engine.opts.handshakeTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.conn.HandshakeContext(ctx)
	duration := time.Since(start)

	if err != nil {
		herr := classifyHandshakeError(ctx, err)
		s.engine.opts.metrics.RecordHandshake(mode, 0, duration, herr)
		span.RecordError(err)
		span.SetStatus(codes.Error, herr.Diagnostic)
		s.logger.Debug("handshake failed",
			observability.String("kind", herr.Kind.String()),
			observability.Duration("duration", duration),
			observability.Error(err),
		)
		s.shutdown(false)
		return s.engine.fail(herr)
	}

	cs := s.conn.ConnectionState()
	span.SetAttributes(
		attribute.String("tls.version", TLSVersionName(cs.Version)),
		attribute.String("tls.cipher", CipherSuiteName(cs.CipherSuite)),
		attribute.String("tls.alpn", cs.NegotiatedProtocol),
	)

	if !s.state.CompareAndSwap(int32(StateHandshaking), int32(StateEstablished)) {
		// Closed concurrently.
		s.engine.opts.metrics.RecordHandshake(mode, cs.Version, duration, newError(KindHandshake, net.ErrClosed))
		return s.engine.fail(newError(KindHandshake, net.ErrClosed))
	}

	s.engine.opts.metrics.RecordHandshake(mode, cs.Version, duration, nil)
	s.engine.opts.metrics.SessionOpened(mode)

	s.logger.Debug("session established",
		observability.String("version", TLSVersionName(cs.Version)),
		observability.String("cipher", CipherSuiteName(cs.CipherSuite)),
		observability.String("remote_addr", s.RemoteAddr().String()),
		observability.Duration("duration", duration),
	)
	return nil
}

func spanKind(mode Mode) trace.SpanKind {
	if mode == ModeServer {
		return trace.SpanKindServer
	}
	return trace.SpanKindClient
}

// classifyHandshakeError maps a handshake failure to connect (deadlines and
// cancellation) or handshake (everything else).
func classifyHandshakeError(ctx context.Context, err error) *Error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(KindConnect, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindConnect, err)
	}
	return newError(KindHandshake, err)
}

// Send writes all of p to the peer.
func (s *Session) Send(p []byte) error {
	defer s.beginWrite()()
	if s.State() != StateEstablished {
		return s.engine.fail(newError(KindSend, s.stateError()))
	}

	for len(p) > 0 {
		n, err := s.conn.Write(p)
		s.countOut(n)
		if err != nil {
			return s.engine.fail(newError(KindSend, err))
		}
		p = p[n:]
	}
	return nil
}

// Receive reads at most max bytes. It returns io.EOF once the peer has shut
// the session down cleanly.
func (s *Session) Receive(max int) ([]byte, error) {
	if max <= 0 {
		return nil, s.engine.fail(newMessageError(KindReceive, "receive size must be positive"))
	}
	if s.State() != StateEstablished {
		return nil, s.engine.fail(newError(KindReceive, s.stateError()))
	}

	buf := make([]byte, max)
	n, err := s.conn.Read(buf)
	s.countIn(n)
	if n > 0 {
		return buf[:n], nil
	}
	if errors.Is(err, io.EOF) {
		s.logger.Debug("peer closed session")
		return nil, io.EOF
	}
	if err == nil {
		return buf[:0], nil
	}
	return nil, s.engine.fail(newError(KindReceive, err))
}

// Read implements net.Conn. A clean shutdown by the peer yields io.EOF.
func (s *Session) Read(p []byte) (int, error) {
	if s.State() != StateEstablished {
		return 0, newError(KindReceive, s.stateError())
	}
	n, err := s.conn.Read(p)
	s.countIn(n)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, s.engine.fail(newError(KindReceive, err))
	}
	return n, err
}

// Write implements net.Conn.
func (s *Session) Write(p []byte) (int, error) {
	defer s.beginWrite()()
	if s.State() != StateEstablished {
		return 0, newError(KindSend, s.stateError())
	}
	n, err := s.conn.Write(p)
	s.countOut(n)
	if err != nil {
		return n, s.engine.fail(newError(KindSend, err))
	}
	return n, nil
}

// CloseWrite sends close_notify and keeps the session readable. The peer
// reads io.EOF; whatever it still sends can be received until it closes.
func (s *Session) CloseWrite() error {
	defer s.beginWrite()()
	if s.State() != StateEstablished {
		return s.engine.fail(newError(KindClose, s.stateError()))
	}
	if err := s.conn.CloseWrite(); err != nil {
		return s.engine.fail(newError(KindClose, err))
	}
	return nil
}

// beginWrite marks a write in flight until the returned func runs. It must
// precede the state check so shutdown sees either the writer or the state.
func (s *Session) beginWrite() func() {
	s.writers.Add(1)
	return func() { s.writers.Add(-1) }
}

func (s *Session) stateError() error {
	if s.State() == StateClosed {
		return net.ErrClosed
	}
	return ErrNotEstablished
}

func (s *Session) countIn(n int) {
	if n > 0 {
		s.bytesIn.Add(int64(n))
		s.engine.opts.metrics.RecordBytes(DirectionReceived, n)
	}
}

func (s *Session) countOut(n int) {
	if n > 0 {
		s.bytesOut.Add(int64(n))
		s.engine.opts.metrics.RecordBytes(DirectionSent, n)
	}
}

// Close sends close_notify when established and releases the transport.
// close_notify is skipped while a write is in flight, so Close never waits
// behind a blocked Send. The session is closed afterwards whatever the
// outcome; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		established := s.State() == StateEstablished
		if err := s.shutdown(established); err != nil {
			s.closeErr = s.engine.fail(newError(KindClose, err))
		}
	})
	return s.closeErr
}

// shutdown moves the session to Closed and releases the transport.
func (s *Session) shutdown(notify bool) error {
	prev := State(s.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return nil
	}

	// crypto/tls bounds the close_notify write with its own deadline.
	switch {
	case notify && s.writers.Load() > 0:
		s.logger.Debug("close_notify skipped, write in flight")
	case notify:
		if err := s.conn.CloseWrite(); err != nil {
			s.logger.Debug("close_notify not delivered", observability.Error(err))
		}
	}

	err := s.transport.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	s.engine.tracker.Remove(s.id)
	if prev == StateEstablished {
		s.engine.opts.metrics.SessionClosed(s.engine.mode)
	}

	in, out := s.bytesIn.Load(), s.bytesOut.Load()
	s.logger.Debug("session closed",
		observability.String("previous_state", prev.String()),
		observability.Int64("bytes_in", in),
		observability.Int64("bytes_out", out),
		observability.Int64("wire_bytes_in", s.transport.BytesIn()),
		observability.Int64("wire_bytes_out", s.transport.BytesOut()),
		observability.Duration("duration", time.Since(s.startTime)),
	)
	return err
}

// SetTimeout sets read and write deadlines d from now. A non-positive d
// clears them. Before the handshake it bounds the handshake.
func (s *Session) SetTimeout(d time.Duration) error {
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	if err := s.transport.SetDeadline(deadline); err != nil {
		return s.engine.fail(newError(KindSetTimeout, err))
	}
	return nil
}

// SetDeadline implements net.Conn.
func (s *Session) SetDeadline(t time.Time) error {
	if err := s.transport.SetDeadline(t); err != nil {
		return newError(KindSetTimeout, err)
	}
	return nil
}

// SetReadDeadline implements net.Conn.
func (s *Session) SetReadDeadline(t time.Time) error {
	if err := s.transport.SetReadDeadline(t); err != nil {
		return newError(KindSetTimeout, err)
	}
	return nil
}

// SetWriteDeadline implements net.Conn.
func (s *Session) SetWriteDeadline(t time.Time) error {
	if err := s.transport.SetWriteDeadline(t); err != nil {
		return newError(KindSetTimeout, err)
	}
	return nil
}

// LocalAddr implements net.Conn.
func (s *Session) LocalAddr() net.Addr {
	return s.transport.LocalAddr()
}

// RemoteAddr implements net.Conn.
func (s *Session) RemoteAddr() net.Addr {
	return s.transport.RemoteAddr()
}

// ConnectionState returns the negotiated parameters of the session.
func (s *Session) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState()
}

// PeerIdentity returns the identity of the peer leaf certificate, or nil
// when the peer presented none.
func (s *Session) PeerIdentity() *PeerIdentity {
	cs := s.conn.ConnectionState()
	if len(cs.PeerCertificates) == 0 {
		return nil
	}
	return ExtractPeerIdentity(cs.PeerCertificates[0])
}

// Stats returns application and wire byte counts and the session age.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		BytesIn:      s.bytesIn.Load(),
		BytesOut:     s.bytesOut.Load(),
		WireBytesIn:  s.transport.BytesIn(),
		WireBytesOut: s.transport.BytesOut(),
		Duration:     time.Since(s.startTime),
	}
}

// SessionStats holds byte counters of a session.
type SessionStats struct {
	BytesIn      int64
	BytesOut     int64
	WireBytesIn  int64
	WireBytesOut int64
	Duration     time.Duration
}

var _ net.Conn = (*Session)(nil)
