package tls

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

// DefaultMaxSessions is the tracker capacity when none is configured.
const DefaultMaxSessions = 10000

// SessionTracker tracks the live sessions of an engine for graceful shutdown.
type SessionTracker struct {
	sessions    sync.Map
	maxSessions int
	count       atomic.Int64
	logger      observability.Logger
}

// NewSessionTracker creates a new session tracker.
func NewSessionTracker(maxSessions int, logger observability.Logger) *SessionTracker {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &SessionTracker{
		maxSessions: maxSessions,
		logger:      logger,
	}
}

// Add adds a new session to the tracker.
// Returns an error if the maximum number of sessions is reached.
func (t *SessionTracker) Add(s *Session) error {
	if n := t.count.Add(1); int(n) > t.maxSessions {
		t.count.Add(-1)
		return fmt.Errorf("maximum sessions reached: %d", t.maxSessions)
	}

	t.sessions.Store(s.ID(), s)

	t.logger.Debug("session added",
		observability.String("session_id", s.ID()),
		observability.String("remote_addr", s.RemoteAddr().String()),
	)
	return nil
}

// Remove removes a session from the tracker.
func (t *SessionTracker) Remove(id string) {
	if _, loaded := t.sessions.LoadAndDelete(id); loaded {
		t.count.Add(-1)
		t.logger.Debug("session removed", observability.String("session_id", id))
	}
}

// Get returns a tracked session by id.
func (t *SessionTracker) Get(id string) *Session {
	if v, ok := t.sessions.Load(id); ok {
		return v.(*Session)
	}
	return nil
}

// Count returns the current number of tracked sessions.
func (t *SessionTracker) Count() int {
	return int(t.count.Load())
}

// List returns all tracked sessions.
func (t *SessionTracker) List() []*Session {
	var sessions []*Session
	t.sessions.Range(func(_, value any) bool {
		sessions = append(sessions, value.(*Session))
		return true
	})
	return sessions
}

// CloseAll closes all tracked sessions.
func (t *SessionTracker) CloseAll() {
	for _, s := range t.List() {
		if err := s.Close(); err != nil {
			t.logger.Debug("error closing session",
				observability.String("session_id", s.ID()),
				observability.Error(err),
			)
		}
	}
}

// CountingConn wraps a net.Conn to count the bytes crossing the transport,
// record overhead included.
type CountingConn struct {
	net.Conn
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// NewCountingConn creates a new counting connection wrapper.
func NewCountingConn(conn net.Conn) *CountingConn {
	return &CountingConn{Conn: conn}
}

// Read reads data from the connection and updates the bytes counter.
func (c *CountingConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		c.bytesIn.Add(int64(n))
	}
	return n, err
}

// Write writes data to the connection and updates the bytes counter.
func (c *CountingConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		c.bytesOut.Add(int64(n))
	}
	return n, err
}

// BytesIn returns the number of bytes read.
func (c *CountingConn) BytesIn() int64 {
	return c.bytesIn.Load()
}

// BytesOut returns the number of bytes written.
func (c *CountingConn) BytesOut() int64 {
	return c.bytesOut.Load()
}
