package server

import (
	"context"
	"errors"
	"io"
	"time"

	tlspkg "github.com/vyrodovalexey/avatls/internal/tls"
)

// DefaultBufferSize is the largest chunk the echo handler reads at once.
const DefaultBufferSize = 32 * 1024

// Handler serves one established session. The server closes the session
// after ServeSession returns.
type Handler interface {
	ServeSession(ctx context.Context, s *tlspkg.Session) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *tlspkg.Session) error

// ServeSession implements Handler.
func (f HandlerFunc) ServeSession(ctx context.Context, s *tlspkg.Session) error {
	return f(ctx, s)
}

// Echo sends every received chunk back until the peer shuts down.
type Echo struct {
	// IdleTimeout closes sessions idle for longer. Zero waits forever.
	IdleTimeout time.Duration

	// BufferSize caps each read. Zero selects DefaultBufferSize.
	BufferSize int
}

// ServeSession implements Handler.
func (e *Echo) ServeSession(ctx context.Context, s *tlspkg.Session) error {
	size := e.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}

	for ctx.Err() == nil {
		if e.IdleTimeout > 0 {
			if err := s.SetTimeout(e.IdleTimeout); err != nil {
				return err
			}
		}

		data, err := s.Receive(size)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := s.Send(data); err != nil {
			return err
		}
	}
	return ctx.Err()
}
