// Package transport provides the TCP listeners and dialers that TLS
// sessions run over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

// Default transport values.
const (
	// DefaultDialTimeout bounds a single connection attempt.
	DefaultDialTimeout = 10 * time.Second

	// DefaultKeepAlive is the TCP keep-alive period of dialed and accepted connections.
	DefaultKeepAlive = 30 * time.Second

	// DefaultNetwork is the network used when none is given.
	DefaultNetwork = "tcp"
)

// Listen opens a TCP listener on address.
func Listen(ctx context.Context, network, address string) (net.Listener, error) {
	if network == "" {
		network = DefaultNetwork
	}

	lc := &net.ListenConfig{KeepAlive: DefaultKeepAlive}
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return ln, nil
}

// Dialer opens transport connections, retrying refused or timed out
// attempts with exponential backoff.
type Dialer struct {
	// Timeout bounds each attempt. Zero selects DefaultDialTimeout.
	Timeout time.Duration

	// Retry controls reconnection attempts. Nil disables retries.
	Retry *RetryConfig

	// Breaker, when set, fails attempts fast while the address keeps failing.
	Breaker *Breaker

	// Logger receives retry notices. Nil disables logging.
	Logger observability.Logger
}

// Dial connects to address, retrying according to d.Retry.
func (d *Dialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if network == "" {
		network = DefaultNetwork
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: DefaultKeepAlive}

	logger := d.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	var conn net.Conn
	dialOnce := func() error {
		var dialErr error
		conn, dialErr = dialer.DialContext(ctx, network, address)
		return dialErr
	}
	if d.Breaker != nil {
		dial := dialOnce
		dialOnce = func() error { return d.Breaker.execute(dial) }
	}

	err := retry(ctx, d.Retry, dialOnce, func(attempt int, err error, backoff time.Duration) {
		logger.Warn("dial failed, retrying",
			observability.String("address", address),
			observability.Int("attempt", attempt),
			observability.Duration("backoff", backoff),
			observability.Error(err),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return conn, nil
}

// Temporary reports whether a dial error is worth retrying.
func Temporary(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
