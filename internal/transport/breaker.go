package transport

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

// Circuit breaker defaults.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 30 * time.Second
)

// ErrCircuitOpen is returned by a Dialer whose breaker rejects the attempt.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failed dials that opens the circuit.
	Threshold int

	// Timeout is how long the circuit stays open before a probe is let through.
	Timeout time.Duration
}

// Breaker stops dialing an address that keeps failing. While open every
// attempt fails immediately with ErrCircuitOpen.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger observability.Logger
}

// NewBreaker creates a breaker named name. A nil logger disables logging.
func NewBreaker(name string, cfg BreakerConfig, logger observability.Logger) *Breaker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultBreakerTimeout
	}

	b := &Breaker{logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold) //nolint:gosec // threshold is positive
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})
	return b
}

// State returns the current state: "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// execute runs fn unless the circuit is open.
func (b *Breaker) execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}
