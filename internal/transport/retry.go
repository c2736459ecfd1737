package transport

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry configuration constants.
const (
	// DefaultMaxRetries is the default maximum number of retry attempts.
	DefaultMaxRetries = 3

	// DefaultInitialBackoff is the default initial backoff duration.
	DefaultInitialBackoff = 100 * time.Millisecond

	// DefaultMaxBackoff is the default maximum backoff duration.
	DefaultMaxBackoff = 5 * time.Second

	// DefaultJitterFactor is the default jitter factor (25%).
	DefaultJitterFactor = 0.25
)

// RetryConfig contains dial retry parameters. Zero fields select defaults.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

func (c *RetryConfig) maxRetries() int {
	if c == nil {
		return 0
	}
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

func (c *RetryConfig) initialBackoff() time.Duration {
	if c == nil || c.InitialBackoff <= 0 {
		return DefaultInitialBackoff
	}
	return c.InitialBackoff
}

func (c *RetryConfig) maxBackoff() time.Duration {
	if c == nil || c.MaxBackoff <= 0 {
		return DefaultMaxBackoff
	}
	return c.MaxBackoff
}

func (c *RetryConfig) jitterFactor() float64 {
	if c == nil || c.JitterFactor < 0 {
		return 0
	}
	return min(c.JitterFactor, 1)
}

// Backoff returns the wait before retry number attempt (zero based).
func (c *RetryConfig) Backoff(attempt int) time.Duration {
	backoff := float64(c.initialBackoff()) * math.Pow(2, float64(attempt))

	//nolint:gosec // G404: jitter for retry timing is not security-sensitive
	backoff += backoff * c.jitterFactor() * rand.Float64()

	if limit := float64(c.maxBackoff()); backoff > limit {
		backoff = limit
	}
	return time.Duration(backoff)
}

// retry runs fn until it succeeds, fails permanently or the attempts are
// used up. The last error is returned.
func retry(
	ctx context.Context,
	cfg *RetryConfig,
	fn func() error,
	onRetry func(attempt int, err error, backoff time.Duration),
) error {
	retries := cfg.maxRetries()

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn()
		if lastErr == nil || !Temporary(lastErr) || attempt == retries {
			return lastErr
		}

		backoff := cfg.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt+1, lastErr, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}
