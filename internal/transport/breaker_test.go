package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	breaker := NewBreaker("dial", BreakerConfig{Threshold: 2, Timeout: time.Minute},
		observability.NewLoggerFromZap(zap.New(core)))
	assert.Equal(t, "closed", breaker.State())

	address := fmt.Sprintf("127.0.0.1:%d", dynaport.Get(1)[0])
	d := &Dialer{Timeout: time.Second, Breaker: breaker}

	for range 2 {
		_, err := d.Dial(context.Background(), "tcp", address)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, "open", breaker.State())

	_, err := d.Dial(context.Background(), "tcp", address)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, logs.FilterMessage("circuit breaker state change").Len())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	breaker := NewBreaker("probe", BreakerConfig{Threshold: 1, Timeout: 50 * time.Millisecond}, nil)
	failure := errors.New("refused")

	require.ErrorIs(t, breaker.execute(func() error { return failure }), failure)
	assert.Equal(t, "open", breaker.State())
	require.ErrorIs(t, breaker.execute(func() error { return nil }), ErrCircuitOpen)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "half-open", breaker.State())
	require.NoError(t, breaker.execute(func() error { return nil }))
	assert.Equal(t, "closed", breaker.State())
}

func TestBreaker_CancellationIsNotFailure(t *testing.T) {
	t.Parallel()

	breaker := NewBreaker("cancel", BreakerConfig{Threshold: 1}, nil)

	err := breaker.execute(func() error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "closed", breaker.State())
	assert.False(t, Temporary(ErrCircuitOpen))
}
