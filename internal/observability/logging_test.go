package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDefaultLogConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stderr", cfg.Output)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  LogConfig
		wantErr bool
	}{
		{name: "default config", config: DefaultLogConfig()},
		{name: "empty config", config: LogConfig{}},
		{name: "console format", config: LogConfig{Level: "debug", Format: "console", Output: "stdout"}},
		{name: "invalid level", config: LogConfig{Level: "loud"}, wantErr: true},
		{name: "invalid format", config: LogConfig{Level: "info", Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLoggerFromZap(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	logger := NewLoggerFromZap(zap.New(core))

	logger.With(String("session_id", "abc")).Info("session established", Int("bytes", 42))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "session established", entries[0].Message)
	assert.Equal(t, "abc", entries[0].ContextMap()["session_id"])
	assert.EqualValues(t, 42, entries[0].ContextMap()["bytes"])

	assert.NotNil(t, NewLoggerFromZap(nil))
}

func TestZapLogger_WithContext(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	logger := NewLoggerFromZap(zap.New(core))

	// No span: the same logger is returned.
	assert.Same(t, logger, logger.WithContext(context.Background()))

	provider := sdktrace.NewTracerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.WithContext(ctx).Debug("traced")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, span.SpanContext().TraceID().String(), entries[0].ContextMap()["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entries[0].ContextMap()["span_id"])
}

func TestGlobalLogger(t *testing.T) {
	// Not parallel - modifies global state
	SetGlobalLogger(nil)
	assert.NotNil(t, L())

	logger := NopLogger()
	SetGlobalLogger(logger)
	defer SetGlobalLogger(nil)

	assert.Same(t, logger, L())
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NopLogger()
	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")
	assert.NotNil(t, logger.With(String("k", "v")))
	assert.NoError(t, logger.Sync())
}
