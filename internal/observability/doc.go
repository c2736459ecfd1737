// Package observability provides logging, tracing and the Prometheus
// endpoint for the TLS session manager.
//
// # Logging
//
// The Logger interface provides structured logging over zap:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("session established",
//	    observability.String("session_id", id),
//	    observability.String("version", "TLS 1.3"),
//	)
//
// Library types default to NopLogger so that nothing is written unless a
// logger is injected.
//
// # Tracing
//
// OpenTelemetry tracing with OTLP gRPC export:
//
//	tracer, err := observability.NewTracer(observability.TracerConfig{
//	    Enabled:      true,
//	    OTLPEndpoint: "localhost:4317",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tracer.Shutdown(ctx)
//
// # Metrics
//
// MetricsServer exposes a Prometheus registry on /metrics together with a
// /health probe. Start blocks until its context is cancelled.
package observability
