package tls

import (
	"crypto/x509"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Direction labels for byte counters.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Metrics holds Prometheus metrics for TLS sessions.
type Metrics struct {
	sessionsTotal     *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	handshakeErrors   *prometheus.CounterVec
	bytesTotal        *prometheus.CounterVec
	activeSessions    *prometheus.GaugeVec
	certificateExpiry *prometheus.GaugeVec
	engineReloads     *prometheus.CounterVec

	registry *prometheus.Registry
}

// MetricsOption is a functional option for configuring Metrics.
type MetricsOption func(*Metrics)

// WithRegistry sets a custom Prometheus registry.
func WithRegistry(registry *prometheus.Registry) MetricsOption {
	return func(m *Metrics) {
		m.registry = registry
	}
}

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string, opts ...MetricsOption) *Metrics {
	if namespace == "" {
		namespace = "avatls"
	}

	m := &Metrics{}

	for _, opt := range opts {
		opt(m)
	}

	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	m.sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "sessions_total",
			Help:      "Total number of TLS sessions by mode and handshake result",
		},
		[]string{"mode", "result"},
	)

	m.handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "handshake_duration_seconds",
			Help:      "TLS handshake duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"mode", "version"},
	)

	m.handshakeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "handshake_errors_total",
			Help:      "Total number of TLS handshake errors by kind",
		},
		[]string{"kind"},
	)

	m.bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "bytes_total",
			Help:      "Total number of application bytes by direction",
		},
		[]string{"direction"},
	)

	m.activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "active_sessions",
			Help:      "Number of established TLS sessions",
		},
		[]string{"mode"},
	)

	m.certificateExpiry = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "certificate_expiry_seconds",
			Help:      "Time until certificate expiry in seconds",
		},
		[]string{"subject"},
	)

	m.engineReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "engine_reload_total",
			Help:      "Total number of engine reload attempts by status",
		},
		[]string{"status"},
	)

	m.registry.MustRegister(
		m.sessionsTotal,
		m.handshakeDuration,
		m.handshakeErrors,
		m.bytesTotal,
		m.activeSessions,
		m.certificateExpiry,
		m.engineReloads,
	)

	return m
}

// RecordHandshake records the outcome and duration of a handshake.
func (m *Metrics) RecordHandshake(mode Mode, version uint16, duration time.Duration, err error) {
	if err != nil {
		m.sessionsTotal.WithLabelValues(mode.String(), "failure").Inc()
		m.handshakeErrors.WithLabelValues(KindOf(err).String()).Inc()
		return
	}
	m.sessionsTotal.WithLabelValues(mode.String(), "success").Inc()
	m.handshakeDuration.WithLabelValues(mode.String(), TLSVersionName(version)).Observe(duration.Seconds())
}

// RecordBytes adds n application bytes in the given direction.
func (m *Metrics) RecordBytes(direction string, n int) {
	if n <= 0 {
		return
	}
	m.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(mode Mode) {
	m.activeSessions.WithLabelValues(mode.String()).Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(mode Mode) {
	m.activeSessions.WithLabelValues(mode.String()).Dec()
}

// UpdateCertificateExpiry updates the certificate expiry metric.
func (m *Metrics) UpdateCertificateExpiry(cert *x509.Certificate) {
	if cert == nil {
		return
	}

	subject := cert.Subject.CommonName
	if subject == "" {
		subject = cert.Subject.String()
	}

	m.certificateExpiry.WithLabelValues(subject).Set(time.Until(cert.NotAfter).Seconds())
}

// RecordEngineReload records an engine reload attempt.
func (m *Metrics) RecordEngineReload(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.engineReloads.WithLabelValues(status).Inc()
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// NopMetrics is a no-op implementation of metrics for testing.
type NopMetrics struct{}

// NewNopMetrics creates a new NopMetrics instance.
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

// RecordHandshake is a no-op.
func (m *NopMetrics) RecordHandshake(_ Mode, _ uint16, _ time.Duration, _ error) {}

// RecordBytes is a no-op.
func (m *NopMetrics) RecordBytes(_ string, _ int) {}

// SessionOpened is a no-op.
func (m *NopMetrics) SessionOpened(_ Mode) {}

// SessionClosed is a no-op.
func (m *NopMetrics) SessionClosed(_ Mode) {}

// UpdateCertificateExpiry is a no-op.
func (m *NopMetrics) UpdateCertificateExpiry(_ *x509.Certificate) {}

// RecordEngineReload is a no-op.
func (m *NopMetrics) RecordEngineReload(_ bool) {}

// MetricsRecorder defines the interface for recording TLS metrics.
type MetricsRecorder interface {
	RecordHandshake(mode Mode, version uint16, duration time.Duration, err error)
	RecordBytes(direction string, n int)
	SessionOpened(mode Mode)
	SessionClosed(mode Mode)
	UpdateCertificateExpiry(cert *x509.Certificate)
	RecordEngineReload(success bool)
}

// Ensure implementations satisfy the interface.
var (
	_ MetricsRecorder = (*Metrics)(nil)
	_ MetricsRecorder = (*NopMetrics)(nil)
)
