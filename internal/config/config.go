// Package config loads the YAML configuration of the avatls command and
// turns it into engine and server settings.
package config

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/server"
	tlspkg "github.com/vyrodovalexey/avatls/internal/tls"
)

// Config is the root configuration.
type Config struct {
	Mode               string          `yaml:"mode"`
	Address            string          `yaml:"address"`
	ServerName         string          `yaml:"serverName,omitempty"`
	Certificates       CertificateSpec `yaml:"certificates"`
	VerifyHost         *bool           `yaml:"verifyHost,omitempty"`
	VerifyCertificates *bool           `yaml:"verifyCertificates,omitempty"`
	CipherSuite        *string         `yaml:"cipherSuite,omitempty"`
	ALPN               []string        `yaml:"alpn,omitempty"`
	MinVersion         string          `yaml:"minVersion,omitempty"`
	MaxVersion         string          `yaml:"maxVersion,omitempty"`
	RequireClientCert  bool            `yaml:"requireClientCert,omitempty"`
	PeerPolicy         PeerPolicy      `yaml:"peerPolicy,omitempty"`

	Timeouts TimeoutsConfig             `yaml:"timeouts,omitempty"`
	Server   ServerConfig               `yaml:"server,omitempty"`
	Reload   ReloadConfig               `yaml:"reload,omitempty"`
	Logging  observability.LogConfig    `yaml:"logging,omitempty"`
	Metrics  MetricsConfig              `yaml:"metrics,omitempty"`
	Tracing  observability.TracerConfig `yaml:"tracing,omitempty"`
}

// PeerPolicy restricts accepted peer certificates.
type PeerPolicy struct {
	AllowedCNs  []string `yaml:"allowedCNs,omitempty"`
	AllowedSANs []string `yaml:"allowedSANs,omitempty"`
}

// TimeoutsConfig groups the timeouts.
type TimeoutsConfig struct {
	Handshake Duration `yaml:"handshake,omitempty"`
	Idle      Duration `yaml:"idle,omitempty"`
	Dial      Duration `yaml:"dial,omitempty"`
	Shutdown  Duration `yaml:"shutdown,omitempty"`
}

// ServerConfig holds server mode limits.
type ServerConfig struct {
	MaxSessions int     `yaml:"maxSessions,omitempty"`
	AcceptRate  float64 `yaml:"acceptRate,omitempty"`
	AcceptBurst int     `yaml:"acceptBurst,omitempty"`
}

// ReloadConfig controls certificate hot reload.
type ReloadConfig struct {
	Enabled  bool     `yaml:"enabled,omitempty"`
	Debounce Duration `yaml:"debounce,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	Address   string `yaml:"address,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// Default values.
const (
	DefaultAddress          = ":8443"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDialTimeout      = 10 * time.Second
	DefaultMetricsAddress   = ":9090"
	DefaultMetricsNamespace = "avatls"
	DefaultServiceName      = "avatls"
)

var tlsVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// DefaultConfig returns a server configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{Mode: tlspkg.ModeServer.String()}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = tlspkg.ModeServer.String()
	}
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.Timeouts.Handshake == 0 {
		c.Timeouts.Handshake = Duration(DefaultHandshakeTimeout)
	}
	if c.Timeouts.Idle == 0 {
		c.Timeouts.Idle = Duration(server.DefaultIdleTimeout)
	}
	if c.Timeouts.Dial == 0 {
		c.Timeouts.Dial = Duration(DefaultDialTimeout)
	}
	if c.Timeouts.Shutdown == 0 {
		c.Timeouts.Shutdown = Duration(server.DefaultShutdownTimeout)
	}
	if c.Server.MaxSessions == 0 {
		c.Server.MaxSessions = tlspkg.DefaultMaxSessions
	}
	if c.Reload.Debounce == 0 {
		c.Reload.Debounce = Duration(100 * time.Millisecond)
	}

	defaults := observability.DefaultLogConfig()
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Format
	}
	if c.Logging.Output == "" {
		c.Logging.Output = defaults.Output
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = DefaultMetricsAddress
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsNamespace
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = DefaultServiceName
	}
}

// EngineMode returns the parsed mode.
func (c *Config) EngineMode() (tlspkg.Mode, error) {
	return tlspkg.ParseMode(c.Mode)
}

// EngineOptions converts the configuration into engine options. Logger,
// metrics and tracer are added by the caller.
func (c *Config) EngineOptions() ([]tlspkg.Option, error) {
	var opts []tlspkg.Option

	if c.VerifyHost != nil {
		opts = append(opts, tlspkg.WithVerifyHost(*c.VerifyHost))
	}
	if c.VerifyCertificates != nil {
		opts = append(opts, tlspkg.WithVerifyCertificates(*c.VerifyCertificates))
	}
	if c.CipherSuite != nil {
		opts = append(opts, tlspkg.WithCipherSuite(*c.CipherSuite))
	}
	if len(c.ALPN) > 0 {
		opts = append(opts, tlspkg.WithALPN(c.ALPN...))
	}
	if c.MinVersion != "" {
		v, err := parseTLSVersion(c.MinVersion)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tlspkg.WithMinVersion(v))
	}
	if c.MaxVersion != "" {
		v, err := parseTLSVersion(c.MaxVersion)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tlspkg.WithMaxVersion(v))
	}
	if c.RequireClientCert {
		opts = append(opts, tlspkg.WithRequireClientCertificate(true))
	}
	if len(c.PeerPolicy.AllowedCNs) > 0 || len(c.PeerPolicy.AllowedSANs) > 0 {
		opts = append(opts, tlspkg.WithPeerPolicy(tlspkg.PeerPolicy{
			AllowedCNs:  c.PeerPolicy.AllowedCNs,
			AllowedSANs: c.PeerPolicy.AllowedSANs,
		}))
	}
	if c.Timeouts.Handshake > 0 {
		opts = append(opts, tlspkg.WithHandshakeTimeout(c.Timeouts.Handshake.Duration()))
	}
	if c.Server.MaxSessions > 0 {
		opts = append(opts, tlspkg.WithMaxSessions(c.Server.MaxSessions))
	}

	return opts, nil
}

// ServerSettings returns the settings of the echo server.
func (c *Config) ServerSettings() *server.Config {
	cfg := server.DefaultConfig()
	cfg.Address = c.Address
	cfg.MaxSessions = c.Server.MaxSessions
	cfg.IdleTimeout = c.Timeouts.Idle.Duration()
	cfg.AcceptRate = c.Server.AcceptRate
	cfg.AcceptBurst = c.Server.AcceptBurst
	cfg.ShutdownTimeout = c.Timeouts.Shutdown.Duration()
	return cfg
}

func parseTLSVersion(s string) (uint16, error) {
	v, ok := tlsVersions[s]
	if !ok {
		return 0, fmt.Errorf("unknown TLS version %q (want 1.0, 1.1, 1.2 or 1.3)", s)
	}
	return v, nil
}
